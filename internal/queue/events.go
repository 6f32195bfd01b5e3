package queue

// WebSocket event types for queue state changes.
const (
	EventJobAdded      = "queue:job-added"
	EventJobFinished   = "queue:job-finished"
	EventJobDeleted    = "queue:job-deleted"
	EventTaskCompleted = "queue:task-completed"
	EventTaskFailed    = "queue:task-failed"
	EventTaskStopped   = "queue:task-stopped"
	EventState         = "queue:state"
)

// TaskEvent is the payload of per-task events.
type TaskEvent struct {
	JobID     int64  `json:"jobId"`
	Key       string `json:"key"`
	Name      string `json:"name"`
	ErrorKind string `json:"errorKind,omitempty"`
}
