package tracker

// WebSocket event types for tracker changes.
const (
	EventTrackerAdded   = "tracker:added"
	EventTrackerDeleted = "tracker:deleted"
	EventTrackerScanned = "tracker:scanned"
)

// ScannedEvent is broadcast when a scan enqueued new episodes.
type ScannedEvent struct {
	TrackerID   int64 `json:"trackerId"`
	NewEpisodes int   `json:"newEpisodes"`
	JobID       int64 `json:"jobId"`
	LastSeason  int   `json:"lastSeason"`
	LastEpisode int   `json:"lastEpisode"`
}
