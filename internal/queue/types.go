package queue

import (
	"context"
	"time"
)

// TaskStatus is the lifecycle state of a single episode task.
// Transitions: queued -> downloading -> {completed, failed, cancelled},
// plus queued -> cancelled directly. Terminal states are never left.
type TaskStatus string

const (
	TaskQueued      TaskStatus = "queued"
	TaskDownloading TaskStatus = "downloading"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// JobStatus is derived from task statuses, never stored.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ErrorKindNoProviders is recorded on a task that exhausted its candidate chain.
const ErrorKindNoProviders = "no_providers_left"

// Task is one fetch unit: one remote item at one chosen language, with an
// ordered provider fallback chain. Owned exclusively by its job; all field
// access goes through the service mutex.
type Task struct {
	Key       string   `json:"key"`
	URL       string   `json:"url"`
	Name      string   `json:"name"`
	Language  string   `json:"language"`
	Providers []string `json:"providers"`
	// ProviderIndex points at the candidate used by the current or next attempt.
	ProviderIndex int        `json:"providerIndex"`
	Status        TaskStatus `json:"status"`
	Progress      float64    `json:"progress"` // 0..1
	Speed         string     `json:"speed"`
	ETA           string     `json:"eta"`
	ErrorKind     string     `json:"errorKind,omitempty"`
	// LastError is the kind of the final failed attempt, kept for diagnostics
	// alongside the exhaustion ErrorKind.
	LastError string `json:"lastError,omitempty"`
	DestPath  string `json:"-"`

	// Worker coordination, set only while downloading.
	cancelTask    context.CancelFunc
	cancelAttempt context.CancelFunc
}

// CurrentProvider returns the active provider candidate, empty when exhausted.
func (t *Task) CurrentProvider() string {
	if t.ProviderIndex >= len(t.Providers) {
		return ""
	}
	return t.Providers[t.ProviderIndex]
}

// Job is a user-initiated batch of tasks with derived aggregate status.
type Job struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	IsMovie   bool       `json:"isMovie"`
	Tasks     []*Task    `json:"tasks"`
	CreatedAt time.Time  `json:"createdAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	// StatusLine is a human-readable description of what the job is doing.
	StatusLine string `json:"statusLine"`
}

// Counts holds the per-status task tally of a job. The fields always sum to
// Total.
type Counts struct {
	Queued      int `json:"queued"`
	Downloading int `json:"downloading"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	Total       int `json:"total"`
}

// CountTasks tallies task statuses. Caller must hold the service mutex.
func (j *Job) CountTasks() Counts {
	var c Counts
	for _, t := range j.Tasks {
		switch t.Status {
		case TaskQueued:
			c.Queued++
		case TaskDownloading:
			c.Downloading++
		case TaskCompleted:
			c.Completed++
		case TaskFailed:
			c.Failed++
		case TaskCancelled:
			c.Cancelled++
		}
		c.Total++
	}
	return c
}

// DerivedStatus computes the job status from its tasks.
func (j *Job) DerivedStatus() JobStatus {
	c := j.CountTasks()
	switch {
	case c.Downloading > 0:
		return JobActive
	case c.Queued > 0:
		if c.Completed+c.Failed+c.Cancelled > 0 {
			return JobActive
		}
		return JobQueued
	case c.Completed > 0:
		return JobCompleted
	default:
		return JobFailed
	}
}

// OverallProgress is the mean of per-task progress fractions.
func (j *Job) OverallProgress() float64 {
	if len(j.Tasks) == 0 {
		return 0
	}
	var sum float64
	for _, t := range j.Tasks {
		sum += t.Progress
	}
	return sum / float64(len(j.Tasks))
}

// terminal reports whether no task can make further progress.
func (j *Job) terminal() bool {
	for _, t := range j.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// findTask locates a task by key, falling back to source URL so that API
// callers can reference tasks by either.
func (j *Job) findTask(keyOrURL string) *Task {
	for _, t := range j.Tasks {
		if t.Key == keyOrURL {
			return t
		}
	}
	for _, t := range j.Tasks {
		if t.URL == keyOrURL {
			return t
		}
	}
	return nil
}

// ItemInput describes one task of an enqueue request.
type ItemInput struct {
	URL      string   `json:"url"`
	Name     string   `json:"name"`
	Language string   `json:"language"`
	// Providers is the ordered fallback candidate chain, consumed front to back.
	Providers []string `json:"providers"`
	Season    int      `json:"season,omitempty"`
	Episode   int      `json:"episode,omitempty"`
}

// JobView is the polling shape of a job for the presentation layer.
type JobView struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	IsMovie         bool      `json:"isMovie"`
	Status          JobStatus `json:"status"`
	ProgressPct     float64   `json:"progressPct"`
	Counts          Counts    `json:"counts"`
	CurrentTaskName string    `json:"currentTaskName"`
	CreatedAt       time.Time `json:"createdAt"`
}

// TaskView is the polling shape of a task.
type TaskView struct {
	Key         string     `json:"key"`
	URL         string     `json:"url"`
	Name        string     `json:"name"`
	Status      TaskStatus `json:"status"`
	ProgressPct float64    `json:"progressPct"`
	Speed       string     `json:"speed"`
	ETA         string     `json:"eta"`
	Provider    string     `json:"provider"`
	ErrorKind   string     `json:"errorKind,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// StatusView splits all jobs into active and terminal, the terminal list
// newest first.
type StatusView struct {
	Active   []JobView `json:"active"`
	Terminal []JobView `json:"terminal"`
}

func (j *Job) view() JobView {
	return JobView{
		ID:              j.ID,
		Title:           j.Title,
		IsMovie:         j.IsMovie,
		Status:          j.DerivedStatus(),
		ProgressPct:     j.OverallProgress() * 100,
		Counts:          j.CountTasks(),
		CurrentTaskName: j.StatusLine,
		CreatedAt:       j.CreatedAt,
	}
}

func (t *Task) view() TaskView {
	return TaskView{
		Key:         t.Key,
		URL:         t.URL,
		Name:        t.Name,
		Status:      t.Status,
		ProgressPct: t.Progress * 100,
		Speed:       t.Speed,
		ETA:         t.ETA,
		Provider:    t.CurrentProvider(),
		ErrorKind:   t.ErrorKind,
		LastError:   t.LastError,
	}
}
