package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/database"
)

// Structural errors, surfaced synchronously and mutating nothing.
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrNotFound        = errors.New("job not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrInvalidState    = errors.New("operation not valid in current state")
	ErrNoProvidersLeft = errors.New("no provider candidates left")
)

// maxTerminalHistory bounds how many finished jobs are retained.
const maxTerminalHistory = 50

// Broadcaster pushes state change events to connected clients.
type Broadcaster interface {
	Broadcast(msgType string, payload interface{}) error
}

// Service owns all jobs and their tasks. Every mutation goes through here;
// the worker pool claims tasks and reports transitions back through the
// unexported methods at the bottom.
type Service struct {
	mu       sync.Mutex
	jobs     map[int64]*Job
	jobOrder []int64 // creation order, the cross-job scan priority
	nextID   int64

	store  *database.Store
	hub    Broadcaster
	logger zerolog.Logger

	// workCh wakes the worker pool when new tasks become eligible.
	workCh chan struct{}
}

// NewService creates a queue service. store and hub may be nil (tests).
func NewService(store *database.Store, hub Broadcaster, logger zerolog.Logger) *Service {
	return &Service{
		jobs:   make(map[int64]*Job),
		nextID: 1,
		store:  store,
		hub:    hub,
		logger: logger.With().Str("component", "queue").Logger(),
		workCh: make(chan struct{}, 1),
	}
}

// Restore loads persisted jobs. Tasks interrupted mid-download rehydrate as
// queued so the pool picks them up again.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	records, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		job := &Job{
			ID:        rec.ID,
			Title:     rec.Title,
			IsMovie:   rec.IsMovie,
			CreatedAt: rec.CreatedAt,
		}
		for _, tr := range rec.Tasks {
			status := TaskStatus(tr.Status)
			if status == TaskDownloading {
				status = TaskQueued
			}
			job.Tasks = append(job.Tasks, &Task{
				Key:           tr.Key,
				URL:           tr.URL,
				Name:          tr.Name,
				Language:      tr.Language,
				Providers:     tr.Providers,
				ProviderIndex: tr.ProviderIndex,
				Status:        status,
				Progress:      tr.Progress,
				ErrorKind:     tr.ErrorKind,
				LastError:     tr.LastError,
			})
		}
		job.EndedAt = rec.EndedAt
		s.jobs[job.ID] = job
		s.jobOrder = append(s.jobOrder, job.ID)
		if job.ID >= s.nextID {
			s.nextID = job.ID + 1
		}
	}

	s.logger.Info().Int("jobs", len(records)).Msg("restored queue from database")
	s.wakeLocked()
	return nil
}

// Enqueue creates a job from ordered items and makes its tasks eligible.
func (s *Service) Enqueue(ctx context.Context, title string, isMovie bool, items []ItemInput) (int64, error) {
	if len(items) == 0 {
		return 0, fmt.Errorf("%w: empty item list", ErrInvalidRequest)
	}
	for _, item := range items {
		if item.URL == "" || len(item.Providers) == 0 {
			return 0, fmt.Errorf("%w: item needs url and at least one provider", ErrInvalidRequest)
		}
	}

	s.mu.Lock()
	job := &Job{
		ID:         s.nextID,
		Title:      title,
		IsMovie:    isMovie,
		CreatedAt:  time.Now(),
		StatusLine: "Queued",
	}
	s.nextID++

	for _, item := range items {
		key := item.URL
		if isMovie {
			// Movie pages are not guaranteed unique per task, so movies get a
			// synthetic key.
			key = uuid.NewString()
		}
		name := item.Name
		if name == "" {
			name = displayName(item)
		}
		job.Tasks = append(job.Tasks, &Task{
			Key:       key,
			URL:       item.URL,
			Name:      name,
			Language:  item.Language,
			Providers: append([]string(nil), item.Providers...),
			Status:    TaskQueued,
		})
	}

	s.jobs[job.ID] = job
	s.jobOrder = append(s.jobOrder, job.ID)
	rec := s.recordLocked(job)
	s.wakeLocked()
	view := job.view()
	s.mu.Unlock()

	s.persistJob(ctx, rec)
	s.broadcast(EventJobAdded, view)
	s.logger.Info().Int64("jobId", view.ID).Str("title", title).Int("tasks", len(items)).Msg("job enqueued")

	return view.ID, nil
}

// Reorder rearranges the queued tasks of a job. Every referenced key must
// belong to a currently queued task; in-flight and finished tasks keep their
// positions.
func (s *Service) Reorder(ctx context.Context, jobID int64, order []string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	queued := make(map[string]*Task)
	for _, t := range job.Tasks {
		if t.Status == TaskQueued {
			queued[t.Key] = t
		}
	}

	for _, key := range order {
		t := job.findTask(key)
		if t == nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: unknown task %s", ErrTaskNotFound, key)
		}
		if t.Status != TaskQueued {
			s.mu.Unlock()
			return fmt.Errorf("%w: task %s is %s", ErrInvalidState, key, t.Status)
		}
	}
	if len(order) != len(queued) {
		s.mu.Unlock()
		return fmt.Errorf("%w: order must list all %d queued tasks", ErrInvalidRequest, len(queued))
	}

	// Rebuild the sequence in place: non-queued tasks keep their slots, queued
	// slots are filled from the new order.
	reordered := make([]*Task, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, key := range order {
		t := job.findTask(key)
		if seen[t.Key] {
			s.mu.Unlock()
			return fmt.Errorf("%w: duplicate task %s", ErrInvalidRequest, key)
		}
		seen[t.Key] = true
		reordered = append(reordered, t)
	}

	idx := 0
	for i, t := range job.Tasks {
		if t.Status == TaskQueued {
			job.Tasks[i] = reordered[idx]
			idx++
		}
	}

	rec := s.recordLocked(job)
	s.mu.Unlock()

	s.persistJob(ctx, rec)
	s.logger.Debug().Int64("jobId", jobID).Msg("queued tasks reordered")
	return nil
}

// StopTask cancels one task. Queued tasks cancel immediately; a downloading
// task gets its in-flight fetch aborted and the partial output removed by the
// owning worker. Calling StopTask on an already terminal task is a no-op.
func (s *Service) StopTask(ctx context.Context, jobID int64, keyOrURL string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	task := job.findTask(keyOrURL)
	if task == nil {
		s.mu.Unlock()
		return ErrTaskNotFound
	}

	s.stopTaskLocked(job, task)
	rec := s.recordLocked(job)
	terminal := job.terminal()
	view := job.view()
	s.mu.Unlock()

	s.persistJob(ctx, rec)
	s.broadcast(EventTaskStopped, view)
	if terminal {
		s.finishJob(ctx, jobID)
	}
	return nil
}

// CancelJob cancels every non-terminal task of a job.
func (s *Service) CancelJob(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	for _, task := range job.Tasks {
		s.stopTaskLocked(job, task)
	}
	rec := s.recordLocked(job)
	s.mu.Unlock()

	s.persistJob(ctx, rec)
	s.logger.Info().Int64("jobId", jobID).Msg("job cancelled")
	s.finishJob(ctx, jobID)
	return nil
}

// DeleteJob removes a terminal job from history.
func (s *Service) DeleteJob(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !job.terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: job is still %s, cancel it first", ErrInvalidState, job.DerivedStatus())
	}

	delete(s.jobs, jobID)
	s.removeFromOrderLocked(jobID)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.DeleteJob(ctx, jobID); err != nil {
			s.logger.Warn().Err(err).Int64("jobId", jobID).Msg("failed to delete job from store")
		}
	}
	s.broadcast(EventJobDeleted, map[string]int64{"id": jobID})
	return nil
}

// SkipProvider advances a task's fallback pointer past the active candidate,
// for when the current source is unacceptable. On a downloading task the
// in-flight attempt is aborted and retried with the next candidate.
func (s *Service) SkipProvider(ctx context.Context, jobID int64, keyOrURL string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	task := job.findTask(keyOrURL)
	if task == nil {
		s.mu.Unlock()
		return ErrTaskNotFound
	}

	switch task.Status {
	case TaskQueued:
		if task.ProviderIndex+1 >= len(task.Providers) {
			task.Status = TaskFailed
			task.ErrorKind = ErrorKindNoProviders
			rec := s.recordLocked(job)
			terminal := job.terminal()
			s.mu.Unlock()
			s.persistJob(ctx, rec)
			if terminal {
				s.finishJob(ctx, jobID)
			}
			return ErrNoProvidersLeft
		}
		task.ProviderIndex++
		rec := s.recordLocked(job)
		s.mu.Unlock()
		s.persistJob(ctx, rec)
		return nil

	case TaskDownloading:
		if task.cancelAttempt != nil {
			task.cancelAttempt()
		}
		s.mu.Unlock()
		return nil

	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: task is %s", ErrInvalidState, task.Status)
	}
}

// Status returns a snapshot of all jobs split into active and terminal.
// Pure read, safe to poll frequently.
func (s *Service) Status() StatusView {
	s.mu.Lock()
	defer s.mu.Unlock()

	var view StatusView
	for _, id := range s.jobOrder {
		job := s.jobs[id]
		if job.terminal() {
			view.Terminal = append(view.Terminal, job.view())
		} else {
			view.Active = append(view.Active, job.view())
		}
	}

	// Terminal history reads newest first.
	sort.SliceStable(view.Terminal, func(i, k int) bool {
		a, b := view.Terminal[i], view.Terminal[k]
		return a.ID > b.ID
	})

	return view
}

// JobTasks returns the detailed task list of one job.
func (s *Service) JobTasks(jobID int64) ([]TaskView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}

	views := make([]TaskView, 0, len(job.Tasks))
	for _, t := range job.Tasks {
		views = append(views, t.view())
	}
	return views, nil
}

// HasActiveWork reports whether any task is queued or downloading.
func (s *Service) HasActiveWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		for _, t := range job.Tasks {
			if !t.Status.Terminal() {
				return true
			}
		}
	}
	return false
}

// WorkSignal returns the channel the worker pool waits on for new work.
func (s *Service) WorkSignal() <-chan struct{} {
	return s.workCh
}

// stopTaskLocked applies StopTask semantics to one task. No-op on terminal
// tasks, which makes the operation idempotent.
func (s *Service) stopTaskLocked(job *Job, task *Task) {
	switch task.Status {
	case TaskQueued:
		task.Status = TaskCancelled
	case TaskDownloading:
		task.Status = TaskCancelled
		if task.cancelTask != nil {
			task.cancelTask()
		}
	}
}

// claim is handed to a worker slot together with everything it needs without
// touching shared state.
type claim struct {
	jobID    int64
	jobTitle string
	task     *Task

	taskCtx    context.Context
	cancelTask context.CancelFunc
}

// claimNext picks the next eligible task: jobs in creation order, tasks in
// stored order. The claimed task transitions to downloading before the lock is
// released, which is what guarantees at-most-one slot per task.
func (s *Service) claimNext(parent context.Context) *claim {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.jobOrder {
		job := s.jobs[id]
		for _, task := range job.Tasks {
			if task.Status != TaskQueued {
				continue
			}

			taskCtx, cancel := context.WithCancel(parent)
			task.Status = TaskDownloading
			task.Speed = ""
			task.ETA = ""
			task.cancelTask = cancel
			job.StatusLine = "Downloading " + task.Name

			return &claim{
				jobID:      job.ID,
				jobTitle:   job.Title,
				task:       task,
				taskCtx:    taskCtx,
				cancelTask: cancel,
			}
		}
	}
	return nil
}

// beginAttempt snapshots the candidate for the next attempt and installs the
// attempt cancel hook used by SkipProvider. ok is false when the chain is
// exhausted.
func (s *Service) beginAttempt(c *claim, cancel context.CancelFunc) (providerID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.task.cancelAttempt = cancel
	providerID = c.task.CurrentProvider()
	return providerID, providerID != ""
}

// endAttempt clears the attempt hook after a failed attempt and reports how
// the worker should proceed.
type attemptOutcome int

const (
	attemptRetry     attemptOutcome = iota // advance candidate, try again
	attemptStopped                         // task was cancelled by the user
	attemptExhausted                       // no candidates remain
	attemptRequeued                        // pool shutdown, task handed back to the queue
)

func (s *Service) endAttempt(c *claim) attemptOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := c.task
	task.cancelAttempt = nil

	if task.Status == TaskCancelled {
		return attemptStopped
	}

	// Pool shutdown, not a provider failure. The task goes back untouched so
	// the next start resumes it from the same candidate.
	if c.taskCtx.Err() != nil {
		task.Status = TaskQueued
		task.Progress = 0
		task.Speed = ""
		task.ETA = ""
		task.cancelTask = nil
		return attemptRequeued
	}

	task.ProviderIndex++
	task.Progress = 0
	task.Speed = ""
	task.ETA = ""
	if task.ProviderIndex >= len(task.Providers) {
		return attemptExhausted
	}
	return attemptRetry
}

// updateProgress stores producer-supplied transfer progress on the task.
// Readers always see a consistent snapshot because writes happen under the
// same mutex Status() reads take.
func (s *Service) updateProgress(c *claim, fraction float64, speed, eta string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := c.task
	if task.Status != TaskDownloading {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	task.Progress = fraction
	task.Speed = speed
	task.ETA = eta

	if job, ok := s.jobs[c.jobID]; ok {
		job.StatusLine = fmt.Sprintf("Downloading %s - %.1f%%", task.Name, fraction*100)
	}
}

// finishRequeued persists a task handed back to the queue on pool shutdown.
// The slot context is already cancelled at this point, so the write gets a
// fresh one.
func (s *Service) finishRequeued(c *claim) {
	s.mu.Lock()
	job := s.jobs[c.jobID]
	var rec database.JobRecord
	if job != nil {
		job.StatusLine = "Queued"
		rec = s.recordLocked(job)
	}
	s.mu.Unlock()

	if job != nil {
		s.persistJob(context.Background(), rec)
	}
}

// finishCompleted marks a claimed task done. It reports false when StopTask
// won the race after the transfer finished: the task stays cancelled and the
// caller discards the output.
func (s *Service) finishCompleted(ctx context.Context, c *claim) bool {
	s.mu.Lock()
	task := c.task
	if task.Status == TaskCancelled {
		s.mu.Unlock()
		return false
	}
	task.Status = TaskCompleted
	task.Progress = 1
	task.Speed = ""
	task.ETA = ""
	task.cancelTask = nil
	task.cancelAttempt = nil
	// The fallback chain is spent state once the task succeeded.
	task.Providers = []string{task.CurrentProvider()}
	task.ProviderIndex = 0

	job := s.jobs[c.jobID]
	var rec database.JobRecord
	terminal := false
	if job != nil {
		job.StatusLine = "Completed " + task.Name
		rec = s.recordLocked(job)
		terminal = job.terminal()
	}
	s.mu.Unlock()

	if job != nil {
		s.persistJob(ctx, rec)
	}
	s.broadcast(EventTaskCompleted, TaskEvent{JobID: c.jobID, Key: task.Key, Name: task.Name})
	if terminal {
		s.finishJob(ctx, c.jobID)
	}
	s.wake()
	return true
}

// finishFailed marks a claimed task failed after candidate exhaustion.
// lastError is the kind of the final failed attempt, retained for diagnostics.
func (s *Service) finishFailed(ctx context.Context, c *claim, errorKind, lastError string) {
	s.mu.Lock()
	task := c.task
	if task.Status == TaskCancelled {
		// StopTask won the race; cancellation is terminal and stays.
		s.mu.Unlock()
		s.finishCancelled(ctx, c)
		return
	}
	task.Status = TaskFailed
	task.ErrorKind = errorKind
	task.LastError = lastError
	task.Speed = ""
	task.ETA = ""
	task.cancelTask = nil
	task.cancelAttempt = nil

	job := s.jobs[c.jobID]
	var rec database.JobRecord
	terminal := false
	if job != nil {
		job.StatusLine = "Failed " + task.Name
		rec = s.recordLocked(job)
		terminal = job.terminal()
	}
	s.mu.Unlock()

	if job != nil {
		s.persistJob(ctx, rec)
	}
	s.broadcast(EventTaskFailed, TaskEvent{JobID: c.jobID, Key: task.Key, Name: task.Name, ErrorKind: errorKind})
	if terminal {
		s.finishJob(ctx, c.jobID)
	}
	s.wake()
}

// finishCancelled is called by the worker after unwinding a stopped task.
// The status was already set by StopTask; this only releases worker state.
func (s *Service) finishCancelled(ctx context.Context, c *claim) {
	s.mu.Lock()
	task := c.task
	task.Speed = ""
	task.ETA = ""
	task.cancelTask = nil
	task.cancelAttempt = nil

	job := s.jobs[c.jobID]
	var rec database.JobRecord
	terminal := false
	if job != nil {
		rec = s.recordLocked(job)
		terminal = job.terminal()
	}
	s.mu.Unlock()

	if job != nil {
		s.persistJob(ctx, rec)
	}
	if terminal {
		s.finishJob(ctx, c.jobID)
	}
	s.wake()
}

// finishJob runs terminal bookkeeping for a job once all tasks are terminal.
func (s *Service) finishJob(ctx context.Context, jobID int64) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok || !job.terminal() || job.EndedAt != nil {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	job.EndedAt = &now
	c := job.CountTasks()
	if c.Completed == c.Total {
		job.StatusLine = fmt.Sprintf("Downloaded %d episode(s)", c.Completed)
	} else {
		job.StatusLine = fmt.Sprintf("Finished: %d/%d episode(s) downloaded", c.Completed, c.Total)
	}
	view := job.view()
	rec := s.recordLocked(job)
	pruned := s.pruneHistoryLocked()
	s.mu.Unlock()

	s.persistJob(ctx, rec)
	s.broadcast(EventJobFinished, view)
	s.logger.Info().
		Int64("jobId", jobID).
		Str("status", string(view.Status)).
		Int("completed", c.Completed).
		Int("total", c.Total).
		Msg("job finished")

	for _, id := range pruned {
		if s.store != nil {
			if err := s.store.DeleteJob(ctx, id); err != nil {
				s.logger.Warn().Err(err).Int64("jobId", id).Msg("failed to prune job from store")
			}
		}
	}
}

// pruneHistoryLocked drops the oldest terminal jobs beyond the retention cap
// and returns their ids for store cleanup.
func (s *Service) pruneHistoryLocked() []int64 {
	var terminal []int64
	for _, id := range s.jobOrder {
		if s.jobs[id].terminal() {
			terminal = append(terminal, id)
		}
	}
	if len(terminal) <= maxTerminalHistory {
		return nil
	}

	drop := terminal[:len(terminal)-maxTerminalHistory]
	for _, id := range drop {
		delete(s.jobs, id)
		s.removeFromOrderLocked(id)
	}
	return drop
}

func (s *Service) removeFromOrderLocked(jobID int64) {
	for i, id := range s.jobOrder {
		if id == jobID {
			s.jobOrder = append(s.jobOrder[:i], s.jobOrder[i+1:]...)
			return
		}
	}
}

// recordLocked snapshots a job for persistence. Caller holds the mutex.
func (s *Service) recordLocked(job *Job) database.JobRecord {
	rec := database.JobRecord{
		ID:        job.ID,
		Title:     job.Title,
		IsMovie:   job.IsMovie,
		CreatedAt: job.CreatedAt,
	}
	if job.EndedAt != nil {
		ended := *job.EndedAt
		rec.EndedAt = &ended
	}
	for i, t := range job.Tasks {
		rec.Tasks = append(rec.Tasks, database.TaskRecord{
			JobID:         job.ID,
			Key:           t.Key,
			Position:      i,
			URL:           t.URL,
			Name:          t.Name,
			Language:      t.Language,
			Providers:     t.Providers,
			ProviderIndex: t.ProviderIndex,
			Status:        string(t.Status),
			Progress:      t.Progress,
			ErrorKind:     t.ErrorKind,
			LastError:     t.LastError,
		})
	}
	return rec
}

func (s *Service) persistJob(ctx context.Context, rec database.JobRecord) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveJob(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Int64("jobId", rec.ID).Msg("failed to persist job")
	}
}

func (s *Service) broadcast(msgType string, payload interface{}) {
	if s.hub == nil {
		return
	}
	if err := s.hub.Broadcast(msgType, payload); err != nil {
		s.logger.Debug().Err(err).Str("event", msgType).Msg("failed to broadcast event")
	}
}

func (s *Service) wake() {
	s.mu.Lock()
	s.wakeLocked()
	s.mu.Unlock()
}

// wakeLocked nudges the worker pool without blocking; a pending signal is
// enough.
func (s *Service) wakeLocked() {
	select {
	case s.workCh <- struct{}{}:
	default:
	}
}

// displayName derives a compact episode label from an item.
func displayName(item ItemInput) string {
	if item.Season > 0 || item.Episode > 0 {
		return fmt.Sprintf("S%d E%d", item.Season, item.Episode)
	}
	if i := strings.LastIndex(item.URL, "/"); i >= 0 && i+1 < len(item.URL) {
		return item.URL[i+1:]
	}
	return item.URL
}
