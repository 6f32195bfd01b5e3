package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store provides persistence for queue and tracker state. The stored shape is
// deliberately flat: enough to rebuild in-memory state after a restart, nothing
// more.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// JobRecord is the persisted form of a download job.
type JobRecord struct {
	ID        int64
	Title     string
	IsMovie   bool
	CreatedAt time.Time
	EndedAt   *time.Time
	Tasks     []TaskRecord
}

// TaskRecord is the persisted form of a single episode task.
type TaskRecord struct {
	JobID         int64
	Key           string
	Position      int
	URL           string
	Name          string
	Language      string
	Providers     []string
	ProviderIndex int
	Status        string
	Progress      float64
	ErrorKind     string
	LastError     string
}

// TrackerRecord is the persisted form of a tracker subscription.
type TrackerRecord struct {
	ID          int64
	Title       string
	SeriesURL   string
	Language    string
	Provider    string
	LastSeason  int
	LastEpisode int
	CreatedAt   time.Time
}

// SaveJob writes a job and all its tasks in one transaction, replacing any
// previous rows for the same job id.
func (s *Store) SaveJob(ctx context.Context, job JobRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save job: %w", err)
	}
	defer tx.Rollback()

	var endedAt sql.NullTime
	if job.EndedAt != nil {
		endedAt = sql.NullTime{Time: job.EndedAt.UTC(), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, title, is_movie, created_at, ended_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, is_movie = excluded.is_movie, ended_at = excluded.ended_at`,
		job.ID, job.Title, job.IsMovie, job.CreatedAt.UTC(), endedAt)
	if err != nil {
		return fmt.Errorf("save job %d: %w", job.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE job_id = ?`, job.ID); err != nil {
		return fmt.Errorf("clear tasks for job %d: %w", job.ID, err)
	}

	for _, task := range job.Tasks {
		providers, err := json.Marshal(task.Providers)
		if err != nil {
			return fmt.Errorf("encode providers for task %s: %w", task.Key, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks (job_id, task_key, position, url, name, language, providers, provider_index, status, progress, error_kind, last_error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, task.Key, task.Position, task.URL, task.Name, task.Language,
			string(providers), task.ProviderIndex, task.Status, task.Progress, task.ErrorKind, task.LastError)
		if err != nil {
			return fmt.Errorf("save task %s of job %d: %w", task.Key, job.ID, err)
		}
	}

	return tx.Commit()
}

// UpdateTask updates the mutable fields of a single task row.
func (s *Store) UpdateTask(ctx context.Context, task TaskRecord) error {
	providers, err := json.Marshal(task.Providers)
	if err != nil {
		return fmt.Errorf("encode providers for task %s: %w", task.Key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, progress = ?, provider_index = ?, providers = ?, error_kind = ?, last_error = ?
		 WHERE job_id = ? AND task_key = ?`,
		task.Status, task.Progress, task.ProviderIndex, string(providers), task.ErrorKind, task.LastError,
		task.JobID, task.Key)
	if err != nil {
		return fmt.Errorf("update task %s of job %d: %w", task.Key, task.JobID, err)
	}
	return nil
}

// DeleteJob removes a job and its tasks.
func (s *Store) DeleteJob(ctx context.Context, jobID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("delete job %d: %w", jobID, err)
	}
	return nil
}

// ListJobs loads all jobs with their tasks, oldest job first, tasks in stored
// order.
func (s *Store) ListJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, is_movie, created_at, ended_at FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []JobRecord
	for rows.Next() {
		var job JobRecord
		var ended sql.NullTime
		if err := rows.Scan(&job.ID, &job.Title, &job.IsMovie, &job.CreatedAt, &ended); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if ended.Valid {
			endedAt := ended.Time
			job.EndedAt = &endedAt
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	for i := range jobs {
		tasks, err := s.listTasks(ctx, jobs[i].ID)
		if err != nil {
			return nil, err
		}
		jobs[i].Tasks = tasks
	}

	return jobs, nil
}

func (s *Store) listTasks(ctx context.Context, jobID int64) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, task_key, position, url, name, language, providers, provider_index, status, progress, error_kind, last_error
		 FROM tasks WHERE job_id = ? ORDER BY position`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for job %d: %w", jobID, err)
	}
	defer rows.Close()

	var tasks []TaskRecord
	for rows.Next() {
		var task TaskRecord
		var providers string
		if err := rows.Scan(&task.JobID, &task.Key, &task.Position, &task.URL, &task.Name,
			&task.Language, &providers, &task.ProviderIndex, &task.Status, &task.Progress, &task.ErrorKind, &task.LastError); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(providers), &task.Providers); err != nil {
			return nil, fmt.Errorf("decode providers for task %s: %w", task.Key, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// MaxJobID returns the highest job id ever stored, 0 when no jobs exist.
func (s *Store) MaxJobID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM jobs`).Scan(&id); err != nil {
		return 0, fmt.Errorf("max job id: %w", err)
	}
	return id.Int64, nil
}

// CreateTracker inserts a tracker and returns its assigned id.
func (s *Store) CreateTracker(ctx context.Context, rec TrackerRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO trackers (title, series_url, language, provider, last_season, last_episode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Title, rec.SeriesURL, rec.Language, rec.Provider, rec.LastSeason, rec.LastEpisode, rec.CreatedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("create tracker: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create tracker: %w", err)
	}
	return id, nil
}

// UpdateTrackerLastSeen persists a tracker's last-seen position. The write is
// durable before the new position is reported anywhere, so a restart can never
// re-enqueue episodes already handed to the queue.
func (s *Store) UpdateTrackerLastSeen(ctx context.Context, id int64, season, episode int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE trackers SET last_season = ?, last_episode = ? WHERE id = ?`,
		season, episode, id)
	if err != nil {
		return fmt.Errorf("update tracker %d last seen: %w", id, err)
	}
	return nil
}

// DeleteTracker removes a tracker.
func (s *Store) DeleteTracker(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM trackers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete tracker %d: %w", id, err)
	}
	return nil
}

// ListTrackers loads all trackers, oldest first.
func (s *Store) ListTrackers(ctx context.Context) ([]TrackerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, series_url, language, provider, last_season, last_episode, created_at
		 FROM trackers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list trackers: %w", err)
	}
	defer rows.Close()

	var trackers []TrackerRecord
	for rows.Next() {
		var rec TrackerRecord
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.SeriesURL, &rec.Language, &rec.Provider,
			&rec.LastSeason, &rec.LastEpisode, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tracker: %w", err)
		}
		trackers = append(trackers, rec)
	}
	return trackers, rows.Err()
}
