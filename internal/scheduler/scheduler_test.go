package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(zerolog.New(zerolog.NewTestWriter(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestRegisterTaskRejectsDuplicates(t *testing.T) {
	s := newTestScheduler(t)

	cfg := TaskConfig{
		ID:   "tracker-scan",
		Name: "Tracker Scan",
		Cron: "0 * * * *",
		Func: func(ctx context.Context) error { return nil },
	}
	if err := s.RegisterTask(cfg); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}
	if err := s.RegisterTask(cfg); err == nil {
		t.Error("duplicate registration should fail")
	}
}

func TestRegisterTaskRejectsBadCron(t *testing.T) {
	s := newTestScheduler(t)

	err := s.RegisterTask(TaskConfig{
		ID:   "broken",
		Cron: "not a cron expression",
		Func: func(ctx context.Context) error { return nil },
	})
	if err == nil {
		t.Error("invalid cron expression should fail registration")
	}
}

func TestRunNow(t *testing.T) {
	s := newTestScheduler(t)

	ran := make(chan struct{}, 1)
	err := s.RegisterTask(TaskConfig{
		ID:   "tracker-scan",
		Name: "Tracker Scan",
		Cron: "0 * * * *",
		Func: func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}

	if err := s.RunNow("nope"); err == nil {
		t.Error("RunNow on unknown task should fail")
	}

	if err := s.RunNow("tracker-scan"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}

	// lastRun is recorded once the execution finishes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		tasks := s.ListTasks()
		if len(tasks) == 1 && tasks[0].LastRun != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lastRun never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestListTasks(t *testing.T) {
	s := newTestScheduler(t)

	err := s.RegisterTask(TaskConfig{
		ID:          "tracker-scan",
		Name:        "Tracker Scan",
		Description: "scan all trackers",
		Cron:        "0 * * * *",
		Func:        func(ctx context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}

	tasks := s.ListTasks()
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}
	if tasks[0].ID != "tracker-scan" || tasks[0].Cron != "0 * * * *" {
		t.Errorf("task = %+v", tasks[0])
	}
	if tasks[0].Running {
		t.Error("idle task reported running")
	}
}
