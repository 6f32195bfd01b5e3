// Package tasks wires application services into the scheduler.
package tasks

import (
	"context"

	"github.com/fetcharr/fetcharr/internal/scheduler"
	"github.com/fetcharr/fetcharr/internal/tracker"
)

// TrackerScanTaskID identifies the periodic tracker scan.
const TrackerScanTaskID = "tracker-scan"

// RegisterTrackerScan registers the periodic scan of all trackers.
func RegisterTrackerScan(s *scheduler.Scheduler, service *tracker.Service, cron string) error {
	return s.RegisterTask(scheduler.TaskConfig{
		ID:          TrackerScanTaskID,
		Name:        "Tracker Scan",
		Description: "Checks every tracker for newly published episodes and enqueues them",
		Cron:        cron,
		Func: func(ctx context.Context) error {
			service.ScanAll(ctx)
			return nil
		},
	})
}
