package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/provider"
)

const (
	// idlePoll is the fallback interval for scanning the queue when no wake
	// signal arrives.
	idlePoll = time.Second
	// progressInterval bounds how often an in-flight transfer may write into
	// the task record.
	progressInterval = 250 * time.Millisecond
)

// PoolConfig configures the worker pool.
type PoolConfig struct {
	// Workers is the number of concurrent download slots.
	Workers int
	// DownloadDir is the root directory completed files land in.
	DownloadDir string
	// AttemptTimeout bounds one resolve plus fetch attempt against a single
	// provider candidate.
	AttemptTimeout time.Duration
}

// Pool drives queued tasks through resolution and fetch on a bounded number of
// concurrent slots.
type Pool struct {
	service  *Service
	resolver provider.Resolver
	fetcher  provider.Fetcher
	cfg      PoolConfig
	logger   zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool over the given queue service and collaborators.
func NewPool(service *Service, resolver provider.Resolver, fetcher provider.Fetcher, cfg PoolConfig, logger zerolog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Minute
	}
	return &Pool{
		service:  service,
		resolver: resolver,
		fetcher:  fetcher,
		cfg:      cfg,
		logger:   logger.With().Str("component", "worker-pool").Logger(),
	}
}

// Start launches the slot loops. Stop waits for in-flight work to unwind.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runSlot(ctx, i)
	}

	p.logger.Info().Int("workers", p.cfg.Workers).Msg("worker pool started")
}

// Stop cancels all slots and blocks until they exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

func (p *Pool) runSlot(ctx context.Context, slot int) {
	defer p.wg.Done()

	logger := p.logger.With().Int("slot", slot).Logger()
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		c := p.service.claimNext(ctx)
		if c != nil {
			p.execute(ctx, c, logger)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-p.service.WorkSignal():
		case <-ticker.C:
		}
	}
}

// execute drives one claimed task through the provider fallback chain until it
// completes, fails, or is cancelled.
func (p *Pool) execute(ctx context.Context, c *claim, logger zerolog.Logger) {
	destPath := p.destPath(c)

	for {
		attemptCtx, cancelAttempt := context.WithTimeout(c.taskCtx, p.cfg.AttemptTimeout)

		providerID, ok := p.service.beginAttempt(c, cancelAttempt)
		if !ok {
			cancelAttempt()
			p.service.finishFailed(ctx, c, ErrorKindNoProviders, "")
			return
		}

		err := p.attempt(attemptCtx, c, providerID, destPath)
		cancelAttempt()

		if err == nil {
			if !p.service.finishCompleted(ctx, c) {
				// StopTask landed after the transfer finished; the cancel wins
				// and the output goes.
				removePartial(destPath)
				p.service.finishCancelled(ctx, c)
				return
			}
			logger.Info().
				Int64("jobId", c.jobID).
				Str("task", c.task.Name).
				Str("provider", providerID).
				Msg("task completed")
			return
		}

		// Partial output never survives a failed or aborted attempt.
		removePartial(destPath)

		switch p.service.endAttempt(c) {
		case attemptStopped:
			logger.Info().Int64("jobId", c.jobID).Str("task", c.task.Name).Msg("task cancelled")
			p.service.finishCancelled(ctx, c)
			return
		case attemptRequeued:
			logger.Info().Int64("jobId", c.jobID).Str("task", c.task.Name).Msg("shutdown interrupted task, returned to queue")
			p.service.finishRequeued(c)
			return
		case attemptExhausted:
			logger.Warn().
				Int64("jobId", c.jobID).
				Str("task", c.task.Name).
				Str("lastError", err.Error()).
				Msg("task failed, provider candidates exhausted")
			p.service.finishFailed(ctx, c, ErrorKindNoProviders, errorKind(err))
			return
		case attemptRetry:
			logger.Debug().
				Int64("jobId", c.jobID).
				Str("task", c.task.Name).
				Str("provider", providerID).
				Err(err).
				Msg("attempt failed, advancing to next provider")
		}
	}
}

// attempt performs one resolve + fetch against a single provider candidate.
func (p *Pool) attempt(ctx context.Context, c *claim, providerID, destPath string) error {
	ref, err := p.resolver.Resolve(ctx, c.task.URL, c.task.Language, providerID)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}

	lastUpdate := time.Time{}
	onProgress := func(fraction float64, speed, eta string) {
		now := time.Now()
		if fraction < 1 && now.Sub(lastUpdate) < progressInterval {
			return
		}
		lastUpdate = now
		p.service.updateProgress(c, fraction, speed, eta)
	}

	if err := p.fetcher.Fetch(ctx, ref, destPath, onProgress); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	return nil
}

func (p *Pool) destPath(c *claim) string {
	return filepath.Join(p.cfg.DownloadDir, sanitizeFilename(c.jobTitle), sanitizeFilename(c.task.Name)+".mp4")
}

func removePartial(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		// Nothing sensible to do beyond leaving the file for the next attempt
		// to truncate.
		_ = err
	}
}

// errorKind maps an attempt error onto the stored diagnostic kind.
func errorKind(err error) string {
	var resErr *provider.ResolutionError
	var xferErr *provider.TransferError
	switch {
	case errors.As(err, &resErr):
		return "resolution_error"
	case errors.As(err, &xferErr):
		return "transfer_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transfer_error"
	}
}

// sanitizeFilename strips characters that are hostile to common filesystems.
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		":", "-",
		"*", "",
		"?", "",
		"\"", "",
		"<", "",
		">", "",
		"|", "",
	)
	cleaned := strings.TrimSpace(replacer.Replace(name))
	if cleaned == "" {
		return "unnamed"
	}
	return cleaned
}
