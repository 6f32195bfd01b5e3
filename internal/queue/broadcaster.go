package queue

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Fast polling while downloads are active
	activeInterval = 2 * time.Second
	// Slow polling when the queue is idle
	idleInterval = 30 * time.Second
)

// StateBroadcaster periodically pushes the full queue snapshot over the
// websocket hub. Adaptive polling: fast while anything is moving, slow when
// idle; Trigger forces an immediate push.
type StateBroadcaster struct {
	service *Service
	hub     Broadcaster
	logger  zerolog.Logger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
	triggerCh chan struct{}
}

// NewStateBroadcaster creates a queue state broadcaster.
func NewStateBroadcaster(service *Service, hub Broadcaster, logger zerolog.Logger) *StateBroadcaster {
	return &StateBroadcaster{
		service: service,
		hub:     hub,
		logger:  logger.With().Str("component", "queue-broadcaster").Logger(),
	}
}

// Start begins the periodic broadcasting.
func (b *StateBroadcaster) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.stoppedCh = make(chan struct{})
	b.triggerCh = make(chan struct{}, 1)
	b.mu.Unlock()

	go b.run()
	b.logger.Info().
		Dur("activeInterval", activeInterval).
		Dur("idleInterval", idleInterval).
		Msg("queue broadcaster started")
}

// Stop stops the broadcaster and waits for the loop to exit.
func (b *StateBroadcaster) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	<-b.stoppedCh
}

// Trigger causes an immediate broadcast, e.g. right after an enqueue.
func (b *StateBroadcaster) Trigger() {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		return
	}

	select {
	case b.triggerCh <- struct{}{}:
	default:
	}
}

func (b *StateBroadcaster) run() {
	defer close(b.stoppedCh)

	hasActive := b.broadcast()
	interval := idleInterval
	if hasActive {
		interval = activeInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-b.triggerCh:
			b.broadcast()
			if interval != activeInterval {
				interval = activeInterval
				ticker.Reset(interval)
			}
		case <-ticker.C:
			hasActive := b.broadcast()
			newInterval := idleInterval
			if hasActive {
				newInterval = activeInterval
			}
			if newInterval != interval {
				interval = newInterval
				ticker.Reset(interval)
			}
		}
	}
}

// broadcast pushes the current snapshot and reports whether work is in flight.
func (b *StateBroadcaster) broadcast() bool {
	state := b.service.Status()

	if err := b.hub.Broadcast(EventState, state); err != nil {
		b.logger.Warn().Err(err).Msg("failed to broadcast queue state")
	}

	return len(state.Active) > 0
}
