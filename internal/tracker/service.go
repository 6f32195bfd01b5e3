// Package tracker implements standing series subscriptions: each tracker
// watches one series in one language and auto-enqueues newly published
// episodes past its last-seen position.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/provider"
	"github.com/fetcharr/fetcharr/internal/queue"
)

// ErrNotFound is returned for operations on unknown trackers.
var ErrNotFound = errors.New("tracker not found")

// maxDiagnostics bounds the per-tracker diagnostic log.
const maxDiagnostics = 20

// Enqueuer is the slice of the queue service the scanner needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, title string, isMovie bool, items []queue.ItemInput) (int64, error)
}

// Broadcaster pushes tracker events to connected clients.
type Broadcaster interface {
	Broadcast(msgType string, payload interface{}) error
}

// Diagnostic is one entry of a tracker's bounded message log.
type Diagnostic struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Tracker is one series subscription. last-seen is per (tracker, language):
// release cadence differs between language tracks, so positions are never
// merged across languages.
type Tracker struct {
	ID          int64        `json:"id"`
	Title       string       `json:"title"`
	SeriesURL   string       `json:"seriesUrl"`
	Language    string       `json:"language"`
	Provider    string       `json:"provider"`
	LastSeason  int          `json:"lastSeason"`
	LastEpisode int          `json:"lastEpisode"`
	Scanning    bool         `json:"isScanning"`
	Diagnostics []Diagnostic `json:"diagnostics"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// newerThan reports whether (season, episode) lies strictly past the tracker's
// last-seen position, comparing season first, then episode.
func (t *Tracker) newerThan(season, episode int) bool {
	if season != t.LastSeason {
		return season > t.LastSeason
	}
	return episode > t.LastEpisode
}

// AddInput describes a new tracker.
type AddInput struct {
	Title     string `json:"title"`
	SeriesURL string `json:"seriesUrl"`
	Language  string `json:"language"`
	Provider  string `json:"provider"`
	// SeedLastSeason/SeedLastEpisode preset last-seen so creation does not
	// trigger a backlog download. Both zero with SeedFromCatalog false starts
	// the tracker from the very beginning of the series.
	SeedLastSeason  int `json:"seedLastSeason"`
	SeedLastEpisode int `json:"seedLastEpisode"`
	// SeedFromCatalog seeds last-seen with the newest episode currently
	// visible in the target language.
	SeedFromCatalog bool `json:"seedFromCatalog"`
}

// Service owns all trackers and runs their scans.
type Service struct {
	mu       sync.Mutex
	trackers map[int64]*Tracker
	order    []int64

	store    *database.Store
	catalog  provider.Catalog
	enqueuer Enqueuer
	hub      Broadcaster
	logger   zerolog.Logger

	// scanTimeout bounds one catalog listing fetch.
	scanTimeout time.Duration
}

// NewService creates a tracker service. store and hub may be nil (tests).
func NewService(store *database.Store, catalog provider.Catalog, enqueuer Enqueuer, hub Broadcaster, logger zerolog.Logger) *Service {
	return &Service{
		trackers:    make(map[int64]*Tracker),
		store:       store,
		catalog:     catalog,
		enqueuer:    enqueuer,
		hub:         hub,
		logger:      logger.With().Str("component", "tracker").Logger(),
		scanTimeout: 2 * time.Minute,
	}
}

// Restore loads persisted trackers.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	records, err := s.store.ListTrackers(ctx)
	if err != nil {
		return fmt.Errorf("restore trackers: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		t := &Tracker{
			ID:          rec.ID,
			Title:       rec.Title,
			SeriesURL:   rec.SeriesURL,
			Language:    rec.Language,
			Provider:    rec.Provider,
			LastSeason:  rec.LastSeason,
			LastEpisode: rec.LastEpisode,
			CreatedAt:   rec.CreatedAt,
		}
		s.trackers[t.ID] = t
		s.order = append(s.order, t.ID)
	}

	s.logger.Info().Int("trackers", len(records)).Msg("restored trackers from database")
	return nil
}

// Add creates a tracker. With SeedFromCatalog the newest episode currently
// visible in the target language becomes the starting last-seen position.
func (s *Service) Add(ctx context.Context, input AddInput) (*Tracker, error) {
	if input.SeriesURL == "" || input.Language == "" || input.Provider == "" {
		return nil, errors.New("series url, language and provider are required")
	}

	lastSeason, lastEpisode := input.SeedLastSeason, input.SeedLastEpisode
	if input.SeedFromCatalog {
		listCtx, cancel := context.WithTimeout(ctx, s.scanTimeout)
		episodes, err := s.catalog.ListEpisodes(listCtx, input.SeriesURL)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("seed tracker from catalog: %w", err)
		}
		for _, ep := range episodes {
			if !ep.HasLanguage(input.Language) {
				continue
			}
			if ep.Season > lastSeason || (ep.Season == lastSeason && ep.Episode > lastEpisode) {
				lastSeason, lastEpisode = ep.Season, ep.Episode
			}
		}
	}

	t := &Tracker{
		Title:       input.Title,
		SeriesURL:   input.SeriesURL,
		Language:    input.Language,
		Provider:    input.Provider,
		LastSeason:  lastSeason,
		LastEpisode: lastEpisode,
		CreatedAt:   time.Now(),
	}

	if s.store != nil {
		id, err := s.store.CreateTracker(ctx, database.TrackerRecord{
			Title:       t.Title,
			SeriesURL:   t.SeriesURL,
			Language:    t.Language,
			Provider:    t.Provider,
			LastSeason:  t.LastSeason,
			LastEpisode: t.LastEpisode,
			CreatedAt:   t.CreatedAt,
		})
		if err != nil {
			return nil, err
		}
		t.ID = id
	}

	s.mu.Lock()
	if t.ID == 0 {
		t.ID = s.nextID()
	}
	s.trackers[t.ID] = t
	s.order = append(s.order, t.ID)
	snapshot := *t
	s.mu.Unlock()

	s.broadcast(EventTrackerAdded, snapshot)
	s.logger.Info().
		Int64("trackerId", t.ID).
		Str("title", t.Title).
		Str("language", t.Language).
		Int("lastSeason", lastSeason).
		Int("lastEpisode", lastEpisode).
		Msg("tracker added")

	return &snapshot, nil
}

// List returns all trackers, oldest first.
func (s *Service) List() []Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Tracker, 0, len(s.order))
	for _, id := range s.order {
		t := s.trackers[id]
		snapshot := *t
		snapshot.Diagnostics = append([]Diagnostic(nil), t.Diagnostics...)
		out = append(out, snapshot)
	}
	return out
}

// Delete removes a tracker.
func (s *Service) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	if _, ok := s.trackers[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.trackers, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.DeleteTracker(ctx, id); err != nil {
			s.logger.Warn().Err(err).Int64("trackerId", id).Msg("failed to delete tracker from store")
		}
	}
	s.broadcast(EventTrackerDeleted, map[string]int64{"id": id})
	return nil
}

// ScanAll scans every tracker, each in its own goroutine. A tracker already
// mid-scan is skipped, never queued up twice.
func (s *Service) ScanAll(ctx context.Context) {
	s.mu.Lock()
	ids := append([]int64(nil), s.order...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			s.Scan(ctx, id)
		}(id)
	}
	wg.Wait()
}

// Scan checks one tracker for newly published episodes and enqueues them as a
// single job. Returns ErrNotFound for unknown trackers; scan failures are
// recorded as diagnostics, never returned.
func (s *Service) Scan(ctx context.Context, id int64) error {
	s.mu.Lock()
	t, ok := s.trackers[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if t.Scanning {
		// Mid-scan already; the next timer tick will catch up.
		s.mu.Unlock()
		s.logger.Debug().Int64("trackerId", id).Msg("scan already in progress, skipping")
		return nil
	}
	t.Scanning = true
	seriesURL, language, providerID := t.SeriesURL, t.Language, t.Provider
	lastSeason, lastEpisode := t.LastSeason, t.LastEpisode
	title := t.Title
	s.mu.Unlock()

	// The scanning flag is released on every exit path.
	defer func() {
		s.mu.Lock()
		if t, ok := s.trackers[id]; ok {
			t.Scanning = false
		}
		s.mu.Unlock()
	}()

	listCtx, cancel := context.WithTimeout(ctx, s.scanTimeout)
	episodes, err := s.catalog.ListEpisodes(listCtx, seriesURL)
	cancel()
	if err != nil {
		s.recordDiagnostic(id, fmt.Sprintf("listing fetch failed: %v", err))
		s.logger.Warn().Err(err).Int64("trackerId", id).Str("title", title).Msg("tracker scan failed")
		return nil
	}

	fresh := make([]provider.Episode, 0)
	languageSeen := false
	for _, ep := range episodes {
		if !ep.HasLanguage(language) {
			continue
		}
		languageSeen = true
		if ep.Season > lastSeason || (ep.Season == lastSeason && ep.Episode > lastEpisode) {
			fresh = append(fresh, ep)
		}
	}

	if !languageSeen && len(episodes) > 0 {
		// The language track vanished from the listing entirely, e.g. a dub
		// was discontinued. Surface it instead of silently stalling forever.
		s.recordDiagnostic(id, fmt.Sprintf("language %q no longer offered by any episode", language))
	}

	if len(fresh) == 0 {
		s.logger.Debug().Int64("trackerId", id).Str("title", title).Msg("no new episodes")
		return nil
	}

	sort.Slice(fresh, func(i, k int) bool {
		if fresh[i].Season != fresh[k].Season {
			return fresh[i].Season < fresh[k].Season
		}
		return fresh[i].Episode < fresh[k].Episode
	})

	items := make([]queue.ItemInput, 0, len(fresh))
	for _, ep := range fresh {
		items = append(items, queue.ItemInput{
			URL:       ep.URL,
			Name:      fmt.Sprintf("S%d E%d", ep.Season, ep.Episode),
			Language:  language,
			Providers: candidateChain(providerID, ep.Providers),
			Season:    ep.Season,
			Episode:   ep.Episode,
		})
	}

	newest := fresh[len(fresh)-1]

	jobID, err := s.enqueuer.Enqueue(ctx, title, false, items)
	if err != nil {
		s.recordDiagnostic(id, fmt.Sprintf("failed to enqueue %d new episode(s): %v", len(items), err))
		return nil
	}

	// last-seen must be durable before it is reported, otherwise a restart
	// between enqueue and persist re-downloads these episodes.
	if s.store != nil {
		if err := s.store.UpdateTrackerLastSeen(ctx, id, newest.Season, newest.Episode); err != nil {
			s.recordDiagnostic(id, fmt.Sprintf("failed to persist last seen position: %v", err))
			s.logger.Error().Err(err).Int64("trackerId", id).Msg("failed to persist tracker last seen")
			return nil
		}
	}

	s.mu.Lock()
	if t, ok := s.trackers[id]; ok {
		// Monotonic: a concurrent update can only have moved it forward.
		if t.newerThan(newest.Season, newest.Episode) {
			t.LastSeason = newest.Season
			t.LastEpisode = newest.Episode
		}
	}
	s.mu.Unlock()

	s.recordDiagnostic(id, fmt.Sprintf("enqueued %d new episode(s) up to S%d E%d", len(items), newest.Season, newest.Episode))
	s.broadcast(EventTrackerScanned, ScannedEvent{
		TrackerID:   id,
		NewEpisodes: len(items),
		JobID:       jobID,
		LastSeason:  newest.Season,
		LastEpisode: newest.Episode,
	})
	s.logger.Info().
		Int64("trackerId", id).
		Str("title", title).
		Int("newEpisodes", len(items)).
		Int64("jobId", jobID).
		Msg("tracker scan enqueued new episodes")

	return nil
}

// candidateChain orders provider candidates with the tracker's preferred
// provider first, followed by the remaining providers the episode offers.
func candidateChain(preferred string, offered []string) []string {
	chain := []string{preferred}
	for _, p := range offered {
		if p != preferred {
			chain = append(chain, p)
		}
	}
	return chain
}

// nextID assigns ids when no store is attached. Caller holds the mutex.
func (s *Service) nextID() int64 {
	var max int64
	for id := range s.trackers {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// recordDiagnostic prepends a message to the tracker's bounded log.
func (s *Service) recordDiagnostic(id int64, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trackers[id]
	if !ok {
		return
	}
	t.Diagnostics = append([]Diagnostic{{At: time.Now(), Message: message}}, t.Diagnostics...)
	if len(t.Diagnostics) > maxDiagnostics {
		t.Diagnostics = t.Diagnostics[:maxDiagnostics]
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
