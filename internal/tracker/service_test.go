package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/provider"
	"github.com/fetcharr/fetcharr/internal/provider/mock"
	"github.com/fetcharr/fetcharr/internal/queue"
)

// fakeEnqueuer records enqueue calls without a real queue behind them.
type fakeEnqueuer struct {
	mu     sync.Mutex
	calls  []enqueueCall
	err    error
	nextID int64
}

type enqueueCall struct {
	title string
	items []queue.ItemInput
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, title string, isMovie bool, items []queue.ItemInput) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.calls = append(f.calls, enqueueCall{title: title, items: items})
	f.nextID++
	return f.nextID, nil
}

func (f *fakeEnqueuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEnqueuer) lastCall(t *testing.T) enqueueCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no enqueue calls recorded")
	}
	return f.calls[len(f.calls)-1]
}

func newTestSetup(t *testing.T) (*Service, *mock.Catalog, *fakeEnqueuer) {
	t.Helper()
	catalog := mock.NewCatalog()
	enq := &fakeEnqueuer{}
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
	return NewService(nil, catalog, enq, nil, logger), catalog, enq
}

func episode(season, ep int, providers ...string) provider.Episode {
	if len(providers) == 0 {
		providers = []string{"VOE", "Vidoza"}
	}
	return provider.Episode{
		Season:    season,
		Episode:   ep,
		URL:       fmt.Sprintf("https://catalog/show/s%de%d", season, ep),
		Languages: []string{"German Dub", "German Sub"},
		Providers: providers,
	}
}

func TestAddValidation(t *testing.T) {
	s, _, _ := newTestSetup(t)

	if _, err := s.Add(context.Background(), AddInput{Language: "German Dub", Provider: "VOE"}); err == nil {
		t.Error("missing series url should fail")
	}
	if _, err := s.Add(context.Background(), AddInput{SeriesURL: "https://catalog/show", Provider: "VOE"}); err == nil {
		t.Error("missing language should fail")
	}
}

func TestScanEnqueuesNewEpisodesAscending(t *testing.T) {
	s, catalog, enq := newTestSetup(t)
	ctx := context.Background()

	// Listing deliberately out of order; the scanner must sort ascending.
	catalog.SetEpisodes("https://catalog/show", []provider.Episode{
		episode(2, 7),
		episode(2, 5),
		episode(2, 6),
	})

	tr, err := s.Add(ctx, AddInput{
		Title:           "Show",
		SeriesURL:       "https://catalog/show",
		Language:        "German Dub",
		Provider:        "VOE",
		SeedLastSeason:  2,
		SeedLastEpisode: 5,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := s.Scan(ctx, tr.ID); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	call := enq.lastCall(t)
	if call.title != "Show" {
		t.Errorf("job title = %q, want tracker title", call.title)
	}
	if len(call.items) != 2 {
		t.Fatalf("enqueued %d items, want 2", len(call.items))
	}
	if call.items[0].Name != "S2 E6" || call.items[1].Name != "S2 E7" {
		t.Errorf("items = [%s, %s], want ascending [S2 E6, S2 E7]",
			call.items[0].Name, call.items[1].Name)
	}
	// Preferred provider leads the candidate chain.
	if call.items[0].Providers[0] != "VOE" {
		t.Errorf("chain = %v, want preferred provider first", call.items[0].Providers)
	}

	got := s.List()[0]
	if got.LastSeason != 2 || got.LastEpisode != 7 {
		t.Errorf("last seen = S%d E%d, want S2 E7", got.LastSeason, got.LastEpisode)
	}

	// A second scan of the same listing finds nothing new.
	if err := s.Scan(ctx, tr.ID); err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if enq.callCount() != 1 {
		t.Errorf("second scan enqueued again, calls = %d", enq.callCount())
	}
}

func TestScanSeasonRollover(t *testing.T) {
	s, catalog, enq := newTestSetup(t)
	ctx := context.Background()

	// S3 E1 is newer than S2 E9 even though the episode number is lower.
	catalog.SetEpisodes("https://catalog/show", []provider.Episode{
		episode(2, 9),
		episode(3, 1),
	})

	tr, _ := s.Add(ctx, AddInput{
		Title:           "Show",
		SeriesURL:       "https://catalog/show",
		Language:        "German Dub",
		Provider:        "VOE",
		SeedLastSeason:  2,
		SeedLastEpisode: 9,
	})

	if err := s.Scan(ctx, tr.ID); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	call := enq.lastCall(t)
	if len(call.items) != 1 || call.items[0].Name != "S3 E1" {
		t.Fatalf("items = %+v, want single S3 E1", call.items)
	}

	got := s.List()[0]
	if got.LastSeason != 3 || got.LastEpisode != 1 {
		t.Errorf("last seen = S%d E%d, want S3 E1", got.LastSeason, got.LastEpisode)
	}
}

func TestScanFailureLeavesLastSeenUntouched(t *testing.T) {
	s, catalog, enq := newTestSetup(t)
	ctx := context.Background()

	catalog.FailSeries("https://catalog/show", errors.New("listing unavailable"))

	tr, _ := s.Add(ctx, AddInput{
		Title:           "Show",
		SeriesURL:       "https://catalog/show",
		Language:        "German Dub",
		Provider:        "VOE",
		SeedLastSeason:  1,
		SeedLastEpisode: 4,
	})

	if err := s.Scan(ctx, tr.ID); err != nil {
		t.Fatalf("Scan should swallow listing failures, got %v", err)
	}

	got := s.List()[0]
	if got.LastSeason != 1 || got.LastEpisode != 4 {
		t.Errorf("last seen moved to S%d E%d on failure", got.LastSeason, got.LastEpisode)
	}
	if enq.callCount() != 0 {
		t.Errorf("failed scan enqueued %d jobs", enq.callCount())
	}
	if len(got.Diagnostics) == 0 || !strings.Contains(got.Diagnostics[0].Message, "listing fetch failed") {
		t.Errorf("expected failure diagnostic, got %+v", got.Diagnostics)
	}
}

func TestScanUnknownTracker(t *testing.T) {
	s, _, _ := newTestSetup(t)
	if err := s.Scan(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestScanVanishedLanguage(t *testing.T) {
	s, catalog, enq := newTestSetup(t)
	ctx := context.Background()

	catalog.SetEpisodes("https://catalog/show", []provider.Episode{
		{Season: 1, Episode: 1, URL: "https://catalog/show/s1e1", Languages: []string{"German Sub"}, Providers: []string{"VOE"}},
	})

	tr, _ := s.Add(ctx, AddInput{
		Title:     "Show",
		SeriesURL: "https://catalog/show",
		Language:  "English Dub",
		Provider:  "VOE",
	})

	if err := s.Scan(ctx, tr.ID); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	got := s.List()[0]
	if len(got.Diagnostics) == 0 || !strings.Contains(got.Diagnostics[0].Message, "no longer offered") {
		t.Errorf("expected vanished-language diagnostic, got %+v", got.Diagnostics)
	}
	if enq.callCount() != 0 {
		t.Errorf("vanished language must not enqueue, calls = %d", enq.callCount())
	}
}

func TestSeedFromCatalog(t *testing.T) {
	s, catalog, _ := newTestSetup(t)
	ctx := context.Background()

	catalog.SetEpisodes("https://catalog/show", []provider.Episode{
		episode(1, 8),
		episode(2, 3),
		{Season: 2, Episode: 4, URL: "https://catalog/show/s2e4", Languages: []string{"German Sub"}, Providers: []string{"VOE"}},
	})

	tr, err := s.Add(ctx, AddInput{
		Title:           "Show",
		SeriesURL:       "https://catalog/show",
		Language:        "German Dub",
		Provider:        "VOE",
		SeedFromCatalog: true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// S2 E4 only exists in another language track and must not count.
	if tr.LastSeason != 2 || tr.LastEpisode != 3 {
		t.Errorf("seeded last seen = S%d E%d, want S2 E3", tr.LastSeason, tr.LastEpisode)
	}
}

func TestEnqueueFailureDoesNotAdvanceLastSeen(t *testing.T) {
	s, catalog, enq := newTestSetup(t)
	ctx := context.Background()

	enq.err = errors.New("queue rejected the job")
	catalog.SetEpisodes("https://catalog/show", []provider.Episode{episode(1, 2)})

	tr, _ := s.Add(ctx, AddInput{
		Title:           "Show",
		SeriesURL:       "https://catalog/show",
		Language:        "German Dub",
		Provider:        "VOE",
		SeedLastSeason:  1,
		SeedLastEpisode: 1,
	})

	if err := s.Scan(ctx, tr.ID); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	got := s.List()[0]
	if got.LastSeason != 1 || got.LastEpisode != 1 {
		t.Errorf("last seen moved to S%d E%d despite enqueue failure", got.LastSeason, got.LastEpisode)
	}
}

// blockingCatalog holds ListEpisodes until released, to pin a scan mid-flight.
type blockingCatalog struct {
	entered chan struct{}
	release chan struct{}
}

func (c *blockingCatalog) ListEpisodes(ctx context.Context, seriesURL string) ([]provider.Episode, error) {
	c.entered <- struct{}{}
	select {
	case <-c.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, nil
}

func TestScanReentryIsSkipped(t *testing.T) {
	catalog := &blockingCatalog{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	enq := &fakeEnqueuer{}
	logger := zerolog.New(zerolog.NewTestWriter(t))
	s := NewService(nil, catalog, enq, nil, logger)

	ctx := context.Background()
	tr, err := s.Add(ctx, AddInput{
		Title:     "Show",
		SeriesURL: "https://catalog/show",
		Language:  "German Dub",
		Provider:  "VOE",
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.Scan(ctx, tr.ID)
	}()
	<-catalog.entered

	// The tracker is mid-scan; a second scan must return without touching the
	// catalog. If it did, it would block on release and this call would hang.
	if err := s.Scan(ctx, tr.ID); err != nil {
		t.Fatalf("re-entrant Scan: %v", err)
	}
	select {
	case <-catalog.entered:
		t.Fatal("second scan hit the catalog while the first was in flight")
	default:
	}

	close(catalog.release)
	if err := <-done; err != nil {
		t.Fatalf("first Scan: %v", err)
	}

	if s.List()[0].Scanning {
		t.Error("scanning flag still set after scan finished")
	}
}

func TestDelete(t *testing.T) {
	s, _, _ := newTestSetup(t)
	ctx := context.Background()

	tr, _ := s.Add(ctx, AddInput{
		Title:     "Show",
		SeriesURL: "https://catalog/show",
		Language:  "German Dub",
		Provider:  "VOE",
	})

	if err := s.Delete(ctx, tr.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(s.List()) != 0 {
		t.Error("tracker still listed after delete")
	}
	if err := s.Delete(ctx, tr.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: got %v, want ErrNotFound", err)
	}
}
