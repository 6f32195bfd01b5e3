// Package mock provides in-memory provider collaborators for developer mode
// and tests. Behavior is scripted per provider id or series URL: failures,
// transfer sizes, and chunk pacing are all configurable.
package mock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fetcharr/fetcharr/internal/provider"
)

// Resolver is a scripted link resolver.
type Resolver struct {
	mu sync.Mutex
	// failing holds provider ids that always fail resolution.
	failing map[string]bool
	// failOnce holds provider ids that fail a limited number of times.
	failOnce map[string]int
	delay    time.Duration
	resolved []string // provider ids in resolution order, for assertions
}

// NewResolver creates a resolver where every provider succeeds.
func NewResolver() *Resolver {
	return &Resolver{
		failing:  make(map[string]bool),
		failOnce: make(map[string]int),
	}
}

// FailProvider makes every resolution against the given provider fail.
func (r *Resolver) FailProvider(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing[providerID] = true
}

// FailProviderTimes makes the next n resolutions against the provider fail.
func (r *Resolver) FailProviderTimes(providerID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOnce[providerID] = n
}

// SetDelay adds a fixed delay to every resolution.
func (r *Resolver) SetDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

// Resolved returns the provider ids resolved so far, in order.
func (r *Resolver) Resolved() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.resolved))
	copy(out, r.resolved)
	return out
}

// Resolve implements provider.Resolver.
func (r *Resolver) Resolve(ctx context.Context, url, language, providerID string) (provider.Reference, error) {
	r.mu.Lock()
	delay := r.delay
	fail := r.failing[providerID]
	if !fail && r.failOnce[providerID] > 0 {
		r.failOnce[providerID]--
		fail = true
	}
	if !fail {
		r.resolved = append(r.resolved, providerID)
	}
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return provider.Reference{}, ctx.Err()
		}
	}

	if fail {
		return provider.Reference{}, &provider.ResolutionError{
			ProviderID: providerID,
			Cause:      errors.New("extraction failed"),
		}
	}

	return provider.Reference{
		URL:        fmt.Sprintf("https://cdn.example/%s?src=%s&lang=%s", providerID, url, language),
		ProviderID: providerID,
	}, nil
}

// Fetcher simulates chunked byte transfers to disk.
type Fetcher struct {
	mu sync.Mutex
	// failing holds provider ids whose transfers fail partway through.
	failing    map[string]bool
	chunks     int
	chunkDelay time.Duration
	// gate, when set, is closed to release in-flight transfers. Lets tests
	// hold a download in the downloading state deterministically.
	gate chan struct{}
}

// NewFetcher creates a fetcher that writes a small file in a few chunks.
func NewFetcher() *Fetcher {
	return &Fetcher{
		failing: make(map[string]bool),
		chunks:  4,
	}
}

// FailProvider makes transfers from the given provider fail after the first chunk.
func (f *Fetcher) FailProvider(providerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[providerID] = true
}

// SetChunks configures how many chunks a transfer is split into.
func (f *Fetcher) SetChunks(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = n
}

// SetChunkDelay configures the pause between chunks.
func (f *Fetcher) SetChunkDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkDelay = d
}

// Block makes transfers wait after the first chunk until Release is called.
func (f *Fetcher) Block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

// Release lets blocked transfers proceed.
func (f *Fetcher) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// Fetch implements provider.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, ref provider.Reference, destPath string, onProgress provider.ProgressFunc) error {
	f.mu.Lock()
	fail := f.failing[ref.ProviderID]
	chunks := f.chunks
	chunkDelay := f.chunkDelay
	gate := f.gate
	f.mu.Unlock()

	if chunks < 1 {
		chunks = 1
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return &provider.TransferError{ProviderID: ref.ProviderID, Cause: err}
	}
	file, err := os.Create(destPath)
	if err != nil {
		return &provider.TransferError{ProviderID: ref.ProviderID, Cause: err}
	}
	defer file.Close()

	chunk := make([]byte, 1024)
	for i := 1; i <= chunks; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if gate != nil && i > 1 {
			select {
			case <-gate:
				gate = nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if chunkDelay > 0 {
			select {
			case <-time.After(chunkDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if fail && i > 1 {
			return &provider.TransferError{
				ProviderID: ref.ProviderID,
				Cause:      errors.New("connection reset"),
			}
		}

		if _, err := file.Write(chunk); err != nil {
			return &provider.TransferError{ProviderID: ref.ProviderID, Cause: err}
		}

		if onProgress != nil {
			fraction := float64(i) / float64(chunks)
			onProgress(fraction, "1.0MiB/s", fmt.Sprintf("%ds", chunks-i))
		}
	}

	return nil
}

// Catalog is a scripted episode catalog keyed by series URL.
type Catalog struct {
	mu       sync.Mutex
	listings map[string][]provider.Episode
	failures map[string]error
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		listings: make(map[string][]provider.Episode),
		failures: make(map[string]error),
	}
}

// SetEpisodes replaces the listing for a series.
func (c *Catalog) SetEpisodes(seriesURL string, episodes []provider.Episode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listings[seriesURL] = append([]provider.Episode(nil), episodes...)
}

// AddEpisode appends an episode to a series listing.
func (c *Catalog) AddEpisode(seriesURL string, ep provider.Episode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listings[seriesURL] = append(c.listings[seriesURL], ep)
}

// FailSeries makes listing the given series return err.
func (c *Catalog) FailSeries(seriesURL string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[seriesURL] = err
}

// ListEpisodes implements provider.Catalog.
func (c *Catalog) ListEpisodes(ctx context.Context, seriesURL string) ([]provider.Episode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failures[seriesURL]; err != nil {
		return nil, err
	}

	listing, ok := c.listings[seriesURL]
	if !ok {
		return nil, fmt.Errorf("unknown series %s", seriesURL)
	}
	return append([]provider.Episode(nil), listing...), nil
}
