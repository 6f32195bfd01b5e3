// Package provider defines the boundary to the external catalog, link
// resolution, and transfer collaborators. The queue and tracker services only
// ever see these interfaces; catalog scraping and transport live behind them.
package provider

import (
	"context"
	"fmt"
)

// Reference is a resolved, fetchable source for one remote item.
type Reference struct {
	URL        string
	ProviderID string
}

// ProgressFunc receives transfer progress at a bounded rate.
// fraction is in [0,1]; speed and eta are advisory display strings.
type ProgressFunc func(fraction float64, speed, eta string)

// Episode is one entry of a series listing as reported by the catalog.
type Episode struct {
	Season    int      `json:"season"`
	Episode   int      `json:"episode"`
	Title     string   `json:"title"`
	URL       string   `json:"url"`
	Languages []string `json:"languages"`
	Providers []string `json:"providers"`
}

// HasLanguage reports whether the episode offers the given language tag.
func (e Episode) HasLanguage(language string) bool {
	for _, l := range e.Languages {
		if l == language {
			return true
		}
	}
	return false
}

// Resolver turns a catalog page into a fetchable reference for one provider.
type Resolver interface {
	Resolve(ctx context.Context, url, language, providerID string) (Reference, error)
}

// Fetcher transfers a resolved reference to a local destination path.
// Implementations must honor ctx cancellation between chunks so that a stop
// request completes within a bounded latency.
type Fetcher interface {
	Fetch(ctx context.Context, ref Reference, destPath string, onProgress ProgressFunc) error
}

// Catalog lists the currently published episodes of a series.
type Catalog interface {
	ListEpisodes(ctx context.Context, seriesURL string) ([]Episode, error)
}

// ResolutionError reports that one provider candidate could not be turned into
// a fetchable reference. The worker pool recovers by advancing to the next
// candidate.
type ResolutionError struct {
	ProviderID string
	Cause      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("provider %s: resolution failed: %v", e.ProviderID, e.Cause)
}

func (e *ResolutionError) Unwrap() error { return e.Cause }

// TransferError reports a failed or corrupted byte transfer. Recovered the same
// way as a resolution failure.
type TransferError struct {
	ProviderID string
	Cause      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("provider %s: transfer failed: %v", e.ProviderID, e.Cause)
}

func (e *TransferError) Unwrap() error { return e.Cause }
