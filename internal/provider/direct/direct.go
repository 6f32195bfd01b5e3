// Package direct implements the provider boundary over plain HTTP. It serves
// installations whose catalog exposes a JSON episode feed and whose providers
// hand out directly fetchable URLs. Anything fancier lives behind the same
// interfaces in a separate implementation.
package direct

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fetcharr/fetcharr/internal/provider"
)

const progressInterval = 500 * time.Millisecond

// Client bundles the HTTP-backed Resolver, Fetcher, and Catalog.
type Client struct {
	http *http.Client
}

// New creates a direct provider client.
func New() *Client {
	return &Client{
		http: &http.Client{
			// No overall timeout; the caller bounds each attempt with a
			// context deadline and large transfers must outlive any fixed cap.
			Timeout: 0,
		},
	}
}

// Resolve passes the catalog URL through unchanged. Direct providers publish
// fetchable URLs, so resolution cannot fail beyond basic validation.
func (c *Client) Resolve(ctx context.Context, url, language, providerID string) (provider.Reference, error) {
	if url == "" {
		return provider.Reference{}, &provider.ResolutionError{
			ProviderID: providerID,
			Cause:      fmt.Errorf("empty source url"),
		}
	}
	return provider.Reference{URL: url, ProviderID: providerID}, nil
}

// Fetch streams the reference to destPath, reporting progress when the server
// advertises a Content-Length.
func (c *Client) Fetch(ctx context.Context, ref provider.Reference, destPath string, onProgress provider.ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return &provider.TransferError{ProviderID: ref.ProviderID, Cause: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &provider.TransferError{ProviderID: ref.ProviderID, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &provider.TransferError{
			ProviderID: ref.ProviderID,
			Cause:      fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return &provider.TransferError{ProviderID: ref.ProviderID, Cause: err}
	}

	out, err := os.Create(destPath)
	if err != nil {
		return &provider.TransferError{ProviderID: ref.ProviderID, Cause: err}
	}
	defer out.Close()

	counter := &progressWriter{
		total:      resp.ContentLength,
		started:    time.Now(),
		onProgress: onProgress,
	}

	if _, err := io.Copy(out, io.TeeReader(resp.Body, counter)); err != nil {
		// Copy surfaces ctx cancellation through the response body.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &provider.TransferError{ProviderID: ref.ProviderID, Cause: err}
	}

	if onProgress != nil {
		onProgress(1, "", "")
	}
	return out.Sync()
}

// ListEpisodes fetches the series feed and decodes its episode list.
func (c *Client) ListEpisodes(ctx context.Context, seriesURL string) ([]provider.Episode, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seriesURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("series feed %s: unexpected status %s", seriesURL, resp.Status)
	}

	var episodes []provider.Episode
	if err := json.NewDecoder(resp.Body).Decode(&episodes); err != nil {
		return nil, fmt.Errorf("series feed %s: %w", seriesURL, err)
	}
	return episodes, nil
}

// progressWriter tracks bytes copied and emits rate-limited progress updates.
type progressWriter struct {
	total      int64
	written    int64
	started    time.Time
	lastEmit   time.Time
	onProgress provider.ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))

	if w.onProgress == nil || w.total <= 0 {
		return len(p), nil
	}

	now := time.Now()
	if now.Sub(w.lastEmit) < progressInterval {
		return len(p), nil
	}
	w.lastEmit = now

	fraction := float64(w.written) / float64(w.total)
	if fraction > 1 {
		fraction = 1
	}

	elapsed := now.Sub(w.started).Seconds()
	speed := ""
	eta := ""
	if elapsed > 0 {
		bps := float64(w.written) / elapsed
		speed = fmt.Sprintf("%.1f MB/s", bps/(1024*1024))
		if bps > 0 && w.total > w.written {
			remaining := time.Duration(float64(w.total-w.written)/bps) * time.Second
			eta = remaining.Round(time.Second).String()
		}
	}

	w.onProgress(fraction, speed, eta)
	return len(p), nil
}
