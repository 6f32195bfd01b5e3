package direct

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/provider"
)

func TestResolvePassesThrough(t *testing.T) {
	client := New()

	ref, err := client.Resolve(context.Background(), "https://host/video", "German Dub", "direct")
	require.NoError(t, err)
	assert.Equal(t, "https://host/video", ref.URL)
	assert.Equal(t, "direct", ref.ProviderID)
}

func TestResolveRejectsEmptyURL(t *testing.T) {
	client := New()

	_, err := client.Resolve(context.Background(), "", "German Dub", "direct")
	var resErr *provider.ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "direct", resErr.ProviderID)
}

func TestFetchWritesFile(t *testing.T) {
	payload := []byte("not really a video")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	client := New()
	dest := filepath.Join(t.TempDir(), "show", "S1 E1.mp4")

	err := client.Fetch(context.Background(), provider.Reference{URL: server.URL, ProviderID: "direct"}, dest, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer server.Close()

	client := New()
	dest := filepath.Join(t.TempDir(), "out.mp4")

	err := client.Fetch(context.Background(), provider.Reference{URL: server.URL, ProviderID: "direct"}, dest, nil)
	var xferErr *provider.TransferError
	require.ErrorAs(t, err, &xferErr)
	assert.Equal(t, "direct", xferErr.ProviderID)
}

func TestFetchHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	}))
	defer server.Close()

	client := New()
	dest := filepath.Join(t.TempDir(), "out.mp4")

	err := client.Fetch(ctx, provider.Reference{URL: server.URL, ProviderID: "direct"}, dest, nil)
	require.Error(t, err)
}

func TestListEpisodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`[
			{"season": 2, "episode": 6, "title": "The One", "url": "https://host/s2e6",
			 "languages": ["German Dub"], "providers": ["VOE", "Vidoza"]}
		]`))
	}))
	defer server.Close()

	client := New()
	episodes, err := client.ListEpisodes(context.Background(), server.URL)
	require.NoError(t, err)
	require.Len(t, episodes, 1)

	ep := episodes[0]
	assert.Equal(t, 2, ep.Season)
	assert.Equal(t, 6, ep.Episode)
	assert.True(t, ep.HasLanguage("German Dub"))
	assert.Equal(t, []string{"VOE", "Vidoza"}, ep.Providers)
}

func TestListEpisodesBadFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>definitely not json</html>`))
	}))
	defer server.Close()

	client := New()
	_, err := client.ListEpisodes(context.Background(), server.URL)
	require.Error(t, err)
}
