package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/provider/mock"
	"github.com/fetcharr/fetcharr/internal/queue"
	"github.com/fetcharr/fetcharr/internal/scheduler"
	"github.com/fetcharr/fetcharr/internal/testutil"
	"github.com/fetcharr/fetcharr/internal/tracker"
	"github.com/fetcharr/fetcharr/internal/websocket"
)

func setupTestServer(t *testing.T) (*Server, *mock.Catalog) {
	t.Helper()

	logger := testutil.NewTestLogger(t)
	hub := websocket.NewHub()
	go hub.Run()

	catalog := mock.NewCatalog()
	queueService := queue.NewService(nil, hub, logger)
	trackerService := tracker.NewService(nil, catalog, queueService, hub, logger)

	sched, err := scheduler.New(logger)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	t.Cleanup(func() { sched.Stop() })

	cfg := config.Default()
	return NewServer(cfg, hub, queueService, nil, trackerService, sched, logger), catalog
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestEnqueueAndStatusRoundtrip(t *testing.T) {
	s, _ := setupTestServer(t)

	body := `{
		"title": "Show",
		"items": [
			{"url": "https://x/ep1", "language": "German Dub", "providers": ["VOE"], "season": 1, "episode": 1}
		]
	}`
	rec := doRequest(t, s, http.MethodPost, "/api/v1/queue", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var created map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode enqueue response: %v", err)
	}
	if created["jobId"] == 0 {
		t.Fatal("enqueue response missing job id")
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/queue/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", rec.Code)
	}
	var status queue.StatusView
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(status.Active) != 1 {
		t.Errorf("active jobs = %d, want 1", len(status.Active))
	}
}

func TestEnqueueRejectsEmptyItems(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/queue", `{"title": "Show", "items": []}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestQueueErrorMapping(t *testing.T) {
	s, _ := setupTestServer(t)

	// Unknown job.
	rec := doRequest(t, s, http.MethodGet, "/api/v1/queue/999/tasks", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown job tasks = %d, want 404", rec.Code)
	}

	// Deleting a non-terminal job conflicts.
	body := `{"title": "Show", "items": [{"url": "https://x/ep1", "language": "German Dub", "providers": ["VOE"]}]}`
	doRequest(t, s, http.MethodPost, "/api/v1/queue", body)
	rec = doRequest(t, s, http.MethodDelete, "/api/v1/queue/1", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("delete active job = %d, want 409", rec.Code)
	}

	// Cancel then delete succeeds.
	rec = doRequest(t, s, http.MethodPost, "/api/v1/queue/1/cancel", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cancel = %d, want 204", rec.Code)
	}
	rec = doRequest(t, s, http.MethodDelete, "/api/v1/queue/1", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete terminal job = %d, want 204", rec.Code)
	}
}

func TestTrackerEndpoints(t *testing.T) {
	s, _ := setupTestServer(t)

	body := `{
		"title": "Show",
		"seriesUrl": "https://catalog/show",
		"language": "German Dub",
		"provider": "VOE",
		"seedLastSeason": 1,
		"seedLastEpisode": 4
	}`
	rec := doRequest(t, s, http.MethodPost, "/api/v1/trackers", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add tracker = %d, body = %s", rec.Code, rec.Body.String())
	}

	var created tracker.Tracker
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode tracker: %v", err)
	}
	if created.LastSeason != 1 || created.LastEpisode != 4 {
		t.Errorf("seeded last seen = S%d E%d, want S1 E4", created.LastSeason, created.LastEpisode)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/trackers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list trackers = %d", rec.Code)
	}
	var trackers []tracker.Tracker
	if err := json.Unmarshal(rec.Body.Bytes(), &trackers); err != nil {
		t.Fatalf("decode trackers: %v", err)
	}
	if len(trackers) != 1 {
		t.Fatalf("got %d trackers, want 1", len(trackers))
	}

	// Scanning an unknown tracker is a 404, a known one is accepted async.
	rec = doRequest(t, s, http.MethodPost, "/api/v1/trackers/999/scan", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("scan unknown tracker = %d, want 404", rec.Code)
	}

	rec = doRequest(t, s, http.MethodDelete, "/api/v1/trackers/999", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete unknown tracker = %d, want 404", rec.Code)
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/scheduler/tasks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list tasks = %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/v1/scheduler/tasks/nope/run", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("run unknown task = %d, want 404", rec.Code)
	}
}

func TestSystemStatus(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("system status = %d", rec.Code)
	}
	var status map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if _, ok := status["version"]; !ok {
		t.Error("system status missing version")
	}
}
