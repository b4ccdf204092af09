package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/schema-crawler/internal/clock/system"
	"github.com/JakeFAU/schema-crawler/internal/config"
	"github.com/JakeFAU/schema-crawler/internal/crawler"
	memorystore "github.com/JakeFAU/schema-crawler/internal/store/memory"
)

type fakeScheduler struct {
	ledger    *memorystore.Ledger
	submitted map[string][]string
	paused    map[string]bool
	removed   []string
	submitErr error
}

func newFakeScheduler(ledger *memorystore.Ledger) *fakeScheduler {
	return &fakeScheduler{
		ledger:    ledger,
		submitted: map[string][]string{},
		paused:    map[string]bool{},
	}
}

func (f *fakeScheduler) SubmitURLs(ctx context.Context, site string, urls []string) (int, error) {
	if f.submitErr != nil {
		return 0, f.submitErr
	}
	if err := f.ledger.UpsertSite(ctx, site); err != nil {
		return 0, err
	}
	if err := f.ledger.AddTotalURLs(ctx, site, int64(len(urls))); err != nil {
		return 0, err
	}
	f.submitted[site] = append(f.submitted[site], urls...)
	return len(urls), nil
}

func (f *fakeScheduler) TogglePause(ctx context.Context, site string) (bool, error) {
	if _, err := f.ledger.GetSite(ctx, site); err != nil {
		return false, err
	}
	f.paused[site] = !f.paused[site]
	return f.paused[site], f.ledger.SetPaused(ctx, site, f.paused[site])
}

func (f *fakeScheduler) RemoveSite(ctx context.Context, site string) error {
	if _, err := f.ledger.GetSite(ctx, site); err != nil {
		return err
	}
	f.removed = append(f.removed, site)
	return f.ledger.RemoveSite(ctx, site)
}

type fakeDiscoverer struct {
	urls []string
	err  error
}

func (f *fakeDiscoverer) DiscoverURLs(context.Context, string) ([]string, error) {
	return f.urls, f.err
}

type fakeQueue struct {
	depth int
	err   error
}

func (f *fakeQueue) Depth(context.Context) (int, error) { return f.depth, f.err }

type testServer struct {
	srv       *Server
	scheduler *fakeScheduler
	ledger    *memorystore.Ledger
	disc      *fakeDiscoverer
	queue     *fakeQueue
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	ledger := memorystore.NewLedger(system.New())
	scheduler := newFakeScheduler(ledger)
	disc := &fakeDiscoverer{}
	queue := &fakeQueue{depth: 3}
	srv := NewServer(scheduler, ledger, queue, disc, cfg, zap.NewNop())
	return &testServer{srv: srv, scheduler: scheduler, ledger: ledger, disc: disc, queue: queue}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitSiteWithExplicitURLs(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{})
	rec := doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/sites", map[string]any{
		"site": "example.com",
		"urls": []string{"https://example.com/a.json", "https://example.com/b.json"},
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitSiteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "example.com", resp.Site)
	require.Equal(t, 2, resp.Admitted)
	require.Equal(t, int64(2), resp.TotalURLs)
	require.Len(t, ts.scheduler.submitted["example.com"], 2)
}

func TestSubmitSiteRunsDiscoveryWhenNoURLs(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{})
	ts.disc.urls = []string{"https://example.com/products.json"}

	rec := doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/sites", map[string]any{
		"site": "example.com",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"https://example.com/products.json"}, ts.scheduler.submitted["example.com"])
}

func TestSubmitSiteDiscoveryFailure(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{})
	ts.disc.err = errors.New("no schema map found")

	rec := doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/sites", map[string]any{
		"site": "example.com",
	})

	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Empty(t, ts.scheduler.submitted)
}

func TestSubmitSiteValidation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{})

	rec := doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/sites", map[string]any{"urls": []string{"https://x"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/sites", bytes.NewBufferString("{not json"))
	rec2 := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec2, req)
	require.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestGetSiteStatus(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{})
	ctx := context.Background()
	require.NoError(t, ts.ledger.UpsertSite(ctx, "example.com"))
	require.NoError(t, ts.ledger.AddTotalURLs(ctx, "example.com", 5))

	rec := doJSON(t, ts.srv.Handler(), http.MethodGet, "/v1/sites/example.com/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status crawler.SiteStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "example.com", status.Site)
	require.Equal(t, int64(5), status.TotalURLs)

	rec = doJSON(t, ts.srv.Handler(), http.MethodGet, "/v1/sites/unknown.com/status", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSites(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{})
	ctx := context.Background()
	require.NoError(t, ts.ledger.UpsertSite(ctx, "a.com"))
	require.NoError(t, ts.ledger.UpsertSite(ctx, "b.com"))

	rec := doJSON(t, ts.srv.Handler(), http.MethodGet, "/v1/sites", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Sites []crawler.SiteStatus `json:"sites"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Sites, 2)
}

func TestTogglePause(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{})
	require.NoError(t, ts.ledger.UpsertSite(context.Background(), "example.com"))

	rec := doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/sites/example.com/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Paused bool `json:"paused"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Paused)

	rec = doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/sites/example.com/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Paused)

	rec = doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/sites/unknown.com/pause", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemoveSite(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{})
	require.NoError(t, ts.ledger.UpsertSite(context.Background(), "example.com"))

	rec := doJSON(t, ts.srv.Handler(), http.MethodDelete, "/v1/sites/example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"example.com"}, ts.scheduler.removed)

	rec = doJSON(t, ts.srv.Handler(), http.MethodDelete, "/v1/sites/example.com", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListDeadLetters(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{})
	ctx := context.Background()
	require.NoError(t, ts.ledger.UpsertSite(ctx, "example.com"))
	require.NoError(t, ts.ledger.RecordDeadLetter(ctx, crawler.DeadLetter{
		Site:  "example.com",
		URL:   "https://example.com/broken.json",
		Error: "unsupported content type",
	}))

	rec := doJSON(t, ts.srv.Handler(), http.MethodGet, "/v1/sites/example.com/dead-letters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		DeadLetters []crawler.DeadLetter `json:"dead_letters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.DeadLetters, 1)
	require.Equal(t, "https://example.com/broken.json", resp.DeadLetters[0].URL)

	rec = doJSON(t, ts.srv.Handler(), http.MethodGet, "/v1/sites/unknown.com/dead-letters", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueStatus(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{})
	rec := doJSON(t, ts.srv.Handler(), http.MethodGet, "/v1/queue/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 3, resp["depth"])

	ts.queue.err = errors.New("backend down")
	rec = doJSON(t, ts.srv.Handler(), http.MethodGet, "/v1/queue/status", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	ts := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/sites", nil)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/sites", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{})
	rec := doJSON(t, ts.srv.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
