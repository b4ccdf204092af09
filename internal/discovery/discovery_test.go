package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/schema-crawler/internal/store/memory"
)

const schemaMapXML = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url contentType="structuredData/schema.org+json">
    <loc>/data/products.json</loc>
  </url>
  <url contentType="text/html">
    <loc>/index.html</loc>
  </url>
  <url contentType="structuredData/schema.org+tsv">
    <loc>/data/articles.tsv</loc>
  </url>
</urlset>`

func newTestDiscoverer() *Discoverer {
	return New(Config{Timeout: 2 * time.Second}, zap.NewNop())
}

func TestDiscoverViaRobotsDirective(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\nSchemamap: /maps/schema_map.xml\n"))
	})
	mux.HandleFunc("/maps/schema_map.xml", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(schemaMapXML))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	urls, err := newTestDiscoverer().DiscoverURLs(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, []string{
		srv.URL + "/data/products.json",
		srv.URL + "/data/articles.tsv",
	}, urls)
}

func TestDiscoverFallsBackToWellKnownPath(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/schema_map.xml", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(schemaMapXML))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	urls, err := newTestDiscoverer().DiscoverURLs(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, urls, 2)
	require.Equal(t, srv.URL+"/data/products.json", urls[0])
}

func TestDiscoverDirectSchemaMapURL(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/custom/schema_map.xml", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(schemaMapXML))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	urls, err := newTestDiscoverer().DiscoverURLs(context.Background(), srv.URL+"/custom/schema_map.xml")
	require.NoError(t, err)
	require.Len(t, urls, 2)
}

func TestDiscoverNothingFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	_, err := newTestDiscoverer().DiscoverURLs(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestDiscoverRejectsEmptySite(t *testing.T) {
	t.Parallel()

	_, err := newTestDiscoverer().DiscoverURLs(context.Background(), "  ")
	require.Error(t, err)
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type recordingSubmitter struct {
	mu      sync.Mutex
	submits map[string][]string
}

func (s *recordingSubmitter) SubmitURLs(_ context.Context, site string, urls []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submits == nil {
		s.submits = make(map[string][]string)
	}
	s.submits[site] = append(s.submits[site], urls...)
	return len(urls), nil
}

func (s *recordingSubmitter) submitted(site string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submits[site]...)
}

func TestRescannerResubmitsActiveSites(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/schema_map.xml", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(schemaMapXML))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	ledger := memory.NewLedger(fakeClock{now: time.Now()})
	require.NoError(t, ledger.UpsertSite(ctx, srv.URL))
	require.NoError(t, ledger.UpsertSite(ctx, srv.URL+"/paused"))
	require.NoError(t, ledger.SetPaused(ctx, srv.URL+"/paused", true))

	submitter := &recordingSubmitter{}
	rescanner := NewRescanner(newTestDiscoverer(), ledger, submitter, 10*time.Millisecond, zap.NewNop())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		rescanner.Run(runCtx)
	}()

	require.Eventually(t, func() bool {
		return len(submitter.submitted(srv.URL)) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	require.Empty(t, submitter.submitted(srv.URL+"/paused"))
}
