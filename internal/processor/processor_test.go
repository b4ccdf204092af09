package processor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/schema-crawler/internal/crawler"
)

func newTestProcessor() *Processor {
	return New(Config{}, zap.NewNop())
}

func serve(t *testing.T, contentType string, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func recordIDs(records []crawler.ExtractedRecord) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

func TestProcessJSONArray(t *testing.T) {
	t.Parallel()

	srv := serve(t, "application/json", `[
		{"@id": "https://a.com/p/1", "@type": "Product", "name": "one"},
		{"@id": "https://a.com/p/2", "@type": "Product", "name": "two"},
		{"@id": "https://a.com/p/1", "@type": "Product", "name": "dup"},
		{"@type": "Product", "name": "no id"}
	]`)

	content, err := newTestProcessor().Process(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, content.StatusCode)
	require.Equal(t, []string{"https://a.com/p/1", "https://a.com/p/2"}, recordIDs(content.Records))

	// First occurrence of a duplicated @id wins.
	require.Equal(t, "one", content.Records[0].Document["name"])
}

func TestProcessJSONGraphFlattening(t *testing.T) {
	t.Parallel()

	srv := serve(t, "application/ld+json", `{
		"@context": "https://schema.org",
		"@graph": [
			{"@id": "https://a.com/r/1", "@type": "Recipe"},
			{"@id": "https://a.com/crumbs", "@type": "BreadcrumbList"},
			{"@id": "https://a.com/org", "@type": ["Thing", "Organization"]}
		]
	}`)

	content, err := newTestProcessor().Process(context.Background(), srv.URL)
	require.NoError(t, err)

	// Navigation types are dropped, including multi-type entries where any
	// type is skipped.
	require.Equal(t, []string{"https://a.com/r/1"}, recordIDs(content.Records))
	require.Equal(t, "Recipe", content.Records[0].Type)
}

func TestProcessTSV(t *testing.T) {
	t.Parallel()

	body := "https://a.com/1\t[{\"@id\": \"https://a.com/p/1\", \"@type\": \"Product\"}]\n" +
		"broken line without tab\n" +
		"https://a.com/2\t{not json}\n" +
		"https://a.com/3\t[{\"@id\": \"https://a.com/p/2\", \"@type\": \"Product\"}]\n"
	srv := serve(t, "structuredData/schema.org+tsv", body)

	content, err := newTestProcessor().Process(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.com/p/1", "https://a.com/p/2"}, recordIDs(content.Records))
}

func TestProcessHTMLLDJSON(t *testing.T) {
	t.Parallel()

	srv := serve(t, "text/html; charset=utf-8", `<!doctype html>
<html><head>
<script type="application/ld+json">{"@id": "https://a.com/a/1", "@type": "Article"}</script>
<script type="application/ld+json">broken</script>
<script type="application/ld+json">[{"@id": "https://a.com/a/2", "@type": "Article"}]</script>
</head><body><p>hello</p></body></html>`)

	content, err := newTestProcessor().Process(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.com/a/1", "https://a.com/a/2"}, recordIDs(content.Records))
}

func TestProcessClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	_, err := newTestProcessor().Process(context.Background(), srv.URL)
	require.Error(t, err)
	require.True(t, crawler.IsPermanent(err))
}

func TestProcessServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := newTestProcessor().Process(context.Background(), srv.URL)
	require.Error(t, err)
	require.False(t, crawler.IsPermanent(err))
}

func TestProcessUnreachableHostIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	_, err := newTestProcessor().Process(context.Background(), srv.URL)
	require.Error(t, err)
	require.False(t, crawler.IsPermanent(err))
}

func TestProcessUnsupportedContentTypeIsPermanent(t *testing.T) {
	t.Parallel()

	srv := serve(t, "image/png", "\x89PNG")

	_, err := newTestProcessor().Process(context.Background(), srv.URL)
	require.Error(t, err)
	require.True(t, crawler.IsPermanent(err))
}

func TestProcessMislabeledJSONIsSniffed(t *testing.T) {
	t.Parallel()

	srv := serve(t, "application/octet-stream",
		`[{"@id": "https://a.com/p/1", "@type": "Product"}]`)

	content, err := newTestProcessor().Process(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.com/p/1"}, recordIDs(content.Records))
}
