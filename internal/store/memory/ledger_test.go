package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/schema-crawler/internal/crawler"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestLedger() *Ledger {
	return NewLedger(fixedClock{now: time.Unix(1700000000, 0).UTC()})
}

func TestLedgerCountersAreMonotonic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := newTestLedger()

	require.NoError(t, ledger.AddTotalURLs(ctx, "example.com", 2))
	require.NoError(t, ledger.AddTotalURLs(ctx, "example.com", 3))

	first, err := ledger.MarkCrawled(ctx, "example.com", "https://example.com/a")
	require.NoError(t, err)
	require.True(t, first)

	// Duplicate delivery of the same URL must not move the counter.
	first, err = ledger.MarkCrawled(ctx, "example.com", "https://example.com/a")
	require.NoError(t, err)
	require.False(t, first)

	status, err := ledger.GetSite(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, int64(5), status.TotalURLs)
	require.Equal(t, int64(1), status.CrawledURLs)
}

func TestLedgerMarkCrawledConcurrentCountsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := newTestLedger()
	require.NoError(t, ledger.AddTotalURLs(ctx, "example.com", 1))

	var wg sync.WaitGroup
	firsts := make(chan bool, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err := ledger.MarkCrawled(ctx, "example.com", "https://example.com/a")
			require.NoError(t, err)
			firsts <- first
		}()
	}
	wg.Wait()
	close(firsts)

	var wins int
	for first := range firsts {
		if first {
			wins++
		}
	}
	require.Equal(t, 1, wins)

	status, err := ledger.GetSite(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, int64(1), status.CrawledURLs)
}

func TestLedgerInFlightMarkers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := newTestLedger()

	ok, err := ledger.MarkInFlight(ctx, "example.com", "https://example.com/a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ledger.MarkInFlight(ctx, "example.com", "https://example.com/a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, ledger.ClearInFlight(ctx, "example.com", "https://example.com/a"))

	ok, err = ledger.MarkInFlight(ctx, "example.com", "https://example.com/a")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLedgerPendingBuffer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := newTestLedger()

	require.NoError(t, ledger.BufferPending(ctx, "example.com", []string{
		"https://example.com/a",
		"https://example.com/b",
	}))
	require.NoError(t, ledger.BufferPending(ctx, "example.com", []string{
		"https://example.com/b",
		"https://example.com/c",
	}))

	urls, err := ledger.TakePending(ctx, "example.com")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
	}, urls)

	urls, err = ledger.TakePending(ctx, "example.com")
	require.NoError(t, err)
	require.Empty(t, urls)
}

func TestLedgerPauseFlag(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := newTestLedger()

	err := ledger.SetPaused(ctx, "nowhere.test", true)
	require.ErrorIs(t, err, crawler.ErrSiteNotFound)

	require.NoError(t, ledger.UpsertSite(ctx, "example.com"))
	require.NoError(t, ledger.SetPaused(ctx, "example.com", true))

	status, err := ledger.GetSite(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, status.Paused)
}

func TestLedgerAttemptsAndDeadLetters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := newTestLedger()

	for want := 1; want <= 3; want++ {
		got, err := ledger.IncAttempts(ctx, "example.com", "https://example.com/a")
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	require.NoError(t, ledger.RecordDeadLetter(ctx, crawler.DeadLetter{
		Site:  "example.com",
		URL:   "https://example.com/a",
		Error: "boom",
	}))

	letters, err := ledger.ListDeadLetters(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, "https://example.com/a", letters[0].URL)
	require.False(t, letters[0].At.IsZero())
}

func TestLedgerRemoveSitePurgesEverything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := newTestLedger()

	require.NoError(t, ledger.AddTotalURLs(ctx, "example.com", 1))
	_, err := ledger.MarkCrawled(ctx, "example.com", "https://example.com/a")
	require.NoError(t, err)
	require.NoError(t, ledger.RecordDeadLetter(ctx, crawler.DeadLetter{Site: "example.com", URL: "u", Error: "x"}))

	require.NoError(t, ledger.RemoveSite(ctx, "example.com"))

	_, err = ledger.GetSite(ctx, "example.com")
	require.ErrorIs(t, err, crawler.ErrSiteNotFound)

	crawled, err := ledger.IsCrawled(ctx, "example.com", "https://example.com/a")
	require.NoError(t, err)
	require.False(t, crawled)

	letters, err := ledger.ListDeadLetters(ctx, "example.com")
	require.NoError(t, err)
	require.Empty(t, letters)

	sites, err := ledger.ListSites(ctx)
	require.NoError(t, err)
	require.Empty(t, sites)
}
