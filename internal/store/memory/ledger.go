// Package memory provides an in-memory ledger for development and testing.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/JakeFAU/schema-crawler/internal/crawler"
)

type siteKey struct{ site, url string }

// Ledger implements crawler.Ledger with mutex-guarded maps. It is only
// authoritative within one process; production deployments use the Postgres
// or Redis ledgers.
type Ledger struct {
	mu          sync.RWMutex
	sites       map[string]crawler.SiteStatus
	crawled     map[siteKey]struct{}
	inFlight    map[siteKey]struct{}
	pending     map[string][]string
	attempts    map[siteKey]int
	deadLetters map[string][]crawler.DeadLetter
	clock       crawler.Clock
}

// NewLedger constructs a Ledger.
func NewLedger(clock crawler.Clock) *Ledger {
	return &Ledger{
		sites:       make(map[string]crawler.SiteStatus),
		crawled:     make(map[siteKey]struct{}),
		inFlight:    make(map[siteKey]struct{}),
		pending:     make(map[string][]string),
		attempts:    make(map[siteKey]int),
		deadLetters: make(map[string][]crawler.DeadLetter),
		clock:       clock,
	}
}

// UpsertSite ensures a status row exists.
func (l *Ledger) UpsertSite(_ context.Context, site string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sites[site]; !ok {
		l.sites[site] = crawler.SiteStatus{Site: site, LastUpdated: l.clock.Now()}
	}
	return nil
}

// AddTotalURLs moves the discovered counter forward.
func (l *Ledger) AddTotalURLs(_ context.Context, site string, n int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	status := l.sites[site]
	status.Site = site
	status.TotalURLs += n
	status.LastUpdated = l.clock.Now()
	l.sites[site] = status
	return nil
}

// MarkCrawled inserts into the crawled set and bumps the counter once.
func (l *Ledger) MarkCrawled(_ context.Context, site, url string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := siteKey{site, url}
	if _, ok := l.crawled[key]; ok {
		return false, nil
	}
	l.crawled[key] = struct{}{}
	status := l.sites[site]
	status.Site = site
	status.CrawledURLs++
	status.LastUpdated = l.clock.Now()
	l.sites[site] = status
	return true, nil
}

// IsCrawled reports prior successful completion.
func (l *Ledger) IsCrawled(_ context.Context, site, url string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.crawled[siteKey{site, url}]
	return ok, nil
}

// MarkInFlight records an outstanding job, reporting false on duplicates.
func (l *Ledger) MarkInFlight(_ context.Context, site, url string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := siteKey{site, url}
	if _, ok := l.inFlight[key]; ok {
		return false, nil
	}
	l.inFlight[key] = struct{}{}
	return true, nil
}

// ClearInFlight drops the marker.
func (l *Ledger) ClearInFlight(_ context.Context, site, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, siteKey{site, url})
	return nil
}

// BufferPending stores URLs withheld while the site is paused.
func (l *Ledger) BufferPending(_ context.Context, site string, urls []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buffered := l.pending[site]
	for _, url := range urls {
		if slices.Contains(buffered, url) {
			continue
		}
		buffered = append(buffered, url)
	}
	l.pending[site] = buffered
	return nil
}

// TakePending drains the buffered URLs.
func (l *Ledger) TakePending(_ context.Context, site string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	urls := l.pending[site]
	delete(l.pending, site)
	return urls, nil
}

// SetPaused flips the pause flag.
func (l *Ledger) SetPaused(_ context.Context, site string, paused bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	status, ok := l.sites[site]
	if !ok {
		return crawler.ErrSiteNotFound
	}
	status.Paused = paused
	status.LastUpdated = l.clock.Now()
	l.sites[site] = status
	return nil
}

// IncAttempts advances the processing-failure counter.
func (l *Ledger) IncAttempts(_ context.Context, site, url string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := siteKey{site, url}
	l.attempts[key]++
	return l.attempts[key], nil
}

// RecordDeadLetter appends to the per-site log.
func (l *Ledger) RecordDeadLetter(_ context.Context, dl crawler.DeadLetter) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if dl.At.IsZero() {
		dl.At = l.clock.Now()
	}
	l.deadLetters[dl.Site] = append(l.deadLetters[dl.Site], dl)
	return nil
}

// ListDeadLetters returns a copy of the per-site log.
func (l *Ledger) ListDeadLetters(_ context.Context, site string) ([]crawler.DeadLetter, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]crawler.DeadLetter, len(l.deadLetters[site]))
	copy(out, l.deadLetters[site])
	return out, nil
}

// GetSite returns the status record.
func (l *Ledger) GetSite(_ context.Context, site string) (crawler.SiteStatus, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	status, ok := l.sites[site]
	if !ok {
		return crawler.SiteStatus{}, crawler.ErrSiteNotFound
	}
	return status, nil
}

// ListSites returns every known status record.
func (l *Ledger) ListSites(_ context.Context) ([]crawler.SiteStatus, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]crawler.SiteStatus, 0, len(l.sites))
	for _, status := range l.sites {
		out = append(out, status)
	}
	return out, nil
}

// RemoveSite purges every record associated with the site.
func (l *Ledger) RemoveSite(_ context.Context, site string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sites, site)
	delete(l.pending, site)
	delete(l.deadLetters, site)
	for key := range l.crawled {
		if key.site == site {
			delete(l.crawled, key)
		}
	}
	for key := range l.inFlight {
		if key.site == site {
			delete(l.inFlight, key)
		}
	}
	for key := range l.attempts {
		if key.site == site {
			delete(l.attempts, key)
		}
	}
	return nil
}
