package worker

import (
	"sync"
	"time"

	"github.com/JakeFAU/schema-crawler/internal/crawler"
)

type siteSlot struct {
	busy         bool
	nextEligible time.Time
}

// siteLimiter enforces per-site exclusivity plus a minimum spacing between
// consecutive dispatches for the same site. Tokens live in a site-keyed
// table so unrelated sites never serialize on each other.
type siteLimiter struct {
	mu      sync.Mutex
	clock   crawler.Clock
	spacing time.Duration
	sites   map[string]*siteSlot
}

func newSiteLimiter(clock crawler.Clock, spacing time.Duration) *siteLimiter {
	return &siteLimiter{
		clock:   clock,
		spacing: spacing,
		sites:   make(map[string]*siteSlot),
	}
}

// tryAcquire grants the site token when the site is idle and its spacing
// interval has elapsed. When the grant is refused, wait reports how long
// until the site becomes eligible (zero if it is merely busy).
func (l *siteLimiter) tryAcquire(site string) (ok bool, wait time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, found := l.sites[site]
	if !found {
		slot = &siteSlot{}
		l.sites[site] = slot
	}
	if slot.busy {
		return false, 0
	}
	if remaining := slot.nextEligible.Sub(l.clock.Now()); remaining > 0 {
		return false, remaining
	}
	slot.busy = true
	return true, 0
}

// release returns the site token and starts the spacing interval.
func (l *siteLimiter) release(site string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if slot, found := l.sites[site]; found {
		slot.busy = false
		slot.nextEligible = l.clock.Now().Add(l.spacing)
	}
}

// forget drops the site's slot, used when a site is removed.
func (l *siteLimiter) forget(site string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sites, site)
}
