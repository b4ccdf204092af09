package discovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/schema-crawler/internal/crawler"
)

// URLSubmitter admits discovered URLs for a site.
type URLSubmitter interface {
	SubmitURLs(ctx context.Context, site string, urls []string) (int, error)
}

// Rescanner periodically re-runs discovery for every known site so changed
// schema maps are picked up without resubmission.
type Rescanner struct {
	discoverer *Discoverer
	ledger     crawler.Ledger
	submitter  URLSubmitter
	interval   time.Duration
	logger     *zap.Logger
}

// NewRescanner constructs a Rescanner. An interval of zero disables it.
func NewRescanner(
	discoverer *Discoverer,
	ledger crawler.Ledger,
	submitter URLSubmitter,
	interval time.Duration,
	logger *zap.Logger,
) *Rescanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rescanner{
		discoverer: discoverer,
		ledger:     ledger,
		submitter:  submitter,
		interval:   interval,
		logger:     logger,
	}
}

// Run blocks, rescanning on every tick until the context finishes.
func (r *Rescanner) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.rescanAll(ctx)
		}
	}
}

func (r *Rescanner) rescanAll(ctx context.Context) {
	sites, err := r.ledger.ListSites(ctx)
	if err != nil {
		r.logger.Error("list sites for rescan failed", zap.Error(err))
		return
	}
	for _, status := range sites {
		if ctx.Err() != nil {
			return
		}
		// Paused sites still buffer discoveries, but skipping them avoids
		// hammering a site an operator deliberately quieted.
		if status.Paused {
			continue
		}
		urls, err := r.discoverer.DiscoverURLs(ctx, status.Site)
		if err != nil {
			r.logger.Warn("rescan discovery failed",
				zap.String("site", status.Site), zap.Error(err))
			continue
		}
		admitted, err := r.submitter.SubmitURLs(ctx, status.Site, urls)
		if err != nil {
			r.logger.Error("rescan submit failed",
				zap.String("site", status.Site), zap.Error(err))
			continue
		}
		if admitted > 0 {
			r.logger.Info("rescan admitted urls",
				zap.String("site", status.Site), zap.Int("admitted", admitted))
		}
	}
}
