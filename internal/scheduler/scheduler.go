// Package scheduler admits discovered URLs as queue jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/schema-crawler/internal/crawler"
)

// Config controls Scheduler behavior.
type Config struct {
	// EnqueueRetries is how many times a failed enqueue is retried.
	EnqueueRetries int
	// RetryBackoff is the base delay between enqueue retries. Each retry
	// doubles it, capped at MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// DrainVisibility is the lease used while draining a removed site.
	DrainVisibility time.Duration
}

func (c *Config) applyDefaults() {
	if c.EnqueueRetries <= 0 {
		c.EnqueueRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = 5 * time.Second
	}
	if c.DrainVisibility <= 0 {
		c.DrainVisibility = 30 * time.Second
	}
}

// Scheduler turns discovered URLs into exactly one job per not-yet-crawled
// URL and keeps the per-site counters current.
type Scheduler struct {
	queue   crawler.Queue
	ledger  crawler.Ledger
	indexer crawler.Indexer
	ids     crawler.IDGenerator
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Scheduler.
func New(
	queue crawler.Queue,
	ledger crawler.Ledger,
	indexer crawler.Indexer,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		queue:   queue,
		ledger:  ledger,
		indexer: indexer,
		ids:     ids,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// SubmitURLs admits every URL that has neither been crawled nor already
// produced a job. Resubmitting a URL list is idempotent: duplicates are
// skipped silently and total_urls never inflates. While the site is paused,
// new URLs are buffered in the ledger instead of enqueued, so discovery is
// still recorded and nothing is lost across restarts.
//
// Returns the number of newly admitted URLs.
func (s *Scheduler) SubmitURLs(ctx context.Context, site string, urls []string) (int, error) {
	if err := s.ledger.UpsertSite(ctx, site); err != nil {
		return 0, fmt.Errorf("upsert site: %w", err)
	}
	status, err := s.ledger.GetSite(ctx, site)
	if err != nil {
		return 0, fmt.Errorf("read site status: %w", err)
	}

	admitted := 0
	commit := func() error {
		if admitted == 0 {
			return nil
		}
		if err := s.ledger.AddTotalURLs(ctx, site, int64(admitted)); err != nil {
			return fmt.Errorf("add total urls: %w", err)
		}
		return nil
	}

	var withheld []string
	for _, url := range urls {
		crawled, err := s.ledger.IsCrawled(ctx, site, url)
		if err != nil {
			return admitted, errors.Join(fmt.Errorf("check crawled: %w", err), commit())
		}
		if crawled {
			continue
		}

		// The in-flight marker covers both enqueued and pause-buffered
		// URLs, which is what makes resubmission idempotent.
		fresh, err := s.ledger.MarkInFlight(ctx, site, url)
		if err != nil {
			return admitted, errors.Join(fmt.Errorf("mark in flight: %w", err), commit())
		}
		if !fresh {
			continue
		}
		admitted++

		if status.Paused {
			withheld = append(withheld, url)
			continue
		}
		if err := s.enqueueURL(ctx, site, url); err != nil {
			if clearErr := s.ledger.ClearInFlight(ctx, site, url); clearErr != nil {
				s.logger.Error("clear in-flight marker failed",
					zap.String("site", site), zap.String("url", url), zap.Error(clearErr))
			}
			admitted--
			// Already-admitted jobs stay valid; no rollback.
			return admitted, errors.Join(err, commit())
		}
	}

	if len(withheld) > 0 {
		if err := s.ledger.BufferPending(ctx, site, withheld); err != nil {
			return admitted, errors.Join(fmt.Errorf("buffer pending urls: %w", err), commit())
		}
		s.logger.Info("urls withheld while paused",
			zap.String("site", site), zap.Int("count", len(withheld)))
	}

	if err := commit(); err != nil {
		return admitted, err
	}
	s.logger.Info("urls submitted",
		zap.String("site", site),
		zap.Int("received", len(urls)),
		zap.Int("admitted", admitted),
	)
	return admitted, nil
}

// TogglePause flips the pause flag and returns the new state. On the
// transition to unpaused, every URL withheld during the pause is flushed to
// the queue.
func (s *Scheduler) TogglePause(ctx context.Context, site string) (bool, error) {
	status, err := s.ledger.GetSite(ctx, site)
	if err != nil {
		return false, err
	}
	paused := !status.Paused
	if err := s.ledger.SetPaused(ctx, site, paused); err != nil {
		return false, err
	}
	if paused {
		s.logger.Info("site paused", zap.String("site", site))
		return true, nil
	}

	urls, err := s.ledger.TakePending(ctx, site)
	if err != nil {
		return false, fmt.Errorf("take pending urls: %w", err)
	}
	for i, url := range urls {
		if err := s.enqueueURL(ctx, site, url); err != nil {
			// Re-buffer what did not make it out so nothing is lost.
			if bufErr := s.ledger.BufferPending(ctx, site, urls[i:]); bufErr != nil {
				s.logger.Error("re-buffer pending urls failed",
					zap.String("site", site), zap.Error(bufErr))
			}
			return false, err
		}
	}
	s.logger.Info("site resumed", zap.String("site", site), zap.Int("flushed", len(urls)))
	return false, nil
}

// RemoveSite drains outstanding jobs for the site best-effort, purges its
// ledger records, and tells the indexer to purge the site. Jobs leased by a
// worker at removal time finish naturally; their completion is a no-op
// against the removed site.
func (s *Scheduler) RemoveSite(ctx context.Context, site string) error {
	if _, err := s.ledger.GetSite(ctx, site); err != nil {
		return err
	}
	// Pausing first stops workers from picking up jobs we are about to drop.
	if err := s.ledger.SetPaused(ctx, site, true); err != nil && !errors.Is(err, crawler.ErrSiteNotFound) {
		return err
	}

	s.drainQueue(ctx, site)

	if err := s.ledger.RemoveSite(ctx, site); err != nil {
		return fmt.Errorf("remove site records: %w", err)
	}
	if s.indexer != nil {
		if err := s.indexer.Purge(ctx, site); err != nil {
			return fmt.Errorf("purge index: %w", err)
		}
	}
	s.logger.Info("site removed", zap.String("site", site))
	return nil
}

// drainQueue discards queued jobs for the site. The pass is bounded by the
// queue depth observed at the start; leased jobs and races are left to the
// workers, which discard jobs for unknown sites.
func (s *Scheduler) drainQueue(ctx context.Context, site string) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		s.logger.Warn("queue depth unavailable, skipping drain",
			zap.String("site", site), zap.Error(err))
		return
	}
	discarded := 0
	for range depth {
		msg, err := s.queue.Dequeue(ctx, s.cfg.DrainVisibility)
		if err != nil {
			s.logger.Warn("drain dequeue failed", zap.String("site", site), zap.Error(err))
			return
		}
		if msg == nil {
			break
		}
		if msg.Job.Site != site {
			if err := s.queue.Nack(ctx, msg); err != nil {
				s.logger.Warn("drain nack failed", zap.String("site", site), zap.Error(err))
			}
			continue
		}
		if err := s.queue.Ack(ctx, msg); err != nil {
			s.logger.Warn("drain ack failed", zap.String("site", site), zap.Error(err))
			continue
		}
		discarded++
	}
	if discarded > 0 {
		s.logger.Info("queued jobs discarded",
			zap.String("site", site), zap.Int("count", discarded))
	}
}

func (s *Scheduler) enqueueURL(ctx context.Context, site, url string) error {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	job := crawler.Job{
		ID:         id,
		Site:       site,
		URL:        url,
		EnqueuedAt: s.clock.Now(),
	}

	backoff := s.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= s.cfg.EnqueueRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			backoff = min(backoff*2, s.cfg.MaxRetryBackoff)
		}
		if lastErr = s.queue.Enqueue(ctx, job); lastErr == nil {
			return nil
		}
		s.logger.Warn("enqueue failed",
			zap.String("site", site),
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return fmt.Errorf("enqueue after %d attempts: %w", s.cfg.EnqueueRetries+1, lastErr)
}
