// Package worker implements the crawl pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/schema-crawler/internal/crawler"
	"github.com/JakeFAU/schema-crawler/internal/telemetry"
)

// Config controls Pool behavior.
type Config struct {
	// Concurrency is the global bound on jobs processed at once.
	Concurrency int
	// PolitenessDelay is the minimum spacing between dispatches to one site.
	PolitenessDelay time.Duration
	// VisibilityTimeout is the lease requested on dequeue. It must cover
	// the expected processing time of one URL.
	VisibilityTimeout time.Duration
	// MaxAttempts dead-letters a job once its processing-failure count
	// reaches this value.
	MaxAttempts int
	// PollInterval is the backoff between dequeues when the queue is empty.
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.PolitenessDelay <= 0 {
		c.PolitenessDelay = time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}

// Pool consumes queue jobs with a global concurrency bound and per-site
// exclusivity, invoking the page processor and indexer per job.
type Pool struct {
	queue     crawler.Queue
	ledger    crawler.Ledger
	processor crawler.PageProcessor
	indexer   crawler.Indexer
	limiter   *siteLimiter
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Pool.
func New(
	queue crawler.Queue,
	ledger crawler.Ledger,
	processor crawler.PageProcessor,
	indexer crawler.Indexer,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:     queue,
		ledger:    ledger,
		processor: processor,
		indexer:   indexer,
		limiter:   newSiteLimiter(clock, cfg.PolitenessDelay),
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run starts the worker goroutines and blocks until the context finishes and
// every in-flight job has reached a disposition.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range p.cfg.Concurrency {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.runWorker(ctx, slot)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, slot int) {
	logger := p.logger.With(zap.Int("worker", slot))
	skips := 0

	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := p.queue.Dequeue(ctx, p.cfg.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if msg == nil {
			skips = 0
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		outcome, wait := p.handle(ctx, logger, msg)
		telemetry.ObserveJob(msg.Job.Site, string(outcome))

		if outcome != outcomeSiteBusy && outcome != outcomePaused {
			skips = 0
			continue
		}
		// Two throttled deliveries in a row means the head of the queue holds
		// only paused or spacing-blocked work, so waiting out the spacing
		// beats spinning on the queue.
		skips++
		if skips >= 2 {
			if wait <= 0 || wait > p.cfg.PollInterval {
				wait = p.cfg.PollInterval
			}
			telemetry.ObservePolitenessDelay(msg.Job.Site, wait)
			p.sleep(ctx, wait)
		}
	}
}

type outcome string

const (
	outcomeCompleted  outcome = "completed"
	outcomeDuplicate  outcome = "duplicate"
	outcomeDiscarded  outcome = "discarded"
	outcomePaused     outcome = "paused"
	outcomeSiteBusy   outcome = "site_busy"
	outcomeTransient  outcome = "transient"
	outcomeDeadLetter outcome = "dead_letter"
	outcomeUnknown    outcome = "unknown"
)

// handle takes one leased message to a disposition. The returned wait is
// only meaningful for outcomeSiteBusy and reports how long until the site
// becomes eligible again.
func (p *Pool) handle(ctx context.Context, logger *zap.Logger, msg *crawler.QueueMessage) (outcome, time.Duration) {
	site, url := msg.Job.Site, msg.Job.URL
	logger = logger.With(
		zap.String("job_id", msg.Job.ID),
		zap.String("site", site),
		zap.String("url", url),
	)

	status, err := p.ledger.GetSite(ctx, site)
	if err != nil {
		if errors.Is(err, crawler.ErrSiteNotFound) {
			// The site was removed while this job was queued.
			if err := p.queue.Ack(ctx, msg); err != nil {
				logger.Error("ack discarded job failed", zap.Error(err))
			}
			p.limiter.forget(site)
			return outcomeDiscarded, 0
		}
		logger.Error("read site status failed", zap.Error(err))
		p.nack(ctx, logger, msg)
		return outcomeUnknown, 0
	}
	if status.Paused {
		// Advisory cancellation: release the lease without touching the
		// attempt counter so the pause never pushes a job toward the
		// dead-letter log.
		p.nack(ctx, logger, msg)
		return outcomePaused, 0
	}

	ok, wait := p.limiter.tryAcquire(site)
	if !ok {
		p.nack(ctx, logger, msg)
		return outcomeSiteBusy, wait
	}
	defer p.limiter.release(site)

	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	// Idempotence boundary: duplicate deliveries of a completed URL are
	// acked away, which is what makes at-least-once delivery safe.
	crawled, err := p.ledger.IsCrawled(ctx, site, url)
	if err != nil {
		logger.Error("check crawled failed", zap.Error(err))
		p.nack(ctx, logger, msg)
		return outcomeUnknown, 0
	}
	if crawled {
		if err := p.queue.Ack(ctx, msg); err != nil {
			logger.Error("ack duplicate failed", zap.Error(err))
		}
		if err := p.ledger.ClearInFlight(ctx, site, url); err != nil {
			logger.Error("clear in-flight marker failed", zap.Error(err))
		}
		return outcomeDuplicate, 0
	}

	content, err := p.processor.Process(ctx, url)
	if err != nil {
		return p.fail(ctx, logger, msg, err), 0
	}

	if err := p.indexer.Index(ctx, site, content); err != nil {
		// Indexing failures are always transient: the page is not marked
		// crawled, so redelivery retries the whole job instead of letting
		// an indexing omission masquerade as success.
		logger.Warn("index failed", zap.Error(err))
		return p.fail(ctx, logger, msg, crawler.Transient(url, err)), 0
	}

	return p.commit(ctx, logger, msg), 0
}

// commit records success: mark crawled (which advances the counter exactly
// once), drop the in-flight marker, ack. MarkCrawled is the atomic step; if
// the ack is lost the redelivery lands on the idempotence boundary.
func (p *Pool) commit(ctx context.Context, logger *zap.Logger, msg *crawler.QueueMessage) outcome {
	site, url := msg.Job.Site, msg.Job.URL
	if _, err := p.ledger.MarkCrawled(ctx, site, url); err != nil {
		logger.Error("mark crawled failed", zap.Error(err))
		p.nack(ctx, logger, msg)
		return outcomeUnknown
	}
	if err := p.ledger.ClearInFlight(ctx, site, url); err != nil {
		logger.Error("clear in-flight marker failed", zap.Error(err))
	}
	if err := p.queue.Ack(ctx, msg); err != nil {
		logger.Error("ack failed", zap.Error(err))
	}
	logger.Info("url crawled", zap.Int("deliveries", msg.DeliveryCount))
	return outcomeCompleted
}

// fail routes a processing failure: permanent failures dead-letter, transient
// failures nack for redelivery until the attempt budget runs out.
func (p *Pool) fail(ctx context.Context, logger *zap.Logger, msg *crawler.QueueMessage, procErr error) outcome {
	site, url := msg.Job.Site, msg.Job.URL

	if crawler.IsPermanent(procErr) {
		logger.Warn("permanent processing failure", zap.Error(procErr))
		return p.deadLetter(ctx, logger, msg, procErr)
	}

	attempts, err := p.ledger.IncAttempts(ctx, site, url)
	if err != nil {
		logger.Error("increment attempts failed", zap.Error(err))
		p.nack(ctx, logger, msg)
		return outcomeUnknown
	}
	if attempts >= p.cfg.MaxAttempts {
		logger.Warn("attempt budget exhausted",
			zap.Int("attempts", attempts), zap.Error(procErr))
		return p.deadLetter(ctx, logger, msg, procErr)
	}

	logger.Warn("transient processing failure",
		zap.Int("attempts", attempts), zap.Error(procErr))
	p.nack(ctx, logger, msg)
	return outcomeTransient
}

// deadLetter removes the job from the live queue and preserves it in the
// dead-letter log. The URL must not re-enter the queue and must not vanish.
func (p *Pool) deadLetter(ctx context.Context, logger *zap.Logger, msg *crawler.QueueMessage, cause error) outcome {
	site, url := msg.Job.Site, msg.Job.URL
	dl := crawler.DeadLetter{
		Site:  site,
		URL:   url,
		Error: cause.Error(),
		At:    p.clock.Now(),
	}
	if err := p.ledger.RecordDeadLetter(ctx, dl); err != nil {
		// Keep the job alive rather than let it vanish unrecorded.
		logger.Error("record dead letter failed", zap.Error(err))
		p.nack(ctx, logger, msg)
		return outcomeUnknown
	}
	if err := p.ledger.ClearInFlight(ctx, site, url); err != nil {
		logger.Error("clear in-flight marker failed", zap.Error(err))
	}
	if err := p.queue.Ack(ctx, msg); err != nil {
		logger.Error("ack dead-lettered job failed", zap.Error(err))
	}
	telemetry.ObserveDeadLetter(site)
	return outcomeDeadLetter
}

func (p *Pool) nack(ctx context.Context, logger *zap.Logger, msg *crawler.QueueMessage) {
	if err := p.queue.Nack(ctx, msg); err != nil {
		logger.Error("nack failed", zap.Error(err))
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
