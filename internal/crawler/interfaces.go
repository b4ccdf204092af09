package crawler

import (
	"context"
	"io"
	"time"
)

// Queue provides lease-based enqueue/dequeue semantics for crawl jobs.
// A dequeued message is owned by the caller until the visibility timeout
// elapses or the lease is released; crashed consumers leave their messages
// unacknowledged and the backend redelivers them after expiry.
type Queue interface {
	// Enqueue appends a job. Enqueuing the same job ID twice is safe.
	Enqueue(ctx context.Context, job Job) error

	// Dequeue returns at most one message not currently leased elsewhere,
	// with a lease valid for visibilityTimeout. It returns (nil, nil) when
	// no message is available; callers must poll.
	Dequeue(ctx context.Context, visibilityTimeout time.Duration) (*QueueMessage, error)

	// Ack permanently removes the message. Acking twice is a no-op.
	Ack(ctx context.Context, msg *QueueMessage) error

	// Nack releases the lease early so the message is redelivered.
	Nack(ctx context.Context, msg *QueueMessage) error

	// ExtendLease pushes the visibility deadline out by additional.
	ExtendLease(ctx context.Context, msg *QueueMessage, additional time.Duration) error

	// Depth reports the approximate number of outstanding messages.
	Depth(ctx context.Context) (int, error)

	// Close releases any transport resources.
	Close() error
}

// Ledger is the durable job store and per-site status record shared by the
// scheduler and all workers, potentially across machines. Implementations
// must make mutations safe under concurrent writers; in-process memory is
// never authoritative.
type Ledger interface {
	// UpsertSite ensures a status row exists for the site.
	UpsertSite(ctx context.Context, site string) error

	// AddTotalURLs moves the discovered-URL counter forward by n.
	AddTotalURLs(ctx context.Context, site string, n int64) error

	// MarkCrawled inserts (site, url) into the crawled set and increments
	// the crawled counter. It reports whether this call was the first
	// insert, so duplicate deliveries do not double-count.
	MarkCrawled(ctx context.Context, site, url string) (bool, error)

	// IsCrawled reports whether (site, url) completed successfully before.
	IsCrawled(ctx context.Context, site, url string) (bool, error)

	// MarkInFlight records that a job exists for (site, url). It reports
	// false if the URL is already in flight.
	MarkInFlight(ctx context.Context, site, url string) (bool, error)

	// ClearInFlight removes the in-flight marker once a job reaches a
	// terminal state.
	ClearInFlight(ctx context.Context, site, url string) error

	// BufferPending stores URLs discovered while the site was paused.
	BufferPending(ctx context.Context, site string, urls []string) error

	// TakePending removes and returns all buffered URLs for the site.
	TakePending(ctx context.Context, site string) ([]string, error)

	// SetPaused flips the pause flag and returns the new state.
	SetPaused(ctx context.Context, site string, paused bool) error

	// IncAttempts advances the processing-failure counter for (site, url)
	// and returns the new count. Pause and politeness releases never call
	// this, so they cannot push a job toward dead-lettering.
	IncAttempts(ctx context.Context, site, url string) (int, error)

	// RecordDeadLetter appends to the dead-letter log.
	RecordDeadLetter(ctx context.Context, dl DeadLetter) error

	// ListDeadLetters returns the dead-letter log for a site.
	ListDeadLetters(ctx context.Context, site string) ([]DeadLetter, error)

	// GetSite returns the status record for one site.
	GetSite(ctx context.Context, site string) (SiteStatus, error)

	// ListSites returns status records for every known site.
	ListSites(ctx context.Context) ([]SiteStatus, error)

	// RemoveSite deletes the status row, crawled set, in-flight markers,
	// pending buffer, attempts, and dead letters for the site.
	RemoveSite(ctx context.Context, site string) error
}

// PageProcessor fetches a URL and extracts structured records from it.
// Failures are classified transient or permanent via ProcessError.
type PageProcessor interface {
	Process(ctx context.Context, url string) (ExtractedContent, error)
}

// Indexer persists extracted records for later retrieval.
type Indexer interface {
	Index(ctx context.Context, site string, content ExtractedContent) error
	Purge(ctx context.Context, site string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
