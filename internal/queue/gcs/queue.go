// Package gcs implements the crawl job queue on a Google Cloud Storage
// bucket. GCS has no native queue primitive, so leases are simulated with
// companion lock objects: a job is one JSON object under pending/, and a
// consumer claims it by creating leases/<name> with a does-not-exist
// precondition. The conditional create is the atomic claim; an expired lock
// is deleted generation-matched before a fresh claim, which is how crashed
// consumers' jobs are redelivered.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/schema-crawler/internal/crawler"
)

// Config captures the parameters required to use a bucket as a queue.
type Config struct {
	Bucket string
	Prefix string
}

// Queue is an object-storage-backed crawler.Queue.
type Queue struct {
	client *storage.Client
	bucket string
	prefix string
	clock  crawler.Clock
}

type envelope struct {
	Job           crawler.Job `json:"job"`
	DeliveryCount int         `json:"delivery_count"`
	EnqueuedAt    time.Time   `json:"enqueued_at"`
}

type lease struct {
	Deadline time.Time `json:"deadline"`
}

type receipt struct {
	pendingName string
	leaseName   string
}

// New wraps an existing storage client as a queue.
func New(client *storage.Client, cfg Config, clock crawler.Clock) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "queue"
	}
	return &Queue{client: client, bucket: cfg.Bucket, prefix: prefix, clock: clock}, nil
}

// Enqueue writes the job object. The object name is derived from the job ID,
// so re-enqueueing the same job overwrites the same object harmlessly.
func (q *Queue) Enqueue(ctx context.Context, job crawler.Job) error {
	env := envelope{Job: job, EnqueuedAt: q.clock.Now()}
	if err := q.writeJSON(ctx, q.pendingName(job.ID), env, nil); err != nil {
		return fmt.Errorf("%w: write job object: %v", crawler.ErrQueueUnavailable, err)
	}
	return nil
}

// Dequeue scans pending objects and claims the first one whose lock object
// is absent or expired.
func (q *Queue) Dequeue(ctx context.Context, visibilityTimeout time.Duration) (*crawler.QueueMessage, error) {
	it := q.client.Bucket(q.bucket).Objects(ctx, &storage.Query{Prefix: q.prefix + "/pending/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: list pending objects: %v", crawler.ErrQueueUnavailable, err)
		}

		leaseName := q.leaseNameFor(attrs.Name)
		if !q.clearStaleLease(ctx, leaseName) {
			continue
		}
		// Atomic claim: the lock object must not exist.
		deadline := q.clock.Now().Add(visibilityTimeout)
		if err := q.writeJSON(ctx, leaseName, lease{Deadline: deadline}, &storage.Conditions{DoesNotExist: true}); err != nil {
			if isPreconditionFailed(err) {
				continue
			}
			return nil, fmt.Errorf("%w: create lease object: %v", crawler.ErrQueueUnavailable, err)
		}

		var env envelope
		if err := q.readJSON(ctx, attrs.Name, &env); err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				// Acked between listing and claim; drop the stray lock.
				_ = q.client.Bucket(q.bucket).Object(leaseName).Delete(ctx)
				continue
			}
			return nil, fmt.Errorf("%w: read job object: %v", crawler.ErrQueueUnavailable, err)
		}
		env.DeliveryCount++
		if err := q.writeJSON(ctx, attrs.Name, env, nil); err != nil {
			return nil, fmt.Errorf("%w: record delivery: %v", crawler.ErrQueueUnavailable, err)
		}
		return &crawler.QueueMessage{
			Job:           env.Job,
			Receipt:       receipt{pendingName: attrs.Name, leaseName: leaseName},
			DeliveryCount: env.DeliveryCount,
			EnqueuedAt:    env.EnqueuedAt,
		}, nil
	}
}

// Ack deletes the job object and its lock.
func (q *Queue) Ack(ctx context.Context, msg *crawler.QueueMessage) error {
	r, err := receiptOf(msg)
	if err != nil {
		return err
	}
	for _, name := range []string{r.pendingName, r.leaseName} {
		if err := q.client.Bucket(q.bucket).Object(name).Delete(ctx); err != nil &&
			!errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%w: delete %s: %v", crawler.ErrQueueUnavailable, name, err)
		}
	}
	return nil
}

// Nack deletes only the lock object, making the job claimable again.
func (q *Queue) Nack(ctx context.Context, msg *crawler.QueueMessage) error {
	r, err := receiptOf(msg)
	if err != nil {
		return err
	}
	if err := q.client.Bucket(q.bucket).Object(r.leaseName).Delete(ctx); err != nil &&
		!errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: release lease: %v", crawler.ErrQueueUnavailable, err)
	}
	return nil
}

// ExtendLease rewrites the lock object with a later deadline.
func (q *Queue) ExtendLease(ctx context.Context, msg *crawler.QueueMessage, additional time.Duration) error {
	r, err := receiptOf(msg)
	if err != nil {
		return err
	}
	var current lease
	if err := q.readJSON(ctx, r.leaseName, &current); err != nil {
		return fmt.Errorf("%w: read lease: %v", crawler.ErrQueueUnavailable, err)
	}
	current.Deadline = current.Deadline.Add(additional)
	if err := q.writeJSON(ctx, r.leaseName, current, nil); err != nil {
		return fmt.Errorf("%w: extend lease: %v", crawler.ErrQueueUnavailable, err)
	}
	return nil
}

// Depth counts pending job objects, leased or not.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	it := q.client.Bucket(q.bucket).Objects(ctx, &storage.Query{Prefix: q.prefix + "/pending/"})
	count := 0
	for {
		_, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return count, nil
		}
		if err != nil {
			return 0, fmt.Errorf("%w: list pending objects: %v", crawler.ErrQueueUnavailable, err)
		}
		count++
	}
}

// Close closes the underlying storage client.
func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}

// clearStaleLease reports whether the named lock is now absent. A live lock
// returns false; an expired one is deleted generation-matched so two
// consumers cannot both reclaim it.
func (q *Queue) clearStaleLease(ctx context.Context, leaseName string) bool {
	obj := q.client.Bucket(q.bucket).Object(leaseName)
	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return true
	}
	if err != nil {
		return false
	}
	var current lease
	if err := q.readJSON(ctx, leaseName, &current); err == nil && current.Deadline.After(q.clock.Now()) {
		return false
	}
	return obj.If(storage.Conditions{GenerationMatch: attrs.Generation}).Delete(ctx) == nil
}

func (q *Queue) pendingName(jobID string) string {
	return path.Join(q.prefix, "pending", "job-"+jobID+".json")
}

func (q *Queue) leaseNameFor(pendingName string) string {
	return path.Join(q.prefix, "leases", path.Base(pendingName))
}

func (q *Queue) writeJSON(ctx context.Context, name string, v any, cond *storage.Conditions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	obj := q.client.Bucket(q.bucket).Object(name)
	if cond != nil {
		obj = obj.If(*cond)
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (q *Queue) readJSON(ctx context.Context, name string, v any) error {
	r, err := q.client.Bucket(q.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func receiptOf(msg *crawler.QueueMessage) (receipt, error) {
	r, ok := msg.Receipt.(receipt)
	if !ok {
		return receipt{}, errors.New("message receipt is not an object-storage lease")
	}
	return r, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
