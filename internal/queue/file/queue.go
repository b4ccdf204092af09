// Package file implements a durable queue on the local filesystem.
//
// Each pending job is one JSON envelope file written atomically (temp file
// plus rename). A lease is taken by renaming the envelope to a companion
// ".leased" file carrying the lease deadline; the rename is the atomic claim,
// so concurrent consumers (including separate processes sharing the
// directory) never dequeue the same job. Envelopes whose lease deadline has
// passed are returned to the pending set on the next dequeue scan, which is
// how a crashed consumer's work gets redelivered.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/schema-crawler/internal/crawler"
)

const (
	pendingSuffix = ".json"
	leasedSuffix  = ".json.leased"
	jobPrefix     = "job-"
)

type envelope struct {
	Job           crawler.Job `json:"job"`
	DeliveryCount int         `json:"delivery_count"`
	EnqueuedAt    time.Time   `json:"enqueued_at"`
	LeaseDeadline time.Time   `json:"lease_deadline"`
}

// Queue is a filesystem-backed crawler.Queue.
type Queue struct {
	dir   string
	clock crawler.Clock

	// Serializes directory scans within one process; cross-process safety
	// comes from rename atomicity.
	mu sync.Mutex
}

// New creates the queue directory if needed and returns a Queue.
func New(dir string, clock crawler.Clock) (*Queue, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("queue directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	return &Queue{dir: dir, clock: clock}, nil
}

// Enqueue writes the job envelope. Re-enqueueing a job ID that is already
// pending or leased is a no-op.
func (q *Queue) Enqueue(_ context.Context, job crawler.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	final := q.pendingPath(job.ID)
	for _, existing := range []string{final, q.leasedPath(job.ID)} {
		if _, err := os.Stat(existing); err == nil {
			return nil
		}
	}

	env := envelope{Job: job, EnqueuedAt: q.clock.Now()}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	tmp := filepath.Join(q.dir, ".tmp-"+job.ID)
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: write envelope: %v", crawler.ErrQueueUnavailable, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("%w: commit envelope: %v", crawler.ErrQueueUnavailable, err)
	}
	return nil
}

// Dequeue reclaims expired leases, then claims the oldest pending envelope.
// It returns (nil, nil) when the directory holds no claimable work.
func (q *Queue) Dequeue(_ context.Context, visibilityTimeout time.Duration) (*crawler.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.listJobFiles()
	if err != nil {
		return nil, err
	}
	q.reclaimExpired(names)

	names, err = q.listJobFiles()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if !strings.HasSuffix(name, pendingSuffix) || strings.HasSuffix(name, leasedSuffix) {
			continue
		}
		pending := filepath.Join(q.dir, name)
		leased := pending + ".leased"

		// Atomic claim; a concurrent consumer losing the race just moves on.
		if err := os.Rename(pending, leased); err != nil {
			continue
		}
		env, err := readEnvelope(leased)
		if err != nil {
			// Unreadable envelope: leave it leased so it ages out via
			// the expiry scan rather than hot-looping.
			continue
		}
		env.DeliveryCount++
		env.LeaseDeadline = q.clock.Now().Add(visibilityTimeout)
		if err := writeEnvelope(leased, env); err != nil {
			return nil, fmt.Errorf("%w: record lease: %v", crawler.ErrQueueUnavailable, err)
		}
		return &crawler.QueueMessage{
			Job:           env.Job,
			Receipt:       leased,
			DeliveryCount: env.DeliveryCount,
			EnqueuedAt:    env.EnqueuedAt,
		}, nil
	}
	return nil, nil
}

// Ack removes the leased envelope. A missing file means the message was
// already acked or its lease expired and was reclaimed; both are ignorable.
func (q *Queue) Ack(_ context.Context, msg *crawler.QueueMessage) error {
	leased, err := receiptPath(msg)
	if err != nil {
		return err
	}
	if err := os.Remove(leased); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove envelope: %v", crawler.ErrQueueUnavailable, err)
	}
	return nil
}

// Nack returns the envelope to the pending set immediately.
func (q *Queue) Nack(_ context.Context, msg *crawler.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	leased, err := receiptPath(msg)
	if err != nil {
		return err
	}
	pending := strings.TrimSuffix(leased, ".leased")
	if err := os.Rename(leased, pending); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: release lease: %v", crawler.ErrQueueUnavailable, err)
	}
	return nil
}

// ExtendLease rewrites the lease deadline for a long-running job.
func (q *Queue) ExtendLease(_ context.Context, msg *crawler.QueueMessage, additional time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	leased, err := receiptPath(msg)
	if err != nil {
		return err
	}
	env, err := readEnvelope(leased)
	if err != nil {
		return fmt.Errorf("%w: read lease: %v", crawler.ErrQueueUnavailable, err)
	}
	env.LeaseDeadline = env.LeaseDeadline.Add(additional)
	if err := writeEnvelope(leased, env); err != nil {
		return fmt.Errorf("%w: extend lease: %v", crawler.ErrQueueUnavailable, err)
	}
	return nil
}

// Depth counts pending plus leased envelopes.
func (q *Queue) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.listJobFiles()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Close is a no-op; the directory needs no teardown.
func (q *Queue) Close() error { return nil }

func (q *Queue) pendingPath(jobID string) string {
	return filepath.Join(q.dir, jobPrefix+jobID+pendingSuffix)
}

func (q *Queue) leasedPath(jobID string) string {
	return filepath.Join(q.dir, jobPrefix+jobID+leasedSuffix)
}

func (q *Queue) listJobFiles() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: scan queue directory: %v", crawler.ErrQueueUnavailable, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), jobPrefix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (q *Queue) reclaimExpired(names []string) {
	now := q.clock.Now()
	for _, name := range names {
		if !strings.HasSuffix(name, leasedSuffix) {
			continue
		}
		leased := filepath.Join(q.dir, name)
		env, err := readEnvelope(leased)
		if err != nil || env.LeaseDeadline.After(now) {
			continue
		}
		// Best-effort: if the rename races an ack, the envelope is gone
		// and there is nothing to reclaim.
		_ = os.Rename(leased, strings.TrimSuffix(leased, ".leased"))
	}
}

func receiptPath(msg *crawler.QueueMessage) (string, error) {
	path, ok := msg.Receipt.(string)
	if !ok || path == "" {
		return "", errors.New("message receipt is not a file queue lease")
	}
	return path, nil
}

func readEnvelope(path string) (envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope %s: %w", filepath.Base(path), err)
	}
	return env, nil
}

func writeEnvelope(path string, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
