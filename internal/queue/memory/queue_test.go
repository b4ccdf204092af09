package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/schema-crawler/internal/crawler"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func job(id string) crawler.Job {
	return crawler.Job{ID: id, Site: "example.com", URL: "https://example.com/" + id}
}

func TestQueueLeaseLifecycle(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	q := New(clock)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job("a")))

	msg, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, "a", msg.Job.ID)
	require.Equal(t, 1, msg.DeliveryCount)

	other, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.Nil(t, other)

	require.NoError(t, q.Ack(ctx, msg))
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestQueueEnqueueIdempotent(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	q := New(clock)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job("a")))
	require.NoError(t, q.Enqueue(ctx, job("a")))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestQueueNackRedelivers(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	q := New(clock)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job("a")))

	msg, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, q.Nack(ctx, msg))

	again, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, "a", again.Job.ID)
	require.Equal(t, 2, again.DeliveryCount)
}

func TestQueueLeaseExpiryRedelivers(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	q := New(clock)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job("a")))

	msg, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)

	clock.Advance(30 * time.Second)
	hidden, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.Nil(t, hidden)

	clock.Advance(time.Minute)
	again, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, 2, again.DeliveryCount)
}

func TestQueueExtendLease(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	q := New(clock)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job("a")))
	msg, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, q.ExtendLease(ctx, msg, time.Minute))

	clock.Advance(90 * time.Second)
	hidden, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.Nil(t, hidden)
}

func TestQueueOrderIsFIFO(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	q := New(clock)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, job(id)))
	}

	for _, want := range []string{"a", "b", "c"} {
		msg, err := q.Dequeue(ctx, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, msg)
		require.Equal(t, want, msg.Job.ID)
		require.NoError(t, q.Ack(ctx, msg))
	}
}

func TestQueueClosed(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	q := New(clock)
	require.NoError(t, q.Close())

	err := q.Enqueue(context.Background(), job("a"))
	require.ErrorIs(t, err, crawler.ErrQueueUnavailable)
}
