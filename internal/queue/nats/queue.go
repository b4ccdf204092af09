// Package nats implements the crawl job queue on a NATS JetStream
// work-queue stream. JetStream's explicit-ack consumer gives the lease
// contract directly: AckWait is the visibility timeout, Nak releases a lease
// early, and InProgress pushes the ack deadline out for long jobs.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/JakeFAU/schema-crawler/internal/crawler"
)

// Config captures the parameters required to connect to JetStream.
type Config struct {
	URL      string
	Stream   string
	Subject  string
	Consumer string
	// FetchWait bounds how long one Dequeue call waits for a message.
	FetchWait time.Duration
	Username  string
	Password  string
}

// Queue is a JetStream-backed crawler.Queue.
type Queue struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	cfg    Config
	logger *zap.Logger

	// mu guards the lazily provisioned consumer; Dequeue runs on every
	// worker goroutine concurrently.
	mu       sync.Mutex
	consumer jetstream.Consumer
	ackWait  time.Duration
}

// New connects to NATS and provisions the work-queue stream.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.Stream == "" || cfg.Subject == "" {
		return nil, fmt.Errorf("nats stream and subject are required")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "crawl-workers"
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", zap.String("server", nc.ConnectedUrl()))
		}),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to NATS: %v", crawler.ErrQueueUnavailable, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: provision stream %s: %v", crawler.ErrQueueUnavailable, cfg.Stream, err)
	}

	return &Queue{conn: conn, js: js, stream: stream, cfg: cfg, logger: logger}, nil
}

// Enqueue publishes the job with its ID as the dedupe message ID, so a
// second enqueue of the same job inside the stream's duplicate window is
// dropped by the server.
func (q *Queue) Enqueue(ctx context.Context, job crawler.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := q.js.Publish(ctx, q.cfg.Subject, data, jetstream.WithMsgID(job.ID)); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", crawler.ErrQueueUnavailable, q.cfg.Subject, err)
	}
	return nil
}

// Dequeue fetches at most one message, leasing it for visibilityTimeout.
func (q *Queue) Dequeue(ctx context.Context, visibilityTimeout time.Duration) (*crawler.QueueMessage, error) {
	consumer, err := q.ensureConsumer(ctx, visibilityTimeout)
	if err != nil {
		return nil, err
	}

	batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(q.cfg.FetchWait))
	if err != nil {
		return nil, fmt.Errorf("%w: fetch: %v", crawler.ErrQueueUnavailable, err)
	}
	for msg := range batch.Messages() {
		var job crawler.Job
		if err := json.Unmarshal(msg.Data(), &job); err != nil {
			// Malformed payloads are unrecoverable; drop them.
			q.logger.Warn("dropping undecodable queue message", zap.Error(err))
			if termErr := msg.Term(); termErr != nil {
				q.logger.Warn("terminate malformed message", zap.Error(termErr))
			}
			continue
		}
		out := &crawler.QueueMessage{Job: job, Receipt: msg}
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			out.DeliveryCount = int(meta.NumDelivered)
			out.EnqueuedAt = meta.Timestamp
		}
		return out, nil
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return nil, fmt.Errorf("%w: fetch batch: %v", crawler.ErrQueueUnavailable, err)
	}
	return nil, nil
}

// Ack removes the message from the work queue.
func (q *Queue) Ack(_ context.Context, msg *crawler.QueueMessage) error {
	m, err := receipt(msg)
	if err != nil {
		return err
	}
	if err := m.Ack(); err != nil {
		if errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
			return nil
		}
		return fmt.Errorf("%w: ack: %v", crawler.ErrQueueUnavailable, err)
	}
	return nil
}

// Nack makes the message immediately redeliverable.
func (q *Queue) Nack(_ context.Context, msg *crawler.QueueMessage) error {
	m, err := receipt(msg)
	if err != nil {
		return err
	}
	if err := m.Nak(); err != nil {
		return fmt.Errorf("%w: nack: %v", crawler.ErrQueueUnavailable, err)
	}
	return nil
}

// ExtendLease resets the ack deadline to a full AckWait window. JetStream
// does not take an arbitrary extension, so the additional duration is
// satisfied as long as it does not exceed the configured visibility timeout.
func (q *Queue) ExtendLease(_ context.Context, msg *crawler.QueueMessage, _ time.Duration) error {
	m, err := receipt(msg)
	if err != nil {
		return err
	}
	if err := m.InProgress(); err != nil {
		return fmt.Errorf("%w: extend lease: %v", crawler.ErrQueueUnavailable, err)
	}
	return nil
}

// Depth reports the stream's message count.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	info, err := q.stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: stream info: %v", crawler.ErrQueueUnavailable, err)
	}
	return int(info.State.Msgs), nil
}

// Close drains the connection so in-flight acks are flushed.
func (q *Queue) Close() error {
	if q.conn != nil && q.conn.IsConnected() {
		if err := q.conn.Drain(); err != nil {
			return fmt.Errorf("drain NATS connection: %w", err)
		}
	}
	return nil
}

func (q *Queue) ensureConsumer(ctx context.Context, ackWait time.Duration) (jetstream.Consumer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumer != nil && q.ackWait == ackWait {
		return q.consumer, nil
	}
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, jetstream.ConsumerConfig{
		Durable:   q.cfg.Consumer,
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   ackWait,
		// Redelivery is unbounded here; dead-lettering is decided by the
		// worker from the ledger's attempt counter.
		MaxDeliver: -1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: provision consumer %s: %v", crawler.ErrQueueUnavailable, q.cfg.Consumer, err)
	}
	q.consumer = consumer
	q.ackWait = ackWait
	return consumer, nil
}

func receipt(msg *crawler.QueueMessage) (jetstream.Msg, error) {
	m, ok := msg.Receipt.(jetstream.Msg)
	if !ok {
		return nil, errors.New("message receipt is not a JetStream message")
	}
	return m, nil
}
