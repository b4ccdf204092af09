// Package app initializes and holds long-lived application services, acting
// as the dependency injection container for the crawler service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/schema-crawler/internal/api"
	"github.com/JakeFAU/schema-crawler/internal/clock/system"
	"github.com/JakeFAU/schema-crawler/internal/config"
	"github.com/JakeFAU/schema-crawler/internal/crawler"
	"github.com/JakeFAU/schema-crawler/internal/discovery"
	"github.com/JakeFAU/schema-crawler/internal/id/uuid"
	"github.com/JakeFAU/schema-crawler/internal/indexer"
	"github.com/JakeFAU/schema-crawler/internal/logging"
	"github.com/JakeFAU/schema-crawler/internal/processor"
	memorypublisher "github.com/JakeFAU/schema-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/schema-crawler/internal/publisher/pubsub"
	filequeue "github.com/JakeFAU/schema-crawler/internal/queue/file"
	gcsqueue "github.com/JakeFAU/schema-crawler/internal/queue/gcs"
	memoryqueue "github.com/JakeFAU/schema-crawler/internal/queue/memory"
	natsqueue "github.com/JakeFAU/schema-crawler/internal/queue/nats"
	"github.com/JakeFAU/schema-crawler/internal/scheduler"
	gcsstorage "github.com/JakeFAU/schema-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/schema-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/schema-crawler/internal/storage/memory"
	memorystore "github.com/JakeFAU/schema-crawler/internal/store/memory"
	pgstore "github.com/JakeFAU/schema-crawler/internal/store/postgres"
	redisstore "github.com/JakeFAU/schema-crawler/internal/store/redis"
	"github.com/JakeFAU/schema-crawler/internal/telemetry"
	"github.com/JakeFAU/schema-crawler/internal/worker"
)

const depthPollInterval = 15 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	queue     crawler.Queue
	ledger    crawler.Ledger
	scheduler *scheduler.Scheduler
	pool      *worker.Pool
	rescanner *discovery.Rescanner
	apiServer *api.Server

	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	pubPublisher *gcppublisher.Publisher
	pgLedger     *pgstore.Ledger
	redisLedger  *redisstore.Ledger
}

// Build creates the application's dependencies from configuration.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a := &App{cfg: cfg, logger: logger}
	clock := system.New()

	if err := a.setupQueue(ctx, clock); err != nil {
		return nil, err
	}
	if err := a.setupLedger(ctx, clock); err != nil {
		return nil, err
	}
	blobs, err := a.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	idx := indexer.New(blobs, publisher, clock, indexer.Config{
		BlobPrefix: cfg.Indexer.Prefix,
		Topic:      cfg.Indexer.PubSub.Topic,
	}, logger.Named("indexer"))

	a.scheduler = scheduler.New(
		a.queue,
		a.ledger,
		idx,
		uuid.NewUUIDGenerator(),
		clock,
		scheduler.Config{DrainVisibility: cfg.Worker.VisibilityTimeout()},
		logger.Named("scheduler"),
	)

	proc := processor.New(processor.Config{
		UserAgent:     cfg.Processor.UserAgent,
		Timeout:       cfg.Processor.Timeout(),
		MaxBodyBytes:  int64(cfg.Processor.MaxBodyBytes),
		RespectRobots: cfg.Processor.RespectRobots,
	}, logger.Named("processor"))

	a.pool = worker.New(a.queue, a.ledger, proc, idx, clock, worker.Config{
		Concurrency:       cfg.Worker.Concurrency,
		PolitenessDelay:   cfg.Worker.PolitenessDelay(),
		VisibilityTimeout: cfg.Worker.VisibilityTimeout(),
		MaxAttempts:       cfg.Worker.MaxAttempts,
		PollInterval:      cfg.Worker.PollInterval(),
	}, logger.Named("worker"))

	disc := discovery.New(discovery.Config{
		UserAgent: cfg.Discovery.UserAgent,
		Timeout:   cfg.Discovery.Timeout(),
	}, logger.Named("discovery"))
	a.rescanner = discovery.NewRescanner(
		disc,
		a.ledger,
		a.scheduler,
		cfg.Discovery.RescanInterval(),
		logger.Named("rescan"),
	)

	a.apiServer = api.NewServer(a.scheduler, a.ledger, a.queue, disc, cfg, logger.Named("api"))
	return a, nil
}

// Run starts the worker pool, rescanner, and HTTP server, blocking until the
// context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("worker pool started", zap.Int("concurrency", a.cfg.Worker.Concurrency))
		a.pool.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.rescanner.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.pollQueueDepth(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	wg.Wait()
	return a.Close()
}

// Close releases transport and store resources.
func (a *App) Close() error {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.pubPublisher != nil {
		a.pubPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgLedger != nil {
		a.pgLedger.Close()
	}
	if a.redisLedger != nil {
		if err := a.redisLedger.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return nil
}

func (a *App) pollQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(depthPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := a.queue.Depth(ctx)
			if err != nil {
				a.logger.Warn("queue depth poll failed", zap.Error(err))
				continue
			}
			telemetry.SetQueueDepth(depth)
		}
	}
}

func (a *App) setupQueue(ctx context.Context, clock crawler.Clock) error {
	switch a.cfg.Queue.Backend {
	case "file":
		a.logger.Info("using file queue backend", zap.String("dir", a.cfg.Queue.File.Dir))
		q, err := filequeue.New(a.cfg.Queue.File.Dir, clock)
		if err != nil {
			return fmt.Errorf("file queue init failed: %w", err)
		}
		a.queue = q
	case "nats":
		a.logger.Info("using nats queue backend", zap.String("url", a.cfg.Queue.NATS.URL))
		q, err := natsqueue.New(ctx, natsqueue.Config{
			URL:      a.cfg.Queue.NATS.URL,
			Stream:   a.cfg.Queue.NATS.Stream,
			Subject:  a.cfg.Queue.NATS.Subject,
			Consumer: a.cfg.Queue.NATS.Consumer,
			Username: a.cfg.Queue.NATS.Username,
			Password: a.cfg.Queue.NATS.Password,
		}, a.logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("nats queue init failed: %w", err)
		}
		a.queue = q
	case "gcs":
		a.logger.Info("using gcs queue backend", zap.String("bucket", a.cfg.Queue.GCS.Bucket))
		client, err := a.storageClient(ctx)
		if err != nil {
			return err
		}
		q, err := gcsqueue.New(client, gcsqueue.Config{
			Bucket: a.cfg.Queue.GCS.Bucket,
			Prefix: a.cfg.Queue.GCS.Prefix,
		}, clock)
		if err != nil {
			return fmt.Errorf("gcs queue init failed: %w", err)
		}
		a.queue = q
	default:
		a.logger.Info("using in-memory queue backend")
		a.queue = memoryqueue.New(clock)
	}
	return nil
}

func (a *App) setupLedger(ctx context.Context, clock crawler.Clock) error {
	switch a.cfg.Store.Backend {
	case "postgres":
		a.logger.Info("using postgres ledger backend")
		ledger, err := pgstore.NewLedger(ctx, a.cfg.Store.Postgres.DSN, clock)
		if err != nil {
			return fmt.Errorf("postgres ledger init failed: %w", err)
		}
		if err := ledger.EnsureSchema(ctx); err != nil {
			ledger.Close()
			return fmt.Errorf("postgres schema init failed: %w", err)
		}
		a.pgLedger = ledger
		a.ledger = ledger
	case "redis":
		a.logger.Info("using redis ledger backend", zap.String("addr", a.cfg.Store.Redis.Addr))
		ledger := redisstore.NewLedger(
			a.cfg.Store.Redis.Addr,
			a.cfg.Store.Redis.Password,
			a.cfg.Store.Redis.DB,
			a.cfg.Store.Redis.Prefix,
			clock,
		)
		a.redisLedger = ledger
		a.ledger = ledger
	default:
		a.logger.Info("using in-memory ledger backend")
		a.ledger = memorystore.NewLedger(clock)
	}
	return nil
}

func (a *App) setupBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Indexer.Blob.Backend {
	case "gcs":
		a.logger.Info("using gcs blob backend", zap.String("bucket", a.cfg.Indexer.Blob.Bucket))
		client, err := a.storageClient(ctx)
		if err != nil {
			return nil, err
		}
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Indexer.Blob.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		a.logger.Info("using local blob backend", zap.String("dir", a.cfg.Indexer.Blob.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Indexer.Blob.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Info("using in-memory blob backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.Indexer.PubSub.Topic == "" || a.cfg.Indexer.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.Indexer.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	publisher, err := gcppublisher.New(client)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubPublisher = publisher
	a.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", a.cfg.Indexer.PubSub.ProjectID),
		zap.String("topic", a.cfg.Indexer.PubSub.Topic),
	)
	return publisher, nil
}

func (a *App) storageClient(ctx context.Context) (*storage.Client, error) {
	if a.gcsClient != nil {
		return a.gcsClient, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	a.gcsClient = client
	return client, nil
}
