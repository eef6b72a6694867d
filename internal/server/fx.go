// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskhub/internal/api"
	"github.com/JakeFAU/taskhub/internal/clock/system"
	"github.com/JakeFAU/taskhub/internal/config"
	"github.com/JakeFAU/taskhub/internal/eventhub"
	"github.com/JakeFAU/taskhub/internal/eventhub/sinks"
	collyfetcher "github.com/JakeFAU/taskhub/internal/fetcher/colly"
	"github.com/JakeFAU/taskhub/internal/fetcher/headless"
	"github.com/JakeFAU/taskhub/internal/fetcher/headless/detector"
	"github.com/JakeFAU/taskhub/internal/hash/sha256"
	"github.com/JakeFAU/taskhub/internal/id/uuid"
	"github.com/JakeFAU/taskhub/internal/logging"
	"github.com/JakeFAU/taskhub/internal/metrics"
	"github.com/JakeFAU/taskhub/internal/operations"
	"github.com/JakeFAU/taskhub/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/taskhub/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/taskhub/internal/publisher/pubsub"
	"github.com/JakeFAU/taskhub/internal/resolver"
	"github.com/JakeFAU/taskhub/internal/retry"
	"github.com/JakeFAU/taskhub/internal/session"
	"github.com/JakeFAU/taskhub/internal/storage"
	gcsstorage "github.com/JakeFAU/taskhub/internal/storage/gcs"
	localstorage "github.com/JakeFAU/taskhub/internal/storage/local"
	memorystorage "github.com/JakeFAU/taskhub/internal/storage/memory"
	pgstore "github.com/JakeFAU/taskhub/internal/storage/postgres"
	"github.com/JakeFAU/taskhub/internal/store"
	"github.com/JakeFAU/taskhub/internal/task"
	"github.com/JakeFAU/taskhub/internal/telemetry"
)

const notificationBacklog = 1000

type closer interface {
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server
	registry  *task.Registry
	ops       *operations.Service
	hub       *eventhub.Hub
	pool      *pgxpool.Pool
	blobs     storage.BlobStore
	history   store.TaskRepository
	snapshots store.SnapshotRepository
	publisher sinks.Publisher
	fetcher   *collyfetcher.Fetcher
	renderer  *headless.Renderer

	cancelTasks    context.CancelFunc
	tracerShutdown telemetry.ShutdownFunc
	closeOnce      sync.Once
}

// ResolveText resolves the links in req.Text synchronously, for one-shot CLI
// use.
func (a *App) ResolveText(ctx context.Context, req operations.Request) ([]resolver.Result, error) {
	results, err := a.ops.ResolveText(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("resolve text: %w", err)
	}
	return results, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run serves HTTP until ctx ends or SIGINT/SIGTERM arrives, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event streams never end on their own; this context releases them on shutdown.
	streamCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return streamCtx },
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	cancelStreams()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close cancels running tasks, waits for them to record their terminal
// state, then flushes sinks and releases infrastructure. Later calls are
// no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.cancelTasks != nil {
			a.cancelTasks()
		}
		if a.registry != nil {
			if err := a.registry.Wait(ctx); err != nil {
				a.logger.Warn("tasks still running at shutdown", zap.Error(err))
			}
		}
		a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if c, ok := a.publisher.(closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if c, ok := a.blobs.(closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("blob store close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.fetcher != nil {
		a.fetcher.CloseIdleConnections()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on non-file sinks such as stderr on some platforms.
	_ = a.logger.Sync()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("database", cfg.Database.DSN != ""),
		zap.Bool("eventhub", cfg.EventHub.Enabled),
	)
	app := &App{cfg: cfg, logger: logger}

	_, app.tracerShutdown, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	metrics.Init()

	if err = app.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err = app.setupDatabase(ctx); err != nil {
		return nil, err
	}
	if err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err = app.setupEventHub(ctx); err != nil {
		return nil, err
	}
	app.setupRegistry(ctx)
	if err = app.setupOperations(); err != nil {
		return nil, err
	}

	var ready func(context.Context) error
	if app.pool != nil {
		ready = app.pool.Ping
	}
	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(api.Config{
		Registry:   app.registry,
		Operations: app.ops,
		History:    app.history,
		APIKey:     apiKey,
		Heartbeat:  cfg.Heartbeat(),
		Ready:      ready,
		Logger:     logger.Named("api"),
	})
	return app, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		a.blobs, err = gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	default:
		a.logger.Info("using in-memory storage backend")
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

// setupDatabase opens one pool shared by the history and snapshot stores.
// Without a DSN, history falls back to an in-memory store when the event hub
// is enabled, since the hub is what feeds it.
func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		if a.cfg.EventHub.Enabled {
			a.logger.Warn("no database DSN configured, keeping task history in memory")
			mem := memorystorage.NewTaskStore()
			a.history = mem
			a.snapshots = mem
		} else {
			a.logger.Warn("no database DSN configured and event hub disabled, task history unavailable")
		}
		return nil
	}
	var err error
	a.pool, err = pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.Database.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	a.history, err = pgstore.NewTaskStoreWithPool(a.pool, a.cfg.Database.Table)
	if err != nil {
		return fmt.Errorf("task store init failed: %w", err)
	}
	a.snapshots, err = pgstore.NewSnapshotStoreWithPool(a.pool, a.cfg.Database.SnapshotTable)
	if err != nil {
		return fmt.Errorf("snapshot store init failed: %w", err)
	}
	a.logger.Info("task history store initialized",
		zap.String("table", a.cfg.Database.Table),
		zap.String("snapshot_table", a.cfg.Database.SnapshotTable),
	)
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New(notificationBacklog)
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupEventHub(ctx context.Context) error {
	if !a.cfg.EventHub.Enabled {
		a.logger.Info("event hub disabled")
		return nil
	}
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []eventhub.Sink{promSink, sinks.NewNotifySink(a.publisher, a.logger.Named("notify_sink"))}
	if a.history != nil {
		sinkList = append(sinkList, sinks.NewStoreSink(a.history, a.logger.Named("store_sink")))
	}
	if a.cfg.EventHub.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("task_events")))
	}
	hubCfg := eventhub.Config{
		BufferSize:     a.cfg.EventHub.BufferSize,
		MaxBatchEvents: a.cfg.EventHub.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(a.cfg.EventHub.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.EventHub.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    ctx,
		Logger:         a.logger.Named("eventhub"),
	}
	a.hub = eventhub.NewHub(hubCfg, sinkList...)
	a.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

func (a *App) setupRegistry(ctx context.Context) {
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancelTasks = cancel
	cfg := task.Config{
		LogCapacity:      a.cfg.Registry.LogCapacity,
		SubscriberBuffer: a.cfg.Registry.SubscriberBuffer,
		ProgressThrottle: a.cfg.ProgressThrottle(),
		BaseContext:      base,
		Clock:            system.New(),
		IDs:              uuid.New(),
		Logger:           a.logger.Named("registry"),
	}
	if a.hub != nil {
		cfg.Observer = a.hub
	}
	a.registry = task.NewRegistry(cfg)
}

func (a *App) setupOperations() error {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Resolver.HostRPS,
		DefaultBurst: a.cfg.Resolver.HostBurst,
	})
	a.fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:          a.cfg.Resolver.UserAgent,
		Timeout:            a.cfg.FetchTimeout(),
		InsecureSkipVerify: a.cfg.Resolver.InsecureSkipVerify,
		Limiter:            limiter,
	})
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", a.cfg.Resolver.UserAgent),
		zap.Float64("host_rps", a.cfg.Resolver.HostRPS),
	)

	resolverCfg := resolver.Config{
		Fetcher:    a.fetcher,
		ShortHosts: a.cfg.Resolver.ShortHosts,
		Delay:      a.cfg.ResolverDelay(),
		Logger:     a.logger.Named("resolver"),
	}
	if a.cfg.Headless.Enabled {
		renderer, err := headless.NewChromedp(headless.Config{
			MaxParallel:        a.cfg.Headless.MaxParallel,
			UserAgent:          a.cfg.Resolver.UserAgent,
			NavigationTimeout:  time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
			InsecureSkipVerify: a.cfg.Resolver.InsecureSkipVerify,
		})
		if err != nil {
			return fmt.Errorf("headless renderer init failed: %w", err)
		}
		a.renderer = renderer
		resolverCfg.Renderer = renderer
		a.logger.Info("using headless renderer", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	} else {
		resolverCfg.Renderer = headless.NewNoop()
	}

	policy := retry.NewPolicy(retry.Config{
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(a.cfg.Retry.BackoffInitialMs) * time.Millisecond,
		MaxDelay:    time.Duration(a.cfg.Retry.BackoffMaxMs) * time.Millisecond,
		Logger:      a.logger.Named("retry"),
	})
	resolverCfg.Retry = policy

	opsCfg := operations.Config{
		Resolver:   resolver.New(resolverCfg),
		Fetcher:    a.fetcher,
		Retry:      policy,
		Locker:     session.NewLocker(a.cfg.Session.PerCredential),
		Blobs:      a.blobs,
		Snapshots:  a.snapshots,
		Hasher:     sha256.New(),
		IDs:        uuid.New(),
		BlobPrefix: a.cfg.Storage.Prefix,
		Logger:     a.logger.Named("operations"),
	}
	if a.renderer != nil {
		opsCfg.Renderer = a.renderer
		opsCfg.Detector = detector.NewHeuristic(a.cfg.Headless.PromotionThresholdBytes)
	}
	a.ops = operations.New(opsCfg)
	return nil
}
