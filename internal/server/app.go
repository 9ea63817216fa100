// Package server assembles the application from its subsystems.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/linksentry/linksentry/internal/api"
	"github.com/linksentry/linksentry/internal/checker"
	"github.com/linksentry/linksentry/internal/clock/system"
	"github.com/linksentry/linksentry/internal/config"
	"github.com/linksentry/linksentry/internal/dispatcher"
	"github.com/linksentry/linksentry/internal/export"
	"github.com/linksentry/linksentry/internal/hash/sha256"
	"github.com/linksentry/linksentry/internal/id/uuid"
	"github.com/linksentry/linksentry/internal/linkcheck"
	"github.com/linksentry/linksentry/internal/metrics"
	"github.com/linksentry/linksentry/internal/progress"
	"github.com/linksentry/linksentry/internal/progress/sinks"
	memorypublisher "github.com/linksentry/linksentry/internal/publisher/memory"
	gcppublisher "github.com/linksentry/linksentry/internal/publisher/pubsub"
	"github.com/linksentry/linksentry/internal/queue"
	"github.com/linksentry/linksentry/internal/session"
	"github.com/linksentry/linksentry/internal/storage/gcs"
	"github.com/linksentry/linksentry/internal/storage/local"
	memorystorage "github.com/linksentry/linksentry/internal/storage/memory"
	"github.com/linksentry/linksentry/internal/storage/postgres"
	"github.com/linksentry/linksentry/internal/task"
	"github.com/linksentry/linksentry/internal/worker"
)

// App holds the assembled application.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	hub       *progress.Hub
	jobs      *queue.Memory
	sessions  *session.Pool

	pubsubClient *gcppubsub.Client
	gcsClient    *gcsclient.Client
	pgPool       *pgxpool.Pool
}

// Build wires every subsystem according to cfg and returns a runnable App.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	clk := system.New()
	ids := uuid.NewGenerator()
	hasher := sha256.New()

	a := &App{cfg: cfg, logger: logger}

	tasks, links, err := a.buildStores(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := a.buildBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}

	pool, err := session.NewPool(session.Config{
		Capacity:         cfg.Session.PoolCapacity,
		NavTimeout:       cfg.NavTimeout(),
		SettleWait:       time.Duration(cfg.Session.SettleWaitMs) * time.Millisecond,
		Headless:         cfg.Session.Headless,
		NoSandbox:        cfg.Session.NoSandbox,
		IgnoreCertErrors: cfg.Session.IgnoreCertErrors,
		WarmupTimeout:    time.Duration(cfg.Session.WarmupTimeoutSec) * time.Second,
		Logger:           logger.Named("session"),
	})
	if err != nil {
		return nil, fmt.Errorf("build session pool: %w", err)
	}
	a.sessions = pool

	psinks := []progress.Sink{sinks.NewLogSink(logger.Named("progress"))}
	metrics.Init()
	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("build prometheus sink: %w", err)
	}
	psinks = append(psinks, promSink)
	if cfg.PubSub.TopicName != "" {
		psinks = append(psinks, sinks.NewPublisherSink(publisher, cfg.PubSub.TopicName))
	}
	a.hub = progress.NewHub(progress.HubConfig{Logger: logger.Named("hub")}, psinks...)

	finalizer := &task.Finalizer{}
	agg := progress.NewAggregator(progress.AggregatorConfig{
		Tasks: tasks,
		Hub:   a.hub,
		Clock: clk,
		OnTaskComplete: func(ctx context.Context, taskID string) {
			if err := finalizer.Run(ctx, taskID); err != nil {
				logger.Error("finalize task", zap.String("task_id", taskID), zap.Error(err))
			}
		},
		Logger: logger.Named("aggregator"),
	})

	a.jobs = queue.NewMemory(queue.Config{
		Depth:              cfg.Queue.Depth,
		MaxDeliveries:      cfg.Queue.MaxDeliveries,
		BackoffInitial:     time.Duration(cfg.Queue.BackoffInitialMs) * time.Millisecond,
		BackoffMax:         time.Duration(cfg.Queue.BackoffMaxMs) * time.Millisecond,
		LockLifetime:       cfg.LockLifetime(),
		DeadLetterCapacity: cfg.Queue.DeadLetterCapacity,
		OnDeadLetter: func(job linkcheck.Job) {
			metrics.ObserveDeadLetter()
			a.countDeadLetter(agg, links, job)
		},
		Logger: logger.Named("queue"),
	})

	ctrl := task.NewController(task.ControllerConfig{
		Tasks:      tasks,
		Links:      links,
		Queue:      a.jobs,
		Aggregator: agg,
		Clock:      clk,
		IDs:        ids,
		Logger:     logger.Named("task"),
	})

	exporter := export.NewBlobExporter(blobs, hasher, clk, export.BlobConfig{
		Prefix:      cfg.Storage.Prefix,
		ContentType: cfg.Storage.ContentType,
	}, logger.Named("export"))

	*finalizer = *task.NewFinalizer(task.FinalizerConfig{
		Tasks:      tasks,
		Links:      links,
		Exporter:   exporter,
		Aggregator: agg,
		Controller: ctrl,
		Clock:      clk,
		Logger:     logger.Named("finalizer"),
	})

	chk := checker.New(&poolSessions{pool: pool}, net.DefaultResolver, checker.Config{
		MaxAttempts: cfg.Checker.MaxAttempts,
		Cooldown:    time.Duration(cfg.Checker.CooldownSeconds) * time.Second,
		DNSTimeout:  time.Duration(cfg.Checker.DNSTimeoutSeconds) * time.Second,
		Logger:      logger.Named("checker"),
	})

	workers := make([]*worker.Worker, 0, cfg.Worker.Concurrency)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		limiter := rate.NewLimiter(rate.Limit(cfg.Worker.JobsPerSecond), 1)
		workers = append(workers, worker.New(
			fmt.Sprintf("worker-%d", i),
			a.jobs, tasks, links, chk, agg, ctrl, clk, limiter,
			logger,
		))
	}
	a.dispatch = dispatcher.New(workers, logger.Named("dispatcher"))

	ready := func(ctx context.Context) error {
		if a.pgPool != nil {
			if err := a.pgPool.Ping(ctx); err != nil {
				return fmt.Errorf("database not ready: %w", err)
			}
		}
		return nil
	}
	a.apiServer = api.NewServer(ctrl, tasks, links, ready, logger.Named("api"))
	return a, nil
}

// Run starts the workers and the HTTP server and blocks until ctx finishes,
// then shuts everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	go a.dispatch.Run(ctx)
	go a.sampleQueueDepth(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.logger.Error("http server error", zap.Error(err))
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(a.cfg.Session.ShutdownGraceSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown", zap.Error(err))
	}
	a.Close(shutdownCtx)
	return nil
}

// Close releases every held resource.
func (a *App) Close(ctx context.Context) {
	if a.jobs != nil {
		a.jobs.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close", zap.Error(err))
		}
	}
	if a.sessions != nil {
		if err := a.sessions.Close(ctx); err != nil {
			a.logger.Warn("session pool close", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close", zap.Error(err))
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	a.logger.Info("shutdown complete")
}

func (a *App) sampleQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetQueueDepth(a.jobs.Depth())
		}
	}
}

func (a *App) buildStores(ctx context.Context) (linkcheck.TaskStore, linkcheck.LinkStore, error) {
	if a.cfg.DB.DSN == "" {
		return memorystorage.NewTaskStore(), memorystorage.NewLinkStore(), nil
	}
	pool, err := postgres.Connect(ctx, a.cfg.DB.DSN, int32(a.cfg.DB.MaxOpenConns))
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.pgPool = pool
	return postgres.NewTaskStore(pool), postgres.NewLinkStore(pool), nil
}

func (a *App) buildBlobStore(ctx context.Context) (linkcheck.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "", "memory":
		return memorystorage.NewBlobStore(), nil
	case "local":
		return local.New(local.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.gcsClient = client
		return gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.Bucket})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

func (a *App) buildPublisher(ctx context.Context) (linkcheck.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		return memorypublisher.New(), nil
	}
	client, err := gcppubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.pubsubClient = client
	return gcppublisher.New(client)
}

// countDeadLetter records a job that exhausted its delivery budget so the
// owning task still completes. The link is marked broken first.
func (a *App) countDeadLetter(agg *progress.Aggregator, links linkcheck.LinkStore, job linkcheck.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	link, err := links.GetLink(ctx, job.LinkID)
	if err != nil {
		link = linkcheck.Link{ID: job.LinkID, TaskID: job.TaskID}
	}
	link.Status = linkcheck.LinkStatusBroken
	link.Verdict = linkcheck.VerdictProblem
	link.FailureReason = "delivery-exhausted"
	if err := links.UpdateLink(ctx, link); err != nil {
		a.logger.Warn("marking dead-lettered link broken",
			zap.String("link_id", job.LinkID), zap.Error(err))
	}
	if err := agg.LinkProcessed(ctx, link, 0); err != nil {
		a.logger.Error("counting dead-lettered link",
			zap.String("link_id", job.LinkID), zap.Error(err))
	}
}

// poolSessions adapts the concrete session pool to the checker interface.
type poolSessions struct {
	pool *session.Pool
}

func (p *poolSessions) Acquire(ctx context.Context, userAgent string) (checker.Browser, error) {
	s, err := p.pool.Acquire(ctx, session.Options{UserAgent: userAgent})
	if err != nil {
		return nil, err
	}
	metrics.SetSessionsLive(p.pool.Live())
	return s, nil
}

func (p *poolSessions) Release(b checker.Browser) {
	if s, ok := b.(*session.Session); ok {
		p.pool.Release(s)
		metrics.SetSessionsLive(p.pool.Live())
	}
}
