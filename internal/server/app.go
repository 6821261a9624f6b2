// Package server assembles the service: configuration, logging, the Postgres
// pool and stores, the crawl engine, the resolution pipeline, the HTTP API,
// and the background scheduler.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/scholarwatch/scholarwatch/internal/api"
	"github.com/scholarwatch/scholarwatch/internal/clock/system"
	"github.com/scholarwatch/scholarwatch/internal/config"
	"github.com/scholarwatch/scholarwatch/internal/contqueue"
	collyfetcher "github.com/scholarwatch/scholarwatch/internal/fetcher/colly"
	idgen "github.com/scholarwatch/scholarwatch/internal/id/uuid"
	"github.com/scholarwatch/scholarwatch/internal/logging"
	"github.com/scholarwatch/scholarwatch/internal/metrics"
	"github.com/scholarwatch/scholarwatch/internal/pagination"
	"github.com/scholarwatch/scholarwatch/internal/progress"
	"github.com/scholarwatch/scholarwatch/internal/progress/sinks"
	"github.com/scholarwatch/scholarwatch/internal/resolve"
	"github.com/scholarwatch/scholarwatch/internal/run"
	"github.com/scholarwatch/scholarwatch/internal/scheduler"
	pgstore "github.com/scholarwatch/scholarwatch/internal/storage/postgres"
	"github.com/scholarwatch/scholarwatch/pkg/arxiv"
	"github.com/scholarwatch/scholarwatch/pkg/crossref"
	"github.com/scholarwatch/scholarwatch/pkg/openalex"
	"github.com/scholarwatch/scholarwatch/pkg/unpaywall"
)

// App holds the assembled service and its shutdown hooks.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	pool         *pgxpool.Pool
	hub          *progress.Hub
	orchestrator *run.Orchestrator
	sched        *scheduler.Scheduler
	apiServer    *api.Server
}

// Build wires every component from configuration. The returned App owns the
// Postgres pool and the progress hub; Run and Close release them.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}

	clock := system.New()
	profiles := pgstore.NewProfileStore(pool)
	pubs := pgstore.NewPublicationStore(pool)
	idents := pgstore.NewIdentifierStore(pool)
	runs := pgstore.NewRunStore(pool)
	queueStore := pgstore.NewQueueStore(pool)
	pdfJobs := pgstore.NewPdfJobStore(pool)
	safetyStore := pgstore.NewSafetyStore(pool)
	throttles := pgstore.NewThrottleStore(pool)
	locker := pgstore.NewRunLocker(pool)

	fetcher, err := collyfetcher.New(collyfetcher.Config{
		BaseURL:   cfg.Crawl.BaseURL,
		UserAgent: cfg.Crawl.UserAgent,
		Timeout:   cfg.Crawl.Timeout(),
		Delay:     cfg.Crawl.InterPageDelay(),
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("fetcher init: %w", err)
	}

	broadcast := sinks.NewBroadcast()
	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress_log")),
		broadcast,
	)

	executor := pagination.NewExecutor(fetcher, clock, pagination.ExecutorConfig{
		MaxNetworkAttempts:   cfg.Retry.MaxNetworkAttempts,
		MaxRateLimitAttempts: cfg.Retry.MaxRateLimitAttempts,
		NetworkBackoffBase:   time.Duration(cfg.Retry.NetworkBackoffBaseSec) * time.Second,
		RateLimitBackoffBase: time.Duration(cfg.Retry.RateLimitBackoffSec) * time.Second,
	}, logger.Named("retry"))
	ingestor := run.NewIngestor(pubs, pdfJobs, logger.Named("ingest"))
	engine := pagination.NewEngine(executor, ingestor, pagination.EngineConfig{
		PageSize:       cfg.Crawl.PageSize,
		MaxPages:       cfg.Crawl.MaxPages,
		InterPageDelay: cfg.Crawl.InterPageDelay(),
	}, logger.Named("pagination"))

	queueSvc := contqueue.New(queueStore, profiles, clock, contqueue.Config{
		InitialDelay: time.Duration(cfg.Queue.InitialDelayMin) * time.Minute,
		BackoffBase:  time.Duration(cfg.Queue.BackoffBaseMin) * time.Minute,
		BackoffCap:   time.Duration(cfg.Queue.BackoffCapHours) * time.Hour,
		MaxAttempts:  cfg.Queue.MaxAttempts,
	}, logger.Named("contqueue"))

	safety := run.NewSafetyPolicy(safetyStore, clock, run.SafetyConfig{
		BlockedThreshold:     cfg.Safety.BlockedThreshold,
		NetworkThreshold:     cfg.Safety.NetworkThreshold,
		BlockedCooldown:      time.Duration(cfg.Safety.BlockedCooldownHours) * time.Hour,
		NetworkCooldown:      time.Duration(cfg.Safety.NetworkCooldownMin) * time.Minute,
		AlertAfterRejections: cfg.Safety.AlertAfterRejections,
	}, logger.Named("safety"))

	arxivGate := resolve.NewGate(resolve.ThrottleArxiv, resolve.GateConfig{
		MinInterval: time.Duration(cfg.Resolve.ArxivIntervalSec) * time.Second,
		Cooldown:    time.Duration(cfg.Resolve.ArxivCooldownMin) * time.Minute,
	}, throttles, clock)
	pipeline := resolve.NewPipeline(
		resolve.PipelineConfig{ProviderLimit: cfg.Resolve.BatchLimit},
		pubs,
		idents,
		pdfJobs,
		openalex.NewClient(cfg.Resolve.ContactEmail),
		arxiv.NewClient(),
		crossref.NewClient(cfg.Resolve.ContactEmail),
		unpaywall.NewClient(cfg.Resolve.ContactEmail),
		resolve.NewLandingCrawler(resolve.LandingConfig{
			MaxDepth:        cfg.Resolve.LandingMaxDepth,
			MaxLinksPerPage: cfg.Resolve.LandingMaxLinks,
		}),
		arxivGate,
		clock,
		logger.Named("resolve"),
	)

	orchestrator := run.NewOrchestrator(
		profiles, runs, locker, safety, queueSvc, engine, pipeline,
		clock, idgen.New(), hub,
		run.Config{
			RunPageBudget:     cfg.Crawl.RunPageBudget,
			InterProfileDelay: time.Duration(cfg.Crawl.InterProfileDelay) * time.Millisecond,
			ResolveBatchLimit: cfg.Resolve.BatchLimit,
			ResolveTimeout:    time.Duration(cfg.Resolve.TimeoutMinutes) * time.Minute,
			StuckResolvingAge: time.Duration(cfg.Resolve.StuckResolvingHours) * time.Hour,
		},
		logger.Named("run"),
	)

	searchGate := resolve.NewGate(resolve.ThrottleAuthorSearch, resolve.GateConfig{}, throttles, clock)
	authors := api.NewAuthorSearch(fetcher, searchGate, logger.Named("authors"))
	apiServer := api.NewServer(orchestrator, queueSvc, broadcast, authors, pool, cfg, logger.Named("api"))

	app := &App{
		cfg:          cfg,
		logger:       logger,
		pool:         pool,
		hub:          hub,
		orchestrator: orchestrator,
		apiServer:    apiServer,
	}
	if cfg.Scheduler.Enabled {
		schedCfg := scheduler.Config{
			RunSpec:         cfg.Scheduler.RunSpec,
			QueueSpec:       cfg.Scheduler.QueueSpec,
			PdfSweepSpec:    cfg.Scheduler.PdfSweepSpec,
			RecoverySpec:    cfg.Scheduler.RecoverySpec,
			DrainBatch:      cfg.Queue.DrainBatch,
			SweepCooldown:   time.Duration(cfg.Resolve.JobCooldownHours) * time.Hour,
			SweepMaxAttempt: cfg.Resolve.MaxJobAttempts,
			ResolveLimit:    cfg.Resolve.BatchLimit,
		}
		if cfg.Scheduler.ScheduledUser != "" {
			userID, perr := uuid.Parse(cfg.Scheduler.ScheduledUser)
			if perr != nil {
				pool.Close()
				return nil, fmt.Errorf("scheduler.scheduled_user: %w", perr)
			}
			schedCfg.ScheduledUser = userID
		}
		app.sched = scheduler.New(
			orchestrator, orchestrator, queueSvc, pipeline, pdfJobs,
			clock, schedCfg, logger.Named("scheduler"),
		)
	}
	return app, nil
}

// Run serves HTTP and the scheduler until the context is canceled or a
// termination signal arrives, then shuts everything down in order.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.sched != nil {
		if err := a.sched.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close stops background work and releases the pool and hub.
func (a *App) Close(ctx context.Context) error {
	if a.sched != nil {
		if err := a.sched.Stop(ctx); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}
	a.orchestrator.WaitResolutions()
	if err := a.hub.Close(ctx); err != nil {
		a.logger.Warn("progress hub close failed", zap.Error(err))
	}
	a.pool.Close()
	if err := a.logger.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}
