package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"appforge/internal/config"
	"appforge/internal/domain/ports/adapter"
	"appforge/internal/infra/db/postgres"
	"appforge/internal/infra/github"
	"appforge/internal/infra/logging"
	"appforge/internal/infra/metrics"
	"appforge/internal/infra/queue"
	"appforge/internal/infra/redis"
	"appforge/internal/infra/sandbox"
	"appforge/internal/infra/web"
	"appforge/internal/infra/worker"
	"appforge/internal/usecase"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dev := flag.Bool("dev", false, "development mode (console logging)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath, *dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	log := logger.With().Str("component", "main").Logger()

	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPgxPool(ctx, cfg.Database.URL, cfg.Database.PoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection failed")
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}
	defer rdb.Close()

	// Repositories and transaction manager.
	tm := postgres.NewTxManager(pool)
	buildRepo := postgres.NewBuildJobRepo(pool)
	ticketRepo := postgres.NewTicketRepo(pool)
	sessionRepo := postgres.NewChatSessionRepo(pool)
	envRepo := postgres.NewEnvironmentJobRepo(pool)
	deployRepo := postgres.NewDeployJobRepo(pool)
	maintRepo := postgres.NewMaintenanceRepo(pool)

	// Broker-side primitives.
	queues := queue.NewRegistry(rdb, logger)
	cancelStore := redis.NewCancelStore(rdb, cfg.Redis.CancelTTL)

	// Sandbox access.
	resolver := sandbox.NewResolver(cfg.Sandbox.BaseURL, cfg.Sandbox.Token, cfg.Sandbox.ReadTimeout, logger)
	lifecycle := sandbox.NewManager(cfg.Sandbox.ManagerURL, cfg.Sandbox.Token, cfg.Sandbox.ReadTimeout, logger)

	tokens := buildTokenProvider(cfg, logger)

	// Usecases.
	defaults := usecase.QueueDefaults{
		Attempts:    cfg.Queue.Attempts,
		Backoff:     cfg.Queue.Backoff,
		TicketsPath: cfg.Sandbox.TicketsPath,
		BaseBranch:  cfg.Sandbox.BaseBranch,
	}
	jobsUC := usecase.NewJobsUseCase(queues, buildRepo, envRepo, deployRepo, maintRepo, sessionRepo, tm, defaults, logger)
	cancelUC := usecase.NewCancelUseCase(queues, buildRepo, ticketRepo, cancelStore, resolver, logger)
	scheduleUC := usecase.NewScheduleUseCase(queues, maintRepo, cfg.Cleanup.Interval, cfg.Cleanup.MaxAge, logger)

	// Processors, one worker per queue. Build, submit and deploy run with
	// concurrency 1: each mutates a single sandbox's git state.
	buildProc := worker.NewBuildProcessor(buildRepo, ticketRepo, tm, resolver, cancelStore, tokens, logger)
	submitProc := worker.NewSubmitProcessor(buildRepo, sessionRepo, resolver, cancelStore, tokens, logger)
	envProc := worker.NewEnvironmentProcessor(envRepo, resolver, cancelStore, logger)
	deployProc := worker.NewDeployProcessor(deployRepo, resolver, cancelStore, tokens, logger)
	maintProc := worker.NewMaintenanceProcessor(maintRepo, tm, lifecycle, cancelStore, logger)
	cleanupProc := worker.NewPreviewCleanupProcessor(deployRepo, lifecycle, logger)

	workers := []*queue.Worker{
		queue.NewWorker(queues.Get(queue.QueueBuild), buildProc.Process, queue.WorkerOptions{Concurrency: 1}, logger),
		queue.NewWorker(queues.Get(queue.QueueSubmit), submitProc.Process, queue.WorkerOptions{Concurrency: 1}, logger),
		queue.NewWorker(queues.Get(queue.QueueEnvironment), envProc.Process, queue.WorkerOptions{Concurrency: cfg.Queue.EnvironmentConcurrency}, logger),
		queue.NewWorker(queues.Get(queue.QueueDeploy), deployProc.Process, queue.WorkerOptions{Concurrency: 1}, logger),
		queue.NewWorker(queues.Get(queue.QueueMaintenance), maintProc.Process, queue.WorkerOptions{Concurrency: 1}, logger),
		queue.NewWorker(queues.Get(queue.QueuePreviewCleanup), cleanupProc.Process, queue.WorkerOptions{Concurrency: 1}, logger),
	}
	for _, w := range workers {
		w.Start(ctx)
	}

	// Log-only subscribers for the queue event channels.
	for _, name := range []string{queue.QueueBuild, queue.QueueSubmit, queue.QueueEnvironment, queue.QueueDeploy, queue.QueueMaintenance} {
		go queue.NewEvents(queues.Get(name), logger).Run(ctx)
	}

	// Reconcile recurring schedules with the database on every boot.
	if err := scheduleUC.ResyncMaintenanceSchedulers(ctx); err != nil {
		log.Error().Err(err).Msg("maintenance scheduler resync failed")
	}
	if err := scheduleUC.EnsurePreviewCleanupScheduler(ctx); err != nil {
		log.Error().Err(err).Msg("preview cleanup scheduler registration failed")
	}

	srv := web.NewServer(fmt.Sprintf(":%d", cfg.Web.Port), jobsUC, cancelUC, scheduleUC, cfg.Web.AuthToken, logger)
	webErr := make(chan error, 1)
	go func() { webErr <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-webErr:
		if err != nil {
			log.Error().Err(err).Msg("web server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("web shutdown failed")
	}
	for _, w := range workers {
		w.Stop()
	}
	log.Info().Msg("shutdown complete")
}

// buildTokenProvider prefers GitHub App credentials; falls back to a static
// token, or nil when neither is configured (sandboxes then run tokenless).
func buildTokenProvider(cfg *config.Config, logger *zerolog.Logger) adapter.GitHubTokenProvider {
	if cfg.GitHub.AppID != 0 && cfg.GitHub.PrivateKeyPath != "" {
		provider, err := github.NewAppTokenProvider(
			strconv.FormatInt(cfg.GitHub.AppID, 10),
			strconv.FormatInt(cfg.GitHub.InstallationID, 10),
			cfg.GitHub.PrivateKeyPath,
			logger,
		)
		if err != nil {
			logger.Error().Err(err).Msg("github app credentials unusable, falling back")
		} else {
			return provider
		}
	}
	if cfg.GitHub.Token != "" {
		return github.NewStaticTokenProvider(cfg.GitHub.Token)
	}
	return nil
}
