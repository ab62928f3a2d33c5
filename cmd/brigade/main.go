// Brigade server: HTTP API, concierge execution, the durable job queue,
// and the runner fleet hub, all in one process.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/brigadehq/brigade/pkg/api"
	"github.com/brigadehq/brigade/pkg/bus"
	"github.com/brigadehq/brigade/pkg/commis"
	"github.com/brigadehq/brigade/pkg/concierge"
	"github.com/brigadehq/brigade/pkg/config"
	"github.com/brigadehq/brigade/pkg/database"
	"github.com/brigadehq/brigade/pkg/events"
	"github.com/brigadehq/brigade/pkg/fiche"
	"github.com/brigadehq/brigade/pkg/fleet"
	"github.com/brigadehq/brigade/pkg/llm"
	"github.com/brigadehq/brigade/pkg/metrics"
	"github.com/brigadehq/brigade/pkg/queue"
	"github.com/brigadehq/brigade/pkg/services"
	"github.com/brigadehq/brigade/pkg/store"
	"github.com/brigadehq/brigade/pkg/tools"
	"github.com/brigadehq/brigade/pkg/version"
)

// gaugeInterval is how often the runner-count gauge is refreshed.
const gaugeInterval = 15 * time.Second

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))
	slog.Info("Starting brigade", "version", version.Full(), "listen_addr", cfg.ListenAddr)

	ctx := context.Background()

	db, err := database.NewClient(ctx, database.Config{URL: cfg.DatabaseURL})
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	slog.Info("Database ready", "dialect", db.Dialect())

	st := store.New(db)
	eventBus := bus.New()
	defer eventBus.Close()
	log := events.NewLog(st, eventBus)

	// Domain services.
	userSvc := services.NewUserService(st, cfg)
	ficheSvc := services.NewFicheService(st, cfg)
	threadSvc := services.NewThreadService(st)
	courseSvc := services.NewCourseService(st, log)
	triggerSvc := services.NewTriggerService(st, eventBus)
	runnerSvc := services.NewRunnerService(st)
	creds := services.EnvCredentialResolver{}

	// Crash recovery must finish before any worker claims an entry.
	if err := courseSvc.Recover(ctx); err != nil {
		slog.Error("Startup recovery failed", "error", err)
		os.Exit(1)
	}

	// LLM providers.
	var anthropicClient, openaiClient llm.Client
	if cfg.AnthropicAPIKey != "" {
		anthropicClient = llm.NewAnthropicClient(cfg.AnthropicAPIKey)
	}
	if cfg.OpenAIAPIKey != "" {
		openaiClient = llm.NewOpenAIClient(cfg.OpenAIAPIKey, "")
	}
	if anthropicClient == nil && openaiClient == nil {
		slog.Warn("No LLM API key configured; courses will fail until one is set")
	}
	router := llm.NewRouter(anthropicClient, openaiClient)

	// Fleet. Process-level secrets are registered with the output masker so
	// a runner echoing its environment never leaks them into tails or events.
	buffer := fleet.NewOutputBuffer()
	dispatcher := fleet.NewDispatcher(st, log, buffer)
	for _, secret := range []string{cfg.AnthropicAPIKey, cfg.OpenAIAPIKey, cfg.JWTSecret, cfg.InternalAPISecret} {
		dispatcher.Masker().AddLiteral(secret)
	}
	hub := fleet.NewHub(st, runnerSvc, dispatcher)

	// Tools and the fiche runner.
	barriers := concierge.NewBarrierManager(st)
	toolset := []tools.Tool{tools.GetCurrentTime(nil)}
	toolset = append(toolset, concierge.Toolset(st, barriers, cfg)...)
	toolset = append(toolset, fleet.Toolset(st, dispatcher)...)
	toolRegistry, err := tools.NewRegistry(toolset...)
	if err != nil {
		slog.Error("Failed to build tool registry", "error", err)
		os.Exit(1)
	}
	runner := fiche.NewRunner(st, toolRegistry, router,
		fiche.WithTokenStreaming(cfg.LLMTokenStream))

	// Concierge and commis execution paths.
	conciergeSvc := concierge.NewService(st, log, runner, creds, cfg)
	executor := concierge.NewExecutor(st, log, runner, conciergeSvc, creds)
	commisWorker := commis.NewWorker(st, log, runner, barriers, creds)

	// Queue: registry, builtin jobs, manifest jobs, pool, scheduler.
	registry := queue.NewRegistry()
	registry.Register(&queue.JobConfig{
		ID:             queue.JobCourseRun,
		Enabled:        true,
		TimeoutSeconds: 1800,
		MaxAttempts:    3,
		Description:    "Executes one queued or continuation course.",
		Handler:        executor.CourseRunHandler(),
	})
	commisWorker.Register(registry)
	executor.RegisterScheduleScan(registry)
	queue.RegisterBuiltinJobs(registry, st, eventBus, cfg.Retention)

	manifest, err := config.LoadManifest(cfg.JobsManifestPath)
	if err != nil {
		slog.Error("Failed to load jobs manifest", "path", cfg.JobsManifestPath, "error", err)
		os.Exit(1)
	}
	if len(manifest.Jobs) > 0 {
		sync := registry.Sync(manifest, executor.ManifestHandler)
		slog.Info("Jobs manifest loaded", "added", len(sync.Added))
	}

	mets := metrics.New(st)
	pool := queue.NewPool(st, registry, cfg.QueueWorkers, creds.Lookup,
		queue.WithObserver(mets),
		queue.WithPollInterval(cfg.QueuePollInterval),
		queue.WithDefaultLease(cfg.QueueLease))
	pool.Start(ctx)

	scheduler := queue.NewScheduler(st, registry, cfg.QueueBackfill)
	scheduler.Start(ctx)

	gaugeCtx, stopGauge := context.WithCancel(ctx)
	defer stopGauge()
	go runGauges(gaugeCtx, mets, dispatcher)

	server := api.NewServer(api.Deps{
		Config:          cfg,
		DB:              db,
		Store:           st,
		Log:             log,
		Metrics:         mets,
		Users:           userSvc,
		Fiches:          ficheSvc,
		Threads:         threadSvc,
		Courses:         courseSvc,
		Triggers:        triggerSvc,
		Runners:         runnerSvc,
		Concierge:       conciergeSvc,
		Registry:        registry,
		Scheduler:       scheduler,
		Hub:             hub,
		ManifestHandler: executor.ManifestHandler,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("HTTP server failed", "error", err)
	}

	// Stop intake first, then drain execution.
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	scheduler.Stop()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Queue pool stopped")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded; in-flight entries will be recovered at next startup")
	}

	slog.Info("Shutdown complete")
}

// runGauges keeps the connected-runner gauge current.
func runGauges(ctx context.Context, m *metrics.Metrics, d *fleet.Dispatcher) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunnersOnline.Set(float64(d.SessionCount()))
		}
	}
}
