// Package e2e exercises the full brigade stack: HTTP API over a real queue
// pool, concierge and commis execution against a scripted LLM, and a
// migrated test database. No network services are required.
package e2e

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brigadehq/brigade/pkg/api"
	"github.com/brigadehq/brigade/pkg/bus"
	"github.com/brigadehq/brigade/pkg/commis"
	"github.com/brigadehq/brigade/pkg/concierge"
	"github.com/brigadehq/brigade/pkg/config"
	"github.com/brigadehq/brigade/pkg/events"
	"github.com/brigadehq/brigade/pkg/fiche"
	"github.com/brigadehq/brigade/pkg/fleet"
	"github.com/brigadehq/brigade/pkg/llm"
	"github.com/brigadehq/brigade/pkg/metrics"
	"github.com/brigadehq/brigade/pkg/queue"
	"github.com/brigadehq/brigade/pkg/services"
	"github.com/brigadehq/brigade/pkg/store"
	"github.com/brigadehq/brigade/pkg/tools"
	"github.com/brigadehq/brigade/test/util"
)

// pollInterval keeps the queue pool responsive inside tests.
const pollInterval = 20 * time.Millisecond

// testCreds resolves secrets from a fixed map.
type testCreds map[string]string

func (c testCreds) Resolve(_ context.Context, _ int64, name string) (string, error) {
	if v, ok := c[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("unknown credential %q", name)
}

func (c testCreds) Lookup(name string) (string, bool) {
	v, ok := c[name]
	return v, ok
}

// App is one fully wired brigade instance behind an httptest server.
type App struct {
	Config     *config.Config
	Store      *store.Store
	Log        *events.Log
	LLM        *llm.Fake
	Dispatcher *fleet.Dispatcher
	Registry   *queue.Registry
	Server     *api.Server
	BaseURL    string
}

type appOptions struct {
	startPool bool
	turns     []llm.FakeTurn
}

// AppOption adjusts the harness.
type AppOption func(*appOptions)

// WithTurns scripts the fake LLM.
func WithTurns(turns ...llm.FakeTurn) AppOption {
	return func(o *appOptions) { o.turns = turns }
}

// WithoutPool leaves the queue pool stopped so tests control execution.
func WithoutPool() AppOption {
	return func(o *appOptions) { o.startPool = false }
}

// NewApp assembles the whole stack the way the server binary does, with a
// scripted LLM in place of real providers and a single queue worker so
// scripted turns are consumed in claim order.
func NewApp(t *testing.T, opts ...AppOption) *App {
	t.Helper()
	o := appOptions{startPool: true}
	for _, opt := range opts {
		opt(&o)
	}

	client := util.NewTestClient(t)
	st := store.New(client)
	b := bus.New()
	t.Cleanup(b.Close)
	log := events.NewLog(st, b)

	cfg := &config.Config{
		JWTSecret:             "test-secret",
		InternalAPISecret:     "internal-secret",
		ConciergeTimeout:      30 * time.Second,
		DefaultConciergeModel: "claude-sonnet-4-5",
		DefaultCommisModel:    "claude-haiku-4-5",
		QueueWorkers:          1,
		QueueLease:            time.Minute,
		Retention:             30 * 24 * time.Hour,
	}

	creds := testCreds{}
	fake := llm.NewFake(o.turns...)

	buffer := fleet.NewOutputBuffer()
	dispatcher := fleet.NewDispatcher(st, log, buffer)
	hub := fleet.NewHub(st, services.NewRunnerService(st), dispatcher)

	barriers := concierge.NewBarrierManager(st)
	toolset := []tools.Tool{tools.GetCurrentTime(nil)}
	toolset = append(toolset, concierge.Toolset(st, barriers, cfg)...)
	toolset = append(toolset, fleet.Toolset(st, dispatcher)...)
	registry, err := tools.NewRegistry(toolset...)
	require.NoError(t, err)
	runner := fiche.NewRunner(st, registry, fake, fiche.WithHeartbeatInterval(0))

	conciergeSvc := concierge.NewService(st, log, runner, creds, cfg)
	executor := concierge.NewExecutor(st, log, runner, conciergeSvc, creds)
	commisWorker := commis.NewWorker(st, log, runner, barriers, creds)

	jobs := queue.NewRegistry()
	jobs.Register(&queue.JobConfig{
		ID:             queue.JobCourseRun,
		Enabled:        true,
		TimeoutSeconds: 60,
		MaxAttempts:    3,
		Handler:        executor.CourseRunHandler(),
	})
	commisWorker.Register(jobs)

	if o.startPool {
		pool := queue.NewPool(st, jobs, cfg.QueueWorkers, creds.Lookup,
			queue.WithObserver(metrics.New(st)),
			queue.WithPollInterval(pollInterval),
			queue.WithDefaultLease(cfg.QueueLease))
		poolCtx, stopPool := context.WithCancel(context.Background())
		pool.Start(poolCtx)
		t.Cleanup(func() {
			stopPool()
			pool.Stop()
		})
	}

	srv := api.NewServer(api.Deps{
		Config:    cfg,
		DB:        client,
		Store:     st,
		Log:       log,
		Users:     services.NewUserService(st, cfg),
		Fiches:    services.NewFicheService(st, cfg),
		Threads:   services.NewThreadService(st),
		Courses:   services.NewCourseService(st, log),
		Triggers:  services.NewTriggerService(st, b),
		Runners:   services.NewRunnerService(st),
		Concierge: conciergeSvc,
		Registry:  jobs,
		Scheduler: queue.NewScheduler(st, jobs, 24*time.Hour),
		Hub:       hub,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &App{
		Config:     cfg,
		Store:      st,
		Log:        log,
		LLM:        fake,
		Dispatcher: dispatcher,
		Registry:   jobs,
		Server:     srv,
		BaseURL:    ts.URL,
	}
}

// Token mints a bearer token; the user is created on first request.
func (a *App) Token(t *testing.T, email string) string {
	t.Helper()
	token, err := a.Server.MintToken(email, time.Hour)
	require.NoError(t, err)
	return token
}
