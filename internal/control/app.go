package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/vietddude/agentd/internal/agent"
	"github.com/vietddude/agentd/internal/core/config"
	"github.com/vietddude/agentd/internal/core/worker"
	"github.com/vietddude/agentd/internal/health"
	redisclient "github.com/vietddude/agentd/internal/infra/redis"
	"github.com/vietddude/agentd/internal/intake"
	"github.com/vietddude/agentd/internal/orchestrator"
	"github.com/vietddude/agentd/internal/sink"
)

type source struct {
	name string
	run  func(ctx context.Context) error
}

// App is the daemon: orchestrator, executors, record sink, intake sources,
// status reporter and status server.
type App struct {
	cfg          *config.AppConfig
	orch         *orchestrator.Orchestrator
	queue        *sink.Queue
	store        *Store
	redisClient  *redisclient.Client
	sources      []source
	reporter     *worker.Reporter
	healthMon    *health.Monitor
	healthServer *health.Server
	log          *slog.Logger

	cancel   context.CancelFunc
	intakeWG sync.WaitGroup
	workerWG sync.WaitGroup
	sinkDone chan struct{}
	stopOnce sync.Once
	stopErr  error
	runErr   chan error
}

// NewApp creates a new App with all dependencies initialized.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	log := slog.Default().With("component", "app")

	// 1. Storage and record sink
	store, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	var inner sink.Sink = sink.NewLogSink(nil)
	if store.Repo != nil {
		repoSink := sink.NewRepositorySink(store.Repo, *cfg.Orchestrator.MaxRetries)
		if cfg.Logging.Level == "debug" {
			inner = sink.Fanout{repoSink, sink.NewLogSink(nil)}
		} else {
			inner = repoSink
		}
	}
	queue := sink.NewQueue(inner, cfg.Storage.Driver, cfg.Orchestrator.SinkQueueSize, cfg.Orchestrator.SinkBatchSize)

	// 2. Orchestrator and executors
	orch := orchestrator.New(cfg.Orchestrator.Scheduler(), orchestrator.WithSink(queue))

	specs := make([]agent.Spec, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		specs = append(specs, a.AgentSpec(cfg.Orchestrator))
	}
	if err := agent.Register(orch, specs); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("failed to register agents: %w", err)
	}
	if len(specs) == 0 {
		log.Warn("No agents configured, submitted tasks will wait")
	}

	app := &App{
		cfg:      cfg,
		orch:     orch,
		queue:    queue,
		store:    store,
		log:      log,
		sinkDone: make(chan struct{}),
		runErr:   make(chan error, 1),
	}

	// 3. Health
	app.healthMon = health.NewMonitor(orch)
	if store.DB != nil {
		app.healthMon.AddCheck("postgres", store.Ping)
	}

	// 4. Intake
	if cfg.Intake.Dir != "" {
		dir := intake.NewDirSource(intake.DirConfig{
			Path:         cfg.Intake.Dir,
			PollInterval: cfg.Intake.PollInterval,
		}, orch)
		app.sources = append(app.sources, source{name: "dir", run: dir.Run})
	}

	if cfg.Intake.Redis {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			_ = inner.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.redisClient = client
		app.healthMon.AddCheck("redis", client.Ping)

		rs := intake.NewRedisSource(intake.DefaultRedisConfig(), client, orch)
		app.sources = append(app.sources, source{name: "redis", run: rs.Run})
	}

	app.reporter = worker.NewReporter(orch, cfg.Orchestrator.ReportInterval)

	if cfg.Server.Port > 0 {
		app.healthServer = health.NewServer(app.healthMon, orch, store.Repo, cfg.Server.Port)
	}

	return app, nil
}

// Orchestrator returns the scheduling engine.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Start starts the app and all its components. It returns immediately.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	// Start Health Server
	if a.healthServer != nil {
		go func() {
			if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("Health server failed", "error", err)
			}
		}()
	}

	// Start DB Metrics Collector
	if a.store.DB != nil {
		a.store.DB.StartMetricsCollector(ctx)
	}

	// The sink outlives ctx so records of draining tasks are still written.
	go func() {
		defer close(a.sinkDone)
		if err := a.queue.Run(context.WithoutCancel(ctx)); err != nil {
			a.log.Error("Sink queue failed", "error", err)
		}
	}()

	a.workerWG.Add(1)
	go func() {
		defer a.workerWG.Done()
		err := a.orch.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("Orchestrator stopped", "error", err)
		}
		a.runErr <- err
	}()

	for _, src := range a.sources {
		a.log.Info("Starting intake", "source", src.name)
		a.intakeWG.Add(1)
		go func(src source) {
			defer a.intakeWG.Done()
			if err := src.run(ctx); err != nil {
				a.log.Error("Intake failed", "source", src.name, "error", err)
			}
		}(src)
	}

	a.workerWG.Add(1)
	go func() {
		defer a.workerWG.Done()
		a.reporter.Start(ctx)
	}()

	a.log.Info("Started",
		"agents", a.orch.Kinds(),
		"max_concurrent", a.cfg.Orchestrator.MaxConcurrent,
		"storage", a.cfg.Storage.Driver,
		"port", a.cfg.Server.Port,
	)
	return nil
}

// Stop drains the app: submissions close, in-flight tasks finish (bounded
// by ctx), buffered records are flushed, then connections close.
func (a *App) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.stopErr = a.stop(ctx)
	})
	return a.stopErr
}

func (a *App) stop(ctx context.Context) error {
	a.log.Info("Stopping...")
	var errs []error

	// Closing the orchestrator first makes the intake sources hand back
	// whatever they pick up from now on.
	if err := a.orch.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
	}
	if a.cancel == nil {
		// Never started: flush whatever was submitted and close the store.
		_ = a.queue.Run(ctx)
		close(a.sinkDone)
	} else {
		a.cancel()
	}
	a.intakeWG.Wait()
	a.workerWG.Wait()

	if a.healthServer != nil {
		if err := a.healthServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("health server: %w", err))
		}
	}

	select {
	case <-a.sinkDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("flushing task records: %w", ctx.Err()))
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}

	if dropped := a.queue.Dropped(); dropped > 0 {
		a.log.Warn("Task records dropped", "count", dropped)
	}
	a.log.Info("Stopped")
	return errors.Join(errs...)
}

// Done delivers the orchestrator loop's result once it exits.
func (a *App) Done() <-chan error {
	return a.runErr
}
