// Package app wires the engine components into one process: stores, lanes,
// probes, state tracking, alerting, the scheduler and the ops HTTP server.
package app

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pratik-mahalle/fleetpulse/internal/api/handlers"
	"github.com/pratik-mahalle/fleetpulse/internal/api/middleware"
	"github.com/pratik-mahalle/fleetpulse/internal/api/router"
	"github.com/pratik-mahalle/fleetpulse/internal/cache"
	"github.com/pratik-mahalle/fleetpulse/internal/config"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/alert"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/state"
	"github.com/pratik-mahalle/fleetpulse/internal/events"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
	"github.com/pratik-mahalle/fleetpulse/internal/probes"
	"github.com/pratik-mahalle/fleetpulse/internal/repository/postgres"
	"github.com/pratik-mahalle/fleetpulse/internal/rules"
	"github.com/pratik-mahalle/fleetpulse/internal/services"
	"github.com/pratik-mahalle/fleetpulse/internal/telemetry"
	"github.com/pratik-mahalle/fleetpulse/internal/worker"
	"github.com/pratik-mahalle/fleetpulse/migrations"
)

const (
	depthSampleInterval = 15 * time.Second
	rulesCacheTTL       = 30 * time.Second
	sinkBuffer          = 1024
	samplesStreamMaxLen = 100000
)

// App is a fully wired engine process
type App struct {
	cfg    *config.Config
	logger *logger.Logger

	db     *sql.DB
	redis  *redis.Client
	tuning *config.TuningWatcher

	queue     worker.Queue
	bus       events.Bus
	sink      *telemetry.AsyncSink
	router    *worker.Router
	flaps     *services.FlapDetector
	states    state.Repository
	scheduler *services.Scheduler
	cache     *cache.DeviceStatusCache
	depth     *worker.DepthMonitor
	limiter   *middleware.RateLimiter
	server    *http.Server
	handler   http.Handler
}

// New builds every component from cfg. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *App, err error) {
	if log == nil {
		log = logger.Nop()
	}
	a := &App{cfg: cfg, logger: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.db, err = postgres.New(cfg.Database); err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	applied, err := postgres.RunMigrations(ctx, a.db, migrations.GetFS())
	if err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.WithFields(map[string]interface{}{
		"driver":  cfg.Database.Driver,
		"applied": applied,
	}).Info("Database ready")

	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err = a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr(), err)
		}
	}

	if a.tuning, err = config.NewTuningWatcher(cfg.Engine.TuningFile, log); err != nil {
		return nil, err
	}

	devices := postgres.NewDeviceRepository(a.db)
	alerts := postgres.NewAlertRepository(a.db)
	ruleRepo := postgres.NewRuleRepository(a.db)
	a.states = postgres.NewStateRepository(a.db)

	if cfg.Engine.RulesFile != "" {
		if err = seedRules(ctx, cfg.Engine.RulesFile, ruleRepo, log); err != nil {
			return nil, err
		}
	}
	store := rules.NewStore(ruleRepo, rulesCacheTTL, log)

	a.queue = a.newQueue()
	a.bus = a.newBus()
	a.sink = telemetry.NewAsyncSink(a.newSink(), sinkBuffer, log)

	a.router = worker.NewRouter(a.queue, a.tuning, log,
		worker.WithDeadLetters(postgres.NewDeadLetterRepository(a.db)))

	a.flaps = services.NewFlapDetector(a.tuning, log)
	engine := services.NewAlertEngine(store, alerts, a.flaps, a.router, log)
	tracker := services.NewStateTracker(a.states, a.bus, log)
	tracker.SetEvaluator(engine)

	probeService := services.NewProbeService(devices, a.newReachProber(), probes.NewSNMPProber(),
		tracker, a.sink, a.tuning, nil, log)
	notifications := services.NewNotificationService(a.newNotifier(), log)
	maintenance := services.NewMaintenanceService(alerts, a.states, devices, a.flaps, engine, a.tuning, nil, log)
	maintenance.SetRecoverer(a.router)
	maintenance.SetTracker(tracker)

	a.router.Handle(job.KindProbeBatch, probeService.HandleProbeBatch)
	a.router.Handle(job.KindNotification, notifications.HandleNotification)
	a.router.Handle(job.KindMaintenance, maintenance.HandleMaintenance)

	orchestrator := services.NewOrchestrator(devices, a.router, a.tuning, nil, log)
	a.scheduler = services.NewScheduler(orchestrator, a.router, a.tuning, log)

	a.cache = cache.NewDeviceStatusCache(a.states, cfg.Engine.StatusCacheTTL, log)
	a.depth = worker.NewDepthMonitor(a.queue, depthSampleInterval, log)
	a.limiter = middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)

	health := handlers.NewHealthHandler(a.db, log)
	health.AddCheck("scheduler", func(context.Context) error {
		if !a.scheduler.IsRunning() {
			return stderrors.New("scheduler is not running")
		}
		return nil
	})
	if a.redis != nil {
		health.AddCheck("redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}

	a.handler = router.New(cfg, log, a.limiter, &router.Handlers{
		Health: health,
		Device: handlers.NewDeviceHandler(a.cache, log),
		Alert:  handlers.NewAlertHandler(alerts, log),
		Engine: handlers.NewEngineHandler(a.tuning, a.scheduler, a.router, store, log),
	})
	a.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      a.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return a, nil
}

// Handler returns the ops HTTP handler
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run starts the engine and blocks until ctx is cancelled or the HTTP
// server fails, then shuts everything down
func (a *App) Run(ctx context.Context) error {
	if err := a.start(ctx); err != nil {
		a.stop()
		return err
	}

	serverErrors := make(chan error, 1)
	go func() {
		a.logger.WithFields(map[string]interface{}{
			"addr": a.server.Addr,
		}).Info("Ops server listening")
		serverErrors <- a.server.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		if !stderrors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("ops server: %w", err)
		}
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.ErrorWithErr(err, "Ops server shutdown failed")
	}

	a.stop()
	return runErr
}

func (a *App) start(ctx context.Context) error {
	now := time.Now().UTC()

	rebuilt, err := a.flaps.RebuildAll(ctx, a.states, now)
	if err != nil {
		// flap windows refill from live probes, keep going
		a.logger.ErrorWithErr(err, "Failed to rebuild flap windows")
	} else {
		a.logger.WithFields(map[string]interface{}{"devices": rebuilt}).Info("Flap windows rebuilt")
	}

	a.tuning.Watch()
	a.cache.Start()
	a.cache.Subscribe(ctx, a.bus)

	// the previous process is gone, every in-flight job it held is abandoned
	if err := a.router.Start(ctx, now); err != nil {
		return err
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	go a.depth.Start(ctx)
	go a.limiter.Run(ctx, 5*time.Minute)

	t := a.tuning.Current()
	a.logger.WithFields(map[string]interface{}{
		"poll_interval": t.PollInterval.String(),
		"broker":        a.cfg.Engine.Broker,
		"event_bus":     a.cfg.Engine.EventBus,
		"sink":          a.cfg.Engine.Sink,
		"prober":        a.cfg.Engine.Prober,
	}).Info("Engine started")
	return nil
}

func (a *App) stop() {
	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			a.logger.WarnWithErr(err, "Scheduler stop")
		}
	}
	if a.router != nil {
		a.router.Stop()
	}
	if a.cache != nil {
		a.cache.Stop()
	}
	a.close()
	a.logger.Info("Engine stopped")
}

// Close releases the stores without starting anything. Used when New
// succeeded but Run is never called.
func (a *App) Close() {
	a.close()
}

func (a *App) close() {
	if a.sink != nil {
		_ = a.sink.Close()
		a.sink = nil
	}
	if a.bus != nil {
		_ = a.bus.Close()
		a.bus = nil
	}
	if a.queue != nil {
		_ = a.queue.Close()
		a.queue = nil
	}
	if a.redis != nil {
		_ = a.redis.Close()
		a.redis = nil
	}
	if a.db != nil {
		_ = a.db.Close()
		a.db = nil
	}
}

// seedRules upserts the rules of a YAML file into the rule store
func seedRules(ctx context.Context, path string, repo alert.RuleRepository, log *logger.Logger) error {
	loaded, err := rules.LoadFile(path)
	if err != nil {
		return err
	}
	for _, r := range loaded {
		if err := repo.Upsert(ctx, r); err != nil {
			return fmt.Errorf("store rule %s: %w", r.ID, err)
		}
	}
	log.WithFields(map[string]interface{}{
		"file":  path,
		"rules": len(loaded),
	}).Info("Rules loaded")
	return nil
}

func (a *App) prefix() string {
	return a.cfg.Redis.Prefix
}

func (a *App) newQueue() worker.Queue {
	if a.cfg.Engine.Broker == "redis" {
		return worker.NewRedisQueue(a.redis, a.prefix())
	}
	return worker.NewMemoryQueue()
}

func (a *App) newBus() events.Bus {
	if a.cfg.Engine.EventBus == "redis" {
		return events.NewRedisBus(a.redis, a.prefix(), a.logger)
	}
	return events.NewMemoryBus(a.logger)
}

func (a *App) newSink() telemetry.Sink {
	switch a.cfg.Engine.Sink {
	case "redis":
		return telemetry.NewRedisStreamSink(a.redis, a.prefix()+":samples", samplesStreamMaxLen)
	case "memory":
		return telemetry.NewMemorySink()
	default:
		return telemetry.NewLogSink(a.logger)
	}
}

func (a *App) newReachProber() probes.Prober {
	if a.cfg.Engine.Prober == "tcp" {
		return probes.NewTCPProber(a.cfg.Engine.TCPPort)
	}
	return probes.NewICMPProber(1, a.cfg.Engine.ICMPPrivileged)
}

func (a *App) newNotifier() services.Notifier {
	if a.cfg.Engine.WebhookURL != "" {
		return services.NewWebhookNotifier(a.cfg.Engine.WebhookURL, a.cfg.Engine.WebhookSecret, a.logger)
	}
	return services.NewLogNotifier(a.logger)
}
