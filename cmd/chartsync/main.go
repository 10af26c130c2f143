package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chartsync/internal/adapters/binance"
	"chartsync/internal/adapters/redisbridge"
	"chartsync/internal/adapters/wsfanout"
	"chartsync/internal/bus"
	"chartsync/internal/cache"
	"chartsync/internal/config"
	"chartsync/internal/domain"
	"chartsync/internal/hub"
	"chartsync/internal/metrics"
	"chartsync/internal/orchestrator"
	"chartsync/internal/ports"
	"chartsync/internal/repository"
	"chartsync/internal/supervisor"
)

// ChartSync wires the sync engine (repository, cache, bus, hub,
// orchestrator) to its adapters (market source, WebSocket fanout, optional
// Redis bridge, Prometheus metrics) and runs them under a Supervisor.
type ChartSync struct {
	cfg    *config.Config
	logger *zap.Logger

	repo         *repository.Repository
	cache        *cache.Cache
	bus          *bus.Bus
	hub          *hub.Hub
	orchestrator *orchestrator.Orchestrator

	market ports.MarketSource
	fanout *wsfanout.Fanout
	bridge *redisbridge.Bridge
	metric *metrics.PrometheusMetrics

	supervisor *supervisor.Supervisor

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	fmt.Println("chartsync: starting candle-sync engine")

	app := &ChartSync{}

	if err := app.initialize(); err != nil {
		fmt.Printf("chartsync: failed to initialize: %v\n", err)
		os.Exit(1)
	}

	if err := app.start(); err != nil {
		fmt.Printf("chartsync: failed to start: %v\n", err)
		os.Exit(1)
	}

	app.waitForShutdown()

	if err := app.shutdown(); err != nil {
		fmt.Printf("chartsync: error during shutdown: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("chartsync: stopped gracefully")
}

func (app *ChartSync) initialize() error {
	var err error

	app.ctx, app.cancel = context.WithCancel(context.Background())

	app.logger, err = setupLogger()
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}

	app.logger.Info("initializing chartsync")

	execPath, _ := os.Executable()
	execDir := filepath.Dir(execPath)

	configPath := filepath.Join(execDir, "configs", "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = "configs/config.yaml"
	}

	loader := config.NewConfigLoader()
	app.cfg, err = loader.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app.logger.Info("configuration loaded",
		zap.String("symbol", app.cfg.Symbol),
		zap.String("interval", app.cfg.Interval),
		zap.String("marketSource", app.cfg.MarketSource.Exchange))

	app.metric = metrics.New(app.logger)

	switch app.cfg.MarketSource.Exchange {
	case "binance", "":
		app.market = binance.New(app.cfg.MarketSource.RestBaseURL, app.cfg.MarketSource.WsBaseURL, app.logger)
	default:
		return fmt.Errorf("unsupported market source: %s", app.cfg.MarketSource.Exchange)
	}

	app.repo = repository.New(app.logger)
	app.cache = cache.New()
	app.bus = bus.New()
	app.hub = hub.New(app.logger, app.cfg.WsConflation())

	app.fanout = wsfanout.New(app.logger, 0, 0)
	app.hub.SetEmitter(app.fanout.HubEmitter())
	app.bus.SubscribeSeriesUpdated(app.fanout.BusListener())

	if app.cfg.Redis.Enabled {
		app.bridge, err = redisbridge.New(redisbridge.Config{URL: app.cfg.Redis.URL, DB: app.cfg.Redis.DB}, app.logger)
		if err != nil {
			app.logger.Warn("redis bridge disabled: connect failed", zap.Error(err))
			app.bridge = nil
		} else {
			app.bus.SubscribeSeriesUpdated(app.bridge.Listener())
		}
	}

	orchCfg := orchestrator.Config{
		PublishCandles:      app.cfg.PublishCandles,
		BackfillChunk:       app.cfg.BackfillChunk,
		BackfillMinSleep:    app.cfg.BackfillMinSleep(),
		LookbackMax:         app.cfg.LookbackMax(),
		WsConflation:        app.cfg.WsConflation(),
		MinHistoryReady:     app.cfg.MinHistoryReady,
		LivePublishThrottle: app.cfg.LivePublishThrottle(),
		LiveBatchMin:        app.cfg.LiveBatchMin(),
		LiveBatchMax:        app.cfg.LiveBatchMax(),
		LiveBatchImmediate:  app.cfg.LiveBatchImmediate,
		TargetedGapPadding:  app.cfg.TargetedGapPadding,
		CoalesceMinInterval: app.cfg.CoalesceMinInterval(),
	}
	paths := repository.Paths{CacheDir: app.cfg.CacheDir}
	app.orchestrator = orchestrator.New(app.market, app.repo, paths, app.cache, app.bus, app.hub, orchCfg, app.logger)

	app.supervisor = supervisor.NewSupervisor(app.logger)

	app.logger.Info("core components initialized")
	return nil
}

func setupLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg.OutputPaths = []string{"stdout"}
	return cfg.Build()
}

func (app *ChartSync) start() error {
	app.logger.Info("starting chartsync")

	session := orchestrator.SessionState{
		Symbol:   domain.Symbol(app.cfg.Symbol),
		Interval: domain.IntervalFromLabel(app.cfg.Interval),
	}
	if err := app.orchestrator.Start(session); err != nil {
		return fmt.Errorf("start orchestrator session: %w", err)
	}

	if err := app.registerUptimeWorker(); err != nil {
		return fmt.Errorf("register uptime worker: %w", err)
	}
	if err := app.registerMetricsWorker(); err != nil {
		return fmt.Errorf("register metrics worker: %w", err)
	}
	if err := app.registerFanoutWorker(); err != nil {
		return fmt.Errorf("register fanout worker: %w", err)
	}
	if app.bridge != nil {
		if err := app.registerRedisHealthWorker(); err != nil {
			return fmt.Errorf("register redis health worker: %w", err)
		}
	}

	if err := app.supervisor.Start(); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	app.printStartupSummary(session)
	return nil
}

// registerFanoutWorker runs the WebSocket fanout HTTP server under the
// supervisor: a listen failure or panic gets retried with backoff instead of
// silently taking down client connections for the rest of the process
// lifetime.
func (app *ChartSync) registerFanoutWorker() error {
	port := "8899"
	return app.supervisor.AddWorker(supervisor.WorkerConfig{
		Name:           "ws-fanout-server",
		MaxRetries:     0,
		InitialBackoff: time.Second,
		MaxBackoff:     15 * time.Second,
		BackoffFactor:  2,
	}, func(ctx context.Context) error {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", app.fanout.Handler())
		srv := &http.Server{Addr: ":" + port, Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			app.logger.Info("starting websocket fanout server", zap.String("port", port))
			errCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	})
}

// registerMetricsWorker runs the Prometheus metrics HTTP server under the
// supervisor instead of starting it directly, so the same retry/backoff
// policy that governs every other background worker also covers it.
func (app *ChartSync) registerMetricsWorker() error {
	return app.supervisor.AddWorker(supervisor.WorkerConfig{
		Name:           "metrics-server",
		MaxRetries:     0,
		InitialBackoff: time.Second,
		MaxBackoff:     15 * time.Second,
		BackoffFactor:  2,
	}, func(ctx context.Context) error {
		if err := app.metric.Start(app.cfg.Metrics.Port); err != nil {
			return err
		}
		<-ctx.Done()
		return app.metric.Stop()
	})
}

// registerRedisHealthWorker periodically pings the Redis bridge's connection
// and records the result, so a lost connection shows up in both the logs and
// the chartsync_redis_operations_total metric rather than only surfacing the
// next time a publish happens to fail.
func (app *ChartSync) registerRedisHealthWorker() error {
	return app.supervisor.AddWorker(supervisor.WorkerConfig{
		Name:           "redis-bridge-health",
		MaxRetries:     0,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Second,
		BackoffFactor:  1,
	}, func(ctx context.Context) error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := app.bridge.HealthCheck(pingCtx)
				cancel()
				if err != nil {
					app.metric.RecordRedisOperation("ping", "failed")
					app.logger.Warn("redis bridge health check failed", zap.Error(err))
					continue
				}
				app.metric.RecordRedisOperation("ping", "ok")
			}
		}
	})
}

func (app *ChartSync) registerUptimeWorker() error {
	start := time.Now()
	return app.supervisor.AddWorker(supervisor.WorkerConfig{
		Name:           "uptime-reporter",
		MaxRetries:     0,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Second,
		BackoffFactor:  1,
	}, func(ctx context.Context) error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				app.metric.SetServiceUptime("chartsync", time.Since(start))
			}
		}
	})
}

func (app *ChartSync) printStartupSummary(session orchestrator.SessionState) {
	app.logger.Info("chartsync operational",
		zap.String("symbol", string(session.Symbol)),
		zap.String("interval", session.Interval.Label()),
		zap.String("ws", "ws://localhost:8899/ws"),
		zap.String("metrics", ":"+app.cfg.Metrics.Port+"/metrics"))
}

func (app *ChartSync) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	app.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
}

func (app *ChartSync) shutdown() error {
	app.logger.Info("shutting down chartsync")

	app.cancel()

	app.orchestrator.Stop()

	// Stopping the supervisor cancels every worker's context, which in turn
	// shuts down the fanout and metrics HTTP servers and the Redis health
	// loop registered in start().
	if err := app.supervisor.Stop(); err != nil {
		app.logger.Error("error stopping supervisor", zap.Error(err))
	}

	app.hub.Stop()
	app.fanout.Stop()

	if app.bridge != nil {
		if err := app.bridge.Close(); err != nil {
			app.logger.Error("error closing redis bridge", zap.Error(err))
		}
	}

	app.logger.Info("chartsync shutdown complete")
	return nil
}
