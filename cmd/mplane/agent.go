package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/measurementplane/agent"
	"github.com/BaSui01/measurementplane/capabilities/latency"
	"github.com/BaSui01/measurementplane/capabilities/regiontime"
	"github.com/BaSui01/measurementplane/capabilities/storage"
	"github.com/BaSui01/measurementplane/capability"
	"github.com/BaSui01/measurementplane/config"
	"github.com/BaSui01/measurementplane/internal/metrics"
	"github.com/BaSui01/measurementplane/internal/server"
	"github.com/BaSui01/measurementplane/internal/telemetry"
)

// builtinCapabilities lists the capabilities an agent can serve, in the
// order they are enabled by default.
var builtinCapabilities = []string{regiontime.Name, latency.Name, storage.Name}

// capabilitySet resolves capability names to factories. The storage backend
// is opened only when result_store is selected; the returned close function
// releases it.
func capabilitySet(names []string, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) ([]capability.Factory, func() error, error) {
	if len(names) == 0 {
		names = builtinCapabilities
	}

	var (
		factories []capability.Factory
		backend   storage.Backend
	)
	closer := func() error {
		if backend != nil {
			return backend.Close()
		}
		return nil
	}

	for _, name := range names {
		switch strings.TrimSpace(name) {
		case regiontime.Name:
			factories = append(factories, regiontime.Factory)
		case latency.Name:
			factories = append(factories, latency.Factory)
		case storage.Name:
			if backend == nil {
				b, err := storage.Open(cfg, logger)
				if err != nil {
					return nil, nil, fmt.Errorf("open result store: %w", err)
				}
				backend = b
			}
			factories = append(factories, storage.NewFactory(backend, collector))
		default:
			_ = closer()
			return nil, nil, fmt.Errorf("unknown capability %q (available: %s)", name, strings.Join(builtinCapabilities, ", "))
		}
	}
	return factories, closer, nil
}

func agentConfig(cfg config.AgentConfig) agent.Config {
	ac := agent.DefaultConfig()
	if cfg.AdvertiseInterval > 0 {
		ac.AdvertiseInterval = cfg.AdvertiseInterval
	}
	if cfg.AdvertiseRate > 0 {
		ac.AdvertiseRate = cfg.AdvertiseRate
	}
	if cfg.AdvertiseBurst > 0 {
		ac.AdvertiseBurst = cfg.AdvertiseBurst
	}
	if cfg.ShutdownTimeout > 0 {
		ac.ShutdownTimeout = cfg.ShutdownTimeout
	}
	return ac
}

// logLevelReloader applies log.level from a reloaded config. Other settings
// take effect on restart.
func logLevelReloader(level zap.AtomicLevel, logger *zap.Logger) config.ReloadFunc {
	return func(cfg *config.Config) {
		next := parseLevel(cfg.Log.Level)
		if next == level.Level() {
			return
		}
		logger.Info("log level changed", zap.Stringer("from", level.Level()), zap.Stringer("to", next))
		level.SetLevel(next)
	}
}

func runAgent(args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	common.register(fs)
	endpoint := fs.String("endpoint", "", "Endpoint to serve (overrides config and ENDPOINT)")
	caps := fs.String("capabilities", "", "Comma-separated capability names")
	_ = fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *endpoint != "" {
		cfg.Agent.Endpoint = *endpoint
	}
	if *caps != "" {
		cfg.Agent.Capabilities = strings.Split(*caps, ",")
	}

	logger, level := newLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting measurement agent",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
		zap.String("endpoint", cfg.Agent.Endpoint),
		zap.String("broker", cfg.Broker.URL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otel, err := telemetry.Init(cfg.Telemetry, logger,
		telemetry.WithServiceVersion(Version),
		telemetry.WithAttributes(telemetry.AttrEndpoint.String(cfg.Agent.Endpoint)),
	)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	} else {
		defer func() { _ = otel.Shutdown(context.Background()) }()
	}

	var (
		collector *metrics.Collector
		gatherer  prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewCollectorWithRegistry(cfg.Metrics.Namespace, reg, logger)
		gatherer = reg
	}

	factories, closeCaps, err := capabilitySet(cfg.Agent.Capabilities, cfg, collector, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeCaps(); err != nil {
			logger.Warn("failed to close result store", zap.Error(err))
		}
	}()

	bus, err := connectBus(ctx, cfg.Broker, logger)
	if err != nil {
		return err
	}
	defer closeBus(bus, cfg.Broker.DrainTimeout, logger)

	a, err := agent.New(bus, cfg.Agent.Endpoint,
		agent.WithCapabilities(factories...),
		agent.WithLogger(logger),
		agent.WithMetrics(collector),
		agent.WithConfig(agentConfig(cfg.Agent)),
	)
	if err != nil {
		return err
	}

	health := func(context.Context) error {
		if !bus.Connected() {
			return fmt.Errorf("broker disconnected")
		}
		return nil
	}
	ops := server.NewManager(server.NewOpsHandler(health, gatherer), server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     server.DefaultConfig().IdleTimeout,
		MaxHeaderBytes:  server.DefaultConfig().MaxHeaderBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error { return ops.Run(gctx) })

	if common.configPath != "" {
		w, err := config.NewWatcher(common.configPath, common.loader(), config.WithWatcherLogger(logger))
		if err != nil {
			logger.Warn("config watching disabled", zap.Error(err))
		} else {
			w.OnReload(logLevelReloader(level, logger))
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	err = ignoreCanceled(g.Wait())
	logger.Info("measurement agent stopped")
	return err
}
