// =============================================================================
// Measurement plane command
// =============================================================================
// Usage:
//
//	mplane agent                          # serve capabilities on an endpoint
//	mplane agent --config config.yaml     # with a config file
//	mplane discover                       # list advertised capabilities
//	mplane measure --capability region_time --params '{"region":"Europe/Paris"}'
//	mplane migrate up                     # apply result store schema migrations
//	mplane version                        # show version information
//	mplane health                         # probe a running agent
// =============================================================================

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/measurementplane/config"
	"github.com/BaSui01/measurementplane/internal/tlsutil"
	"github.com/BaSui01/measurementplane/transport/natsbus"
)

// Build information, injected with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "agent":
		err = runAgent(os.Args[2:])
	case "discover":
		err = runDiscover(os.Args[2:])
	case "measure":
		err = runMeasure(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		err = runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// =============================================================================
// Shared flags and setup
// =============================================================================

// commonFlags are accepted by every networked command.
type commonFlags struct {
	configPath string
	broker     string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to config file")
	fs.StringVar(&c.broker, "broker", "", "Broker URL (overrides config and BROKER_URL)")
}

// load builds the configuration: defaults, file, environment, then flags.
func (c *commonFlags) loader() *config.Loader {
	loader := config.NewLoader()
	if c.configPath != "" {
		loader = loader.WithConfigPath(c.configPath)
	}
	if c.broker != "" {
		broker := c.broker
		loader = loader.WithValidator(func(cfg *config.Config) error {
			cfg.Broker.URL = broker
			return nil
		})
	}
	return loader
}

func (c *commonFlags) load() (*config.Config, error) {
	cfg, err := c.loader().Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func busConfig(cfg config.BrokerConfig) (natsbus.Config, error) {
	tc, err := tlsutil.ClientConfig(cfg.TLS)
	if err != nil {
		return natsbus.Config{}, fmt.Errorf("broker tls: %w", err)
	}
	return natsbus.Config{
		URL:              cfg.URL,
		Name:             cfg.Name,
		MaxReconnects:    cfg.MaxReconnects,
		ReconnectWait:    cfg.ReconnectWait,
		PingInterval:     cfg.PingInterval,
		Timeout:          cfg.ConnectTimeout,
		DrainTimeout:     cfg.DrainTimeout,
		PendingMsgsLimit: cfg.PendingMsgsLimit,
		TLS:              tc,
	}, nil
}

// connectBus dials the broker described by cfg.
func connectBus(ctx context.Context, cfg config.BrokerConfig, logger *zap.Logger) (*natsbus.Bus, error) {
	bc, err := busConfig(cfg)
	if err != nil {
		return nil, err
	}
	return natsbus.Connect(ctx, bc, logger)
}

func closeBus(bus *natsbus.Bus, timeout time.Duration, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := bus.Close(ctx); err != nil {
		logger.Warn("broker connection did not close cleanly", zap.Error(err))
	}
}

// =============================================================================
// health
// =============================================================================

func runHealthCheck(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:9091", "Agent ops address")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	fmt.Println("OK")
	return nil
}

// =============================================================================
// version and help
// =============================================================================

func printVersion() {
	fmt.Printf("mplane %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`mplane - measurement plane agent and client

Usage:
  mplane <command> [options]

Commands:
  agent     Advertise capabilities and run measurements
  discover  List the capabilities currently advertised
  measure   Run one measurement and print its results
  migrate   Manage the SQL result store schema (see 'mplane migrate help')
  version   Show version information
  health    Check a running agent's /health endpoint
  help      Show this help message

Common options:
  --config <path>   Path to configuration file (YAML)
  --broker <url>    Broker URL

Options for 'agent':
  --endpoint <path>       Endpoint to serve (default from config or ENDPOINT)
  --capabilities <list>   Comma-separated capability names (default: all)

Options for 'measure':
  --capability <name>     Capability to run (required)
  --endpoint <path>       Only use the capability served from this endpoint
  --params <json>         Parameters object
  --schedule <s>          Schedule "start|stop|mode" (default "now|")
  --duration <d>          Interrupt after this long (0 waits for EOF)
  --store                 Also persist results through a store capability

Examples:
  mplane agent --endpoint /qnet --broker nats://127.0.0.1:4222
  mplane discover --role measure
  mplane measure --capability tcp_latency --params '{"host":"example.com","port":443}' --schedule 'now||5s' --duration 1m
  mplane health --addr http://localhost:9091`)
}

// =============================================================================
// Logging
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	logger, _ := newLogger(cfg)
	return logger
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// newLogger builds the process logger. The returned level can be changed at
// runtime.
func newLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       cfg.Format == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger, level
}

// ignoreCanceled treats context cancellation as a clean stop.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
