package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/BaSui01/measurementplane/config"
	"github.com/BaSui01/measurementplane/internal/migration"
)

// =============================================================================
// migrate
// =============================================================================

func runMigrate(args []string) error {
	if len(args) < 1 {
		printMigrateUsage(os.Stderr)
		return fmt.Errorf("missing subcommand")
	}
	sub, rest := args[0], args[1:]

	var (
		fs     = flag.NewFlagSet("migrate "+sub, flag.ExitOnError)
		common commonFlags
		driver = fs.String("driver", "", "Database driver: sqlite, postgres, mysql (overrides config)")
		name   = fs.String("name", "", "Database name or sqlite file (overrides config)")
		all    = fs.Bool("all", false, "With down: roll back every migration")
	)
	common.register(fs)

	var target string
	switch sub {
	case "up", "down", "status", "version":
	case "goto", "force":
		if len(rest) < 1 {
			return fmt.Errorf("usage: mplane migrate %s <version>", sub)
		}
		target, rest = rest[0], rest[1:]
	case "help", "-h", "--help":
		printMigrateUsage(os.Stdout)
		return nil
	default:
		printMigrateUsage(os.Stderr)
		return fmt.Errorf("unknown migrate subcommand %q", sub)
	}
	_ = fs.Parse(rest)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	dbCfg := migrateTarget(cfg.Database, *driver, *name)

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	m, err := migration.Open(dbCfg, migration.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	defer func() { _ = m.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runMigrateCommand(ctx, migration.NewCLI(m), sub, target, *all)
}

// migrateTarget applies the --driver and --name overrides.
func migrateTarget(db config.DatabaseConfig, driver, name string) config.DatabaseConfig {
	if driver != "" {
		db.Driver = driver
	}
	if name != "" {
		db.Name = name
	}
	return db
}

func runMigrateCommand(ctx context.Context, cli *migration.CLI, sub, target string, all bool) error {
	switch sub {
	case "up":
		return cli.RunUp(ctx)
	case "down":
		return cli.RunDown(ctx, all)
	case "status":
		return cli.RunStatus(ctx)
	case "version":
		return cli.RunVersion(ctx)
	case "goto":
		v, err := strconv.ParseUint(target, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version %q", target)
		}
		return cli.RunGoto(ctx, uint(v))
	case "force":
		v, err := strconv.Atoi(target)
		if err != nil {
			return fmt.Errorf("invalid version %q", target)
		}
		return cli.RunForce(ctx, v)
	default:
		return fmt.Errorf("unknown migrate subcommand %q", sub)
	}
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Result store schema migrations

Usage:
  mplane migrate <subcommand> [options]

Subcommands:
  up              Apply all pending migrations
  down [--all]    Roll back the last migration, or all of them
  status          List migrations and whether they are applied
  version         Show the current schema version
  goto <version>  Migrate up or down to a version
  force <version> Record a version without running migrations

Options:
  --config <path>   Path to configuration file (YAML)
  --driver <name>   Database driver (default from config)
  --name <name>     Database name or sqlite file (default from config)

Examples:
  mplane migrate up --config /etc/mplane/config.yaml
  mplane migrate status --driver sqlite --name ./mplane.db
  mplane migrate down --all`)
}
