package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/BaSui01/measurementplane/config"
	"github.com/BaSui01/measurementplane/internal/database"
)

//go:embed migrations
var migrationsFS embed.FS

// DefaultTable records the applied schema version.
const DefaultTable = "schema_migrations"

// Dialect selects the migration files and the golang-migrate driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// ParseDialect maps a database driver name to its dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", s)
	}
}

func (d Dialect) dir() string { return path.Join("migrations", string(d)) }

// Status describes one migration file.
type Status struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// Info summarises the schema state.
type Info struct {
	CurrentVersion uint
	Dirty          bool
	Total          int
	Applied        int
	Pending        int
}

// Option configures a Migrator.
type Option func(*options)

type options struct {
	table  string
	logger *zap.Logger
}

// WithTable overrides the version table name.
func WithTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.table = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Migrator applies the embedded measurement_results schema to one database.
type Migrator struct {
	dialect Dialect
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// New builds a migrator on db. Close closes db.
func New(db *sql.DB, dialect Dialect, opts ...Option) (*Migrator, error) {
	o := options{table: DefaultTable, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	driver, err := databaseDriver(db, dialect, o.table)
	if err != nil {
		return nil, fmt.Errorf("create %s migration driver: %w", dialect, err)
	}
	src, err := iofs.New(migrationsFS, dialect.dir())
	if err != nil {
		return nil, fmt.Errorf("load %s migrations: %w", dialect, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, string(dialect), driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	logger := o.logger.With(zap.String("component", "migration"), zap.String("dialect", string(dialect)))
	m.Log = migrateLogger{logger.Sugar()}
	return &Migrator{dialect: dialect, migrate: m, logger: logger}, nil
}

// Open connects to the database in cfg on a dedicated handle and builds a
// migrator on it.
func Open(cfg config.DatabaseConfig, opts ...Option) (*Migrator, error) {
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	gdb, err := database.Connect(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql handle: %w", err)
	}
	m, err := New(db, dialect, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// Apply brings the database in cfg up to the latest schema version and
// returns that version.
func Apply(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (uint, error) {
	m, err := Open(cfg, WithLogger(logger))
	if err != nil {
		return 0, err
	}
	defer func() { _ = m.Close() }()

	if err := m.Up(ctx); err != nil {
		return 0, err
	}
	version, _, err := m.Version(ctx)
	if err != nil {
		return 0, err
	}
	m.logger.Info("schema is current", zap.Uint("version", version))
	return version, nil
}

func databaseDriver(db *sql.DB, dialect Dialect, table string) (migratedb.Driver, error) {
	switch dialect {
	case DialectSQLite:
		return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: table})
	case DialectPostgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	case DialectMySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
}

// Dialect returns the migrator's dialect.
func (m *Migrator) Dialect() Dialect { return m.dialect }

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context) error {
	return m.run(ctx, "up", m.migrate.Up)
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.run(ctx, "down", func() error { return m.migrate.Steps(-1) })
}

// Reset rolls back every migration.
func (m *Migrator) Reset(ctx context.Context) error {
	return m.run(ctx, "reset", m.migrate.Down)
}

// Goto migrates up or down to version.
func (m *Migrator) Goto(ctx context.Context, version uint) error {
	return m.run(ctx, "goto", func() error { return m.migrate.Migrate(version) })
}

// Force records version as applied and clears the dirty flag without
// running any migration. -1 means no version.
func (m *Migrator) Force(_ context.Context, version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}
	m.logger.Warn("schema version forced", zap.Int("version", version))
	return nil
}

// run executes fn and stops it gracefully when ctx ends. ErrNoChange is
// not an error.
func (m *Migrator) run(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case m.migrate.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()

	err := fn()
	if errors.Is(err, migrate.ErrNoChange) {
		m.logger.Debug("no migration to run", zap.String("op", op))
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", op, err)
	}
	return ctx.Err()
}

// Version returns the applied version and whether the last migration left
// the schema dirty. An empty database is version 0.
func (m *Migrator) Version(context.Context) (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return version, dirty, nil
}

// Status lists every embedded migration with its state.
func (m *Migrator) Status(ctx context.Context) ([]Status, error) {
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	files, err := available(m.dialect)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(files))
	for _, f := range files {
		out = append(out, Status{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= current,
			Dirty:   dirty && f.version == current,
		})
	}
	return out, nil
}

// Info summarises Status.
func (m *Migrator) Info(ctx context.Context) (*Info, error) {
	statuses, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	info := &Info{CurrentVersion: current, Dirty: dirty, Total: len(statuses)}
	for _, s := range statuses {
		if s.Applied {
			info.Applied++
		}
	}
	info.Pending = info.Total - info.Applied
	return info, nil
}

// Close releases the migration source and closes the database handle.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	return errors.Join(srcErr, dbErr)
}

type migrationFile struct {
	version uint
	name    string
}

// available parses "<version>_<name>.up.sql" file names of dialect.
func available(dialect Dialect) ([]migrationFile, error) {
	entries, err := fs.ReadDir(migrationsFS, dialect.dir())
	if err != nil {
		return nil, fmt.Errorf("read %s migrations: %w", dialect, err)
	}
	var files []migrationFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		version, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(version, 10, 32)
		if err != nil {
			continue
		}
		files = append(files, migrationFile{version: uint(v), name: strings.TrimSuffix(rest, ".up.sql")})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// migrateLogger routes golang-migrate output to zap.
type migrateLogger struct {
	l *zap.SugaredLogger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.l.Debugf(strings.TrimSuffix(format, "\n"), v...)
}

func (l migrateLogger) Verbose() bool { return false }
