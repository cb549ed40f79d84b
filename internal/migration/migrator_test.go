package migration

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/measurementplane/config"
	"github.com/BaSui01/measurementplane/internal/database"
)

func sqliteConfig(t *testing.T) config.DatabaseConfig {
	t.Helper()
	return config.DatabaseConfig{Driver: "sqlite", Name: filepath.Join(t.TempDir(), "results.db")}
}

func openSQLite(t *testing.T, cfg config.DatabaseConfig) *Migrator {
	t.Helper()
	m, err := Open(cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// sqliteObject reports whether sqlite_master lists an object of kind named
// name.
func sqliteObject(t *testing.T, cfg config.DatabaseConfig, kind, name string) bool {
	t.Helper()
	db, err := database.Connect(cfg)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	var n int64
	require.NoError(t, db.Raw("SELECT count(*) FROM sqlite_master WHERE type = ? AND name = ?", kind, name).Scan(&n).Error)
	return n > 0
}

func hasTable(t *testing.T, cfg config.DatabaseConfig) bool {
	return sqliteObject(t, cfg, "table", "measurement_results")
}

func hasIndex(t *testing.T, cfg config.DatabaseConfig) bool {
	return sqliteObject(t, cfg, "index", "idx_results_topic_stored")
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		input   string
		want    Dialect
		wantErr bool
	}{
		{"sqlite", DialectSQLite, false},
		{"sqlite3", DialectSQLite, false},
		{"postgres", DialectPostgres, false},
		{"PostgreSQL", DialectPostgres, false},
		{"pg", DialectPostgres, false},
		{"mysql", DialectMySQL, false},
		{"mariadb", DialectMySQL, false},
		{"oracle", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDialect(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAvailable_EveryDialectHasTheSameVersions(t *testing.T) {
	var versions [][]uint
	for _, d := range []Dialect{DialectSQLite, DialectPostgres, DialectMySQL} {
		files, err := available(d)
		require.NoError(t, err, d)
		require.NotEmpty(t, files, d)

		var vs []uint
		for _, f := range files {
			vs = append(vs, f.version)
		}
		versions = append(versions, vs)
		assert.Equal(t, "create_measurement_results", files[0].name)
	}
	assert.Equal(t, versions[0], versions[1])
	assert.Equal(t, versions[0], versions[2])
}

func TestMigrator_UpDownSQLite(t *testing.T) {
	cfg := sqliteConfig(t)
	m := openSQLite(t, cfg)
	ctx := context.Background()

	v, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.False(t, dirty)

	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Total)
	assert.Equal(t, 2, info.Pending)

	require.NoError(t, m.Up(ctx))
	v, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	assert.True(t, hasTable(t, cfg))
	assert.True(t, hasIndex(t, cfg))

	require.NoError(t, m.Up(ctx), "up on a current schema is not an error")

	require.NoError(t, m.Down(ctx))
	v, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.False(t, hasIndex(t, cfg))

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Applied)
	assert.False(t, statuses[1].Applied)

	require.NoError(t, m.Reset(ctx))
	assert.False(t, hasTable(t, cfg))

	require.NoError(t, m.Goto(ctx, 1))
	v, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
}

func TestMigrator_Force(t *testing.T) {
	m := openSQLite(t, sqliteConfig(t))
	ctx := context.Background()

	require.NoError(t, m.Force(ctx, 2))
	v, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	assert.False(t, dirty)
}

func TestMigrator_CancelledContext(t *testing.T) {
	m := openSQLite(t, sqliteConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, m.Up(ctx), context.Canceled)
	v, _, err := m.Version(context.Background())
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestApply(t *testing.T) {
	cfg := sqliteConfig(t)

	v, err := Apply(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)

	v, err = Apply(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	assert.True(t, hasTable(t, cfg))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestCLI(t *testing.T) {
	m := openSQLite(t, sqliteConfig(t))
	ctx := context.Background()
	var out bytes.Buffer
	cli := NewCLI(m)
	cli.SetOutput(&out)

	require.NoError(t, cli.RunVersion(ctx))
	assert.Contains(t, out.String(), "No migrations applied.")

	out.Reset()
	require.NoError(t, cli.RunStatus(ctx))
	assert.Contains(t, out.String(), "create_measurement_results")
	assert.Contains(t, out.String(), "pending")
	assert.Contains(t, out.String(), "Total: 2, Applied: 0, Pending: 2")

	out.Reset()
	require.NoError(t, cli.RunUp(ctx))
	assert.Contains(t, out.String(), "Schema is at version 2")

	out.Reset()
	require.NoError(t, cli.RunStatus(ctx))
	assert.Contains(t, out.String(), "Total: 2, Applied: 2, Pending: 0")

	out.Reset()
	require.NoError(t, cli.RunDown(ctx, false))
	assert.Contains(t, out.String(), "Schema is at version 1")

	out.Reset()
	require.NoError(t, cli.RunDown(ctx, true))
	assert.Contains(t, out.String(), "All migrations rolled back.")
}
