//go:build integration

package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"avfuel/internal/bootstrap"
	"avfuel/internal/core/id"
	"avfuel/internal/infrastructure/config"
	"avfuel/internal/infrastructure/storage/migration"
	"avfuel/pkg/logger"
)

// testEngine is the production wiring over a throwaway database.
type testEngine struct {
	*bootstrap.Engine
	t *testing.T
}

func testContext() context.Context {
	return logger.WithLogger(context.Background(), logger.Nop())
}

// newTestEngine starts a fresh PostgreSQL container, applies the migrations and
// wires the engine to it. Everything is torn down on cleanup.
func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := testContext()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("avfuel_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := migration.Open(dsn, migrationsPath(t))
	require.NoError(t, err)
	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Close())

	cfg := &config.Config{
		App: config.AppConfig{Name: "avfuel", Env: "test"},
		Database: config.DatabaseConfig{
			DSN:             dsn,
			MaxConns:        16,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
		},
	}
	engine, err := bootstrap.New(ctx, cfg, "integration", logger.Nop())
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return &testEngine{Engine: engine, t: t}
}

func migrationsPath(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "..", "..", "migrations")
}

// warehouse inserts a warehouse row and returns its id.
func (e *testEngine) warehouse() id.ID {
	e.t.Helper()
	wh := id.New()
	_, err := e.Pool.Exec(testContext(),
		"INSERT INTO cat_warehouses (id, code, name) VALUES ($1, $2, $3)",
		wh, fmt.Sprintf("WH-%s", wh.String()[24:]), "Test warehouse")
	require.NoError(e.t, err)
	return wh
}
