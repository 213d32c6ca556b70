package database

import (
	"context"
	stdsql "database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestClient creates a test database client with CI/local environment detection.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: spins up a testcontainer with PostgreSQL.
func newTestClient(t *testing.T) *Client {
	ctx := context.Background()

	ciDatabaseURL := os.Getenv("CI_DATABASE_URL")

	var connStr string

	if ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		connStr = ciDatabaseURL
	} else {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		var err2 error
		connStr, err2 = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err2)
	}

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	require.NoError(t, RunMigrations(ctx, db, "test"))

	client := NewClientFromDB(db)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestDatabaseClient_ConnectionPool(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	err := client.DB().PingContext(ctx)
	require.NoError(t, err)

	health, err := Health(ctx, client.DB())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxOpenConns, 0)
}

func TestMigrationsCreateSchema(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	// Migrations are idempotent.
	require.NoError(t, RunMigrations(ctx, client.DB(), "test"))

	_, err := client.DB().ExecContext(ctx,
		`INSERT INTO projects (id, name, owner_id, root_dir) VALUES ($1, $2, $3, $4)`,
		"proj-1", "test project", "user-1", "/data/proj-1")
	require.NoError(t, err)

	var count int
	err = client.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projects WHERE owner_id = $1`, "user-1").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Cascade: session rows reference projects.
	_, err = client.DB().ExecContext(ctx,
		`INSERT INTO live_sessions (id, project_id, created_by, name, input_mode, watch_dir, watch_glob)
		 VALUES ($1, $2, $3, $4, 'watch', '/data/movies', '*.tiff')`,
		"sess-1", "proj-1", "user-1", "grid 3 overnight")
	require.NoError(t, err)

	_, err = client.DB().ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, "proj-1")
	require.NoError(t, err)

	err = client.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM live_sessions WHERE id = $1`, "sess-1").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "sessions cascade with their project")
}
