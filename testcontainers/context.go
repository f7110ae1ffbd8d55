// Package testcontainers manages throwaway postgres containers for
// the connection store integration tests. Tests that use it skip in
// short mode; Docker must be available otherwise.
package testcontainers

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"go.uber.org/zap"

	"github.com/connkeeper/connkeeper/postgres"
)

const defaultTimeout = 60 * time.Second

// TestDatabase starts a postgres container, applies the schema
// migrations and returns an open handle. The container and the handle
// are cleaned up when the test finishes.
func TestDatabase(t *testing.T) *sql.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	t.Cleanup(cancel)

	container, err := NewPostgresContainer(ctx)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("failed to terminate postgres container: %v", err)
		}
	})

	if err := postgres.NewMigrationRunner(container.GetDSN(), zap.NewNop()).Run(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	db, err := sql.Open("pgx", container.GetDSN())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}
