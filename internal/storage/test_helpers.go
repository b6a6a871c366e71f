package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/brez-sync/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// setupIntegrationDB connects to the local Postgres, applies migrations and
// skips the test when the database is unavailable
func setupIntegrationDB(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.PostgresConfig{
		Host:           envOr("POSTGRES_HOST", "localhost"),
		Port:           envOr("POSTGRES_PORT", "5432"),
		Database:       envOr("POSTGRES_DB", "brez_sync_test"),
		User:           envOr("POSTGRES_USER", "brez"),
		Password:       envOr("POSTGRES_PASSWORD", "brez_dev_password"),
		MaxConnections: 5,
	}

	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.DSN(), "../../"+DefaultPostgresMigrations); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}
