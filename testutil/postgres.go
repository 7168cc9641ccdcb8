package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/onnwee/clip-tender/db"
)

// SetupTestDB connects to TEST_PG_DSN and migrates it to the latest schema.
// Tests are skipped when the variable is unset. Rows are not cleaned up, so
// callers key their fixtures with fresh ids.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.RunMigrations(database); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return database
}
