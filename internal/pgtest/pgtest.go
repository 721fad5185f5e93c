// Package pgtest opens the PostgreSQL database used by store tests. Tests
// skip when TEST_DATABASE_URL is unset or the server is unreachable.
package pgtest

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/whisper/chat-dlp/internal/migrations"
)

// Open returns a migrated database handle and truncates tables on cleanup.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("postgres not available: %v", err)
	}
	if err := migrations.Up(dsn); err != nil {
		db.Close()
		t.Fatalf("migrations: %v", err)
	}

	truncate := func() {
		db.Exec(`TRUNCATE url_verdicts, moderation_artifacts, violations, messages`)
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		db.Close()
	})
	return db
}
