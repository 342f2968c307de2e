// Package dbtest provides a migrated SQLite database for tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/db"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/db/migrate"
)

// Open creates a fresh SQLite database in t.TempDir, applies all migrations and
// registers Close with t.Cleanup.
func Open(t testing.TB) *db.DB {
	t.Helper()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "test.db")
	if err := migrate.Run(dsn, "up"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	conn, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
