package migrate

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/db"
)

func TestRun_EmptyDSN(t *testing.T) {
	for _, dsn := range []string{"", "   "} {
		if err := Run(dsn, "up"); err == nil {
			t.Errorf("Run(%q) should return error", dsn)
		}
	}
}

func TestRun_InvalidDirection(t *testing.T) {
	testCases := []string{"", "invalid", "UP", "Up", "both"}
	for _, direction := range testCases {
		t.Run(direction, func(t *testing.T) {
			err := Run("sqlite://"+filepath.Join(t.TempDir(), "app.db"), direction)
			if err == nil {
				t.Errorf("Run with direction %q should return error", direction)
			}
		})
	}
}

func TestRun_UnsupportedScheme(t *testing.T) {
	if err := Run("mysql://localhost/test", "up"); err == nil {
		t.Error("Run with unsupported scheme should return error")
	}
}

func TestRun_SQLiteUpDown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")
	dsn := "sqlite://" + path

	if err := Run(dsn, "up"); err != nil {
		t.Fatalf("Run up: %v", err)
	}
	// second up is a no-op, not an error
	if err := Run(dsn, "up"); err != nil {
		t.Fatalf("Run up again: %v", err)
	}

	conn, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, table := range []string{"users", "account_bindings", "vpn_sessions", "app_settings", "audit_logs"} {
		var name string
		err := conn.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
	conn.Close()

	if err := Run(dsn, "down"); err != nil {
		t.Fatalf("Run down: %v", err)
	}
}

func TestErrNoChange(t *testing.T) {
	if ErrNoChange == nil {
		t.Fatal("ErrNoChange should not be nil")
	}
	if !errors.Is(ErrNoChange, ErrNoChange) {
		t.Error("ErrNoChange should be errors.Is compatible")
	}
}
