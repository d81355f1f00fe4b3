// Package db tests for database connection management.
package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	db, err := Open(ctx, tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	// Verify database file was created
	if _, err := os.Stat(filepath.Join(tmpDir, FileName)); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	// Verify WAL mode is enabled
	var walMode string
	if err := db.Get(&walMode, "PRAGMA journal_mode"); err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	// Verify the records table exists
	var count int
	if err := db.Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='records'"); err != nil {
		t.Fatalf("Failed to inspect schema: %v", err)
	}
	if count != 1 {
		t.Error("records table was not created")
	}
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	invalidPath := "/dev/null/invalid_path/that/cannot/be/created"

	if _, err := Open(context.Background(), invalidPath); err == nil {
		t.Error("Open() with invalid path should return error")
	}
}

// TestMigrate_idempotent verifies re-running migrations is a no-op.
func TestMigrate_idempotent(t *testing.T) {
	ctx := context.Background()

	db, err := OpenPath(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenPath() failed: %v", err)
	}
	defer db.Close()

	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("second Migrate() failed: %v", err)
	}

	version, err := CurrentVersion(ctx, db)
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
}
