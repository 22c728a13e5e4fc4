package database

import (
	"context"
	"path/filepath"
	"testing"
)

func TestMigrate_NoEmbeddedMigrations(t *testing.T) {
	// MigrationsFS is unset in this package's tests; Migrate should still
	// create the bookkeeping table and succeed.
	db, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "migrate.db"),
		BusyTimeout: 1,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	// Re-running must be a no-op.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("querying schema_migrations: %v", err)
	}
	if count != 0 {
		t.Errorf("applied migrations = %d, want 0", count)
	}
}

func TestMigrate_AppliesPending(t *testing.T) {
	db, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "apply.db"),
		BusyTimeout: 1,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	m := Migration{
		Version: "20260815_120000",
		Name:    "test_table",
		UpSQL:   "CREATE TABLE widgets (id TEXT PRIMARY KEY)",
	}

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.applyMigration(ctx, m); err != nil {
		t.Fatalf("applyMigration() error = %v", err)
	}

	applied, err := db.appliedVersions(ctx)
	if err != nil {
		t.Fatalf("appliedVersions() error = %v", err)
	}
	if !applied["20260815_120000"] {
		t.Error("migration version not recorded")
	}

	if _, err := db.ExecContext(ctx, "INSERT INTO widgets (id) VALUES ('a')"); err != nil {
		t.Errorf("migrated table not usable: %v", err)
	}
}
