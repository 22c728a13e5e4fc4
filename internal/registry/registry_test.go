package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftcast/stationd/internal/infrastructure/database"
)

// launchTableSQL mirrors the embedded launch_registry migration. Tests create
// the schema directly so this package doesn't depend on the migrations package.
const launchTableSQL = `
CREATE TABLE launches (
    id         TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL,
    service    TEXT NOT NULL,
    pid        INTEGER NOT NULL,
    pattern    TEXT NOT NULL,
    log_path   TEXT NOT NULL DEFAULT '',
    started_at TEXT NOT NULL,
    stopped_at TEXT
)`

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "registry.db"),
		BusyTimeout: 1,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.ExecContext(context.Background(), launchTableSQL); err != nil {
		t.Fatalf("creating launches table: %v", err)
	}

	return NewStore(db)
}

func TestStore_RecordAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.RecordLaunch(ctx, "run-1", "icecast", 4242, "icecast.*config/icecast", "logs/icecast.log")
	if err != nil {
		t.Fatalf("RecordLaunch() error = %v", err)
	}
	if id == "" {
		t.Fatal("RecordLaunch() returned empty ID")
	}

	rec, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if rec.Service != "icecast" {
		t.Errorf("Service = %q, want %q", rec.Service, "icecast")
	}
	if rec.PID != 4242 {
		t.Errorf("PID = %d, want 4242", rec.PID)
	}
	if rec.StoppedAt != nil {
		t.Errorf("StoppedAt = %v, want nil for open record", rec.StoppedAt)
	}
	if rec.StartedAt.IsZero() {
		t.Error("StartedAt is zero, want a timestamp")
	}
}

func TestStore_OpenRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id1, err := store.RecordLaunch(ctx, "run-1", "icecast", 100, "icecast", "")
	if err != nil {
		t.Fatalf("RecordLaunch() error = %v", err)
	}
	if _, err := store.RecordLaunch(ctx, "run-1", "liquidsoap", 101, "liquidsoap", ""); err != nil {
		t.Fatalf("RecordLaunch() error = %v", err)
	}

	open, err := store.OpenRecords(ctx)
	if err != nil {
		t.Fatalf("OpenRecords() error = %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("len(open) = %d, want 2", len(open))
	}

	// Closing one record removes it from the open set.
	if err := store.MarkStopped(ctx, id1); err != nil {
		t.Fatalf("MarkStopped() error = %v", err)
	}

	open, err = store.OpenRecords(ctx)
	if err != nil {
		t.Fatalf("OpenRecords() error = %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("len(open) after close = %d, want 1", len(open))
	}
	if open[0].Service != "liquidsoap" {
		t.Errorf("remaining open record = %q, want %q", open[0].Service, "liquidsoap")
	}
}

func TestStore_MarkStoppedIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.RecordLaunch(ctx, "run-1", "icecast", 100, "icecast", "")
	if err != nil {
		t.Fatalf("RecordLaunch() error = %v", err)
	}

	if err := store.MarkStopped(ctx, id); err != nil {
		t.Errorf("first MarkStopped() error = %v", err)
	}
	if err := store.MarkStopped(ctx, id); err != nil {
		t.Errorf("second MarkStopped() error = %v", err)
	}
	if err := store.MarkStopped(ctx, "no-such-id"); err != nil {
		t.Errorf("MarkStopped() on unknown ID error = %v", err)
	}
}

func TestStore_Prune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.RecordLaunch(ctx, "run-1", "icecast", 100, "icecast", "")
	if err != nil {
		t.Fatalf("RecordLaunch() error = %v", err)
	}
	if err := store.MarkStopped(ctx, id); err != nil {
		t.Fatalf("MarkStopped() error = %v", err)
	}

	// Open records are never pruned.
	if _, err := store.RecordLaunch(ctx, "run-1", "liquidsoap", 101, "liquidsoap", ""); err != nil {
		t.Fatalf("RecordLaunch() error = %v", err)
	}

	// Zero age prunes everything closed before now.
	time.Sleep(10 * time.Millisecond)
	n, err := store.Prune(ctx, 0)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() removed %d records, want 1", n)
	}

	open, err := store.OpenRecords(ctx)
	if err != nil {
		t.Fatalf("OpenRecords() error = %v", err)
	}
	if len(open) != 1 {
		t.Errorf("open records after prune = %d, want 1", len(open))
	}
}
