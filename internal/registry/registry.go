package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driftcast/stationd/internal/infrastructure/database"
)

// Record is one launch the orchestrator performed. Records with no StoppedAt
// belong to processes that were never confirmed stopped - either still
// running, or abandoned by a previous stationd instance that crashed.
type Record struct {
	ID        string
	RunID     string
	Service   string
	PID       int
	Pattern   string
	LogPath   string
	StartedAt time.Time
	StoppedAt *time.Time
}

// Store persists launch records in SQLite.
//
// The store exists so reconciliation can target processes stationd itself
// started, instead of pattern-matching arbitrary system processes and risking
// collateral termination of an unrelated command line.
type Store struct {
	db *database.DB
}

// NewStore creates a launch record store backed by the given database.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// RecordLaunch inserts a new open launch record and returns its ID.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - runID: The current orchestrator run's ID
//   - service: Managed service name
//   - pid: Process ID of the launched service
//   - pattern: The service's identity pattern, stored so a later run can
//     verify the PID still belongs to this service before signalling it
//   - logPath: The service's log sink path
//
// Returns:
//   - string: The new record's ID
//   - error: If the insert fails
func (s *Store) RecordLaunch(ctx context.Context, runID, service string, pid int, pattern, logPath string) (string, error) {
	id := uuid.New().String()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO launches (id, run_id, service, pid, pattern, log_path, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, runID, service, pid, pattern, logPath,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("recording launch of %s (pid %d): %w", service, pid, err)
	}

	return id, nil
}

// MarkStopped closes a launch record. Closing an already-closed or unknown
// record is not an error.
func (s *Store) MarkStopped(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE launches SET stopped_at = ? WHERE id = ? AND stopped_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("closing launch record %s: %w", id, err)
	}
	return nil
}

// OpenRecords returns all launch records that were never confirmed stopped,
// oldest first. These are the reconciliation candidates for a new run.
func (s *Store) OpenRecords(ctx context.Context) ([]Record, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT id, run_id, service, pid, pattern, log_path, started_at
		FROM launches WHERE stopped_at IS NULL ORDER BY started_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying open launch records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var startedAt string
		if err := rows.Scan(&r.ID, &r.RunID, &r.Service, &r.PID, &r.Pattern, &r.LogPath, &startedAt); err != nil {
			return nil, fmt.Errorf("scanning launch record: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt) //nolint:errcheck // Format is controlled
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating launch records: %w", err)
	}
	return records, nil
}

// Get returns a single launch record by ID.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var r Record
	var startedAt string
	var stoppedAt sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, service, pid, pattern, log_path, started_at, stopped_at
		FROM launches WHERE id = ?`, id,
	).Scan(&r.ID, &r.RunID, &r.Service, &r.PID, &r.Pattern, &r.LogPath, &startedAt, &stoppedAt)
	if err != nil {
		return nil, fmt.Errorf("loading launch record %s: %w", id, err)
	}

	r.StartedAt, _ = time.Parse(time.RFC3339, startedAt) //nolint:errcheck // Format is controlled
	if stoppedAt.Valid {
		t, _ := time.Parse(time.RFC3339, stoppedAt.String) //nolint:errcheck // Format is controlled
		r.StoppedAt = &t
	}

	return &r, nil
}

// Prune deletes closed records older than the given age, keeping the
// registry from growing without bound across restarts.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM launches WHERE stopped_at IS NOT NULL AND stopped_at < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning launch records: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // Row count is informational only
	}
	return n, nil
}
