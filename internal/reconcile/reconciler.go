package reconcile

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/driftcast/stationd/internal/registry"
)

// defaultSettleDelay gives the OS time to release network resources (bound
// ports) held by terminated processes. The managed services have no explicit
// "released" notification, so a fixed pause is the only available compensation.
const defaultSettleDelay = 1500 * time.Millisecond

// Logger defines the logging interface for the reconciler.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// RecordSource supplies launch records from previous runs. Implemented by
// registry.Store; nil disables registry-driven reconciliation.
type RecordSource interface {
	OpenRecords(ctx context.Context) ([]registry.Record, error)
	MarkStopped(ctx context.Context, id string) error
}

// Result reports what a reconciliation pass found and did.
// Absence of matches is success, not an error.
type Result struct {
	// MatchedPIDs are all live processes identified as stale service
	// instances, whether from the registry or a pattern scan.
	MatchedPIDs []int32

	// Terminated are the PIDs that accepted a graceful termination signal.
	Terminated []int32

	// Errors maps PIDs to their termination failure. Per-PID failures never
	// abort reconciliation of the remaining patterns (best-effort cleanup).
	Errors map[int32]error
}

// Config holds reconciler settings.
type Config struct {
	// SettleDelay is the pause after all termination requests, before
	// control returns to the sequencer.
	SettleDelay time.Duration

	// MatchSystemProcesses enables the whole-process-table command line
	// scan. Registry records are always consulted regardless.
	MatchSystemProcesses bool
}

// procInfo is one live process: its PID and full command line.
// Matching is against the whole invocation because multiple services may
// share an executable and differ only in arguments.
type procInfo struct {
	pid     int32
	cmdline string
}

// candidate is one PID slated for termination. recordID names the launch
// record to close once the termination request is delivered; records must
// stay open while their process may still be running.
type candidate struct {
	source   string
	recordID string
}

// Reconciler finds and terminates stale instances of managed services before
// new instances launch, preventing port and resource collisions.
type Reconciler struct {
	config  Config
	logger  Logger
	records RecordSource

	// listProcesses snapshots live processes. Overridable in tests.
	listProcesses func(ctx context.Context) ([]procInfo, error)

	// terminate requests graceful termination of one PID. Overridable in tests.
	terminate func(pid int32) error

	// sleep waits the settle delay. Overridable in tests.
	sleep func(ctx context.Context, d time.Duration)
}

// New creates a reconciler. records may be nil when no launch registry is
// available; reconciliation then relies on pattern scanning alone.
func New(cfg Config, records RecordSource) *Reconciler {
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}

	return &Reconciler{
		config:        cfg,
		logger:        noopLogger{},
		records:       records,
		listProcesses: listLiveProcesses,
		terminate:     terminateProcess,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
	}
}

// SetLogger sets the logger for the reconciler.
func (r *Reconciler) SetLogger(logger Logger) {
	r.logger = logger
}

// Reconcile terminates stale service instances matching the given identity
// patterns, then waits the settle delay.
//
// Candidates come from two sources, registry first:
//  1. Open launch records from previous runs. Each recorded PID is
//     re-verified against its stored pattern before signalling, so a reused
//     PID belonging to an unrelated process is never touched. Records whose
//     process is gone (or no longer matches) are closed as stale; a record
//     with a live match closes only after its termination request succeeds,
//     so a failed signal leaves the record for the next run.
//  2. A command-line scan of the whole process table (when enabled), which
//     catches instances started outside stationd's bookkeeping.
//
// The orchestrator's own PID is always excluded.
//
// Parameters:
//   - ctx: Context for cancellation
//   - patterns: Identity patterns (regular expressions) in service order
//
// Returns:
//   - Result: Matched, terminated, and failed PIDs. Never an error: per-PID
//     failures are recorded and reconciliation continues.
func (r *Reconciler) Reconcile(ctx context.Context, patterns []string) Result {
	result := Result{Errors: make(map[int32]error)}

	snapshot, err := r.listProcesses(ctx)
	if err != nil {
		// Without a process snapshot there is nothing to verify against;
		// proceed and let the launches race whatever is still running.
		r.logger.Warn("cannot enumerate processes, skipping reconciliation", "error", err)
		return result
	}

	byPID := make(map[int32]string, len(snapshot))
	self := int32(os.Getpid())
	for _, p := range snapshot {
		if p.pid == self {
			continue
		}
		byPID[p.pid] = p.cmdline
	}

	candidates := make(map[int32]candidate)

	r.collectRegistryCandidates(ctx, byPID, candidates)

	if r.config.MatchSystemProcesses {
		r.collectPatternCandidates(patterns, byPID, candidates)
	}

	for pid, cand := range candidates {
		result.MatchedPIDs = append(result.MatchedPIDs, pid)

		r.logger.Info("terminating stale instance",
			"pid", pid,
			"source", cand.source,
			"cmdline", byPID[pid],
		)

		if err := r.terminate(pid); err != nil {
			r.logger.Warn("termination request failed", "pid", pid, "error", err)
			result.Errors[pid] = err
			continue
		}
		result.Terminated = append(result.Terminated, pid)

		if cand.recordID != "" {
			r.closeRecord(ctx, cand.recordID)
		}
	}

	if len(result.MatchedPIDs) > 0 {
		r.logger.Debug("waiting for terminated processes to release resources",
			"settle_delay", r.config.SettleDelay,
		)
		r.sleep(ctx, r.config.SettleDelay)
	}

	return result
}

// collectRegistryCandidates resolves open launch records against the live
// process snapshot. Dead or mismatched records are closed as stale; records
// whose process is live stay open until termination succeeds.
func (r *Reconciler) collectRegistryCandidates(ctx context.Context, byPID map[int32]string, candidates map[int32]candidate) {
	if r.records == nil {
		return
	}

	records, err := r.records.OpenRecords(ctx)
	if err != nil {
		r.logger.Warn("cannot read launch registry, falling back to pattern scan", "error", err)
		return
	}

	for _, rec := range records {
		pid := int32(rec.PID)
		cmdline, alive := byPID[pid]

		if !alive {
			r.logger.Debug("closing stale launch record, process gone",
				"service", rec.Service,
				"pid", rec.PID,
			)
			r.closeRecord(ctx, rec.ID)
			continue
		}

		matched, err := matchPattern(rec.Pattern, cmdline)
		if err != nil {
			r.logger.Warn("invalid pattern in launch record",
				"service", rec.Service,
				"pattern", rec.Pattern,
				"error", err,
			)
			continue
		}

		if !matched {
			// PID reuse: something unrelated now owns this PID.
			r.logger.Debug("closing launch record, pid reused by another process",
				"service", rec.Service,
				"pid", rec.PID,
			)
			r.closeRecord(ctx, rec.ID)
			continue
		}

		candidates[pid] = candidate{
			source:   fmt.Sprintf("registry:%s", rec.Service),
			recordID: rec.ID,
		}
	}
}

// collectPatternCandidates scans the process snapshot for command lines
// matching the given identity patterns.
func (r *Reconciler) collectPatternCandidates(patterns []string, byPID map[int32]string, candidates map[int32]candidate) {
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			r.logger.Warn("invalid identity pattern, skipping", "pattern", pattern, "error", err)
			continue
		}

		for pid, cmdline := range byPID {
			if _, seen := candidates[pid]; seen {
				continue
			}
			if re.MatchString(cmdline) {
				candidates[pid] = candidate{source: fmt.Sprintf("pattern:%s", pattern)}
			}
		}
	}
}

// closeRecord marks a launch record stopped, logging (not propagating) failures.
func (r *Reconciler) closeRecord(ctx context.Context, id string) {
	if err := r.records.MarkStopped(ctx, id); err != nil {
		r.logger.Warn("cannot close launch record", "record", id, "error", err)
	}
}

// matchPattern reports whether cmdline matches the identity pattern.
func matchPattern(pattern, cmdline string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(cmdline), nil
}

// listLiveProcesses snapshots all live processes with their command lines.
// Processes that disappear mid-scan or deny access are skipped.
func listLiveProcesses(ctx context.Context) ([]procInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerating processes: %w", err)
	}

	infos := make([]procInfo, 0, len(procs))
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue // Exited mid-scan, kernel thread, or permission denied
		}
		infos = append(infos, procInfo{pid: p.Pid, cmdline: cmdline})
	}

	return infos, nil
}

// terminateProcess sends a graceful termination signal (SIGTERM) to one PID.
func terminateProcess(pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		return fmt.Errorf("locating process %d: %w", pid, err)
	}
	if err := p.Terminate(); err != nil {
		return fmt.Errorf("signalling process %d: %w", pid, err)
	}
	return nil
}
