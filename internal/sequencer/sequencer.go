package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftcast/stationd/internal/launch"
	"github.com/driftcast/stationd/internal/provision"
	"github.com/driftcast/stationd/internal/reconcile"
)

// Phase is a stage of the bootstrap lifecycle. Transitions are strictly
// forward: Provisioning, Reconciling, Launching, Running, Terminated.
type Phase string

const (
	PhaseProvisioning Phase = "provisioning"
	PhaseReconciling  Phase = "reconciling"
	PhaseLaunching    Phase = "launching"
	PhaseRunning      Phase = "running"
	PhaseTerminated   Phase = "terminated"
)

// Process exit codes distinguishing which phase failed. Any other code is
// the foreground service's own exit code, passed through.
const (
	ExitOK               = 0
	ExitProvisionFailure = 2
	ExitReconcileFailure = 3
	ExitLaunchFailure    = 4
)

// markStoppedTimeout bounds registry writes during shutdown, when the run
// context is already cancelled.
const markStoppedTimeout = 5 * time.Second

// Logger defines the logging interface for the sequencer.
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

// Provisioner prepares the isolated runtime before anything launches.
type Provisioner interface {
	Ensure(ctx context.Context) (provision.State, error)
}

// Reconciler clears stale service instances before launching.
type Reconciler interface {
	Reconcile(ctx context.Context, patterns []string) reconcile.Result
}

// ProcessHandle is a live launched process, as the sequencer sees it.
// Implemented by *launch.Handle.
type ProcessHandle interface {
	PID() int
	StartTime() time.Time
	Running() bool
	Wait(ctx context.Context) (int, error)
	Terminate(graceful time.Duration) error
}

// Launcher spawns one service and gates on its readiness.
type Launcher interface {
	Launch(ctx context.Context, svc launch.Service) (ProcessHandle, error)
}

// LaunchRegistry persists launch records for the next run's reconciliation.
// nil disables bookkeeping.
type LaunchRegistry interface {
	RecordLaunch(ctx context.Context, runID, service string, pid int, pattern, logPath string) (string, error)
	MarkStopped(ctx context.Context, id string) error
}

// Events are optional lifecycle callbacks, invoked synchronously from the
// sequencer's goroutines. Handlers must not block.
type Events struct {
	OnTransition  func(from, to Phase)
	OnServiceUp   func(service string, pid int)
	OnServiceDown func(service string, exitCode int)
}

// ServiceSpec is one service in launch order.
type ServiceSpec struct {
	launch.Service

	// Pattern identifies stale instances of this service by command line.
	Pattern string

	// Foreground marks the service whose lifetime bounds the whole run.
	// Exactly one service is foreground, and it launches last.
	Foreground bool
}

// Config holds sequencer settings.
type Config struct {
	// RunID tags this bootstrap run in records and events.
	// Generated if empty.
	RunID string

	// GracefulTimeout is how long each service gets between SIGTERM and
	// SIGKILL during shutdown.
	GracefulTimeout time.Duration

	// Services in launch order. The foreground service must be last.
	Services []ServiceSpec
}

// Outcome is the final result of a bootstrap run.
type Outcome struct {
	// Code is the process exit code stationd should terminate with.
	Code int

	// Phase is the phase in which the run ended.
	Phase Phase

	// Err is the fatal error, nil for a clean foreground exit or shutdown.
	Err error
}

// ServiceStatus is one service's state in a status snapshot.
type ServiceStatus struct {
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	Running    bool      `json:"running"`
	Foreground bool      `json:"foreground"`
	StartedAt  time.Time `json:"started_at"`
}

// Status is a point-in-time snapshot of the run, served by the status API.
type Status struct {
	Phase     Phase           `json:"phase"`
	RunID     string          `json:"run_id"`
	StartedAt time.Time       `json:"started_at"`
	Services  []ServiceStatus `json:"services"`
}

// launched pairs a spec with its live handle and registry record.
type launched struct {
	spec     ServiceSpec
	handle   ProcessHandle
	recordID string
}

// Sequencer drives the bootstrap lifecycle: provision the runtime, reconcile
// stale instances, launch services in order, then block on the foreground
// service. It owns every handle it launches and tears them down in reverse
// order on any exit path.
type Sequencer struct {
	config      Config
	logger      Logger
	provisioner Provisioner
	reconciler  Reconciler
	launcher    Launcher
	registry    LaunchRegistry
	events      Events

	mu        sync.RWMutex
	phase     Phase
	startedAt time.Time
	services  []*launched
}

// New creates a sequencer. registry may be nil.
func New(cfg Config, prov Provisioner, rec Reconciler, launcher Launcher, registry LaunchRegistry) *Sequencer {
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}

	return &Sequencer{
		config:      cfg,
		logger:      noopLogger{},
		provisioner: prov,
		reconciler:  rec,
		launcher:    launcher,
		registry:    registry,
		phase:       PhaseProvisioning,
	}
}

// SetLogger sets the logger for the sequencer.
func (s *Sequencer) SetLogger(logger Logger) {
	s.logger = logger
}

// SetEvents registers lifecycle callbacks. Must be called before Run.
func (s *Sequencer) SetEvents(events Events) {
	s.events = events
}

// RunID returns the identifier tagging this bootstrap run.
func (s *Sequencer) RunID() string {
	return s.config.RunID
}

// Run executes the bootstrap sequence and blocks until the foreground
// service exits or the context is cancelled. All launched services are
// terminated (in reverse launch order) before Run returns.
//
// Returns:
//   - Outcome: The exit code stationd should terminate with, the phase the
//     run ended in, and the fatal error if any
func (s *Sequencer) Run(ctx context.Context) Outcome {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("bootstrap starting",
		"run_id", s.config.RunID,
		"services", len(s.config.Services),
	)

	if outcome, ok := s.provisionPhase(ctx); !ok {
		return s.finish(outcome)
	}

	s.reconcilePhase(ctx)

	if outcome, ok := s.launchPhase(ctx); !ok {
		return s.finish(outcome)
	}

	return s.finish(s.runPhase(ctx))
}

// provisionPhase ensures the runtime environment. Only environment creation
// failure is fatal; install problems were already downgraded to warnings.
func (s *Sequencer) provisionPhase(ctx context.Context) (Outcome, bool) {
	s.transition(PhaseProvisioning)

	state, err := s.provisioner.Ensure(ctx)
	if err != nil {
		s.logger.Error("provisioning failed", "error", err)
		return Outcome{Code: ExitProvisionFailure, Phase: PhaseProvisioning, Err: err}, false
	}

	s.logger.Info("runtime environment ready",
		"dependencies_installed", state.DependenciesInstalled,
	)
	return Outcome{}, true
}

// reconcilePhase clears stale instances. Reconciliation is best-effort and
// never aborts the run.
func (s *Sequencer) reconcilePhase(ctx context.Context) {
	s.transition(PhaseReconciling)

	patterns := make([]string, 0, len(s.config.Services))
	for _, svc := range s.config.Services {
		if svc.Pattern != "" {
			patterns = append(patterns, svc.Pattern)
		}
	}

	result := s.reconciler.Reconcile(ctx, patterns)
	s.logger.Info("reconciliation complete",
		"matched", len(result.MatchedPIDs),
		"terminated", len(result.Terminated),
		"failed", len(result.Errors),
	)
}

// launchPhase starts every service in order. Any launch failure tears down
// what already launched, in reverse order.
func (s *Sequencer) launchPhase(ctx context.Context) (Outcome, bool) {
	s.transition(PhaseLaunching)

	for _, spec := range s.config.Services {
		if err := ctx.Err(); err != nil {
			s.teardown(err)
			return Outcome{Code: ExitOK, Phase: PhaseLaunching, Err: nil}, false
		}

		handle, err := s.launcher.Launch(ctx, spec.Service)
		if err != nil {
			// Cancellation mid-launch is a shutdown request, not a launch
			// failure: same clean exit as cancellation between launches.
			if ctx.Err() != nil {
				s.logger.Info("shutdown requested during launch", "service", spec.Name)
				s.teardown(nil)
				return Outcome{Code: ExitOK, Phase: PhaseLaunching, Err: nil}, false
			}

			s.logger.Error("launch failed, rolling back started services",
				"service", spec.Name,
				"error", err,
			)
			s.teardown(err)
			return Outcome{Code: ExitLaunchFailure, Phase: PhaseLaunching, Err: err}, false
		}

		entry := &launched{spec: spec, handle: handle}
		entry.recordID = s.recordLaunch(ctx, spec, handle)

		s.mu.Lock()
		s.services = append(s.services, entry)
		s.mu.Unlock()

		if s.events.OnServiceUp != nil {
			s.events.OnServiceUp(spec.Name, handle.PID())
		}

		if !spec.Foreground {
			go s.watchBackground(ctx, entry)
		}
	}

	return Outcome{}, true
}

// runPhase blocks on the foreground service until it exits or the context
// is cancelled, then tears everything down.
func (s *Sequencer) runPhase(ctx context.Context) Outcome {
	s.transition(PhaseRunning)

	fg := s.foreground()
	if fg == nil {
		// Validated configuration always has a foreground service; an empty
		// service list is the only way here.
		s.teardown(nil)
		return Outcome{Code: ExitOK, Phase: PhaseRunning}
	}

	s.logger.Info("running", "foreground", fg.spec.Name, "pid", fg.handle.PID())

	code, err := fg.handle.Wait(ctx)
	if err != nil {
		// Shutdown requested: the foreground service is still alive and gets
		// the same graceful termination as everything else.
		s.logger.Info("shutdown requested", "reason", err)
		s.teardown(nil)
		return Outcome{Code: ExitOK, Phase: PhaseRunning}
	}

	s.logger.Info("foreground service exited", "service", fg.spec.Name, "exit_code", code)

	if s.events.OnServiceDown != nil {
		s.events.OnServiceDown(fg.spec.Name, code)
	}
	s.markStopped(fg)

	s.teardown(nil)
	return Outcome{Code: code, Phase: PhaseRunning}
}

// finish records the terminal phase and returns the outcome.
func (s *Sequencer) finish(outcome Outcome) Outcome {
	s.transition(PhaseTerminated)
	s.logger.Info("bootstrap finished",
		"run_id", s.config.RunID,
		"exit_code", outcome.Code,
		"ended_in", outcome.Phase,
	)
	return outcome
}

// teardown terminates all launched services in reverse launch order and
// closes their registry records.
func (s *Sequencer) teardown(cause error) {
	s.mu.RLock()
	services := make([]*launched, len(s.services))
	copy(services, s.services)
	s.mu.RUnlock()

	if cause != nil && len(services) > 0 {
		s.logger.Info("terminating launched services", "cause", cause)
	}

	for i := len(services) - 1; i >= 0; i-- {
		entry := services[i]
		if !entry.handle.Running() {
			s.markStopped(entry)
			continue
		}

		s.logger.Info("stopping service",
			"service", entry.spec.Name,
			"pid", entry.handle.PID(),
		)
		if err := entry.handle.Terminate(s.config.GracefulTimeout); err != nil {
			s.logger.Warn("error stopping service",
				"service", entry.spec.Name,
				"error", err,
			)
		}
		s.markStopped(entry)

		if s.events.OnServiceDown != nil {
			s.events.OnServiceDown(entry.spec.Name, -1)
		}
	}
}

// watchBackground waits for a background service to die so its record closes
// and a down event fires even when the run itself keeps going.
func (s *Sequencer) watchBackground(ctx context.Context, entry *launched) {
	code, err := entry.handle.Wait(ctx)
	if err != nil {
		return // Run is shutting down; teardown handles the rest.
	}

	s.logger.Warn("background service exited",
		"service", entry.spec.Name,
		"exit_code", code,
	)
	s.markStopped(entry)

	if s.events.OnServiceDown != nil {
		s.events.OnServiceDown(entry.spec.Name, code)
	}
}

// recordLaunch persists a launch record, returning its ID. Bookkeeping
// failure is a warning, not a launch failure.
func (s *Sequencer) recordLaunch(ctx context.Context, spec ServiceSpec, handle ProcessHandle) string {
	if s.registry == nil {
		return ""
	}

	id, err := s.registry.RecordLaunch(ctx, s.config.RunID, spec.Name, handle.PID(), spec.Pattern, spec.LogFile)
	if err != nil {
		s.logger.Warn("cannot record launch",
			"service", spec.Name,
			"error", err,
		)
		return ""
	}
	return id
}

// markStopped closes a launch record. Idempotent; uses a fresh context
// because the run context is usually cancelled by the time this runs.
func (s *Sequencer) markStopped(entry *launched) {
	if s.registry == nil || entry.recordID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), markStoppedTimeout)
	defer cancel()

	if err := s.registry.MarkStopped(ctx, entry.recordID); err != nil {
		s.logger.Warn("cannot close launch record",
			"service", entry.spec.Name,
			"error", err,
		)
	}
}

// foreground returns the foreground service's entry, nil if none launched.
func (s *Sequencer) foreground() *launched {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, entry := range s.services {
		if entry.spec.Foreground {
			return entry
		}
	}
	return nil
}

// transition advances the lifecycle phase and fires the callback.
func (s *Sequencer) transition(to Phase) {
	s.mu.Lock()
	from := s.phase
	s.phase = to
	s.mu.Unlock()

	if from != to {
		s.logger.Debug("phase transition", "from", from, "to", to)
		if s.events.OnTransition != nil {
			s.events.OnTransition(from, to)
		}
	}
}

// Phase returns the current lifecycle phase.
func (s *Sequencer) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Snapshot returns the current run status for the local API.
func (s *Sequencer) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		Phase:     s.phase,
		RunID:     s.config.RunID,
		StartedAt: s.startedAt,
		Services:  make([]ServiceStatus, 0, len(s.services)),
	}

	for _, entry := range s.services {
		status.Services = append(status.Services, ServiceStatus{
			Name:       entry.spec.Name,
			PID:        entry.handle.PID(),
			Running:    entry.handle.Running(),
			Foreground: entry.spec.Foreground,
			StartedAt:  entry.handle.StartTime(),
		})
	}

	return status
}

// Validate checks that the service list can be sequenced: at least one
// service, exactly one foreground, and the foreground last.
func (c Config) Validate() error {
	if len(c.Services) == 0 {
		return errors.New("no services configured")
	}

	foregroundCount := 0
	for i, svc := range c.Services {
		if !svc.Foreground {
			continue
		}
		foregroundCount++
		if i != len(c.Services)-1 {
			return fmt.Errorf("foreground service %s must launch last", svc.Name)
		}
	}

	if foregroundCount != 1 {
		return fmt.Errorf("exactly one foreground service required, found %d", foregroundCount)
	}
	return nil
}
