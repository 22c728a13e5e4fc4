package launch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

const (
	// cancelStopTimeout is the graceful window given to a process whose
	// launch was cancelled mid-gate.
	cancelStopTimeout = 5 * time.Second

	// readyPollInterval is how often the readiness probe re-dials.
	readyPollInterval = 100 * time.Millisecond

	// dialTimeout bounds a single readiness connection attempt.
	dialTimeout = 500 * time.Millisecond

	// logFileMode keeps service logs readable by the operator group.
	logFileMode = 0o644
)

// ErrorKind classifies a launch failure.
type ErrorKind string

const (
	// SpawnFailure means the process never started (missing binary,
	// permissions, bad working directory).
	SpawnFailure ErrorKind = "spawn_failure"

	// EarlyExit means the process started but died within its grace period.
	EarlyExit ErrorKind = "early_exit"
)

// Error is a classified launch failure for one service.
type Error struct {
	Kind    ErrorKind
	Service string

	// ExitCode is the process exit code for EarlyExit failures.
	ExitCode int

	Err error
}

func (e *Error) Error() string {
	if e.Kind == EarlyExit {
		return fmt.Sprintf("launching %s: exited with code %d during grace period: %v", e.Service, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("launching %s: %v", e.Service, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Logger defines the logging interface for the launcher.
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

// Service describes one process to launch.
type Service struct {
	// Name is a human-readable identifier for logging and records.
	Name string

	// Command is the executable to run.
	Command string

	// Args are command-line arguments to pass to the executable.
	Args []string

	// WorkDir is the working directory for the process.
	// If empty, inherits from the orchestrator.
	WorkDir string

	// LogFile receives the process's combined stdout and stderr, appended.
	// If empty, output is discarded.
	LogFile string

	// GracePeriod is the stabilisation window after spawn. The service must
	// still be alive at the end of it (or probe ready within it) for the
	// launch to count as successful. Zero skips the gate entirely.
	GracePeriod time.Duration

	// ReadinessAddress is a TCP host:port that accepts connections once the
	// service is ready. If empty, liveness after the grace period is the
	// only readiness signal.
	ReadinessAddress string
}

// Handle is a live launched process.
type Handle struct {
	service   Service
	cmd       *exec.Cmd
	startTime time.Time

	mu       sync.Mutex
	exited   bool
	exitCode int
	exitErr  error

	done chan struct{}
}

// Service returns the description this handle was launched from.
func (h *Handle) Service() Service {
	return h.service
}

// PID returns the process ID.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// StartTime returns when the process was spawned.
func (h *Handle) StartTime() time.Time {
	return h.startTime
}

// Running reports whether the process is still alive.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

// ExitCode returns the exit code, or -1 if the process has not exited.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.exited {
		return -1
	}
	return h.exitCode
}

// Wait blocks until the process exits or the context is cancelled.
//
// Returns:
//   - int: The process exit code (128+signal for signal deaths)
//   - error: Context error on cancellation; nil once the process has exited
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.done:
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, nil
}

// Terminate stops the process group gracefully: SIGTERM, wait up to graceful,
// then SIGKILL. Safe to call on an already-exited process.
func (h *Handle) Terminate(graceful time.Duration) error {
	if !h.Running() {
		return nil
	}

	pid := h.cmd.Process.Pid

	// Negative PID signals the whole process group (created via Setpgid),
	// catching any children the service spawned.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("signalling %s process group: %w", h.service.Name, err)
		}
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(graceful):
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("killing %s process group: %w", h.service.Name, err)
		}
	}

	<-h.done
	return nil
}

// Launcher spawns services, wires their output to log sinks, and gates each
// launch on a readiness signal within the service's grace period.
type Launcher struct {
	logger Logger
}

// New creates a launcher.
func New() *Launcher {
	return &Launcher{logger: noopLogger{}}
}

// SetLogger sets the logger for the launcher.
func (l *Launcher) SetLogger(logger Logger) {
	l.logger = logger
}

// Launch spawns one service and waits for it to come up.
//
// Readiness within the grace period is judged one of two ways:
//   - With a ReadinessAddress: poll-dial until a TCP connection succeeds.
//     A probe that never connects while the process stays alive is a warning,
//     not a failure; some services bind late under load.
//   - Without one: sleep the grace period, then require the process to still
//     be alive.
//
// A zero grace period skips the gate: the handle returns as soon as the
// process spawns. If the context is cancelled while the gate is open, the
// spawned process is terminated before Launch returns, so cancellation
// never leaks a live process.
//
// Returns:
//   - *Handle: The live process; nil on failure
//   - error: *Error with Kind SpawnFailure or EarlyExit, or the context
//     error on cancellation
func (l *Launcher) Launch(ctx context.Context, svc Service) (*Handle, error) {
	sink, err := l.openLogSink(svc)
	if err != nil {
		return nil, &Error{Kind: SpawnFailure, Service: svc.Name, Err: err}
	}

	l.logger.Info("launching service",
		"service", svc.Name,
		"command", svc.Command,
		"args", svc.Args,
	)

	cmd := exec.Command(svc.Command, svc.Args...) //nolint:gosec // Command comes from validated configuration

	// New process group so termination reaches the service's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if svc.WorkDir != "" {
		cmd.Dir = svc.WorkDir
	}
	if sink != nil {
		cmd.Stdout = sink
		cmd.Stderr = sink
	}

	if err := cmd.Start(); err != nil {
		if sink != nil {
			sink.Close() //nolint:errcheck
		}
		return nil, &Error{Kind: SpawnFailure, Service: svc.Name, Err: err}
	}

	handle := &Handle{
		service:   svc,
		cmd:       cmd,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		if sink != nil {
			sink.Close() //nolint:errcheck
		}

		handle.mu.Lock()
		handle.exited = true
		handle.exitCode = exitCode(cmd, err)
		handle.exitErr = err
		handle.mu.Unlock()
		close(handle.done)
	}()

	l.logger.Info("service spawned",
		"service", svc.Name,
		"pid", cmd.Process.Pid,
	)

	if err := l.awaitReady(ctx, handle); err != nil {
		return nil, err
	}

	l.logger.Info("service up", "service", svc.Name, "pid", handle.PID())
	return handle, nil
}

// openLogSink prepares the service's log file for appending, creating parent
// directories as needed. A service without a log file gets a nil sink.
func (l *Launcher) openLogSink(svc Service) (*os.File, error) {
	if svc.LogFile == "" {
		return nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(svc.LogFile), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory for %s: %w", svc.Name, err)
	}

	sink, err := os.OpenFile(svc.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFileMode)
	if err != nil {
		return nil, fmt.Errorf("opening log sink %s: %w", svc.LogFile, err)
	}

	return sink, nil
}

// awaitReady gates the launch on the service's readiness signal.
func (l *Launcher) awaitReady(ctx context.Context, handle *Handle) error {
	svc := handle.service

	if svc.GracePeriod <= 0 {
		return nil
	}

	if svc.ReadinessAddress != "" {
		return l.probeReady(ctx, handle)
	}

	// No probe target: the grace period itself is the stabilisation window.
	select {
	case <-ctx.Done():
		l.stopAbandoned(handle)
		return ctx.Err()
	case <-handle.done:
		return l.earlyExit(handle)
	case <-time.After(svc.GracePeriod):
	}

	if !handle.Running() {
		return l.earlyExit(handle)
	}
	return nil
}

// probeReady poll-dials the readiness address until it connects, the process
// dies, or the grace period elapses. A timeout with a live process downgrades
// to a warning.
func (l *Launcher) probeReady(ctx context.Context, handle *Handle) error {
	svc := handle.service
	deadline := time.Now().Add(svc.GracePeriod)

	l.logger.Debug("probing readiness",
		"service", svc.Name,
		"address", svc.ReadinessAddress,
	)

	for {
		select {
		case <-ctx.Done():
			l.stopAbandoned(handle)
			return ctx.Err()
		case <-handle.done:
			return l.earlyExit(handle)
		default:
		}

		if time.Now().After(deadline) {
			if !handle.Running() {
				return l.earlyExit(handle)
			}
			l.logger.Warn("readiness probe timed out, continuing with live process",
				"service", svc.Name,
				"address", svc.ReadinessAddress,
				"grace_period", svc.GracePeriod,
			)
			return nil
		}

		conn, err := net.DialTimeout("tcp", svc.ReadinessAddress, dialTimeout)
		if err == nil {
			conn.Close() //nolint:errcheck
			return nil
		}

		time.Sleep(readyPollInterval)
	}
}

// stopAbandoned terminates a process whose launch was cancelled before the
// readiness gate passed. The caller returns no handle, so the process must
// not be left running.
func (l *Launcher) stopAbandoned(handle *Handle) {
	l.logger.Info("launch cancelled, stopping service",
		"service", handle.service.Name,
		"pid", handle.PID(),
	)
	if err := handle.Terminate(cancelStopTimeout); err != nil {
		l.logger.Warn("error stopping cancelled service",
			"service", handle.service.Name,
			"error", err,
		)
	}
}

// earlyExit builds the EarlyExit error for a process that died during its
// grace period.
func (l *Launcher) earlyExit(handle *Handle) error {
	handle.mu.Lock()
	code := handle.exitCode
	waitErr := handle.exitErr
	handle.mu.Unlock()

	l.logger.Error("service exited during grace period",
		"service", handle.service.Name,
		"exit_code", code,
	)

	return &Error{
		Kind:     EarlyExit,
		Service:  handle.service.Name,
		ExitCode: code,
		Err:      waitErr,
	}
}

// exitCode extracts the exit code from a finished command. Signal deaths map
// to the conventional 128+signal.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return -1
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return exitErr.ExitCode()
}
