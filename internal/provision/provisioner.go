package provision

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Logger defines the logging interface for the provisioner.
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

// Config holds configuration for environment provisioning.
type Config struct {
	// RuntimeDir is the virtualenv directory to ensure.
	RuntimeDir string

	// Python is the interpreter used to create the virtualenv.
	// Default: "python3"
	Python string

	// Manifest is the pip requirements file. A missing manifest is not an
	// error - there is simply nothing to install.
	Manifest string
}

// State is the result of a provisioning pass. It is recomputed on every run;
// idempotency comes from re-checking the filesystem, not from cached state.
type State struct {
	// RuntimePresent reports whether the virtualenv directory exists
	// (pre-existing or created this pass).
	RuntimePresent bool

	// DependenciesInstalled reports whether a pip install completed this pass.
	DependenciesInstalled bool

	// LastError holds the non-fatal dependency installation failure, if any.
	// The run continues: a stale-but-working environment beats no stream.
	LastError error
}

// Provisioner ensures the isolated Python runtime exists and its dependencies
// are installed. A single pass, no retries.
type Provisioner struct {
	config Config
	logger Logger

	// runCommand executes an external command and returns its combined
	// output. Overridable in tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// New creates a provisioner with the given configuration.
func New(cfg Config) *Provisioner {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}

	return &Provisioner{
		config: cfg,
		logger: noopLogger{},
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// SetLogger sets the logger for the provisioner.
func (p *Provisioner) SetLogger(logger Logger) {
	p.logger = logger
}

// Ensure makes the isolated runtime ready.
//
// Failure policy:
//   - Virtualenv creation failure is fatal (returned error): nothing
//     downstream can rely on the runtime.
//   - Dependency installation failure is a warning recorded in
//     State.LastError; the run proceeds with whatever is already installed.
//   - A missing manifest is not an error of any kind.
//
// Parameters:
//   - ctx: Context for cancellation; no installation timeout is enforced
//     beyond it
//
// Returns:
//   - State: What the pass established
//   - error: Only for fatal runtime creation failure
func (p *Provisioner) Ensure(ctx context.Context) (State, error) {
	var state State

	if err := p.ensureRuntime(ctx); err != nil {
		state.LastError = err
		return state, err
	}
	state.RuntimePresent = true

	installed, err := p.installDependencies(ctx)
	if err != nil {
		p.logger.Warn("dependency installation failed, continuing with existing packages",
			"manifest", p.config.Manifest,
			"error", err,
		)
		state.LastError = err
		return state, nil
	}
	state.DependenciesInstalled = installed

	return state, nil
}

// ensureRuntime creates the virtualenv if the directory is absent.
func (p *Provisioner) ensureRuntime(ctx context.Context) error {
	if info, err := os.Stat(p.config.RuntimeDir); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("runtime path %s exists but is not a directory", p.config.RuntimeDir)
		}
		p.logger.Debug("runtime environment present", "dir", p.config.RuntimeDir)
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking runtime directory %s: %w", p.config.RuntimeDir, err)
	}

	p.logger.Info("creating runtime environment",
		"dir", p.config.RuntimeDir,
		"python", p.config.Python,
	)

	output, err := p.runCommand(ctx, p.config.Python, "-m", "venv", p.config.RuntimeDir)
	if err != nil {
		return fmt.Errorf("creating virtualenv %s: %w (output: %s)", p.config.RuntimeDir, err, string(output))
	}

	return nil
}

// installDependencies runs pip against the manifest, if one exists.
// Returns (false, nil) when there is nothing to install.
func (p *Provisioner) installDependencies(ctx context.Context) (bool, error) {
	if p.config.Manifest == "" {
		p.logger.Debug("no dependency manifest configured")
		return false, nil
	}

	if _, err := os.Stat(p.config.Manifest); err != nil {
		if os.IsNotExist(err) {
			// Absence is not an error: there is nothing to install.
			p.logger.Debug("dependency manifest absent, skipping install", "manifest", p.config.Manifest)
			return false, nil
		}
		return false, fmt.Errorf("checking manifest %s: %w", p.config.Manifest, err)
	}

	pip := filepath.Join(p.config.RuntimeDir, "bin", "pip")

	p.logger.Info("installing dependencies",
		"pip", pip,
		"manifest", p.config.Manifest,
	)

	output, err := p.runCommand(ctx, pip, "install", "-r", p.config.Manifest)
	if err != nil {
		return false, fmt.Errorf("pip install -r %s: %w (output: %s)", p.config.Manifest, err, string(output))
	}

	return true, nil
}
