package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// commandCall records one runCommand invocation for assertions.
type commandCall struct {
	name string
	args []string
}

// fakeRunner replaces runCommand and returns canned results per executable.
type fakeRunner struct {
	calls []commandCall
	errs  map[string]error
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, commandCall{name: name, args: args})
	if err, ok := f.errs[name]; ok {
		return []byte("boom"), err
	}
	return nil, nil
}

func newTestProvisioner(t *testing.T, cfg Config) (*Provisioner, *fakeRunner) {
	t.Helper()
	p := New(cfg)
	runner := &fakeRunner{errs: map[string]error{}}
	p.runCommand = runner.run
	return p, runner
}

func TestNew_Defaults(t *testing.T) {
	p := New(Config{RuntimeDir: "/tmp/venv"})
	if p.config.Python != "python3" {
		t.Errorf("Python = %q, want %q", p.config.Python, "python3")
	}
}

func TestEnsure_RuntimeAlreadyPresent(t *testing.T) {
	dir := t.TempDir()
	p, runner := newTestProvisioner(t, Config{RuntimeDir: dir})

	state, err := p.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if !state.RuntimePresent {
		t.Error("RuntimePresent = false, want true for existing dir")
	}
	// No venv creation command should have run.
	for _, call := range runner.calls {
		if call.name == "python3" {
			t.Errorf("unexpected venv creation: %v", call)
		}
	}
}

func TestEnsure_CreatesRuntimeWhenAbsent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "venv")
	p, runner := newTestProvisioner(t, Config{RuntimeDir: dir, Python: "python3"})

	if _, err := p.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	if len(runner.calls) == 0 {
		t.Fatal("expected venv creation command, got none")
	}
	call := runner.calls[0]
	if call.name != "python3" {
		t.Errorf("command = %q, want %q", call.name, "python3")
	}
	want := []string{"-m", "venv", dir}
	if len(call.args) != len(want) {
		t.Fatalf("args = %v, want %v", call.args, want)
	}
	for i := range want {
		if call.args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, call.args[i], want[i])
		}
	}
}

func TestEnsure_RuntimeCreationFailureIsFatal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "venv")
	p, runner := newTestProvisioner(t, Config{RuntimeDir: dir})
	runner.errs["python3"] = errors.New("no interpreter")

	state, err := p.Ensure(context.Background())
	if err == nil {
		t.Fatal("Ensure() expected fatal error, got nil")
	}
	if state.RuntimePresent {
		t.Error("RuntimePresent = true after failed creation")
	}
}

func TestEnsure_RuntimePathIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "venv")
	if err := os.WriteFile(file, []byte("not a dir"), 0600); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	p, _ := newTestProvisioner(t, Config{RuntimeDir: file})
	if _, err := p.Ensure(context.Background()); err == nil {
		t.Error("Ensure() expected error for non-directory runtime path, got nil")
	}
}

func TestEnsure_MissingManifestIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	p, _ := newTestProvisioner(t, Config{
		RuntimeDir: dir,
		Manifest:   filepath.Join(dir, "requirements.txt"), // does not exist
	})

	state, err := p.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure() error = %v, want nil for missing manifest", err)
	}
	if state.DependenciesInstalled {
		t.Error("DependenciesInstalled = true, want false with no manifest")
	}
	if state.LastError != nil {
		t.Errorf("LastError = %v, want nil", state.LastError)
	}
}

func TestEnsure_InstallFailureIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "requirements.txt")
	if err := os.WriteFile(manifest, []byte("ffmpeg-normalize\n"), 0600); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}

	p, runner := newTestProvisioner(t, Config{RuntimeDir: dir, Manifest: manifest})
	pip := filepath.Join(dir, "bin", "pip")
	runner.errs[pip] = errors.New("network down")

	state, err := p.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure() error = %v, want nil (install failure is a warning)", err)
	}
	if !state.RuntimePresent {
		t.Error("RuntimePresent = false, want true")
	}
	if state.DependenciesInstalled {
		t.Error("DependenciesInstalled = true after failed install")
	}
	if state.LastError == nil {
		t.Error("LastError = nil, want recorded install failure")
	}
}

func TestEnsure_InstallSuccess(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "requirements.txt")
	if err := os.WriteFile(manifest, []byte("mutagen\n"), 0600); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}

	p, runner := newTestProvisioner(t, Config{RuntimeDir: dir, Manifest: manifest})

	state, err := p.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if !state.DependenciesInstalled {
		t.Error("DependenciesInstalled = false, want true")
	}

	// pip must come from inside the runtime, not the system.
	wantPip := filepath.Join(dir, "bin", "pip")
	found := false
	for _, call := range runner.calls {
		if call.name == wantPip {
			found = true
		}
	}
	if !found {
		t.Errorf("pip call with %q not found in %v", wantPip, runner.calls)
	}
}
