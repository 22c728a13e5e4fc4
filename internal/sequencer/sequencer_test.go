package sequencer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/driftcast/stationd/internal/launch"
	"github.com/driftcast/stationd/internal/provision"
	"github.com/driftcast/stationd/internal/reconcile"
)

// fakeProvisioner implements Provisioner with a canned result.
type fakeProvisioner struct {
	err error
}

func (f *fakeProvisioner) Ensure(_ context.Context) (provision.State, error) {
	if f.err != nil {
		return provision.State{LastError: f.err}, f.err
	}
	return provision.State{RuntimePresent: true}, nil
}

// fakeReconciler records the patterns it was asked to reconcile.
type fakeReconciler struct {
	patterns []string
}

func (f *fakeReconciler) Reconcile(_ context.Context, patterns []string) reconcile.Result {
	f.patterns = patterns
	return reconcile.Result{}
}

// fakeHandle is a controllable process stand-in.
type fakeHandle struct {
	name string
	pid  int

	mu     sync.Mutex
	exited bool
	code   int
	done   chan struct{}

	onTerminate func(name string)
}

func newFakeHandle(name string, pid int) *fakeHandle {
	return &fakeHandle{name: name, pid: pid, done: make(chan struct{})}
}

// exit simulates the process exiting on its own.
func (f *fakeHandle) exit(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exited {
		return
	}
	f.exited = true
	f.code = code
	close(f.done)
}

func (f *fakeHandle) PID() int             { return f.pid }
func (f *fakeHandle) StartTime() time.Time { return time.Now() }

func (f *fakeHandle) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.exited
}

func (f *fakeHandle) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-f.done:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, nil
}

func (f *fakeHandle) Terminate(_ time.Duration) error {
	if f.onTerminate != nil {
		f.onTerminate(f.name)
	}
	f.exit(143)
	return nil
}

// fakeLauncher hands out fakeHandles, optionally failing a named service or
// blocking its launch until the context is cancelled.
type fakeLauncher struct {
	mu       sync.Mutex
	failOn   string
	blockOn  string
	nextPID  int
	launched []string
	handles  map[string]*fakeHandle

	onTerminate func(name string)
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 1000, handles: map[string]*fakeHandle{}}
}

func (f *fakeLauncher) Launch(ctx context.Context, svc launch.Service) (ProcessHandle, error) {
	if svc.Name == f.blockOn {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if svc.Name == f.failOn {
		return nil, &launch.Error{Kind: launch.SpawnFailure, Service: svc.Name, Err: errors.New("binary missing")}
	}

	f.nextPID++
	handle := newFakeHandle(svc.Name, f.nextPID)
	handle.onTerminate = f.onTerminate
	f.launched = append(f.launched, svc.Name)
	f.handles[svc.Name] = handle
	return handle, nil
}

func (f *fakeLauncher) handle(name string) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[name]
}

// fakeRegistry records bookkeeping calls.
type fakeRegistry struct {
	mu       sync.Mutex
	recorded []string
	stopped  []string
}

func (f *fakeRegistry) RecordLaunch(_ context.Context, _, service string, _ int, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, service)
	return "rec-" + service, nil
}

func (f *fakeRegistry) MarkStopped(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func twoServiceConfig() Config {
	return Config{
		RunID:           "test-run",
		GracefulTimeout: 100 * time.Millisecond,
		Services: []ServiceSpec{
			{
				Service: launch.Service{Name: "distserver"},
				Pattern: "icecast.*config",
			},
			{
				Service:    launch.Service{Name: "engine"},
				Pattern:    "liquidsoap.*config",
				Foreground: true,
			},
		},
	}
}

func TestRun_ProvisionFailureExitsWithoutLaunching(t *testing.T) {
	launcher := newFakeLauncher()
	seq := New(twoServiceConfig(), &fakeProvisioner{err: errors.New("no python")}, &fakeReconciler{}, launcher, nil)

	outcome := seq.Run(context.Background())

	if outcome.Code != ExitProvisionFailure {
		t.Errorf("Code = %d, want %d", outcome.Code, ExitProvisionFailure)
	}
	if outcome.Phase != PhaseProvisioning {
		t.Errorf("Phase = %q, want %q", outcome.Phase, PhaseProvisioning)
	}
	if len(launcher.launched) != 0 {
		t.Errorf("launched = %v, want nothing after provisioning failure", launcher.launched)
	}
	if seq.Phase() != PhaseTerminated {
		t.Errorf("final phase = %q, want %q", seq.Phase(), PhaseTerminated)
	}
}

func TestRun_LaunchFailureRollsBackInReverseOrder(t *testing.T) {
	var terminated []string
	var mu sync.Mutex

	launcher := newFakeLauncher()
	launcher.failOn = "engine"
	launcher.onTerminate = func(name string) {
		mu.Lock()
		terminated = append(terminated, name)
		mu.Unlock()
	}

	seq := New(twoServiceConfig(), &fakeProvisioner{}, &fakeReconciler{}, launcher, nil)
	outcome := seq.Run(context.Background())

	if outcome.Code != ExitLaunchFailure {
		t.Errorf("Code = %d, want %d", outcome.Code, ExitLaunchFailure)
	}

	var launchErr *launch.Error
	if !errors.As(outcome.Err, &launchErr) {
		t.Errorf("Err = %v, want *launch.Error", outcome.Err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(terminated) != 1 || terminated[0] != "distserver" {
		t.Errorf("terminated = %v, want [distserver]", terminated)
	}
}

func TestRun_FirstLaunchFailureStopsRemainingLaunches(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.failOn = "distserver"

	seq := New(twoServiceConfig(), &fakeProvisioner{}, &fakeReconciler{}, launcher, nil)
	outcome := seq.Run(context.Background())

	if outcome.Code != ExitLaunchFailure {
		t.Errorf("Code = %d, want %d", outcome.Code, ExitLaunchFailure)
	}
	if len(launcher.launched) != 0 {
		t.Errorf("launched = %v, want no service launched after the first failed", launcher.launched)
	}
}

func TestRun_ForegroundExitCodePropagates(t *testing.T) {
	launcher := newFakeLauncher()
	seq := New(twoServiceConfig(), &fakeProvisioner{}, &fakeReconciler{}, launcher, nil)

	done := make(chan Outcome, 1)
	go func() { done <- seq.Run(context.Background()) }()

	// Wait for the foreground service to come up, then kill it.
	waitForHandle(t, launcher, "engine").exit(7)

	outcome := <-done
	if outcome.Code != 7 {
		t.Errorf("Code = %d, want foreground exit code 7", outcome.Code)
	}
	if outcome.Err != nil {
		t.Errorf("Err = %v, want nil for a foreground exit", outcome.Err)
	}

	// The distribution server must not outlive the run.
	if launcher.handle("distserver").Running() {
		t.Error("distserver still running after foreground exit")
	}
}

func TestRun_ContextCancelIsCleanShutdown(t *testing.T) {
	launcher := newFakeLauncher()
	seq := New(twoServiceConfig(), &fakeProvisioner{}, &fakeReconciler{}, launcher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- seq.Run(ctx) }()

	waitForHandle(t, launcher, "engine")
	cancel()

	outcome := <-done
	if outcome.Code != ExitOK {
		t.Errorf("Code = %d, want %d for requested shutdown", outcome.Code, ExitOK)
	}
	for _, name := range []string{"distserver", "engine"} {
		if launcher.handle(name).Running() {
			t.Errorf("%s still running after shutdown", name)
		}
	}
}

func TestRun_CancelDuringLaunchIsCleanShutdown(t *testing.T) {
	// Shutdown arrives while the engine's launch is still in its readiness
	// gate. That is the same operator intent as cancellation between
	// launches, so it exits clean and tears down what already launched.
	launcher := newFakeLauncher()
	launcher.blockOn = "engine"

	seq := New(twoServiceConfig(), &fakeProvisioner{}, &fakeReconciler{}, launcher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- seq.Run(ctx) }()

	waitForHandle(t, launcher, "distserver")
	cancel()

	outcome := <-done
	if outcome.Code != ExitOK {
		t.Errorf("Code = %d, want %d for shutdown during launch", outcome.Code, ExitOK)
	}
	if outcome.Err != nil {
		t.Errorf("Err = %v, want nil for requested shutdown", outcome.Err)
	}
	if launcher.handle("distserver").Running() {
		t.Error("distserver still running after shutdown during launch")
	}
}

func TestRun_PhaseTransitionsInOrder(t *testing.T) {
	var mu sync.Mutex
	var phases []Phase

	launcher := newFakeLauncher()
	seq := New(twoServiceConfig(), &fakeProvisioner{}, &fakeReconciler{}, launcher, nil)
	seq.SetEvents(Events{
		OnTransition: func(_, to Phase) {
			mu.Lock()
			phases = append(phases, to)
			mu.Unlock()
		},
	})

	done := make(chan Outcome, 1)
	go func() { done <- seq.Run(context.Background()) }()
	waitForHandle(t, launcher, "engine").exit(0)
	<-done

	want := []Phase{PhaseReconciling, PhaseLaunching, PhaseRunning, PhaseTerminated}
	mu.Lock()
	defer mu.Unlock()
	if len(phases) != len(want) {
		t.Fatalf("transitions = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, phases[i], want[i])
		}
	}
}

func TestRun_ReconcilerReceivesPatternsInServiceOrder(t *testing.T) {
	launcher := newFakeLauncher()
	rec := &fakeReconciler{}
	seq := New(twoServiceConfig(), &fakeProvisioner{}, rec, launcher, nil)

	done := make(chan Outcome, 1)
	go func() { done <- seq.Run(context.Background()) }()
	waitForHandle(t, launcher, "engine").exit(0)
	<-done

	want := []string{"icecast.*config", "liquidsoap.*config"}
	if len(rec.patterns) != len(want) {
		t.Fatalf("patterns = %v, want %v", rec.patterns, want)
	}
	for i := range want {
		if rec.patterns[i] != want[i] {
			t.Errorf("patterns[%d] = %q, want %q", i, rec.patterns[i], want[i])
		}
	}
}

func TestRun_RegistryRecordsOpenAndClose(t *testing.T) {
	launcher := newFakeLauncher()
	registry := &fakeRegistry{}
	seq := New(twoServiceConfig(), &fakeProvisioner{}, &fakeReconciler{}, launcher, registry)

	done := make(chan Outcome, 1)
	go func() { done <- seq.Run(context.Background()) }()
	waitForHandle(t, launcher, "engine").exit(0)
	<-done

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if len(registry.recorded) != 2 {
		t.Errorf("recorded = %v, want both services", registry.recorded)
	}
	for _, id := range []string{"rec-distserver", "rec-engine"} {
		found := false
		for _, stopped := range registry.stopped {
			if stopped == id {
				found = true
			}
		}
		if !found {
			t.Errorf("record %s never marked stopped, stopped = %v", id, registry.stopped)
		}
	}
}

func TestRun_ServicesLaunchInConfiguredOrder(t *testing.T) {
	launcher := newFakeLauncher()
	seq := New(twoServiceConfig(), &fakeProvisioner{}, &fakeReconciler{}, launcher, nil)

	done := make(chan Outcome, 1)
	go func() { done <- seq.Run(context.Background()) }()
	waitForHandle(t, launcher, "engine").exit(0)
	<-done

	if len(launcher.launched) != 2 || launcher.launched[0] != "distserver" || launcher.launched[1] != "engine" {
		t.Errorf("launch order = %v, want [distserver engine]", launcher.launched)
	}
}

func TestSnapshot_ReflectsRunningServices(t *testing.T) {
	launcher := newFakeLauncher()
	seq := New(twoServiceConfig(), &fakeProvisioner{}, &fakeReconciler{}, launcher, nil)

	done := make(chan Outcome, 1)
	go func() { done <- seq.Run(context.Background()) }()
	engine := waitForHandle(t, launcher, "engine")

	status := seq.Snapshot()
	if status.RunID != "test-run" {
		t.Errorf("RunID = %q, want %q", status.RunID, "test-run")
	}
	if len(status.Services) != 2 {
		t.Fatalf("Services = %v, want 2 entries", status.Services)
	}
	if !status.Services[1].Foreground {
		t.Error("engine not marked foreground in snapshot")
	}

	engine.exit(0)
	<-done

	if seq.Snapshot().Phase != PhaseTerminated {
		t.Errorf("Phase = %q, want %q after run", seq.Snapshot().Phase, PhaseTerminated)
	}
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config { return twoServiceConfig() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"empty services", func(c *Config) { c.Services = nil }, true},
		{"no foreground", func(c *Config) { c.Services[1].Foreground = false }, true},
		{"two foregrounds", func(c *Config) { c.Services[0].Foreground = true }, true},
		{"foreground not last", func(c *Config) {
			c.Services[0], c.Services[1] = c.Services[1], c.Services[0]
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// waitForHandle blocks until the launcher has spawned the named service.
func waitForHandle(t *testing.T, launcher *fakeLauncher, name string) *fakeHandle {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h := launcher.handle(name); h != nil {
			return h
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("service %s never launched", name)
	return nil
}
