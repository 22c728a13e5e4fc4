// stationd - bootstrap orchestrator for the Driftcast streaming stack.
//
// stationd brings a station online in a fixed sequence: provision the
// isolated Python runtime, clear stale instances of the managed services,
// then launch the distribution server and streaming engine in order. The
// streaming engine runs in the foreground; its exit code becomes stationd's.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/driftcast/stationd/migrations"

	"github.com/driftcast/stationd/internal/api"
	"github.com/driftcast/stationd/internal/infrastructure/config"
	"github.com/driftcast/stationd/internal/infrastructure/database"
	"github.com/driftcast/stationd/internal/infrastructure/logging"
	"github.com/driftcast/stationd/internal/infrastructure/mqtt"
	"github.com/driftcast/stationd/internal/launch"
	"github.com/driftcast/stationd/internal/provision"
	"github.com/driftcast/stationd/internal/reconcile"
	"github.com/driftcast/stationd/internal/registry"
	"github.com/driftcast/stationd/internal/sequencer"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// exitConfigFailure is the exit code for configuration problems, before the
// bootstrap sequence has a phase to attribute the failure to.
const exitConfigFailure = 1

// registryRetention is how long closed launch records are kept for debugging
// before pruning on startup.
const registryRetention = 30 * 24 * time.Hour

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code, err := run(ctx)
	cancel()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - int: Process exit code (phase-specific on bootstrap failure, the
//     foreground service's own code otherwise)
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) (int, error) {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting stationd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return exitConfigFailure, fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	if err := ensureDirectories(cfg); err != nil {
		return exitConfigFailure, err
	}

	// Open the launch registry database. Without it, reconciliation cannot
	// guarantee single-instance semantics, so this is fatal.
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return sequencer.ExitReconcileFailure, fmt.Errorf("opening launch registry: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if err := db.Migrate(ctx); err != nil {
		return sequencer.ExitReconcileFailure, fmt.Errorf("migrating launch registry: %w", err)
	}
	log.Info("launch registry ready", "path", db.Path())

	store := registry.NewStore(db)

	if pruned, pruneErr := store.Prune(ctx, registryRetention); pruneErr != nil {
		log.Warn("cannot prune old launch records", "error", pruneErr)
	} else if pruned > 0 {
		log.Debug("pruned old launch records", "count", pruned)
	}

	provisioner := provision.New(provision.Config{
		RuntimeDir: cfg.Runtime.Dir,
		Python:     cfg.Runtime.Python,
		Manifest:   cfg.Runtime.Manifest,
	})
	provisioner.SetLogger(log)

	reconciler := reconcile.New(reconcile.Config{
		SettleDelay:          cfg.GetSettleDelay(),
		MatchSystemProcesses: cfg.Reconcile.MatchSystemProcesses,
	}, store)
	reconciler.SetLogger(log)

	launcher := launch.New()
	launcher.SetLogger(log)

	seq := sequencer.New(sequencer.Config{
		GracefulTimeout: cfg.GetGracefulTimeout(),
		Services:        buildServices(cfg),
	}, provisioner, reconciler, launcherAdapter{launcher}, store)
	seq.SetLogger(log)

	// MQTT run events are best-effort: a broker outage must never keep the
	// station off the air.
	if cfg.MQTT.Enabled {
		topics := mqtt.Topics{Station: cfg.Station.ID}
		client, mqttErr := mqtt.Connect(cfg.MQTT, topics)
		if mqttErr != nil {
			log.Warn("MQTT unavailable, run events disabled", "error", mqttErr)
		} else {
			defer func() {
				if closeErr := client.Close(); closeErr != nil {
					log.Error("error closing MQTT", "error", closeErr)
				}
			}()
			client.SetLogger(log)

			announcer := mqtt.NewAnnouncer(client, topics, seq.RunID(), byte(cfg.MQTT.QoS))
			announcer.SetLogger(log)
			seq.SetEvents(sequencer.Events{
				OnTransition: func(from, to sequencer.Phase) {
					announcer.PhaseChanged(string(from), string(to))
				},
				OnServiceUp:   announcer.ServiceUp,
				OnServiceDown: announcer.ServiceDown,
			})
			log.Info("MQTT connected",
				"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
				"client_id", cfg.MQTT.Broker.ClientID,
			)
		}
	}

	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log,
			Status:  seq,
			Version: version,
		})
		if apiErr != nil {
			return exitConfigFailure, fmt.Errorf("creating status API: %w", apiErr)
		}
		if apiErr := server.Start(ctx); apiErr != nil {
			return exitConfigFailure, fmt.Errorf("starting status API: %w", apiErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing status API", "error", closeErr)
			}
		}()
	}

	outcome := seq.Run(ctx)
	return outcome.Code, outcome.Err
}

// getConfigPath returns the configuration file path.
// Uses STATIOND_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("STATIOND_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// ensureDirectories creates the directories services expect to exist.
func ensureDirectories(cfg *config.Config) error {
	for _, dir := range []string{cfg.Directories.Logs, cfg.Directories.Data, cfg.Directories.Media} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// buildServices converts configured services to sequencer specs.
func buildServices(cfg *config.Config) []sequencer.ServiceSpec {
	specs := make([]sequencer.ServiceSpec, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		specs = append(specs, sequencer.ServiceSpec{
			Service: launch.Service{
				Name:             svc.Name,
				Command:          svc.Command,
				Args:             svc.Args,
				WorkDir:          svc.WorkDir,
				LogFile:          svc.LogFile,
				GracePeriod:      svc.GracePeriod(),
				ReadinessAddress: svc.ReadinessAddress,
			},
			Pattern:    svc.Pattern,
			Foreground: svc.Foreground,
		})
	}
	return specs
}

// launcherAdapter narrows *launch.Launcher to the sequencer's interface.
type launcherAdapter struct {
	launcher *launch.Launcher
}

func (a launcherAdapter) Launch(ctx context.Context, svc launch.Service) (sequencer.ProcessHandle, error) {
	handle, err := a.launcher.Launch(ctx, svc)
	if err != nil {
		return nil, err
	}
	return handle, nil
}
