package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for stationd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Station     StationConfig     `yaml:"station"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Directories DirectoriesConfig `yaml:"directories"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	API         APIConfig         `yaml:"api"`
	Logging     LoggingConfig     `yaml:"logging"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Services    []ServiceConfig   `yaml:"services"`
}

// StationConfig contains station-specific identification.
type StationConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// RuntimeConfig describes the isolated Python runtime used by the station's
// helper tooling (loudness normalisation, playlist management).
type RuntimeConfig struct {
	// Dir is the virtualenv directory. Created if absent.
	Dir string `yaml:"dir"`

	// Python is the interpreter used to create the virtualenv.
	// Default: "python3"
	Python string `yaml:"python"`

	// Manifest is the pip requirements file. If the file does not exist,
	// dependency installation is skipped without error.
	Manifest string `yaml:"manifest"`
}

// DirectoriesConfig lists the directories stationd guarantees exist before
// any service launches.
type DirectoriesConfig struct {
	Logs  string `yaml:"logs"`
	Data  string `yaml:"data"`
	Media string `yaml:"media"`
}

// DatabaseConfig contains SQLite database settings for the launch registry.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for run-event publishing.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains the local status API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ReconcileConfig contains settings for stale-instance reconciliation.
type ReconcileConfig struct {
	// SettleDelayMS is how long to wait after termination requests before
	// launching, so the OS can release ports held by terminated processes.
	SettleDelayMS int `yaml:"settle_delay_ms"`

	// GracefulTimeoutSeconds is how long terminated services get to exit
	// before SIGKILL.
	GracefulTimeoutSeconds int `yaml:"graceful_timeout_seconds"`

	// MatchSystemProcesses enables scanning the whole process table for
	// command lines matching service identity patterns, in addition to the
	// PIDs recorded in the launch registry. Registry records are always
	// consulted first.
	MatchSystemProcesses bool `yaml:"match_system_processes"`
}

// ServiceConfig defines one managed service. Services launch in list order;
// the foreground service must be last.
type ServiceConfig struct {
	// Name is a unique human-readable identifier.
	Name string `yaml:"name"`

	// Command is the executable to launch.
	Command string `yaml:"command"`

	// Args are command-line arguments. The service's own config file path
	// (conventionally config/<service>.conf) belongs here.
	Args []string `yaml:"args"`

	// Pattern matches the full command line of previously running instances
	// during reconciliation. Multiple services may share an executable and
	// differ only in arguments, so matching is against the whole invocation.
	Pattern string `yaml:"pattern"`

	// WorkDir is the working directory for the process. Empty inherits.
	WorkDir string `yaml:"work_dir"`

	// LogFile is the combined stdout/stderr sink. Each service owns a
	// distinct file.
	LogFile string `yaml:"log_file"`

	// GracePeriodSeconds is the fixed delay after launch before a single
	// liveness check declares the service up. 0 skips the gate.
	GracePeriodSeconds int `yaml:"grace_period_seconds"`

	// ReadinessAddress is an optional TCP host:port to poll during the grace
	// window. When set, a successful connection ends the gate early; the
	// fixed delay is only the fallback.
	ReadinessAddress string `yaml:"readiness_address"`

	// Foreground marks the service whose lifetime the orchestrator blocks on
	// and whose exit code becomes the run's outcome.
	Foreground bool `yaml:"foreground"`
}

// GracePeriod returns the service's grace period as a Duration.
func (s ServiceConfig) GracePeriod() time.Duration {
	return time.Duration(s.GracePeriodSeconds) * time.Second
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: STATIOND_SECTION_KEY
// For example: STATIOND_DATABASE_PATH, STATIOND_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults, including the
// standard two-service radio stack: the distribution server first (its
// network binding gates the engine), then the streaming engine in the
// foreground.
func defaultConfig() *Config {
	return &Config{
		Station: StationConfig{
			ID:   "station-001",
			Name: "Driftcast",
		},
		Runtime: RuntimeConfig{
			Dir:      ".venv",
			Python:   "python3",
			Manifest: "requirements.txt",
		},
		Directories: DirectoriesConfig{
			Logs:  "logs",
			Data:  "data",
			Media: "music",
		},
		Database: DatabaseConfig{
			Path:        "data/stationd.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "stationd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Reconcile: ReconcileConfig{
			SettleDelayMS:          1500,
			GracefulTimeoutSeconds: 10,
			MatchSystemProcesses:   true,
		},
		Services: []ServiceConfig{
			{
				Name:               "icecast",
				Command:            "icecast",
				Args:               []string{"-c", "config/icecast.conf"},
				Pattern:            "icecast.*config/icecast",
				LogFile:            "logs/icecast.log",
				GracePeriodSeconds: 2,
				ReadinessAddress:   "localhost:8000",
			},
			{
				Name:               "liquidsoap",
				Command:            "liquidsoap",
				Args:               []string{"config/radio.liq"},
				Pattern:            "liquidsoap.*config/radio",
				LogFile:            "logs/liquidsoap.log",
				GracePeriodSeconds: 2,
				Foreground:         true,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: STATIOND_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STATIOND_RUNTIME_DIR"); v != "" {
		cfg.Runtime.Dir = v
	}

	if v := os.Getenv("STATIOND_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("STATIOND_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("STATIOND_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("STATIOND_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("STATIOND_API_HOST"); v != "" {
		cfg.API.Host = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Station.ID == "" {
		errs = append(errs, "station.id is required")
	}

	if c.Runtime.Dir == "" {
		errs = append(errs, "runtime.dir is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	errs = append(errs, c.validateServices()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateServices checks the managed service list: unique names, commands
// present, and exactly one foreground service in the final position.
func (c *Config) validateServices() []string {
	var errs []string

	if len(c.Services) == 0 {
		errs = append(errs, "at least one service is required")
		return errs
	}

	seen := make(map[string]bool)
	foregroundIdx := -1

	for i, svc := range c.Services {
		if svc.Name == "" {
			errs = append(errs, fmt.Sprintf("services[%d].name is required", i))
			continue
		}
		if seen[svc.Name] {
			errs = append(errs, fmt.Sprintf("duplicate service name %q", svc.Name))
		}
		seen[svc.Name] = true

		if svc.Command == "" {
			errs = append(errs, fmt.Sprintf("services[%d] (%s): command is required", i, svc.Name))
		}
		if svc.GracePeriodSeconds < 0 {
			errs = append(errs, fmt.Sprintf("services[%d] (%s): grace_period_seconds must not be negative", i, svc.Name))
		}

		if svc.Foreground {
			if foregroundIdx != -1 {
				errs = append(errs, "only one service may be foreground")
			}
			foregroundIdx = i
		}
	}

	switch {
	case foregroundIdx == -1:
		errs = append(errs, "exactly one service must be foreground")
	case foregroundIdx != len(c.Services)-1:
		errs = append(errs, "the foreground service must be last in the launch order")
	}

	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetSettleDelay returns the reconciliation settle delay as a Duration.
func (c *Config) GetSettleDelay() time.Duration {
	return time.Duration(c.Reconcile.SettleDelayMS) * time.Millisecond
}

// GetGracefulTimeout returns the termination graceful timeout as a Duration.
func (c *Config) GetGracefulTimeout() time.Duration {
	return time.Duration(c.Reconcile.GracefulTimeoutSeconds) * time.Second
}
