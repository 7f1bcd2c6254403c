package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AaronLay10/Universalis/internal/feasibility"
	"github.com/AaronLay10/Universalis/internal/memory"
	"github.com/AaronLay10/Universalis/internal/orchestrator"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Intent providers.
const (
	ProviderScripted = "scripted"
	ProviderHTTP     = "http"
	ProviderMQTT     = "mqtt"
)

// Config is the contents of universalis.yaml.
type Config struct {
	Version    int `yaml:"version"`
	Simulation struct {
		ID          string `yaml:"id"`
		Scenario    string `yaml:"scenario"`
		TickMS      int    `yaml:"tick_ms"`
		MaxParallel int    `yaml:"max_parallel"`
		// IntentTimeoutMS is the per-agent proposal deadline.
		IntentTimeoutMS int `yaml:"intent_timeout_ms"`
		// Retries is how many extra attempts a failing provider call gets.
		// Unset means 1.
		Retries *int `yaml:"retries"`
	} `yaml:"simulation"`
	Observation orchestrator.ObservationConfig `yaml:"observation"`
	Feasibility feasibility.Limits             `yaml:"feasibility"`
	Memory      memory.PruneConfig             `yaml:"memory"`
	Store       struct {
		Driver     string `yaml:"driver"`
		SQLitePath string `yaml:"sqlite_path"`
		ArchiveDir string `yaml:"archive_dir"`
	} `yaml:"store"`
	Provider struct {
		Kind string `yaml:"kind"`
		URL  string `yaml:"url"`
	} `yaml:"provider"`
	MQTT struct {
		Broker string `yaml:"broker"`
		// HeartbeatTolerance multiplies an agent's heartbeat interval
		// before it is considered disconnected.
		HeartbeatTolerance float64 `yaml:"heartbeat_tolerance"`
	} `yaml:"mqtt"`
	Network struct {
		APIPort int `yaml:"api_port"`
	} `yaml:"network"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{Version: 1}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Simulation.ID == "" {
		c.Simulation.ID = "Alpha_Scenario"
	}
	if c.Simulation.TickMS == 0 {
		c.Simulation.TickMS = 1000
	}
	if c.Simulation.MaxParallel == 0 {
		c.Simulation.MaxParallel = 4
	}
	if c.Simulation.IntentTimeoutMS == 0 {
		c.Simulation.IntentTimeoutMS = 5000
	}
	obs := orchestrator.DefaultObservationConfig()
	if c.Observation.PerceptionRadius == 0 {
		c.Observation.PerceptionRadius = obs.PerceptionRadius
	}
	if c.Observation.RecentMemories == 0 {
		c.Observation.RecentMemories = obs.RecentMemories
	}
	if c.Observation.RelatedMemories == 0 {
		c.Observation.RelatedMemories = obs.RelatedMemories
	}
	if c.Memory == (memory.PruneConfig{}) {
		c.Memory = memory.DefaultPruneConfig()
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "data/universalis.db"
	}
	if c.Provider.Kind == "" {
		c.Provider.Kind = ProviderScripted
	}
	if c.MQTT.HeartbeatTolerance == 0 {
		c.MQTT.HeartbeatTolerance = 2.0
	}
}

// Tick returns the pause between cycles of a background run.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Simulation.TickMS) * time.Millisecond
}

// IntentTimeout returns the per-agent proposal deadline.
func (c *Config) IntentTimeout() time.Duration {
	return time.Duration(c.Simulation.IntentTimeoutMS) * time.Millisecond
}

// IntentRetries returns the provider retry count.
func (c *Config) IntentRetries() int {
	if c.Simulation.Retries == nil {
		return 1
	}
	return *c.Simulation.Retries
}

// APIPort returns the configured API port, defaulting to 8080 if not set.
func (c *Config) APIPort() int {
	if c.Network.APIPort == 0 {
		return 8080
	}
	return c.Network.APIPort
}

// Load reads a universalis.yaml file, applies env overrides and fills in
// defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes a universalis.yaml document.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Version != 1 {
		return nil, fmt.Errorf("unsupported universalis.yaml version: %d", cfg.Version)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv returns the defaults with env overrides applied.
func FromEnv() (*Config, error) {
	cfg := &Config{Version: 1}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("UNIVERSALIS_SIMULATION_ID"); v != "" {
		c.Simulation.ID = v
	}
	if v := os.Getenv("UNIVERSALIS_SCENARIO"); v != "" {
		c.Simulation.Scenario = v
	}
	if v := os.Getenv("UNIVERSALIS_STORE"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("UNIVERSALIS_SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("UNIVERSALIS_ARCHIVE_DIR"); v != "" {
		c.Store.ArchiveDir = v
	}
	if v := os.Getenv("UNIVERSALIS_PROVIDER"); v != "" {
		c.Provider.Kind = v
	}
	if v := os.Getenv("UNIVERSALIS_PROVIDER_URL"); v != "" {
		c.Provider.URL = v
	}
	if v := os.Getenv("MQTT_URL"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("UNIVERSALIS_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UNIVERSALIS_API_PORT: %w", err)
		}
		c.Network.APIPort = port
	}
	if v := os.Getenv("UNIVERSALIS_TICK_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UNIVERSALIS_TICK_MS: %w", err)
		}
		c.Simulation.TickMS = ms
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case StoreMemory, StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}
	switch c.Provider.Kind {
	case ProviderScripted, ProviderMQTT:
	case ProviderHTTP:
		if c.Provider.URL == "" {
			return fmt.Errorf("provider.url is required for the http provider")
		}
	default:
		return fmt.Errorf("unknown intent provider: %q", c.Provider.Kind)
	}
	if c.Simulation.TickMS < 0 {
		return fmt.Errorf("simulation.tick_ms must not be negative")
	}
	if c.Simulation.Retries != nil && *c.Simulation.Retries < 0 {
		return fmt.Errorf("simulation.retries must not be negative")
	}
	if c.Observation.PerceptionRadius < 0 {
		return fmt.Errorf("observation.perception_radius must not be negative")
	}
	return nil
}
