package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds all AI-Genesis configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	World   WorldConfig   `toml:"world"`
	Watcher WatcherConfig `toml:"watcher"`
	LLM     LLMConfig     `toml:"llm"`
	Sandbox SandboxConfig `toml:"sandbox"`
	Bus     BusConfig     `toml:"bus"`
	Stream  StreamConfig  `toml:"stream"`
	MQTT    MQTTConfig    `toml:"mqtt"`
}

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	DataDir  string `toml:"data_dir"`
	LogLevel string `toml:"log_level"` // "debug", "info", "warn", "error"
	Port     int    `toml:"port"`      // HTTP listener for the observer stream
}

// WorldConfig holds the world engine's tunable parameters.
type WorldConfig struct {
	TickRateMs        int     `toml:"tick_rate_ms"`
	WidthUnits        float64 `toml:"width_units"`
	HeightUnits       float64 `toml:"height_units"`
	CellSize          float64 `toml:"cell_size"`
	MinPopulation     int     `toml:"min_population"`
	MaxEntities       int     `toml:"max_entities"`
	Friction          float64 `toml:"friction"`
	SpawnRate         float64 `toml:"spawn_rate"`
	ResourceSpawnRate float64 `toml:"resource_spawn_rate"`
	SnapshotInterval  int64   `toml:"snapshot_interval"`
	StreamInterval    int64   `toml:"stream_interval"`
	InitialEntities   int     `toml:"initial_entities"`
	InitialEnergy     float64 `toml:"initial_energy"`
	MaxEnergy         float64 `toml:"max_energy"`
	MaxAgeTicks       int64   `toml:"max_age_ticks"`
	MetabolismRate    float64 `toml:"metabolism_rate"`
	Seed              int64   `toml:"seed"`
	PerTraitBudgetMs  int     `toml:"per_trait_budget_ms"`
	PerTickBudgetMs   int     `toml:"per_tick_budget_ms"`
}

// WatcherConfig holds the watcher agent's tunable parameters.
type WatcherConfig struct {
	RingBufferSize         int     `toml:"ring_buffer_size"`
	CooldownSec            int     `toml:"cooldown_sec"`
	CircuitWindowSec       int     `toml:"circuit_window_sec"`
	CircuitMaxTriggers     int     `toml:"circuit_max_triggers"`
	CircuitSuppressSec     int     `toml:"circuit_suppress_sec"`
	StarvationMeanEnergy   float64 `toml:"starvation_mean_energy"`
	StarvationHighSeverity float64 `toml:"starvation_high_severity"`
}

// LLMConfig describes the external LLM collaborator boundary.
type LLMConfig struct {
	Provider   string `toml:"provider"` // "stub", "http"
	BaseURL    string `toml:"base_url"`
	APIKey     string `toml:"api_key"`
	Model      string `toml:"model"`
	TimeoutSec int    `toml:"timeout_sec"`
}

// SandboxConfig describes the sandbox validator and artifact persistence.
type SandboxConfig struct {
	ArtifactsDir      string   `toml:"artifacts_dir"`
	AllowedImports    []string `toml:"allowed_imports"`
	MaxLoopIterations int      `toml:"max_loop_iterations"`
	RetainVersions    int      `toml:"retain_versions"`
	LoadTimeoutSec    int      `toml:"load_timeout_sec"`
}

// BusConfig sizes the event bus's per-subscriber buffers.
type BusConfig struct {
	CoalescableBuffer int `toml:"coalescable_buffer"`
	CriticalBuffer    int `toml:"critical_buffer"`
	CriticalGraceMs   int `toml:"critical_grace_ms"`
}

// StreamConfig sizes the observer session transport.
type StreamConfig struct {
	SessionBuffer int `toml:"session_buffer"`
}

// MQTTConfig configures the optional multi-process event bus bridge.
type MQTTConfig struct {
	Enabled     bool   `toml:"enabled"`
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	ClientID    string `toml:"client_id"`
	TopicPrefix string `toml:"topic_prefix"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			DataDir:  "./data",
			LogLevel: "info",
			Port:     8900,
		},
		World: WorldConfig{
			TickRateMs:        16,
			WidthUnits:        1000,
			HeightUnits:       1000,
			CellSize:          50,
			MinPopulation:     20,
			MaxEntities:       200,
			Friction:          0.02,
			SpawnRate:         1.0,
			ResourceSpawnRate: 2.0,
			SnapshotInterval:  30,
			StreamInterval:    2,
			InitialEntities:   20,
			InitialEnergy:     50,
			MaxEnergy:         100,
			MaxAgeTicks:       20000,
			MetabolismRate:    0.05,
			Seed:              1,
			PerTraitBudgetMs:  5,
			PerTickBudgetMs:   14,
		},
		Watcher: WatcherConfig{
			RingBufferSize:         5,
			CooldownSec:            60,
			CircuitWindowSec:       60,
			CircuitMaxTriggers:     5,
			CircuitSuppressSec:     300,
			StarvationMeanEnergy:   20,
			StarvationHighSeverity: 10,
		},
		LLM: LLMConfig{
			Provider:   "stub",
			TimeoutSec: 120,
		},
		Sandbox: SandboxConfig{
			ArtifactsDir: "./data/artifacts",
			AllowedImports: []string{
				"math", "math/rand", "fmt", "sort", "strings", "time",
			},
			MaxLoopIterations: 100,
			RetainVersions:    3,
			LoadTimeoutSec:    2,
		},
		Bus: BusConfig{
			CoalescableBuffer: 8,
			CriticalBuffer:    16,
			CriticalGraceMs:   100,
		},
		Stream: StreamConfig{
			SessionBuffer: 32,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Host:        "localhost",
			Port:        1883,
			ClientID:    "ai-genesis",
			TopicPrefix: "ai-genesis",
		},
	}
}

// Load reads and parses a TOML config file on top of DefaultConfig,
// rejecting unknown keys so a typo in hand-edited configuration surfaces
// immediately instead of silently falling back to a default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	meta, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes config to a TOML file, creating parent directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, buf.Bytes(), 0640)
}

// Validate checks invariants the world engine also enforces at runtime
// when applying parameter changes, applied once at startup to the full
// config.
func (c *Config) Validate() error {
	if c.World.TickRateMs < 1 {
		return fmt.Errorf("world.tick_rate_ms must be >= 1")
	}
	if c.World.MinPopulation < 0 {
		return fmt.Errorf("world.min_population must be >= 0")
	}
	if c.World.MaxEntities < c.World.MinPopulation {
		return fmt.Errorf("world.max_entities must be >= world.min_population")
	}
	if c.World.Friction < 0 || c.World.Friction > 1 {
		return fmt.Errorf("world.friction must be in [0,1]")
	}
	if c.World.SpawnRate < 0 {
		return fmt.Errorf("world.spawn_rate must be >= 0")
	}
	if c.World.ResourceSpawnRate < 0 {
		return fmt.Errorf("world.resource_spawn_rate must be >= 0")
	}
	if c.Sandbox.RetainVersions < 1 {
		return fmt.Errorf("sandbox.retain_versions must be >= 1")
	}
	return nil
}
