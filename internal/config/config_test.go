package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.DataDir != "./data" {
		t.Errorf("expected dataDir ./data, got %s", cfg.Server.DataDir)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("expected logLevel info, got %s", cfg.Server.LogLevel)
	}
	if cfg.World.TickRateMs != 16 {
		t.Errorf("expected tick_rate_ms 16, got %d", cfg.World.TickRateMs)
	}
	if cfg.World.MinPopulation != 20 {
		t.Errorf("expected min_population 20, got %d", cfg.World.MinPopulation)
	}
	if cfg.World.MaxEntities < cfg.World.MinPopulation {
		t.Errorf("max_entities must be >= min_population")
	}
	if cfg.Sandbox.RetainVersions != 3 {
		t.Errorf("expected retain_versions 3, got %d", cfg.Sandbox.RetainVersions)
	}
	if len(cfg.Sandbox.AllowedImports) == 0 {
		t.Error("expected default allowed imports to be non-empty")
	}
	if cfg.MQTT.Enabled {
		t.Error("expected MQTT disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	toml := `
[server]
data_dir = "` + filepath.Join(tmpDir, "test-data") + `"
log_level = "debug"

[world]
tick_rate_ms = 20
min_population = 10
max_entities = 50
friction = 0.05
spawn_rate = 1.5
resource_spawn_rate = 2.5
seed = 42

[sandbox]
artifacts_dir = "` + filepath.Join(tmpDir, "artifacts") + `"
retain_versions = 5
allowed_imports = ["math", "fmt"]

[mqtt]
enabled = true
host = "broker.local"
port = 1884
`
	if err := os.WriteFile(configPath, []byte(toml), 0640); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if loaded.Server.LogLevel != "debug" {
		t.Errorf("expected logLevel debug, got %s", loaded.Server.LogLevel)
	}
	if loaded.World.TickRateMs != 20 {
		t.Errorf("expected tick_rate_ms 20, got %d", loaded.World.TickRateMs)
	}
	if loaded.World.MinPopulation != 10 {
		t.Errorf("expected min_population 10, got %d", loaded.World.MinPopulation)
	}
	if loaded.Sandbox.RetainVersions != 5 {
		t.Errorf("expected retain_versions 5, got %d", loaded.Sandbox.RetainVersions)
	}
	if len(loaded.Sandbox.AllowedImports) != 2 {
		t.Errorf("expected 2 allowed imports, got %d", len(loaded.Sandbox.AllowedImports))
	}
	if !loaded.MQTT.Enabled {
		t.Error("expected MQTT enabled")
	}
	if loaded.MQTT.Host != "broker.local" {
		t.Errorf("expected MQTT host broker.local, got %s", loaded.MQTT.Host)
	}

	// Values not set in the file should keep DefaultConfig's values.
	if loaded.Watcher.CooldownSec != 60 {
		t.Errorf("expected default watcher cooldown 60, got %d", loaded.Watcher.CooldownSec)
	}

	if _, err := os.Stat(loaded.Server.DataDir); os.IsNotExist(err) {
		t.Error("expected data directory to be created")
	}
}

func TestLoadConfigFileNotFound(t *testing.T) {
	tmpDir := t.TempDir()
	nonExistent := filepath.Join(tmpDir, "nonexistent.toml")

	if _, err := Load(nonExistent); err == nil {
		t.Error("expected error when loading nonexistent file, got nil")
	}
}

func TestLoadConfigInvalidTOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.toml")

	if err := os.WriteFile(configPath, []byte("this is not [ toml"), 0640); err != nil {
		t.Fatalf("failed to write invalid TOML: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected error when loading invalid TOML, got nil")
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	toml := `
[server]
data_dir = "./data"
typo_field = "oops"
`
	if err := os.WriteFile(configPath, []byte(toml), 0640); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected error for unknown config key, got nil")
	}
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	toml := `
[world]
tick_rate_ms = 0
`
	if err := os.WriteFile(configPath, []byte(toml), 0640); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected error for tick_rate_ms = 0, got nil")
	}
}

func TestSaveConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.toml")

	cfg := DefaultConfig()
	cfg.Server.LogLevel = "warn"

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to reload saved config: %v", err)
	}
	if loaded.Server.LogLevel != "warn" {
		t.Errorf("expected logLevel warn, got %s", loaded.Server.LogLevel)
	}
}

func TestSaveConfigCreatesParentDirs(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "deep", "nested", "dirs", "config.toml")

	cfg := DefaultConfig()
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("failed to save config to nested path: %v", err)
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created in nested directory")
	}
}

func TestValidateRejectsBadWorldConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tick rate", func(c *Config) { c.World.TickRateMs = 0 }},
		{"negative min population", func(c *Config) { c.World.MinPopulation = -1 }},
		{"max below min", func(c *Config) { c.World.MaxEntities = c.World.MinPopulation - 1 }},
		{"friction above 1", func(c *Config) { c.World.Friction = 1.5 }},
		{"negative spawn rate", func(c *Config) { c.World.SpawnRate = -1 }},
		{"zero retain versions", func(c *Config) { c.Sandbox.RetainVersions = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}
