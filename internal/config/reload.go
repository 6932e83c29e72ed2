package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"

	"github.com/BurntSushi/toml"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed fields
	Applied []string // successfully applied
	Skipped []string // require restart
	Errors  []error
}

// restartRequiredFields lists top-level config fields that cannot be
// hot-reloaded and require a full process restart: they are read once at
// startup by collaborators that own their own goroutines (the world
// engine's tick loop, the stream multiplexer's listener).
var restartRequiredFields = map[string]bool{
	"World.TickRateMs":     true,
	"World.WidthUnits":     true,
	"World.HeightUnits":    true,
	"World.CellSize":       true,
	"Server.DataDir":       true,
	"Sandbox.ArtifactsDir": true,
	"MQTT.Port":            true,
	"MQTT.Host":            true,
}

// hotReloadableFields lists fields that Reload copies from the new file
// into the receiver Config; it does not push them to running collaborators.
var hotReloadableFields = []string{
	"Server.LogLevel",
	"World.MinPopulation",
	"World.MaxEntities",
	"World.Friction",
	"World.SpawnRate",
	"World.ResourceSpawnRate",
	"World.SnapshotInterval",
	"World.StreamInterval",
	"Watcher",
	"LLM",
	"Sandbox.RetainVersions",
	"Sandbox.MaxLoopIterations",
	"Bus",
}

// mu protects the Config during concurrent reload operations.
var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// Reload re-reads the config from path, diffs against the current config,
// and applies hot-reloadable changes in place. Fields that require a
// restart are logged as skipped rather than applied.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config for reload: %w", err)
	}

	newCfg := DefaultConfig()
	meta, err := toml.NewDecoder(bytes.NewReader(data)).Decode(newCfg)
	if err != nil {
		return nil, fmt.Errorf("parse config for reload: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}
	if err := newCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config on reload: %w", err)
	}

	result := &ReloadResult{}

	mu.Lock()
	defer mu.Unlock()

	diffAndApply(c, newCfg, result)

	return result, nil
}

// diffAndApply compares old and new configs, applying hot-reloadable
// changes and recording fields that require a restart.
func diffAndApply(old, new *Config, result *ReloadResult) {
	restart := func(name string, changed bool) {
		if changed {
			result.Changed = append(result.Changed, name)
			result.Skipped = append(result.Skipped, name+" (requires restart)")
		}
	}

	restart("World.TickRateMs", old.World.TickRateMs != new.World.TickRateMs)
	restart("World.WidthUnits", old.World.WidthUnits != new.World.WidthUnits)
	restart("World.HeightUnits", old.World.HeightUnits != new.World.HeightUnits)
	restart("World.CellSize", old.World.CellSize != new.World.CellSize)
	restart("Server.DataDir", old.Server.DataDir != new.Server.DataDir)
	restart("Sandbox.ArtifactsDir", old.Sandbox.ArtifactsDir != new.Sandbox.ArtifactsDir)
	restart("MQTT.Port", old.MQTT.Port != new.MQTT.Port)
	restart("MQTT.Host", old.MQTT.Host != new.MQTT.Host)

	apply := func(name string, changed bool, set func()) {
		if changed {
			result.Changed = append(result.Changed, name)
			set()
			result.Applied = append(result.Applied, name)
		}
	}

	apply("Server.LogLevel", old.Server.LogLevel != new.Server.LogLevel, func() {
		old.Server.LogLevel = new.Server.LogLevel
	})
	apply("World.MinPopulation", old.World.MinPopulation != new.World.MinPopulation, func() {
		old.World.MinPopulation = new.World.MinPopulation
	})
	apply("World.MaxEntities", old.World.MaxEntities != new.World.MaxEntities, func() {
		old.World.MaxEntities = new.World.MaxEntities
	})
	apply("World.Friction", old.World.Friction != new.World.Friction, func() {
		old.World.Friction = new.World.Friction
	})
	apply("World.SpawnRate", old.World.SpawnRate != new.World.SpawnRate, func() {
		old.World.SpawnRate = new.World.SpawnRate
	})
	apply("World.ResourceSpawnRate", old.World.ResourceSpawnRate != new.World.ResourceSpawnRate, func() {
		old.World.ResourceSpawnRate = new.World.ResourceSpawnRate
	})
	apply("World.SnapshotInterval", old.World.SnapshotInterval != new.World.SnapshotInterval, func() {
		old.World.SnapshotInterval = new.World.SnapshotInterval
	})
	apply("World.StreamInterval", old.World.StreamInterval != new.World.StreamInterval, func() {
		old.World.StreamInterval = new.World.StreamInterval
	})
	apply("Watcher", !reflect.DeepEqual(old.Watcher, new.Watcher), func() {
		old.Watcher = new.Watcher
	})
	apply("LLM", !reflect.DeepEqual(old.LLM, new.LLM), func() {
		old.LLM = new.LLM
	})
	apply("Sandbox.RetainVersions", old.Sandbox.RetainVersions != new.Sandbox.RetainVersions, func() {
		old.Sandbox.RetainVersions = new.Sandbox.RetainVersions
	})
	apply("Sandbox.MaxLoopIterations", old.Sandbox.MaxLoopIterations != new.Sandbox.MaxLoopIterations, func() {
		old.Sandbox.MaxLoopIterations = new.Sandbox.MaxLoopIterations
	})
	apply("Bus", !reflect.DeepEqual(old.Bus, new.Bus), func() {
		old.Bus = new.Bus
	})
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
		"errors", len(r.Errors),
	)

	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}

	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}

	for _, err := range r.Errors {
		logger.Error("config reload error", "error", err)
	}
}

// IsRestartRequired returns true if the field requires a restart.
func IsRestartRequired(field string) bool {
	return restartRequiredFields[field]
}

// HotReloadableFields returns the list of hot-reloadable field names.
func HotReloadableFields() []string {
	return hotReloadableFields
}
