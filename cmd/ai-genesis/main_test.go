package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/clawinfra/ai-genesis/internal/config"
	"github.com/clawinfra/ai-genesis/internal/llmclient"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.input); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLoadConfigCreatesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ai-genesis.toml")

	cfg, err := loadConfig(path, slog.Default())
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected config file to be created: %v", err)
	}
}

func TestLoadConfigReadsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ai-genesis.toml")
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = dir
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := loadConfig(path, slog.Default())
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if loaded.World.TickRateMs != cfg.World.TickRateMs {
		t.Errorf("expected loaded config to match saved config")
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ai-genesis.toml")
	if err := os.WriteFile(path, []byte("not_a_real_key = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := loadConfig(path, slog.Default()); err == nil {
		t.Error("expected an error for an unrecognized config key")
	}
}

func TestEngineConfigCopiesEveryField(t *testing.T) {
	w := config.DefaultConfig().World
	ec := engineConfig(w)
	if ec.TickRateMs != w.TickRateMs || ec.InitialEntities != w.InitialEntities ||
		ec.MaxAgeTicks != w.MaxAgeTicks || ec.Seed != w.Seed {
		t.Errorf("engineConfig() did not faithfully copy WorldConfig: %+v vs %+v", ec, w)
	}
}

func TestNewLLMProviderSelectsByConfig(t *testing.T) {
	stub := newLLMProvider(config.LLMConfig{Provider: "stub"})
	if _, ok := stub.(*llmclient.StubProvider); !ok {
		t.Errorf("expected a StubProvider for provider=stub, got %T", stub)
	}

	httpProvider := newLLMProvider(config.LLMConfig{Provider: "http", BaseURL: "http://localhost:9999"})
	if _, ok := httpProvider.(*llmclient.HTTPProvider); !ok {
		t.Errorf("expected an HTTPProvider for provider=http, got %T", httpProvider)
	}
}
