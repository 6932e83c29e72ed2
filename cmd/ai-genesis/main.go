// Command ai-genesis runs the AI-Genesis server: a world of simulated
// entities that observes its own health, drafts and writes new Go trait
// code for itself when it drifts off balance, and streams the result to
// any connected observer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/clawinfra/ai-genesis/internal/architect"
	"github.com/clawinfra/ai-genesis/internal/bus"
	"github.com/clawinfra/ai-genesis/internal/coder"
	"github.com/clawinfra/ai-genesis/internal/commands"
	"github.com/clawinfra/ai-genesis/internal/config"
	"github.com/clawinfra/ai-genesis/internal/llmclient"
	"github.com/clawinfra/ai-genesis/internal/maintenance"
	"github.com/clawinfra/ai-genesis/internal/mutationstore"
	"github.com/clawinfra/ai-genesis/internal/patcher"
	"github.com/clawinfra/ai-genesis/internal/sandbox"
	"github.com/clawinfra/ai-genesis/internal/stream"
	"github.com/clawinfra/ai-genesis/internal/telemetry"
	"github.com/clawinfra/ai-genesis/internal/trait"
	"github.com/clawinfra/ai-genesis/internal/watcher"
	"github.com/clawinfra/ai-genesis/internal/world"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// mqttChannels is the set of bus channels an external observer process
// can usefully see; internal pipeline handoffs (EvolutionTrigger,
// EvolutionPlan, MutationReady) stay in-process.
var mqttChannels = []bus.Channel{
	bus.Telemetry,
	bus.FeedMessage,
	bus.ParamsChanged,
	bus.MutationApplied,
	bus.MutationFailed,
}

// App holds every runtime component the process wires together.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store       *mutationstore.Store
	Bus         *bus.Bus
	Registry    *trait.Registry
	Telemetry   *telemetry.Collector
	Stream      *stream.Multiplexer
	Engine      *world.Engine
	Watcher     *watcher.Watcher
	Architect   *architect.Architect
	Validator   *sandbox.Validator
	Coder       *coder.Coder
	Patcher     *patcher.Patcher
	Maintenance *maintenance.Sweeper
	Commands    *commands.Commands
	MQTTBridge  *bus.MQTTBridge

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "ai-genesis.toml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ai-genesis v%s (built %s)\n", version, buildTime)
		return 0
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup failed: %v\n", err)
		return 1
	}

	if err := startServices(app); err != nil {
		app.Logger.Error("failed to start services", "error", err)
		return 1
	}

	printBanner(app)

	if err := waitForShutdown(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}

// setup constructs every component but starts nothing.
func setup(configPath string) (*App, error) {
	app := &App{}

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	app.Logger.Info("starting ai-genesis", "version", version, "config", configPath)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Server.LogLevel)}))

	if err := os.MkdirAll(cfg.Sandbox.ArtifactsDir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}

	store, err := mutationstore.Open(filepath.Join(cfg.Server.DataDir, "mutations.db"))
	if err != nil {
		return nil, fmt.Errorf("open mutation store: %w", err)
	}
	app.Store = store

	app.Bus = bus.New(bus.Config{
		CoalescableBuffer: cfg.Bus.CoalescableBuffer,
		CriticalBuffer:    cfg.Bus.CriticalBuffer,
		CriticalGrace:     time.Duration(cfg.Bus.CriticalGraceMs) * time.Millisecond,
	}, app.Logger)

	app.Registry = trait.NewRegistry()

	app.Telemetry = telemetry.NewCollector(app.Logger)
	app.Telemetry.Subscribe(telemetry.BusSink{Bus: app.Bus})

	app.Stream = stream.New(stream.Config{SessionBuffer: cfg.Stream.SessionBuffer}, app.Logger)

	app.Engine = world.NewEngine(engineConfig(cfg.World), app.Registry, app.Telemetry, app.Stream, app.Logger)

	app.Watcher = watcher.New(cfg.Watcher, cfg.World.MinPopulation, cfg.World.MaxEntities, app.Bus, app.Logger)

	provider := newLLMProvider(cfg.LLM)
	llmTimeout := time.Duration(cfg.LLM.TimeoutSec) * time.Second

	app.Architect = architect.New(app.Bus, provider, app.Registry, llmTimeout, nil, app.Logger)

	app.Validator = sandbox.New(cfg.Sandbox, app.Store)
	app.Coder = coder.New(app.Bus, provider, app.Validator, app.Store, cfg.Sandbox, llmTimeout, app.Logger)
	app.Patcher = patcher.New(app.Bus, app.Validator, app.Store, app.Registry, cfg.Sandbox, app.Logger)

	app.Maintenance = maintenance.New(app.Store, cfg.Sandbox, app.Logger)

	app.Commands = commands.New(app.Engine, app.Bus, app.Store)

	if cfg.MQTT.Enabled {
		app.MQTTBridge = bus.NewMQTTBridge(app.Bus, cfg.MQTT.Host, cfg.MQTT.Port, cfg.MQTT.TopicPrefix, app.Logger)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", app.Stream.Handler())
	app.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	return app, nil
}

// engineConfig copies a config.WorldConfig's fields into the shape the
// world package expects, keeping the two structs independently named so
// the engine never imports the config package.
func engineConfig(w config.WorldConfig) world.EngineConfig {
	return world.EngineConfig{
		TickRateMs:        w.TickRateMs,
		WidthUnits:        w.WidthUnits,
		HeightUnits:       w.HeightUnits,
		CellSize:          w.CellSize,
		MinPopulation:     w.MinPopulation,
		MaxEntities:       w.MaxEntities,
		Friction:          w.Friction,
		SpawnRate:         w.SpawnRate,
		ResourceSpawnRate: w.ResourceSpawnRate,
		SnapshotInterval:  w.SnapshotInterval,
		StreamInterval:    w.StreamInterval,
		InitialEntities:   w.InitialEntities,
		InitialEnergy:     w.InitialEnergy,
		MaxEnergy:         w.MaxEnergy,
		MaxAgeTicks:       w.MaxAgeTicks,
		MetabolismRate:    w.MetabolismRate,
		Seed:              w.Seed,
		PerTraitBudgetMs:  w.PerTraitBudgetMs,
		PerTickBudgetMs:   w.PerTickBudgetMs,
	}
}

// newLLMProvider selects the Architect/Coder's shared LLM collaborator.
// "stub" (the default) never leaves the process; "http" calls an
// OpenAI-compatible chat-completions endpoint.
func newLLMProvider(cfg config.LLMConfig) llmclient.Provider {
	if cfg.Provider == "http" {
		return llmclient.NewHTTPProvider(cfg.BaseURL, cfg.APIKey, cfg.Model, time.Duration(cfg.TimeoutSec)*time.Second)
	}
	return &llmclient.StubProvider{}
}

// loadConfig loads configuration from file, writing a default file on
// first run.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default", "path", path)
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			if err := os.MkdirAll(cfg.Server.DataDir, 0o750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// parseLogLevel converts a config string into a slog.Level, defaulting to
// info for anything unrecognized.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startServices starts every long-running component in dependency order:
// downstream pipeline stages before the Engine that feeds them events, so
// nothing is missed between a subscribe call and the first tick.
func startServices(app *App) error {
	app.ctx, app.cancel = context.WithCancel(context.Background())

	app.Patcher.Start(app.ctx)
	app.Coder.Start(app.ctx)
	app.Architect.Start(app.ctx)
	app.Watcher.Start(app.ctx)
	app.Stream.Start(app.ctx, app.Bus)
	app.Engine.Start(app.ctx)

	if err := app.Maintenance.Start(""); err != nil {
		return fmt.Errorf("start maintenance sweeper: %w", err)
	}

	if app.MQTTBridge != nil {
		if err := app.MQTTBridge.Start(app.ctx, mqttChannels); err != nil {
			return fmt.Errorf("start mqtt bridge: %w", err)
		}
	}

	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.Logger.Error("observer stream server error", "error", err)
		}
	}()

	return nil
}

func printBanner(app *App) {
	fmt.Println()
	fmt.Printf("  ai-genesis v%s\n", version)
	fmt.Printf("  world: %d initial entities, tick every %dms\n", app.Config.World.InitialEntities, app.Config.World.TickRateMs)
	fmt.Printf("  observer stream: ws://localhost:%d/stream\n", app.Config.Server.Port)
	fmt.Println()
}

// waitForShutdown blocks until SIGINT/SIGTERM, then stops every component
// in the reverse of its start order.
func waitForShutdown(app *App) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	app.Logger.Info("shutdown signal received", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		app.Logger.Warn("observer stream server shutdown error", "error", err)
	}

	if app.MQTTBridge != nil {
		app.MQTTBridge.Stop()
	}
	app.Maintenance.Stop()
	app.Engine.Stop()
	app.Stream.Stop()
	app.cancel()

	if err := app.Store.Close(); err != nil {
		app.Logger.Warn("mutation store close error", "error", err)
	}

	app.Logger.Info("ai-genesis stopped")
	return nil
}
