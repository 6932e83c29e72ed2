// Package patcher implements the Runtime Patcher (C10): it loads a
// validated trait artifact into the running process as a Go plugin and
// installs it into the Trait Registry, or reports why it could not.
package patcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"plugin"
	"time"

	"github.com/clawinfra/ai-genesis/internal/bus"
	"github.com/clawinfra/ai-genesis/internal/config"
	"github.com/clawinfra/ai-genesis/internal/mutationstore"
	"github.com/clawinfra/ai-genesis/internal/sandbox"
	"github.com/clawinfra/ai-genesis/internal/security"
	"github.com/clawinfra/ai-genesis/internal/trait"
)

// errClassNotFound marks a loader failure where the compiled plugin has no
// usable NewTrait factory, distinct from a build/open failure: the
// sandbox.ClassNotFound code (§7), not sandbox.LoadFailed.
var errClassNotFound = errors.New("patcher: trait class not found in compiled plugin")

// pluginLoader is the seam that lets tests substitute the real
// go-build-then-dlopen pipeline with an in-process fake.
type pluginLoader interface {
	Load(ctx context.Context, source, buildDir, traitName string, version int) (trait.Trait, error)
}

// Patcher is the runtime-loading agent.
type Patcher struct {
	bus       *bus.Bus
	validator *sandbox.Validator
	store     *mutationstore.Store
	registry  *trait.Registry
	cfg       config.SandboxConfig
	loader    pluginLoader
	logger    *slog.Logger
}

// New returns a Patcher that loads plugins by shelling out to `go build
// -buildmode=plugin`.
func New(b *bus.Bus, validator *sandbox.Validator, store *mutationstore.Store, registry *trait.Registry,
	cfg config.SandboxConfig, logger *slog.Logger) *Patcher {
	return newWithLoader(b, validator, store, registry, cfg, &goPluginLoader{}, logger)
}

func newWithLoader(b *bus.Bus, validator *sandbox.Validator, store *mutationstore.Store, registry *trait.Registry,
	cfg config.SandboxConfig, loader pluginLoader, logger *slog.Logger) *Patcher {
	return &Patcher{
		bus:       b,
		validator: validator,
		store:     store,
		registry:  registry,
		cfg:       cfg,
		loader:    loader,
		logger:    logger.With("component", "patcher"),
	}
}

// Start subscribes to MutationReady and handles each one synchronously:
// patches are applied to the registry in publish order, one at a time, so
// two mutations for the same trait can never race each other in.
func (p *Patcher) Start(ctx context.Context) {
	sub := p.bus.Subscribe(bus.MutationReady)
	go func() {
		defer sub.Cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				ready, ok := event.Payload.(bus.MutationReadyPayload)
				if !ok {
					continue
				}
				p.handleReady(ctx, event.CycleID, ready)
			}
		}
	}()
}

func (p *Patcher) handleReady(ctx context.Context, cycleID string, ready bus.MutationReadyPayload) {
	if err := security.ValidateArtifactPath(ready.FilePath, p.cfg.ArtifactsDir); err != nil {
		p.fail(ctx, cycleID, ready, string(sandbox.LoadFailed), "artifact path rejected: "+err.Error(), "load")
		return
	}

	source, err := os.ReadFile(ready.FilePath)
	if err != nil {
		p.fail(ctx, cycleID, ready, string(sandbox.LoadFailed), "could not re-read artifact: "+err.Error(), "load")
		return
	}

	res := p.validator.Validate(string(source))
	if !res.Accepted {
		p.fail(ctx, cycleID, ready, string(res.FailureCode), "re-validation failed: "+joinLog(res.Log), "revalidation")
		return
	}

	loadCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.LoadTimeoutSec)*time.Second)
	defer cancel()

	buildDir := filepath.Join(p.cfg.ArtifactsDir, "plugins")
	impl, err := p.loader.Load(loadCtx, string(source), buildDir, ready.TraitName, ready.Version)
	if err != nil {
		code := sandbox.LoadFailed
		switch {
		case loadCtx.Err() == context.DeadlineExceeded:
			code = sandbox.ImportTimeout
		case errors.Is(err, errClassNotFound):
			code = sandbox.ClassNotFound
		}
		p.fail(ctx, cycleID, ready, string(code), "plugin load failed: "+err.Error(), "load")
		return
	}

	version, err := p.registry.Install(ready.TraitName, impl)
	if err != nil {
		p.fail(ctx, cycleID, ready, string(sandbox.LoadFailed), "registry install failed: "+err.Error(), "install")
		return
	}

	if err := p.store.UpdateStatus(ctx, ready.MutationID, mutationstore.StatusActive, ""); err != nil {
		p.logger.Warn("could not mark mutation active", "mutation_id", ready.MutationID, "err", err)
	}

	p.bus.Publish(bus.MutationApplied, bus.MutationAppliedPayload{
		MutationID:      ready.MutationID,
		TraitName:       ready.TraitName,
		Version:         ready.Version,
		RegistryVersion: version,
	}, cycleID)
	p.bus.Publish(bus.FeedMessage, bus.FeedMessagePayload{
		Agent:    "patcher",
		Action:   "mutation_applied",
		Message:  fmt.Sprintf("installed %s v%d (registry version %d)", ready.TraitName, ready.Version, version),
		Metadata: map[string]any{"cycle_id": cycleID, "mutation_id": ready.MutationID},
	}, cycleID)

	p.sweepRetention(ctx, ready.TraitName)
}

func (p *Patcher) fail(ctx context.Context, cycleID string, ready bus.MutationReadyPayload, reason, detail, stage string) {
	p.logger.Warn("patch failed", "cycle_id", cycleID, "trait", ready.TraitName, "stage", stage, "detail", detail)
	if err := p.store.UpdateStatus(ctx, ready.MutationID, mutationstore.StatusFailed, detail); err != nil {
		p.logger.Warn("could not mark mutation failed", "mutation_id", ready.MutationID, "err", err)
	}

	rollbackTo := ""
	if path, ok := p.store.ActiveVersion(ctx, ready.TraitName); ok {
		rollbackTo = path
	}

	p.bus.Publish(bus.MutationFailed, bus.MutationFailedPayload{
		MutationID: ready.MutationID,
		Reason:     reason,
		Stage:      stage,
		RollbackTo: rollbackTo,
	}, cycleID)
	p.bus.Publish(bus.FeedMessage, bus.FeedMessagePayload{
		Agent:    "patcher",
		Action:   "mutation_failed",
		Message:  detail,
		Metadata: map[string]any{"cycle_id": cycleID, "stage": stage, "failure_code": reason},
	}, cycleID)
}

// sweepRetention deletes artifact files beyond the most recent K versions
// for traitName, per §4.8's retention clause.
func (p *Patcher) sweepRetention(ctx context.Context, traitName string) {
	versions, err := p.store.VersionsForTrait(ctx, traitName)
	if err != nil {
		p.logger.Warn("retention sweep: could not list versions", "trait", traitName, "err", err)
		return
	}
	keep := p.cfg.RetainVersions
	if keep < 1 {
		keep = 1
	}
	if len(versions) <= keep {
		return
	}
	for _, rec := range versions[:len(versions)-keep] {
		if err := os.Remove(rec.ArtifactPath); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("retention sweep: could not remove artifact", "path", rec.ArtifactPath, "err", err)
		}
	}
}

func joinLog(log []string) string {
	out := ""
	for i, l := range log {
		if i > 0 {
			out += "; "
		}
		out += l
	}
	return out
}

// goPluginLoader compiles trait source with `go build -buildmode=plugin`
// and loads it with the stdlib plugin package. The loaded code is reachable
// only through the NewTrait factory symbol it exports, never as a
// side-effect-bearing script.
type goPluginLoader struct{}

func (goPluginLoader) Load(ctx context.Context, source, buildDir, traitName string, version int) (trait.Trait, error) {
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return nil, fmt.Errorf("patcher: mkdir build dir: %w", err)
	}

	srcPath := filepath.Join(buildDir, fmt.Sprintf("trait_%s_v%d_src.go", traitName, version))
	if err := os.WriteFile(srcPath, []byte(source), 0o644); err != nil {
		return nil, fmt.Errorf("patcher: write build source: %w", err)
	}
	defer os.Remove(srcPath)

	soPath := filepath.Join(buildDir, fmt.Sprintf("trait_%s_v%d.so", traitName, version))
	cmd := exec.CommandContext(ctx, "go", "build", "-buildmode=plugin", "-o", soPath, srcPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("patcher: go build: %w: %s", err, string(out))
	}

	plug, err := plugin.Open(soPath)
	if err != nil {
		return nil, fmt.Errorf("patcher: plugin open: %w", err)
	}
	sym, err := plug.Lookup("NewTrait")
	if err != nil {
		return nil, fmt.Errorf("%w: lookup NewTrait: %s", errClassNotFound, err)
	}
	factory, ok := sym.(func() trait.Trait)
	if !ok {
		return nil, fmt.Errorf("%w: NewTrait has an unexpected signature", errClassNotFound)
	}
	return factory(), nil
}
