package patcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/clawinfra/ai-genesis/internal/bus"
	"github.com/clawinfra/ai-genesis/internal/config"
	"github.com/clawinfra/ai-genesis/internal/mutationstore"
	"github.com/clawinfra/ai-genesis/internal/sandbox"
	"github.com/clawinfra/ai-genesis/internal/trait"
)

const validTraitSource = `package traitplugin

import (
	"context"

	"github.com/clawinfra/ai-genesis/internal/trait"
)

type Forager struct{}

func (t *Forager) Execute(ctx context.Context, e trait.Entity) error {
	e.Move(1, 0)
	return nil
}

func NewTrait() trait.Trait { return &Forager{} }
`

type fakeLoader struct {
	impl  trait.Trait
	err   error
	delay time.Duration
}

func (f fakeLoader) Load(ctx context.Context, source, buildDir, traitName string, version int) (trait.Trait, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.impl, nil
}

func writeArtifact(t *testing.T, dir, name string, source string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestPatcher(t *testing.T, loader pluginLoader) (*Patcher, *bus.Bus, *mutationstore.Store, *trait.Registry, string) {
	t.Helper()
	b := bus.New(bus.DefaultConfig(), slog.Default())
	store, err := mutationstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	registry := trait.NewRegistry()
	dir := t.TempDir()
	cfg := config.SandboxConfig{
		ArtifactsDir:   dir,
		AllowedImports: []string{"math"},
		RetainVersions: 3,
		LoadTimeoutSec: 2,
	}
	validator := sandbox.New(cfg, store)
	p := newWithLoader(b, validator, store, registry, cfg, loader, slog.Default())
	p.Start(context.Background())
	return p, b, store, registry, dir
}

func TestPatcherInstallsOnSuccess(t *testing.T) {
	var installed trait.Trait = trait.TraitFunc(func(ctx context.Context, e trait.Entity) error { return nil })
	p, b, store, registry, dir := newTestPatcher(t, fakeLoader{impl: installed})
	_ = p

	path := writeArtifact(t, dir, "trait_forager_v1.go", validTraitSource)
	rec, err := store.Insert(context.Background(), mutationstore.Record{
		TraitName: "forager", Version: 1, CodeHash: "h1", Source: validTraitSource,
		ArtifactPath: path, Status: mutationstore.StatusValidated,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	appliedSub := b.Subscribe(bus.MutationApplied)
	b.Publish(bus.MutationReady, bus.MutationReadyPayload{
		MutationID: rec.MutationID, TraitName: "forager", Version: 1, FilePath: path, CodeHash: "h1",
	}, "cycle-1")

	select {
	case event := <-appliedSub.Events():
		payload := event.Payload.(bus.MutationAppliedPayload)
		if payload.TraitName != "forager" || payload.RegistryVersion != 1 {
			t.Errorf("unexpected payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for MutationApplied")
	}

	if _, ok := registry.Load().Lookup("forager"); !ok {
		t.Error("expected forager to be installed in the registry")
	}
}

func TestPatcherPublishesMutationFailedOnLoadError(t *testing.T) {
	p, b, store, registry, dir := newTestPatcher(t, fakeLoader{err: errors.New("build failed")})
	_ = p

	path := writeArtifact(t, dir, "trait_forager_v1.go", validTraitSource)
	rec, _ := store.Insert(context.Background(), mutationstore.Record{
		TraitName: "forager", Version: 1, CodeHash: "h1", Source: validTraitSource,
		ArtifactPath: path, Status: mutationstore.StatusValidated,
	})

	failedSub := b.Subscribe(bus.MutationFailed)
	b.Publish(bus.MutationReady, bus.MutationReadyPayload{
		MutationID: rec.MutationID, TraitName: "forager", Version: 1, FilePath: path, CodeHash: "h1",
	}, "cycle-2")

	select {
	case event := <-failedSub.Events():
		payload := event.Payload.(bus.MutationFailedPayload)
		if payload.Stage != "load" {
			t.Errorf("expected stage=load, got %s", payload.Stage)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for MutationFailed")
	}

	if _, ok := registry.Load().Lookup("forager"); ok {
		t.Error("expected the registry to remain untouched on failure")
	}
}

func TestPatcherReportsImportTimeoutOnSlowLoad(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), slog.Default())
	store, err := mutationstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	registry := trait.NewRegistry()
	dir := t.TempDir()
	cfg := config.SandboxConfig{
		ArtifactsDir:   dir,
		AllowedImports: []string{"math"},
		RetainVersions: 3,
		LoadTimeoutSec: 1,
	}
	validator := sandbox.New(cfg, store)
	loader := fakeLoader{err: errors.New("build killed"), delay: 1500 * time.Millisecond}
	p := newWithLoader(b, validator, store, registry, cfg, loader, slog.Default())
	p.Start(context.Background())

	path := writeArtifact(t, dir, "trait_forager_v1.go", validTraitSource)
	rec, _ := store.Insert(context.Background(), mutationstore.Record{
		TraitName: "forager", Version: 1, CodeHash: "h1", Source: validTraitSource,
		ArtifactPath: path, Status: mutationstore.StatusValidated,
	})

	failedSub := b.Subscribe(bus.MutationFailed)
	b.Publish(bus.MutationReady, bus.MutationReadyPayload{
		MutationID: rec.MutationID, TraitName: "forager", Version: 1, FilePath: path, CodeHash: "h1",
	}, "cycle-timeout")

	select {
	case event := <-failedSub.Events():
		payload := event.Payload.(bus.MutationFailedPayload)
		if payload.Reason != string(sandbox.ImportTimeout) {
			t.Errorf("expected reason %q, got %s", sandbox.ImportTimeout, payload.Reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for MutationFailed")
	}
}

func TestPatcherReportsClassNotFoundOnMissingFactory(t *testing.T) {
	loader := fakeLoader{err: fmt.Errorf("%w: lookup NewTrait: symbol not found", errClassNotFound)}
	p, b, store, registry, dir := newTestPatcher(t, loader)
	_ = p

	path := writeArtifact(t, dir, "trait_forager_v1.go", validTraitSource)
	rec, _ := store.Insert(context.Background(), mutationstore.Record{
		TraitName: "forager", Version: 1, CodeHash: "h1", Source: validTraitSource,
		ArtifactPath: path, Status: mutationstore.StatusValidated,
	})

	failedSub := b.Subscribe(bus.MutationFailed)
	b.Publish(bus.MutationReady, bus.MutationReadyPayload{
		MutationID: rec.MutationID, TraitName: "forager", Version: 1, FilePath: path, CodeHash: "h1",
	}, "cycle-classnotfound")

	select {
	case event := <-failedSub.Events():
		payload := event.Payload.(bus.MutationFailedPayload)
		if payload.Reason != string(sandbox.ClassNotFound) {
			t.Errorf("expected reason %q, got %s", sandbox.ClassNotFound, payload.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for MutationFailed")
	}

	if _, ok := registry.Load().Lookup("forager"); ok {
		t.Error("expected the registry to remain untouched on class-not-found failure")
	}
}

func TestPatcherFailsRevalidationOnTamperedArtifact(t *testing.T) {
	p, b, store, registry, dir := newTestPatcher(t, fakeLoader{impl: trait.TraitFunc(func(ctx context.Context, e trait.Entity) error { return nil })})
	_ = p

	tampered := `package traitplugin

import (
	"context"
	"os"

	"github.com/clawinfra/ai-genesis/internal/trait"
)

type Forager struct{}

func (t *Forager) Execute(ctx context.Context, e trait.Entity) error {
	os.Exit(1)
	return nil
}

func NewTrait() trait.Trait { return &Forager{} }
`
	path := writeArtifact(t, dir, "trait_forager_v1.go", tampered)
	rec, _ := store.Insert(context.Background(), mutationstore.Record{
		TraitName: "forager", Version: 1, CodeHash: "h1", Source: tampered,
		ArtifactPath: path, Status: mutationstore.StatusValidated,
	})

	failedSub := b.Subscribe(bus.MutationFailed)
	b.Publish(bus.MutationReady, bus.MutationReadyPayload{
		MutationID: rec.MutationID, TraitName: "forager", Version: 1, FilePath: path, CodeHash: "h1",
	}, "cycle-3")

	select {
	case event := <-failedSub.Events():
		payload := event.Payload.(bus.MutationFailedPayload)
		if payload.Stage != "revalidation" {
			t.Errorf("expected stage=revalidation, got %s", payload.Stage)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for MutationFailed")
	}

	if _, ok := registry.Load().Lookup("forager"); ok {
		t.Error("expected the registry to remain untouched on revalidation failure")
	}
}

func TestSweepRetentionDeletesOldestArtifacts(t *testing.T) {
	p, _, store, _, dir := newTestPatcher(t, fakeLoader{})
	ctx := context.Background()

	var paths []string
	for v := 1; v <= 5; v++ {
		name := "trait_forager_v" + strconv.Itoa(v) + ".go"
		path := writeArtifact(t, dir, name, validTraitSource)
		store.Insert(ctx, mutationstore.Record{TraitName: "forager", Version: v, CodeHash: "h", ArtifactPath: path})
		paths = append(paths, path)
	}

	p.sweepRetention(ctx, "forager")

	for i, path := range paths {
		_, err := os.Stat(path)
		if i < 2 && err == nil {
			t.Errorf("expected version %d's artifact to be deleted, it still exists", i+1)
		}
		if i >= 2 && err != nil {
			t.Errorf("expected version %d's artifact to be retained, got err %v", i+1, err)
		}
	}
}
