package coder

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clawinfra/ai-genesis/internal/bus"
	"github.com/clawinfra/ai-genesis/internal/config"
	"github.com/clawinfra/ai-genesis/internal/llmclient"
	"github.com/clawinfra/ai-genesis/internal/mutationstore"
	"github.com/clawinfra/ai-genesis/internal/sandbox"
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

func newTestCoder(t *testing.T, provider llmclient.Provider) (*Coder, *bus.Bus, *mutationstore.Store) {
	t.Helper()
	b := bus.New(bus.DefaultConfig(), slog.Default())
	store, err := mutationstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.SandboxConfig{
		ArtifactsDir:      t.TempDir(),
		AllowedImports:    []string{"math", "math/rand"},
		MaxLoopIterations: 100,
	}
	validator := sandbox.New(cfg, store)
	c := New(b, provider, validator, store, cfg, time.Second, slog.Default())
	c.Start(context.Background())
	return c, b, store
}

func TestCoderPublishesMutationReadyOnSuccess(t *testing.T) {
	reply := "Here you go:\n```go\n" + validTraitSource + "\n```"
	c, b, store := newTestCoder(t, &llmclient.StubProvider{Reply: reply})
	defer c.Stop()

	readySub := b.Subscribe(bus.MutationReady)
	b.Publish(bus.EvolutionPlan, bus.EvolutionPlanPayload{
		ChangeType:  "modify_trait",
		TargetClass: "Forager",
		Trigger:     bus.EvolutionTriggerPayload{ProblemType: "starvation", Severity: "medium"},
	}, "cycle-1")

	select {
	case event := <-readySub.Events():
		payload, ok := event.Payload.(bus.MutationReadyPayload)
		if !ok {
			t.Fatalf("expected MutationReadyPayload, got %T", event.Payload)
		}
		if payload.TraitName != "forager" || payload.Version != 1 {
			t.Errorf("unexpected payload: %+v", payload)
		}
		if _, err := os.Stat(payload.FilePath); err != nil {
			t.Errorf("expected artifact at %s: %v", payload.FilePath, err)
		}
		if event.CycleID != "cycle-1" {
			t.Errorf("expected cycle_id to propagate, got %q", event.CycleID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for MutationReady")
	}

	records, err := store.ListMutations(context.Background())
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one persisted record, got %+v err=%v", records, err)
	}
	if records[0].Status != mutationstore.StatusValidated {
		t.Errorf("expected status validated, got %s", records[0].Status)
	}
}

func TestCoderEmitsFeedMessageOnExtractionFailure(t *testing.T) {
	c, b, _ := newTestCoder(t, &llmclient.StubProvider{Reply: "I refuse."})
	defer c.Stop()

	feedSub := b.Subscribe(bus.FeedMessage)
	b.Publish(bus.EvolutionPlan, bus.EvolutionPlanPayload{TargetClass: "Forager"}, "cycle-2")

	select {
	case event := <-feedSub.Events():
		p := event.Payload.(bus.FeedMessagePayload)
		if p.Action != "mutation_failed" {
			t.Errorf("expected mutation_failed, got %s", p.Action)
		}
		if p.Metadata["failure_code"] != bus.LLMUnparseable {
			t.Errorf("expected failure_code %q, got %v", bus.LLMUnparseable, p.Metadata["failure_code"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the extraction failure FeedMessage")
	}
}

func TestCoderLLMTimeout(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), slog.Default())
	store, err := mutationstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	cfg := config.SandboxConfig{
		ArtifactsDir:      t.TempDir(),
		AllowedImports:    []string{"math", "math/rand"},
		MaxLoopIterations: 100,
	}
	validator := sandbox.New(cfg, store)
	c := New(b, slowStub{delay: 200 * time.Millisecond}, validator, store, cfg, 10*time.Millisecond, slog.Default())
	c.Start(context.Background())
	defer c.Stop()

	feedSub := b.Subscribe(bus.FeedMessage)
	b.Publish(bus.EvolutionPlan, bus.EvolutionPlanPayload{TargetClass: "Forager"}, "cycle-6")

	select {
	case event := <-feedSub.Events():
		p := event.Payload.(bus.FeedMessagePayload)
		if p.Action != "mutation_failed" {
			t.Errorf("expected mutation_failed on timeout, got %s", p.Action)
		}
		if p.Metadata["failure_code"] != bus.LLMTimeout {
			t.Errorf("expected failure_code %q, got %v", bus.LLMTimeout, p.Metadata["failure_code"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the timeout FeedMessage")
	}
}

func TestCoderLLMRateLimited(t *testing.T) {
	c, b, _ := newTestCoder(t, rateLimitedStub{})
	defer c.Stop()

	feedSub := b.Subscribe(bus.FeedMessage)
	b.Publish(bus.EvolutionPlan, bus.EvolutionPlanPayload{TargetClass: "Forager"}, "cycle-7")

	select {
	case event := <-feedSub.Events():
		p := event.Payload.(bus.FeedMessagePayload)
		if p.Action != "mutation_failed" {
			t.Errorf("expected mutation_failed on rate limit, got %s", p.Action)
		}
		if p.Metadata["failure_code"] != bus.RateLimitExceeded {
			t.Errorf("expected failure_code %q, got %v", bus.RateLimitExceeded, p.Metadata["failure_code"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the rate-limit FeedMessage")
	}
}

type slowStub struct {
	delay time.Duration
}

func (s slowStub) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	select {
	case <-time.After(s.delay):
		return "```go\n" + validTraitSource + "\n```", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type rateLimitedStub struct{}

func (rateLimitedStub) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return "", llmclient.ErrRateLimited
}

func TestCoderEmitsFeedMessageOnValidationFailure(t *testing.T) {
	badSource := "package traitplugin\n\nimport \"os\"\n\nfunc bad() { os.Exit(1) }\n"
	reply := "```go\n" + badSource + "\n```"
	c, b, _ := newTestCoder(t, &llmclient.StubProvider{Reply: reply})
	defer c.Stop()

	feedSub := b.Subscribe(bus.FeedMessage)
	b.Publish(bus.EvolutionPlan, bus.EvolutionPlanPayload{TargetClass: "Forager"}, "cycle-3")

	select {
	case event := <-feedSub.Events():
		p := event.Payload.(bus.FeedMessagePayload)
		if p.Action != "mutation_failed" {
			t.Errorf("expected mutation_failed, got %s", p.Action)
		}
		if p.Metadata["failure_code"] == "" {
			t.Error("expected a failure_code in metadata")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the validation failure FeedMessage")
	}
}

func TestCoderRejectsDuplicateSourceOnSecondPlan(t *testing.T) {
	reply := "```go\n" + validTraitSource + "\n```"
	c, b, _ := newTestCoder(t, &llmclient.StubProvider{Reply: reply})
	defer c.Stop()

	readySub := b.Subscribe(bus.MutationReady)

	b.Publish(bus.EvolutionPlan, bus.EvolutionPlanPayload{TargetClass: "Forager"}, "cycle-4")
	select {
	case <-readySub.Events():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first MutationReady")
	}

	feedSub := b.Subscribe(bus.FeedMessage)
	b.Publish(bus.EvolutionPlan, bus.EvolutionPlanPayload{TargetClass: "Forager"}, "cycle-5")
	select {
	case event := <-feedSub.Events():
		p := event.Payload.(bus.FeedMessagePayload)
		if p.Action != "mutation_failed" {
			t.Errorf("expected mutation_failed for the duplicate, got %s", p.Action)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the duplicate-content FeedMessage")
	}
}

func TestWriteArtifactIsAtomic(t *testing.T) {
	c, _, _ := newTestCoder(t, &llmclient.StubProvider{})
	defer c.Stop()

	path, err := c.writeArtifact("forager", 1, validTraitSource)
	if err != nil {
		t.Fatalf("writeArtifact: %v", err)
	}
	if filepath.Base(path) != "trait_forager_v1.go" {
		t.Errorf("unexpected artifact name: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != validTraitSource {
		t.Errorf("artifact content mismatch: err=%v", err)
	}
}
