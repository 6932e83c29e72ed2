package bus

import "time"

// Event is the envelope every published message travels in. Payload holds
// the channel-specific variant (an EvolutionTrigger, a MutationReady, ...).
type Event struct {
	Channel   Channel
	Payload   any
	Timestamp time.Time
	CycleID   string // empty for channels that don't correlate to a cycle
}

// TelemetryPayload wraps a telemetry.Snapshot without importing the
// telemetry package here, keeping bus dependency-free of every component
// it decouples.
type TelemetryPayload struct {
	Snapshot any
}

// EvolutionTriggerPayload is published by the Watcher Agent.
type EvolutionTriggerPayload struct {
	ProblemType  string
	Severity     string
	SnapshotKey  string
	WorldContext map[string]any
}

// EvolutionPlanPayload is published by the Architect Agent.
type EvolutionPlanPayload struct {
	ChangeType      string
	TargetClass     string
	TargetMethod    string
	Description     string
	ExpectedOutcome string
	Constraints     []string
	Trigger         EvolutionTriggerPayload
}

// MutationReadyPayload is published by the Coder Agent.
type MutationReadyPayload struct {
	MutationID string
	TraitName  string
	Version    int
	FilePath   string
	CodeHash   string
}

// MutationAppliedPayload is published by the Runtime Patcher on success.
type MutationAppliedPayload struct {
	MutationID      string
	TraitName       string
	Version         int
	RegistryVersion int
}

// MutationFailedPayload is published by the Runtime Patcher on failure.
type MutationFailedPayload struct {
	MutationID string
	Reason     string
	Stage      string
	RollbackTo string // artifact path of the prior active version, if any
}

// ParamsChangedPayload announces an applied operator parameter change.
type ParamsChangedPayload struct {
	Changes map[string]any
}

// EvolutionForcePayload is an operator-issued synthetic trigger request.
type EvolutionForcePayload struct {
	Reason   string
	Severity string
}

// FeedMessagePayload is a human-readable narration event.
type FeedMessagePayload struct {
	Agent    string // "watcher" | "architect" | "coder" | "patcher" | "system"
	Action   string
	Message  string
	Metadata map[string]any
}

// Agent-level failure codes (§7's closed taxonomy, the agent half). Carried
// as Metadata["failure_code"] on a FeedMessagePayload alongside the
// free-text Message, the same slot the validator/patcher codes occupy for
// MutationFailed cycles.
const (
	LLMTimeout           = "LLM_TIMEOUT"
	LLMUnparseable       = "LLM_UNPARSEABLE"
	CooldownActive       = "COOLDOWN_ACTIVE"
	CircuitBreakerActive = "CIRCUIT_BREAKER_ACTIVE"
	RateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
)
