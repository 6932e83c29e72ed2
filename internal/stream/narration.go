package stream

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"github.com/clawinfra/ai-genesis/internal/bus"
)

// Narration is the JSON shape delivered to observers for FeedMessage
// events: the wire twin of bus.FeedMessagePayload.
type Narration struct {
	Agent    string         `json:"agent"`
	Action   string         `json:"action"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func narrationFromPayload(p bus.FeedMessagePayload) Narration {
	return Narration{Agent: p.Agent, Action: p.Action, Message: p.Message, Metadata: p.Metadata}
}

// fingerprint returns a short content hash used to coalesce identical
// narration lines emitted in rapid succession (e.g. a watcher re-reporting
// the same anomaly every tick during its cooldown window).
func fingerprint(n Narration) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(n.Agent))
	h.Write([]byte{0})
	h.Write([]byte(n.Action))
	h.Write([]byte{0})
	h.Write([]byte(n.Message))
	return hex.EncodeToString(h.Sum(nil))
}
