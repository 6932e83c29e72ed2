package stream

import (
	"testing"

	"github.com/clawinfra/ai-genesis/internal/world"
)

func TestEncodeDecodeWorldFrameRoundTrip(t *testing.T) {
	entities := []world.FrameEntity{
		{ID: 1, X: 1.5, Y: 2.5, Radius: 3, Color: 0x00112233, Flags: 1},
		{ID: 2, X: -4.25, Y: 0, Radius: 1.5, Color: 0x00ffffff, Flags: 2},
	}
	resources := []world.FrameResource{{X: 10, Y: 20}, {X: -1, Y: -2}}

	buf := EncodeWorldFrame(42, entities, resources)

	got, err := DecodeWorldFrame(buf)
	if err != nil {
		t.Fatalf("DecodeWorldFrame() error: %v", err)
	}
	if got.Tick != 42 {
		t.Errorf("Tick = %d, want 42", got.Tick)
	}
	if got.Legacy {
		t.Error("expected current-format decode, got Legacy=true")
	}
	if len(got.Entities) != 2 || len(got.Resources) != 2 {
		t.Fatalf("got %d entities / %d resources, want 2/2", len(got.Entities), len(got.Resources))
	}
	if got.Entities[0] != entities[0] || got.Entities[1] != entities[1] {
		t.Errorf("entities round-trip mismatch: got %+v", got.Entities)
	}
	if got.Resources[0] != resources[0] || got.Resources[1] != resources[1] {
		t.Errorf("resources round-trip mismatch: got %+v", got.Resources)
	}
}

func TestEncodeWorldFrameEmpty(t *testing.T) {
	buf := EncodeWorldFrame(1, nil, nil)
	if len(buf) != headerSizeCurrent {
		t.Fatalf("expected an 8-byte header-only frame, got %d bytes", len(buf))
	}
	got, err := DecodeWorldFrame(buf)
	if err != nil {
		t.Fatalf("DecodeWorldFrame() error: %v", err)
	}
	if len(got.Entities) != 0 || len(got.Resources) != 0 {
		t.Errorf("expected empty frame, got %d entities / %d resources", len(got.Entities), len(got.Resources))
	}
}

// TestDecodeWorldFrameLegacyFormat verifies the pre-flags 6-byte-header,
// 20-byte-entity-record wire format is still decodable.
func TestDecodeWorldFrameLegacyFormat(t *testing.T) {
	buf := make([]byte, headerSizeLegacy+entityRecordLegacy)
	buf[0], buf[1], buf[2], buf[3] = 0, 0, 0, 7 // tick = 7
	buf[4] = 1                                  // entity_count
	buf[5] = 0                                  // resource_count
	// Legacy record layout: id u32, x f32, y f32, radius f32, color u32 (20 bytes, no flags byte).
	off := headerSizeLegacy
	buf[off], buf[off+1], buf[off+2], buf[off+3] = 0, 0, 0, 9 // id = 9
	putFloat32(buf[off+4:], 3.5)
	putFloat32(buf[off+8:], -2.0)
	putFloat32(buf[off+12:], 1.0)
	buf[off+16], buf[off+17], buf[off+18], buf[off+19] = 0, 0x11, 0x22, 0x33 // color

	got, err := DecodeWorldFrame(buf)
	if err != nil {
		t.Fatalf("DecodeWorldFrame() legacy error: %v", err)
	}
	if !got.Legacy {
		t.Error("expected Legacy=true for a 6-byte-header frame")
	}
	if got.Tick != 7 {
		t.Errorf("Tick = %d, want 7", got.Tick)
	}
	if len(got.Entities) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(got.Entities))
	}
	e := got.Entities[0]
	if e.ID != 9 || e.Color != 0x00112233 || e.Flags != 0 {
		t.Errorf("legacy entity decode mismatch: %+v", e)
	}
}

func TestDecodeWorldFrameTooShort(t *testing.T) {
	if _, err := DecodeWorldFrame([]byte{1, 2, 3}); err == nil {
		t.Error("expected an error for a too-short frame")
	}
}

func TestDecodeWorldFrameLengthMismatch(t *testing.T) {
	buf := EncodeWorldFrame(1, []world.FrameEntity{{ID: 1}}, nil)
	truncated := buf[:len(buf)-1]
	if _, err := DecodeWorldFrame(truncated); err == nil {
		t.Error("expected an error for a frame whose declared counts don't match its length")
	}
}
