// Package stream implements the Stream Multiplexer: a compact binary
// world-frame protocol and a JSON agent-narration protocol multiplexed to
// every connected observer session over one websocket connection each.
package stream

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/clawinfra/ai-genesis/internal/world"
)

const (
	headerSizeCurrent  = 8  // tick u32, entity_count u16, resource_count u16
	headerSizeLegacy   = 6  // tick u32, entity_count u8, resource_count u8 (pre-flags)
	entityRecordSize   = 21 // id u32, x f32, y f32, radius f32, color u32, flags u8
	entityRecordLegacy = 20 // same minus flags
	resourceRecordSize = 8  // x f32, y f32
)

// EncodeWorldFrame serializes one world frame in the current wire format
// (§6): an 8-byte header followed by fixed-size entity and resource
// records, all multi-byte fields big-endian.
func EncodeWorldFrame(tick uint32, entities []world.FrameEntity, resources []world.FrameResource) []byte {
	size := headerSizeCurrent + len(entities)*entityRecordSize + len(resources)*resourceRecordSize
	buf := make([]byte, size)

	binary.BigEndian.PutUint32(buf[0:4], tick)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(entities)))
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(resources)))

	off := headerSizeCurrent
	for _, e := range entities {
		binary.BigEndian.PutUint32(buf[off:], e.ID)
		putFloat32(buf[off+4:], e.X)
		putFloat32(buf[off+8:], e.Y)
		putFloat32(buf[off+12:], e.Radius)
		binary.BigEndian.PutUint32(buf[off+16:], e.Color)
		buf[off+20] = e.Flags
		off += entityRecordSize
	}
	for _, r := range resources {
		putFloat32(buf[off:], r.X)
		putFloat32(buf[off+4:], r.Y)
		off += resourceRecordSize
	}
	return buf
}

// DecodedFrame is a parsed world frame, supporting both the current
// (flags-bearing) and legacy (pre-flags) wire formats.
type DecodedFrame struct {
	Tick      uint32
	Entities  []world.FrameEntity
	Resources []world.FrameResource
	Legacy    bool
}

// DecodeWorldFrame parses buf, branching on header length to support both
// the current 8-byte/21-byte-record format and the legacy 6-byte/20-byte
// format a new client must also be able to read.
func DecodeWorldFrame(buf []byte) (DecodedFrame, error) {
	if len(buf) >= headerSizeCurrent {
		if df, ok := tryDecode(buf, headerSizeCurrent, entityRecordSize, false); ok {
			return df, nil
		}
	}
	if len(buf) >= headerSizeLegacy {
		if df, ok := tryDecode(buf, headerSizeLegacy, entityRecordLegacy, true); ok {
			return df, nil
		}
	}
	return DecodedFrame{}, fmt.Errorf("stream: frame too short (%d bytes)", len(buf))
}

func tryDecode(buf []byte, headerSize, entitySize int, legacy bool) (DecodedFrame, bool) {
	var tick uint32
	var entityCount, resourceCount int

	if legacy {
		if len(buf) < headerSize {
			return DecodedFrame{}, false
		}
		tick = binary.BigEndian.Uint32(buf[0:4])
		entityCount = int(buf[4])
		resourceCount = int(buf[5])
	} else {
		if len(buf) < headerSize {
			return DecodedFrame{}, false
		}
		tick = binary.BigEndian.Uint32(buf[0:4])
		entityCount = int(binary.BigEndian.Uint16(buf[4:6]))
		resourceCount = int(binary.BigEndian.Uint16(buf[6:8]))
	}

	want := headerSize + entityCount*entitySize + resourceCount*resourceRecordSize
	if len(buf) != want {
		return DecodedFrame{}, false
	}

	off := headerSize
	entities := make([]world.FrameEntity, entityCount)
	for i := range entities {
		var e world.FrameEntity
		e.ID = binary.BigEndian.Uint32(buf[off:])
		e.X = getFloat32(buf[off+4:])
		e.Y = getFloat32(buf[off+8:])
		e.Radius = getFloat32(buf[off+12:])
		e.Color = binary.BigEndian.Uint32(buf[off+16:])
		if !legacy {
			e.Flags = buf[off+20]
		}
		entities[i] = e
		off += entitySize
	}

	resources := make([]world.FrameResource, resourceCount)
	for i := range resources {
		resources[i] = world.FrameResource{X: getFloat32(buf[off:]), Y: getFloat32(buf[off+4:])}
		off += resourceRecordSize
	}

	return DecodedFrame{Tick: tick, Entities: entities, Resources: resources, Legacy: legacy}, true
}

func putFloat32(buf []byte, v float32) {
	binary.BigEndian.PutUint32(buf, math.Float32bits(v))
}

func getFloat32(buf []byte) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(buf))
}
