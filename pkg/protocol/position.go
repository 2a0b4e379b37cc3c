// ABOUTME: Versioned binary position record encoded with canonical CBOR
// ABOUTME: Integer map keys keep the record compact and let newer fields be skipped
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/Resonate-Protocol/resonate-transport/pkg/transport"
)

// PositionMessageType is the binary message type byte for position records
const PositionMessageType = 8

// ErrUnsupportedVersion is returned for records without a usable schema version
var ErrUnsupportedVersion = errors.New("unsupported position record version")

// PositionRecord is the wire form of a published position
type PositionRecord struct {
	Version        uint8   `cbor:"1,keyasint" json:"version"`
	State          uint32  `cbor:"2,keyasint" json:"state"`
	Usecs          uint64  `cbor:"3,keyasint" json:"usecs"`
	FrameRate      uint32  `cbor:"4,keyasint" json:"frame_rate"`
	Frame          uint64  `cbor:"5,keyasint" json:"frame"`
	Valid          uint32  `cbor:"6,keyasint" json:"valid"`
	Bar            int32   `cbor:"7,keyasint,omitempty" json:"bar,omitempty"`
	Beat           int32   `cbor:"8,keyasint,omitempty" json:"beat,omitempty"`
	Tick           int32   `cbor:"9,keyasint,omitempty" json:"tick,omitempty"`
	BarStartTick   float64 `cbor:"10,keyasint,omitempty" json:"bar_start_tick,omitempty"`
	BeatsPerBar    float32 `cbor:"11,keyasint,omitempty" json:"beats_per_bar,omitempty"`
	BeatType       float32 `cbor:"12,keyasint,omitempty" json:"beat_type,omitempty"`
	TicksPerBeat   float64 `cbor:"13,keyasint,omitempty" json:"ticks_per_beat,omitempty"`
	BeatsPerMinute float64 `cbor:"14,keyasint,omitempty" json:"beats_per_minute,omitempty"`
}

// NewPositionRecord converts a published state and position. Musical fields
// are only carried when valid.
func NewPositionRecord(state transport.State, pos transport.Position) PositionRecord {
	r := PositionRecord{
		Version:   pos.Version,
		State:     uint32(state),
		Usecs:     pos.Usecs,
		FrameRate: pos.FrameRate,
		Frame:     pos.Frame,
		Valid:     uint32(pos.Valid & transport.PositionMask),
	}
	if r.Version == 0 {
		r.Version = transport.PositionVersion
	}
	if pos.HasBBT() {
		r.Bar = pos.Bar
		r.Beat = pos.Beat
		r.Tick = pos.Tick
		r.BarStartTick = pos.BarStartTick
		r.BeatsPerBar = pos.BeatsPerBar
		r.BeatType = pos.BeatType
		r.TicksPerBeat = pos.TicksPerBeat
		r.BeatsPerMinute = pos.BeatsPerMinute
	}
	return r
}

// Position returns the transport position. Valid bits this version does not
// understand are dropped.
func (r PositionRecord) Position() transport.Position {
	return transport.Position{
		Version:        r.Version,
		Usecs:          r.Usecs,
		FrameRate:      r.FrameRate,
		Frame:          r.Frame,
		Valid:          transport.PositionBits(r.Valid) & transport.PositionMask,
		Bar:            r.Bar,
		Beat:           r.Beat,
		Tick:           r.Tick,
		BarStartTick:   r.BarStartTick,
		BeatsPerBar:    r.BeatsPerBar,
		BeatType:       r.BeatType,
		TicksPerBeat:   r.TicksPerBeat,
		BeatsPerMinute: r.BeatsPerMinute,
	}
}

// TransportState returns the transport state carried by the record
func (r PositionRecord) TransportState() transport.State {
	return transport.State(r.State)
}

// PositionCodec encodes and decodes position records
type PositionCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewPositionCodec builds a canonical encoder and a lenient decoder
func NewPositionCodec() (*PositionCodec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor dec mode: %w", err)
	}
	return &PositionCodec{enc: em, dec: dm}, nil
}

// Encode builds a binary position message
func (c *PositionCodec) Encode(state transport.State, pos transport.Position) ([]byte, error) {
	body, err := c.enc.Marshal(NewPositionRecord(state, pos))
	if err != nil {
		return nil, fmt.Errorf("encode position: %w", err)
	}
	msg := make([]byte, 1+len(body))
	msg[0] = PositionMessageType
	copy(msg[1:], body)
	return msg, nil
}

// Decode parses a binary position message
func (c *PositionCodec) Decode(data []byte) (PositionRecord, error) {
	var r PositionRecord
	if len(data) < 2 {
		return r, fmt.Errorf("position message too short: %d bytes", len(data))
	}
	if data[0] != PositionMessageType {
		return r, fmt.Errorf("unexpected binary message type %d", data[0])
	}
	if err := c.dec.Unmarshal(data[1:], &r); err != nil {
		return r, fmt.Errorf("decode position: %w", err)
	}
	if r.Version == 0 {
		return r, ErrUnsupportedVersion
	}
	return r, nil
}

// StateName returns the protocol name of a transport state
func StateName(state transport.State) string {
	return strings.ToLower(state.String())
}

// ParseState maps a protocol state name back to a transport state
func ParseState(name string) (transport.State, error) {
	switch name {
	case "stopped":
		return transport.StateStopped, nil
	case "starting":
		return transport.StateStarting, nil
	case "rolling":
		return transport.StateRolling, nil
	default:
		return transport.StateStopped, fmt.Errorf("unknown transport state %q", name)
	}
}
