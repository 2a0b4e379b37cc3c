// ABOUTME: Versioned transport position record and request validation
// ABOUTME: Frame is always meaningful, musical fields only when their valid bit is set
package transport

import (
	"fmt"
	"math"
)

// PositionVersion is the schema version stamped on every published position
const PositionVersion uint8 = 1

// MaxFrame is the largest frame a client may request
const MaxFrame = math.MaxUint32

// PositionBits declares which optional Position fields are meaningful
type PositionBits uint32

const (
	// PositionBBT marks Bar, Beat, Tick and the meter/tempo fields as valid
	PositionBBT PositionBits = 0x10

	// PositionMask holds every bit this version understands
	PositionMask = PositionBBT
)

// Position is the transport position effective for one processing period.
//
// Fields outside Valid must never be interpreted; writers may leave them stale.
type Position struct {
	Version   uint8        // schema version
	Usecs     uint64       // monotonic, free-running (server set)
	FrameRate uint32       // frames per second (server set)
	Frame     uint64       // frame number, always present
	Valid     PositionBits // which optional fields are valid

	// PositionBBT fields
	Bar            int32
	Beat           int32
	Tick           int32
	BarStartTick   float64
	BeatsPerBar    float32
	BeatType       float32
	TicksPerBeat   float64
	BeatsPerMinute float64
}

// HasBBT reports whether the bar/beat/tick fields are valid
func (p Position) HasBBT() bool {
	return p.Valid&PositionBBT != 0
}

// Seconds returns the frame expressed in seconds at the position's frame rate
func (p Position) Seconds() float64 {
	if p.FrameRate == 0 {
		return 0
	}
	return float64(p.Frame) / float64(p.FrameRate)
}

// Validate checks a requested position. Server-set fields are not checked.
func (p Position) Validate() error {
	if p.Frame > MaxFrame {
		return &PositionError{Field: "frame", Reason: fmt.Sprintf("%d exceeds %d", p.Frame, uint64(MaxFrame))}
	}
	if unknown := p.Valid &^ PositionMask; unknown != 0 {
		return &PositionError{Field: "valid", Reason: fmt.Sprintf("unknown bits %#x", uint32(unknown))}
	}
	if !p.HasBBT() {
		return nil
	}

	switch {
	case !positive(p.BeatsPerMinute):
		return &PositionError{Field: "beats_per_minute", Reason: "must be positive"}
	case !positive(float64(p.BeatsPerBar)):
		return &PositionError{Field: "beats_per_bar", Reason: "must be positive"}
	case !positive(float64(p.BeatType)):
		return &PositionError{Field: "beat_type", Reason: "must be positive"}
	case !positive(p.TicksPerBeat):
		return &PositionError{Field: "ticks_per_beat", Reason: "must be positive"}
	case p.Bar < 1:
		return &PositionError{Field: "bar", Reason: fmt.Sprintf("%d is below 1", p.Bar)}
	case p.Beat < 1 || float64(p.Beat) > math.Ceil(float64(p.BeatsPerBar)):
		return &PositionError{Field: "beat", Reason: fmt.Sprintf("%d outside 1..%g", p.Beat, p.BeatsPerBar)}
	case p.Tick < 0 || float64(p.Tick) >= p.TicksPerBeat:
		return &PositionError{Field: "tick", Reason: fmt.Sprintf("%d outside 0..%g", p.Tick, p.TicksPerBeat)}
	case math.IsNaN(p.BarStartTick) || math.IsInf(p.BarStartTick, 0) || p.BarStartTick < 0:
		return &PositionError{Field: "bar_start_tick", Reason: "must be finite and not negative"}
	}

	return nil
}

// positive is false for NaN, infinities, zero and negatives
func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}
