// ABOUTME: Constant-tempo timebase authority deriving bar, beat and tick from the frame
// ABOUTME: Tempo changes re-anchor the musical timeline at the current frame
package metronome

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/Resonate-Protocol/resonate-transport/pkg/transport"
)

// Config describes the meter and tempo
type Config struct {
	BPM          float64
	BeatsPerBar  float32
	BeatType     float32
	TicksPerBeat float64
}

// DefaultConfig returns 120 BPM in 4/4 with 1920 ticks per beat
func DefaultConfig() Config {
	return Config{
		BPM:          120,
		BeatsPerBar:  4,
		BeatType:     4,
		TicksPerBeat: 1920,
	}
}

// ErrInvalidTempo is returned for non-positive or non-finite tempos
var ErrInvalidTempo = errors.New("tempo must be positive and finite")

// Metronome is a timebase authority with a constant meter and an adjustable tempo.
//
// A Metronome serves one controller: its Timebase callback keeps realtime
// state between cycles.
type Metronome struct {
	meter Config
	bpm   atomic.Uint64 // math.Float64bits

	// realtime thread only
	anchorFrame uint64
	anchorTicks float64
	anchorBPM   float64
	anchored    bool
}

// New validates config and creates a metronome
func New(config Config) (*Metronome, error) {
	if err := validTempo(config.BPM); err != nil {
		return nil, err
	}
	if !(config.BeatsPerBar > 0) || !(config.BeatType > 0) || !(config.TicksPerBeat > 0) {
		return nil, fmt.Errorf("invalid meter %g/%g with %g ticks per beat",
			config.BeatsPerBar, config.BeatType, config.TicksPerBeat)
	}

	m := &Metronome{meter: config}
	m.bpm.Store(math.Float64bits(config.BPM))
	return m, nil
}

// SetBPM changes the tempo from the next cycle on
func (m *Metronome) SetBPM(bpm float64) error {
	if err := validTempo(bpm); err != nil {
		return err
	}
	m.bpm.Store(math.Float64bits(bpm))
	return nil
}

// BPM returns the current tempo
func (m *Metronome) BPM() float64 {
	return math.Float64frombits(m.bpm.Load())
}

// Meter returns the configured meter with the current tempo
func (m *Metronome) Meter() Config {
	c := m.meter
	c.BPM = m.BPM()
	return c
}

// Timebase returns the callback to install with Controller.ClaimTimebase
func (m *Metronome) Timebase() transport.TimebaseFunc {
	return m.advance
}

func (m *Metronome) advance(state transport.State, nframes uint32, pos *transport.Position, newPos bool) {
	rate := float64(pos.FrameRate)
	if rate == 0 {
		rate = transport.DefaultFrameRate
	}
	bpm := m.BPM()

	if newPos || !m.anchored {
		// Position the timeline as if the tempo had always been constant
		m.anchorFrame = pos.Frame
		m.anchorTicks = ticksAt(pos.Frame, rate, bpm, m.meter.TicksPerBeat)
		m.anchorBPM = bpm
		m.anchored = true
	} else if bpm != m.anchorBPM {
		m.anchorTicks = m.ticksSinceAnchor(pos.Frame, rate)
		m.anchorFrame = pos.Frame
		m.anchorBPM = bpm
	}

	if state == transport.StateRolling {
		pos.Frame += uint64(nframes)
	}

	m.fill(pos, m.ticksSinceAnchor(pos.Frame, rate))
}

// ticksSinceAnchor returns absolute ticks at frame using the anchored tempo
func (m *Metronome) ticksSinceAnchor(frame uint64, rate float64) float64 {
	delta := float64(frame) - float64(m.anchorFrame)
	return m.anchorTicks + delta*m.anchorBPM*m.meter.TicksPerBeat/(rate*60)
}

// fill writes the musical fields for absTicks into pos
func (m *Metronome) fill(pos *transport.Position, absTicks float64) {
	if absTicks < 0 {
		absTicks = 0
	}
	tpb := m.meter.TicksPerBeat
	bpb := float64(m.meter.BeatsPerBar)

	absBeat := math.Floor(absTicks / tpb)
	bar := math.Floor(absBeat / bpb)
	beat := absBeat - bar*bpb
	tick := absTicks - absBeat*tpb

	pos.Bar = int32(bar) + 1
	pos.Beat = int32(beat) + 1
	pos.Tick = int32(tick)
	if float64(pos.Tick) >= tpb {
		pos.Tick = int32(tpb) - 1
	}
	pos.BarStartTick = bar * bpb * tpb
	pos.BeatsPerBar = m.meter.BeatsPerBar
	pos.BeatType = m.meter.BeatType
	pos.TicksPerBeat = tpb
	pos.BeatsPerMinute = m.anchorBPM
	pos.Valid |= transport.PositionBBT
}

func ticksAt(frame uint64, rate, bpm, ticksPerBeat float64) float64 {
	return float64(frame) * bpm * ticksPerBeat / (rate * 60)
}

func validTempo(bpm float64) error {
	if !(bpm > 0) || math.IsInf(bpm, 0) {
		return fmt.Errorf("%w: %g", ErrInvalidTempo, bpm)
	}
	return nil
}

// FramesPerBeat returns the beat length in frames at rate
func FramesPerBeat(rate uint32, bpm float64) float64 {
	return float64(rate) * 60 / bpm
}
