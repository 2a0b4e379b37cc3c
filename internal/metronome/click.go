// ABOUTME: Audible click renderer mixing a short sine burst on every beat
// ABOUTME: The downbeat of each bar is accented with a higher pitch
package metronome

import (
	"math"

	"github.com/Resonate-Protocol/resonate-transport/pkg/transport"
)

const (
	clickDuration   = 0.03 // seconds
	clickFrequency  = 880.0
	accentFrequency = 1760.0
)

// Click renders metronome clicks into interleaved 16-bit PCM
type Click struct {
	gain float64

	// realtime thread only
	freq  float64
	left  int
	total int
	phase float64
}

// NewClick creates a click renderer. gain is clamped to 0..1.
func NewClick(gain float64) *Click {
	return &Click{gain: math.Max(0, math.Min(gain, 1))}
}

// Render mixes clicks for the beats that start inside this period
func (c *Click) Render(state transport.State, pos transport.Position, out []int16, channels int) {
	if channels <= 0 {
		return
	}
	if state != transport.StateRolling || !pos.HasBBT() || pos.BeatsPerMinute <= 0 {
		c.left = 0
		return
	}

	rate := float64(pos.FrameRate)
	if rate == 0 {
		rate = transport.DefaultFrameRate
	}
	nframes := len(out) / channels
	fpb := rate * 60 / pos.BeatsPerMinute

	next := 0.0
	beat := pos.Beat
	if pos.Tick > 0 {
		next = fpb - float64(pos.Tick)/pos.TicksPerBeat*fpb
		beat++
	}
	beatsPerBar := int32(math.Ceil(float64(pos.BeatsPerBar)))

	for frame := 0; frame < nframes; frame++ {
		if next < float64(nframes) && frame == int(next) {
			if beat > beatsPerBar {
				beat = 1
			}
			c.trigger(rate, beat == 1)
			beat++
			next += fpb
		}
		if c.left == 0 {
			continue
		}

		env := float64(c.left) / float64(c.total)
		v := math.Sin(c.phase) * env * c.gain * math.MaxInt16
		c.phase += 2 * math.Pi * c.freq / rate
		c.left--

		for ch := 0; ch < channels; ch++ {
			i := frame*channels + ch
			out[i] = mix(out[i], v)
		}
	}
}

func (c *Click) trigger(rate float64, accent bool) {
	c.freq = clickFrequency
	if accent {
		c.freq = accentFrequency
	}
	c.total = int(rate * clickDuration)
	c.left = c.total
	c.phase = 0
}

// mix adds v to s with saturation
func mix(s int16, v float64) int16 {
	sum := float64(s) + v
	if sum > math.MaxInt16 {
		return math.MaxInt16
	}
	if sum < math.MinInt16 {
		return math.MinInt16
	}
	return int16(sum)
}
