// ABOUTME: Pull-model cycle reader turning audio device reads into transport cycles
// ABOUTME: Each Read steps the controller once and mixes renderers into the period
package cycle

import (
	"encoding/binary"

	"github.com/Resonate-Protocol/resonate-transport/pkg/transport"
)

// BytesPerSample is the size of one signed 16-bit little-endian sample
const BytesPerSample = 2

// Engine is the part of the transport controller driven once per cycle
type Engine interface {
	Step(nframes uint32)
	Query() (transport.State, transport.Position)
}

// Renderer produces audio for one period at the published position.
// Render runs on the realtime thread and adds into out without blocking.
type Renderer interface {
	Render(state transport.State, pos transport.Position, out []int16, channels int)
}

// RendererFunc adapts a function to Renderer
type RendererFunc func(state transport.State, pos transport.Position, out []int16, channels int)

// Render calls f
func (f RendererFunc) Render(state transport.State, pos transport.Position, out []int16, channels int) {
	f(state, pos, out, channels)
}

// Reader is an io.Reader of interleaved PCM. Whoever calls Read is the
// realtime thread.
type Reader struct {
	engine    Engine
	channels  int
	maxFrames int
	renderers []Renderer

	// realtime thread only
	mix []int16
}

// NewReader creates a reader stepping engine. maxFrames caps a single
// cycle; larger reads are served short.
func NewReader(engine Engine, channels, maxFrames int, renderers ...Renderer) *Reader {
	if channels <= 0 {
		channels = 2
	}
	if maxFrames <= 0 {
		maxFrames = 4096
	}
	return &Reader{
		engine:    engine,
		channels:  channels,
		maxFrames: maxFrames,
		renderers: renderers,
		mix:       make([]int16, maxFrames*channels),
	}
}

// Channels returns the interleaved channel count
func (r *Reader) Channels() int {
	return r.channels
}

// Read runs one cycle sized to fill p
func (r *Reader) Read(p []byte) (int, error) {
	frameSize := r.channels * BytesPerSample
	nframes := len(p) / frameSize
	if nframes > r.maxFrames {
		nframes = r.maxFrames
	}
	if nframes == 0 {
		return 0, nil
	}

	r.engine.Step(uint32(nframes))
	state, pos := r.engine.Query()

	out := r.mix[:nframes*r.channels]
	clear(out)
	for _, renderer := range r.renderers {
		renderer.Render(state, pos, out, r.channels)
	}

	for i, s := range out {
		binary.LittleEndian.PutUint16(p[i*BytesPerSample:], uint16(s))
	}
	return nframes * frameSize, nil
}
