// ABOUTME: Slow-sync file player that seeks in the background before the transport rolls
// ABOUTME: Its sync callback never blocks; a decoder goroutine fills a lock-free ring
package follower

import (
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Resonate-Protocol/resonate-transport/pkg/transport"
)

const (
	// DefaultPrefill is the number of frames decoded before reporting ready
	DefaultPrefill = 4096

	// DefaultCapacity is the ring size in frames
	DefaultCapacity = 1 << 16

	fillInterval = 5 * time.Millisecond
	fillChunk    = 1024
)

// Config configures a Player
type Config struct {
	Channels int    // output channels (default: 2)
	Prefill  int    // frames buffered before ready
	Capacity int    // ring capacity in frames
	Lead     uint64 // frames to seek ahead when catching up while rolling (default: Capacity/4)
	Logger   *zap.Logger
}

// Stats reports player counters
type Stats struct {
	Seeks     uint64
	Underruns uint64
}

// ring is a single-producer single-consumer frame buffer starting at a fixed frame
type ring struct {
	start    uint64
	channels int
	size     uint64
	buf      []int16

	r   atomic.Uint64 // frames consumed, realtime thread only writes
	w   atomic.Uint64 // frames produced, decoder goroutine only writes
	eof atomic.Bool
}

func newRing(start uint64, size, channels int) *ring {
	return &ring{
		start:    start,
		channels: channels,
		size:     uint64(size),
		buf:      make([]int16, size*channels),
	}
}

func (b *ring) readFrame() uint64  { return b.start + b.r.Load() }
func (b *ring) writeFrame() uint64 { return b.start + b.w.Load() }

// Player follows the transport position with a file source
type Player struct {
	source Source
	config Config
	logger *zap.Logger

	current atomic.Pointer[ring]
	target  atomic.Uint64
	seekSeq atomic.Uint64
	handled atomic.Uint64
	wake    chan struct{}

	seeks     atomic.Uint64
	underruns atomic.Uint64

	// decoder goroutine only
	scratch []int16

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewPlayer creates a player for source. Call Start before registering it.
func NewPlayer(source Source, config Config) *Player {
	if config.Channels <= 0 {
		config.Channels = 2
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultCapacity
	}
	if config.Prefill <= 0 {
		config.Prefill = DefaultPrefill
	}
	if config.Prefill > config.Capacity {
		config.Prefill = config.Capacity
	}
	if config.Lead == 0 {
		config.Lead = uint64(config.Capacity / 4)
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Player{
		source:   source,
		config:   config,
		logger:   config.Logger,
		wake:     make(chan struct{}, 1),
		scratch:  make([]int16, fillChunk*source.Channels()),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the decoder goroutine
func (p *Player) Start() {
	p.logger.Info("file follower starting",
		zap.Int("sample_rate", p.source.SampleRate()),
		zap.Int("channels", p.source.Channels()))
	go p.run()
}

// Stop ends the decoder goroutine and closes the source
func (p *Player) Stop() error {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	<-p.done
	return p.source.Close()
}

// Stats returns the player counters
func (p *Player) Stats() Stats {
	return Stats{Seeks: p.seeks.Load(), Underruns: p.underruns.Load()}
}

// Sync is the slow-sync callback. It reports ready once the decoded audio
// starts at pos.Frame and otherwise asks the decoder to seek there.
func (p *Player) Sync(state transport.State, pos *transport.Position) bool {
	_, ready := p.locate(pos.Frame, state == transport.StateRolling)
	return ready
}

// Render mixes decoded audio for the period starting at pos while rolling
func (p *Player) Render(state transport.State, pos transport.Position, out []int16, channels int) {
	if state != transport.StateRolling || channels != p.config.Channels {
		return
	}
	nframes := uint64(len(out) / channels)

	rb, ready := p.locate(pos.Frame, true)
	if !ready {
		p.underruns.Add(1)
		return
	}
	w := rb.writeFrame()
	if pos.Frame >= w {
		return
	}

	avail := w - pos.Frame
	n := min(avail, nframes)
	r := rb.r.Load()
	for i := uint64(0); i < n; i++ {
		src := ((r + i) % rb.size) * uint64(channels)
		dst := i * uint64(channels)
		for ch := uint64(0); ch < uint64(channels); ch++ {
			out[dst+ch] = mix(out[dst+ch], rb.buf[src+ch])
		}
	}
	rb.r.Store(r + n)

	if n < nframes && !rb.eof.Load() {
		p.underruns.Add(1)
	}
}

// locate reports whether the ring can serve frame f. Realtime thread only.
// ahead asks for a seek past f so a rolling transport can catch up with it.
func (p *Player) locate(f uint64, ahead bool) (*ring, bool) {
	rb := p.current.Load()
	if rb != nil {
		rf, w := rb.readFrame(), rb.writeFrame()
		eof := rb.eof.Load()

		switch {
		case f >= rf && f <= w:
			rb.r.Store(f - rb.start)
			return rb, eof || w-f >= uint64(p.config.Prefill)
		case f > w && eof:
			// past the end of the file
			return rb, true
		case ahead && f < rf && rf-f <= 2*p.config.Lead:
			return rb, false
		}
	}

	target := f
	if ahead {
		target += p.config.Lead
	}
	if p.seekPending() && (ahead || p.target.Load() == target) {
		return rb, false
	}
	p.target.Store(target)
	p.seekSeq.Add(1)
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return rb, false
}

func (p *Player) seekPending() bool {
	return p.seekSeq.Load() != p.handled.Load()
}

func (p *Player) run() {
	defer close(p.done)

	ticker := time.NewTicker(fillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-p.wake:
		case <-ticker.C:
		}

		if seq := p.seekSeq.Load(); seq != p.handled.Load() {
			p.seek(p.target.Load())
			p.handled.Store(seq)
		}
		p.fill()
	}
}

// seek repositions the source and publishes an empty ring at target
func (p *Player) seek(target uint64) {
	rb := newRing(target, p.config.Capacity, p.config.Channels)
	if err := p.source.SeekFrame(target); err != nil {
		p.logger.Warn("follower seek failed", zap.Uint64("frame", target), zap.Error(err))
		rb.eof.Store(true)
	}
	p.current.Store(rb)
	p.seeks.Add(1)
	p.logger.Debug("follower seeked", zap.Uint64("frame", target))
}

// fill decodes into the current ring until it is full or the source ends
func (p *Player) fill() {
	rb := p.current.Load()
	if rb == nil || rb.eof.Load() {
		return
	}
	srcChannels := p.source.Channels()

	for {
		w := rb.w.Load()
		free := rb.size - (w - rb.r.Load())
		if free < fillChunk {
			return
		}

		n, err := p.source.ReadFrames(p.scratch)
		for i := 0; i < n; i++ {
			dst := ((w + uint64(i)) % rb.size) * uint64(rb.channels)
			for ch := 0; ch < rb.channels; ch++ {
				rb.buf[dst+uint64(ch)] = p.scratch[i*srcChannels+min(ch, srcChannels-1)]
			}
		}
		rb.w.Store(w + uint64(n))

		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Warn("follower decode failed", zap.Error(err))
			}
			rb.eof.Store(true)
			return
		}
		if n == 0 {
			rb.eof.Store(true)
			return
		}
	}
}

// mix adds two samples with saturation
func mix(a, b int16) int16 {
	sum := int32(a) + int32(b)
	if sum > math.MaxInt16 {
		return math.MaxInt16
	}
	if sum < math.MinInt16 {
		return math.MinInt16
	}
	return int16(sum)
}
