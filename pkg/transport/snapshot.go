// ABOUTME: Single-writer many-reader seqlock holding the published transport position
// ABOUTME: The realtime writer never waits; readers detect torn copies and retry
package transport

import (
	"math"
	"sync/atomic"
)

// MaxReadRetries bounds the attempts made by Snapshot.Load
const MaxReadRetries = 8

// word indices of the encoded record
const (
	wState = iota
	wUsecs
	wFrameRate
	wFrame
	wValid
	wBar
	wBeat
	wTick
	wBarStartTick
	wBeatsPerBar
	wBeatType
	wTicksPerBeat
	wBeatsPerMinute
	wGuard // written last, equals wUsecs when the record is whole
	numWords
)

// Snapshot is the single live position record shared between the realtime
// thread and query threads.
//
// The generation counter is odd while a publish is in progress. Each field is
// stored in its own atomic word so a concurrent copy is never a data race, only
// possibly incoherent, which the generation and guard checks detect.
type Snapshot struct {
	gen   atomic.Uint64
	words [numWords]atomic.Uint64
}

// Publish overwrites the record in place. Writer-only: call from the realtime thread.
func (s *Snapshot) Publish(state State, pos *Position) {
	gen := s.gen.Load()
	s.gen.Store(gen + 1)

	s.words[wState].Store(uint64(state))
	s.words[wUsecs].Store(pos.Usecs)
	s.words[wFrameRate].Store(uint64(pos.FrameRate))
	s.words[wFrame].Store(pos.Frame)
	s.words[wValid].Store(uint64(pos.Valid) | uint64(pos.Version)<<32)
	s.words[wBar].Store(uint64(uint32(pos.Bar)))
	s.words[wBeat].Store(uint64(uint32(pos.Beat)))
	s.words[wTick].Store(uint64(uint32(pos.Tick)))
	s.words[wBarStartTick].Store(math.Float64bits(pos.BarStartTick))
	s.words[wBeatsPerBar].Store(uint64(math.Float32bits(pos.BeatsPerBar)))
	s.words[wBeatType].Store(uint64(math.Float32bits(pos.BeatType)))
	s.words[wTicksPerBeat].Store(math.Float64bits(pos.TicksPerBeat))
	s.words[wBeatsPerMinute].Store(math.Float64bits(pos.BeatsPerMinute))
	s.words[wGuard].Store(pos.Usecs)

	s.gen.Store(gen + 2)
}

// Read makes one attempt at copying the record. The copy is only coherent
// when consistent is true; otherwise the caller should retry.
func (s *Snapshot) Read() (state State, pos Position, consistent bool) {
	var w [numWords]uint64

	begin := s.gen.Load()
	for i := range s.words {
		w[i] = s.words[i].Load()
	}
	end := s.gen.Load()

	state = State(w[wState])
	pos = Position{
		Version:        uint8(w[wValid] >> 32),
		Usecs:          w[wUsecs],
		FrameRate:      uint32(w[wFrameRate]),
		Frame:          w[wFrame],
		Valid:          PositionBits(uint32(w[wValid])),
		Bar:            int32(uint32(w[wBar])),
		Beat:           int32(uint32(w[wBeat])),
		Tick:           int32(uint32(w[wTick])),
		BarStartTick:   math.Float64frombits(w[wBarStartTick]),
		BeatsPerBar:    math.Float32frombits(uint32(w[wBeatsPerBar])),
		BeatType:       math.Float32frombits(uint32(w[wBeatType])),
		TicksPerBeat:   math.Float64frombits(w[wTicksPerBeat]),
		BeatsPerMinute: math.Float64frombits(w[wBeatsPerMinute]),
	}

	consistent = begin&1 == 0 && begin == end && w[wGuard] == pos.Usecs
	return state, pos, consistent
}

// Load retries Read up to MaxReadRetries times and returns the last attempt.
// retries counts the failed attempts.
func (s *Snapshot) Load() (state State, pos Position, consistent bool, retries int) {
	for retries = 0; retries < MaxReadRetries; retries++ {
		state, pos, consistent = s.Read()
		if consistent {
			return state, pos, true, retries
		}
	}
	return state, pos, false, retries
}
