// ABOUTME: Timebase authority registry holding the single position advancing callback
// ABOUTME: Claims and releases swap an atomic pointer; the realtime thread only loads it
package transport

import "sync/atomic"

// TimebaseFunc computes the position for the following cycle.
//
// It runs on the realtime thread and must not block. pos holds the current
// position; the callback increments pos.Frame by nframes while rolling and may
// rewrite the musical fields and their valid bits. newPos is true for a newly
// requested position and for the first cycle after the callback was installed.
// Discontinuous frames must go through a reposition request instead.
type TimebaseFunc func(state State, nframes uint32, pos *Position, newPos bool)

type timebaseReg struct {
	fn TimebaseFunc
}

// Timebase holds at most one active authority
type Timebase struct {
	active atomic.Pointer[timebaseReg]
	claims atomic.Uint64

	// realtime thread only
	seen *timebaseReg
}

// Claim installs fn as the authority. A conditional claim fails with
// ErrAuthorityBusy when an authority is already active. An unconditional
// claim always succeeds and evicts the previous authority without telling it.
func (t *Timebase) Claim(conditional bool, fn TimebaseFunc) error {
	if fn == nil {
		return ErrNilCallback
	}

	reg := &timebaseReg{fn: fn}
	if conditional {
		if !t.active.CompareAndSwap(nil, reg) {
			return ErrAuthorityBusy
		}
	} else {
		t.active.Store(reg)
	}

	t.claims.Add(1)
	return nil
}

// Release clears the active authority. Later cycles count frames only.
func (t *Timebase) Release() {
	t.active.Store(nil)
}

// Active reports whether an authority is installed
func (t *Timebase) Active() bool {
	return t.active.Load() != nil
}

// Advance computes the next cycle's position into pos. Realtime thread only.
//
// Without an authority the frame advances alone and the musical fields are
// marked invalid. The frame is forced to the continuous value either way;
// corrected reports whether the authority had to be overridden.
func (t *Timebase) Advance(state State, nframes uint32, pos *Position, newPos bool) (corrected bool) {
	reg := t.active.Load()
	if reg != t.seen {
		newPos = true
		t.seen = reg
	}

	expected := pos.Frame
	if state == StateRolling {
		expected += uint64(nframes)
	}

	if reg == nil {
		pos.Valid &^= PositionBBT
	} else {
		reg.fn(state, nframes, pos, newPos)
		corrected = pos.Frame != expected
	}

	pos.Frame = expected
	pos.Valid &= PositionMask
	return corrected
}

// pending reports whether a claim or release has not been seen by the realtime thread yet
func (t *Timebase) pending() bool {
	return t.active.Load() != t.seen
}
