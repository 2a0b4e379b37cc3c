// ABOUTME: Slow-sync follower arena and starting-phase readiness protocol
// ABOUTME: Registration publishes immutable follower sets the realtime thread loads once per cycle
package transport

import (
	"sync"
	"sync/atomic"
)

// SyncFunc reports whether a slow-sync follower is ready to roll at pos.
//
// It runs on the realtime thread and must not block. state is Stopped when a
// new position was requested while stopped, Starting while the transport waits,
// and Rolling when the timeout expired and the follower is catching up.
type SyncFunc func(state State, pos *Position) bool

// SyncID identifies a registered follower. The low 32 bits are the slot
// index and the high 32 bits the slot generation, so stale ids never match
// a reused slot.
type SyncID uint64

func newSyncID(index, gen uint32) SyncID {
	return SyncID(uint64(gen)<<32 | uint64(index))
}

func (id SyncID) index() uint32 { return uint32(id) }
func (id SyncID) gen() uint32   { return uint32(id >> 32) }

type follower struct {
	id SyncID
	fn SyncFunc

	// realtime thread only
	ready bool
}

type syncSlot struct {
	gen uint32
	f   *follower
}

// SyncCoordinator tracks slow-sync followers and drives their readiness
// callbacks while the transport is starting.
type SyncCoordinator struct {
	mu    sync.Mutex // registration side only, never taken by the realtime thread
	slots []syncSlot
	free  []uint32
	live  atomic.Pointer[[]*follower]

	forcedStarts atomic.Uint64

	// realtime thread only
	cycle         []*follower
	startingSince uint64
	catchingUp    bool
	scratch       Position
}

// Register adds a follower and returns its id. A nil fn registers a follower
// that is always ready.
func (c *SyncCoordinator) Register(fn SyncFunc) SyncID {
	c.mu.Lock()
	defer c.mu.Unlock()

	var index uint32
	if n := len(c.free); n > 0 {
		index = c.free[n-1]
		c.free = c.free[:n-1]
	} else {
		index = uint32(len(c.slots))
		c.slots = append(c.slots, syncSlot{})
	}

	slot := &c.slots[index]
	slot.gen++
	slot.f = &follower{id: newSyncID(index, slot.gen), fn: fn}

	c.publishLocked()
	return slot.f.id
}

// Unregister removes a follower. The callback is never invoked after the
// cycle in progress when Unregister returns.
func (c *SyncCoordinator) Unregister(id SyncID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	index := id.index()
	if int(index) >= len(c.slots) {
		return ErrUnknownFollower
	}
	slot := &c.slots[index]
	if slot.f == nil || slot.gen != id.gen() {
		return ErrUnknownFollower
	}

	slot.f = nil
	c.free = append(c.free, index)
	c.publishLocked()
	return nil
}

// Len returns the number of registered followers
func (c *SyncCoordinator) Len() int {
	set := c.live.Load()
	if set == nil {
		return 0
	}
	return len(*set)
}

// publishLocked swaps in a fresh immutable follower set
func (c *SyncCoordinator) publishLocked() {
	set := make([]*follower, 0, len(c.slots))
	for _, slot := range c.slots {
		if slot.f != nil {
			set = append(set, slot.f)
		}
	}
	c.live.Store(&set)
}

// beginCycle pins the follower set used for the rest of the cycle
func (c *SyncCoordinator) beginCycle() {
	if set := c.live.Load(); set != nil {
		c.cycle = *set
	} else {
		c.cycle = nil
	}
}

// cycleLen returns the number of followers pinned for this cycle
func (c *SyncCoordinator) cycleLen() int {
	return len(c.cycle)
}

// BeginStartingPhase starts a new readiness round at elapsed frame now.
// Realtime thread only.
func (c *SyncCoordinator) BeginStartingPhase(now uint64) {
	c.startingSince = now
	c.catchingUp = false
	for _, f := range c.cycle {
		f.ready = false
	}
}

// Poll invokes the readiness callback of every follower that has not yet
// reported ready in this phase, once each. It returns true when all are ready,
// or when timeout frames have elapsed since the phase began, in which case the
// stragglers keep being polled through CatchUp. Realtime thread only.
func (c *SyncCoordinator) Poll(state State, pos *Position, now, timeout uint64) bool {
	if c.pollPending(state, pos) {
		return true
	}
	if now-c.startingSince >= timeout {
		c.catchingUp = true
		c.forcedStarts.Add(1)
		return true
	}
	return false
}

// CatchUp keeps polling followers left behind by a forced start. Realtime thread only.
func (c *SyncCoordinator) CatchUp(pos *Position) {
	if !c.catchingUp {
		return
	}
	if c.pollPending(StateRolling, pos) {
		c.catchingUp = false
	}
}

// Notify tells every follower about a position requested while stopped.
// Answers are ignored. Realtime thread only.
func (c *SyncCoordinator) Notify(state State, pos *Position) {
	for _, f := range c.cycle {
		if f.fn == nil {
			continue
		}
		c.scratch = *pos
		f.fn(state, &c.scratch)
	}
}

func (c *SyncCoordinator) pollPending(state State, pos *Position) bool {
	all := true
	for _, f := range c.cycle {
		if f.ready {
			continue
		}
		if f.fn == nil {
			f.ready = true
			continue
		}
		c.scratch = *pos
		if f.fn(state, &c.scratch) {
			f.ready = true
			continue
		}
		all = false
	}
	return all
}
