// ABOUTME: Remote slow-sync follower answered from atomic flags
// ABOUTME: The realtime callback records what it asked for and never waits on the network
package server

import (
	"sync/atomic"

	"github.com/Resonate-Protocol/resonate-transport/pkg/transport"
)

// remoteFollower mirrors a client's readiness for the realtime thread
type remoteFollower struct {
	id transport.SyncID

	ready      atomic.Bool
	readyFrame atomic.Uint64 // frame the client declared ready at
	requested  atomic.Uint64 // frame+1 last polled by the realtime thread, 0 before any poll
	polls      atomic.Uint64
}

// sync is the SyncFunc registered with the controller
func (f *remoteFollower) sync(state transport.State, pos *transport.Position) bool {
	f.requested.Store(pos.Frame + 1)
	f.polls.Add(1)

	if !f.ready.Load() {
		return false
	}
	// A forced start leaves the frame moving; any readiness counts then
	if state == transport.StateRolling {
		return true
	}
	return f.readyFrame.Load() == pos.Frame
}

// setReady records the client's answer
func (f *remoteFollower) setReady(ready bool, frame uint64) {
	f.readyFrame.Store(frame)
	f.ready.Store(ready)
}

// requestedFrame returns the last polled frame
func (f *remoteFollower) requestedFrame() (uint64, bool) {
	r := f.requested.Load()
	if r == 0 {
		return 0, false
	}
	return r - 1, true
}
