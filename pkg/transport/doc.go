// ABOUTME: Transport synchronization engine package
// ABOUTME: One authoritative position, one timebase authority, N slow-sync followers
// Package transport keeps the authoritative transport position of a realtime
// audio engine.
//
// A Controller is stepped once per processing period by the engine's realtime
// thread. Any other goroutine may query the published position or request
// start, stop and reposition; those requests take effect no sooner than the
// next cycle and never make the realtime thread wait.
//
// One client at a time may act as timebase authority and compute musical
// (bar/beat/tick) metadata. Slow-sync followers that need time to seek are
// polled while the transport is Starting, bounded by a timeout in frames.
//
// Example:
//
//	ctrl := transport.New(transport.Config{FrameRate: 48000})
//	id := ctrl.RegisterSync(func(state transport.State, pos *transport.Position) bool {
//	    return seeker.ReadyAt(pos.Frame)
//	})
//	defer ctrl.UnregisterSync(id)
//
//	ctrl.Start()
//	for range periods {
//	    ctrl.Step(256) // realtime thread
//	}
//
//	state, pos := ctrl.Query() // any goroutine
package transport
