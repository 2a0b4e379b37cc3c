// ABOUTME: Transport adapters the showtime UI drives
// ABOUTME: Local wraps an in-process controller, Remote follows a protocol client
package ui

import (
	"sync/atomic"

	"github.com/Resonate-Protocol/resonate-transport/pkg/protocol"
	"github.com/Resonate-Protocol/resonate-transport/pkg/transport"
)

// Transport is what the UI polls and controls
type Transport interface {
	Query() (transport.State, transport.Position)
	Start() error
	Stop() error
	Locate(frame uint64) error
}

// ClockReporter is implemented by transports that estimate a remote clock
type ClockReporter interface {
	ClockStats() protocol.ClockStats
	ServerMicros() int64
}

// Local drives a controller in the same process
type Local struct {
	ctrl *transport.Controller
}

// NewLocal wraps ctrl
func NewLocal(ctrl *transport.Controller) *Local {
	return &Local{ctrl: ctrl}
}

func (l *Local) Query() (transport.State, transport.Position) { return l.ctrl.Query() }
func (l *Local) Start() error                                { l.ctrl.Start(); return nil }
func (l *Local) Stop() error                                 { l.ctrl.Stop(); return nil }
func (l *Local) Locate(frame uint64) error                   { return l.ctrl.GotoFrame(frame) }

// Remote answers queries from the latest position pushed by the server
type Remote struct {
	client *protocol.Client
	latest atomic.Pointer[protocol.PositionRecord]
}

// NewRemote starts consuming client.Positions until the connection ends
func NewRemote(client *protocol.Client) *Remote {
	r := &Remote{client: client}
	go r.run()
	return r
}

func (r *Remote) run() {
	for {
		select {
		case record := <-r.client.Positions:
			r.latest.Store(&record)
		case <-r.client.Done():
			return
		}
	}
}

// Query returns the last pushed position, or a stopped zero position before the first push
func (r *Remote) Query() (transport.State, transport.Position) {
	record := r.latest.Load()
	if record == nil {
		return transport.StateStopped, transport.Position{}
	}
	return record.TransportState(), record.Position()
}

func (r *Remote) Start() error              { return r.client.Start() }
func (r *Remote) Stop() error               { return r.client.Stop() }
func (r *Remote) Locate(frame uint64) error { return r.client.Locate(frame) }

func (r *Remote) ClockStats() protocol.ClockStats { return r.client.ClockStats() }
func (r *Remote) ServerMicros() int64            { return r.client.ServerMicros() }
