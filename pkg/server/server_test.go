// ABOUTME: Integration tests for the transport server and protocol client
// ABOUTME: Drives the controller locally while remote clients control and follow it
package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Resonate-Protocol/resonate-transport/pkg/protocol"
	"github.com/Resonate-Protocol/resonate-transport/pkg/transport"
)

func newTestServer(t *testing.T) (*Server, *transport.Controller, string) {
	t.Helper()
	ctrl := transport.New(transport.Config{FrameRate: 48000})
	srv, err := New(Config{Name: "Test Transport", Controller: ctrl})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ctrl, strings.TrimPrefix(ts.URL, "http://")
}

func connect(t *testing.T, addr string, roles ...string) *protocol.Client {
	t.Helper()
	client := protocol.NewClient(protocol.Config{ServerAddr: addr, Name: "test client", Roles: roles})
	if err := client.Connect(); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// eventually steps the controller until cond holds
func eventually(t *testing.T, ctrl *transport.Controller, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		ctrl.Step(64)
		time.Sleep(time.Millisecond)
	}
}

func nextState(t *testing.T, client *protocol.Client, match func(protocol.TransportState) bool) protocol.TransportState {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case st := <-client.States:
			if match(st) {
				return st
			}
		case <-timeout:
			t.Fatal("timed out waiting for transport/state")
		}
	}
}

func nextError(t *testing.T, client *protocol.Client) protocol.ServerError {
	t.Helper()
	select {
	case e := <-client.Errors:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server/error")
	}
	return protocol.ServerError{}
}

func TestNewRequiresController(t *testing.T) {
	if _, err := New(Config{Name: "x"}); err == nil {
		t.Error("expected an error without a controller")
	}

	srv, err := New(Config{Controller: transport.New(transport.Config{})})
	if err != nil {
		t.Fatal(err)
	}
	if srv.config.Port != DefaultPort || srv.config.BroadcastInterval != DefaultBroadcastInterval {
		t.Errorf("expected defaults, got %+v", srv.config)
	}
}

func TestHandshake(t *testing.T) {
	srv, _, addr := newTestServer(t)
	client := connect(t, addr, protocol.RoleController, protocol.RoleMonitor)

	hello := client.Hello()
	if hello.ServerID != srv.ID() {
		t.Errorf("expected server id %s, got %s", srv.ID(), hello.ServerID)
	}
	if hello.FrameRate != 48000 || hello.SyncTimeout != 96000 {
		t.Errorf("unexpected hello: %+v", hello)
	}
	if len(hello.ActiveRoles) != 2 {
		t.Errorf("expected two active roles, got %v", hello.ActiveRoles)
	}

	st := nextState(t, client, func(protocol.TransportState) bool { return true })
	if st.State != "stopped" {
		t.Errorf("expected initial stopped state, got %s", st.State)
	}
}

func TestDuplicateClientRejected(t *testing.T) {
	_, _, addr := newTestServer(t)
	first := protocol.NewClient(protocol.Config{ServerAddr: addr, ClientID: "same", Name: "one"})
	if err := first.Connect(); err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	second := protocol.NewClient(protocol.Config{ServerAddr: addr, ClientID: "same", Name: "two"})
	if err := second.Connect(); err == nil {
		second.Close()
		t.Fatal("expected duplicate client id to be rejected")
	}
}

func TestControllerRequests(t *testing.T) {
	_, ctrl, addr := newTestServer(t)
	client := connect(t, addr, protocol.RoleController)

	if err := client.Locate(48000); err != nil {
		t.Fatal(err)
	}
	if err := client.Start(); err != nil {
		t.Fatal(err)
	}

	eventually(t, ctrl, "rolling from 48000", func() bool {
		state, pos := ctrl.Query()
		return state == transport.StateRolling && pos.Frame >= 48000
	})

	if err := client.SetSyncTimeout(1000); err != nil {
		t.Fatal(err)
	}
	if err := client.Stop(); err != nil {
		t.Fatal(err)
	}
	eventually(t, ctrl, "stop", func() bool {
		state, _ := ctrl.Query()
		return state == transport.StateStopped && ctrl.SyncTimeout() == 1000
	})
}

func TestInvalidRequestsReported(t *testing.T) {
	_, _, addr := newTestServer(t)
	client := connect(t, addr, protocol.RoleController)

	if err := client.Locate(transport.MaxFrame + 1); err != nil {
		t.Fatal(err)
	}
	if e := nextError(t, client); e.Error != protocol.ErrorInvalidPosition {
		t.Errorf("expected %s, got %+v", protocol.ErrorInvalidPosition, e)
	}

	bad := transport.Position{Valid: transport.PositionBBT, Bar: 1, Beat: 1}
	if err := client.Reposition(bad); err != nil {
		t.Fatal(err)
	}
	if e := nextError(t, client); e.Error != protocol.ErrorInvalidPosition {
		t.Errorf("expected %s, got %+v", protocol.ErrorInvalidPosition, e)
	}
}

func TestMonitorCannotControl(t *testing.T) {
	_, ctrl, addr := newTestServer(t)
	client := connect(t, addr, protocol.RoleMonitor)

	if err := client.Start(); err != nil {
		t.Fatal(err)
	}
	if e := nextError(t, client); e.Error != protocol.ErrorNotPermitted {
		t.Errorf("expected %s, got %+v", protocol.ErrorNotPermitted, e)
	}

	ctrl.Step(64)
	if state, _ := ctrl.Query(); state != transport.StateStopped {
		t.Errorf("monitor request must not start the transport, got %v", state)
	}
}

func TestRemoteFollower(t *testing.T) {
	srv, ctrl, addr := newTestServer(t)
	follower := connect(t, addr, protocol.RoleFollower)

	if err := follower.SetReady(true, 0); err != nil {
		t.Fatal(err)
	}
	if e := nextError(t, follower); e.Error != protocol.ErrorNotRegistered {
		t.Errorf("expected %s, got %+v", protocol.ErrorNotRegistered, e)
	}

	if err := follower.RegisterSync(); err != nil {
		t.Fatal(err)
	}
	eventually(t, ctrl, "registration", func() bool { return ctrl.Stats().Followers == 1 })

	if err := ctrl.GotoFrame(2400); err != nil {
		t.Fatal(err)
	}
	ctrl.Start()
	ctrl.Step(64)
	if state, _ := ctrl.Query(); state != transport.StateStarting {
		t.Fatalf("expected Starting while the remote follower seeks, got %v", state)
	}

	srv.broadcast()
	st := nextState(t, follower, func(st protocol.TransportState) bool {
		return st.State == "starting" && st.Follower != nil
	})
	if st.Follower.RequestedFrame != 2400 {
		t.Errorf("expected requested frame 2400, got %d", st.Follower.RequestedFrame)
	}

	if err := follower.SetReady(true, st.Follower.RequestedFrame); err != nil {
		t.Fatal(err)
	}
	eventually(t, ctrl, "rolling", func() bool {
		state, _ := ctrl.Query()
		return state == transport.StateRolling
	})
	if ctrl.Stats().ForcedStarts != 0 {
		t.Error("follower readiness should have started the transport")
	}

	clients := srv.Clients()
	if len(clients) != 1 || !clients[0].Follower || !clients[0].Ready {
		t.Errorf("unexpected clients: %+v", clients)
	}

	follower.Close()
	eventually(t, ctrl, "unregistration on disconnect", func() bool { return ctrl.Stats().Followers == 0 })
}

func TestBroadcastPositions(t *testing.T) {
	srv, ctrl, addr := newTestServer(t)
	monitor := connect(t, addr, protocol.RoleMonitor)

	if err := ctrl.GotoFrame(4800); err != nil {
		t.Fatal(err)
	}
	ctrl.Step(64)

	// The client registers on the server before its hello is answered
	srv.broadcast()

	select {
	case record := <-monitor.Positions:
		if record.Frame != 4800 || record.TransportState() != transport.StateStopped {
			t.Errorf("unexpected record %+v", record)
		}
		if record.FrameRate != 48000 {
			t.Errorf("expected frame rate 48000, got %d", record.FrameRate)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no position received")
	}
}

func TestClockExchange(t *testing.T) {
	_, ctrl, addr := newTestServer(t)
	client := connect(t, addr, protocol.RoleMonitor)

	deadline := time.Now().Add(3 * time.Second)
	for client.ClockStats().Samples == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no clock sample accepted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if q := client.ClockStats().Quality; q != protocol.ClockGood {
		t.Errorf("expected good quality on loopback, got %v", q)
	}

	diff := client.ServerMicros() - int64(ctrl.Micros())
	if diff < -20000 || diff > 20000 {
		t.Errorf("server clock estimate off by %dµs", diff)
	}
}
