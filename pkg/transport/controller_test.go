// ABOUTME: Tests for the transport controller state machine
// ABOUTME: Covers start/stop, slow-sync timeouts, repositioning and concurrent queries
package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeClock struct {
	us atomic.Uint64
}

func (c *fakeClock) Micros() uint64 { return c.us.Load() }

func newTestController(t *testing.T) (*Controller, *fakeClock) {
	t.Helper()
	clock := &fakeClock{}
	return New(Config{FrameRate: 48000, Clock: clock}), clock
}

func TestNewDefaults(t *testing.T) {
	c := New(Config{})

	state, pos := c.Query()
	if state != StateStopped {
		t.Errorf("expected Stopped, got %v", state)
	}
	if pos.Frame != 0 || pos.Valid != 0 {
		t.Errorf("expected frame 0 without BBT, got frame=%d valid=%#x", pos.Frame, pos.Valid)
	}
	if pos.FrameRate != DefaultFrameRate {
		t.Errorf("expected frame rate %d, got %d", DefaultFrameRate, pos.FrameRate)
	}
	if pos.Version != PositionVersion {
		t.Errorf("expected version %d, got %d", PositionVersion, pos.Version)
	}
	if c.SyncTimeout() != 2*DefaultFrameRate {
		t.Errorf("expected default timeout %d, got %d", 2*DefaultFrameRate, c.SyncTimeout())
	}
}

func TestStartWithoutFollowersRollsImmediately(t *testing.T) {
	c, _ := newTestController(t)

	c.Start()
	if state, _ := c.Query(); state != StateStopped {
		t.Fatalf("start must not take effect before the next cycle, got %v", state)
	}

	c.Step(256)
	state, pos := c.Query()
	if state != StateRolling {
		t.Fatalf("expected Rolling after one cycle, got %v", state)
	}
	if pos.Frame != 0 {
		t.Errorf("expected first rolling cycle at frame 0, got %d", pos.Frame)
	}

	c.Step(256)
	c.Step(256)
	if _, pos := c.Query(); pos.Frame != 512 {
		t.Errorf("expected frame 512, got %d", pos.Frame)
	}
}

func TestStopHaltsFrameAdvance(t *testing.T) {
	c, _ := newTestController(t)

	c.Start()
	for i := 0; i < 4; i++ {
		c.Step(100)
	}
	c.Stop()
	c.Step(100)

	state, stopped := c.Query()
	if state != StateStopped {
		t.Fatalf("expected Stopped, got %v", state)
	}

	c.Step(100)
	c.Step(100)
	if _, pos := c.Query(); pos.Frame != stopped.Frame {
		t.Errorf("frame moved while stopped: %d -> %d", stopped.Frame, pos.Frame)
	}
}

func TestLastRequestWins(t *testing.T) {
	c, _ := newTestController(t)

	c.Start()
	c.Stop()
	c.Step(64)
	if state, _ := c.Query(); state != StateStopped {
		t.Errorf("expected Stopped when stop follows start, got %v", state)
	}

	c.Stop()
	c.Start()
	c.Step(64)
	if state, _ := c.Query(); state != StateRolling {
		t.Errorf("expected Rolling when start follows stop, got %v", state)
	}
}

func TestSlowSyncTimeoutForcesStart(t *testing.T) {
	c, _ := newTestController(t)
	c.RegisterSync(func(State, *Position) bool { return false })

	c.Start()
	for i := 0; i < 95999; i++ {
		c.Step(1)
	}
	if state, _ := c.Query(); state != StateStarting {
		t.Fatalf("expected Starting before the timeout, got %v", state)
	}

	c.Step(1)
	if state, _ := c.Query(); state != StateRolling {
		t.Fatalf("expected Rolling once 96000 frames elapsed, got %v", state)
	}
	if got := c.Stats().ForcedStarts; got != 1 {
		t.Errorf("expected 1 forced start, got %d", got)
	}
}

func TestSlowSyncTimeoutWithLargePeriods(t *testing.T) {
	c, _ := newTestController(t)
	c.RegisterSync(func(State, *Position) bool { return false })
	c.SetSyncTimeout(1000)

	c.Start()
	var states []State
	for i := 0; i < 5; i++ {
		c.Step(256)
		state, _ := c.Query()
		states = append(states, state)
	}

	// The fourth period crosses 1000 elapsed frames
	want := []State{StateStarting, StateStarting, StateStarting, StateRolling, StateRolling}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("cycle %d: expected %v, got %v", i+1, want[i], states[i])
		}
	}
}

func TestFollowerReadyBeforeTimeout(t *testing.T) {
	tests := []struct {
		name      string
		readyAt   int
		rollingAt int
	}{
		{"ready on first poll", 1, 1},
		{"ready on third poll", 3, 3},
		{"ready on tenth poll", 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestController(t)
			polls := 0
			c.RegisterSync(func(state State, pos *Position) bool {
				polls++
				return polls >= tt.readyAt
			})

			c.Start()
			for cycle := 1; cycle <= tt.rollingAt; cycle++ {
				c.Step(256)
				state, pos := c.Query()
				if cycle < tt.rollingAt && state != StateStarting {
					t.Fatalf("cycle %d: expected Starting, got %v", cycle, state)
				}
				if pos.Frame != 0 {
					t.Fatalf("cycle %d: frame must hold while starting, got %d", cycle, pos.Frame)
				}
			}
			if state, _ := c.Query(); state != StateRolling {
				t.Errorf("expected Rolling at cycle %d, got %v", tt.rollingAt, state)
			}
			if c.Stats().ForcedStarts != 0 {
				t.Error("expected no forced start")
			}
		})
	}
}

func TestGotoFrameWhileStopped(t *testing.T) {
	c, _ := newTestController(t)

	var notified []Position
	c.RegisterSync(func(state State, pos *Position) bool {
		if state != StateStopped {
			t.Errorf("expected Stopped notification, got %v", state)
		}
		notified = append(notified, *pos)
		return false
	})

	if err := c.GotoFrame(48000); err != nil {
		t.Fatalf("GotoFrame failed: %v", err)
	}
	c.Step(128)

	state, pos := c.Query()
	if state != StateStopped {
		t.Errorf("expected to stay Stopped, got %v", state)
	}
	if pos.Frame != 48000 {
		t.Errorf("expected frame 48000, got %d", pos.Frame)
	}
	if len(notified) != 1 || notified[0].Frame != 48000 {
		t.Errorf("expected one notification at frame 48000, got %+v", notified)
	}

	c.Step(128)
	c.Step(128)
	if _, pos := c.Query(); pos.Frame != 48000 {
		t.Errorf("expected frame to stay at 48000, got %d", pos.Frame)
	}
	if len(notified) != 1 {
		t.Errorf("followers must only hear about new positions, got %d notifications", len(notified))
	}
}

func TestRepositionWhileRollingRestartsSync(t *testing.T) {
	c, _ := newTestController(t)

	ready := true
	var seen []uint64
	c.RegisterSync(func(state State, pos *Position) bool {
		seen = append(seen, pos.Frame)
		return ready
	})

	c.Start()
	c.Step(256)
	if state, _ := c.Query(); state != StateRolling {
		t.Fatalf("expected Rolling, got %v", state)
	}

	ready = false
	if err := c.GotoFrame(1000); err != nil {
		t.Fatal(err)
	}
	c.Step(256)
	state, pos := c.Query()
	if state != StateStarting {
		t.Fatalf("expected Starting after reposition, got %v", state)
	}
	if pos.Frame != 1000 {
		t.Errorf("expected frame 1000, got %d", pos.Frame)
	}
	if got := seen[len(seen)-1]; got != 1000 {
		t.Errorf("follower polled at frame %d, want 1000", got)
	}

	ready = true
	c.Step(256)
	if state, pos := c.Query(); state != StateRolling || pos.Frame != 1000 {
		t.Errorf("expected Rolling at 1000, got %v at %d", state, pos.Frame)
	}

	c.Step(256)
	if _, pos := c.Query(); pos.Frame != 1256 {
		t.Errorf("expected frame 1256, got %d", pos.Frame)
	}
}

func TestInvalidRepositionChangesNothing(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.GotoFrame(500); err != nil {
		t.Fatal(err)
	}
	c.Step(64)

	tests := []struct {
		name string
		pos  Position
	}{
		{"frame out of range", Position{Frame: MaxFrame + 1}},
		{"unknown valid bits", Position{Valid: 0x01}},
		{"zero tempo", func() Position {
			p := validBBT()
			p.BeatsPerMinute = 0
			return p
		}()},
		{"beat past bar", func() Position {
			p := validBBT()
			p.Beat = 9
			return p
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Reposition(tt.pos)
			if !errors.Is(err, ErrInvalidPosition) {
				t.Fatalf("expected ErrInvalidPosition, got %v", err)
			}
			c.Step(64)
			state, pos := c.Query()
			if state != StateStopped || pos.Frame != 500 {
				t.Errorf("expected Stopped at 500, got %v at %d", state, pos.Frame)
			}
		})
	}
}

func TestRepositionCarriesBBT(t *testing.T) {
	c, _ := newTestController(t)

	req := validBBT()
	req.Frame = 96000
	req.Usecs = 42
	if err := c.Reposition(req); err != nil {
		t.Fatal(err)
	}
	c.Step(64)

	_, pos := c.Query()
	if pos.Frame != 96000 {
		t.Errorf("expected frame 96000, got %d", pos.Frame)
	}
	if !pos.HasBBT() || pos.Bar != req.Bar {
		t.Errorf("expected requested BBT to be published, got %+v", pos)
	}
	if pos.Usecs == 42 {
		t.Error("usecs is server-set and must not come from the request")
	}

	// Without an authority the musical fields only last for the applying cycle
	c.Step(64)
	if _, pos := c.Query(); pos.HasBBT() {
		t.Error("expected BBT invalid once the authority-less cycle advanced")
	}
}

func TestClaimTimebase(t *testing.T) {
	c, _ := newTestController(t)
	var calls int

	if err := c.ClaimTimebase(true, nil); !errors.Is(err, ErrNilCallback) {
		t.Errorf("expected ErrNilCallback, got %v", err)
	}
	if err := c.ClaimTimebase(true, countingTimebase(&calls, nil)); err != nil {
		t.Fatalf("conditional claim failed: %v", err)
	}
	if err := c.ClaimTimebase(true, countingTimebase(&calls, nil)); !errors.Is(err, ErrAuthorityBusy) {
		t.Errorf("expected ErrAuthorityBusy, got %v", err)
	}

	var replacement int
	if err := c.ClaimTimebase(false, countingTimebase(&replacement, nil)); err != nil {
		t.Fatalf("unconditional claim failed: %v", err)
	}

	// A fresh claim runs once while stopped so the BBT fields get filled in
	c.Step(64)
	c.Step(64)
	if calls != 0 || replacement != 1 {
		t.Errorf("expected only the replacement to run once, got %d and %d", calls, replacement)
	}
	if _, pos := c.Query(); !pos.HasBBT() {
		t.Error("expected BBT after the authority ran")
	}

	stats := c.Stats()
	if !stats.AuthorityActive || stats.TimebaseClaims != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	c.ReleaseTimebase()
	c.Step(64)
	c.Step(64)
	if _, pos := c.Query(); pos.HasBBT() {
		t.Error("expected BBT cleared after release")
	}
	if c.Stats().AuthorityActive {
		t.Error("expected no active authority")
	}
}

func TestUnregisterSync(t *testing.T) {
	c, _ := newTestController(t)
	id := c.RegisterSync(func(State, *Position) bool { return false })

	if err := c.UnregisterSync(id); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}
	if err := c.UnregisterSync(id); !errors.Is(err, ErrUnknownFollower) {
		t.Errorf("expected ErrUnknownFollower, got %v", err)
	}

	c.Start()
	c.Step(64)
	if state, _ := c.Query(); state != StateRolling {
		t.Errorf("expected Rolling without followers, got %v", state)
	}
}

func TestFrameRateAndTimeout(t *testing.T) {
	c, clock := newTestController(t)

	if err := c.SetFrameRate(0); !errors.Is(err, ErrInvalidFrameRate) {
		t.Errorf("expected ErrInvalidFrameRate, got %v", err)
	}
	if err := c.SetFrameRate(44100); err != nil {
		t.Fatal(err)
	}
	if c.SyncTimeout() != 88200 {
		t.Errorf("expected timeout to follow the frame rate, got %d", c.SyncTimeout())
	}

	c.SetSyncTimeout(10)
	if c.SyncTimeout() != 10 {
		t.Errorf("expected timeout 10, got %d", c.SyncTimeout())
	}
	c.SetSyncTimeout(0)
	if c.SyncTimeout() != 88200 {
		t.Errorf("expected default timeout restored, got %d", c.SyncTimeout())
	}

	clock.us.Store(1234)
	c.Step(32)
	_, pos := c.Query()
	if pos.FrameRate != 44100 {
		t.Errorf("expected published frame rate 44100, got %d", pos.FrameRate)
	}
	if pos.Usecs != 1234 {
		t.Errorf("expected usecs 1234, got %d", pos.Usecs)
	}

	stats := c.Stats()
	if stats.Cycles != 1 || stats.Elapsed != 32 || c.Elapsed() != 32 {
		t.Errorf("unexpected counters: %+v", stats)
	}
}

func TestConcurrentQueriesSeeCoherentPositions(t *testing.T) {
	c, _ := newTestController(t)

	// The authority derives the bar from the frame, so torn reads would show
	err := c.ClaimTimebase(true, func(state State, nframes uint32, pos *Position, newPos bool) {
		if state == StateRolling {
			pos.Frame += uint64(nframes)
		}
		pos.Valid |= PositionBBT
		pos.Bar = int32(pos.Frame/64) + 1
		pos.Beat = 1
		pos.BeatsPerBar = 4
		pos.BeatType = 4
		pos.TicksPerBeat = 1920
		pos.BeatsPerMinute = 120
	})
	if err != nil {
		t.Fatal(err)
	}
	c.Start()

	var wg sync.WaitGroup
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				_, pos := c.Query()
				if pos.HasBBT() && pos.Bar != int32(pos.Frame/64)+1 {
					t.Errorf("incoherent position: frame=%d bar=%d", pos.Frame, pos.Bar)
					return
				}
			}
		}()
	}

	for i := 0; i < 20000; i++ {
		c.Step(64)
		if i%1000 == 0 {
			_ = c.GotoFrame(uint64(i) * 64)
		}
	}
	close(done)
	wg.Wait()
}
