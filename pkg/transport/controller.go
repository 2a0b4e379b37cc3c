// ABOUTME: Transport controller state machine driven once per processing cycle
// ABOUTME: Realtime Step plus lock-free query and request API for any goroutine
package transport

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	// DefaultFrameRate is used when Config.FrameRate is zero
	DefaultFrameRate = 48000

	// DefaultSyncTimeoutSeconds is the slow-sync timeout when none is configured
	DefaultSyncTimeoutSeconds = 2
)

// start/stop request word
const (
	cmdNone uint32 = iota
	cmdStart
	cmdStop
)

// Config configures a Controller
type Config struct {
	// FrameRate is the engine frame rate (default: 48000)
	FrameRate uint32

	// SyncTimeoutFrames overrides the slow-sync timeout. Zero means two
	// seconds at the current frame rate.
	SyncTimeoutFrames uint32

	// Clock stamps usecs on published positions (default: monotonic)
	Clock Clock

	// Logger receives request logs. The realtime path never logs.
	Logger *zap.Logger
}

// Stats is a point-in-time copy of controller counters
type Stats struct {
	Cycles               uint64 // Step calls
	Elapsed              uint64 // frames processed
	ForcedStarts         uint64 // starting phases ended by the timeout
	AuthorityCorrections uint64 // discontinuous frames overridden
	ReadRetries          uint64 // inconsistent snapshot reads retried
	TimebaseClaims       uint64 // successful timebase claims
	Followers            int
	AuthorityActive      bool
	SyncTimeout          uint32
	FrameRate            uint32
}

// Controller owns the transport state machine.
//
// Step must be called from a single goroutine (the realtime thread). Every
// other method is safe from any goroutine and never blocks Step.
type Controller struct {
	logger *zap.Logger
	clock  Clock

	snapshot Snapshot
	timebase Timebase
	sync     SyncCoordinator

	frameRate   atomic.Uint32
	syncTimeout atomic.Uint32
	command     atomic.Uint32
	pending     atomic.Pointer[Position]

	elapsed     atomic.Uint64
	cycles      atomic.Uint64
	corrections atomic.Uint64
	readRetries atomic.Uint64

	// realtime thread only
	state   State
	current Position
}

// New creates a stopped controller at frame 0
func New(config Config) *Controller {
	if config.FrameRate == 0 {
		config.FrameRate = DefaultFrameRate
	}
	if config.Clock == nil {
		config.Clock = NewMonotonicClock()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	c := &Controller{
		logger: config.Logger,
		clock:  config.Clock,
		state:  StateStopped,
	}
	c.frameRate.Store(config.FrameRate)
	c.syncTimeout.Store(config.SyncTimeoutFrames)

	c.current = Position{
		Version:   PositionVersion,
		Usecs:     c.clock.Micros(),
		FrameRate: config.FrameRate,
	}
	c.snapshot.Publish(c.state, &c.current)

	return c
}

// Step runs one processing cycle of nframes frames. Realtime thread only:
// it does not block, lock or allocate.
func (c *Controller) Step(nframes uint32) {
	c.sync.beginCycle()

	rate := c.frameRate.Load()
	now := c.elapsed.Add(uint64(nframes))
	periodStart := now - uint64(nframes)

	newPos := false
	if req := c.pending.Swap(nil); req != nil {
		c.current = *req
		c.current.Version = PositionVersion
		newPos = true
	}

	switch c.command.Swap(cmdNone) {
	case cmdStop:
		c.state = StateStopped
	case cmdStart:
		if c.state == StateStopped {
			c.beginRolling(periodStart)
		}
	}

	if newPos {
		if c.state == StateStopped {
			c.sync.Notify(StateStopped, &c.current)
		} else {
			c.beginRolling(periodStart)
		}
	}

	switch c.state {
	case StateStarting:
		if c.sync.Poll(StateStarting, &c.current, now, uint64(c.timeoutFrames(rate))) {
			c.state = StateRolling
		}
	case StateRolling:
		c.sync.CatchUp(&c.current)
	}

	c.current.Usecs = c.clock.Micros()
	c.current.FrameRate = rate
	c.snapshot.Publish(c.state, &c.current)
	c.cycles.Add(1)

	if c.state != StateStopped || newPos || c.timebase.pending() {
		if c.timebase.Advance(c.state, nframes, &c.current, newPos) {
			c.corrections.Add(1)
		}
	}
}

// beginRolling moves to Starting when followers exist, otherwise straight to Rolling
func (c *Controller) beginRolling(since uint64) {
	if c.sync.cycleLen() == 0 {
		c.state = StateRolling
		return
	}
	c.state = StateStarting
	c.sync.BeginStartingPhase(since)
}

// timeoutFrames returns the configured timeout or two seconds at rate
func (c *Controller) timeoutFrames(rate uint32) uint32 {
	if t := c.syncTimeout.Load(); t > 0 {
		return t
	}
	return rate * DefaultSyncTimeoutSeconds
}

// Query returns the state and position published by the most recent cycle
func (c *Controller) Query() (State, Position) {
	for {
		state, pos, ok, retries := c.snapshot.Load()
		if retries > 0 {
			c.readRetries.Add(uint64(retries))
		}
		if ok {
			return state, pos
		}
		runtime.Gosched()
	}
}

// Start requests the transport to roll. Takes effect no sooner than the next cycle.
func (c *Controller) Start() {
	c.command.Store(cmdStart)
	c.logger.Debug("transport start requested")
}

// Stop requests the transport to halt on the next cycle
func (c *Controller) Stop() {
	c.command.Store(cmdStop)
	c.logger.Debug("transport stop requested")
}

// GotoFrame requests a move to frame. Musical fields are recomputed by the authority.
func (c *Controller) GotoFrame(frame uint64) error {
	return c.Reposition(Position{Frame: frame})
}

// Reposition requests a new position effective on the next cycle. Usecs and
// FrameRate are server-set and ignored. Invalid requests change nothing.
func (c *Controller) Reposition(pos Position) error {
	if err := pos.Validate(); err != nil {
		c.logger.Debug("reposition rejected", zap.Error(err))
		return err
	}

	req := pos
	c.pending.Store(&req)
	c.logger.Debug("reposition requested",
		zap.Uint64("frame", pos.Frame),
		zap.Bool("bbt", pos.HasBBT()))
	return nil
}

// ClaimTimebase installs fn as the timebase authority
func (c *Controller) ClaimTimebase(conditional bool, fn TimebaseFunc) error {
	if err := c.timebase.Claim(conditional, fn); err != nil {
		return err
	}
	c.logger.Info("timebase claimed", zap.Bool("conditional", conditional))
	return nil
}

// ReleaseTimebase clears the timebase authority
func (c *Controller) ReleaseTimebase() {
	c.timebase.Release()
	c.logger.Info("timebase released")
}

// RegisterSync registers a slow-sync follower
func (c *Controller) RegisterSync(fn SyncFunc) SyncID {
	id := c.sync.Register(fn)
	c.logger.Debug("sync follower registered", zap.Uint64("id", uint64(id)))
	return id
}

// UnregisterSync removes a slow-sync follower. Its callback is not invoked
// after the cycle in progress.
func (c *Controller) UnregisterSync(id SyncID) error {
	if err := c.sync.Unregister(id); err != nil {
		return fmt.Errorf("unregister %d: %w", uint64(id), err)
	}
	c.logger.Debug("sync follower unregistered", zap.Uint64("id", uint64(id)))
	return nil
}

// SetSyncTimeout overrides the slow-sync timeout. Zero restores the default.
func (c *Controller) SetSyncTimeout(frames uint32) {
	c.syncTimeout.Store(frames)
}

// SyncTimeout returns the effective slow-sync timeout in frames
func (c *Controller) SyncTimeout() uint32 {
	return c.timeoutFrames(c.frameRate.Load())
}

// SetFrameRate changes the engine frame rate from the next cycle on
func (c *Controller) SetFrameRate(rate uint32) error {
	if rate == 0 {
		return ErrInvalidFrameRate
	}
	c.frameRate.Store(rate)
	return nil
}

// FrameRate returns the engine frame rate
func (c *Controller) FrameRate() uint32 {
	return c.frameRate.Load()
}

// Micros reads the clock stamped on published positions
func (c *Controller) Micros() uint64 {
	return c.clock.Micros()
}

// Elapsed returns the frames processed since the controller was created
func (c *Controller) Elapsed() uint64 {
	return c.elapsed.Load()
}

// Stats returns a copy of the controller counters
func (c *Controller) Stats() Stats {
	rate := c.frameRate.Load()
	return Stats{
		Cycles:               c.cycles.Load(),
		Elapsed:              c.elapsed.Load(),
		ForcedStarts:         c.sync.forcedStarts.Load(),
		AuthorityCorrections: c.corrections.Load(),
		ReadRetries:          c.readRetries.Load(),
		TimebaseClaims:       c.timebase.claims.Load(),
		Followers:            c.sync.Len(),
		AuthorityActive:      c.timebase.Active(),
		SyncTimeout:          c.timeoutFrames(rate),
		FrameRate:            rate,
	}
}
