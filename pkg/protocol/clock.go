// ABOUTME: Client-side estimate of the server clock stamped on positions
// ABOUTME: Four-timestamp exchange tracking both offset and drift with a fixed-gain filter
package protocol

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// samples slower than this are discarded
	maxSampleRTT = 100000
	// rtt above this degrades quality
	goodRTT = 50000
	// prediction errors above this look like clock jumps
	maxResidual = 50000
	// estimate is lost without samples for this long
	clockStale = 5 * time.Second
)

// ClockQuality grades the current estimate
type ClockQuality int

const (
	ClockLost ClockQuality = iota
	ClockGood
	ClockDegraded
)

func (q ClockQuality) String() string {
	switch q {
	case ClockGood:
		return "good"
	case ClockDegraded:
		return "degraded"
	default:
		return "lost"
	}
}

// ClockStats is a copy of the estimate
type ClockStats struct {
	Offset  int64   // server minus client, µs
	Drift   float64 // µs of offset change per client µs
	RTT     int64   // last accepted round trip, µs
	Samples int
	Quality ClockQuality
}

// ClockSync maps client monotonic micros to the server's position clock
type ClockSync struct {
	mu     sync.RWMutex
	logger *zap.Logger

	offset     int64
	drift      float64
	rtt        int64
	quality    ClockQuality
	samples    int
	lastClient int64 // client µs of the last accepted sample
	lastSync   time.Time
	gain       float64

	start time.Time
}

// NewClockSync creates an estimator whose client clock starts now
func NewClockSync(logger *zap.Logger) *ClockSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClockSync{logger: logger, gain: 0.1, start: time.Now()}
}

// ClientMicros reads the local monotonic clock
func (cs *ClockSync) ClientMicros() int64 {
	return time.Since(cs.start).Microseconds()
}

// Process feeds one exchange: t1 client send, t2 server receive, t3 server
// send, t4 client receive. It reports whether the sample was used.
func (cs *ClockSync) Process(t1, t2, t3, t4 int64) bool {
	rtt, measured := exchange(t1, t2, t3, t4)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if rtt < 0 || rtt > maxSampleRTT {
		cs.logger.Debug("discarding clock sample", zap.Int64("rtt_us", rtt))
		return false
	}

	switch cs.samples {
	case 0:
		cs.offset = measured
	case 1:
		if dt := float64(t4 - cs.lastClient); dt > 0 {
			cs.drift = float64(measured-cs.offset) / dt
		}
		cs.offset = measured
	default:
		dt := float64(t4 - cs.lastClient)
		if dt <= 0 {
			return false
		}
		predicted := cs.offset + int64(cs.drift*dt)
		residual := measured - predicted
		if residual > maxResidual || residual < -maxResidual {
			cs.logger.Debug("discarding clock sample", zap.Int64("residual_us", residual))
			return false
		}
		cs.offset = predicted + int64(cs.gain*float64(residual))
		cs.drift += cs.gain * float64(residual) / dt
	}

	cs.rtt = rtt
	cs.lastClient = t4
	cs.lastSync = time.Now()
	cs.samples++
	if rtt < goodRTT {
		cs.quality = ClockGood
	} else {
		cs.quality = ClockDegraded
	}

	if cs.samples <= 2 {
		cs.logger.Debug("clock sample accepted",
			zap.Int64("offset_us", cs.offset),
			zap.Float64("drift", cs.drift),
			zap.Int64("rtt_us", rtt))
	}
	return true
}

// exchange computes round trip and offset (positive when the server is ahead)
func exchange(t1, t2, t3, t4 int64) (rtt, offset int64) {
	rtt = (t4 - t1) - (t3 - t2)
	offset = ((t2 - t1) + (t3 - t4)) / 2
	return
}

// ServerMicros converts a client timestamp to server time
func (cs *ClockSync) ServerMicros(client int64) int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if cs.samples == 0 {
		return client
	}
	return client + cs.offset + int64(cs.drift*float64(client-cs.lastClient))
}

// Now returns the current server time estimate
func (cs *ClockSync) Now() int64 {
	return cs.ServerMicros(cs.ClientMicros())
}

// Stats returns the estimate, marking it lost when samples stopped arriving
func (cs *ClockSync) Stats() ClockStats {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.samples > 0 && time.Since(cs.lastSync) > clockStale {
		cs.quality = ClockLost
	}
	return ClockStats{
		Offset:  cs.offset,
		Drift:   cs.drift,
		RTT:     cs.rtt,
		Samples: cs.samples,
		Quality: cs.quality,
	}
}
