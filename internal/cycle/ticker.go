// ABOUTME: Timer-driven cycle source for machines without an audio device
// ABOUTME: Reads one period from the cycle reader on every tick and discards it
package cycle

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TickerDriver steps the transport from a ticker goroutine
type TickerDriver struct {
	reader    *Reader
	period    int
	frameRate uint32
	logger    *zap.Logger
	buf       []byte

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewTickerDriver creates a driver reading period frames every period/frameRate seconds
func NewTickerDriver(reader *Reader, period int, frameRate uint32, logger *zap.Logger) *TickerDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if period <= 0 {
		period = 256
	}
	return &TickerDriver{
		reader:    reader,
		period:    period,
		frameRate: frameRate,
		logger:    logger,
		buf:       make([]byte, period*reader.Channels()*BytesPerSample),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Interval returns the wall-clock length of one period
func (d *TickerDriver) Interval() time.Duration {
	return time.Duration(d.period) * time.Second / time.Duration(d.frameRate)
}

// Start launches the cycle loop
func (d *TickerDriver) Start() error {
	d.logger.Info("ticker driver starting",
		zap.Int("period", d.period),
		zap.Duration("interval", d.Interval()))
	go d.run()
	return nil
}

func (d *TickerDriver) run() {
	defer close(d.done)

	ticker := time.NewTicker(d.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := d.reader.Read(d.buf); err != nil {
				d.logger.Error("cycle failed", zap.Error(err))
			}
		case <-d.stopChan:
			d.logger.Info("ticker driver stopping")
			return
		}
	}
}

// Stop ends the loop and waits for the cycle in progress
func (d *TickerDriver) Stop() error {
	d.stopOnce.Do(func() {
		close(d.stopChan)
	})
	<-d.done
	return nil
}
