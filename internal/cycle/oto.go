// ABOUTME: Audio device cycle source built on oto
// ABOUTME: The device's pull goroutine becomes the transport's realtime thread
package cycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

// OtoConfig configures the audio device
type OtoConfig struct {
	FrameRate uint32
	Channels  int
	Period    int // frames per cycle, sizes the player buffer
}

// OtoDriver plays the cycle reader on the default audio device
type OtoDriver struct {
	config OtoConfig
	reader *Reader
	logger *zap.Logger

	mu     sync.Mutex
	ctx    *oto.Context
	player *oto.Player
}

// NewOtoDriver creates a device driver for reader
func NewOtoDriver(config OtoConfig, reader *Reader, logger *zap.Logger) *OtoDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Channels <= 0 {
		config.Channels = reader.Channels()
	}
	if config.Period <= 0 {
		config.Period = 256
	}
	return &OtoDriver{config: config, reader: reader, logger: logger}
}

// Start opens the device and begins pulling cycles. oto allows one context per process.
func (d *OtoDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.player != nil {
		return nil
	}
	if d.config.Channels != d.reader.Channels() {
		return fmt.Errorf("device channels %d do not match reader channels %d",
			d.config.Channels, d.reader.Channels())
	}

	if d.ctx == nil {
		bufferTime := time.Duration(d.config.Period) * time.Second / time.Duration(d.config.FrameRate)
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   int(d.config.FrameRate),
			ChannelCount: d.config.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   bufferTime,
		})
		if err != nil {
			return fmt.Errorf("failed to create oto context: %w", err)
		}
		<-ready
		d.ctx = ctx
	} else if err := d.ctx.Resume(); err != nil {
		return fmt.Errorf("failed to resume audio device: %w", err)
	}

	player := d.ctx.NewPlayer(d.reader)
	player.SetBufferSize(d.config.Period * d.config.Channels * BytesPerSample)
	player.Play()

	d.player = player

	d.logger.Info("audio device driver started",
		zap.Uint32("frame_rate", d.config.FrameRate),
		zap.Int("channels", d.config.Channels),
		zap.Int("period", d.config.Period))
	return nil
}

// Stop closes the player and suspends the device
func (d *OtoDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.player == nil {
		return nil
	}
	if err := d.player.Close(); err != nil {
		d.logger.Warn("player close failed", zap.Error(err))
	}
	d.player = nil

	if err := d.ctx.Suspend(); err != nil {
		return fmt.Errorf("failed to suspend audio device: %w", err)
	}
	d.logger.Info("audio device driver stopped")
	return nil
}
