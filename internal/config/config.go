// ABOUTME: YAML configuration for the transport daemon loaded through viper
// ABOUTME: Defaults, file search, RESONATE_TRANSPORT_* environment overrides and validation
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. RESONATE_TRANSPORT_ENGINE_FRAME_RATE=44100
const EnvPrefix = "RESONATE_TRANSPORT"

// Cycle drivers
const (
	DriverTicker = "ticker"
	DriverOto    = "oto"
)

// Config is the root configuration
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Metronome MetronomeConfig `mapstructure:"metronome"`
	Follower  FollowerConfig  `mapstructure:"follower"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

// EngineConfig sizes the processing cycle
type EngineConfig struct {
	FrameRate         uint32 `mapstructure:"frame_rate"`
	PeriodFrames      uint32 `mapstructure:"period_frames"`
	SyncTimeoutFrames uint32 `mapstructure:"sync_timeout_frames"`
	// Driver: ticker or oto
	Driver   string `mapstructure:"driver"`
	Channels int    `mapstructure:"channels"`
}

// MetronomeConfig enables the built-in timebase authority
type MetronomeConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	BPM          float64 `mapstructure:"bpm"`
	BeatsPerBar  float32 `mapstructure:"beats_per_bar"`
	BeatType     float32 `mapstructure:"beat_type"`
	TicksPerBeat float64 `mapstructure:"ticks_per_beat"`
	// Click gain in 0..1, zero disables the audible click
	Click float64 `mapstructure:"click"`
}

// FollowerConfig plays a file as a slow-sync follower when File is set
type FollowerConfig struct {
	File string `mapstructure:"file"`
}

// ServerConfig controls the remote control endpoint
type ServerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Port              int           `mapstructure:"port"`
	Name              string        `mapstructure:"name"`
	MDNS              bool          `mapstructure:"mdns"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
}

// LogConfig defines logger settings
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls rotation for file outputs
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with defaults
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			FrameRate:    48000,
			PeriodFrames: 512,
			Driver:       DriverTicker,
			Channels:     2,
		},
		Metronome: MetronomeConfig{
			Enabled:      true,
			BPM:          120,
			BeatsPerBar:  4,
			BeatType:     4,
			TicksPerBeat: 1920,
		},
		Server: ServerConfig{
			Enabled:           true,
			Port:              8928,
			Name:              "Resonate Transport",
			MDNS:              true,
			BroadcastInterval: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/transportd.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path, or from transportd.yaml in the usual
// places when path is empty. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("transportd")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".resonate-transport"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seed every key so env-only overrides are picked up by Unmarshal
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("engine.frame_rate", cfg.Engine.FrameRate)
	v.SetDefault("engine.period_frames", cfg.Engine.PeriodFrames)
	v.SetDefault("engine.sync_timeout_frames", cfg.Engine.SyncTimeoutFrames)
	v.SetDefault("engine.driver", cfg.Engine.Driver)
	v.SetDefault("engine.channels", cfg.Engine.Channels)

	v.SetDefault("metronome.enabled", cfg.Metronome.Enabled)
	v.SetDefault("metronome.bpm", cfg.Metronome.BPM)
	v.SetDefault("metronome.beats_per_bar", cfg.Metronome.BeatsPerBar)
	v.SetDefault("metronome.beat_type", cfg.Metronome.BeatType)
	v.SetDefault("metronome.ticks_per_beat", cfg.Metronome.TicksPerBeat)
	v.SetDefault("metronome.click", cfg.Metronome.Click)

	v.SetDefault("follower.file", cfg.Follower.File)

	v.SetDefault("server.enabled", cfg.Server.Enabled)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.name", cfg.Server.Name)
	v.SetDefault("server.mdns", cfg.Server.MDNS)
	v.SetDefault("server.broadcast_interval", cfg.Server.BroadcastInterval)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if c.Engine.FrameRate == 0 {
		return errors.New("engine.frame_rate must be positive")
	}
	if c.Engine.PeriodFrames == 0 {
		return errors.New("engine.period_frames must be positive")
	}
	if c.Engine.Channels < 1 || c.Engine.Channels > 2 {
		return fmt.Errorf("engine.channels must be 1 or 2, got %d", c.Engine.Channels)
	}
	c.Engine.Driver = strings.ToLower(strings.TrimSpace(c.Engine.Driver))
	switch c.Engine.Driver {
	case DriverTicker, DriverOto:
	default:
		return fmt.Errorf("invalid engine.driver: %q", c.Engine.Driver)
	}

	if c.Metronome.Enabled {
		if c.Metronome.BPM <= 0 || c.Metronome.BeatsPerBar <= 0 || c.Metronome.BeatType <= 0 || c.Metronome.TicksPerBeat <= 0 {
			return errors.New("metronome bpm, beats_per_bar, beat_type and ticks_per_beat must be positive")
		}
		if c.Metronome.Click < 0 || c.Metronome.Click > 1 {
			return fmt.Errorf("metronome.click must be within 0..1, got %g", c.Metronome.Click)
		}
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Server.BroadcastInterval <= 0 {
		c.Server.BroadcastInterval = 100 * time.Millisecond
	}
	return nil
}
