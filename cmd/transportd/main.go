// ABOUTME: Entry point for the transport daemon
// ABOUTME: Wires config, logging, controller, metronome, file follower, cycle driver and server
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Resonate-Protocol/resonate-transport/internal/config"
	"github.com/Resonate-Protocol/resonate-transport/internal/cycle"
	"github.com/Resonate-Protocol/resonate-transport/internal/follower"
	"github.com/Resonate-Protocol/resonate-transport/internal/metronome"
	"github.com/Resonate-Protocol/resonate-transport/internal/observability"
	"github.com/Resonate-Protocol/resonate-transport/internal/version"
	"github.com/Resonate-Protocol/resonate-transport/pkg/server"
	"github.com/Resonate-Protocol/resonate-transport/pkg/transport"
)

var (
	configPath = flag.String("config", "", "Path to transportd.yaml (default: search . ./configs ~/.resonate-transport)")
	file       = flag.String("file", "", "Audio file to play as a slow-sync follower (MP3, FLAC)")
	port       = flag.Int("port", 0, "WebSocket server port (overrides config)")
	noMDNS     = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	autoStart  = flag.Bool("start", false, "Start the transport immediately")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *file != "" {
		cfg.Follower.File = *file
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *noMDNS {
		cfg.Server.MDNS = false
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("transportd failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting "+version.String(),
		zap.Uint32("frame_rate", cfg.Engine.FrameRate),
		zap.Uint32("period", cfg.Engine.PeriodFrames),
		zap.String("driver", cfg.Engine.Driver))

	ctrl := transport.New(transport.Config{
		FrameRate:         cfg.Engine.FrameRate,
		SyncTimeoutFrames: cfg.Engine.SyncTimeoutFrames,
		Logger:            logger.Named("transport"),
	})

	var renderers []cycle.Renderer

	if cfg.Metronome.Enabled {
		met, err := metronome.New(metronome.Config{
			BPM:          cfg.Metronome.BPM,
			BeatsPerBar:  cfg.Metronome.BeatsPerBar,
			BeatType:     cfg.Metronome.BeatType,
			TicksPerBeat: cfg.Metronome.TicksPerBeat,
		})
		if err != nil {
			return fmt.Errorf("metronome: %w", err)
		}
		if err := ctrl.ClaimTimebase(false, met.Timebase()); err != nil {
			return fmt.Errorf("claim timebase: %w", err)
		}
		if cfg.Metronome.Click > 0 {
			renderers = append(renderers, metronome.NewClick(cfg.Metronome.Click))
		}
	}

	if cfg.Follower.File != "" {
		source, err := follower.Open(cfg.Follower.File)
		if err != nil {
			return fmt.Errorf("open %s: %w", cfg.Follower.File, err)
		}
		if source.SampleRate() != int(cfg.Engine.FrameRate) {
			logger.Warn("file rate differs from engine rate, playback speed will be off",
				zap.Int("file_rate", source.SampleRate()),
				zap.Uint32("engine_rate", cfg.Engine.FrameRate))
		}

		player := follower.NewPlayer(source, follower.Config{
			Channels: cfg.Engine.Channels,
			Logger:   logger.Named("follower"),
		})
		player.Start()
		defer player.Stop()

		id := ctrl.RegisterSync(player.Sync)
		defer ctrl.UnregisterSync(id)
		renderers = append(renderers, player)
		logger.Info("file follower registered", zap.String("file", cfg.Follower.File))
	}

	period := int(cfg.Engine.PeriodFrames)
	reader := cycle.NewReader(ctrl, cfg.Engine.Channels, period, renderers...)

	var driver cycle.Driver
	switch cfg.Engine.Driver {
	case config.DriverOto:
		driver = cycle.NewOtoDriver(cycle.OtoConfig{
			FrameRate: cfg.Engine.FrameRate,
			Channels:  cfg.Engine.Channels,
			Period:    period,
		}, reader, logger.Named("cycle"))
	default:
		driver = cycle.NewTickerDriver(reader, period, cfg.Engine.FrameRate, logger.Named("cycle"))
	}
	if err := driver.Start(); err != nil {
		return fmt.Errorf("start %s driver: %w", cfg.Engine.Driver, err)
	}
	defer driver.Stop()

	if *autoStart {
		ctrl.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if !cfg.Server.Enabled {
		sig := <-sigChan
		logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
		return nil
	}

	srv, err := server.New(server.Config{
		Port:              cfg.Server.Port,
		Name:              cfg.Server.Name,
		Controller:        ctrl,
		EnableMDNS:        cfg.Server.MDNS,
		BroadcastInterval: cfg.Server.BroadcastInterval,
		Logger:            logger.Named("server"),
	})
	if err != nil {
		return err
	}

	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
		srv.Stop()
	}()

	return srv.Start()
}
