// ABOUTME: Entry point for the showtime transport monitor
// ABOUTME: Connects to a transport server directly or via mDNS and shows its position
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/resonate-transport/internal/config"
	"github.com/Resonate-Protocol/resonate-transport/internal/discovery"
	"github.com/Resonate-Protocol/resonate-transport/internal/observability"
	"github.com/Resonate-Protocol/resonate-transport/internal/ui"
	"github.com/Resonate-Protocol/resonate-transport/internal/version"
	"github.com/Resonate-Protocol/resonate-transport/pkg/protocol"
)

var (
	serverAddr = flag.String("server", "", "Server address host:port (default: discover via mDNS)")
	name       = flag.String("name", "", "Client name (default: hostname-showtime)")
	plain      = flag.Bool("plain", false, "Print a status line every interval instead of the TUI")
	interval   = flag.Duration("interval", ui.DefaultInterval, "Plain mode print interval")
	logFile    = flag.String("log-file", "showtime.log", "Log file path used while the TUI owns the terminal")
	discover   = flag.Duration("discover", 5*time.Second, "How long to browse mDNS for a server")
)

func main() {
	flag.Parse()

	logCfg := config.Default().Log
	logCfg.Level = "warn"
	if !*plain {
		logCfg.Outputs = []string{*logFile}
	}
	logger, err := observability.SetupLogger(logCfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	addr, path := *serverAddr, protocol.DefaultPath
	if addr == "" {
		fmt.Fprintln(os.Stderr, "Discovering transport servers...")
		ctx, cancel := context.WithTimeout(context.Background(), *discover)
		info, err := discovery.Discover(ctx, logger)
		cancel()
		if err != nil {
			fail("discovery: %v", err)
		}
		fmt.Fprintf(os.Stderr, "Found %s at %s\n", info.Name, info.URL())
		addr, path = info.Addr(), info.Path
	}

	clientName := *name
	if clientName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		clientName = fmt.Sprintf("%s-showtime", hostname)
	}

	client := protocol.NewClient(protocol.Config{
		ServerAddr: addr,
		Path:       path,
		Name:       clientName,
		Roles:      []string{protocol.RoleController, protocol.RoleMonitor},
		DeviceInfo: &protocol.DeviceInfo{
			ProductName:     "showtime",
			Manufacturer:    version.Manufacturer,
			SoftwareVersion: version.Version,
		},
		Logger: logger,
	})
	if err := client.Connect(); err != nil {
		fail("connect to %s: %v", addr, err)
	}
	defer client.Close()

	hello := client.Hello()
	remote := ui.NewRemote(client)

	if *plain {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		fmt.Fprintf(os.Stderr, "connected to %s (%d Hz)\n", hello.Name, hello.FrameRate)
		if err := ui.RunPlain(ctx, remote, os.Stdout, *interval); err != nil {
			fail("showtime: %v", err)
		}
		return
	}

	if err := ui.Run(remote, fmt.Sprintf("showtime: %s", hello.Name)); err != nil {
		fail("showtime: %v", err)
	}
}

// fail reports on stderr since stdlib log now goes to the log file
func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
