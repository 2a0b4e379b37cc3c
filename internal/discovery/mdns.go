// ABOUTME: mDNS discovery of transport servers
// ABOUTME: Servers advertise their control endpoint, monitors browse for it
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

const (
	// Service is the DNS-SD type advertised by transport servers
	Service = "_resonate-transport._tcp"

	// DefaultPath is advertised when Config.Path is empty
	DefaultPath = "/transport"

	queryWindow = 3 * time.Second
)

// Config holds discovery configuration
type Config struct {
	ServiceName string // instance name shown to browsers
	Port        int
	Path        string // websocket path carried in the TXT record
	Logger      *zap.Logger
}

// ServerInfo describes a discovered server
type ServerInfo struct {
	Name string
	Host string
	Port int
	Path string
}

// Addr returns host:port
func (s *ServerInfo) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the websocket URL of the control endpoint
func (s *ServerInfo) URL() string {
	return "ws://" + s.Addr() + s.Path
}

// Manager advertises or browses until Stop
type Manager struct {
	config Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	server  *mdns.Server
	servers chan *ServerInfo
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:  config,
		logger:  config.Logger,
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
	}
}

// Advertise announces the endpoint until Stop
func (m *Manager) Advertise() error {
	ips, err := localIPv4s()
	if err != nil {
		return fmt.Errorf("list local addresses: %w", err)
	}

	zone, err := mdns.NewMDNSService(m.config.ServiceName, Service, "", "", m.config.Port, ips, txtRecord(m.config.Path))
	if err != nil {
		return fmt.Errorf("create mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return fmt.Errorf("start mdns responder: %w", err)
	}

	m.mu.Lock()
	m.server = server
	m.mu.Unlock()

	m.logger.Info("advertising transport server",
		zap.String("name", m.config.ServiceName),
		zap.Int("port", m.config.Port),
		zap.Int("addresses", len(ips)))
	return nil
}

// Browse queries for servers in the background, repeating every query window
func (m *Manager) Browse() error {
	go func() {
		for m.ctx.Err() == nil {
			m.query()
		}
	}()
	return nil
}

func (m *Manager) query() {
	entries := make(chan *mdns.ServiceEntry, 10)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			info, ok := entryInfo(entry)
			if !ok {
				continue
			}
			m.logger.Debug("discovered transport server", zap.String("name", info.Name), zap.String("addr", info.Addr()))
			select {
			case m.servers <- info:
			case <-m.ctx.Done():
			}
		}
	}()

	params := &mdns.QueryParam{
		Service:     Service,
		Domain:      "local",
		Timeout:     queryWindow,
		Entries:     entries,
		DisableIPv6: true,
	}
	if err := mdns.Query(params); err != nil {
		m.logger.Debug("mdns query failed", zap.Error(err))
		// avoid spinning when the network is unavailable
		select {
		case <-time.After(queryWindow):
		case <-m.ctx.Done():
		}
	}
	close(entries)
	<-done
}

// Servers delivers discovered servers
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Stop ends browsing and withdraws the advertisement
func (m *Manager) Stop() {
	m.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server != nil {
		if err := m.server.Shutdown(); err != nil {
			m.logger.Debug("mdns shutdown failed", zap.Error(err))
		}
		m.server = nil
	}
}

// Discover browses until the first server answers or ctx ends
func Discover(ctx context.Context, logger *zap.Logger) (*ServerInfo, error) {
	m := NewManager(Config{Logger: logger})
	defer m.Stop()

	if err := m.Browse(); err != nil {
		return nil, err
	}
	select {
	case info := <-m.Servers():
		return info, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("no transport server found: %w", ctx.Err())
	}
}

func txtRecord(path string) []string {
	return []string{"path=" + path}
}

// entryInfo converts a browse answer, skipping entries without an IPv4 address
func entryInfo(entry *mdns.ServiceEntry) (*ServerInfo, bool) {
	if entry == nil || entry.AddrV4 == nil {
		return nil, false
	}
	info := &ServerInfo{
		Name: strings.TrimSuffix(entry.Name, "."+Service+".local."),
		Host: entry.AddrV4.String(),
		Port: entry.Port,
		Path: DefaultPath,
	}
	for _, field := range entry.InfoFields {
		if key, value, ok := strings.Cut(field, "="); ok && key == "path" && strings.HasPrefix(value, "/") {
			info.Path = value
		}
	}
	return info, true
}

// localIPv4s lists the non-loopback IPv4 addresses of up interfaces
func localIPv4s() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ip := usableIPv4(addr); ip != nil {
				ips = append(ips, ip)
			}
		}
	}
	return ips, nil
}

func usableIPv4(addr net.Addr) net.IP {
	ipnet, ok := addr.(*net.IPNet)
	if !ok || ipnet.IP.IsLoopback() {
		return nil
	}
	return ipnet.IP.To4()
}
