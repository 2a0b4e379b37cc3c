// ABOUTME: Tests for mDNS discovery helpers
// ABOUTME: Covers defaults, browse answer conversion and address filtering
package discovery

import (
	"context"
	"net"
	"testing"

	"github.com/hashicorp/mdns"
)

func TestNewManagerDefaults(t *testing.T) {
	mgr := NewManager(Config{ServiceName: "Test Transport", Port: 8928})
	defer mgr.Stop()

	if mgr.config.Path != DefaultPath {
		t.Errorf("expected default path %s, got %s", DefaultPath, mgr.config.Path)
	}
	if mgr.logger == nil {
		t.Error("expected a nop logger")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	mgr := NewManager(Config{})
	mgr.Stop()
	mgr.Stop()
}

func TestEntryInfo(t *testing.T) {
	tests := []struct {
		name  string
		entry *mdns.ServiceEntry
		ok    bool
		want  ServerInfo
	}{
		{"nil", nil, false, ServerInfo{}},
		{"ipv6 only", &mdns.ServiceEntry{Name: "x", AddrV6: net.ParseIP("::1"), Port: 1}, false, ServerInfo{}},
		{
			"with path",
			&mdns.ServiceEntry{
				Name:       "Studio A._resonate-transport._tcp.local.",
				AddrV4:     net.ParseIP("192.168.1.20"),
				Port:       8928,
				InfoFields: []string{"path=/custom"},
			},
			true,
			ServerInfo{Name: "Studio A", Host: "192.168.1.20", Port: 8928, Path: "/custom"},
		},
		{
			"bad path ignored",
			&mdns.ServiceEntry{
				Name:       "Studio B",
				AddrV4:     net.ParseIP("10.0.0.5"),
				Port:       9000,
				InfoFields: []string{"path=nope", "other=1"},
			},
			true,
			ServerInfo{Name: "Studio B", Host: "10.0.0.5", Port: 9000, Path: DefaultPath},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := entryInfo(tt.entry)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && *info != tt.want {
				t.Errorf("got %+v, want %+v", *info, tt.want)
			}
		})
	}
}

func TestServerInfoURL(t *testing.T) {
	info := &ServerInfo{Host: "192.168.1.20", Port: 8928, Path: "/transport"}
	if got := info.Addr(); got != "192.168.1.20:8928" {
		t.Errorf("unexpected addr %s", got)
	}
	if got := info.URL(); got != "ws://192.168.1.20:8928/transport" {
		t.Errorf("unexpected url %s", got)
	}
}

func TestUsableIPv4(t *testing.T) {
	tests := []struct {
		addr net.Addr
		want string
	}{
		{&net.IPNet{IP: net.ParseIP("192.168.1.20"), Mask: net.CIDRMask(24, 32)}, "192.168.1.20"},
		{&net.IPNet{IP: net.ParseIP("127.0.0.1"), Mask: net.CIDRMask(8, 32)}, ""},
		{&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)}, ""},
		{&net.IPAddr{IP: net.ParseIP("10.0.0.1")}, ""},
	}
	for _, tt := range tests {
		got := usableIPv4(tt.addr)
		if (got == nil && tt.want != "") || (got != nil && got.String() != tt.want) {
			t.Errorf("usableIPv4(%v) = %v, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestTXTRecord(t *testing.T) {
	txt := txtRecord("/transport")
	if len(txt) != 1 || txt[0] != "path=/transport" {
		t.Errorf("unexpected txt %v", txt)
	}
}

func TestDiscoverHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Discover(ctx, nil); err == nil {
		t.Error("expected an error from a cancelled discovery")
	}
}
