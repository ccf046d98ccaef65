package config

import (
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func write(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tunstackd.toml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tun.Name != "tun0" || cfg.Stack.Addr != "192.168.168.10" {
		t.Errorf("tun/stack defaults: %+v %+v", cfg.Tun, cfg.Stack)
	}
	if cfg.Stack.RxQueue != 2048 || cfg.Stack.RecvQueue != 128 || cfg.Stack.ReassemblyTimeout != time.Minute {
		t.Errorf("queue/timeout defaults: %+v", cfg.Stack)
	}
	if !cfg.Verify() {
		t.Error("checksum verification off by default")
	}
	if got := cfg.SocketPath(); got != "/run/tunstackd/master.socket" {
		t.Errorf("SocketPath() = %q", got)
	}
	if cfg.Control.FDStart != 4096 || cfg.Control.FDCount != 1024 {
		t.Errorf("fd range = %d/%d", cfg.Control.FDStart, cfg.Control.FDCount)
	}
}

func TestLoadFile(t *testing.T) {
	p := write(t, `
[tun]
name = "stk1"
addr = "10.9.0.1/24"
routes = ["10.10.0.0/16"]

[stack]
addr = "10.9.0.2"
reassembly_timeout = "5s"
verify_checksum = false

[control]
socket_dir = "/tmp/stk"

[log]
level = "debug"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tun.Name != "stk1" || len(cfg.Tun.Routes) != 1 {
		t.Errorf("tun = %+v", cfg.Tun)
	}
	if cfg.StackAddr().String() != "10.9.0.2" || cfg.Stack.ReassemblyTimeout != 5*time.Second {
		t.Errorf("stack = %+v", cfg.Stack)
	}
	if cfg.Verify() {
		t.Error("verify_checksum = false ignored")
	}
	if cfg.SocketPath() != "/tmp/stk/master.socket" {
		t.Errorf("SocketPath() = %q", cfg.SocketPath())
	}
	if cfg.LogLevel() != slog.LevelDebug {
		t.Errorf("level = %q", cfg.Log.Level)
	}
	if diff := cmp.Diff([]netip.Prefix{netip.MustParsePrefix("10.10.0.0/16")}, cfg.RoutePrefixes()); diff != "" {
		t.Errorf("routes (-want +got):\n%s", diff)
	}
	if got := cfg.TunPrefix(); got != netip.MustParsePrefix("10.9.0.1/24") {
		t.Errorf("TunPrefix() = %v", got)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name, body, want string
	}{
		{"unknown key", "[stack]\nbogus = 1\n", "unknown key"},
		{"ipv6 stack", "[stack]\naddr = \"fd00::1\"\n", "IPv4 only"},
		{"bad prefix", "[tun]\naddr = \"10.0.0.1\"\n", "tun.addr"},
		{"ipv6 tun", "[tun]\naddr = \"fd00::1/64\"\n", "tun.addr: IPv4 only"},
		{"stack outside subnet", "[stack]\naddr = \"10.0.0.2\"\n", "outside tun.addr 192.168.168.0/24"},
		{"stack is kernel side", "[stack]\naddr = \"192.168.168.8\"\n", "taken by the kernel side"},
		{"bad route", "[tun]\nroutes = [\"10.10.0.0\"]\n", "tun.routes"},
		{"ipv6 route", "[tun]\nroutes = [\"fd00::/8\"]\n", "IPv4 only"},
		{"log level", "[log]\nlevel = \"loud\"\n", "log.level"},
		{"mtu", "[tun]\nlink_mtu = 100\n", "link_mtu"},
		{"socket name", "[control]\nsocket_name = \"a/b\"\n", "socket_name"},
		{"syntax", "[tun\n", "config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(write(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "WARNING": slog.LevelWarn, "warn": slog.LevelWarn,
		"error": slog.LevelError, "info+2": slog.LevelInfo + 2,
	} {
		if got, err := ParseLevel(in); err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("nonsense"); err == nil {
		t.Error("ParseLevel accepted an unknown level")
	}
}
