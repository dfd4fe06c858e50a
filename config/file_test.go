package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleINI = `
[relay]
control_addr  = 127.0.0.1:7171
pair_timeout  = 12s
cancel_budget = 500ms
local_dial    = lazy
verbose       = 2
log_json      = true

[listener.public]
bind_address = 0.0.0.0
port         = 9100

[tunnel.web]
server_host = relay.example.com
server_port = 9100
local_port  = 8080
`

func TestLoadINI(t *testing.T) {
	cfg := &Config{Options: DefaultOptions()}
	if err := loadINI(cfg, []byte(sampleINI)); err != nil {
		t.Fatalf("loadINI: %v", err)
	}

	if cfg.ControlAddr != "127.0.0.1:7171" {
		t.Errorf("ControlAddr = %q", cfg.ControlAddr)
	}
	if cfg.Options.PairTimeout != 12*time.Second {
		t.Errorf("PairTimeout = %v", cfg.Options.PairTimeout)
	}
	if cfg.Options.CancelBudget != 500*time.Millisecond {
		t.Errorf("CancelBudget = %v", cfg.Options.CancelBudget)
	}
	if cfg.Options.DialTimeout != DefaultDialTimeout {
		t.Errorf("absent key changed DialTimeout to %v", cfg.Options.DialTimeout)
	}
	if cfg.Options.LocalDial != DialLazy {
		t.Errorf("LocalDial = %q", cfg.Options.LocalDial)
	}
	if cfg.Verbose != 2 || !cfg.LogJSON {
		t.Errorf("Verbose=%d LogJSON=%v", cfg.Verbose, cfg.LogJSON)
	}

	if len(cfg.Listeners) != 1 {
		t.Fatalf("listeners = %d, want 1", len(cfg.Listeners))
	}
	l := cfg.Listeners[0]
	if l.Name != "public" || l.BindAddress != "0.0.0.0" || l.Port != 9100 {
		t.Errorf("listener = %+v", l)
	}

	if len(cfg.Tunnels) != 1 {
		t.Fatalf("tunnels = %d, want 1", len(cfg.Tunnels))
	}
	tun := cfg.Tunnels[0]
	want := TunnelConfig{Name: "web", ServerHost: "relay.example.com", ServerPort: 9100, LocalHost: DefaultLocalAddress, LocalPort: 8080}
	if tun != want {
		t.Errorf("tunnel = %+v, want %+v", tun, want)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.ini")
	if err := os.WriteFile(path, []byte(sampleINI), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := &Config{}
	if err := LoadFile(cfg, path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(cfg.Tunnels) != 1 {
		t.Errorf("tunnels = %d, want 1", len(cfg.Tunnels))
	}
}

func TestLoadFile_Missing(t *testing.T) {
	cfg := &Config{}
	if err := LoadFile(cfg, filepath.Join(t.TempDir(), "nope.ini")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
