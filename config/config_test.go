package config

import (
	"strings"
	"testing"

	rerr "natrelay/internal/errors"
)

// ── TunnelConfig.Validate ────────────────────────────────────────────

func TestTunnelConfig_Validate(t *testing.T) {
	valid := TunnelConfig{ServerHost: "127.0.0.1", ServerPort: 9100, LocalHost: "127.0.0.1", LocalPort: 9200}

	tests := []struct {
		name      string
		mutate    func(*TunnelConfig)
		wantField string // "" means valid
	}{
		{"valid", func(*TunnelConfig) {}, ""},
		{"empty server host", func(c *TunnelConfig) { c.ServerHost = "" }, "serverHost"},
		{"blank server host", func(c *TunnelConfig) { c.ServerHost = "   " }, "serverHost"},
		{"server port zero", func(c *TunnelConfig) { c.ServerPort = 0 }, "serverPort"},
		{"server port negative", func(c *TunnelConfig) { c.ServerPort = -5 }, "serverPort"},
		{"server port too high", func(c *TunnelConfig) { c.ServerPort = 65536 }, "serverPort"},
		{"empty local host", func(c *TunnelConfig) { c.LocalHost = "" }, "localHost"},
		{"local host with slash", func(c *TunnelConfig) { c.LocalHost = "http://x" }, "localHost"},
		{"local port zero", func(c *TunnelConfig) { c.LocalPort = 0 }, "localPort"},
		{"local port too high", func(c *TunnelConfig) { c.LocalPort = 70000 }, "localPort"},
		{"boundary ports", func(c *TunnelConfig) { c.ServerPort = 1; c.LocalPort = 65535 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ce *rerr.ConfigError
			if !rerr.As(err, &ce) {
				t.Fatalf("error %v is not a ConfigError", err)
			}
			if ce.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ce.Field, tt.wantField)
			}
		})
	}
}

func TestTunnelConfig_Addrs(t *testing.T) {
	cfg := TunnelConfig{ServerHost: "relay.example.com", ServerPort: 9100, LocalHost: "::1", LocalPort: 22}
	if got := cfg.ServerAddr(); got != "relay.example.com:9100" {
		t.Errorf("ServerAddr = %q", got)
	}
	if got := cfg.LocalAddr(); got != "[::1]:22" {
		t.Errorf("LocalAddr = %q", got)
	}
}

// ── ListenerConfig.Validate ──────────────────────────────────────────

func TestListenerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ListenerConfig
		wantErr bool
	}{
		{"all interfaces", ListenerConfig{Port: 9100}, false},
		{"loopback", ListenerConfig{BindAddress: "127.0.0.1", Port: 9100}, false},
		{"no port", ListenerConfig{BindAddress: "127.0.0.1"}, true},
		{"port too high", ListenerConfig{Port: 100000}, true},
		{"whitespace bind", ListenerConfig{BindAddress: "0.0.0.0 1", Port: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

// ── Options ──────────────────────────────────────────────────────────

func TestOptions_WithDefaults(t *testing.T) {
	o := Options{PairTimeout: 7}.WithDefaults()
	if o.PairTimeout != 7 {
		t.Errorf("explicit PairTimeout overwritten: %v", o.PairTimeout)
	}
	if o.DialTimeout != DefaultDialTimeout {
		t.Errorf("DialTimeout = %v, want %v", o.DialTimeout, DefaultDialTimeout)
	}
	if o.LocalDial != DialEager {
		t.Errorf("LocalDial = %q, want %q", o.LocalDial, DialEager)
	}
	if o.TombstoneCap != DefaultTombstoneCap {
		t.Errorf("TombstoneCap = %d", o.TombstoneCap)
	}
}

func TestOptions_ValidateDialMode(t *testing.T) {
	if err := (Options{LocalDial: DialLazy}).Validate(); err != nil {
		t.Errorf("lazy should be valid: %v", err)
	}
	err := (Options{LocalDial: "sometimes"}).Validate()
	if err == nil || !strings.Contains(err.Error(), "hint:") {
		t.Errorf("expected error with hint, got %v", err)
	}
}

// ── Config.Validate ──────────────────────────────────────────────────

// TestValidate_ErrorMessages verifies that Validate returns actionable
// error messages.
func TestValidate_ErrorMessages(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantSub string
	}{
		{
			name:    "bad listener preset names it",
			cfg:     Config{Listeners: []ListenerConfig{{Name: "public"}}},
			wantSub: `listener "public"`,
		},
		{
			name:    "unnamed tunnel preset uses index",
			cfg:     Config{Tunnels: []TunnelConfig{{ServerHost: "x", ServerPort: 1, LocalHost: "y"}}},
			wantSub: "tunnel #1",
		},
		{
			name:    "redis channel without url has hint",
			cfg:     Config{RedisChannel: "events"},
			wantSub: "hint:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantSub)
			}
		})
	}
}

func TestValidate_Empty(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty config should be valid: %v", err)
	}
}
