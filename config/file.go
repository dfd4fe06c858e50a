package config

// file.go - INI config file loading.
//
//	[relay]
//	control_addr  = 127.0.0.1:7070
//	pair_timeout  = 30s
//	local_dial    = eager
//	redis_url     = redis://localhost:6379/0
//
//	[listener.public]
//	bind_address = 0.0.0.0
//	port         = 9100
//
//	[tunnel.web]
//	server_host = relay.example.com
//	server_port = 9100
//	local_host  = 127.0.0.1
//	local_port  = 8080

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

const (
	listenerPrefix = "listener."
	tunnelPrefix   = "tunnel."
)

// LoadFile overlays the INI file at path onto cfg.  Keys that are absent
// leave the current value untouched.
func LoadFile(cfg *Config, path string) error {
	if err := loadINI(cfg, path); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// loadINI accepts anything ini.Load does: a file name or raw bytes.
func loadINI(cfg *Config, source interface{}) error {
	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, source)
	if err != nil {
		return err
	}

	relay := f.Section("relay")
	o := &cfg.Options
	setDuration(relay, "dial_timeout", &o.DialTimeout)
	setDuration(relay, "local_dial_timeout", &o.LocalDialTimeout)
	setDuration(relay, "classify_timeout", &o.ClassifyTimeout)
	setDuration(relay, "pair_timeout", &o.PairTimeout)
	setDuration(relay, "cancel_budget", &o.CancelBudget)
	setDuration(relay, "breaker_reset", &o.BreakerReset)
	setInt(relay, "max_handshake", &o.MaxHandshakeSize)
	setInt(relay, "breaker_failures", &o.BreakerFailures)
	setInt(relay, "tombstones", &o.TombstoneCap)
	if v := relay.Key("local_dial").String(); v != "" {
		o.LocalDial = DialMode(strings.ToLower(v))
	}
	setString(relay, "control_addr", &cfg.ControlAddr)
	setString(relay, "redis_url", &cfg.RedisURL)
	setString(relay, "redis_channel", &cfg.RedisChannel)
	setInt(relay, "verbose", &cfg.Verbose)
	if relay.HasKey("log_json") {
		cfg.LogJSON = relay.Key("log_json").MustBool(false)
	}

	for _, sec := range f.Sections() {
		name := sec.Name()
		switch {
		case strings.HasPrefix(name, listenerPrefix):
			cfg.Listeners = append(cfg.Listeners, ListenerConfig{
				Name:        strings.TrimPrefix(name, listenerPrefix),
				BindAddress: sec.Key("bind_address").String(),
				Port:        sec.Key("port").MustInt(0),
			})
		case strings.HasPrefix(name, tunnelPrefix):
			cfg.Tunnels = append(cfg.Tunnels, TunnelConfig{
				Name:       strings.TrimPrefix(name, tunnelPrefix),
				ServerHost: sec.Key("server_host").String(),
				ServerPort: sec.Key("server_port").MustInt(0),
				LocalHost:  sec.Key("local_host").MustString(DefaultLocalAddress),
				LocalPort:  sec.Key("local_port").MustInt(0),
			})
		}
	}
	return nil
}

func setString(sec *ini.Section, key string, dst *string) {
	if sec.HasKey(key) {
		*dst = sec.Key(key).String()
	}
}

func setInt(sec *ini.Section, key string, dst *int) {
	if sec.HasKey(key) {
		*dst = sec.Key(key).MustInt(*dst)
	}
}

func setDuration(sec *ini.Section, key string, dst *time.Duration) {
	if d := parseDuration(sec.Key(key).String()); d > 0 {
		*dst = d
	}
}
