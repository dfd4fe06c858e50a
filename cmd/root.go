// Package cmd wires up the CLI flags and dispatches to the relay core.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"

	"natrelay/config"
	rerr "natrelay/internal/errors"
	"natrelay/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X natrelay/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// cliFlags holds flags that do not map onto config.Config directly.
type cliFlags struct {
	configPath string
	bind       string
	port       int
	server     string
	local      string
	pool       int
	verbose    int
	dryRun     bool
	help       bool
}

// Execute parses args and runs the selected subcommand.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	name, rest := args[0], args[1:]
	switch name {
	case "-h", "--help", "help":
		printUsage()
		return nil
	case "version", "--version":
		fmt.Printf("natrelay %s\n", version)
		return nil
	case "listen", "tunnel", "serve":
	default:
		return fmt.Errorf("unknown command %q (use --help for usage)", name)
	}

	cfg, f, err := parse(name, rest)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if f.help {
		return nil
	}

	// ── assemble presets ─────────────────────────────────────────
	switch name {
	case "listen":
		cfg.Listeners = append(cfg.Listeners, config.ListenerConfig{BindAddress: f.bind, Port: f.port})
	case "tunnel":
		t, err := tunnelFromFlags(f)
		if err != nil {
			return err
		}
		cfg.Tunnels = append(cfg.Tunnels, t)
	case "serve":
		if cfg.ControlAddr == "" {
			cfg.ControlAddr = config.DefaultControlAddr
		}
	}
	if cfg.RedisURL != "" && cfg.RedisChannel == "" {
		cfg.RedisChannel = config.DefaultRedisChannel
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}
	if f.dryRun {
		printPlan(cfg, f.pool)
		return nil
	}

	logger := util.NewLogger(cfg.Verbose)
	if cfg.LogJSON {
		logger.SetJSON(true)
	}
	return run(ctx, cfg, f.pool, logger)
}

// parse applies defaults, the config file, the environment and finally
// the command-line flags, in increasing order of precedence.
func parse(name string, args []string) (*config.Config, *cliFlags, error) {
	// First pass only locates --config; errors surface in the second.
	probe := &cliFlags{}
	pfs := newFlagSet(name, &config.Config{Options: config.DefaultOptions()}, probe)
	pfs.Usage = func() {}
	pfs.SetOutput(io.Discard)
	_ = pfs.Parse(args)

	cfg := &config.Config{Options: config.DefaultOptions()}
	if probe.configPath != "" {
		if err := config.LoadFile(cfg, probe.configPath); err != nil {
			return nil, nil, err
		}
	}
	config.LoadFromEnv(cfg)

	f := &cliFlags{}
	fs := newFlagSet(name, cfg, f)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if f.help {
		fs.Usage()
		return cfg, f, nil
	}
	if fs.NArg() > 0 {
		return nil, nil, fmt.Errorf("%s: unexpected argument %q", name, fs.Arg(0))
	}
	if f.verbose > 0 {
		cfg.Verbose = f.verbose
	}
	cfg.Options.LocalDial = config.DialMode(strings.ToLower(string(cfg.Options.LocalDial)))
	return cfg, f, nil
}

// newFlagSet binds every flag of the subcommand.  Defaults are the
// current values of cfg, so flags only override what was set explicitly.
func newFlagSet(name string, cfg *config.Config, f *cliFlags) *flag.FlagSet {
	fs := flag.NewFlagSet("natrelay "+name, flag.ContinueOnError)
	o := &cfg.Options

	switch name {
	case "listen":
		fs.StringVarP(&f.bind, "bind", "b", "", "Bind address (default all interfaces)")
		fs.IntVarP(&f.port, "port", "p", config.DefaultListenPort, "Relay port")
	case "tunnel":
		fs.StringVarP(&f.server, "server", "s", "", "Relay server as host:port (required)")
		fs.StringVarP(&f.local, "local", "L", "", "Local service as [host:]port (required)")
		fs.IntVar(&f.pool, "pool", 1, "Connector sessions kept open for the relay")
		fs.StringVar((*string)(&o.LocalDial), "local-dial", string(o.LocalDial), `When to dial the local service: "eager" or "lazy"`)
		fs.DurationVar(&o.DialTimeout, "dial-timeout", o.DialTimeout, "Timeout dialling the relay")
	case "serve":
		fs.StringVar(&f.configPath, "config", "", "INI config file with [relay], [listener.*] and [tunnel.*] sections")
		fs.IntVar(&f.pool, "pool", 1, "Connector sessions kept open per configured tunnel")
	}

	// ── relay ────────────────────────────────────────────────────
	if name != "serve" {
		fs.StringVar(&f.configPath, "config", "", "INI config file")
	}
	fs.DurationVar(&o.PairTimeout, "pair-timeout", o.PairTimeout, "How long a peer waits for a tunnel")
	fs.DurationVar(&o.ClassifyTimeout, "classify-timeout", o.ClassifyTimeout, "Silence before a connection counts as a peer")
	fs.DurationVar(&o.CancelBudget, "cancel-budget", o.CancelBudget, "How long a stop waits for the pump")

	// ── control / notifications ──────────────────────────────────
	fs.StringVar(&cfg.ControlAddr, "control", cfg.ControlAddr, "Serve the HTTP control API on this address")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Publish session events to Redis")
	fs.StringVar(&cfg.RedisChannel, "redis-channel", cfg.RedisChannel, "Redis channel for session events")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&f.verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "Log JSON lines")
	fs.BoolVar(&f.dryRun, "dry-run", false, "Validate the configuration and exit")
	fs.BoolVarP(&f.help, "help", "h", false, "Show this help")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: natrelay %s [options]\n\nOptions:\n", name)
		fs.PrintDefaults()
	}
	return fs
}

// tunnelFromFlags builds the tunnel config from --server and --local.
func tunnelFromFlags(f *cliFlags) (config.TunnelConfig, error) {
	var t config.TunnelConfig
	if f.server == "" {
		return t, &rerr.ConfigError{Field: "server", Message: "is required", Hint: "pass --server relay.example.com:9000"}
	}
	host, port, err := util.SplitAddr(f.server)
	if err != nil {
		return t, &rerr.ConfigError{Field: "server", Value: f.server, Message: err.Error()}
	}
	t.ServerHost, t.ServerPort = host, port

	if f.local == "" {
		return t, &rerr.ConfigError{Field: "local", Message: "is required", Hint: "pass --local 22 or --local 127.0.0.1:22"}
	}
	if p, err := strconv.Atoi(f.local); err == nil {
		t.LocalHost, t.LocalPort = config.DefaultLocalAddress, p
		return t, nil
	}
	host, port, err = util.SplitAddr(f.local)
	if err != nil {
		return t, &rerr.ConfigError{Field: "local", Value: f.local, Message: err.Error()}
	}
	t.LocalHost, t.LocalPort = host, port
	return t, nil
}

// ── output helpers ───────────────────────────────────────────────────

func printPlan(cfg *config.Config, pool int) {
	for _, l := range cfg.Listeners {
		fmt.Printf("listener  %s\n", l.Addr())
	}
	for _, t := range cfg.Tunnels {
		fmt.Printf("tunnel    %s -> %s (pool %d)\n", t.ServerAddr(), t.LocalAddr(), max(pool, 1))
	}
	if cfg.ControlAddr != "" {
		fmt.Printf("control   http://%s\n", cfg.ControlAddr)
	}
	if cfg.RedisURL != "" {
		fmt.Printf("redis     %s (%s)\n", cfg.RedisURL, cfg.RedisChannel)
	}
	fmt.Printf("options   pair-timeout=%v classify-timeout=%v local-dial=%s\n",
		cfg.Options.PairTimeout, cfg.Options.ClassifyTimeout, cfg.Options.LocalDial)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `natrelay - TCP relay for services behind NAT v%s

Usage:
  natrelay listen [-b addr] [-p port] [options]          Run a relay listener
  natrelay tunnel -s host:port -L [host:]port [options]  Expose a local service through a relay
  natrelay serve [--config file] [options]               Run presets and the control API
  natrelay version

Run "natrelay <command> --help" for the options of a command.

Examples:
  natrelay listen -p 9000                                Relay on all interfaces, port 9000
  natrelay tunnel -s relay.example.com:9000 -L 22        Expose local SSH via the relay
  natrelay tunnel -s relay:9000 -L 8080 --pool 4         Keep 4 tunnels ready for peers
  natrelay serve --config /etc/natrelay.ini -v           Presets + API on %s
`, version, config.DefaultControlAddr)
}
