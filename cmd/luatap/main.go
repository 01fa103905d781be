// Package main is a demo driver for the luatap debugger: it loads a Lua
// script, applies breakpoint commands, runs the script, and prints every
// breakpoint event. Commands arrive as one JSON document per line on
// stdin or via -command flags; events go to stdout and, optionally, to a
// WebSocket controller.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/luatap/internal/breakpoint"
	"github.com/dshills/luatap/internal/capture"
	"github.com/dshills/luatap/internal/control"
	"github.com/dshills/luatap/internal/debugger"
	"github.com/dshills/luatap/internal/host"
	"github.com/dshills/luatap/internal/logging"
	"github.com/dshills/luatap/internal/transport"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

type options struct {
	strategy    string
	logLevel    string
	forwardURL  string
	commands    multiFlag
	readStdin   bool
	showMetrics bool
	script      string
}

type multiFlag []string

func (m *multiFlag) String() string { return fmt.Sprint(*m) }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(opts.logLevel),
		Output: os.Stderr,
		Prefix: "luatap",
	})

	source, err := os.ReadFile(opts.script)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: read script: %v\n", err)
		return 1
	}
	routine := opts.script

	rt := host.NewRuntime()
	defer rt.Close()
	if _, err := rt.Load(routine, string(source)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: load script: %v\n", err)
		return 1
	}

	cfg := debugger.DefaultConfig()
	cfg.Strategy = debugger.Strategy(opts.strategy)
	tbl, err := debugger.New(rt, cfg, debugger.WithLogger(log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer tbl.Close()

	var fwd *transport.Forwarder
	if opts.forwardURL != "" {
		fwd = transport.NewForwarder(opts.forwardURL, transport.WithLogger(log))
		if _, err := fwd.AttachBus(tbl.Events(), capture.DefaultLimits); err != nil {
			fmt.Fprintf(os.Stderr, "Error: attach forwarder: %v\n", err)
			return 1
		}
		fwd.Start()
		defer fwd.Stop()
		log.Info("forwarding events to %s as agent %s", opts.forwardURL, fwd.AgentID())
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	onEvent := func(n breakpoint.Notification) {
		payload := control.EncodeNotification("local", n, capture.DefaultLimits)
		fmt.Fprintf(out, "%s\n", payload)
	}
	ctl := control.NewController(tbl, onEvent, log)

	for _, raw := range opts.commands {
		fmt.Fprintf(out, "%s\n", ctl.Apply([]byte(raw)))
	}
	if opts.readStdin {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			fmt.Fprintf(out, "%s\n", ctl.Apply(line))
		}
		if err := sc.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: read commands: %v\n", err)
			return 1
		}
	}
	out.Flush()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		tbl.Close()
		rt.Close()
		os.Exit(1)
	}()

	if err := rt.Run(routine); err != nil {
		fmt.Fprintf(os.Stderr, "Error: run script: %v\n", err)
		return 1
	}

	if opts.showMetrics {
		fmt.Fprintf(out, "%s\n", ctl.Apply([]byte(`{"op":"metrics"}`)))
	}
	return 0
}

func parseFlags() options {
	var opts options
	var showVersion bool

	flag.StringVar(&opts.strategy, "strategy", "patched", "Injection strategy (patched, trace)")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&opts.forwardURL, "forward", "", "WebSocket URL to forward events to")
	flag.Var(&opts.commands, "command", "Breakpoint command as JSON (repeatable)")
	flag.BoolVar(&opts.readStdin, "stdin", false, "Read additional commands from stdin before running")
	flag.BoolVar(&opts.showMetrics, "metrics", false, "Print a metrics snapshot after the run")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "luatap - in-process Lua breakpoint agent\n\n")
		fmt.Fprintf(os.Stderr, "Usage: luatap [options] script.lua\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, `  luatap -command '{"op":"set","location":{"routine":"demo.lua","line":3},"condition":"i > 2"}' demo.lua`+"\n")
		fmt.Fprintf(os.Stderr, "  luatap -strategy trace -metrics demo.lua\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("luatap %s (%s)\n", version, commit)
		os.Exit(0)
	}

	switch opts.logLevel {
	case "debug", "info", "warn", "error":
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q (must be debug, info, warn, or error)\n", opts.logLevel)
		os.Exit(1)
	}

	switch opts.strategy {
	case "patched", "trace":
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid strategy %q (must be patched or trace)\n", opts.strategy)
		os.Exit(1)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	opts.script = flag.Arg(0)
	return opts
}
