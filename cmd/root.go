// Package cmd wires up the CLI flags and dispatches to the session core.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"sockbridge/config"
	"sockbridge/internal/core"
	"sockbridge/internal/transport"
	"sockbridge/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X sockbridge/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// stdout is where informational output (--version, --dry-run,
// --list-ports) goes.  Replaced in tests.
var stdout io.Writer = os.Stdout //nolint:gochecknoglobals

// Execute parses args and runs the selected sockbridge mode.
func Execute(ctx context.Context, args []string) error {
	cfg := config.Defaults()
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("sockbridge", flag.ContinueOnError)

	// ── socket ───────────────────────────────────────────────────
	fs.StringVarP(&cfg.Transport, "transport", "t", cfg.Transport, "Socket transport: rfcomm, serial, tcp, ssh, pipe")
	fs.StringVar(&cfg.Service, "service", cfg.Service, "RFCOMM service UUID (default Serial Port Profile)")
	fs.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "Skip link authentication and encryption")
	fs.IntVar(&cfg.ReadBufferSize, "read-buffer", cfg.ReadBufferSize, "Read buffer size in bytes")
	fs.IntVar(&cfg.BaudRate, "baud", cfg.BaudRate, "Baud rate for serial sockets")
	fs.StringVar(&cfg.Adapter, "adapter", cfg.Adapter, "BlueZ adapter")
	fs.IntVarP(&cfg.LocalPort, "port", "p", cfg.LocalPort, "Local source port for tcp")

	timeoutSec := int(cfg.Timeout / time.Second)
	fs.IntVarP(&timeoutSec, "timeout", "w", timeoutSec, "Connect timeout in seconds (0 = none)")

	// ── reconnect ────────────────────────────────────────────────
	fs.IntVar(&cfg.ConnectAttempts, "retries", cfg.ConnectAttempts, "Connect attempts before giving up")
	fs.BoolVar(&cfg.AutoReconnect, "auto-reconnect", cfg.AutoReconnect, "Reconnect after the connection is lost (with --serve)")
	fs.IntVar(&cfg.MaxReconnectAttempts, "max-reconnect", cfg.MaxReconnectAttempts, "Reconnect attempts per outage (0 = unlimited)")

	// ── host bridge ──────────────────────────────────────────────
	fs.StringVar(&cfg.Serve, "serve", cfg.Serve, "Serve the session over WebSocket on addr")
	fs.Lookup("serve").NoOptDefVal = config.DefaultServeAddr
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "Record session events in a SQLite file (with --serve)")

	// ── execution ────────────────────────────────────────────────
	fs.StringVarP(&cfg.Execute, "exec", "e", cfg.Execute, "Execute program after connect")
	fs.StringVarP(&cfg.Command, "command", "c", cfg.Command, "Execute shell command after connect")
	lingerSec := int(cfg.Linger / time.Second)
	fs.IntVarP(&lingerSec, "quit-after", "q", lingerSec, "Seconds to wait after stdin EOF (0 = until the peer closes)")

	// ── SSH gateway ──────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "SSH gateway [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")

	var showVersion, showHelp, dryRun, listPorts bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate the configuration and exit")
	fs.BoolVar(&listPorts, "list-ports", false, "List serial devices and exit")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "sockbridge %s\n", version)
		return nil
	}
	if listPorts {
		return printPorts()
	}

	if fs.Changed("timeout") {
		cfg.Timeout = time.Duration(timeoutSec) * time.Second
	}
	if fs.Changed("quit-after") {
		cfg.Linger = time.Duration(lingerSec) * time.Second
	}

	// ── positional arguments ─────────────────────────────────────
	switch rest := fs.Args(); len(rest) {
	case 0: // SOCKBRIDGE_ADDRESS, or none for pipe
	case 1:
		cfg.Address = rest[0]
	default:
		return fmt.Errorf("too many arguments: %v", rest)
	}

	// ── tunnel spec ──────────────────────────────────────────────
	if cfg.TunnelSpec != "" {
		user, host, port, err := config.ParseTunnelSpec(cfg.TunnelSpec)
		if err != nil {
			return fmt.Errorf("tunnel: %w", err)
		}
		cfg.TunnelUser = user
		cfg.TunnelHost = host
		cfg.TunnelPort = port
		if !fs.Changed("transport") || cfg.Kind() == transport.KindTCP {
			cfg.Transport = string(transport.KindSSH)
		}
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := util.NewLogger(cfg.Verbose)
	defer logger.Sync() //nolint:errcheck

	if dryRun {
		printPlan(cfg)
		return nil
	}

	mode, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	return mode.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

func printPlan(cfg *config.Config) {
	params, _ := cfg.Params()
	fmt.Fprintf(stdout, "socket:   %s (read buffer %d, timeout %v)\n", params, cfg.ReadBufferSize, cfg.Timeout)
	if cfg.TunnelHost != "" {
		fmt.Fprintf(stdout, "gateway:  %s\n", util.FormatAddr(cfg.TunnelHost, cfg.TunnelPort))
	}
	switch {
	case cfg.Serve != "":
		fmt.Fprintf(stdout, "mode:     bridge on %s (auto-reconnect %v)\n", cfg.Serve, cfg.AutoReconnect)
		if cfg.JournalPath != "" {
			fmt.Fprintf(stdout, "journal:  %s\n", cfg.JournalPath)
		}
	case cfg.Execute != "":
		fmt.Fprintf(stdout, "mode:     exec %s\n", cfg.Execute)
	case cfg.Command != "":
		fmt.Fprintf(stdout, "mode:     command %q\n", cfg.Command)
	default:
		fmt.Fprintln(stdout, "mode:     relay stdio")
	}
}

func printPorts() error {
	ports, err := transport.ListPorts()
	if err != nil {
		return fmt.Errorf("list ports: %w", err)
	}
	for _, p := range ports {
		fmt.Fprintln(stdout, p)
	}
	return nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `sockbridge – managed stream sockets v%s

Connects one RFCOMM, serial or TCP socket and relays it to stdio, a
program, or WebSocket clients.

Usage:
  sockbridge [options] <address>                     Relay stdio
  sockbridge -e <prog> [options] <address>           Run a program on the socket
  sockbridge --serve[=addr] [options] <address>      Serve to WebSocket clients

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  sockbridge 00:11:22:33:44:55                       RFCOMM to the SPP service
  sockbridge -t serial --baud 9600 /dev/rfcomm0      Bound rfcomm tty
  sockbridge -t tcp example.com:7000                 TLS stream
  sockbridge -T admin@gateway device-host:7000       Through an SSH gateway
  sockbridge --serve --auto-reconnect --journal ev.db 00:11:22:33:44:55
`)
}
