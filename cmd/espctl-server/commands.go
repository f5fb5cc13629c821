package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/espctl/internal/config"
	"github.com/muurk/espctl/internal/console"
	"github.com/muurk/espctl/internal/discovery"
	"github.com/muurk/espctl/internal/server"
)

// Server command flags
var (
	configPath       string
	host             string
	port             int
	poolSize         int
	logLevel         string
	deviceLogDir     string
	dispatch         string
	resultOrder      string
	noStreamFlag     bool
	handshakeTimeout time.Duration
	advertise        bool
	operatorAddr     string
	consoleMode      bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the control server",
	Long: `Start the control server and accept device connections.

Settings are read from the configuration file (see 'espctl-server config init')
and any flag given on the command line overrides the file.`,
	Example: `  # Listen on the default port 80 with default settings
  espctl-server server

  # Custom port with per-device logs and the operator API
  espctl-server server --port 9000 --device-log-dir ./logs --operator-addr :8080

  # Interactive console
  espctl-server server --console

  # Report protocol misuse instead of ignoring it
  espctl-server server --dispatch strict --result-order fifo`,
	RunE: runServer,
}

func init() {
	f := serverCmd.Flags()
	f.StringVar(&configPath, "config", "", "Configuration file (default: $XDG_CONFIG_HOME/espctl/config.yaml)")
	f.StringVar(&host, "host", "", "Listen address (empty = all interfaces)")
	f.IntVar(&port, "port", config.DefaultPort, "Device listener port")
	f.IntVar(&poolSize, "pool-size", config.DefaultPoolSize, "Maximum number of concurrently running device loops")
	f.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&deviceLogDir, "device-log-dir", "", "Directory for per-device Client_<id>.txt logs (disabled if empty)")
	f.StringVar(&dispatch, "dispatch", "permissive", "Command dispatch policy (permissive, strict)")
	f.StringVar(&resultOrder, "result-order", config.DefaultResultOrder, "Order results are returned in (lifo, fifo)")
	f.BoolVar(&noStreamFlag, "no-stream-flag", false, "Treat the identifier's high bit as part of the id instead of a streaming flag")
	f.DurationVar(&handshakeTimeout, "handshake-timeout", 0, "Deadline for a device handshake (0 = none)")
	f.BoolVar(&advertise, "advertise", false, "Announce the server over mDNS")
	f.StringVar(&operatorAddr, "operator-addr", "", "Address for the HTTP/WebSocket operator API (disabled if empty)")
	f.BoolVar(&consoleMode, "console", false, "Run the interactive console")
}

// applyFlags overrides file values with the flags given on the command line.
func applyFlags(cmd *cobra.Command, file *config.File) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		file.Server.Host = host
	}
	if flags.Changed("port") {
		file.Server.Port = port
	}
	if flags.Changed("pool-size") {
		file.Server.PoolSize = poolSize
	}
	if flags.Changed("handshake-timeout") {
		file.Server.HandshakeTimeout = handshakeTimeout
	}
	if flags.Changed("log-level") {
		file.Logging.Level = logLevel
	}
	if flags.Changed("device-log-dir") {
		file.Logging.DeviceLogDir = deviceLogDir
	}
	if flags.Changed("dispatch") {
		file.Protocol.Dispatch = dispatch
	}
	if flags.Changed("result-order") {
		file.Protocol.ResultOrder = resultOrder
	}
	if flags.Changed("no-stream-flag") {
		file.Protocol.StreamFlag = !noStreamFlag
	}
	if flags.Changed("advertise") {
		file.Discovery.Advertise = advertise
	}
	if flags.Changed("operator-addr") {
		file.Operator.Addr = operatorAddr
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	file, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, file)
	if err := file.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if consoleMode {
		if !console.IsTerminal() {
			return fmt.Errorf("--console requires an interactive terminal")
		}
		// Log lines would tear through the console
		if !cmd.Flags().Changed("log-level") {
			file.Logging.Level = ""
		}
	}

	cfg, err := server.ConfigFromFile(file)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if !consoleMode {
		return srv.Start()
	}
	return runConsole(srv)
}

// runConsole serves devices in the background while the console owns the
// terminal. Leaving the console shuts the server down.
func runConsole(srv *server.Server) error {
	ln, err := srv.Listen()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)

	served := make(chan error, 1)
	go func() {
		served <- srv.RunListener(ctx, ln)
	}()

	consoleErr := console.Run(srv)
	cancel()
	return errors.Join(consoleErr, <-served)
}

// Scan command
var (
	scanTimeout  int
	scanInstance string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for control servers on the network",
	Long: `Scan for running control servers using mDNS/DNS-SD discovery.

Servers started with --advertise announce themselves as _espctl._tcp.`,
	Example: `  # Scan for 5 seconds (default)
  espctl-server scan

  # Longer scan
  espctl-server scan --timeout 15

  # Wait for one server and print its address
  espctl-server scan --instance bench`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().IntVar(&scanTimeout, "timeout", int(discovery.DefaultScanTimeout/time.Second), "Scan timeout in seconds")
	scanCmd.Flags().StringVar(&scanInstance, "instance", "", "Stop at the first server with this instance name")
}

func runScan(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	timeout := time.Duration(scanTimeout) * time.Second

	if scanInstance != "" {
		fmt.Fprintf(out, "Waiting for server %q (timeout: %ds)...\n\n", scanInstance, scanTimeout)

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		scanner := discovery.NewScanner()
		scanner.Timeout = timeout
		srv, err := scanner.WaitFor(ctx, scanInstance)
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		printServers(out, []*discovery.Server{srv})
		return nil
	}

	fmt.Fprintf(out, "Scanning for control servers (timeout: %ds)...\n\n", scanTimeout)

	servers, err := discovery.ScanForServers(timeout)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if len(servers) == 0 {
		fmt.Fprintln(out, "No servers found.")
		fmt.Fprintln(out, "\nTroubleshooting:")
		fmt.Fprintln(out, "  - Start the server with --advertise")
		fmt.Fprintln(out, "  - Check that multicast (UDP 5353) is allowed")
		fmt.Fprintln(out, "  - Try increasing --timeout")
		return nil
	}

	fmt.Fprintf(out, "Found %d server(s):\n\n", len(servers))
	printServers(out, servers)
	return nil
}

func printServers(w io.Writer, servers []*discovery.Server) {
	for i, s := range servers {
		fmt.Fprintf(w, "%d. %s\n", i+1, s.Instance)
		fmt.Fprintf(w, "   Host:    %s\n", s.Host)
		fmt.Fprintf(w, "   Address: %s\n", s.Addr())
		if len(s.Metadata) > 0 {
			fmt.Fprintf(w, "   Metadata: %v\n", s.Metadata)
		}
		fmt.Fprintln(w)
	}
}

// Config command
var (
	configInitPath  string
	configInitForce bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with default values",
	RunE:  runConfigInit,
}

func init() {
	configInitCmd.Flags().StringVar(&configInitPath, "path", "", "Where to write the file (default: $XDG_CONFIG_HOME/espctl/config.yaml)")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configInitPath
	if path == "" {
		var err error
		if path, err = config.GetConfigPath(); err != nil {
			return err
		}
	}

	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
