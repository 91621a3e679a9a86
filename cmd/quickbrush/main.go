package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

// defaultConfigPath is read when --config is not given and the file exists.
const defaultConfigPath = "~/.config/quickbrush/config.yaml"

// Persistent flags shared by the daemon and the client subcommands.
var (
	flagConfigPath string
	flagLogLevel   string
	flagIPCSocket  string
)

// Daemon-only flags. They override config file values only when set.
var (
	flagDevices       []string
	flagHostWsURL     string
	flagHostTimeoutMS int
	flagMinSize       float64
	flagMaxSize       float64
	flagTapStep       float64
	flagGraceMS       int
	flagHoldMode      string
	flagStateWSPort   int
	flagSettingsDB    string
)

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "QuickBrush v%s\n", version)
	fmt.Fprintln(w, "Tap / rapid-tap / hold brush size shortcuts for painting hosts")
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "quickbrush",
		Short: "Brush size shortcut daemon",
		Long: `quickbrush watches keyboard shortcuts (Linux input devices or IPC) and turns
taps, rapid taps and holds into brush size changes sent to the painting host
bridge over WebSocket.

Requires read access to the input devices (run as root or add the user to the
'input' group).`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemonCmd,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfigPath, "config", "", "YAML config file (default "+defaultConfigPath+" if present)")
	pf.StringVar(&flagLogLevel, "log-level", "info", "log level: error, warn, info, debug")
	pf.StringVar(&flagIPCSocket, "ipc-socket", defaultIPCSocket, "Unix domain socket path for IPC")

	f := rootCmd.Flags()
	f.StringSliceVar(&flagDevices, "device", nil, "Linux input event device (repeatable, e.g. /dev/input/event3)")
	f.StringVar(&flagHostWsURL, "host-ws-url", defaultHostWsURL, "host bridge websocket URL")
	f.IntVar(&flagHostTimeoutMS, "host-timeout-ms", defaultReadTimeoutMS, "timeout in milliseconds for host bridge responses")
	f.Float64Var(&flagMinSize, "min-size", defaultMinSize, "minimum brush size")
	f.Float64Var(&flagMaxSize, "max-size", defaultMaxSize, "maximum brush size")
	f.Float64Var(&flagTapStep, "tap-step", defaultTapStep, "brush size change per tap")
	f.IntVar(&flagGraceMS, "grace-ms", int(defaultGrace.Milliseconds()), "press duration in milliseconds after which a press becomes a hold")
	f.StringVar(&flagHoldMode, "hold-mode", string(HoldModeConstant), "hold mode: constant|accelerating")
	f.IntVar(&flagStateWSPort, "state-ws-port", defaultStateWSPort, "state websocket port (0 disables)")
	f.StringVar(&flagSettingsDB, "settings-db", defaultSettingsDB, "SQLite settings database (empty disables persistence)")

	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newSettingsCmd())
	rootCmd.AddCommand(newStateCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// loadConfig layers defaults, the config file and changed flags, then validates.
func loadConfig(cmd *cobra.Command) (Config, error) {
	cfg := DefaultConfig()

	path := flagConfigPath
	if path == "" {
		if _, err := os.Stat(ExpandPath(defaultConfigPath)); err == nil {
			path = defaultConfigPath
		}
	}
	if path != "" {
		loaded, err := LoadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}

	flagOverrides(cmd).Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// flagOverrides collects the flags the user actually set.
func flagOverrides(cmd *cobra.Command) FlagOverrides {
	var o FlagOverrides
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}

	if changed("device") {
		o.InputDevices = &flagDevices
	}
	if changed("host-ws-url") {
		o.HostWsURL = &flagHostWsURL
	}
	if changed("host-timeout-ms") {
		o.HostTimeoutMS = &flagHostTimeoutMS
	}
	if changed("min-size") {
		o.HostMinSize = &flagMinSize
	}
	if changed("max-size") {
		o.HostMaxSize = &flagMaxSize
	}
	if changed("tap-step") {
		o.TapStep = &flagTapStep
	}
	if changed("grace-ms") {
		o.GraceMS = &flagGraceMS
	}
	if changed("hold-mode") {
		o.HoldMode = &flagHoldMode
	}
	if changed("ipc-socket") {
		o.IPCSocketPath = &flagIPCSocket
	}
	if changed("state-ws-port") {
		o.StateWSPort = &flagStateWSPort
	}
	if changed("settings-db") {
		o.SettingsDBPath = &flagSettingsDB
	}
	if changed("log-level") {
		o.LogLevel = &flagLogLevel
	}
	return o
}

// ============================================================================
// Daemon
// ============================================================================
//
// Goroutines, all under one errgroup context:
//   - runDaemon: single owner of DaemonState
//   - runIPCServer: key events and settings from local clients
//   - Hub.Run + RunBroadcaster + runStateWSServer: state websocket
//   - superviseInputReaders: evdev devices (optional)
//
// Everything communicates with the daemon through the events channel.
// ============================================================================

func runDaemonCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, logLevel, "daemon")

	km, err := NewKeyMap(cfg.Input.GrowKeys, cfg.Input.ShrinkKeys)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Central command bus.
	events := make(chan Event, 64)

	var store SettingsStore
	if cfg.Settings.DBPath != "" {
		dbPath := ExpandPath(cfg.Settings.DBPath)
		st, err := OpenSettingsStore(dbPath)
		if err != nil {
			return fmt.Errorf("open settings store %s: %w", dbPath, err)
		}
		defer func() {
			if cerr := st.Close(); cerr != nil {
				logger.Warn("failed to close settings store", "error", cerr)
			}
		}()
		store = st
	}

	notify := func(c ClassifierConfig) {
		select {
		case events <- SettingsChanged{Config: c}:
		case <-ctx.Done():
		}
	}
	settings, err := NewSettings(ctx, cfg.ToClassifierConfig(logger), store, notify, logger)
	if err != nil {
		return err
	}

	host, err := NewHostClient(cfg.ToHostClientConfig(), logger)
	if err != nil {
		return fmt.Errorf("host bridge: %w", err)
	}
	defer host.Close()

	logger.Debug("starting quickbrush", "version", version)
	logger.Debug("configuration",
		"input_devices", cfg.Input.Devices,
		"grow_keys", cfg.Input.GrowKeys,
		"shrink_keys", cfg.Input.ShrinkKeys,
		"host_ws_url", cfg.Host.WsURL,
		"host_timeout_ms", cfg.Host.TimeoutMS,
		"min_size", cfg.Host.MinSize,
		"max_size", cfg.Host.MaxSize,
		"max_unchanged", cfg.Classifier.MaxUnchanged,
		"ipc_socket", cfg.IPC.SocketPath,
		"state_ws_port", cfg.StateWS.Port,
		"settings_db", cfg.Settings.DBPath,
		"settings", settings.All(),
	)

	g, gctx := errgroup.WithContext(ctx)

	var broadcasts chan StateBroadcast
	if cfg.StateWS.Port > 0 {
		broadcasts = make(chan StateBroadcast, 256)
		srv := NewStateServer(logger, events, HubConfig{})
		g.Go(func() error {
			srv.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, srv.Hub(), broadcasts, logger)
			return nil
		})
		g.Go(func() error {
			return runStateWSServer(gctx, cfg.StateWS.Port, defaultStateWSPath, srv, logger)
		})
	}

	rcfg := cfg.ToReducerConfig(settings.Config())
	g.Go(func() error {
		// broadcasts is nil when the state websocket is disabled.
		runDaemon(gctx, events, host, rcfg, NewDaemonState(), broadcasts, logger)
		return nil
	})

	g.Go(func() error {
		if err := runIPCServer(gctx, cfg.IPC.SocketPath, events, settings, logger); err != nil {
			return fmt.Errorf("IPC server: %w", err)
		}
		return nil
	})

	if len(cfg.Input.Devices) > 0 {
		g.Go(func() error {
			return superviseInputReaders(gctx, cfg.Input.Devices, km, events, inputRetryDelay, logger)
		})
	} else {
		logger.Info("no input devices configured; accepting key events over IPC only")
	}

	logger.Info("listening",
		"input_devices", len(cfg.Input.Devices),
		"ipc", cfg.IPC.SocketPath,
		"host_ws", cfg.Host.WsURL,
		"state_ws_port", cfg.StateWS.Port,
	)

	err = g.Wait()
	logger.Info("shutting down")
	if err != nil && !errors.Is(err, ctx.Err()) {
		return err
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

// clientLogger is used by the client subcommands.
func clientLogger() *slog.Logger {
	level, err := parseLogLevel(flagLogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return newLogger(os.Stderr, level, "client")
}

// socketPath resolves the IPC socket for client subcommands: the flag if set,
// otherwise the config file value.
func socketPath(cmd *cobra.Command) string {
	if f := cmd.Flags().Lookup("ipc-socket"); f != nil && f.Changed {
		return flagIPCSocket
	}
	path := flagConfigPath
	if path == "" {
		if _, err := os.Stat(ExpandPath(defaultConfigPath)); err != nil {
			return flagIPCSocket
		}
		path = defaultConfigPath
	}
	cfg, err := LoadConfigFile(path)
	if err != nil || cfg.IPC.SocketPath == "" {
		return flagIPCSocket
	}
	return cfg.IPC.SocketPath
}
