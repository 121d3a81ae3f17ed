package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"insomnia/internal/permissions"
	"insomnia/internal/prefs"
)

const version = "1.0.0"

var (
	flagConfig   string
	flagSocket   string
	flagLogLevel string
	flagUIListen string
	flagJSON     bool
	flagRaw      bool
)

var rootCmd = &cobra.Command{
	Use:   "insomnia",
	Short: "Keep the machine awake on demand",
	Long: `insomnia keeps the machine from sleeping while it is activated.

The daemon owns the keep-awake status and reconciles it with manual toggles,
the global hotkey, idle and lock state, in-progress downloads and battery
events. The other subcommands talk to a running daemon over its Unix socket.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", DefaultConfigPath(), "Path to YAML config file")
	pf.StringVar(&flagSocket, "socket", "", "Unix domain socket path for IPC (overrides config)")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: error, warn, info, debug (overrides config)")

	daemonCmd.Flags().StringVar(&flagUIListen, "ui-listen", "", "UI websocket listen address, empty string disables (overrides config)")
	statusCmd.Flags().BoolVar(&flagJSON, "json", false, "Print the full state as JSON")
	prefsGetCmd.Flags().BoolVar(&flagJSON, "json", false, "Print preferences as JSON")
	watchCmd.Flags().BoolVar(&flagRaw, "raw", false, "Print frames as received")

	prefsCmd.AddCommand(prefsGetCmd, prefsSetCmd)
	permissionsCmd.AddCommand(permRequestCmd, permRemoveCmd, permListCmd)
	rootCmd.AddCommand(daemonCmd, onCmd, offCmd, toggleCmd, statusCmd, prefsCmd,
		permissionsCmd, popupCmd, watchCmd, versionCmd)
}

// loadConfig applies defaults, the config file and flag overrides, then
// validates the result.
func loadConfig(cmd *cobra.Command) (Config, error) {
	explicit := cmd.Flags().Changed("config")
	cfg, err := LoadConfig(flagConfig, explicit)
	if err != nil {
		return Config{}, err
	}

	var o FlagOverrides
	if flagSocket != "" {
		o.IPCSocketPath = &flagSocket
	}
	if flagLogLevel != "" {
		o.LogLevel = &flagLogLevel
	}
	if f := cmd.Flags().Lookup("ui-listen"); f != nil && f.Changed {
		o.UIListen = &flagUIListen
	}
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	level, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		level = LogLevelInfo
	}
	return setupLogger(level, w)
}

// clientFor loads the config and returns an IPC client for the daemon.
func clientFor(cmd *cobra.Command) (ipcClient, Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return ipcClient{}, Config{}, err
	}
	return ipcClient{socket: ExpandPath(cfg.IPC.SocketPath)}, cfg, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the insomnia daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg, os.Stdout)
		logger.Debug("starting insomnia", "version", version, "config", flagConfig)

		ctx, stop := signalContext()
		defer stop()
		return runDaemonCommand(ctx, cfg, logger)
	},
}

var onCmd = &cobra.Command{
	Use:   "on",
	Short: "Activate: keep the machine awake",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := clientFor(cmd)
		if err != nil {
			return err
		}
		return c.SetAwake(true)
	},
}

var offCmd = &cobra.Command{
	Use:   "off",
	Short: "Deactivate: let the machine sleep",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := clientFor(cmd)
		if err != nil {
			return err
		}
		return c.SetAwake(false)
	},
}

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Flip the keep-awake status (same as the hotkey)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := clientFor(cmd)
		if err != nil {
			return err
		}
		return c.Toggle()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's current state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := clientFor(cmd)
		if err != nil {
			return err
		}
		snap, err := c.Status()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flagJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		printStatus(out, snap)
		return nil
	},
}

func printStatus(w io.Writer, s StateSnapshot) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "status:\t%s\n", awakeWord(s.Awake))
	if s.Awake && s.AwakeCausedByDownload {
		fmt.Fprintf(tw, "reason:\tdownload in progress\n")
	}
	if s.LastCause != "" {
		fmt.Fprintf(tw, "last change:\t%s at %s\n", s.LastCause, s.ChangedAt.Local().Format("15:04:05"))
	}
	fmt.Fprintf(tw, "idle:\t%s\n", s.Idle)
	fmt.Fprintf(tw, "downloads:\t%d in progress\n", s.Downloads)
	fmt.Fprintf(tw, "battery:\t%s\n", describeBattery(s.Battery))
	fmt.Fprintf(tw, "granted:\t%v\n", s.Granted)
	_ = tw.Flush()
}

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Read or change preferences",
}

var prefsGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print preferences",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := clientFor(cmd)
		if err != nil {
			return err
		}
		entries, err := c.Preferences()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			k := prefs.Key(args[0])
			if !prefs.Known(k) {
				return fmt.Errorf("unknown preference %q", k)
			}
			for _, e := range entries {
				if e.Key == k {
					fmt.Fprintln(cmd.OutOrStdout(), e.Value)
				}
			}
			return nil
		}
		return printPreferences(cmd.OutOrStdout(), entries, flagJSON)
	},
}

func printPreferences(w io.Writer, entries []PreferenceEntry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		if e.RequiredCapability != "" {
			fmt.Fprintf(tw, "%s\t%t\t(needs %s)\n", e.Key, e.Value, e.RequiredCapability)
			continue
		}
		fmt.Fprintf(tw, "%s\t%t\n", e.Key, e.Value)
	}
	return tw.Flush()
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <key> <true|false>",
	Short: "Change one preference",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		k := prefs.Key(args[0])
		if !prefs.Known(k) {
			return fmt.Errorf("unknown preference %q (known: %v)", k, prefs.Keys())
		}
		v, err := strconv.ParseBool(args[1])
		if err != nil {
			return fmt.Errorf("value must be true or false: %w", err)
		}
		c, _, err := clientFor(cmd)
		if err != nil {
			return err
		}
		entries, err := c.SetPreference(k, v)
		if err != nil {
			return err
		}
		return printPreferences(cmd.OutOrStdout(), entries, false)
	},
}

var permissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "Manage capabilities gating optional features",
}

var permRequestCmd = &cobra.Command{
	Use:   "request <capability>",
	Short: "Grant a capability if the host allows it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := clientFor(cmd)
		if err != nil {
			return err
		}
		granted, err := c.RequestPermission(permissions.Capability(args[0]))
		if err != nil {
			return err
		}
		if !granted {
			return fmt.Errorf("%s was not granted", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s granted\n", args[0])
		return nil
	},
}

var permRemoveCmd = &cobra.Command{
	Use:   "remove <capability>",
	Short: "Revoke a capability",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := clientFor(cmd)
		if err != nil {
			return err
		}
		if _, err := c.RemovePermission(permissions.Capability(args[0])); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s removed\n", args[0])
		return nil
	},
}

var permListCmd = &cobra.Command{
	Use:   "list",
	Short: "List granted capabilities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := clientFor(cmd)
		if err != nil {
			return err
		}
		list, err := c.Permissions()
		if err != nil {
			return err
		}
		for _, p := range list {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

var popupCmd = &cobra.Command{
	Use:   "popup",
	Short: "Interactive status and preferences panel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := clientFor(cmd)
		if err != nil {
			return err
		}
		_, err = tea.NewProgram(NewPopupModel(c)).Run()
		return err
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow state changes from the daemon's UI websocket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.UI.Listen == "" {
			return fmt.Errorf("ui.listen is disabled in the config")
		}
		ctx, stop := signalContext()
		defer stop()
		return runWatch(ctx, uiWSURL(cfg.UI.Listen), cmd.OutOrStdout(), flagRaw, newLogger(cfg, os.Stderr))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of insomnia",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "insomnia v%s\n", version)
	},
}
