package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/workerpanel/internal/config"
	"github.com/loykin/workerpanel/internal/logger"
)

func main() {
	root := buildRoot(os.Stdin, os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once the root has loaded the config.
type app struct {
	flags  GlobalFlags
	cfg    *config.Config
	logs   io.Closer
	stdin  io.Reader
	stdout io.Writer
}

// buildRoot creates the command tree. in and out are the console streams.
func buildRoot(in io.Reader, out io.Writer) *cobra.Command {
	a := &app{stdin: in, stdout: out}
	root := createRootCommand(a)
	root.AddCommand(
		createRunCommand(a),
		createReapCommand(a),
		createSettingsCommand(a),
		createCtlCommand(a),
	)
	return root
}

// createRootCommand creates the root command with the persistent --config flag
// and loads config and logging before any subcommand runs.
func createRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "workerpanel",
		Short: "Control panel for a Python worker",
		Long: `workerpanel supervises a single Python worker process, tails its log file
and manages the worker's .env settings.

Examples:
  workerpanel run                         # interactive console
  workerpanel run --listen 127.0.0.1:8130 # console plus HTTP control API
  workerpanel reap                        # terminate leftover worker instances
  workerpanel ctl status                  # query a panel started with --listen
  workerpanel settings set SERVICE_PLATFORM=groq GROQ_API_KEY=gsk_...`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.PersistentFlags().StringVar(&a.flags.ConfigPath, "config", "", "path to TOML config file (default ./"+config.DefaultFileName+" when present)")
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	closer, err := logger.Setup(logger.Config{
		Level: cfg.PanelLog.Level,
		Color: cfg.PanelLog.Color,
		File:  cfg.PanelLog.File,
		Rotation: logger.Rotation{
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		},
	})
	if err != nil {
		return fmt.Errorf("error setting up logging: %w", err)
	}
	a.cfg, a.logs = cfg, closer
	if cfg.File != "" {
		slog.Debug("Loaded config", "file", cfg.File)
	}
	return nil
}

func (a *app) close() {
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}
