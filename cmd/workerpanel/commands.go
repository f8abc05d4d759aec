package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/workerpanel/internal/config"
	"github.com/loykin/workerpanel/internal/detector"
	"github.com/loykin/workerpanel/internal/history"
	"github.com/loykin/workerpanel/internal/history/factory"
	"github.com/loykin/workerpanel/internal/metrics"
	"github.com/loykin/workerpanel/internal/panel"
	"github.com/loykin/workerpanel/internal/process"
	"github.com/loykin/workerpanel/internal/server"
	"github.com/loykin/workerpanel/internal/supervisor"
	paneltls "github.com/loykin/workerpanel/internal/tls"
	"github.com/loykin/workerpanel/pkg/client"
)

const shutdownTimeout = 5 * time.Second

// createRunCommand creates the interactive panel command.
func createRunCommand(a *app) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open the panel: tail the log and control the worker from the console",
		Long: `Open a panel session. The log file is reset, leftover worker instances are
terminated and the log is followed on stdout. Type "help" for console commands.

Examples:
  workerpanel run
  workerpanel run --listen 127.0.0.1:8130
  workerpanel run --no-console --listen :8130   # service mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			in := a.stdin
			if flags.NoConsole {
				in = nil
			}
			return runPanel(ctx, a.cfg, *flags, in, a.stdout)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "HTTP control API address (overrides server.listen)")
	cmd.Flags().BoolVar(&flags.NoConsole, "no-console", false, "do not read console commands from stdin")
	return cmd
}

// runPanel opens a session, serves the optional HTTP API and drives the console
// until quit or ctx is done. The session is always closed on return.
func runPanel(ctx context.Context, cfg *config.Config, flags RunFlags, in io.Reader, out io.Writer) error {
	if cfg.Server.Metrics {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			slog.Warn("Failed to register metrics", "error", err)
		}
	}
	addr := flags.Listen
	if addr == "" {
		addr = cfg.Server.Listen
	}
	if addr != "" {
		if err := ensureNoPanelAt(ctx, cfg, addr); err != nil {
			return err
		}
	}
	sess, err := panel.New(cfg, panel.Options{Console: out})
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := sess.Open(ctx); err != nil {
		return fmt.Errorf("open panel: %w", err)
	}

	if addr != "" {
		tlsCfg, err := paneltls.Setup(cfg.Server.TLS)
		if err != nil {
			return fmt.Errorf("control API TLS: %w", err)
		}
		srv := server.NewServer(addr, cfg.Server.BasePath, cfg.Server.Metrics, sess, tlsCfg)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				slog.Warn("Control API shutdown", "error", err)
			}
		}()
	}

	if in == nil {
		<-ctx.Done()
		return nil
	}
	_, _ = fmt.Fprintln(out, `Panel ready. Type "help" for commands.`)
	return runConsole(ctx, in, out, sess)
}

// ensureNoPanelAt refuses to open a second session on an address where a panel
// already answers; opening would reap that panel's worker.
func ensureNoPanelAt(ctx context.Context, cfg *config.Config, addr string) error {
	local := *cfg
	local.Server.Listen = addr
	url, err := defaultAPIURL(&local)
	if err != nil {
		return nil
	}
	c, err := client.New(client.Config{BaseURL: url, Timeout: 2 * time.Second, Insecure: true})
	if err != nil {
		return nil
	}
	if c.IsReachable(ctx) {
		return fmt.Errorf("a panel is already running at %s", url)
	}
	return nil
}

// createReapCommand creates the one-shot stray-instance scan.
func createReapCommand(a *app) *cobra.Command {
	flags := &ReapFlags{}
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Terminate leftover worker instances and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := reapOnce(cmd.Context(), a.cfg, nil)
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(cmd.OutOrStdout(), rep)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), formatReport(rep))
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the report as JSON")
	return cmd
}

// reapOnce runs a single scan without an event loop. table defaults to the OS.
func reapOnce(ctx context.Context, cfg *config.Config, table panel.ProcessTable) (supervisor.ReapReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if table == nil {
		table = process.Table{}
	}
	var rec *history.Recorder
	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return supervisor.ReapReport{}, fmt.Errorf("history: %w", err)
		}
		rec = history.NewRecorder(sink, "reap")
		defer func() { _ = rec.Close() }()
	}
	w := cfg.Worker
	patterns := w.ImagePatterns
	if len(patterns) == 0 {
		patterns = detector.DefaultImagePatterns
	}
	sup := supervisor.New(supervisor.Config{
		Spec:        process.Spec{Interpreter: w.Interpreter, Script: w.Script, WorkDir: w.WorkDir},
		Detector:    detector.Worker(patterns, w.Script, w.WorkDir),
		ReapTimeout: w.ReapTimeout,
	}, supervisor.Deps{Lister: table, Terminator: table, History: rec})
	return sup.ReapStrayInstances(ctx), nil
}

func formatReport(rep supervisor.ReapReport) string {
	var b strings.Builder
	b.WriteString("Stray instances: " + rep.String())
	for _, c := range rep.Candidates {
		fmt.Fprintf(&b, "\n  pid %d %s: %s", c.PID, c.Name, c.Outcome)
	}
	return b.String()
}

// createSettingsCommand creates the settings group.
func createSettingsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the worker's .env settings",
	}
	cmd.AddCommand(createSettingsShowCommand(a), createSettingsSetCommand(a))
	return cmd
}

func createSettingsShowCommand(a *app) *cobra.Command {
	flags := &SettingsShowFlags{}
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the recognized settings (API keys masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showSettings(cmd.OutOrStdout(), a.cfg.SettingsPath(), flags.Reveal)
		},
	}
	cmd.Flags().BoolVar(&flags.Reveal, "reveal", false, "print API keys in full")
	return cmd
}

func createSettingsSetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY=VALUE...",
		Short: "Update recognized settings and save the file",
		Long: `Update one or more recognized settings. Other lines of the file are kept.

Examples:
  workerpanel settings set SERVICE_PLATFORM=groq GROQ_API_KEY=gsk_...
  workerpanel settings set OPTIMIZE_RESULT=true`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setSettings(a.cfg.SettingsPath(), args); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Saved %d setting(s) to %s\n", len(args), a.cfg.SettingsPath())
			return nil
		},
	}
}

func showSettings(out io.Writer, path string, reveal bool) error {
	st, err := config.LoadSettings(path)
	if err != nil {
		return err
	}
	vals := st.Masked()
	if reveal {
		vals = st.Values()
	}
	for _, k := range config.Keys {
		if _, err := fmt.Fprintf(out, "%s=%s\n", k, vals[k]); err != nil {
			return err
		}
	}
	return nil
}

func setSettings(path string, pairs []string) error {
	st, err := config.LoadSettings(path)
	if err != nil {
		return err
	}
	var errs []error
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			errs = append(errs, fmt.Errorf("expected KEY=VALUE, got %q", kv))
			continue
		}
		if err := st.Set(strings.TrimSpace(k), v); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return config.SaveSettings(path, st)
}

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
