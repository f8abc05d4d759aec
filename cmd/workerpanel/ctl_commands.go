package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/workerpanel/internal/config"
	paneltls "github.com/loykin/workerpanel/internal/tls"
	"github.com/loykin/workerpanel/pkg/client"
)

// createCtlCommand creates the remote-control group for a panel started with
// --listen or server.listen.
func createCtlCommand(a *app) *cobra.Command {
	flags := &CtlFlags{}
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running panel over its HTTP API",
		Long: `Control a running panel over its HTTP API. The URL defaults to
server.listen and server.base_path from the config.

Examples:
  workerpanel ctl status
  workerpanel ctl start
  workerpanel ctl log --follow
  workerpanel ctl --url https://host:8130/api --ca-cert certs/tls_ca.crt status`,
	}
	cmd.PersistentFlags().StringVar(&flags.URL, "url", "", "control API base URL")
	cmd.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate to trust (defaults to server.tls.dir/"+paneltls.CACertName+")")
	cmd.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")

	run := func(fn func(ctx context.Context, c *client.Client, out io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c, err := newCtlClient(a.cfg, *flags)
			if err != nil {
				return err
			}
			return fn(cmd.Context(), c, cmd.OutOrStdout())
		}
	}

	cmd.AddCommand(
		&cobra.Command{Use: "status", Short: "Show worker status", RunE: run(ctlStatus)},
		&cobra.Command{Use: "start", Short: "Start the worker", RunE: run(func(ctx context.Context, c *client.Client, out io.Writer) error {
			if err := c.Start(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, "Worker start requested")
			return nil
		})},
		&cobra.Command{Use: "stop", Short: "Stop the worker", RunE: run(func(ctx context.Context, c *client.Client, out io.Writer) error {
			if err := c.Stop(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, "Worker stop requested")
			return nil
		})},
		&cobra.Command{Use: "reap", Short: "Terminate stray worker instances", RunE: run(func(ctx context.Context, c *client.Client, out io.Writer) error {
			rep, err := c.Reap(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, rep)
		})},
		createCtlLogCommand(a, run),
	)
	return cmd
}

func createCtlLogCommand(a *app, run func(func(context.Context, *client.Client, io.Writer) error) func(*cobra.Command, []string) error) *cobra.Command {
	flags := &CtlLogFlags{}
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the panel's buffered log text",
		RunE: run(func(ctx context.Context, c *client.Client, out io.Writer) error {
			if !flags.Follow {
				_, err := ctlLog(ctx, c, out, 0)
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return followLog(ctx, c, out, a.cfg.Log.Interval)
		}),
	}
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "keep polling for new text")
	return cmd
}

func newCtlClient(cfg *config.Config, flags CtlFlags) (*client.Client, error) {
	base := flags.URL
	if base == "" {
		u, err := defaultAPIURL(cfg)
		if err != nil {
			return nil, err
		}
		base = u
	}
	cc := client.Config{BaseURL: strings.TrimRight(base, "/"), Insecure: flags.Insecure}
	ca := flags.CACert
	if ca == "" {
		ca = paneltls.CAFile(cfg.Server.TLS)
	}
	if ca != "" {
		cc.TLS = &client.TLSClientConfig{CACert: ca}
	}
	return client.New(cc)
}

// defaultAPIURL derives the base URL from server.listen. Wildcard hosts map to
// the loopback address.
func defaultAPIURL(cfg *config.Config) (string, error) {
	addr := cfg.Server.Listen
	if addr == "" {
		return "", errors.New("server.listen is not set; pass --url")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("server.listen %q: %w", addr, err)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	scheme := "http"
	if cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, port) + strings.TrimRight(cfg.Server.BasePath, "/"), nil
}

func ctlStatus(ctx context.Context, c *client.Client, out io.Writer) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	line := "Worker " + st.State
	if st.PID > 0 {
		line += fmt.Sprintf(", pid %d", st.PID)
	}
	if st.Sample != nil {
		line += fmt.Sprintf(", cpu %.1f%%, mem %.1f MB", st.Sample.CPUPercent, st.Sample.MemoryMB)
	}
	_, err = fmt.Fprintf(out, "%s\nSession %s, log %s (offset %d)\n", line, st.Session, st.LogPath, st.LogCursor.Offset)
	return err
}

func ctlLog(ctx context.Context, c *client.Client, out io.Writer, since uint64) (uint64, error) {
	page, err := c.LogSince(ctx, since)
	if err != nil {
		return since, err
	}
	for _, ch := range page.Chunks {
		if _, err := io.WriteString(out, ch.Text); err != nil {
			return since, err
		}
	}
	return page.Next, nil
}

func followLog(ctx context.Context, c *client.Client, out io.Writer, interval time.Duration) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	var since uint64
	for {
		next, err := ctlLog(ctx, c, out, since)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		since = next
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
