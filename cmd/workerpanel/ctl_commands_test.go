package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/workerpanel/internal/config"
	"github.com/loykin/workerpanel/internal/display"
	"github.com/loykin/workerpanel/internal/panel"
	"github.com/loykin/workerpanel/internal/server"
	"github.com/loykin/workerpanel/internal/supervisor"
	"github.com/loykin/workerpanel/pkg/client"
)

type remotePanel struct {
	fakeTarget
	buffer *display.Buffer
}

func (r *remotePanel) LogSince(seq uint64) ([]display.Chunk, uint64) { return r.buffer.Since(seq) }
func (r *remotePanel) Settings() (map[string]string, error)          { return map[string]string{}, nil }
func (r *remotePanel) UpdateSettings(map[string]string) error        { return nil }

func startRemote(t *testing.T) (*remotePanel, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rp := &remotePanel{
		fakeTarget: fakeTarget{status: panel.Status{Status: supervisor.Status{State: supervisor.Running, PID: 321}, Session: "sess-1", LogPath: "logs/app.log"}},
		buffer:     display.NewBuffer(16),
	}
	srv := httptest.NewServer(server.NewRouter(rp, "/api", false).Handler())
	t.Cleanup(srv.Close)
	return rp, srv.URL + "/api"
}

func TestCtlCommands(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	rp, url := startRemote(t)
	rp.buffer.Append("hello from worker\n")

	out, err := execute(t, "--config", cfgPath, "ctl", "--url", url, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "Worker running, pid 321") || !strings.Contains(out, "Session sess-1") {
		t.Fatalf("unexpected status output: %s", out)
	}

	if out, err = execute(t, "--config", cfgPath, "ctl", "--url", url, "start"); err != nil || !strings.Contains(out, "start requested") {
		t.Fatalf("start: %v %s", err, out)
	}
	if out, err = execute(t, "--config", cfgPath, "ctl", "--url", url, "log"); err != nil || out != "hello from worker\n" {
		t.Fatalf("log: %v %q", err, out)
	}
	if _, err = execute(t, "--config", cfgPath, "ctl", "--url", url, "reap"); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if got := strings.Join(rp.recorded(), ","); got != "status,start,reap" {
		t.Fatalf("calls = %s", got)
	}
}

func TestCtlStartConflict(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	rp, url := startRemote(t)
	rp.startErr = supervisor.ErrAlreadyRunning
	_, err := execute(t, "--config", cfgPath, "ctl", "--url", url, "start")
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("expected 409 error, got %v", err)
	}
}

func TestCtlWithoutListen(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	if _, err := execute(t, "--config", cfgPath, "ctl", "status"); err == nil || !strings.Contains(err.Error(), "--url") {
		t.Fatalf("expected hint about --url, got %v", err)
	}
}

func TestDefaultAPIURL(t *testing.T) {
	cfg := config.Default()
	cases := map[string]string{
		":8130":          "http://127.0.0.1:8130/api",
		"0.0.0.0:9000":   "http://127.0.0.1:9000/api",
		"10.0.0.5:8130":  "http://10.0.0.5:8130/api",
		"[::1]:8130":     "http://[::1]:8130/api",
		"localhost:8130": "http://localhost:8130/api",
	}
	for listen, want := range cases {
		cfg.Server.Listen = listen
		if got, err := defaultAPIURL(cfg); err != nil || got != want {
			t.Fatalf("%s: got %q %v, want %q", listen, got, err, want)
		}
	}
	cfg.Server.Listen = "127.0.0.1:8130"
	cfg.Server.TLS.Enabled = true
	if got, _ := defaultAPIURL(cfg); got != "https://127.0.0.1:8130/api" {
		t.Fatalf("tls url = %q", got)
	}
	cfg.Server.Listen = "nonsense"
	if _, err := defaultAPIURL(cfg); err == nil {
		t.Fatal("expected split error")
	}
}

func TestFollowLogStopsOnCancel(t *testing.T) {
	rp, url := startRemote(t)
	rp.buffer.Append("one\n")
	c, err := client.New(client.Config{BaseURL: url})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- followLog(ctx, c, out, 10*time.Millisecond) }()

	time.Sleep(50 * time.Millisecond)
	rp.buffer.Append("two\n")
	deadline := time.Now().Add(2 * time.Second)
	for out.String() != "one\ntwo\n" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("follow: %v", err)
	}
	if out.String() != "one\ntwo\n" {
		t.Fatalf("followed text = %q", out.String())
	}
}
