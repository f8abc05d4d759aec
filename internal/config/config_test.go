package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	c := Default()
	if c.Worker.Script != "main.py" {
		t.Fatalf("script: %q", c.Worker.Script)
	}
	want := "venv/bin/python"
	if runtime.GOOS == "windows" {
		want = `venv\Scripts\python.exe`
	}
	if c.Worker.Interpreter != want {
		t.Fatalf("interpreter: %q", c.Worker.Interpreter)
	}
	if c.Log.Path != filepath.Join("logs", "app.log") || c.Log.Interval != 500*time.Millisecond {
		t.Fatalf("log defaults: %+v", c.Log)
	}
	if strings.Join(c.Log.Encodings, ",") != "utf-8,gbk,latin1" {
		t.Fatalf("encodings: %v", c.Log.Encodings)
	}
	if !c.Log.TruncateOnStart || c.Worker.ReapTimeout != 3*time.Second {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.Settings.Path != ".env" || c.Server.BasePath != "/api" {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if tls := c.Server.TLS; tls.Enabled || tls.MinVersion != "1.3" || len(tls.Hosts) != 2 || tls.ValidDays != 365 {
		t.Fatalf("tls defaults: %+v", tls)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "panel.toml", `
[worker]
interpreter = "/usr/bin/python3"
work_dir = "/srv/app"
reap_timeout = "5s"
capture_output = true
env = ["HOTKEY_DEBUG=1"]

[log]
path = "/var/log/app.log"
interval = "250ms"
encodings = ["utf-8", "big5"]
watch = true

[panel_log]
level = "debug"

[history]
dsn = "sqlite:///tmp/h.db"

[server]
listen = "127.0.0.1:8130"
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.File != p {
		t.Fatalf("file used: %q", c.File)
	}
	if c.Worker.Interpreter != "/usr/bin/python3" || c.Worker.Script != "main.py" {
		t.Fatalf("worker: %+v", c.Worker)
	}
	if c.Worker.ReapTimeout != 5*time.Second || !c.Worker.CaptureOutput {
		t.Fatalf("worker: %+v", c.Worker)
	}
	if len(c.Worker.Env) != 1 || c.Worker.Env[0] != "HOTKEY_DEBUG=1" {
		t.Fatalf("env: %v", c.Worker.Env)
	}
	if c.Log.Interval != 250*time.Millisecond || !c.Log.Watch || strings.Join(c.Log.Encodings, ",") != "utf-8,big5" {
		t.Fatalf("log: %+v", c.Log)
	}
	if c.PanelLog.Level != "debug" || c.History.DSN != "sqlite:///tmp/h.db" || c.Server.Listen != "127.0.0.1:8130" {
		t.Fatalf("unexpected: %+v", c)
	}
	// relative paths resolve against the worker directory
	c.Settings.Path = ".env"
	if got := c.SettingsPath(); got != filepath.Join("/srv/app", ".env") {
		t.Fatalf("settings path: %q", got)
	}
	if got := c.LogPath(); got != "/var/log/app.log" {
		t.Fatalf("log path: %q", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "panel.toml", "[log]\npath = \"file.log\"\n")
	t.Setenv("WORKERPANEL_LOG_PATH", "env.log")
	t.Setenv("WORKERPANEL_WORKER_SCRIPT", "bot.py")
	t.Setenv("WORKERPANEL_LOG_INTERVAL", "2s")

	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Log.Path != "env.log" {
		t.Fatalf("env should override file, got %q", c.Log.Path)
	}
	if c.Worker.Script != "bot.py" || c.Log.Interval != 2*time.Second {
		t.Fatalf("env overrides not applied: %+v", c)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.File != "" || c.Worker.Script != "main.py" {
		t.Fatalf("expected defaults, got %+v", c)
	}

	writeFile(t, dir, DefaultFileName, "[worker]\nscript = \"app.py\"\n")
	c, err = Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Worker.Script != "app.py" {
		t.Fatalf("expected %s to be picked up, got %+v", DefaultFileName, c.Worker)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"empty script":   "[worker]\nscript = \"\"\n",
		"bad interval":   "[log]\ninterval = \"-1s\"\n",
		"bad level":      "[panel_log]\nlevel = \"loud\"\n",
		"bad base path":  "[server]\nbase_path = \"api\"\n",
		"broken toml":    "[worker\n",
		"no encodings":   "[log]\nencodings = []\n",
		"zero reap wait": "[worker]\nreap_timeout = \"0s\"\n",
		"tls no cert":    "[server.tls]\nenabled = true\n",
		"tls half pair":  "[server.tls]\nenabled = true\ncert_file = \"a.crt\"\n",
		"tls version":    "[server.tls]\nenabled = true\ndir = \"certs\"\nmin_version = \"1.0\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			p := writeFile(t, dir, strings.ReplaceAll(name, " ", "_")+".toml", body)
			if _, err := Load(p); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}
