package panel

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/workerpanel/internal/config"
	"github.com/loykin/workerpanel/internal/history"
	"github.com/loykin/workerpanel/internal/process"
	"github.com/loykin/workerpanel/internal/supervisor"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require /bin/sh on Unix-like systems")
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type memHistory struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memHistory) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memHistory) types() []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]history.EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeTable struct {
	mu         sync.Mutex
	records    []process.Record
	terminated []int32
}

func (f *fakeTable) List(context.Context) ([]process.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records, nil
}

func (f *fakeTable) Terminate(_ context.Context, pid int32, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, pid)
	return nil
}

func (f *fakeTable) killed() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.terminated...)
}

type fixture struct {
	dir     string
	cfg     *config.Config
	session *Session
	history *memHistory
	table   *fakeTable
	console *bytes.Buffer
}

func newFixture(t *testing.T, script string, tweak func(*config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "main.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o644))

	cfg := config.Default()
	cfg.Worker.Interpreter = "/bin/sh"
	cfg.Worker.Script = scriptPath
	cfg.Worker.WorkDir = dir
	cfg.Worker.CaptureOutput = true
	cfg.Log.Path = filepath.Join(dir, "logs", "app.log")
	cfg.Log.Interval = 20 * time.Millisecond
	cfg.Settings.Path = filepath.Join(dir, ".env")
	cfg.Server.SampleInterval = 50 * time.Millisecond
	if tweak != nil {
		tweak(cfg)
	}

	f := &fixture{dir: dir, cfg: cfg, history: &memHistory{}, table: &fakeTable{}, console: &bytes.Buffer{}}
	s, err := New(cfg, Options{Console: f.console, Table: f.table, History: f.history})
	require.NoError(t, err)
	f.session = s
	t.Cleanup(s.Close)
	return f
}

func (f *fixture) writeSettings(t *testing.T, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.cfg.Settings.Path, []byte(body), 0o644))
}

func (f *fixture) logText() string {
	chunks, _ := f.session.LogSince(0)
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

const loopScript = "echo \"platform=$SERVICE_PLATFORM greeting=$GREETING\"\nwhile true; do sleep 0.05; done\n"

func TestOpenTruncatesLogAndReapsStrays(t *testing.T) {
	f := newFixture(t, loopScript, nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.cfg.Log.Path), 0o755))
	require.NoError(t, os.WriteFile(f.cfg.Log.Path, []byte("previous run\n"), 0o644))
	f.table.records = []process.Record{
		{PID: 999, Name: "python3", Cmdline: []string{"python3", f.cfg.Worker.Script}},
		{PID: 998, Name: "python3", Cmdline: []string{"python3", "other.py"}},
	}

	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx))
	require.ErrorIs(t, f.session.Open(ctx), ErrAlreadyOpen)

	fi, err := os.Stat(f.cfg.Log.Path)
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
	assert.Equal(t, []int32{999}, f.table.killed())
	assert.Contains(t, f.history.types(), history.EventReap)

	f.session.Close()
	f.session.Close()
	assert.Equal(t, []int32{999, 999}, f.table.killed())
}

func TestOpenCreatesMissingLogFile(t *testing.T) {
	f := newFixture(t, loopScript, nil)
	require.NoError(t, f.session.Open(context.Background()))
	_, err := os.Stat(f.cfg.Log.Path)
	require.NoError(t, err)
}

func TestStartWorkerChecksSettings(t *testing.T) {
	f := newFixture(t, loopScript, nil)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx))

	err := f.session.StartWorker(ctx)
	require.ErrorIs(t, err, supervisor.ErrPrecondition)
	require.ErrorIs(t, err, config.ErrSettingsMissing)

	f.writeSettings(t, "SERVICE_PLATFORM=groq\nSILICONFLOW_API_KEY=sk\n")
	err = f.session.StartWorker(ctx)
	require.ErrorIs(t, err, config.ErrCredentialMissing)
	assert.Contains(t, err.Error(), "GROQ_API_KEY")

	st, err := f.session.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, supervisor.Stopped, st.State)
	assert.Zero(t, st.PID)
}

func TestWorkerLifecycleWithCapturedOutput(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, loopScript, func(c *config.Config) {
		c.Worker.Env = []string{"GREETING=hi-${SERVICE_PLATFORM}"}
	})
	f.writeSettings(t, "# worker settings\nSERVICE_PLATFORM=groq\nGROQ_API_KEY=gsk_test\n")
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx))

	require.NoError(t, f.session.StartWorker(ctx))
	waitUntil(t, 3*time.Second, func() bool {
		return strings.Contains(f.logText(), "platform=groq greeting=hi-groq")
	})

	st, err := f.session.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, supervisor.Running, st.State)
	assert.Positive(t, st.PID)
	assert.Equal(t, f.session.ID(), st.Session)
	assert.Positive(t, st.LogCursor.Offset)

	require.ErrorIs(t, f.session.StartWorker(ctx), supervisor.ErrAlreadyRunning)

	require.NoError(t, f.session.StopWorker(ctx))
	st, err = f.session.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, supervisor.Stopped, st.State)
	require.NoError(t, f.session.StopWorker(ctx))

	f.session.Close()
	assert.Equal(t, []history.EventType{history.EventStart, history.EventStop}, f.history.types())
	out := f.console.String()
	assert.Contains(t, out, "[worker running]")
	assert.Contains(t, out, "[worker stopped]")
}

func TestNaturalExitIsObserved(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, "echo finished\n", nil)
	f.writeSettings(t, "SILICONFLOW_API_KEY=sk-test\n")
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx))
	require.NoError(t, f.session.StartWorker(ctx))

	waitUntil(t, 3*time.Second, func() bool {
		st, err := f.session.Status(ctx)
		return err == nil && st.State == supervisor.Stopped
	})
	waitUntil(t, 3*time.Second, func() bool { return strings.Contains(f.logText(), "finished") })
	assert.Equal(t, []history.EventType{history.EventStart, history.EventExit}, f.history.types())
}

func TestMissingInterpreterIsLaunchFailure(t *testing.T) {
	f := newFixture(t, loopScript, func(c *config.Config) {
		c.Worker.Interpreter = filepath.Join("venv", "bin", "python")
	})
	f.writeSettings(t, "SILICONFLOW_API_KEY=sk-test\n")
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx))

	err := f.session.StartWorker(ctx)
	require.ErrorIs(t, err, supervisor.ErrExecutableNotFound)
	require.ErrorIs(t, err, supervisor.ErrLaunch)
	st, err := f.session.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, supervisor.Stopped, st.State)
}

func TestExternalLogTextReachesBuffer(t *testing.T) {
	f := newFixture(t, loopScript, func(c *config.Config) { c.Worker.CaptureOutput = false })
	require.NoError(t, f.session.Open(context.Background()))

	fh, err := os.OpenFile(f.cfg.Log.Path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = fh.WriteString("hello from worker\n")
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	waitUntil(t, 2*time.Second, func() bool { return f.logText() == "hello from worker\n" })
	_, next := f.session.LogSince(0)
	more, _ := f.session.LogSince(next)
	assert.Empty(t, more)
}

func TestCloseWithoutOpen(t *testing.T) {
	f := newFixture(t, loopScript, nil)
	f.session.Close()
	f.session.Close()

	ctx := context.Background()
	require.ErrorIs(t, f.session.StartWorker(ctx), ErrNotOpen)
	require.ErrorIs(t, f.session.StopWorker(ctx), ErrNotOpen)
	_, err := f.session.Status(ctx)
	require.ErrorIs(t, err, ErrNotOpen)
	_, err = f.session.Reap(ctx)
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)

	cfg := config.Default()
	cfg.Log.Encodings = []string{"klingon"}
	_, err = New(cfg, Options{})
	require.Error(t, err)

	cfg = config.Default()
	cfg.History.DSN = "mongodb://localhost"
	_, err = New(cfg, Options{})
	require.Error(t, err)
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t, loopScript, nil)
	f.writeSettings(t, "# keep me\nGROQ_API_KEY=gsk_0123456789\n")

	err := f.session.UpdateSettings(map[string]string{"SYSTEM_PLATFORM": "linux", "NOPE": "1"})
	require.ErrorIs(t, err, config.ErrInvalidSetting)
	require.ErrorIs(t, err, config.ErrUnknownSetting)
	b, _ := os.ReadFile(f.cfg.Settings.Path)
	assert.Equal(t, "# keep me\nGROQ_API_KEY=gsk_0123456789\n", string(b), "rejected update must not write")

	require.NoError(t, f.session.UpdateSettings(map[string]string{"SERVICE_PLATFORM": "groq", "ADD_SYMBOL": "false"}))
	vals, err := f.session.Settings()
	require.NoError(t, err)
	assert.Equal(t, "groq", vals["SERVICE_PLATFORM"])
	assert.Equal(t, "false", vals["ADD_SYMBOL"])
	assert.Equal(t, "****6789", vals["GROQ_API_KEY"])

	b, _ = os.ReadFile(f.cfg.Settings.Path)
	assert.True(t, strings.HasPrefix(string(b), "# keep me\nGROQ_API_KEY=gsk_0123456789\n"))
}

func TestConcurrentSettingsUpdatesKeepEveryKey(t *testing.T) {
	f := newFixture(t, loopScript, nil)
	f.writeSettings(t, "GROQ_API_KEY=gsk_0123456789\n")
	updates := map[string]string{
		"GROQ_BASE_URL":               "http://127.0.0.1:9/v1",
		"GROQ_ADD_SYMBOL_MODEL":       "model-a",
		"GROQ_OPTIMIZE_RESULT_MODEL":  "model-b",
		"SILICONFLOW_TRANSLATE_MODEL": "model-c",
		"CONVERT_TO_SIMPLIFIED":       "false",
		"ADD_SYMBOL":                  "false",
		"OPTIMIZE_RESULT":             "true",
		"KEEP_ORIGINAL_CLIPBOARD":     "false",
	}
	var wg sync.WaitGroup
	for k, v := range updates {
		wg.Add(1)
		go func(k, v string) {
			defer wg.Done()
			assert.NoError(t, f.session.UpdateSettings(map[string]string{k: v}))
		}(k, v)
	}
	wg.Wait()

	vals, err := f.session.Settings()
	require.NoError(t, err)
	for k, v := range updates {
		assert.Equal(t, v, vals[k], k)
	}
	assert.Equal(t, "****6789", vals["GROQ_API_KEY"])
}

func TestCloseStopsTailing(t *testing.T) {
	f := newFixture(t, loopScript, func(c *config.Config) { c.Log.Watch = true })
	require.NoError(t, f.session.Open(context.Background()))

	appendLog := func(text string) {
		lf, err := os.OpenFile(f.cfg.Log.Path, os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = lf.WriteString(text)
		require.NoError(t, err)
		require.NoError(t, lf.Close())
	}
	appendLog("before close\n")
	waitUntil(t, 2*time.Second, func() bool { return f.logText() == "before close\n" })

	f.session.Close()
	appendLog("after close\n")
	time.Sleep(5 * f.cfg.Log.Interval)
	assert.Equal(t, "before close\n", f.logText())
}
