package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jongio/app-preview/cli/src/internal/config"
	"github.com/jongio/app-preview/cli/src/internal/portmanager"
	"github.com/jongio/app-preview/cli/src/internal/reclaim"
	"github.com/jongio/app-preview/cli/src/internal/registry"
	"github.com/jongio/app-preview/cli/src/internal/service"
	"github.com/jongio/app-preview/cli/src/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunFakeServerIfRequested()
	os.Exit(m.Run())
}

// portRange finds n consecutive bindable ports.
func portRange(t *testing.T, n int) (int, int) {
	t.Helper()
	for base := 41000 + (os.Getpid()%500)*10; base < 60000; base += n + 7 {
		ok := true
		for p := base; p < base+n; p++ {
			ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
			if err != nil {
				ok = false
				break
			}
			_ = ln.Close()
		}
		if ok {
			return base, base + n - 1
		}
	}
	t.Fatal("no free port range")
	return 0, 0
}

type recordingReclaimer struct {
	mu    sync.Mutex
	ports []int
}

func (r *recordingReclaimer) ClearPort(ctx context.Context, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports = append(r.ports, port)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(t *testing.T, ports int, env map[string]string) *config.Config {
	t.Helper()
	start, end := portRange(t, ports)
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Ports = config.PortsConfig{Start: start, End: end}
	cfg.Startup.Timeout = 20 * time.Second
	cfg.Startup.WarmTimeout = 20 * time.Second
	cfg.Startup.MaxRetries = 3
	cfg.Startup.RetryDelay = 10 * time.Millisecond
	cfg.Startup.SettleDelay = 20 * time.Millisecond
	cfg.Watchdog.Interval = 50 * time.Millisecond
	cfg.Watchdog.ProbeTimeout = 500 * time.Millisecond
	cfg.Process.Command = os.Args[0]
	cfg.Process.Args = []string{"-test.run=^$"}
	cfg.Process.Env = env
	cfg.Process.GracePeriod = 500 * time.Millisecond
	cfg.State.Path = filepath.Join(dir, "state.json")
	cfg.Logs.Dir = filepath.Join(dir, "logs")
	cfg.Logs.ToFile = false
	cfg.Spawn = config.SpawnConfig{Rate: 100, Burst: 100}
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{WithReclaimer(&recordingReclaimer{})}
	o, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url) // #nosec G107 -- test URL
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Ports = config.PortsConfig{Start: 6000, End: 5000}
	_, err := New(cfg, WithStore(registry.NewFileStore(filepath.Join(t.TempDir(), "s.json"))))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestStart_ThreePortPool(t *testing.T) {
	cfg := testConfig(t, 3, testutil.FakeServerEnv(testutil.ModeReady))
	o := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	seen := map[int]string{}
	for _, job := range []string{"a", "b", "c"} {
		p, err := o.Start(ctx, job, t.TempDir(), nil)
		require.NoError(t, err, job)
		assert.Equal(t, StateReady, p.State)
		assert.GreaterOrEqual(t, p.Port, cfg.Ports.Start)
		assert.LessOrEqual(t, p.Port, cfg.Ports.End)
		assert.NotContains(t, seen, p.Port)
		seen[p.Port] = job
		assert.Contains(t, get(t, p.URL), "fake dev server")
	}

	_, err := o.Start(ctx, "d", t.TempDir(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPortsExhausted))
	d, err := o.Status("d")
	require.NoError(t, err)
	assert.Equal(t, StateError, d.State)

	b, err := o.Status("b")
	require.NoError(t, err)
	require.NoError(t, o.Stop(ctx, "b"))

	p, err := o.Start(ctx, "d", t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, b.Port, p.Port)
}

func TestStart_SinglePreviewPerJob(t *testing.T) {
	cfg := testConfig(t, 3, testutil.FakeServerEnv(testutil.ModeReady))
	o := newTestOrchestrator(t, cfg)
	ctx := context.Background()
	dir := t.TempDir()

	first, err := o.Start(ctx, "job", dir, nil)
	require.NoError(t, err)
	second, err := o.Start(ctx, "job", dir, nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.NotEqual(t, first.PID, second.PID)
	assert.Equal(t, []string{"job"}, o.supervisor.Jobs())
	assert.Equal(t, 1, o.ports.InUse())
	assert.Eventually(t, func() bool { return !service.ProcessAlive(first.PID) }, 5*time.Second, 50*time.Millisecond)
	assert.Len(t, o.List(), 1)
}

func TestStart_ConcurrentSameJob(t *testing.T) {
	cfg := testConfig(t, 3, testutil.FakeServerEnv(testutil.ModeReady))
	o := newTestOrchestrator(t, cfg)
	dir := t.TempDir()

	var wg sync.WaitGroup
	for range 3 {
		wg.Go(func() {
			_, _ = o.Start(context.Background(), "job", dir, nil)
		})
	}
	wg.Wait()

	assert.LessOrEqual(t, len(o.supervisor.Jobs()), 1)
	assert.LessOrEqual(t, o.ports.InUse(), 1)
}

func TestStart_ProjectNotReady(t *testing.T) {
	cfg := testConfig(t, 2, testutil.FakeServerEnv(testutil.ModeReady))
	o := newTestOrchestrator(t, cfg)

	_, err := o.Start(context.Background(), "job", filepath.Join(t.TempDir(), "missing"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProjectNotReady))
	assert.Equal(t, 0, o.ports.InUse())

	_, err = o.Start(context.Background(), "", t.TempDir(), nil)
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestStart_RetriesBindConflict(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "runs")
	cfg := testConfig(t, 3, testutil.FlakyEnv(counter, 2))
	// every configured retry is spent before giving up
	cfg.Startup.MaxRetries = 2
	o := newTestOrchestrator(t, cfg)

	p, err := o.Start(context.Background(), "job", t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateReady, p.State)
	assert.Equal(t, 2, p.RetryCount)
	assert.Equal(t, 3, testutil.Runs(counter))
}

func TestStart_RetryBudgetExhausted(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "runs")
	cfg := testConfig(t, 3, testutil.FlakyEnv(counter, 100))
	cfg.Startup.MaxRetries = 2
	o := newTestOrchestrator(t, cfg)

	p, err := o.Start(context.Background(), "job", t.TempDir(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSpawnFailed))
	assert.Equal(t, 3, testutil.Runs(counter))
	assert.Equal(t, StateError, p.State)
	assert.Equal(t, 2, p.RetryCount)
	assert.Equal(t, 0, o.ports.InUse())
	assert.Empty(t, o.supervisor.Jobs())
}

func TestStart_BindConflictReclaimsPort(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "runs")
	cfg := testConfig(t, 1, testutil.FlakyEnv(counter, 1))
	rec := &recordingReclaimer{}
	o := newTestOrchestrator(t, cfg, WithReclaimer(rec))

	p, err := o.Start(context.Background(), "job", t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, p.RetryCount)
	assert.Equal(t, cfg.Ports.Start, p.Port)

	rec.mu.Lock()
	cleared := append([]int(nil), rec.ports...)
	rec.mu.Unlock()
	// before each spawn, after the failed process is terminated, and once
	// more when the conflicting port is reclaimed
	assert.Equal(t, []int{p.Port, p.Port, p.Port, p.Port}, cleared)
}

func TestStart_PreviousPortWhenTaken(t *testing.T) {
	cfg := testConfig(t, 2, testutil.FakeServerEnv(testutil.ModeReady))
	o := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	a, err := o.Start(ctx, "a", t.TempDir(), nil)
	require.NoError(t, err)
	assert.Zero(t, a.PreviousPort)
	b, err := o.Start(ctx, "b", t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, o.Stop(ctx, "a"))
	c, err := o.Start(ctx, "c", t.TempDir(), nil)
	require.NoError(t, err)
	require.Equal(t, a.Port, c.Port, "the only free port goes to c")
	require.NoError(t, o.Stop(ctx, "b"))

	again, err := o.Start(ctx, "a", t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, b.Port, again.Port)
	assert.Equal(t, a.Port, again.PreviousPort)

	require.NoError(t, o.Stop(ctx, "c"))
	same, err := o.Restart(ctx, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, again.Port, same.Port)
	assert.Zero(t, same.PreviousPort, "port kept across restart")
}

func TestStart_MarkerWithoutListener(t *testing.T) {
	cfg := testConfig(t, 1, testutil.FakeServerEnv(testutil.ModeMarkerOnly))
	cfg.Startup.Timeout = 400 * time.Millisecond
	cfg.Startup.MaxRetries = 0
	o := newTestOrchestrator(t, cfg)

	p, err := o.Start(context.Background(), "job", t.TempDir(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStartupTimeout))
	assert.Contains(t, err.Error(), "not accepting connections")
	assert.Equal(t, StateError, p.State)
	assert.Equal(t, 0, o.ports.InUse())
}

func TestReadyCheck(t *testing.T) {
	cfg := testConfig(t, 1, testutil.FakeServerEnv(testutil.ModeReady))
	o := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	p, err := o.Start(ctx, "job", t.TempDir(), nil)
	require.NoError(t, err)

	assert.True(t, o.readyCheck("job", p.RunID)())
	assert.False(t, o.readyCheck("job", "stale-run")())
	assert.False(t, o.readyCheck("other", p.RunID)())

	require.NoError(t, o.Stop(ctx, "job"))
	assert.False(t, o.readyCheck("job", p.RunID)())
}

func TestStart_StartupTimeout(t *testing.T) {
	cfg := testConfig(t, 2, testutil.FakeServerEnv(testutil.ModeSilent))
	cfg.Startup.Timeout = 400 * time.Millisecond
	cfg.Startup.MaxRetries = 2
	o := newTestOrchestrator(t, cfg)

	p, err := o.Start(context.Background(), "job", t.TempDir(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStartupTimeout))
	assert.True(t, errors.Is(err, service.ErrStartupTimeout))
	assert.Equal(t, 2, p.RetryCount)
	assert.Equal(t, 0, o.ports.InUse())

	logs, err := o.Logs("job", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestStart_CrashBeforeReady(t *testing.T) {
	cfg := testConfig(t, 2, testutil.FakeServerEnv(testutil.ModeCrash))
	cfg.Startup.MaxRetries = 0
	o := newTestOrchestrator(t, cfg)

	_, err := o.Start(context.Background(), "job", t.TempDir(), nil)
	require.Error(t, err)
	assert.Equal(t, CodeSpawnFailed, CodeOf(err))
	assert.True(t, errors.Is(err, service.ErrExitedBeforeReady))
}

func TestStart_ReadyCallbackOnce(t *testing.T) {
	cfg := testConfig(t, 2, testutil.FakeServerEnv(testutil.ModeReady))
	o := newTestOrchestrator(t, cfg)

	var calls atomic.Int32
	var gotURL atomic.Value
	p, err := o.Start(context.Background(), "job", t.TempDir(), func(jobID, url string) {
		calls.Add(1)
		gotURL.Store(url)
		// the job lock is released before the callback runs
		_, _ = o.Status(jobID)
		_ = o.Touch(jobID)
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, p.URL, gotURL.Load())
}

func TestStop_Idempotent(t *testing.T) {
	cfg := testConfig(t, 2, testutil.FakeServerEnv(testutil.ModeReady))
	o := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	require.NoError(t, o.Stop(ctx, "never-started"))

	p, err := o.Start(ctx, "job", t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, o.Stop(ctx, "job"))
	require.NoError(t, o.Stop(ctx, "job"))

	st, err := o.Status("job")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, st.State)
	assert.Zero(t, st.PID)
	assert.Equal(t, 0, o.ports.InUse())
	assert.Eventually(t, func() bool { return !service.ProcessAlive(p.PID) }, 5*time.Second, 50*time.Millisecond)

	persisted, err := o.registry.Persisted(ctx)
	require.NoError(t, err)
	assert.NotContains(t, persisted, "job")
}

func TestStop_CancelsInFlightStart(t *testing.T) {
	cfg := testConfig(t, 2, testutil.FakeServerEnv(testutil.ModeSilent))
	o := newTestOrchestrator(t, cfg)

	errCh := make(chan error, 1)
	go func() {
		_, err := o.Start(context.Background(), "job", t.TempDir(), nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		p, err := o.Status("job")
		return err == nil && p.State == StateStarting
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, o.Stop(context.Background(), "job"))

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrStartCancelled))
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	p, err := o.Status("job")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, p.State)
	assert.Equal(t, 0, o.ports.InUse())
}

func TestStart_PersistsState(t *testing.T) {
	cfg := testConfig(t, 2, testutil.FakeServerEnv(testutil.ModeReady))
	o := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	p, err := o.Start(ctx, "job", t.TempDir(), nil)
	require.NoError(t, err)

	persisted, err := registry.NewFileStore(cfg.State.Path).Load(ctx)
	require.NoError(t, err)
	require.Contains(t, persisted, "job")
	assert.Equal(t, p.Port, persisted["job"].Port)
	assert.Equal(t, p.PID, persisted["job"].PID)
	assert.Equal(t, string(StateReady), persisted["job"].State)

	rec, ok := o.registry.Get("job")
	require.True(t, ok)
	assert.Equal(t, string(StateReady), rec.State)
	assert.Equal(t, p.PID, rec.PID)
}

func TestShutdown_ClearsLeftoverRecords(t *testing.T) {
	cfg := testConfig(t, 1, nil)
	o, err := New(cfg, WithReclaimer(&recordingReclaimer{}))
	require.NoError(t, err)
	ctx := context.Background()

	// a record with no live preview behind it
	require.NoError(t, o.registry.Register(ctx, registry.Record{JobID: "ghost", Port: cfg.Ports.Start, State: "ready"}))
	require.NoError(t, o.Shutdown(ctx))

	persisted, err := registry.NewFileStore(cfg.State.Path).Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestCrash_IsVisibleAndNotRestarted(t *testing.T) {
	env := testutil.FakeServerEnv(testutil.ModeReady)
	maps.Copy(env, map[string]string{testutil.EnvExitAfter: "500ms"})
	cfg := testConfig(t, 2, env)
	o := newTestOrchestrator(t, cfg)

	events, cancel := o.Subscribe()
	defer cancel()

	p, err := o.Start(context.Background(), "job", t.TempDir(), nil)
	require.NoError(t, err)

	deadline := time.After(10 * time.Second)
	for crashed := false; !crashed; {
		select {
		case ev := <-events:
			crashed = ev.Type == EventCrashed && ev.JobID == "job"
		case <-deadline:
			t.Fatal("no crash event")
		}
	}

	st, err := o.Status("job")
	require.NoError(t, err)
	assert.Equal(t, StateError, st.State)
	assert.Equal(t, 1, st.CrashCount)
	assert.Equal(t, p.RunID, st.RunID)
	assert.Contains(t, st.Error, "exit status 3")
	assert.Equal(t, 0, o.ports.InUse())

	time.Sleep(200 * time.Millisecond)
	st, _ = o.Status("job")
	assert.Equal(t, StateError, st.State, "crashed preview must not be restarted")
}

func TestReapIdle(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cfg := testConfig(t, 3, testutil.FakeServerEnv(testutil.ModeReady))
	cfg.Idle.Timeout = 5 * time.Minute
	o := newTestOrchestrator(t, cfg, WithClock(clock.Now))
	ctx := context.Background()

	idle, err := o.Start(ctx, "idle", t.TempDir(), nil)
	require.NoError(t, err)
	_, err = o.Start(ctx, "busy", t.TempDir(), nil)
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	assert.Empty(t, o.ReapIdle(ctx))

	clock.Advance(2 * time.Minute)
	require.True(t, o.Touch("busy"))
	assert.Equal(t, []string{"idle"}, o.ReapIdle(ctx))

	st, err := o.Status("idle")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, st.State)
	_, owned := o.ports.Owner(idle.Port)
	assert.False(t, owned)

	busy, err := o.Status("busy")
	require.NoError(t, err)
	assert.Equal(t, StateReady, busy.State)

	// stopped entries are purged once they age out
	clock.Advance(6 * time.Minute)
	require.True(t, o.Touch("busy"))
	o.ReapIdle(ctx)
	_, err = o.Status("idle")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestReapIdle_HeartbeatKeepsPreview(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cfg := testConfig(t, 1, testutil.FakeServerEnv(testutil.ModeReady))
	cfg.Idle.Timeout = 5 * time.Minute
	o := newTestOrchestrator(t, cfg, WithClock(clock.Now))
	ctx := context.Background()

	p, err := o.Start(ctx, "job", t.TempDir(), nil)
	require.NoError(t, err)

	// traffic straight to the upstream URL is invisible; the heartbeat is not
	for range 6 {
		clock.Advance(time.Minute)
		assert.Contains(t, get(t, p.UpstreamURL+"/"), "fake dev server")
		require.True(t, o.Touch("job"))
	}
	assert.Empty(t, o.ReapIdle(ctx))

	st, err := o.Status("job")
	require.NoError(t, err)
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, clock.Now(), st.LastActivity)

	require.NoError(t, o.Stop(ctx, "job"))
	assert.False(t, o.Touch("job"), "stopped previews cannot be kept alive")
}

func TestStart_PublicURLUsesProxy(t *testing.T) {
	cfg := testConfig(t, 1, testutil.FakeServerEnv(testutil.ModeReady))
	cfg.Server.PublicURL = "http://127.0.0.1:7070/"
	o := newTestOrchestrator(t, cfg)

	var got string
	p, err := o.Start(context.Background(), "job 1", t.TempDir(), func(jobID, url string) { got = url })
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:7070/preview/job%201/", p.URL)
	assert.Equal(t, p.URL, got)
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d", p.Port), p.UpstreamURL)
	assert.Contains(t, get(t, p.UpstreamURL+"/x"), "fake dev server /x")
}

func TestRestart(t *testing.T) {
	cfg := testConfig(t, 2, testutil.FakeServerEnv(testutil.ModeReady))
	o := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	_, err := o.Restart(ctx, "unknown", nil)
	assert.True(t, errors.Is(err, ErrNotFound))

	first, err := o.Start(ctx, "job", t.TempDir(), nil)
	require.NoError(t, err)
	second, err := o.Restart(ctx, "job", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.ProjectPath, second.ProjectPath)
	assert.Equal(t, StateReady, second.State)
}

func TestStatus_Unknown(t *testing.T) {
	cfg := testConfig(t, 1, nil)
	o := newTestOrchestrator(t, cfg)
	_, err := o.Status("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = o.Logs("nope", 5)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func startOrphan(t *testing.T, port int) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$") // #nosec G204 -- test binary
	cmd.Env = append(os.Environ(),
		testutil.EnvMode+"="+testutil.ModeHold,
		"HOST=127.0.0.1",
		fmt.Sprintf("PORT=%d", port))
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	require.NoError(t, service.WaitForPort(context.Background(), "127.0.0.1", port, 10*time.Second))
	return cmd
}

func TestRecoverOnStartup(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("socket ownership lookup needs elevated rights on windows")
	}
	ctx := context.Background()

	tests := []struct {
		name      string
		orphan    bool
		wantKills bool
	}{
		{name: "free port", orphan: false, wantKills: false},
		{name: "orphan holds port", orphan: true, wantKills: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, 2, testutil.FakeServerEnv(testutil.ModeReady))
			port := cfg.Ports.Start

			var orphan *exec.Cmd
			if tt.orphan {
				orphan = startOrphan(t, port)
			}

			store := registry.NewFileStore(cfg.State.Path)
			require.NoError(t, store.Save(ctx, map[string]registry.Record{
				"old": {JobID: "old", Port: port, PID: 999999, State: "ready", StartedAt: time.Now()},
			}))

			var kills atomic.Int32
			r := reclaim.New(
				reclaim.WithSettleDelay(20*time.Millisecond),
				reclaim.WithPortProbe(func(p int) bool { return portmanager.IsPortAvailable("127.0.0.1", p) }),
				reclaim.WithKillHook(func(int, int) { kills.Add(1) }),
			)
			o := newTestOrchestrator(t, cfg, WithReclaimer(r))

			report, err := o.RecoverOnStartup(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, report.Entries)
			assert.Equal(t, []string{"old"}, report.Jobs)
			assert.Equal(t, []int{port}, report.Cleared)
			assert.Equal(t, tt.wantKills, kills.Load() > 0)

			if orphan != nil {
				done := make(chan struct{})
				go func() { _ = orphan.Wait(); close(done) }()
				select {
				case <-done:
				case <-time.After(10 * time.Second):
					t.Fatal("orphan survived recovery")
				}
			}

			persisted, err := store.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, persisted)
			assert.Empty(t, o.List())

			p, err := o.Start(ctx, "new", t.TempDir(), nil)
			require.NoError(t, err)
			assert.Equal(t, StateReady, p.State)
		})
	}
}

func TestErrors(t *testing.T) {
	err := newError(CodePortsExhausted, "job", "full").withCause(io.EOF).withSuggestion("wait")
	assert.True(t, errors.Is(err, ErrPortsExhausted))
	assert.False(t, errors.Is(err, ErrStartupTimeout))
	assert.True(t, errors.Is(err, io.EOF))
	assert.Equal(t, CodePortsExhausted, CodeOf(fmt.Errorf("wrapped: %w", err)))
	assert.Contains(t, err.Error(), "[PORTS_EXHAUSTED] job: full")
	assert.Contains(t, err.Error(), "suggestion: wait")
	assert.Equal(t, ErrorCode(""), CodeOf(io.EOF))
}

func TestCancelledError(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t, 1, nil))

	parent, cancel := context.WithCancel(context.Background())
	superseded := o.cancelledError(parent, "job")
	assert.Equal(t, CodeStopped, superseded.Code)
	assert.True(t, errors.Is(superseded, ErrStartCancelled))
	assert.Nil(t, superseded.Cause)

	cancel()
	byCaller := o.cancelledError(parent, "job")
	assert.Equal(t, CodeStopped, byCaller.Code)
	assert.True(t, errors.Is(byCaller, context.Canceled))

	snap, err := o.fail(context.Background(), &Preview{JobID: "job", State: StateLaunching}, byCaller)
	assert.Equal(t, StateStopped, snap.State)
	assert.True(t, errors.Is(err, ErrStartCancelled))
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var inside atomic.Int32
	var max atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			unlock := k.Lock("a")
			n := inside.Add(1)
			if n > max.Load() {
				max.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), max.Load())
	assert.Empty(t, k.locks)
}

func TestEventBus(t *testing.T) {
	b := newEventBus()
	ch, cancel := b.subscribe()
	b.publish(Event{Type: EventReady, JobID: "a"})
	ev := <-ch
	assert.Equal(t, EventReady, ev.Type)

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	ch2, _ := b.subscribe()
	b.close()
	_, ok = <-ch2
	assert.False(t, ok)
	b.publish(Event{Type: EventStopped})
}
