package service

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jongio/app-preview/cli/src/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunFakeServerIfRequested()
	os.Exit(m.Run())
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

type recordingClearer struct {
	mu    sync.Mutex
	ports []int
}

func (r *recordingClearer) ClearPort(ctx context.Context, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports = append(r.ports, port)
	return nil
}

func (r *recordingClearer) cleared() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.ports...)
}

func newTestSupervisor(t *testing.T, opts ...SupervisorOption) *Supervisor {
	t.Helper()
	base := []SupervisorOption{
		WithSettleDelay(50 * time.Millisecond),
		WithGracePeriod(500 * time.Millisecond),
		WithLogs(t.TempDir(), 100, false),
	}
	s := NewSupervisor(append(base, opts...)...)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func fakeRequest(t *testing.T, jobID, mode string) SpawnRequest {
	t.Helper()
	return SpawnRequest{
		JobID:   jobID,
		RunID:   "run-" + jobID,
		Dir:     t.TempDir(),
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Host:    "127.0.0.1",
		Port:    freePort(t),
		Env:     testutil.FakeServerEnv(mode),
	}
}

func TestSupervisor_SpawnReady(t *testing.T) {
	clearer := &recordingClearer{}
	s := newTestSupervisor(t, WithReclaimer(clearer))
	req := fakeRequest(t, "job-a", testutil.ModeReady)

	proc, err := s.Spawn(context.Background(), req)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if err := proc.WaitReady(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if proc.ReadyAt().IsZero() {
		t.Error("ReadyAt() is zero after WaitReady succeeded")
	}
	// the banner line is the first marker the fake prints
	if !strings.Contains(proc.ReadyLine(), "ready in") {
		t.Errorf("ReadyLine() = %q, want the ready in banner", proc.ReadyLine())
	}
	if !ProcessAlive(proc.PID()) {
		t.Error("ProcessAlive() = false for a ready process")
	}

	resp, err := http.Get(proc.URL() + "/hello")
	if err != nil {
		t.Fatalf("GET preview: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "/hello") {
		t.Errorf("preview body = %q", body)
	}

	logs := s.Logs("job-a", 10)
	if len(logs) == 0 {
		t.Fatal("Logs() returned nothing")
	}
	for _, entry := range logs {
		if entry.JobID != "job-a" {
			t.Errorf("log entry job = %q, want job-a", entry.JobID)
		}
	}

	if !s.Terminate(context.Background(), "job-a") {
		t.Fatal("Terminate() = false, want true")
	}
	if !proc.Exited() {
		t.Error("process still running after Terminate")
	}
	if !proc.Terminating() {
		t.Error("Terminating() = false after Terminate")
	}
	if got := clearer.cleared(); len(got) != 1 || got[0] != req.Port {
		t.Errorf("reclaimer saw %v, want [%d]", got, req.Port)
	}
	if s.Terminate(context.Background(), "job-a") {
		t.Error("second Terminate() = true, want false")
	}
	if s.Get("job-a") != nil {
		t.Error("Get() returned a terminated process")
	}
}

func TestSupervisor_WaitReadyFailures(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		timeout time.Duration
		wantErr error
	}{
		{"bind conflict", testutil.ModeConflict, 10 * time.Second, ErrBindConflict},
		{"crash before ready", testutil.ModeCrash, 10 * time.Second, ErrExitedBeforeReady},
		{"no readiness marker", testutil.ModeSilent, 750 * time.Millisecond, ErrStartupTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSupervisor(t)
			proc, err := s.Spawn(context.Background(), fakeRequest(t, "job", tt.mode))
			if err != nil {
				t.Fatalf("Spawn() error = %v", err)
			}
			err = proc.WaitReady(context.Background(), tt.timeout)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("WaitReady() error = %v, want %v", err, tt.wantErr)
			}
			s.Terminate(context.Background(), "job")
		})
	}
}

func TestSupervisor_WaitReadyContextCancel(t *testing.T) {
	s := newTestSupervisor(t)
	proc, err := s.Spawn(context.Background(), fakeRequest(t, "job", testutil.ModeSilent))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := proc.WaitReady(ctx, time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitReady() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestSupervisor_SpawnFailures(t *testing.T) {
	s := newTestSupervisor(t)

	req := fakeRequest(t, "bad-command", testutil.ModeReady)
	req.Command = "definitely-not-a-real-dev-server-binary"
	if _, err := s.Spawn(context.Background(), req); !errors.Is(err, ErrSpawnFailed) {
		t.Errorf("Spawn(missing binary) error = %v, want ErrSpawnFailed", err)
	}

	req = fakeRequest(t, "bad-dir", testutil.ModeReady)
	req.Dir = req.Dir + "/does-not-exist"
	if _, err := s.Spawn(context.Background(), req); !errors.Is(err, ErrSpawnFailed) {
		t.Errorf("Spawn(missing dir) error = %v, want ErrSpawnFailed", err)
	}

	if len(s.Jobs()) != 0 {
		t.Errorf("Jobs() = %v, want none after failed spawns", s.Jobs())
	}
}

func TestSupervisor_TerminateForcesStubbornProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("SIGTERM is not delivered on Windows")
	}
	s := newTestSupervisor(t, WithGracePeriod(300*time.Millisecond))
	proc, err := s.Spawn(context.Background(), fakeRequest(t, "stubborn", testutil.ModeStubborn))
	if err != nil {
		t.Fatal(err)
	}
	if err := proc.WaitReady(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	start := time.Now()
	s.Terminate(context.Background(), "stubborn")
	if !proc.Exited() {
		t.Fatal("stubborn process survived Terminate")
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("Terminate took %v, want at least the grace period", elapsed)
	}
	if ProcessAlive(proc.PID()) {
		t.Error("ProcessAlive() = true after forced kill")
	}
}

func TestSupervisor_TerminateKillsGroupAfterLeaderExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process groups are unix only")
	}
	s := newTestSupervisor(t)
	req := fakeRequest(t, "handoff", testutil.ModeHandoff)
	proc, err := s.Spawn(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-proc.Done():
	case <-time.After(15 * time.Second):
		t.Fatal("leader did not exit after handing off")
	}
	if err := PortHealthCheck(req.Host, req.Port, time.Second); err != nil {
		t.Fatalf("grandchild not listening: %v", err)
	}

	s.Terminate(context.Background(), "handoff")

	deadline := time.Now().Add(5 * time.Second)
	for PortHealthCheck(req.Host, req.Port, 200*time.Millisecond) == nil {
		if time.Now().After(deadline) {
			t.Fatalf("port %d still served after Terminate", req.Port)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestSupervisor_SpawnReplacesExistingProcess(t *testing.T) {
	s := newTestSupervisor(t)
	first, err := s.Spawn(context.Background(), fakeRequest(t, "job", testutil.ModeReady))
	if err != nil {
		t.Fatal(err)
	}
	if err := first.WaitReady(context.Background(), 10*time.Second); err != nil {
		t.Fatal(err)
	}

	second, err := s.Spawn(context.Background(), fakeRequest(t, "job", testutil.ModeReady))
	if err != nil {
		t.Fatal(err)
	}
	if !first.Exited() {
		t.Error("first process still running after a second Spawn for the same job")
	}
	if s.Get("job") != second {
		t.Error("Get() does not return the replacement process")
	}
}

func TestSupervisor_LogBufferSurvivesAttempts(t *testing.T) {
	s := newTestSupervisor(t)
	for i := 0; i < 2; i++ {
		proc, err := s.Spawn(context.Background(), fakeRequest(t, "job", testutil.ModeCrash))
		if err != nil {
			t.Fatal(err)
		}
		<-proc.Done()
		s.Terminate(context.Background(), "job")
	}

	var crashes int
	for _, e := range s.Logs("job", 100) {
		if strings.Contains(e.Message, "TypeError") {
			crashes++
			if !e.IsStderr || e.Level != LogLevelError {
				t.Errorf("crash line = %+v, want stderr at error level", e)
			}
		}
	}
	if crashes != 2 {
		t.Errorf("found %d crash lines across attempts, want 2", crashes)
	}

	s.Forget("job")
	if s.Buffer("job") != nil {
		t.Error("Buffer() still present after Forget")
	}
}

func TestPreviewURL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"127.0.0.1", "http://127.0.0.1:5000"},
		{"0.0.0.0", "http://localhost:5000"},
		{"", "http://localhost:5000"},
		{"::1", "http://[::1]:5000"},
	}
	for _, tt := range tests {
		if got := PreviewURL(tt.host, 5000); got != tt.want {
			t.Errorf("PreviewURL(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestProcessAlive(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Error("ProcessAlive(self) = false")
	}
	if ProcessAlive(0) || ProcessAlive(-1) {
		t.Error("ProcessAlive() = true for a non-positive pid")
	}
}
