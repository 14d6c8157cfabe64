// Package testutil provides a fake dev server that test binaries re-execute
// themselves as, so supervisor and orchestrator tests can run real child
// processes without a shell or Node.js.
package testutil

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Environment variables understood by the fake server.
const (
	EnvMode      = "PREVIEW_FAKE_SERVER"
	EnvCounter   = "PREVIEW_FAKE_COUNTER"
	EnvFails     = "PREVIEW_FAKE_FAILS"
	EnvExitAfter = "PREVIEW_FAKE_EXIT_AFTER"
)

// Fake server modes.
const (
	// ModeReady listens on HOST:PORT, prints a readiness marker and serves 200s.
	ModeReady = "ready"
	// ModeSilent listens but never prints a readiness marker.
	ModeSilent = "silent"
	// ModeConflict prints EADDRINUSE and exits 1.
	ModeConflict = "conflict"
	// ModeCrash exits 1 immediately.
	ModeCrash = "crash"
	// ModeStubborn behaves like ModeReady but ignores SIGTERM.
	ModeStubborn = "stubborn"
	// ModeFlaky acts like ModeConflict for the first EnvFails runs, counted
	// in the EnvCounter file, then like ModeReady.
	ModeFlaky = "flaky"
	// ModeMarkerOnly prints a readiness marker without listening.
	ModeMarkerOnly = "marker-only"
	// ModeHold listens without printing anything, like an orphaned server.
	ModeHold = "hold"
	// ModeHandoff starts a ModeHold child in the same process group, waits
	// until the child listens, then exits 0 leaving the child behind.
	ModeHandoff = "handoff"
)

// RunFakeServerIfRequested turns the current process into the fake server
// when EnvMode is set, and exits when it is done. Call it first in TestMain.
func RunFakeServerIfRequested() {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		return
	}
	os.Exit(runFakeServer(mode))
}

// FakeServerEnv returns the environment that selects mode.
func FakeServerEnv(mode string) map[string]string {
	return map[string]string{EnvMode: mode}
}

// FlakyEnv returns the environment for ModeFlaky failing fails times.
func FlakyEnv(counterFile string, fails int) map[string]string {
	return map[string]string{
		EnvMode:    ModeFlaky,
		EnvCounter: counterFile,
		EnvFails:   strconv.Itoa(fails),
	}
}

// Runs reads how many times a ModeFlaky server started.
func Runs(counterFile string) int {
	data, err := os.ReadFile(counterFile) // #nosec G304 -- test helper
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return n
}

func runFakeServer(mode string) int {
	host := os.Getenv("HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("PORT")

	switch mode {
	case ModeConflict:
		return conflict(port)
	case ModeCrash:
		fmt.Fprintln(os.Stderr, "TypeError: Cannot read properties of undefined")
		return 1
	case ModeMarkerOnly:
		fmt.Printf("  ➜  Local:   http://localhost:%s/\n", port)
		waitForSignal()
		return 0
	case ModeFlaky:
		run := bump(os.Getenv(EnvCounter))
		fails, _ := strconv.Atoi(os.Getenv(EnvFails))
		if run <= fails {
			return conflict(port)
		}
		return serve(host, port, true, false)
	case ModeStubborn:
		signal.Ignore(syscall.SIGTERM, syscall.SIGINT)
		return serve(host, port, true, true)
	case ModeHandoff:
		return handoff(host, port)
	case ModeSilent, ModeHold:
		return serve(host, port, false, false)
	default:
		return serve(host, port, true, false)
	}
}

func handoff(host, port string) int {
	// #nosec G204 -- re-executes the test binary
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), EnvMode+"="+ModeHold)
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "handoff failed: %v\n", err)
		return 1
	}
	addr := net.JoinHostPort(host, port)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
			_ = conn.Close()
			fmt.Println("server handed off")
			return 0
		}
		time.Sleep(50 * time.Millisecond)
	}
	return 1
}

func conflict(port string) int {
	fmt.Fprintf(os.Stderr, "Error: listen EADDRINUSE: address already in use :::%s\n", port)
	return 1
}

func serve(host, port string, announce, stubborn bool) int {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return conflict(port)
		}
		fmt.Fprintf(os.Stderr, "listen failed: %v\n", err)
		return 1
	}

	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprintf(w, "fake dev server %s", r.URL.Path)
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()

	fmt.Println("> fake-app@0.0.0 dev")
	if announce {
		fmt.Printf("  VITE v5.0.0  ready in 42 ms\n")
		fmt.Printf("  ➜  Local:   http://localhost:%s/\n", port)
	}

	if d, err := time.ParseDuration(os.Getenv(EnvExitAfter)); err == nil {
		time.Sleep(d)
		return 3
	}
	if stubborn {
		for {
			time.Sleep(time.Hour)
		}
	}
	waitForSignal()
	return 0
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, os.Interrupt)
	<-ch
}

// bump increments the run counter in path and returns the new value.
func bump(path string) int {
	n := Runs(path) + 1
	if path != "" {
		_ = os.MkdirAll(filepath.Dir(path), 0o750)
		_ = os.WriteFile(path, []byte(strconv.Itoa(n)), 0o600)
	}
	return n
}
