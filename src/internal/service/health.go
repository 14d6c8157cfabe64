package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultProbeTimeout bounds a single health probe.
const DefaultProbeTimeout = 3 * time.Second

// Port polling intervals used by WaitForPort.
const (
	PortCheckInitialInterval = 100 * time.Millisecond
	PortCheckMaxInterval     = time.Second
	BackoffMultiplier        = 1.5
)

var probeClient = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		// Don't follow redirects; a 3xx already proves the server answers.
		return http.ErrUseLastResponse
	},
}

// HTTPHealthCheck probes url with HEAD, falling back to GET. Any 2xx or 3xx is healthy.
func HTTPHealthCheck(ctx context.Context, url string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if status, err := probe(ctx, http.MethodHead, url); err == nil && status >= 200 && status < 400 {
		return nil
	}

	status, err := probe(ctx, http.MethodGet, url)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	if status >= 200 && status < 400 {
		return nil
	}
	return fmt.Errorf("HTTP health check failed with status: %d", status)
}

func probe(ctx context.Context, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := probeClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// PortHealthCheck verifies that something accepts TCP connections on host:port.
func PortHealthCheck(host string, port int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return fmt.Errorf("port %d not listening: %w", port, err)
	}
	if err := conn.Close(); err != nil {
		slog.Debug("failed to close health check connection", slog.String("error", err.Error()))
	}
	return nil
}

// WaitForPort polls host:port with exponential backoff until it accepts a
// connection, timeout elapses or ctx ends.
func WaitForPort(ctx context.Context, host string, port int, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = timeout
	b.InitialInterval = PortCheckInitialInterval
	b.MaxInterval = PortCheckMaxInterval
	b.Multiplier = BackoffMultiplier

	operation := func() error {
		return PortHealthCheck(host, port, PortCheckMaxInterval)
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}
