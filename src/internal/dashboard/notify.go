package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	notifyAttempts = 4
	notifyTimeout  = 5 * time.Second
)

// ReadyNotification is posted to a start request's callbackUrl.
type ReadyNotification struct {
	JobID string    `json:"jobId"`
	URL   string    `json:"url"`
	At    time.Time `json:"at"`
}

// Notifier delivers ready notifications with retries.
type Notifier struct {
	client  *http.Client
	backoff func() backoff.BackOff
}

// NewNotifier returns a Notifier using client, or a default client when nil.
func NewNotifier(client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: notifyTimeout}
	}
	return &Notifier{
		client: client,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return backoff.WithMaxRetries(b, notifyAttempts-1)
		},
	}
}

// Notify posts {jobId, url} to callbackURL. Server errors and transport
// failures are retried; 4xx responses are not.
func (n *Notifier) Notify(ctx context.Context, callbackURL, jobID, previewURL string) error {
	body, err := json.Marshal(ReadyNotification{JobID: jobID, URL: previewURL, At: time.Now()})
	if err != nil {
		return err
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("callback returned %s", resp.Status)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("callback rejected: %s", resp.Status))
		}
		return nil
	}

	err = backoff.Retry(operation, backoff.WithContext(n.backoff(), ctx))
	if err != nil {
		slog.Warn("ready notification failed",
			slog.String("job", jobID),
			slog.String("callback", callbackURL),
			slog.String("error", err.Error()))
		return err
	}
	slog.Debug("ready notification delivered",
		slog.String("job", jobID),
		slog.String("callback", callbackURL))
	return nil
}
