package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "cronflow/pkg/logx"
)

// HTTPSinkConfig configures delivery to the chat platform's internal
// notification endpoint.
type HTTPSinkConfig struct {
	// Endpoint receives a JSON POST per notification.
	Endpoint string

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	// Timeout is the client-level bound; the pipeline also applies its
	// per-call DeliverTimeout.
	Timeout time.Duration
}

// HTTPSink posts notifications as JSON.
type HTTPSink struct {
	cfg    HTTPSinkConfig
	client *http.Client
}

func NewHTTPSink(cfg HTTPSinkConfig) (*HTTPSink, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("notify: http sink endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (s *HTTPSink) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: endpoint returned %s", resp.Status)
	}
	return nil
}

// LogSink writes notifications to the log. It is the fallback when no
// delivery endpoint is configured.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log.With(logx.String("svc", "notify"))}
}

func (s *LogSink) Deliver(ctx context.Context, n Notification) error {
	s.log.Info("notification",
		logx.String("owner", n.Owner),
		logx.String("event", n.Event),
		logx.String("title", n.Title),
		logx.String("body", n.Body))
	return nil
}
