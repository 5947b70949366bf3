package notify

import (
	"context"
	"time"
)

// Notification is one owner-facing message about a workflow or execution.
type Notification struct {
	Owner   string            `json:"owner"`
	Event   string            `json:"event"`
	Title   string            `json:"title,omitempty"`
	Body    string            `json:"body,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Sink delivers one notification. Implementations must honor ctx.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Deliver(ctx context.Context, n Notification) error { return f(ctx, n) }

// Config controls the notification pipeline.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// RatePerSec is the delivery token-bucket rate (burst equals rate).
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// DedupWindow suppresses identical notifications within the window.
	// 0 disables dedup.
	DedupWindow     time.Duration
	DedupMaxEntries int

	// DeliverTimeout bounds one sink call.
	DeliverTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 10 * time.Second
	}
	return c
}
