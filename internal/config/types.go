package config

import (
	"fmt"
	"strings"
)

// Config is the on-disk configuration. JSON and YAML are both accepted;
// all durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Dispatch DispatchConfig `json:"dispatch"`
	Engine   EngineConfig   `json:"engine"`
	Notify   *NotifyConfig  `json:"notify,omitempty"`
	Cache    *CacheConfig   `json:"cache,omitempty"`
	Pprof    *PprofConfig   `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend. Nil means in-memory.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cronflow.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "memory" or "sqlite"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DispatchConfig controls the scheduling loop.
//
// Defaults (when fields are omitted/zero):
//   - interval: "30s"
//   - workers: 4
//   - max_attempts: 5
type DispatchConfig struct {
	Enabled     bool   `json:"enabled"`
	Interval    string `json:"interval,omitempty"`
	Workers     int    `json:"workers,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

// EngineConfig controls workflow execution.
type EngineConfig struct {
	// RunTimeout bounds a single workflow run. "0s" disables the bound.
	RunTimeout string `json:"run_timeout,omitempty"`
}

// NotifyConfig controls the async notification pipeline. If the whole
// section is omitted the notifier stays disabled.
type NotifyConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`

	Delivery *DeliveryConfig `json:"delivery,omitempty"`
}

// DeliveryConfig points notifications at an HTTP webhook. If omitted,
// notifications are logged instead of delivered.
type DeliveryConfig struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key,omitempty"` // sent as a bearer token; never logged
	Timeout  string `json:"timeout,omitempty"`
}

// PprofConfig controls the optional profiling server. Prefer binding
// to localhost; a non-loopback bind needs a token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// CacheConfig tunes the shared resource cache.
type CacheConfig struct {
	TTL     string `json:"ttl,omitempty"`
	FailTTL string `json:"fail_ttl,omitempty"`
}

// Validate rejects configs that would fail later at wiring time: bad
// duration strings, unknown drivers, unknown log levels.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path: required when file logging is enabled")
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "memory":
		case "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("storage.path: required for sqlite driver")
			}
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}

	if _, err := ParseDurationField("dispatch.interval", c.Dispatch.Interval); err != nil {
		return err
	}
	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers: must be >= 0")
	}
	if c.Dispatch.MaxAttempts < 0 {
		return fmt.Errorf("dispatch.max_attempts: must be >= 0")
	}

	if _, err := ParseDurationField("engine.run_timeout", c.Engine.RunTimeout); err != nil {
		return err
	}

	if n := c.Notify; n != nil {
		for _, f := range []struct{ path, raw string }{
			{"notify.retry_base", n.RetryBase},
			{"notify.retry_max_delay", n.RetryMaxDelay},
			{"notify.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
		if d := n.Delivery; d != nil {
			if strings.TrimSpace(d.Endpoint) == "" {
				return fmt.Errorf("notify.delivery.endpoint: required")
			}
			if _, err := ParseDurationField("notify.delivery.timeout", d.Timeout); err != nil {
				return err
			}
		}
	}

	if cc := c.Cache; cc != nil {
		if _, err := ParseDurationField("cache.ttl", cc.TTL); err != nil {
			return err
		}
		if _, err := ParseDurationField("cache.fail_ttl", cc.FailTTL); err != nil {
			return err
		}
	}
	return nil
}
