package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cronflow/pkg/logx"
)

// SummarizeConfigChange returns the list of changed sections plus safe
// structured attrs for logging. Secrets (delivery api_key) are reported
// as set/unset only.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Nil storage means in-memory.
	oldS, newS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if !reflect.DeepEqual(oldS, newS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newS.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", newCfg.Dispatch.Enabled),
			logx.String("dispatch.interval", strings.TrimSpace(newCfg.Dispatch.Interval)),
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.max_attempts", newCfg.Dispatch.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.run_timeout", strings.TrimSpace(newCfg.Engine.RunTimeout)),
		)
	}

	oldN, newN := derefNotify(oldCfg.Notify), derefNotify(newCfg.Notify)
	if !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notify")
		var endpointSet, keySet bool
		if d := newN.Delivery; d != nil {
			endpointSet = strings.TrimSpace(d.Endpoint) != ""
			keySet = strings.TrimSpace(d.APIKey) != ""
		}
		attrs = append(attrs,
			logx.Bool("notify.enabled", newN.Enabled),
			logx.Int("notify.workers", newN.Workers),
			logx.Int("notify.queue_size", newN.QueueSize),
			logx.Int("notify.rate_per_sec", newN.RatePerSec),
			logx.Bool("notify.delivery_endpoint_set", endpointSet),
			logx.Bool("notify.delivery_key_set", keySet),
		)
	}

	oldP, newP := derefPprof(oldCfg.Pprof), derefPprof(newCfg.Pprof)
	if oldP != newP {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newP.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newP.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newP.Token) != ""),
			logx.Bool("pprof.allow_insecure", newP.AllowInsecure),
		)
	}

	oldC, newC := derefCache(oldCfg.Cache), derefCache(newCfg.Cache)
	if !reflect.DeepEqual(oldC, newC) {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.String("cache.ttl", strings.TrimSpace(newC.TTL)),
			logx.String("cache.fail_ttl", strings.TrimSpace(newC.FailTTL)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{}
	}
	return *n
}

func derefPprof(p *PprofConfig) PprofConfig {
	if p == nil {
		return PprofConfig{}
	}
	return *p
}

func derefCache(c *CacheConfig) CacheConfig {
	if c == nil {
		return CacheConfig{}
	}
	return *c
}
