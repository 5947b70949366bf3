// Package app wires the daemon together: config, logging, storage,
// engine, dispatcher, and the notification pipeline. Construction is
// explicit; there are no package-level singletons.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cronflow/internal/config"
	"cronflow/internal/cronspec"
	"cronflow/internal/dispatch"
	"cronflow/internal/eventbus"
	"cronflow/internal/execution"
	"cronflow/internal/flight"
	"cronflow/internal/notify"
	"cronflow/internal/observability/pprof"
	"cronflow/internal/runtime/supervisor"
	"cronflow/internal/storage"
	"cronflow/internal/workflow"
	logx "cronflow/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	store storage.Store
	eval  *cronspec.Evaluator
	cache *flight.Cache[string]

	tracker *execution.Tracker
	engine  *workflow.Engine
	notif   *notify.Service
	bridge  *notify.Bridge
	disp    *dispatch.Dispatcher
	prof    *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	eval := cronspec.New()

	store, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}

	cacheCfg, err := mapCacheConfig(cfg)
	if err != nil {
		return nil, err
	}
	cache := flight.New[string](cacheCfg, log.With(logx.String("comp", "flight")))

	ncfg, sink, err := mapNotifyConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	notif := notify.New(ncfg, sink, bus, log.With(logx.String("comp", "notify")))
	bridge := notify.NewBridge(bus, notif, log.With(logx.String("comp", "notify.bridge")))

	tracker := execution.New(store, execution.Config{}, log.With(logx.String("comp", "execution")))
	runner := newStepRunner(notif, cache, log)

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine := workflow.New(store, tracker, eval, runner, bus, engCfg, log.With(logx.String("comp", "workflow")))

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(store, engine, tracker, eval, runner, bus, dcfg, log.With(logx.String("comp", "dispatch")))

	prof := pprof.New(mapPprofConfig(cfg), log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		eval:    eval,
		cache:   cache,
		tracker: tracker,
		engine:  engine,
		notif:   notif,
		bridge:  bridge,
		disp:    disp,
		prof:    prof,
	}, nil
}

// Engine exposes the workflow engine for embedding callers.
func (a *App) Engine() *workflow.Engine { return a.engine }

// Tracker exposes execution history for embedding callers.
func (a *App) Tracker() *execution.Tracker { return a.tracker }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		// Mapping must also succeed or the reload would half-apply.
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapNotifyConfig(cfg, logx.Nop()); err != nil {
			return err
		}
		return nil
	})

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.sup.Go("notify.bridge", a.bridge.Run)
	a.disp.Start(a.sup.Context())
	if a.prof.Enabled() {
		a.prof.Start(a.sup.Context())
	}

	a.sup.Go("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "dispatch":
			dcfg, err := mapDispatchConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid dispatch config; keeping previous", logx.Any("err", err))
				continue
			}
			a.disp.Apply(a.sup.Context(), dcfg)
		case "engine":
			a.log.Warn("engine config changed; restart required for changes to take effect")
		case "notify":
			ncfg, sink, err := mapNotifyConfig(newCfg, a.log)
			if err != nil {
				a.log.Warn("invalid notify config; keeping previous", logx.Any("err", err))
				continue
			}
			_ = sink // sink swap needs a restart; queue/rate/retry apply live
			prevEnabled := a.notif.Enabled()
			a.notif.Apply(ncfg)
			if prevEnabled && !ncfg.Enabled {
				a.log.Info("notifications disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			} else if !prevEnabled && ncfg.Enabled {
				a.log.Info("notifications enabled via config")
				a.notif.Start(a.sup.Context())
			}
		case "pprof":
			a.prof.Reconfigure(a.sup.Context(), mapPprofConfig(newCfg))
		case "cache":
			// TTLs are fixed at construction; dropping cached entries is
			// the most a reload can do.
			a.cache.InvalidateAll()
			a.log.Warn("cache config changed; entries dropped, new TTLs apply after restart")
		}
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("dispatch", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("pprof", time.Second, func(c context.Context) error { a.prof.Stop(c); return nil })
	step("notify", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// ---- config mapping ----

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc := storage.Config{Driver: "memory"}
	if s := cfg.Storage; s != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		if err != nil {
			return nil, err
		}
		sc = storage.Config{Driver: s.Driver, Path: s.Path, BusyTimeout: busy}
	}
	return storage.Open(sc, log.With(logx.String("comp", "storage")))
}

func mapEngineConfig(cfg *config.Config) (workflow.Config, error) {
	runTimeout, err := config.ParseDurationField("engine.run_timeout", cfg.Engine.RunTimeout)
	if err != nil {
		return workflow.Config{}, err
	}
	return workflow.Config{RunTimeout: runTimeout}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	interval, err := config.ParseDurationField("dispatch.interval", cfg.Dispatch.Interval)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Enabled:     cfg.Dispatch.Enabled,
		Interval:    interval,
		Workers:     cfg.Dispatch.Workers,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
	}, nil
}

func mapCacheConfig(cfg *config.Config) (flight.Config, error) {
	out := flight.Config{}
	if c := cfg.Cache; c != nil {
		ttl, err := config.ParseDurationField("cache.ttl", c.TTL)
		if err != nil {
			return out, err
		}
		failTTL, err := config.ParseDurationField("cache.fail_ttl", c.FailTTL)
		if err != nil {
			return out, err
		}
		out.TTL = ttl
		out.FailTTL = failTTL
	}
	return out, nil
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	if p := cfg.Pprof; p != nil {
		return pprof.Config{
			Enabled:       p.Enabled,
			Addr:          p.Addr,
			Token:         p.Token,
			AllowInsecure: p.AllowInsecure,
		}
	}
	return pprof.Config{}
}

// mapNotifyConfig builds the pipeline config and its sink. Without a
// delivery endpoint notifications go to the log sink.
func mapNotifyConfig(cfg *config.Config, log logx.Logger) (notify.Config, notify.Sink, error) {
	n := cfg.Notify
	if n == nil {
		return notify.Config{}, notify.NewLogSink(log), nil
	}

	retryBase, err := config.ParseDurationField("notify.retry_base", n.RetryBase)
	if err != nil {
		return notify.Config{}, nil, err
	}
	retryMaxDelay, err := config.ParseDurationField("notify.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, nil, err
	}
	dedupWindow, err := config.ParseDurationField("notify.dedup_window", n.DedupWindow)
	if err != nil {
		return notify.Config{}, nil, err
	}

	out := notify.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: n.DedupMaxEntries,
	}

	var sink notify.Sink = notify.NewLogSink(log)
	if d := n.Delivery; d != nil {
		timeout, err := config.ParseDurationField("notify.delivery.timeout", d.Timeout)
		if err != nil {
			return notify.Config{}, nil, err
		}
		hs, err := notify.NewHTTPSink(notify.HTTPSinkConfig{
			Endpoint: d.Endpoint,
			APIKey:   d.APIKey,
			Timeout:  timeout,
		})
		if err != nil {
			return notify.Config{}, nil, err
		}
		sink = hs
	}
	return out, sink, nil
}
