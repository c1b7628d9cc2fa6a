// Package app wires the whole service together: config, logging, session
// registry, channel bootstrap, dispatch, persistence, maintenance and the
// HTTP gateway.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"zapsend/internal/channel"
	"zapsend/internal/config"
	"zapsend/internal/dispatch"
	"zapsend/internal/gateway"
	"zapsend/internal/history"
	"zapsend/internal/maintenance"
	"zapsend/internal/progress"
	"zapsend/internal/runtime/supervisor"
	"zapsend/internal/session"
	"zapsend/internal/storage"
	logx "zapsend/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	pub   *progress.Publisher
	reg   *session.Registry
	boot  *session.Bootstrapper
	ctrl  *dispatch.Controller
	store storage.Store
	hist  *history.Recorder
	maint *maintenance.Service
	gw    *gateway.Server

	// Inputs resolved in New but consumed in Start, where the supervisor
	// exists.
	pendingFactory      channel.Factory
	pendingReadyTimeout time.Duration
	pendingPacing       dispatch.Pacing
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
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

	pub := progress.NewPublisher()
	reg := session.NewRegistry(pub, log.With(logx.String("comp", "session")))

	factory, err := mapChannelFactory(cfg, log)
	if err != nil {
		return nil, err
	}
	readyTimeout, err := mapReadyTimeout(cfg)
	if err != nil {
		return nil, err
	}

	pacing, err := mapPacing(cfg)
	if err != nil {
		return nil, err
	}

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	hist := history.NewRecorder(store, log.With(logx.String("comp", "history")))

	maintCfg, err := mapMaintenance(cfg)
	if err != nil {
		return nil, err
	}
	maint := maintenance.New(maintCfg, reg, log.With(logx.String("comp", "maintenance")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		pub:     pub,
		reg:     reg,
		store:   store,
		hist:    hist,
		maint:   maint,
	}
	// Bootstrapper and controller need the supervisor, which is created in
	// Start; keep their construction there via these saved inputs.
	a.pendingFactory = factory
	a.pendingReadyTimeout = readyTimeout
	a.pendingPacing = pacing
	return a, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
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

	a.boot = session.NewBootstrapper(a.reg, a.pub, a.pendingFactory, a.sup, a.pendingReadyTimeout,
		a.log.With(logx.String("comp", "bootstrap")))
	a.ctrl = dispatch.NewController(a.reg, a.pub, a.sup, a.pendingPacing,
		a.log.With(logx.String("comp", "dispatch")))
	if a.hist.Enabled() {
		a.ctrl.SetRecorder(a.hist)
	}

	cfg := a.cfgm.Get()
	a.gw = gateway.New(gateway.Options{
		Addr:        cfg.Server.Addr,
		UploadDir:   cfg.Server.UploadDir,
		MaxUploadMB: cfg.Server.MaxUploadMB,
	}, a.reg, a.boot, a.ctrl, a.pub, a.hist, a.log.With(logx.String("comp", "gateway")))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if strings.TrimSpace(cfg.Server.Addr) == "" {
			return fmt.Errorf("server.addr is required")
		}
		if cfg.Server.MaxUploadMB < 0 {
			return fmt.Errorf("server.max_upload_mb must be >= 0")
		}
		if _, err := mapChannelFactory(cfg, logx.Nop()); err != nil {
			return err
		}
		if _, err := mapPacing(cfg); err != nil {
			return err
		}
		if _, err := mapReadyTimeout(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMaintenance(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.maint.Start(); err != nil {
		return err
	}

	a.sup.Go("gateway.serve", func(c context.Context) error {
		return a.gw.Serve(c)
	})

	// hot reload config fan-out
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
				// Coalesce bursts: keep only the latest config in the channel.
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
				sections := config.ChangedSections(lastApplied, newCfg)
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				lastApplied = newCfg
				a.applyConfig(newCfg, sections)
				a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("addr", cfg.Server.Addr))
	return nil
}

// applyConfig pushes changed sections into live components. Validation has
// already passed, so mapping errors here only get logged defensively.
func (a *App) applyConfig(cfg *config.Config, sections []string) {
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
		})
	}
	if changed["sender"] {
		if pacing, err := mapPacing(cfg); err == nil {
			a.ctrl.SetPacing(pacing)
		} else {
			a.log.Warn("sender config not applied", logx.Err(err))
		}
	}
	if changed["channel"] {
		if factory, err := mapChannelFactory(cfg, a.log); err == nil {
			a.boot.SetFactory(factory)
			a.log.Info("channel driver updated", logx.String("driver", cfg.Channel.Driver))
		} else {
			a.log.Warn("channel config not applied", logx.Err(err))
		}
	}
	if changed["bootstrap"] {
		if d, err := mapReadyTimeout(cfg); err == nil {
			a.boot.SetReadyTimeout(d)
		}
	}
	if changed["maintenance"] || changed["server"] {
		if mc, err := mapMaintenance(cfg); err == nil {
			if err := a.maint.Apply(mc); err != nil {
				a.log.Warn("maintenance config not applied", logx.Err(err))
			}
		}
	}
	// Server addr and storage driver changes need a restart; they are
	// validated but not hot-applied.
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so the gateway drains and background
	// loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Stop running jobs, then release every session's channel.
	step("jobs", 3*time.Second, func(c context.Context) error {
		for _, key := range a.reg.Keys() {
			a.ctrl.Stop(key)
		}
		return nil
	})
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(); return nil })
	step("supervisor", 4*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("sessions", 2*time.Second, func(c context.Context) error {
		for _, key := range a.reg.Keys() {
			a.reg.Dispose(key)
		}
		return nil
	})
	if a.store != nil {
		step("storage", time.Second, func(c context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
