package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/opsapi"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
	kit "remindbot/internal/transport"
	telegram "remindbot/internal/transport/telegram/adapter"
	"remindbot/internal/transport/telegram/router"
	logx "remindbot/pkg/logx"
)

const engineHistorySize = 200

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store *storage.Store

	// adapter is nil when telegram.disabled is set.
	adapter *telegram.Adapter

	engine *engine.Service
	sched  *scheduler.Service
	rem    *reminder.Service
	cmdm   *router.CommandManager
	ops    *opsapi.Server

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}
	rs, err := cfg.ResolveReminders()
	if err != nil {
		return nil, err
	}

	// Alerts stay off until the owners are set as the target, so Apply does
	// not warn about a missing recipient list.
	baseLogCfg := mapLogConfig(cfg)
	baseLogCfg.Alerts.Enabled = false
	logSvc, log := logx.New(baseLogCfg)
	log = log.With(logx.String("comp", "app"))

	var ad *telegram.Adapter
	if !cfg.Telegram.Disabled {
		pollTimeout, err := cfg.PollTimeout()
		if err != nil {
			return nil, err
		}
		ad, err = telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		logSvc.SetAlertTarget(ad, ownerRecipients(cfg.Telegram.OwnerUserIDs))
	} else {
		log.Warn("telegram disabled; reminders will be logged only")
	}
	logSvc.Apply(mapLogConfig(cfg))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()

	engineSvc := engine.New(engine.Config{
		Workers:        rs.Workers,
		QueueSize:      rs.Queue,
		DefaultTimeout: rs.TaskTimeout,
		HistorySize:    engineHistorySize,
	}, log.With(logx.String("comp", "taskengine")), bus)

	schedSvc := scheduler.New(mapSchedulerConfig(rs), engineSvc, log.With(logx.String("comp", "scheduler")), bus)

	deps := reminder.Deps{Store: store, Scheduler: schedSvc, Log: log, Bus: bus}
	if ad != nil {
		deps.Sender = ad
	}
	remSvc, err := reminder.New(deps, mapReminderOptions(rs))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var ops *opsapi.Server
	if cfg.OpsAPI.Enabled {
		ops = opsapi.New(opsapi.Config{
			Addr:  cfg.OpsAddr(),
			Token: cfg.OpsAPI.Token,
			Pprof: cfg.OpsAPI.Pprof,
		}, remSvc, store, log.With(logx.String("comp", "opsapi")))
		if strings.TrimSpace(cfg.OpsAPI.Token) == "" {
			log.Warn("ops api has no token; keep it bound to localhost", logx.String("addr", cfg.OpsAddr()))
		}
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		engine:  engineSvc,
		sched:   schedSvc,
		rem:     remSvc,
		ops:     ops,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Reminders exposes the reminder service (start/shutdown are driven by the app).
func (a *App) Reminders() *reminder.Service { return a.rem }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// StopTimeout is the configured upper bound for Stop.
func (a *App) StopTimeout() time.Duration {
	rs, err := a.cfgm.Get().ResolveReminders()
	if err != nil {
		return 10 * time.Second
	}
	return rs.StopTimeout
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log)

	// engine before reminders: bootstrap may fire overdue jobs right away
	a.engine.Start(a.sup.Context())
	if err := a.rem.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("starting reminders: %w", err)
	}

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.cmdm = router.NewCommandManager(a.log.With(logx.String("comp", "commands")),
			a.adapter, a.cfgm.Get().Telegram.OwnerUserIDs,
			router.WithAuditor(a.store),
			router.WithSupervisor(a.sup),
		)
		h := &router.Handlers{Reminders: a.rem, Store: a.store}
		a.cmdm.SetRegistry(h.Commands())

		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmdm.DispatchLoop(c, a.updates)
		})
	}

	if a.ops != nil {
		a.sup.Go("ops_api", a.ops.Run)
	}

	// debug-level event log; frequent reminders would be noisy at info
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

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
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("telegram", a.adapter != nil),
		logx.Bool("ops_api", a.ops != nil),
		logx.String("tz", a.rem.Location().String()),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}
	if prev.Telegram.Disabled != next.Telegram.Disabled || prev.Telegram.Token != next.Telegram.Token {
		a.log.Warn("telegram token or disabled flag changed; restart required")
	}

	// target first so Apply does not warn when alerts get enabled
	if a.adapter != nil {
		a.logs.SetAlertTarget(a.adapter, ownerRecipients(next.Telegram.OwnerUserIDs))
	}
	a.logs.Apply(mapLogConfig(next))

	if a.cmdm != nil {
		a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)
	}

	rs, err := next.ResolveReminders()
	if err != nil {
		a.log.Warn("invalid reminders config; keeping previous", logx.Err(err))
	} else {
		prevLoc := a.rem.Location()
		a.sched.Apply(mapSchedulerConfig(rs))
		if err := a.rem.Apply(mapReminderOptions(rs)); err != nil {
			a.log.Warn("reminder options not fully applied", logx.Err(err))
		}
		if prevLoc.String() != rs.Location.String() {
			// local fixed times resolve differently in the new zone
			if _, err := a.rem.BootstrapReport(ctx); err != nil {
				a.log.Warn("re-arm after timezone change failed", logx.Err(err))
			}
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// cancel first so background loops start unwinding immediately
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter == nil {
			return nil
		}
		return a.adapter.Stop(c)
	})
	// Shutdown also stops the scheduler and its cron.
	step("reminders", 2*time.Second, a.rem.Shutdown)
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })

	// supervised goroutines (dispatcher, ops api, config watch) before the store goes away
	step("supervisor", 6*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
