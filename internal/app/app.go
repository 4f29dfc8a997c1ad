package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"vwapbot/internal/command"
	"vwapbot/internal/config"
	"vwapbot/internal/eventbus"
	"vwapbot/internal/observability/debug"
	"vwapbot/internal/publisher"
	"vwapbot/internal/refresh"
	rtsup "vwapbot/internal/runtime/supervisor"
	"vwapbot/internal/session"
	"vwapbot/internal/storage"
	kit "vwapbot/internal/transport"
	telegram "vwapbot/internal/transport/telegram/adapter"
	logx "vwapbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	pub     *publisher.Publisher
	sched   *refresh.Scheduler
	monitor *session.Monitor
	cmdm    *command.Manager
	debug   *debug.Service

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateComponents(cfg); err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// Apply warns when Telegram logging is on without a target, so the
	// target is set before the sink is enabled.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	if chatID, ok := logTarget(cfg); ok {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	var states refresh.StateStore
	var audit command.AuditLog
	if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store, states, audit = st, st, st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		log.Warn("storage disabled; running loops are lost on restart")
	}

	rcfg, allowed, err := mapRefreshConfig(cfg)
	if err != nil {
		return nil, err
	}
	scfg, err := mapSessionConfig(cfg)
	if err != nil {
		return nil, err
	}

	// The publisher reads the session from the monitor, which in turn
	// resets the scheduler that owns the publisher.
	a.pub = publisher.New(mapPublisherConfig(cfg), ad, publisher.CalendarSource{
		Calendar: func() *session.Calendar { return a.monitor.Calendar() },
	}, publisher.SessionFunc(func() session.Session { return a.monitor.Current() }), root)

	a.sched = refresh.New(rcfg, states, a.pub, root, refresh.WithBus(a.bus))
	a.monitor = session.NewMonitor(scfg, a.sched, root, session.WithBus(a.bus))
	a.cmdm = command.New(command.Config{
		Owners:    cfg.Telegram.OwnerUserIDs,
		Intervals: allowed,
	}, ad, a.sched, a.pub, audit, root)
	a.debug = debug.New(debug.Sources{
		Loops:   a.sched.Snapshot,
		Session: a.monitor.Current,
		Goroutines: func() []rtsup.GoroutineStats {
			if a.sup == nil {
				return nil
			}
			return a.sup.Stats()
		},
	}, root.With(logx.String("comp", "debug")))

	return a, nil
}

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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateComponents(cfg)
	})

	if err := a.sched.Open(run); err != nil {
		return err
	}
	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}

	a.startEventLog()
	a.restore(run)
	a.monitor.Start(run)
	if err := a.debug.Reconfigure(run, mapDebugConfig(a.cfgm.Get())); err != nil {
		a.log.Warn("debug listener not started", logx.Err(err))
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("telegram.menu.update", func(c context.Context) {
		if err := a.cmdm.UpdateMenu(c); err != nil {
			a.log.Warn("menu update failed", logx.Err(err))
		}
	})
	a.startReloader()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.watchdog)

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// restore brings back every persisted loop. A broken record never blocks
// startup: it is skipped and logged.
func (a *App) restore(ctx context.Context) {
	if a.store == nil {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	records, err := a.store.LoadAll(lctx)
	cancel()
	if err != nil {
		a.log.Error("load states failed; starting with no loops", logx.Err(err))
		return
	}
	rep := a.sched.Restore(ctx, records)
	for _, f := range rep.Skipped {
		a.log.Warn("state not restored",
			logx.Int64("channel_id", f.Key.ChannelID),
			logx.Int("interval", f.Key.Interval),
			logx.Err(f.Err),
		)
	}
	a.log.Info("states restored", logx.Int("restored", len(rep.Restored)), logx.Int("skipped", len(rep.Skipped)))
}

func (a *App) startEventLog() {
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
				a.log.Debug("event", append([]logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}, eventFields(e)...)...)
			}
		}
	})
}

func eventFields(e eventbus.Event) []logx.Field {
	switch d := e.Data.(type) {
	case refresh.Started:
		return []logx.Field{logx.String("key", d.Key.String()), logx.Bool("restored", d.Restored)}
	case refresh.Stopped:
		return []logx.Field{logx.String("key", d.Key.String())}
	case refresh.UpdateFailed:
		return []logx.Field{logx.String("key", d.Key.String()), logx.Err(d.Err)}
	case session.Changed:
		return []logx.Field{logx.String("from", d.From.Label()), logx.String("to", d.To.Label()), logx.Int("resets", d.Resets)}
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.notify(daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Unwind commands, watchers and reload first so nothing starts a loop
	// while the scheduler closes.
	a.sup.Cancel()

	a.step(ctx, "session", time.Second, func(c context.Context) error { a.monitor.Stop(c); return nil })
	a.step(ctx, "debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	// Loops are joined but their records stay for the next start.
	a.step(ctx, "refresh", 0, a.sched.Close)
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max (0 = caller's deadline only).
// A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
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
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
