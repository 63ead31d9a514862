// Package app wires configuration, storage, the transport and the
// scheduling services into one process.
package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"pewcast/internal/api"
	"pewcast/internal/config"
	"pewcast/internal/dispatch"
	"pewcast/internal/eventbus"
	"pewcast/internal/notifier"
	rtsup "pewcast/internal/runtime/supervisor"
	"pewcast/internal/runtime/sdnotify"
	"pewcast/internal/storage"
	"pewcast/internal/targets"
	"pewcast/internal/task/engine"
	"pewcast/internal/task/scheduler"
	kit "pewcast/internal/transport"
	telegram "pewcast/internal/transport/telegram/adapter"
	"pewcast/internal/transport/telegram/router"
	logx "pewcast/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter  kit.Adapter
	registry *targets.Registry
	dispatch *dispatch.Dispatcher
	engine   *engine.Service
	sched    *scheduler.Service
	notif    *notifier.Service
	api      *api.Server
	router   *router.Router
	sd       *sdnotify.Notifier

	grace   time.Duration
	updates chan kit.Update
	fatal   chan error
}

// NewApp loads cfgPath and builds every component. Nothing runs until
// Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The adapter exists before the logging service so the Telegram sink
	// has a sender; log through the console until then.
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole(cfg.Logging.Level)
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, ad, nil)
}

// build assembles the app around an adapter. now overrides the clock of
// storage and the scheduler when set.
func build(cfgm *config.ConfigManager, cfg *config.Config, ad kit.Adapter, now func() time.Time) (*App, error) {
	logSvc, root := logx.New(mapLoggingConfig(cfg))
	logSvc.AttachSender(ad)
	log := root.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	sc.Now = now
	store, err := storage.Open(sc, root)
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		adapter: ad,
		sd:      sdnotify.New(root),
		updates: make(chan kit.Update, 256),
		fatal:   make(chan error, 1),
	}
	if err := a.wire(cfg, root, now); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config, root logx.Logger, now func() time.Time) error {
	a.registry = targets.NewRegistry(a.store, root)

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.dispatch = dispatch.New(a.adapter, a.store, dcfg, root, dispatch.WithUnreachable(func(ctx context.Context, chatID int64) {
		if err := a.registry.Deactivate(ctx, chatID); err != nil {
			a.log.Warn("deactivate target failed", logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}))

	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ecfg, root, a.bus)

	if a.grace, err = mapShutdownGrace(cfg); err != nil {
		return err
	}
	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(scfg, scheduler.Deps{
		Store:      a.store,
		Resolver:   targets.NewResolver(a.store),
		Dispatcher: a.dispatch,
		Pool:       a.engine,
		Bus:        a.bus,
		Log:        root,
		Now:        now,
		Healthy:    a.sd.Watchdog,
		Fatal: func(err error) {
			select {
			case a.fatal <- err:
			default:
			}
		},
	})

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, a.adapter, a.bus, root)

	a.api = api.NewServer(mapAPIConfig(cfg), a.sched, a.store, root)

	a.router = router.New(a.adapter, root, cfg.Telegram.OwnerUserIDs)
	a.router.SetCommands(router.OpsCommands(opsBackend{sched: a.sched, store: a.store}, now))
	return nil
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Reject reloads the running services cannot map.
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if err := config.Validate(c); err != nil {
			return err
		}
		_, err := a.mapLive(c)
		return err
	})

	if err := a.api.Start(run); err != nil {
		return err
	}
	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	if err := a.adapter.SetCommands(run, a.router.Menu()); err != nil {
		a.log.Warn("set command menu failed", logx.Err(err))
	}

	commands := make(chan kit.Update, 64)
	chats := make(chan kit.Update, 256)
	a.sup.Go("updates.fanout", func(c context.Context) error {
		defer close(commands)
		defer close(chats)
		for {
			select {
			case <-c.Done():
				return nil
			case up := <-a.updates:
				if up.Kind == kit.UpdateCommand {
					select {
					case commands <- up:
					default:
						a.log.Warn("command dropped (router busy)", logx.Int64("chat_id", up.Chat.ID))
					}
				}
				// Commands in a group still prove the bot is a member.
				if up.Chat.Type != "private" {
					if up.Kind == kit.UpdateCommand {
						up.Kind = kit.UpdateActivity
					}
					select {
					case chats <- up:
					case <-c.Done():
						return nil
					}
				}
			}
		}
	})
	a.sup.Go("targets.registry", func(c context.Context) error {
		return a.registry.Run(c, chats)
	})
	a.sup.Go("commands.router", func(c context.Context) error {
		return a.router.Run(c, commands)
	})

	a.notif.Start(run)
	a.engine.Start(run)
	if cfg.Scheduler.Enabled {
		if err := a.sched.Start(run); err != nil {
			return err
		}
	}

	a.sup.Go("scheduler.fatal", func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case err := <-a.fatal:
			return errors.Wrap(err, "scheduler")
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sd.Ready()
	a.log.Info("app started",
		logx.Bool("scheduler", cfg.Scheduler.Enabled),
		logx.Bool("api", cfg.API.Enabled),
		logx.Int("owners", len(cfg.Telegram.OwnerUserIDs)))
	return nil
}

type liveConfig struct {
	logs     logx.Config
	dispatch dispatch.Config
	engine   engine.Config
	sched    scheduler.Config
	notif    notifier.Config
	grace    time.Duration
}

func (a *App) mapLive(cfg *config.Config) (liveConfig, error) {
	var (
		lc  liveConfig
		err error
	)
	lc.logs = mapLoggingConfig(cfg)
	if lc.dispatch, err = mapDispatchConfig(cfg); err != nil {
		return lc, err
	}
	if lc.engine, err = mapEngineConfig(cfg); err != nil {
		return lc, err
	}
	if lc.sched, err = mapSchedulerConfig(cfg); err != nil {
		return lc, err
	}
	if lc.notif, err = mapNotifierConfig(cfg); err != nil {
		return lc, err
	}
	if lc.grace, err = mapShutdownGrace(cfg); err != nil {
		return lc, err
	}
	return lc, nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	lc, err := a.mapLive(next)
	if err != nil {
		a.log.Warn("config not applied", logx.Err(err))
		return
	}
	if restart := config.RequiresRestart(prev, next); len(restart) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.String("keys", strings.Join(restart, ",")))
	}

	a.logs.SetTelegramTarget(next.Telegram.OpsChatID, next.Logging.Telegram.ThreadID)
	a.logs.Apply(lc.logs)
	a.router.SetOwners(next.Telegram.OwnerUserIDs)
	a.dispatch.Apply(lc.dispatch)
	a.engine.Apply(lc.engine)
	a.grace = lc.grace

	wasNotif := a.notif.Enabled()
	a.notif.Apply(lc.notif)
	switch {
	case wasNotif && !a.notif.Enabled():
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasNotif && a.notif.Enabled():
		a.notif.Start(ctx)
	}

	wasSched := a.sched.Enabled()
	a.sched.Apply(lc.sched)
	switch {
	case wasSched && !lc.sched.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasSched && lc.sched.Enabled:
		a.log.Info("scheduler enabled via config")
		if err := a.sched.Start(ctx); err != nil {
			a.log.Error("scheduler start failed", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order: no new claims, then
// in-flight executions drain within the shutdown grace, then the outer
// surfaces and storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
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
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// The engine gets the grace period before in-flight sends are cut; cut
	// executions release their claims and replay on the next start.
	step("engine", a.grace+3*time.Second, func(c context.Context) error {
		gctx, cancel := context.WithTimeout(c, a.grace)
		defer cancel()
		a.engine.Stop(gctx)
		return nil
	})
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.sup.Cancel()
	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
