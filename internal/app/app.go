// Package app wires the engine, its channels and the ambient services
// (config hot reload, storage, reminders, debug server, systemd) into one
// process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"notifyd/internal/channel/desktop"
	"notifyd/internal/channel/push"
	"notifyd/internal/channel/sound"
	"notifyd/internal/config"
	"notifyd/internal/eventbus"
	"notifyd/internal/notifier"
	"notifyd/internal/observability/pprof"
	"notifyd/internal/reminder"
	rtsup "notifyd/internal/runtime/supervisor"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
	"notifyd/pkg/systemd"
)

const defaultPermissionEvery = time.Minute

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine    *notifier.Service
	desktop   *desktop.Channel
	sound     *sound.Channel
	push      *push.Channel
	reminders *reminder.Service
	pprof     *pprof.Service

	permEvery time.Duration
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	a := &App{
		cfgm:      cfgm,
		logs:      logSvc,
		log:       log.With(logx.String("comp", "app")),
		bus:       eventbus.New(),
		permEvery: defaultPermissionEvery,
	}
	if err := a.build(cfg, log); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	ncfg, err := cfg.NotifierConfig()
	if err != nil {
		return err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, log); err != nil {
		return err
	}
	if a.store != nil {
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	if a.desktop, err = desktop.Open(cfg.Channels.Desktop.Output, log); err != nil {
		return err
	}
	soundCfg, err := mapSoundConfig(cfg)
	if err != nil {
		return err
	}
	a.sound = sound.New(soundCfg, log)
	channels := []notifier.Channel{a.desktop, a.sound}

	pushCfg, ok, err := mapPushConfig(cfg)
	if err != nil {
		return err
	}
	if ok {
		if a.push, err = push.New(pushCfg, log); err != nil {
			return err
		}
		channels = append(channels, a.push)
	} else if cfg.Channels.Push.Enabled {
		a.log.Warn("push enabled without credentials; channel not built")
	}

	opts := notifier.Options{Config: ncfg, Channels: channels, Bus: a.bus, Log: log}
	if a.store != nil {
		opts.Settings = a.store
		opts.Archive = a.store
	}
	if a.engine, err = notifier.New(opts); err != nil {
		return err
	}

	rc, err := mapReminderConfig(cfg)
	if err != nil {
		return err
	}
	a.reminders = reminder.New(rc, a.engine, log)

	pc, err := mapPprofConfig(cfg)
	if err != nil {
		return err
	}
	a.pprof = pprof.New(pc, func() any { return a.Status() }, log)
	return nil
}

func (a *App) Engine() *notifier.Service    { return a.engine }
func (a *App) Reminders() *reminder.Service { return a.reminders }

// Archived returns up to limit archived records, newest first. Without
// storage it returns storage.ErrDisabled.
func (a *App) Archived(ctx context.Context, limit int) ([]notifier.Record, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.Recent(ctx, limit)
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if a.store != nil {
		ok, err := a.engine.LoadSettings(runCtx)
		switch {
		case err != nil:
			a.log.Warn("persisted settings not applied", logx.Err(err))
		case ok:
			a.log.Info("persisted settings applied")
		}
	}

	if err := a.engine.Start(runCtx); err != nil {
		return err
	}
	if err := a.reminders.Start(runCtx); err != nil {
		return err
	}
	a.pprof.Start(runCtx)

	events, unsub := a.bus.Subscribe(128, "notification.")
	a.sup.Go("events.log", func(c context.Context) error {
		defer unsub()
		a.logEvents(c, events)
		return nil
	})

	if a.push != nil {
		a.sup.GoRestart("push.listen", func(c context.Context) error {
			return a.push.Listen(c, a.onAction)
		}, rtsup.WithRestartBackoff(time.Second, time.Minute))
	}

	a.sup.Go("permissions", func(c context.Context) error {
		a.pollPermissions(c)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.Watchdog(c, iv, func() bool { return a.Err() == nil })
		})
	}
	if err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	}

	a.log.Info("app started",
		logx.Bool("push", a.push != nil),
		logx.Bool("storage", a.store != nil),
		logx.Bool("reminders", a.reminders.Enabled()),
		logx.Bool("pprof", a.pprof.Enabled()),
	)
	return nil
}

func (a *App) onAction(id, action string) {
	if !a.engine.Click(id, action) {
		a.log.Debug("action for inactive notification", logx.String("id", id), logx.String("action", action))
	}
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			ev, isNote := e.Data.(notifier.NotificationEvent)
			switch {
			case !isNote:
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			case e.Type == notifier.EventFailed || e.Type == notifier.EventDropped:
				a.log.Warn("notification not delivered",
					logx.String("event", e.Type),
					logx.String("id", ev.ID),
					logx.Int("retries", ev.Retries),
					logx.String("err", ev.Error),
				)
			default:
				a.log.Debug("event",
					logx.String("type", e.Type),
					logx.String("id", ev.ID),
					logx.String("status", string(ev.Status)),
				)
			}
		}
	}
}

func (a *App) pollPermissions(ctx context.Context) {
	a.engine.CheckPermissions(ctx)
	t := time.NewTicker(a.permEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.engine.CheckPermissions(ctx)
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: apply only the newest.
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
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	_ = systemd.Reloading()
	defer func() { _ = systemd.Ready() }()

	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required")
	}
	if channelSettingsChanged(prev, next) {
		a.log.Warn("channel settings changed; restart required (enable switches apply live)")
	}

	a.logs.Apply(next.Logging.Logx())

	if ncfg, err := next.NotifierConfig(); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else if err := a.engine.ApplyConfig(ncfg); err != nil {
		a.log.Warn("engine config rejected", logx.Err(err))
	}

	if rc, err := mapReminderConfig(next); err != nil {
		a.log.Warn("invalid reminders config; keeping previous", logx.Err(err))
	} else if err := a.reminders.Apply(ctx, rc); err != nil {
		a.log.Warn("reminders not rescheduled", logx.Err(err))
	}

	if pc, err := mapPprofConfig(next); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, pc)
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

// channelSettingsChanged ignores the enable switches, which the engine
// applies live.
func channelSettingsChanged(prev, next *config.Config) bool {
	if prev == nil || next == nil {
		return false
	}
	p, n := prev.Channels, next.Channels
	p.Desktop.Enabled, n.Desktop.Enabled = false, false
	p.Sound.Enabled, n.Sound.Enabled = false, false
	p.Push.Enabled, n.Push.Enabled = false, false
	return !reflect.DeepEqual(p, n)
}

// Status is the snapshot served on the debug server's /status.
type Status struct {
	Stats       notifier.Stats            `json:"stats"`
	Active      int                       `json:"active"`
	Queued      int                       `json:"queued"`
	DND         bool                      `json:"dnd"`
	Reminders   []reminder.Entry          `json:"reminders,omitempty"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors"`
	BusDropped  uint64                    `json:"bus_dropped"`
}

func (a *App) Status() Status {
	st := Status{
		Stats:       a.engine.Stats(),
		Active:      a.engine.ActiveCount(),
		Queued:      a.engine.QueueLen(),
		DND:         a.engine.DoNotDisturbActive(),
		Reminders:   a.reminders.Entries(),
		Supervisors: map[string]rtsup.Snapshot{},
		BusDropped:  a.bus.Dropped(),
	}
	for name, sup := range map[string]*rtsup.Supervisor{
		"app":      a.sup,
		"notifier": a.engine.Supervisor(),
		"pprof":    a.pprof.Supervisor(),
	} {
		if sup != nil {
			st.Supervisors[name] = sup.Snapshot()
		}
	}
	return st
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeAll()
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_ = systemd.Stopping()

	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("reminders", 2*time.Second, func(c context.Context) error { a.reminders.Stop(c); return nil })
	step("notifier", 3*time.Second, a.engine.Stop)
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("channels", 2*time.Second, func(context.Context) error { return a.closeChannels() })
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func (a *App) closeChannels() error {
	var errs []error
	if a.push != nil {
		errs = append(errs, a.push.Close())
	}
	if a.sound != nil {
		errs = append(errs, a.sound.Close())
	}
	if a.desktop != nil {
		errs = append(errs, a.desktop.Close())
	}
	return errors.Join(errs...)
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// closeAll releases resources of an app that never started.
func (a *App) closeAll() {
	_ = a.closeChannels()
	_ = a.closeStore()
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
