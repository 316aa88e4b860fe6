package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"leadbot/internal/admin"
	"leadbot/internal/broadcast"
	"leadbot/internal/config"
	"leadbot/internal/dispatch"
	"leadbot/internal/eventbus"
	"leadbot/internal/instagram"
	"leadbot/internal/matcher"
	"leadbot/internal/notifier"
	"leadbot/internal/observability"
	"leadbot/internal/observer"
	"leadbot/internal/pacing"
	"leadbot/internal/rules"
	"leadbot/internal/runtime/supervisor"
	"leadbot/internal/scheduler"
	"leadbot/internal/sheets"
	"leadbot/internal/storage"
	kit "leadbot/internal/transport"
	telegram "leadbot/internal/transport/telegram/adapter"
	"leadbot/internal/transport/telegram/router"
	"leadbot/pkg/logx"
	"leadbot/pkg/systemd"
)

const (
	jobComments  = "comments"
	jobFollowers = "followers"

	updatesBuffer = 256
	eventsBuffer  = 512
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	sup  *supervisor.Supervisor
	bus  *eventbus.Bus
	sd   systemd.Notifier

	store storage.Store
	ig    *instagram.HTTPClient

	dispatchPacer  *pacing.Pacer
	broadcastPacer *pacing.Pacer
	welcomePacer   *pacing.Pacer

	matcher    *matcher.Matcher
	queue      *dispatch.Queue
	engine     *rules.Engine
	broadcasts *broadcast.Runner
	comments   *observer.Comments
	followers  *observer.Followers
	sched      *scheduler.Scheduler
	admin      *admin.Service

	// nil when telegram is disabled
	adapter *telegram.Adapter
	router  *router.Router
	notif   *notifier.Service
	updates chan kit.Update

	sheets  *sheets.Logger
	metrics *observability.Metrics
	obs     *observability.Server
}

// New loads envPath (optional) and cfgPath and builds every component. Nothing
// runs until Start.
func New(cfgPath, envPath string) (*App, error) {
	if envPath != "" {
		if err := config.LoadDotEnv(envPath); err != nil {
			return nil, err
		}
	}
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a := &App{
		cfgm: cfgm,
		cfg:  cfg,
		log:  log.With(logx.String("comp", "app")),
		logs: logs,
		bus:  eventbus.New(),
	}
	if err := a.build(cfg, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, comp("storage")); err != nil {
		return err
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	session, err := instagram.LoadSession(cfg.Instagram.SessionFile)
	if err != nil {
		return fmt.Errorf("instagram session: %w", err)
	}
	igc, err := mapInstagramConfig(cfg)
	if err != nil {
		return err
	}
	a.ig = instagram.NewHTTPClient(igc, session, comp("instagram"))

	limits, err := mapAllPacing(cfg)
	if err != nil {
		return err
	}
	a.dispatchPacer = pacing.New(limits.Dispatch)
	a.broadcastPacer = pacing.New(limits.Broadcast)
	a.welcomePacer = pacing.New(limits.Welcome)

	ds, err := mapDispatch(cfg)
	if err != nil {
		return err
	}
	a.matcher = matcher.New(a.store, comp("matcher"))
	a.queue = dispatch.New(a.ig, a.store, a.dispatchPacer, comp("dispatch"),
		dispatch.WithIdleWait(ds.IdleWait),
		dispatch.WithBus(a.bus),
	)
	a.engine = rules.NewEngine(a.store, a.queue, comp("rules"), postURLBase(cfg))

	bs, err := mapBroadcast(cfg)
	if err != nil {
		return err
	}
	a.broadcasts = broadcast.New(a.store, a.ig, a.broadcastPacer, comp("broadcast"),
		broadcast.WithBus(a.bus),
		broadcast.WithBatchSize(bs.BatchSize),
		broadcast.WithPollInterval(bs.PollInterval),
		broadcast.WithErrorBackoff(bs.ErrorBackoff),
	)

	obs, err := mapObservers(cfg)
	if err != nil {
		return err
	}
	a.comments = observer.NewComments(a.ig, a.store, a.matcher, a.engine, comp("comments"), a.bus, obs.CommentsPerPost)
	a.followers = observer.NewFollowers(a.ig, a.store, a.welcomePacer, comp("followers"), a.bus)
	a.sched = scheduler.New(comp("scheduler"))
	if err := a.sched.Add(jobComments, obs.CommentSchedule, a.comments.Poll); err != nil {
		return err
	}
	if err := a.sched.Add(jobFollowers, obs.FollowerSchedule, a.followers.Poll); err != nil {
		return err
	}

	a.admin = admin.New(admin.Deps{
		Store:       a.store,
		Matcher:     a.matcher,
		Broadcasts:  a.broadcasts,
		Queue:       a.queue,
		Comments:    a.comments,
		Followers:   a.followers,
		PostURLBase: postURLBase(cfg),
		Log:         comp("admin"),
	})

	if cfg.Telegram.Enabled {
		if err := a.buildTelegram(cfg, comp); err != nil {
			return err
		}
	}

	if cfg.Sheets.Enabled {
		shc, err := mapSheetsConfig(cfg)
		if err != nil {
			return err
		}
		if a.sheets, err = sheets.New(shc, comp("sheets")); err != nil {
			return err
		}
	}

	if cfg.Observability.Enabled {
		oc, err := mapObservabilityConfig(cfg)
		if err != nil {
			return err
		}
		a.metrics = observability.NewMetrics()
		a.metrics.Gauge("queue_depth", "Requests waiting in the dispatch queue.", func() float64 {
			return float64(a.queue.Len())
		})
		a.metrics.Gauge("known_followers", "Followers in the last snapshot.", func() float64 {
			return float64(a.followers.Known())
		})
		a.obs = observability.NewServer(oc, a.metrics, a.health, comp("observability"))
	}
	return nil
}

func (a *App) buildTelegram(cfg *config.Config, comp func(string) logx.Logger) error {
	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		return err
	}
	if a.adapter, err = telegram.New(tc, comp("telegram")); err != nil {
		return err
	}
	a.updates = make(chan kit.Update, updatesBuffer)
	a.router = router.New(a.adapter, cfg.Telegram.AdminIDs, comp("router"))
	a.router.RegisterAdmin(a.admin)

	a.notif = notifier.New(mapNotifierConfig(cfg), kit.ChatSender{S: a.adapter}, cfg.Telegram.AdminIDs, comp("notifier"))
	a.broadcasts.SetProgress(a.notif.Progress)
	a.logs.SetAlertSender(a.notif)
	return nil
}

// health backs /healthz and the systemd watchdog: every supervised loop must
// be running.
func (a *App) health() (any, bool) {
	loops := a.sup.Snapshot()
	ok := true
	for _, l := range loops {
		if !l.Running {
			ok = false
		}
	}
	return map[string]any{
		"loops":       loops,
		"jobs":        a.sched.Entries(),
		"queue_len":   a.queue.Len(),
		"queue_state": a.queue.State().String(),
	}, ok
}

func (a *App) healthy() bool {
	_, ok := a.health()
	return ok
}

// Done is closed once the app context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))
	runCtx := a.sup.Context()
	restart := supervisor.RestartPolicy{MinBackoff: time.Second, MaxBackoff: 30 * time.Second}

	if err := a.matcher.Refresh(runCtx); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	a.sup.GoRestart("dispatch", a.queue.Run, restart)
	a.sup.GoRestart("broadcast", a.broadcasts.Run, restart)

	if a.sheets != nil {
		events, unsub := a.bus.Subscribe(eventsBuffer)
		a.sup.Go("sheets", func(c context.Context) error {
			defer unsub()
			return a.sheets.Run(c, events)
		})
	}
	if a.metrics != nil {
		events, unsub := a.bus.Subscribe(eventsBuffer)
		a.sup.Go("metrics", func(c context.Context) error {
			defer unsub()
			return a.metrics.Run(c, events)
		})
		a.sup.GoRestart("observability", a.obs.Run, restart)
	}

	if a.adapter != nil {
		if err := a.adapter.Start(runCtx, a.updates); err != nil {
			return err
		}
		if err := a.adapter.UpdateMenuCommands(runCtx, a.router.Commands()); err != nil {
			a.log.Warn("set bot commands failed", logx.Err(err))
		}
		a.sup.Go("router", func(c context.Context) error { return a.router.Run(c, a.updates) })
		a.sup.Go("notifier", a.notif.Run)
	}

	a.sched.Start(runCtx)

	cfgUpdates := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-cfgUpdates:
				if !ok {
					return nil
				}
				a.reload(cfg)
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, restart)
	a.sup.Go("systemd.watchdog", func(c context.Context) error { return a.sd.Watchdog(c, a.healthy) })

	if _, err := a.sd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started",
		logx.String("account", a.cfg.Instagram.Username),
		logx.Bool("telegram", a.adapter != nil),
		logx.Bool("sheets", a.sheets != nil),
		logx.Bool("observability", a.obs != nil),
	)
	return nil
}

// reload applies the live-tunable parts of cfg. Storage, the Instagram
// session and the Telegram token need a restart.
func (a *App) reload(cfg *config.Config) {
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	var changed []string
	if limits, err := mapAllPacing(cfg); err == nil {
		a.dispatchPacer.Apply(limits.Dispatch)
		a.broadcastPacer.Apply(limits.Broadcast)
		a.welcomePacer.Apply(limits.Welcome)
		changed = append(changed, "pacing")
	}
	a.logs.Apply(mapLogConfig(cfg))
	changed = append(changed, "logging")

	if obs, err := mapObservers(cfg); err == nil {
		if err := a.sched.Reschedule(jobComments, obs.CommentSchedule); err != nil {
			a.log.Warn("reschedule failed", logx.String("job", jobComments), logx.Err(err))
		}
		if err := a.sched.Reschedule(jobFollowers, obs.FollowerSchedule); err != nil {
			a.log.Warn("reschedule failed", logx.String("job", jobFollowers), logx.Err(err))
		}
		changed = append(changed, "observers")
	}
	if a.router != nil {
		a.router.SetAdmins(cfg.Telegram.AdminIDs)
		changed = append(changed, "admins")
	}
	if a.cfg.Storage != cfg.Storage || a.cfg.Instagram != cfg.Instagram || a.cfg.Telegram.Token != cfg.Telegram.Token {
		a.log.Warn("storage, instagram and telegram token changes apply after restart")
	}
	a.cfg = cfg
	a.log.Info("config applied", logx.String("sections", strings.Join(changed, ",")))
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	if _, err := a.sd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
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
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Inputs first so nothing new is produced while the queues drain.
	step("scheduler", 5*time.Second, a.sched.Stop)
	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter == nil {
			return nil
		}
		return a.adapter.Stop(c)
	})
	step("dispatch", 0, func(context.Context) error { a.queue.Stop(); return nil })
	// The in-flight send finishes under its own timeout before loops return.
	step("supervisor", 10*time.Second, a.sup.Stop)
	step("sheets", 5*time.Second, func(context.Context) error {
		if a.sheets == nil {
			return nil
		}
		return a.sheets.Flush()
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
