// Package app wires the components of one resultwatch process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"resultwatch/internal/config"
	"resultwatch/internal/eventbus"
	"resultwatch/internal/notifier"
	"resultwatch/internal/runtime/supervisor"
	"resultwatch/internal/server"
	"resultwatch/internal/source/athleticnet"
	"resultwatch/internal/storage"
	"resultwatch/internal/task/scheduler"
	"resultwatch/internal/telemetry"
	"resultwatch/internal/watch"
	logx "resultwatch/pkg/logx"
)

const (
	checkSchedule = "check-results"
	stopTimeout   = 30 * time.Second
)

// Options are the command line inputs.
type Options struct {
	ConfigPath string
	// LogLevel overrides logging.level when set.
	LogLevel string
	// Transport overrides email.transport when set ("smtp" or "log").
	Transport string
	// DryRun runs against an in-memory copy of the stored state, so nothing
	// an invocation records survives the process.
	DryRun bool
	// Env defaults to the process environment.
	Env *config.Env
}

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	source  *athleticnet.Client
	notif   *notifier.Service
	watch   *watch.Service
	sched   *scheduler.Service
	metrics *telemetry.Collector
	reg     *prometheus.Registry
	server  *server.Server

	sup *supervisor.Supervisor
}

// New loads the config and builds every component. The caller must Close
// the app.
func New(opts Options) (*App, error) {
	env := config.NewEnv()
	if opts.Env != nil {
		env = *opts.Env
	}
	cfgm := config.NewManager(opts.ConfigPath, env)
	cfgm.SetOverride(func(cfg *config.Config) {
		if s := strings.TrimSpace(opts.LogLevel); s != "" {
			cfg.Logging.Level = s
		}
		if s := strings.TrimSpace(opts.Transport); s != "" {
			cfg.Email.Transport = s
		}
	})
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	bus := eventbus.New()

	a := &App{
		cfgm: cfgm,
		log:  log.With(logx.Component("app")),
		logs: logSvc,
		bus:  bus,
	}
	if err := a.build(cfg, opts, log); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, opts Options, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(sc, log.With(logx.Component("storage")))
	if err != nil {
		return err
	}
	if opts.DryRun {
		durable := a.store
		a.store, err = storage.Scratch(context.Background(), durable)
		if cerr := durable.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}

	srcOpts, err := mapSourceOptions(cfg)
	if err != nil {
		return err
	}
	a.source = athleticnet.New(mapAthletes(cfg), srcOpts, log)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	transport, err := newTransport(cfg, opts.Transport, log.With(logx.Component("notifier")))
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, transport, log, a.bus)

	wcfg, err := mapWatchConfig(cfg)
	if err != nil {
		return err
	}
	a.watch = watch.New(wcfg, a.source, a.store, a.notif, log, a.bus)

	a.sched = scheduler.New(mapSchedulerConfig(cfg), log, a.bus)

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics, err = telemetry.NewCollector(a.reg)
	if err != nil {
		return err
	}
	a.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "resultwatch",
		Name:      "eventbus_dropped_total",
		Help:      "Events a slow subscriber missed.",
	}, func() float64 { return float64(a.bus.Dropped()) }))

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return err
	}
	a.server = server.New(srvCfg, server.Deps{
		Watch:    a.watch,
		State:    a.store,
		Gatherer: a.reg,
		Status: map[string]func() any{
			"athletes":      func() any { return a.source.Athletes() },
			"notifications": func() any { return a.notif.Snapshot() },
			"scheduler":     func() any { return a.sched.Snapshot() },
			"goroutines":    a.goroutines,
		},
	}, log.With(logx.Component("http")))

	a.log.Debug("app built",
		logx.String("storage", sc.Driver),
		logx.String("transport", transport.Name()),
		logx.Int("athletes", len(cfg.WatchedAthletes)),
	)
	return nil
}

// Config returns the current config.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Logger returns the root logger.
func (a *App) Logger() logx.Logger { return a.log }

// Check runs one check-results invocation.
func (a *App) Check(ctx context.Context) (watch.CheckReport, error) {
	return a.watch.Check(ctx)
}

// Initialize runs one initialize-state invocation.
func (a *App) Initialize(ctx context.Context) (watch.InitReport, error) {
	return a.watch.Initialize(ctx)
}

// SendTest sends the configuration test email.
func (a *App) SendTest(ctx context.Context) error {
	return a.notif.SendTest(ctx)
}

// State lists the stored entries.
func (a *App) State(ctx context.Context) (map[string]storage.Entry, error) {
	return a.store.GetAll(ctx)
}

func (a *App) goroutines() any {
	if a.sup == nil {
		return []supervisor.GoroutineStats{}
	}
	return a.sup.Snapshot()
}

// Serve runs the HTTP server, the in-process trigger, metrics and config
// hot reload until ctx is done or a component fails for good.
func (a *App) Serve(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.Component("supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	sup := a.sup

	sup.Go("telemetry", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	sup.Go("events.log", a.logEvents)
	sup.GoRestart("http.serve", a.server.Serve,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithMaxRestarts(5),
	)

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWatchConfig(cfg); err != nil {
			return err
		}
		_, err := mapSourceOptions(cfg)
		return err
	})
	sub := a.cfgm.Subscribe(8)
	sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	sup.Go("config.watch", a.cfgm.Watch)

	cfg := a.cfgm.Get()
	if err := a.scheduleCheck(cfg.Scheduler.Schedule); err != nil {
		sup.Cancel()
		_ = sup.Wait(context.Background())
		return err
	}
	a.sched.Start(sup.Context())

	a.log.Info("serving",
		logx.String("listen", cfg.Server.Listen),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.String("schedule", cfg.Scheduler.Schedule),
	)

	<-sup.Context().Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	a.sched.Stop(stopCtx)
	if err := sup.Wait(stopCtx); err != nil {
		return err
	}
	a.log.Info("stopped")
	return nil
}

func (a *App) scheduleCheck(schedule string) error {
	if !a.sched.Enabled() {
		return nil
	}
	// Check bounds itself with watch.invocation_timeout.
	return a.sched.AddSchedule(checkSchedule, schedule, 0, func(ctx context.Context) error {
		_, err := a.watch.Check(ctx)
		if watch.IsPartialDelivery(err) {
			// the rest is retried on the next run
			return nil
		}
		return err
	})
}

// logEvents writes every lifecycle event at debug level.
func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// reloadLoop applies published configs. Storage, server and email changes
// need a restart and are only reported.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
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
			a.apply(ctx, last, next)
			last = next
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(next))
	a.source.SetAthletes(mapAthletes(next))
	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	if wcfg, err := mapWatchConfig(next); err != nil {
		a.log.Warn("invalid watch config; keeping previous", logx.Err(err))
	} else {
		a.watch.Apply(wcfg)
	}
	a.applyScheduler(ctx, prev, next)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) applyScheduler(ctx context.Context, prev, next *config.Config) {
	wasEnabled := a.sched.Enabled()
	a.sched.Apply(mapSchedulerConfig(next))
	nowEnabled := a.sched.Enabled()

	switch {
	case wasEnabled && !nowEnabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
		a.log.Info("scheduler disabled via config")
		return
	case !wasEnabled && nowEnabled:
		if err := a.scheduleCheck(next.Scheduler.Schedule); err != nil {
			a.log.Warn("invalid schedule", logx.Err(err))
			return
		}
		a.sched.Start(ctx)
		a.log.Info("scheduler enabled via config")
		return
	}
	if nowEnabled && prev.Scheduler.Schedule != next.Scheduler.Schedule {
		if err := a.scheduleCheck(next.Scheduler.Schedule); err != nil {
			a.log.Warn("invalid schedule; keeping previous", logx.Err(err))
		}
	}
}

// Close releases the store and the log file.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
