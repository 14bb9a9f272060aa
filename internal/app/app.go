package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/raulk/clock"

	"asyncproc/internal/config"
	"asyncproc/internal/driver"
	"asyncproc/internal/eventbus"
	"asyncproc/internal/jobs"
	"asyncproc/internal/operation"
	"asyncproc/internal/runtime/supervisor"
	"asyncproc/internal/scheduler"
	"asyncproc/internal/status"
	"asyncproc/internal/storage"
	"asyncproc/internal/transport"
	logx "asyncproc/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	clk      clock.Clock
	tr       *transport.HTTP
	trCancel context.CancelFunc
	loop     *driver.Loop
	sched    *scheduler.Scheduler
	jobs     *jobs.Service
	status   *status.Service

	// processLimit is the limit at construction, read before the loop runs.
	processLimit int

	// beats is bumped by a loop hook; the watchdog only pings while it moves.
	beats atomic.Uint64

	notify           func(state string) (bool, error)
	watchdogInterval func() (time.Duration, error)
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	bus := eventbus.New()

	schedCfg, tick, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	stCfg, err := mapStatusConfig(cfg)
	if err != nil {
		return nil, err
	}
	jobList, err := mapJobs(cfg)
	if err != nil {
		return nil, err
	}

	trCtx, trCancel := context.WithCancel(context.Background())
	tr := transport.NewHTTP(trCtx, mapTransportConfig(cfg))

	clk := clock.New()
	loop := driver.New(clk, tick, root.With(logx.String("comp", "driver")))
	sched := scheduler.New(schedCfg, root.With(logx.String("comp", "scheduler")), bus,
		scheduler.WithHost(loop),
		scheduler.WithClock(clk),
		scheduler.WithTransport(tr),
	)

	js := jobs.New(loop, sched, root.With(logx.String("comp", "jobs")))
	if err := js.Apply(jobList); err != nil {
		trCancel()
		return nil, err
	}

	a := &App{
		cfgPath:          cfgPath,
		cfgm:             cfgm,
		root:             root,
		log:              log,
		logs:             logSvc,
		bus:              bus,
		store:            store,
		clk:              clk,
		tr:               tr,
		trCancel:         trCancel,
		loop:             loop,
		sched:            sched,
		jobs:             js,
		processLimit:     sched.ProcessLimit(),
		notify:           sdNotify,
		watchdogInterval: sdWatchdogInterval,
	}
	loop.Install(func() { a.beats.Add(1) })

	a.status = status.New(stCfg, status.Sources{
		Snapshot: sched.Published,
		Journal:  func() storage.Store { return a.store },
		Jobs:     js.Snapshot,
		Supervisor: func() supervisor.Snapshot {
			if a.sup == nil {
				return supervisor.Snapshot{}
			}
			return a.sup.Snapshot()
		},
	}, root)

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

// Post runs fn on the loop goroutine, where the scheduler may be used.
func (a *App) Post(fn func(s *scheduler.Scheduler)) {
	a.loop.Post(func() { fn(a.sched) })
}

// Fetch submits a GET and waits for its completion callback.
func (a *App) Fetch(ctx context.Context, rawURL string, headers map[string]string) (operation.Response, error) {
	ch := make(chan operation.Response, 1)
	a.Post(func(s *scheduler.Scheduler) {
		s.Get(rawURL, func(r operation.Response) { ch <- r }, headers)
	})
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return operation.Response{}, ctx.Err()
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))

	a.sup.Go("driver.loop", a.loop.Run)

	if a.store != nil {
		w := storage.NewWriter(a.store, a.bus, a.root.With(logx.String("comp", "journal")))
		a.sup.Go("storage.journal", w.Run)
	}

	// Debug-level trace of scheduler and request events.
	if a.bus != nil {
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
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	a.jobs.Start()
	a.status.Start(a.sup.Context())

	// Subscribe before Watch so no reload is missed.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.startSystemd()

	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.Int("process_limit", a.processLimit),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyState(sdStopping)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
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
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// Stop cron first so nothing posts to a stopped loop.
	step("jobs", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })

	a.sup.Cancel()
	var loopStopped atomic.Bool
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		loopStopped.Store(c.Err() == nil)
		return err
	})

	// Operations never finish after this point; their handles are released
	// and no callback fires.
	step("scheduler", time.Second, func(context.Context) error {
		if loopStopped.Load() {
			a.sched.Shutdown()
		} else {
			a.log.Warn("driver loop still running; scheduler not shut down")
		}
		return nil
	})
	a.trCancel()

	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
