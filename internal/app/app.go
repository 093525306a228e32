// Package app assembles slotwatch from its config file and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"slotwatch/internal/availability"
	"slotwatch/internal/catalog"
	"slotwatch/internal/config"
	"slotwatch/internal/driver"
	"slotwatch/internal/driver/chrome"
	"slotwatch/internal/engine"
	"slotwatch/internal/metrics"
	"slotwatch/internal/notify"
	"slotwatch/internal/observability/debugsrv"
	"slotwatch/internal/push"
	"slotwatch/internal/runtime/supervisor"
	"slotwatch/internal/slot"
	"slotwatch/internal/storage"
	"slotwatch/internal/subscription"
	logx "slotwatch/pkg/logx"
)

// minStale is the floor for how long a worker may go without finishing a
// cycle before the process reports itself unhealthy.
const minStale = 30 * time.Minute

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	logs *logx.Service
	log  logx.Logger

	store   storage.Store
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	disp    *notify.Dispatcher
	engine  *engine.Engine
	debug   *debugsrv.Service

	interval time.Duration
	started  time.Time
	now      func() time.Time
}

type options struct {
	driver driver.Driver
	sender push.Sender
	logger *logx.Logger
}

type Option func(*options)

// WithDriver replaces the Chrome driver.
func WithDriver(d driver.Driver) Option { return func(o *options) { o.driver = d } }

// WithSender replaces the push channels built from the config.
func WithSender(s push.Sender) Option { return func(o *options) { o.sender = s } }

// WithLogger replaces the logger built from the config. Log reconfiguration
// on reload is then disabled.
func WithLogger(l logx.Logger) Option { return func(o *options) { o.logger = &l } }

// New loads cfgPath and wires every component. Nothing runs until Run.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &App{cfgm: cfgm, cfg: cfg, now: time.Now}
	if o.logger != nil {
		a.log = *o.logger
	} else {
		a.logs, a.log = logx.New(mapLoggingConfig(cfg))
	}
	cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.wire(cfg, o); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config, o options) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	a.reg, a.metrics = metrics.NewRegistry()

	sender := o.sender
	if sender == nil {
		if sender, err = buildSender(cfg, a.log); err != nil {
			return fmt.Errorf("push: %w", err)
		}
	}
	dc, err := mapDispatcherConfig(cfg)
	if err != nil {
		return err
	}
	subs := subscription.NewStore(a.store)
	a.disp = notify.NewDispatcher(dc, sender, subs, a.metrics, a.log.With(logx.String("comp", "notify")))

	ec, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.interval = ec.Interval

	cat := catalog.Default()
	drv := o.driver
	if drv == nil {
		drv = chrome.New(a.log.With(logx.String("comp", "chrome")))
	}
	var pub *availability.Publisher
	if p := publishPath(cfg); p != "" {
		pub = availability.NewPublisher(p, cat)
	}

	a.engine, err = engine.New(ec, engine.Deps{
		Driver:        drv,
		Site:          mapSite(cfg),
		Catalog:       cat,
		Subscriptions: subs,
		Availability:  availability.NewStore(a.store),
		Publisher:     pub,
		Dispatcher:    a.disp,
		Tracker:       slot.NewTracker(),
		Metrics:       a.metrics,
		Log:           a.log,
	})
	if err != nil {
		return err
	}

	a.debug = debugsrv.New(mapDebugConfig(cfg), debugsrv.Sources{
		Gatherer: a.reg,
		Health:   a.Healthy,
		Status:   func() any { return a.Status() },
	}, a.log)
	return nil
}

// publishPath defaults to availability.json next to file storage and is off
// for the other drivers unless set.
func publishPath(cfg *config.Config) string {
	if p := cfg.Availability.PublishPath; p != "" {
		return p
	}
	if cfg.Storage.Driver == "file" {
		return filepath.Join(cfg.Storage.Path, "availability.json")
	}
	return ""
}

// Run blocks until ctx is done or a component fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	a.started = a.now()

	g, gctx := errgroup.WithContext(ctx)

	a.debug.Start(gctx)
	g.Go(func() error { return a.engine.Run(gctx) })
	g.Go(func() error { return a.cfgm.Watch(gctx) })
	g.Go(func() error { return a.applyLoop(gctx) })
	g.Go(func() error { return watchdog(gctx, a.log, a.Healthy) })

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("slotwatch started",
		logx.String("config", a.cfgm.Path()),
		logx.Int("workers", a.engine.Workers()),
		logx.String("storage", a.cfg.Storage.Driver),
	)

	err := g.Wait()
	sdNotify(a.log, daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.debug.Stop(stopCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("slotwatch stopped with error", logx.Err(err))
		return err
	}
	a.log.Info("slotwatch stopped")
	return nil
}

// applyLoop applies the parts of a reloaded config that can change at
// runtime. Everything else takes effect on restart.
func (a *App) applyLoop(ctx context.Context) error {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-ch:
			if !ok {
				return nil
			}
			if a.logs != nil {
				a.logs.Apply(mapLoggingConfig(cfg))
			}
			a.debug.Reconfigure(ctx, mapDebugConfig(cfg))
			a.log.Info("config applied; monitor and storage changes need a restart")
		}
	}
}

// Healthy reports an error when any worker has not finished a cycle within
// max(10 intervals, 30m).
func (a *App) Healthy() error {
	stale := 10 * a.interval
	if stale < minStale {
		stale = minStale
	}
	now := a.now()
	for _, st := range a.engine.Status() {
		last := st.LastCycleAt
		if last.IsZero() {
			last = a.started
		}
		if last.IsZero() {
			continue
		}
		if age := now.Sub(last); age > stale {
			return fmt.Errorf("worker %d: no completed cycle for %s", st.ID, age.Truncate(time.Second))
		}
	}
	return nil
}

// Status is served as JSON by the debug server.
type Status struct {
	Started       time.Time             `json:"started"`
	Workers       []engine.WorkerStatus `json:"workers"`
	Supervision   supervisor.Snapshot   `json:"supervision"`
	Notifications []notify.HistoryItem  `json:"notifications"`
}

func (a *App) Status() Status {
	return Status{
		Started:       a.started,
		Workers:       a.engine.Status(),
		Supervision:   a.engine.Supervision(),
		Notifications: a.disp.Snapshot(),
	}
}

func (a *App) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}
