// Package engine runs the monitoring workers.
//
// Each worker owns one automation session and a fixed partition of the
// category catalog. A cycle reloads subscriptions, then for every assigned
// category navigates to the location list, scans the reachable locations
// somebody is interested in, records availability, and dispatches
// notifications for newly seen slots. Workers never share a session; the
// subscription and availability stores are the only shared state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"slotwatch/internal/availability"
	"slotwatch/internal/catalog"
	"slotwatch/internal/driver"
	"slotwatch/internal/extract"
	"slotwatch/internal/metrics"
	"slotwatch/internal/navigator"
	"slotwatch/internal/notify"
	"slotwatch/internal/runtime/supervisor"
	"slotwatch/internal/slot"
	"slotwatch/internal/subscription"
	logx "slotwatch/pkg/logx"
)

// Deps are the collaborators an Engine drives. Publisher and Metrics may be nil.
type Deps struct {
	Driver        driver.Driver
	Site          navigator.Site
	Catalog       *catalog.Catalog
	Subscriptions *subscription.Store
	Availability  *availability.Store
	Publisher     *availability.Publisher
	Dispatcher    *notify.Dispatcher
	Tracker       *slot.Tracker
	Metrics       *metrics.Metrics
	Log           logx.Logger
}

type Engine struct {
	cfg     Config
	deps    Deps
	log     logx.Logger
	extract *extract.Extractor
	now     func() time.Time
	workers []*worker

	smu    sync.Mutex
	status map[int]WorkerStatus
	sup    *supervisor.Supervisor
}

// WorkerStatus is a point-in-time view of one worker, for debugging.
type WorkerStatus struct {
	ID                int           `json:"id"`
	Categories        []string      `json:"categories"`
	Cycles            int           `json:"cycles"`
	LastCycleAt       time.Time     `json:"last_cycle_at,omitempty"`
	LastCycleDuration time.Duration `json:"last_cycle_duration"`
	Session           string        `json:"session,omitempty"`
	SessionCategories int           `json:"session_categories"`
	Skipped           []string      `json:"skipped,omitempty"`

	// Restarts and Panics count supervisor restarts of the worker loop.
	Restarts  uint64 `json:"restarts"`
	Panics    uint64 `json:"panics"`
	LastError string `json:"last_error,omitempty"`
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(cfg Config, deps Deps) (*Engine, error) {
	cfg = cfg.withDefaults()
	switch {
	case deps.Driver == nil:
		return nil, errors.New("engine: nil driver")
	case deps.Catalog == nil:
		return nil, errors.New("engine: nil catalog")
	case deps.Subscriptions == nil:
		return nil, errors.New("engine: nil subscription store")
	case deps.Availability == nil:
		return nil, errors.New("engine: nil availability store")
	case deps.Dispatcher == nil:
		return nil, errors.New("engine: nil dispatcher")
	}
	if deps.Tracker == nil {
		deps.Tracker = slot.NewTracker()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if cfg.HousekeepingCron != "" {
		if _, err := cronParser.Parse(cfg.HousekeepingCron); err != nil {
			return nil, fmt.Errorf("engine: housekeeping cron %q: %w", cfg.HousekeepingCron, err)
		}
	}

	var parts [][]catalog.Category
	if len(cfg.Partitions) > 0 {
		p, err := deps.Catalog.Resolve(cfg.Partitions)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		parts = p
	} else {
		parts = catalog.Partition(deps.Catalog.Categories(), cfg.Workers)
	}
	if len(parts) == 0 {
		return nil, errors.New("engine: no categories to monitor")
	}

	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Log.With(logx.String("comp", "engine")),
		extract: extract.New(cfg.Extract, deps.Log),
		now:     time.Now,
		status:  map[int]WorkerStatus{},
	}
	for i, cats := range parts {
		e.workers = append(e.workers, newWorker(e, i, cats))
	}
	return e, nil
}

// Workers returns the number of workers Run starts.
func (e *Engine) Workers() int { return len(e.workers) }

// Run starts every worker and blocks until ctx is done and all sessions are
// closed. A worker that panics is restarted with backoff.
func (e *Engine) Run(ctx context.Context) error {
	sup := supervisor.NewSupervisor(ctx, supervisor.WithLogger(e.log))
	e.smu.Lock()
	e.sup = sup
	e.smu.Unlock()

	if e.cfg.HousekeepingCron != "" {
		c := cron.New(cron.WithParser(cronParser))
		if _, err := c.AddFunc(e.cfg.HousekeepingCron, func() { e.Housekeeping(sup.Context()) }); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		sup.Go0("housekeeping", func(ctx context.Context) {
			c.Start()
			<-ctx.Done()
			<-c.Stop().Done()
		})
	}

	for _, w := range e.workers {
		w := w
		// A worker loop only ends on cancellation; any other return is restarted.
		sup.GoRestart(workerName(w.id), w.run,
			supervisor.WithRestartBackoff(time.Second, time.Minute),
			supervisor.WithPublishFirstError(true),
			supervisor.WithStopOnCleanExit(false),
		)
	}
	e.log.Info("engine started",
		logx.Int("workers", len(e.workers)),
		logx.Duration("interval", e.cfg.Interval),
		logx.String("housekeeping_cron", e.cfg.HousekeepingCron),
	)

	<-ctx.Done()
	waitCtx, cancel := context.WithTimeout(context.Background(), e.cfg.CloseTimeout+5*time.Second)
	defer cancel()
	if err := sup.Stop(waitCtx); err != nil && !errors.Is(err, context.Canceled) {
		e.log.Warn("engine stopped uncleanly", logx.Err(err))
	}
	e.log.Info("engine stopped")
	return nil
}

// Housekeeping purges subscriptions older than the configured max age and
// drops seen identities dated before today.
func (e *Engine) Housekeeping(ctx context.Context) {
	now := e.now()
	removed, err := e.deps.Subscriptions.PurgeOlderThan(ctx, now.Add(-e.cfg.SubscriptionMaxAge))
	if err != nil {
		e.log.Warn("subscription purge failed", logx.Err(err))
	} else if len(removed) > 0 {
		e.deps.Metrics.SubscriptionRemoved("max_age", len(removed))
		e.log.Info("purged expired subscriptions", logx.Int("count", len(removed)), logx.Strings("users", removed))
	}
	if n := e.deps.Tracker.Prune(now); n > 0 {
		e.log.Debug("pruned past slot identities", logx.Int("count", n))
	}
}

func workerName(id int) string { return "worker-" + strconv.Itoa(id) }

// Status returns the last known state of every worker ordered by ID.
func (e *Engine) Status() []WorkerStatus {
	sup := e.Supervision()
	byName := make(map[string]supervisor.Stats, len(sup.Goroutines))
	for _, g := range sup.Goroutines {
		byName[g.Name] = g
	}

	e.smu.Lock()
	defer e.smu.Unlock()
	out := make([]WorkerStatus, 0, len(e.workers))
	for _, w := range e.workers {
		st, ok := e.status[w.id]
		if !ok {
			st = WorkerStatus{ID: w.id, Categories: w.keys()}
		}
		if g, ok := byName[workerName(w.id)]; ok {
			st.Restarts, st.Panics = g.Restarts, g.Panics
			st.LastError = g.LastErr
			if g.LastPanic != "" {
				st.LastError = "panic: " + g.LastPanic
			}
		}
		out = append(out, st)
	}
	return out
}

// Supervision reports the goroutines of the current Run. It is empty before
// Run starts.
func (e *Engine) Supervision() supervisor.Snapshot {
	e.smu.Lock()
	sup := e.sup
	e.smu.Unlock()
	return sup.Snapshot()
}

func (e *Engine) setStatus(st WorkerStatus) {
	e.smu.Lock()
	e.status[st.ID] = st
	e.smu.Unlock()
}
