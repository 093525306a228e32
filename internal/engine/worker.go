package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"slotwatch/internal/availability"
	"slotwatch/internal/catalog"
	"slotwatch/internal/driver"
	"slotwatch/internal/fault"
	"slotwatch/internal/navigator"
	"slotwatch/internal/notify"
	"slotwatch/internal/slot"
	"slotwatch/internal/subscription"
	logx "slotwatch/pkg/logx"
)

type worker struct {
	e    *Engine
	id   int
	name string
	cats []catalog.Category
	log  logx.Logger

	sess      driver.Session
	nav       *navigator.Navigator
	processed int // categories on the current session
	cycles    int
}

func newWorker(e *Engine, id int, cats []catalog.Category) *worker {
	name := strconv.Itoa(id)
	return &worker{
		e:    e,
		id:   id,
		name: name,
		cats: cats,
		log:  e.log.With(logx.String("worker", name)),
	}
}

func (w *worker) keys() []string {
	out := make([]string, 0, len(w.cats))
	for _, c := range w.cats {
		out = append(out, c.Key)
	}
	return out
}

// run loops cycles until ctx is done, then tears the session down.
func (w *worker) run(ctx context.Context) error {
	defer w.closeSession()
	w.log.Info("worker started", logx.Strings("categories", w.keys()))

	for {
		start := w.e.now()
		skipped := w.cycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		elapsed := w.e.now().Sub(start)
		w.cycles++
		w.e.deps.Metrics.Cycle(w.name, elapsed, w.e.now())
		w.report(start, elapsed, skipped)
		w.log.Info("cycle complete",
			logx.Int("cycle", w.cycles),
			logx.Duration("elapsed", elapsed),
			logx.Strings("skipped", skipped),
		)

		if w.id == 0 && w.e.cfg.HousekeepingCron == "" && w.cycles%w.e.cfg.HousekeepingEvery == 0 {
			w.e.Housekeeping(ctx)
		}

		wait := w.e.cfg.Interval - elapsed
		if wait < 0 {
			wait = 0
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// cycle processes every assigned category once and returns the keys of the
// categories it had to skip.
func (w *worker) cycle(ctx context.Context) []string {
	subs, bad, err := w.e.deps.Subscriptions.List(ctx)
	if err != nil {
		// Keep scanning for availability even when nobody can be notified.
		w.e.deps.Metrics.Failure(fault.KindPersistence.String())
		w.log.Warn("load subscriptions failed", logx.Err(fault.Persistence("list subscriptions", err)))
		subs = nil
	} else if bad > 0 {
		w.log.Warn("skipped malformed subscriptions", logx.Int("count", bad))
	}

	var skipped []string
	for _, cat := range w.cats {
		if ctx.Err() != nil {
			return skipped
		}
		var ok bool
		subs, ok = w.category(ctx, cat, subs)
		if !ok {
			skipped = append(skipped, cat.Key)
		}
	}
	return skipped
}

// category runs one category and returns the subscription list with any
// subscriptions removed by delivery failures filtered out.
func (w *worker) category(ctx context.Context, cat catalog.Category, subs []subscription.Subscription) ([]subscription.Subscription, bool) {
	log := w.log.With(logx.String("category", cat.Key))
	start := w.e.now()

	if max := w.e.cfg.MaxCategoriesPerSession; max > 0 && w.processed >= max && w.sess != nil {
		log.Info("restarting session", logx.String("reason", "proactive"), logx.Int("processed", w.processed))
		w.restart("proactive")
	}

	reachable, err := w.reach(ctx, cat, log)
	if err != nil {
		if ctx.Err() == nil {
			w.e.deps.Metrics.CategorySkipped(cat.Key)
			log.Warn("category skipped this cycle", logx.Err(err))
		}
		return subs, false
	}
	w.processed++

	res := availability.NewResult(cat.Key, w.e.deps.Catalog.Locations(), w.e.now())
	for _, loc := range reachable {
		if !w.e.deps.Catalog.KnownLocation(loc) {
			log.Debug("reachable location not in catalog", logx.String("location", loc))
		}
		res.Set(loc, true, 0)
	}

	interest := subscription.InterestIn(subs, cat.Key)
	if interest.Empty() {
		log.Debug("no subscribers for category; recording reachability only")
		reachable = nil
	}
	relaunched := false
	for i := 0; i < len(reachable); i++ {
		loc := reachable[i]
		if !interest.Has(loc) {
			continue
		}
		if ctx.Err() != nil {
			return subs, false
		}
		slots, err := w.scan(ctx, cat, loc)
		if err != nil {
			if ctx.Err() != nil {
				return subs, false
			}
			w.e.deps.Metrics.Failure(fault.KindOf(err).String())
			log.Warn("location scan failed", logx.String("location", loc), logx.Err(err))
			if !fault.Is(err, fault.KindSession) {
				continue
			}
			// One fresh session per category; the failed location is retried on it.
			w.restart(fault.KindSession.String())
			if relaunched {
				break
			}
			relaunched = true
			if _, err := w.tryReach(ctx, cat); err != nil {
				if ctx.Err() == nil {
					w.e.deps.Metrics.Failure(fault.KindOf(err).String())
					log.Warn("relaunch failed; keeping partial results", logx.Err(err))
					w.restart(fault.KindOf(err).String())
				}
				break
			}
			w.processed++
			i--
			continue
		}
		res.Set(loc, true, len(slots))
		subs = w.detect(ctx, cat, loc, slots, subs)
	}

	w.persist(ctx, res, log)
	locs, n := res.Reachable()
	w.e.deps.Metrics.Category(cat.Key, w.e.now().Sub(start), locs)
	log.Info("category checked", logx.Int("reachable", locs), logx.Int("slots", n), logx.Duration("took", w.e.now().Sub(start)))
	return subs, true
}

// reach gets the session onto the location list of cat and enumerates the
// reachable locations, restarting the session between failed attempts.
func (w *worker) reach(ctx context.Context, cat catalog.Category, log logx.Logger) ([]string, error) {
	var lastErr error
	for attempt := 1; attempt <= w.e.cfg.CategoryRetries; attempt++ {
		if attempt > 1 {
			d := time.Duration(attempt-1) * w.e.cfg.RetryBackoff
			log.Debug("retrying category", logx.Int("attempt", attempt), logx.Duration("backoff", d))
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		locs, err := w.tryReach(ctx, cat)
		if err == nil {
			return locs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		kind := fault.KindOf(err)
		w.e.deps.Metrics.Failure(kind.String())
		log.Warn("category attempt failed", logx.Int("attempt", attempt), logx.String("kind", kind.String()), logx.Err(err))
		w.restart(kind.String())
	}
	return nil, fmt.Errorf("after %d attempts: %w", w.e.cfg.CategoryRetries, lastErr)
}

func (w *worker) tryReach(ctx context.Context, cat catalog.Category) ([]string, error) {
	if err := w.ensureSession(ctx); err != nil {
		return nil, err
	}
	if err := w.nav.NavigateToCategory(ctx, cat); err != nil {
		return nil, err
	}
	return w.nav.ReachableLocations(ctx)
}

// scan opens loc from the location list and extracts its slots. A location
// that cannot be opened is retried once after re-establishing the list.
func (w *worker) scan(ctx context.Context, cat catalog.Category, loc string) ([]slot.TimeSlot, error) {
	var err error
	for try := 0; try < 2; try++ {
		if err = w.nav.EnsureOnLocationList(ctx, cat); err != nil {
			return nil, err
		}
		if err = w.nav.OpenLocation(ctx, loc); err != nil {
			if fault.Is(err, fault.KindSession) || errors.Is(err, driver.ErrNotFound) {
				return nil, err
			}
			continue
		}
		return w.e.extract.Extract(ctx, w.sess)
	}
	return nil, err
}

// detect runs change detection for one pair and dispatches on new slots.
func (w *worker) detect(ctx context.Context, cat catalog.Category, loc string, slots []slot.TimeSlot, subs []subscription.Subscription) []subscription.Subscription {
	key := slot.Key{Category: cat.Key, Location: loc}
	fresh := w.e.deps.Tracker.Observe(key, slots)
	if len(fresh) == 0 {
		return subs
	}
	w.e.deps.Metrics.NewSlots(cat.Key, len(fresh))
	w.log.Info("new slots",
		logx.String("category", cat.Key),
		logx.String("location", loc),
		logx.Int("new", len(fresh)),
		logx.Int("total", len(slots)),
		logx.Int("seen", len(w.e.deps.Tracker.Seen(key))),
	)
	rep := w.e.deps.Dispatcher.Dispatch(ctx, subs, notify.Event{
		Category:     cat.Key,
		CategoryName: cat.Name,
		Location:     loc,
		Slots:        slots,
		New:          fresh,
	})
	if n := rep.Failed(); n > 0 {
		w.log.Warn("some notifications failed",
			logx.String("category", cat.Key),
			logx.String("location", loc),
			logx.Int("delivered", rep.Delivered),
			logx.Int("failed", n),
			logx.Int("removed", rep.Removed),
		)
	}
	if len(rep.RemovedUsers) == 0 {
		return subs
	}
	gone := make(map[string]struct{}, len(rep.RemovedUsers))
	for _, u := range rep.RemovedUsers {
		gone[u] = struct{}{}
	}
	kept := make([]subscription.Subscription, 0, len(subs))
	for _, s := range subs {
		if _, ok := gone[s.UserID]; !ok {
			kept = append(kept, s)
		}
	}
	return kept
}

func (w *worker) persist(ctx context.Context, res *availability.Result, log logx.Logger) {
	_, err := w.e.deps.Availability.MergeAndPublish(ctx, w.e.deps.Publisher, res)
	switch {
	case err == nil:
	case errors.Is(err, availability.ErrPublish):
		w.e.deps.Metrics.Failure(fault.KindPersistence.String())
		log.Error("publish availability failed", logx.String("path", w.e.deps.Publisher.Path()), logx.Err(err))
	default:
		w.e.deps.Metrics.Failure(fault.KindPersistence.String())
		log.Error("persist availability failed", logx.Err(err))
	}
}

func (w *worker) ensureSession(ctx context.Context) error {
	if w.sess != nil {
		return nil
	}
	sess, err := w.e.deps.Driver.Launch(ctx, w.e.cfg.Session)
	if err != nil {
		return fault.Session("launch", err)
	}
	w.sess = sess
	w.processed = 0
	w.nav = navigator.New(sess, w.e.deps.Site, w.e.deps.Catalog, w.e.cfg.Navigator,
		w.log.With(logx.String("session", sess.ID())))
	w.log.Debug("session launched", logx.String("session", sess.ID()))
	return nil
}

// restart drops the current session; the next attempt launches a new one.
func (w *worker) restart(reason string) {
	if w.sess == nil {
		return
	}
	w.e.deps.Metrics.SessionRestart(reason)
	w.closeSession()
}

func (w *worker) closeSession() {
	if w.sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.e.cfg.CloseTimeout)
	defer cancel()
	if err := w.sess.Close(ctx); err != nil {
		w.log.Debug("session close failed", logx.String("session", w.sess.ID()), logx.Err(err))
	}
	w.sess = nil
	w.nav = nil
	w.processed = 0
}

func (w *worker) report(start time.Time, elapsed time.Duration, skipped []string) {
	st := WorkerStatus{
		ID:                w.id,
		Categories:        w.keys(),
		Cycles:            w.cycles,
		LastCycleAt:       start,
		LastCycleDuration: elapsed,
		SessionCategories: w.processed,
		Skipped:           skipped,
	}
	if w.sess != nil {
		st.Session = w.sess.ID()
	}
	w.e.setStatus(st)
}
