package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotwatch/internal/availability"
	"slotwatch/internal/catalog"
	"slotwatch/internal/driver"
	"slotwatch/internal/driver/drivertest"
	"slotwatch/internal/notify"
	"slotwatch/internal/push"
	"slotwatch/internal/slot"
	"slotwatch/internal/storage"
	"slotwatch/internal/subscription"
	logx "slotwatch/pkg/logx"
)

var testNow = time.Date(2030, time.May, 20, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	sent    []string
	outcome push.Outcome
}

func (r *recorder) Send(_ context.Context, d string, _ push.Message) (push.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, d)
	return r.outcome, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type fixture struct {
	cat    *catalog.Catalog
	site   *drivertest.Site
	subs   *subscription.Store
	avail  *availability.Store
	pub    *availability.Publisher
	sender *recorder
	eng    *Engine
}

func newFixture(t *testing.T, cfg Config, subs ...subscription.Subscription) *fixture {
	t.Helper()
	cat, err := catalog.New([]catalog.Category{
		{Key: "permits", Name: "Permits"},
		{Key: "fees", Name: "Fees"},
	}, []string{"Durham East", "Cary", "Wilson"})
	require.NoError(t, err)

	kv := storage.NewMemory()
	f := &fixture{
		cat:    cat,
		site:   drivertest.NewSite(cat.Names()...),
		subs:   subscription.NewStore(kv),
		avail:  availability.NewStore(kv),
		pub:    availability.NewPublisher(filepath.Join(t.TempDir(), "availability.json"), cat),
		sender: &recorder{outcome: push.Delivered},
	}
	for _, s := range subs {
		require.NoError(t, f.subs.Upsert(context.Background(), s, testNow))
	}
	f.site.SetLocations("Permits", "Durham East", "Cary")
	f.site.SetCalendar("Permits", "Durham East", drivertest.Calendar{
		Month: "June", Year: "2030", Days: []string{"3"}, Times: []string{"9:00 AM"},
	})
	f.site.SetCalendar("Permits", "Cary", drivertest.Calendar{
		Month: "June", Year: "2030", Days: []string{"4"}, Times: []string{"10:00 AM"},
	})

	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	disp := notify.NewDispatcher(notify.Config{RatePerSec: 1000}, f.sender, f.subs, nil, logx.Nop())
	f.eng, err = New(cfg, Deps{
		Driver:        drivertest.NewDriver(f.site),
		Catalog:       cat,
		Subscriptions: f.subs,
		Availability:  f.avail,
		Publisher:     f.pub,
		Dispatcher:    disp,
		Log:           logx.Nop(),
	})
	require.NoError(t, err)
	f.eng.now = func() time.Time { return testNow }
	return f
}

func (f *fixture) entry(t *testing.T, category, location string) availability.Entry {
	t.Helper()
	entries, err := f.avail.Load(context.Background())
	require.NoError(t, err)
	for _, e := range entries {
		if e.Category == category && e.Location == location {
			return e
		}
	}
	t.Fatalf("no snapshot entry for %s/%s", category, location)
	return availability.Entry{}
}

func TestCycleScansOnlyInterestingLocations(t *testing.T) {
	f := newFixture(t, Config{}, subscription.Subscription{
		UserID: "u1", Push: "d1", Categories: []string{"permits"}, Locations: []string{"Durham East"},
	})
	w := f.eng.workers[0]
	defer w.closeSession()

	skipped := w.cycle(context.Background())
	assert.Empty(t, skipped)

	assert.Equal(t, 1, f.site.Opened("Permits", "Durham East"))
	assert.Zero(t, f.site.Opened("Permits", "Cary"))
	assert.Equal(t, 1, f.sender.count())

	de := f.entry(t, "permits", "Durham East")
	assert.True(t, de.Reachable)
	assert.Equal(t, 1, de.SlotCount)
	cary := f.entry(t, "permits", "Cary")
	assert.True(t, cary.Reachable)
	assert.Zero(t, cary.SlotCount)
	assert.False(t, f.entry(t, "permits", "Wilson").Reachable)

	entries, err := f.avail.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 6, "every known location once per processed category")
	assert.Len(t, f.pub.Records(entries), 6)

	assert.Equal(t, []string{"2030-06-03 9:00 AM"}, f.eng.deps.Tracker.Seen(slot.Key{Category: "permits", Location: "Durham East"}))
}

func TestConcurrentWorkersPublishFullSnapshot(t *testing.T) {
	f := newFixture(t, Config{Workers: 2}, subscription.Subscription{UserID: "u1", Push: "d1"})
	require.Equal(t, 2, f.eng.Workers())

	for round := 0; round < 5; round++ {
		var wg sync.WaitGroup
		for _, w := range f.eng.workers {
			wg.Add(1)
			go func(w *worker) {
				defer wg.Done()
				assert.Empty(t, w.cycle(context.Background()))
			}(w)
		}
		wg.Wait()
	}
	for _, w := range f.eng.workers {
		w.closeSession()
	}

	entries, err := f.avail.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 6)

	b, err := os.ReadFile(f.pub.Path())
	require.NoError(t, err)
	var recs []availability.Record
	require.NoError(t, json.Unmarshal(b, &recs))
	assert.Equal(t, f.pub.Records(entries), recs, "published list matches the durable snapshot")
}

func TestRepeatCycleDoesNotRenotify(t *testing.T) {
	f := newFixture(t, Config{}, subscription.Subscription{UserID: "u1", Push: "d1", Locations: []string{"Durham East"}})
	w := f.eng.workers[0]
	defer w.closeSession()

	w.cycle(context.Background())
	w.cycle(context.Background())
	assert.Equal(t, 1, f.sender.count())

	f.site.SetCalendar("Permits", "Durham East", drivertest.Calendar{
		Month: "June", Year: "2030", Days: []string{"3", "5"}, Times: []string{"9:00 AM"},
	})
	w.cycle(context.Background())
	assert.Equal(t, 2, f.sender.count())
}

func TestEmptyCalendarKeepsSeenSet(t *testing.T) {
	f := newFixture(t, Config{}, subscription.Subscription{UserID: "u1", Push: "d1", Locations: []string{"Durham East"}})
	w := f.eng.workers[0]
	defer w.closeSession()
	key := slot.Key{Category: "permits", Location: "Durham East"}

	w.cycle(context.Background())
	f.site.FailCalendar(1)
	w.cycle(context.Background())
	assert.Len(t, f.eng.deps.Tracker.Seen(key), 1)
	assert.Zero(t, f.entry(t, "permits", "Durham East").SlotCount)

	w.cycle(context.Background())
	assert.Equal(t, 1, f.sender.count())
}

func TestNoSubscribersNoScraping(t *testing.T) {
	f := newFixture(t, Config{})
	w := f.eng.workers[0]
	defer w.closeSession()

	w.cycle(context.Background())
	assert.Zero(t, f.site.Opened("Permits", "Durham East"))
	assert.Zero(t, f.site.Opened("Permits", "Cary"))
	assert.True(t, f.entry(t, "permits", "Cary").Reachable)
	assert.Equal(t, 1, f.site.Visits("Fees"))
}

func TestCategorySkippedAfterRetries(t *testing.T) {
	f := newFixture(t, Config{CategoryRetries: 3})
	w := f.eng.workers[0]
	defer w.closeSession()
	f.site.FailNavigate(1 << 20)

	skipped := w.cycle(context.Background())
	assert.Equal(t, []string{"permits", "fees"}, skipped)
	assert.Equal(t, 6, f.site.Launches(), "a fresh session per attempt")
	assert.Equal(t, f.site.Launches(), f.site.Closes())

	entries, err := f.avail.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries, "skipped categories leave the snapshot untouched")

	f.site.FailNavigate(0)
	assert.Empty(t, w.cycle(context.Background()))
}

func TestSessionLossRelaunches(t *testing.T) {
	f := newFixture(t, Config{}, subscription.Subscription{UserID: "u1", Push: "d1"})
	w := f.eng.workers[0]
	defer w.closeSession()
	f.site.LoseNextSession(2)

	skipped := w.cycle(context.Background())
	assert.Empty(t, skipped)
	assert.Equal(t, 2, f.site.Launches())
	assert.Equal(t, 1, f.site.Opened("Permits", "Durham East"))
}

func TestSessionLostMidCategoryScansRemainingLocations(t *testing.T) {
	f := newFixture(t, Config{}, subscription.Subscription{
		UserID: "u1", Push: "d1", Categories: []string{"permits"},
	})
	w := f.eng.workers[0]
	defer w.closeSession()
	f.site.KillSessionOnOpen("Permits", "Durham East", 1)

	skipped := w.cycle(context.Background())
	assert.Empty(t, skipped)
	assert.Equal(t, 2, f.site.Launches(), "one relaunch inside the category")
	assert.Equal(t, 1, f.site.Opened("Permits", "Durham East"), "failed location retried on the new session")
	assert.Equal(t, 1, f.site.Opened("Permits", "Cary"))
	assert.Equal(t, 1, f.entry(t, "permits", "Cary").SlotCount)
	assert.Equal(t, 1, f.entry(t, "permits", "Durham East").SlotCount)
	assert.Equal(t, 2, f.sender.count())
}

func TestSecondSessionLossEndsCategory(t *testing.T) {
	f := newFixture(t, Config{}, subscription.Subscription{
		UserID: "u1", Push: "d1", Categories: []string{"permits"},
	})
	w := f.eng.workers[0]
	defer w.closeSession()
	f.site.KillSessionOnOpen("Permits", "Durham East", 2)

	skipped := w.cycle(context.Background())
	assert.Empty(t, skipped, "partial results still count as processed")
	assert.Equal(t, 3, f.site.Launches(), "fees starts on a third session")
	assert.Zero(t, f.site.Opened("Permits", "Durham East"))
	assert.Zero(t, f.site.Opened("Permits", "Cary"))
	assert.True(t, f.entry(t, "permits", "Cary").Reachable)
}

func TestCategoryLogsUncataloguedTilesAndFailedDeliveries(t *testing.T) {
	f := newFixture(t, Config{}, subscription.Subscription{
		UserID: "u1", Push: "d1", Categories: []string{"permits"},
	})
	f.sender.outcome = push.PermanentlyInvalid
	f.site.SetLocations("Permits", "Durham East", "Atlantis")
	var buf bytes.Buffer
	w := f.eng.workers[0]
	w.log = logx.NewWriter(&buf, "debug")
	defer w.closeSession()

	assert.Empty(t, w.cycle(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "reachable location not in catalog")
	assert.Contains(t, out, `"location":"Atlantis"`)
	assert.Contains(t, out, "some notifications failed")
	assert.Contains(t, out, `"seen":1`)
	assert.True(t, f.entry(t, "permits", "Atlantis").Reachable)
}

func TestProactiveSessionRestart(t *testing.T) {
	f := newFixture(t, Config{MaxCategoriesPerSession: 1})
	w := f.eng.workers[0]
	defer w.closeSession()

	w.cycle(context.Background())
	assert.Equal(t, 2, f.site.Launches())
	w.cycle(context.Background())
	assert.Equal(t, 4, f.site.Launches())
}

func TestRemovedSubscriberNotNotifiedAgainInCycle(t *testing.T) {
	f := newFixture(t, Config{}, subscription.Subscription{UserID: "u1", Push: "d1", FailureCount: 4})
	f.sender.outcome = push.PermanentlyInvalid
	w := f.eng.workers[0]
	defer w.closeSession()

	w.cycle(context.Background())
	assert.Equal(t, 1, f.sender.count())
	_, err := f.subs.Get(context.Background(), "u1")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

func TestHousekeeping(t *testing.T) {
	f := newFixture(t, Config{SubscriptionMaxAge: 30 * 24 * time.Hour})
	ctx := context.Background()
	require.NoError(t, f.subs.Upsert(ctx, subscription.Subscription{UserID: "old", Push: "d"}, testNow.Add(-31*24*time.Hour)))
	require.NoError(t, f.subs.Upsert(ctx, subscription.Subscription{UserID: "new", Push: "d"}, testNow.Add(-time.Hour)))
	key := slot.Key{Category: "fees", Location: "Cary"}
	f.eng.deps.Tracker.Observe(key, []slot.TimeSlot{
		slot.New(2030, time.May, 1, "9:00 AM"),
		slot.New(2030, time.June, 1, "9:00 AM"),
	})

	f.eng.Housekeeping(ctx)

	_, err := f.subs.Get(ctx, "old")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
	_, err = f.subs.Get(ctx, "new")
	assert.NoError(t, err)
	assert.Equal(t, []string{"2030-06-01 9:00 AM"}, f.eng.deps.Tracker.Seen(key))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour, Workers: 2})
	require.Equal(t, 2, f.eng.Workers())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, st := range f.eng.Status() {
			if st.Cycles < 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Equal(t, f.site.Launches(), f.site.Closes(), "every session is torn down")
}

type panicOnce struct {
	driver.Driver
	fired atomic.Bool
}

func (p *panicOnce) Launch(ctx context.Context, opts driver.Options) (driver.Session, error) {
	if p.fired.CompareAndSwap(false, true) {
		panic("browser crashed")
	}
	return p.Driver.Launch(ctx, opts)
}

func TestStatusReportsWorkerPanics(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour}, subscription.Subscription{
		UserID: "u1", Push: "d1", Categories: []string{"permits"},
	})
	f.eng.deps.Driver = &panicOnce{Driver: f.eng.deps.Driver}
	assert.Empty(t, f.eng.Supervision().Goroutines)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.eng.Status()[0].Cycles >= 1
	}, 10*time.Second, 10*time.Millisecond)

	st := f.eng.Status()[0]
	assert.Equal(t, uint64(1), st.Panics)
	assert.Equal(t, uint64(1), st.Restarts)
	assert.Contains(t, st.LastError, "browser crashed")

	names := []string{}
	for _, g := range f.eng.Supervision().Goroutines {
		names = append(names, g.Name)
	}
	assert.Contains(t, names, "worker-0")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestNewValidates(t *testing.T) {
	f := newFixture(t, Config{})
	deps := f.eng.deps

	_, err := New(Config{HousekeepingCron: "not a cron"}, deps)
	assert.Error(t, err)

	_, err = New(Config{Partitions: [][]string{{"permits"}, {"permits"}}}, deps)
	assert.Error(t, err)

	e, err := New(Config{Partitions: [][]string{{"fees"}, {"permits"}}, HousekeepingCron: "@every 1h"}, deps)
	require.NoError(t, err)
	st := e.Status()
	require.Len(t, st, 2)
	assert.Equal(t, []string{"fees"}, st[0].Categories)

	deps.Driver = nil
	_, err = New(Config{}, deps)
	assert.Error(t, err)
}
