package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotwatch/internal/push"
	"slotwatch/internal/slot"
	"slotwatch/internal/storage"
	"slotwatch/internal/subscription"
	logx "slotwatch/pkg/logx"
)

var now = time.Date(2024, time.May, 30, 8, 0, 0, 0, time.UTC)

// fakeSender records sends and answers with a scripted outcome per descriptor.
type fakeSender struct {
	mu       sync.Mutex
	outcomes map[string][]push.Outcome
	sent     []string
	bodies   []push.Message
}

func (f *fakeSender) Send(_ context.Context, d string, msg push.Message) (push.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, d)
	f.bodies = append(f.bodies, msg)
	q := f.outcomes[d]
	if len(q) == 0 {
		return push.Delivered, nil
	}
	out := q[0]
	if len(q) > 1 {
		f.outcomes[d] = q[1:]
	}
	return out, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func setup(t *testing.T, subs ...subscription.Subscription) (*subscription.Store, *fakeSender, *Dispatcher) {
	t.Helper()
	st := subscription.NewStore(storage.NewMemory())
	for _, s := range subs {
		require.NoError(t, st.Upsert(context.Background(), s, now))
	}
	snd := &fakeSender{outcomes: map[string][]push.Outcome{}}
	d := NewDispatcher(Config{RatePerSec: 1000}, snd, st, nil, logx.Nop())
	d.now = func() time.Time { return now }
	return st, snd, d
}

func list(t *testing.T, st *subscription.Store) []subscription.Subscription {
	t.Helper()
	subs, _, err := st.List(context.Background())
	require.NoError(t, err)
	return subs
}

func TestRender(t *testing.T) {
	_, _, d := setup(t)
	ev := Event{
		Category: "permits", CategoryName: "Permits", Location: "Durham East",
		Slots: []slot.TimeSlot{
			slot.New(2024, time.June, 1, "9:00 AM"),
			slot.New(2024, time.June, 1, "9:30 AM"),
			slot.New(2024, time.June, 2, "9:00 AM"),
		},
	}
	msg := d.Render(ev)
	assert.Equal(t, DefaultTitle, msg.Title)
	assert.Equal(t, "📋 Permits\n📍 Durham East\n\n📅 Available: Jun 01 at 9:00 AM\n+ 2 more slots", msg.Body)
	assert.Equal(t, "/", msg.URL)
	assert.Equal(t, DefaultTag, msg.Tag)

	ev.Slots = ev.Slots[:1]
	assert.NotContains(t, d.Render(ev).Body, "more slots")
}

// Three cycles at (permits, Durham East): first sight notifies, a repeat does
// not, and a later cycle notifies only for the one new identity.
func TestScenarioThreeCycles(t *testing.T) {
	st, snd, d := setup(t, subscription.Subscription{
		UserID: "u1", Push: "desc-u1",
		Categories: []string{"permits"}, Locations: []string{"Durham East"},
	})
	tr := slot.NewTracker()
	key := slot.Key{Category: "permits", Location: "Durham East"}
	a := slot.New(2024, time.June, 1, "9:00 AM")
	b := slot.New(2024, time.June, 2, "10:00 AM")

	cycle := func(current ...slot.TimeSlot) Report {
		fresh := tr.Observe(key, current)
		return d.Dispatch(context.Background(), list(t, st), Event{
			Category: "permits", Location: "Durham East", Slots: current, New: fresh,
		})
	}

	rep := cycle(a)
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, 1, snd.count())
	assert.Equal(t, []string{"2024-06-01 9:00 AM"}, tr.Seen(key))

	rep = cycle(a)
	assert.Zero(t, rep.Matched)
	assert.Equal(t, 1, snd.count())

	rep = cycle(a, b)
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, 2, snd.count())
	assert.Len(t, tr.Seen(key), 2)
}

func TestLocationWildcardScenario(t *testing.T) {
	st, snd, d := setup(t, subscription.Subscription{UserID: "cary", Push: "desc-cary", Locations: []string{"Cary"}})
	s := []slot.TimeSlot{slot.New(2024, time.June, 1, "9:00 AM")}

	for _, cat := range []string{"permits", "fees", "id_card", "teen_driver_level_1"} {
		rep := d.Dispatch(context.Background(), list(t, st), Event{Category: cat, Location: "Cary", Slots: s, New: s})
		assert.Equal(t, 1, rep.Delivered, cat)
		rep = d.Dispatch(context.Background(), list(t, st), Event{Category: cat, Location: "Wilson", Slots: s, New: s})
		assert.Zero(t, rep.Matched, cat)
	}
	assert.Equal(t, 4, snd.count())
}

func TestDeliveredResetsCounterAndStamps(t *testing.T) {
	st, _, d := setup(t, subscription.Subscription{UserID: "u1", Push: "d1", FailureCount: 3})
	s := []slot.TimeSlot{slot.New(2024, time.June, 1, "9:00 AM")}

	d.Dispatch(context.Background(), list(t, st), Event{Category: "fees", Location: "Cary", Slots: s, New: s})

	got, err := st.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, got.FailureCount)
	require.NotNil(t, got.LastNotificationSent)
	assert.True(t, now.Equal(*got.LastNotificationSent))
}

func TestFailureCounterRemovesAtThreshold(t *testing.T) {
	st, snd, d := setup(t, subscription.Subscription{UserID: "u1", Push: "d1"})
	snd.outcomes["d1"] = []push.Outcome{
		push.TransientFailure, push.PermanentlyInvalid, push.TransientFailure, push.PermanentlyInvalid, push.TransientFailure,
	}
	s := []slot.TimeSlot{slot.New(2024, time.June, 1, "9:00 AM")}
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		rep := d.Dispatch(ctx, list(t, st), Event{Category: "fees", Location: "Cary", Slots: s, New: s})
		assert.Equal(t, 1, rep.Failed())
		assert.Zero(t, rep.Removed)
		got, err := st.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, i, got.FailureCount)
	}

	rep := d.Dispatch(ctx, list(t, st), Event{Category: "fees", Location: "Cary", Slots: s, New: s})
	assert.Equal(t, 1, rep.Removed)
	assert.Equal(t, []string{"u1"}, rep.RemovedUsers)
	_, err := st.Get(ctx, "u1")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

func TestSuccessBetweenFailuresResets(t *testing.T) {
	st, snd, d := setup(t, subscription.Subscription{UserID: "u1", Push: "d1"})
	snd.outcomes["d1"] = []push.Outcome{
		push.TransientFailure, push.TransientFailure, push.Delivered, push.TransientFailure,
	}
	s := []slot.TimeSlot{slot.New(2024, time.June, 1, "9:00 AM")}
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		d.Dispatch(ctx, list(t, st), Event{Category: "fees", Location: "Cary", Slots: s, New: s})
	}
	got, err := st.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailureCount)
}

func TestEmptyDescriptorSkipped(t *testing.T) {
	st, snd, d := setup(t, subscription.Subscription{UserID: "u1"})
	s := []slot.TimeSlot{slot.New(2024, time.June, 1, "9:00 AM")}

	rep := d.Dispatch(context.Background(), list(t, st), Event{Category: "fees", Location: "Cary", Slots: s, New: s})
	assert.Equal(t, 1, rep.Matched)
	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, snd.count())

	got, err := st.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, got.FailureCount)
}

func TestRetriesTransientWithinDispatch(t *testing.T) {
	st, snd, _ := setup(t, subscription.Subscription{UserID: "u1", Push: "d1"})
	d := NewDispatcher(Config{RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, snd, st, nil, logx.Nop())
	snd.outcomes["d1"] = []push.Outcome{push.TransientFailure, push.Delivered}
	s := []slot.TimeSlot{slot.New(2024, time.June, 1, "9:00 AM")}

	rep := d.Dispatch(context.Background(), list(t, st), Event{Category: "fees", Location: "Cary", Slots: s, New: s})
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, 2, snd.count())
	assert.Len(t, d.Snapshot(), 1)
}

func TestSubscriptionDeletedExternallyMidDispatch(t *testing.T) {
	st, _, d := setup(t, subscription.Subscription{UserID: "u1", Push: "d1"})
	subs := list(t, st)
	require.NoError(t, st.Delete(context.Background(), "u1"))
	s := []slot.TimeSlot{slot.New(2024, time.June, 1, "9:00 AM")}

	rep := d.Dispatch(context.Background(), subs, Event{Category: "fees", Location: "Cary", Slots: s, New: s})
	assert.Equal(t, 1, rep.Delivered)
	assert.Empty(t, list(t, st), "outcome recording must not resurrect a deleted subscription")
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{}.withDefaults()
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, cfg.RetryMaxDelay)
	}
}
