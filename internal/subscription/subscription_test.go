package subscription

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotwatch/internal/storage"
	logx "slotwatch/pkg/logx"
)

var now = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	kv, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "data")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return NewStore(kv)
}

func TestMatches(t *testing.T) {
	wild := Subscription{}
	assert.True(t, wild.Matches("permits", "Cary"))
	assert.True(t, wild.Matches("fees", "Wilson"))

	cary := Subscription{Locations: []string{"Cary"}}
	for _, c := range []string{"permits", "fees", "id_card"} {
		assert.True(t, cary.Matches(c, "Cary"), c)
		assert.False(t, cary.Matches(c, "Durham East"), c)
	}

	narrow := Subscription{Categories: []string{"permits"}, Locations: []string{"Durham East"}}
	assert.True(t, narrow.Matches("permits", "Durham East"))
	assert.False(t, narrow.Matches("fees", "Durham East"))
	assert.False(t, narrow.Matches("permits", "Cary"))
}

func TestInterestIn(t *testing.T) {
	subs := []Subscription{
		{Categories: []string{"permits"}, Locations: []string{"Cary"}},
		{Categories: []string{"fees"}},
		{Locations: []string{"Wilson"}},
	}

	in := InterestIn(subs, "permits")
	assert.False(t, in.All)
	assert.True(t, in.Has("Cary"))
	assert.True(t, in.Has("Wilson"))
	assert.False(t, in.Has("Durham East"))

	assert.True(t, InterestIn(subs, "fees").All)
	assert.True(t, InterestIn(nil, "fees").Empty())
}

func TestUpsertListDelete(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	require.NoError(t, st.Upsert(ctx, Subscription{UserID: "u1", Categories: []string{"permits"}}, now))
	require.NoError(t, st.Upsert(ctx, Subscription{UserID: "u2"}, now))

	// Re-upsert keeps the original creation time.
	require.NoError(t, st.Upsert(ctx, Subscription{UserID: "u1", Locations: []string{"Cary"}}, now.Add(time.Hour)))

	subs, skipped, err := st.List(ctx)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, subs, 2)
	assert.Equal(t, "u1", subs[0].UserID)
	assert.Equal(t, now, subs[0].CreatedAt)
	assert.Equal(t, []string{"Cary"}, subs[0].Locations)
	assert.Equal(t, DefaultDateRangeDays, subs[0].DateRangeDays)

	require.NoError(t, st.Delete(ctx, "u1"))
	require.NoError(t, st.Delete(ctx, "missing"))
	_, err = st.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertRequiresUserID(t *testing.T) {
	assert.Error(t, newStore(t).Upsert(context.Background(), Subscription{UserID: "  "}, now))
}

func TestMutate(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	require.NoError(t, st.Upsert(ctx, Subscription{UserID: "u1"}, now))

	act, err := st.Mutate(ctx, "u1", func(s *Subscription) Action {
		s.FailureCount++
		return Save
	})
	require.NoError(t, err)
	assert.Equal(t, Save, act)

	got, err := st.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailureCount)

	_, err = st.Mutate(ctx, "u1", func(*Subscription) Action { return Remove })
	require.NoError(t, err)

	called := false
	_, err = st.Mutate(ctx, "u1", func(*Subscription) Action { called = true; return Save })
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, called)
}

func TestMutatePreservesConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	require.NoError(t, st.Upsert(ctx, Subscription{UserID: "u1"}, now))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := st.Mutate(ctx, "u1", func(s *Subscription) Action {
				s.FailureCount++
				return Save
			})
			assert.NoError(t, err)
		}()
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, st.Upsert(ctx, Subscription{UserID: "other-" + string(rune('a'+i))}, now))
		}(i)
	}
	wg.Wait()

	subs, _, err := st.List(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 11)
	got, err := st.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.FailureCount)
}

func TestPurgeOlderThan(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	require.NoError(t, st.Upsert(ctx, Subscription{UserID: "old"}, now.AddDate(0, 0, -31)))
	require.NoError(t, st.Upsert(ctx, Subscription{UserID: "new"}, now.AddDate(0, 0, -2)))

	removed, err := st.PurgeOlderThan(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, removed)

	subs, _, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "new", subs[0].UserID)
}
