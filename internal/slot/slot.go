// Package slot models offered appointment slots and remembers which slot
// identities have already been observed per (category, location).
package slot

import (
	"sort"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

// TimeSlot is a concrete offered (date, time) appointment opportunity.
// Date is a civil date; only its year, month and day are meaningful.
type TimeSlot struct {
	Date time.Time `json:"date"`
	Time string    `json:"time"`
}

// New returns a slot for the given civil date and time label.
func New(year int, month time.Month, day int, label string) TimeSlot {
	return TimeSlot{Date: time.Date(year, month, day, 0, 0, 0, 0, time.UTC), Time: label}
}

// ID is the slot identity used for deduplication, e.g. "2024-06-01 9:00 AM".
func (s TimeSlot) ID() string {
	return s.Date.Format(dateLayout) + " " + s.Time
}

func (s TimeSlot) String() string { return s.ID() }

// Key identifies a (category, location) pair.
type Key struct {
	Category string
	Location string
}

func (k Key) String() string { return k.Category + ":" + k.Location }

// Tracker is the in-memory seen set. It lives as long as the engine and is
// never persisted.
//
// It is safe for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	seen map[Key]map[string]time.Time // identity -> slot date
}

func NewTracker() *Tracker {
	return &Tracker{seen: map[Key]map[string]time.Time{}}
}

// Observe returns the slots in current whose identity has not been seen for
// key, in their original order, and records them as seen.
//
// An empty current list is a no-op: a transient zero-result cycle must not
// erase notification history. The set only ever grows here; Prune is the only
// way entries leave it.
func (t *Tracker) Observe(key Key, current []TimeSlot) []TimeSlot {
	if len(current) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.seen[key]
	if set == nil {
		set = make(map[string]time.Time, len(current))
		t.seen[key] = set
	}

	var fresh []TimeSlot
	batch := make(map[string]struct{}, len(current))
	for _, s := range current {
		id := s.ID()
		if _, dup := batch[id]; dup {
			continue
		}
		batch[id] = struct{}{}
		if _, ok := set[id]; !ok {
			fresh = append(fresh, s)
		}
	}
	for _, s := range fresh {
		set[s.ID()] = s.Date
	}
	return fresh
}

// Seen returns the sorted identities recorded for key.
func (t *Tracker) Seen(key Key) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.seen[key]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Prune drops identities dated strictly before day. Past slots can never be
// offered again, so forgetting them cannot cause a duplicate notification.
func (t *Tracker) Prune(day time.Time) int {
	cutoff := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, set := range t.seen {
		for id, d := range set {
			if d.Before(cutoff) {
				delete(set, id)
				removed++
			}
		}
		if len(set) == 0 {
			delete(t.seen, key)
		}
	}
	return removed
}
