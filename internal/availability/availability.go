// Package availability keeps the durable per-(category, location) snapshot
// and publishes it as a flat list for read-only consumers.
package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"slotwatch/internal/catalog"
	"slotwatch/internal/fault"
	"slotwatch/internal/storage"
)

// Collection is the storage collection holding snapshot entries.
const Collection = "availability"

// Entry is the last check of one (category, location).
type Entry struct {
	Category  string    `json:"category"`
	Location  string    `json:"location_name"`
	Reachable bool      `json:"reachable"`
	SlotCount int       `json:"slots_count"`
	CheckedAt time.Time `json:"last_checked"`
}

func key(category, location string) string { return category + "|" + location }

// Result is one category's cycle outcome. NewResult seeds every known
// location as unreachable with zero slots; Set overwrites what the cycle saw.
type Result struct {
	Category  string
	CheckedAt time.Time

	order   []string
	entries map[string]Entry
}

func NewResult(category string, known []string, at time.Time) *Result {
	r := &Result{
		Category:  category,
		CheckedAt: at,
		order:     make([]string, 0, len(known)),
		entries:   make(map[string]Entry, len(known)),
	}
	for _, loc := range known {
		r.Set(loc, false, 0)
	}
	return r
}

// Set records location. Locations outside the seeded set are appended.
func (r *Result) Set(location string, reachable bool, slotCount int) {
	location = strings.TrimSpace(location)
	if location == "" {
		return
	}
	if _, ok := r.entries[location]; !ok {
		r.order = append(r.order, location)
	}
	r.entries[location] = Entry{
		Category:  r.Category,
		Location:  location,
		Reachable: reachable,
		SlotCount: slotCount,
		CheckedAt: r.CheckedAt,
	}
}

func (r *Result) Get(location string) (Entry, bool) {
	e, ok := r.entries[location]
	return e, ok
}

// Entries returns one entry per location in seeding order.
func (r *Result) Entries() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, loc := range r.order {
		out = append(out, r.entries[loc])
	}
	return out
}

// Reachable counts reachable locations and their total slots.
func (r *Result) Reachable() (locations, slots int) {
	for _, e := range r.entries {
		if e.Reachable {
			locations++
			slots += e.SlotCount
		}
	}
	return locations, slots
}

// Store is the merge-on-write snapshot store.
type Store struct {
	kv storage.Store
}

func NewStore(kv storage.Store) *Store { return &Store{kv: kv} }

// ErrPublish marks a failed write of the publication file.
var ErrPublish = errors.New("publish availability")

// Merge replaces the entries of every category in results and leaves all
// other categories untouched. It returns the merged snapshot.
func (s *Store) Merge(ctx context.Context, results ...*Result) ([]Entry, error) {
	return s.MergeAndPublish(ctx, nil, results...)
}

// MergeAndPublish merges results and, while the snapshot is still locked,
// publishes the merged list through pub (which may be nil). Concurrent
// writers therefore publish in the order they merged. A failed publication
// keeps the merge and is returned as an ErrPublish error with the entries.
func (s *Store) MergeAndPublish(ctx context.Context, pub *Publisher, results ...*Result) ([]Entry, error) {
	var (
		merged []Entry
		pubErr error
	)
	err := s.kv.Update(ctx, Collection, func(tx storage.Tx) error {
		replaced := make(map[string]struct{}, len(results))
		for _, r := range results {
			replaced[r.Category] = struct{}{}
		}
		for _, k := range tx.Keys() {
			cat, _, _ := strings.Cut(k, "|")
			if _, ok := replaced[cat]; ok {
				tx.Delete(k)
			}
		}
		for _, r := range results {
			for _, e := range r.Entries() {
				if err := storage.PutJSON(tx, key(e.Category, e.Location), e); err != nil {
					return err
				}
			}
		}
		merged = decodeAll(tx)
		pubErr = pub.Publish(merged)
		return nil
	})
	if err != nil {
		return nil, fault.Persistence("merge availability", err)
	}
	return merged, pubErr
}

// Load returns the whole snapshot ordered by category then location.
func (s *Store) Load(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := s.kv.View(ctx, Collection, func(tx storage.Tx) error {
		out = decodeAll(tx)
		return nil
	})
	if err != nil {
		return nil, fault.Persistence("load availability", err)
	}
	return out, nil
}

func decodeAll(tx storage.Tx) []Entry {
	out := make([]Entry, 0, len(tx.Keys()))
	for _, k := range tx.Keys() {
		raw, _ := tx.Get(k)
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Location < out[j].Location
	})
	return out
}

// Record is one row of the published flat list.
type Record struct {
	Category     string    `json:"category"`
	CategoryName string    `json:"category_name"`
	Location     string    `json:"location_name"`
	Available    bool      `json:"available"`
	SlotsCount   int       `json:"slots_count"`
	LastChecked  time.Time `json:"last_checked"`
}

// Publisher writes the flat availability list consumed by the read API.
type Publisher struct {
	path string
	cat  *catalog.Catalog
}

func NewPublisher(path string, cat *catalog.Catalog) *Publisher {
	return &Publisher{path: path, cat: cat}
}

func (p *Publisher) Path() string { return p.path }

// Records converts snapshot entries into published rows.
func (p *Publisher) Records(entries []Entry) []Record {
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, Record{
			Category:     e.Category,
			CategoryName: p.cat.Name(e.Category),
			Location:     e.Location,
			Available:    e.Reachable && e.SlotCount > 0,
			SlotsCount:   e.SlotCount,
			LastChecked:  e.CheckedAt,
		})
	}
	return out
}

// Publish atomically replaces the publication file. A failed write leaves
// the previous file in place.
func (p *Publisher) Publish(entries []Entry) error {
	if p == nil || strings.TrimSpace(p.path) == "" {
		return nil
	}
	b, err := json.MarshalIndent(p.Records(entries), "", "  ")
	if err != nil {
		return fault.Persistence("publish", fmt.Errorf("%w: %w", ErrPublish, err))
	}
	if err := storage.WriteFileAtomic(p.path, b, 0o644); err != nil {
		return fault.Persistence("publish", fmt.Errorf("%w: %w", ErrPublish, err))
	}
	return nil
}
