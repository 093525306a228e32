// Package subscription holds subscriber interest records and their store.
//
// Records are written by the external CRUD API and read, stamped and pruned
// by the engine. Every mutation goes through a storage transaction that
// reloads the latest durable state first, so concurrent writers in other
// processes are never overwritten wholesale.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"slotwatch/internal/fault"
	"slotwatch/internal/storage"
)

// Collection is the storage collection holding subscriptions keyed by user id.
const Collection = "subscriptions"

const DefaultDateRangeDays = 30

var ErrNotFound = errors.New("subscription not found")

// Subscription is one subscriber's interest. Empty Categories or Locations
// match everything.
type Subscription struct {
	UserID string `json:"user_id"`
	// Push is the opaque delivery descriptor handed to the push layer.
	Push          string   `json:"push_subscription,omitempty"`
	Categories    []string `json:"categories"`
	Locations     []string `json:"locations"`
	DateRangeDays int      `json:"date_range_days"`

	CreatedAt            time.Time  `json:"created_at"`
	LastNotificationSent *time.Time `json:"last_notification_sent,omitempty"`
	FailureCount         int        `json:"failure_count"`
}

// Matches reports whether s wants events for (category, location).
func (s Subscription) Matches(category, location string) bool {
	return matchSet(s.Categories, category) && matchSet(s.Locations, location)
}

// WantsCategory reports whether s wants any location of category.
func (s Subscription) WantsCategory(category string) bool {
	return matchSet(s.Categories, category)
}

func matchSet(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

// Interest is the set of locations subscribers care about for one category.
// All means some subscriber has no location filter.
type Interest struct {
	All       bool
	Locations map[string]struct{}
}

func (i Interest) Empty() bool { return !i.All && len(i.Locations) == 0 }

func (i Interest) Has(location string) bool {
	if i.All {
		return true
	}
	_, ok := i.Locations[location]
	return ok
}

// InterestIn collects what subs want to hear about category.
func InterestIn(subs []Subscription, category string) Interest {
	in := Interest{Locations: map[string]struct{}{}}
	for _, s := range subs {
		if !s.WantsCategory(category) {
			continue
		}
		if len(s.Locations) == 0 {
			in.All = true
			continue
		}
		for _, l := range s.Locations {
			in.Locations[l] = struct{}{}
		}
	}
	return in
}

// Store is the subscription store on top of a transactional KV store.
type Store struct {
	kv storage.Store
}

func NewStore(kv storage.Store) *Store {
	return &Store{kv: kv}
}

// List returns every subscription ordered by user id. Records that do not
// decode are skipped and reported through the returned count.
func (s *Store) List(ctx context.Context) ([]Subscription, int, error) {
	var (
		out     []Subscription
		skipped int
	)
	err := s.kv.View(ctx, Collection, func(tx storage.Tx) error {
		for _, k := range tx.Keys() {
			var sub Subscription
			if _, err := storage.GetJSON(tx, k, &sub); err != nil {
				skipped++
				continue
			}
			if sub.UserID == "" {
				sub.UserID = k
			}
			out = append(out, sub)
		}
		return nil
	})
	if err != nil {
		return nil, 0, fault.Persistence("list subscriptions", err)
	}
	return out, skipped, nil
}

func (s *Store) Get(ctx context.Context, userID string) (Subscription, error) {
	var (
		sub Subscription
		ok  bool
	)
	err := s.kv.View(ctx, Collection, func(tx storage.Tx) error {
		var err error
		ok, err = storage.GetJSON(tx, userID, &sub)
		return err
	})
	if err != nil {
		return Subscription{}, fault.Persistence("get subscription", err)
	}
	if !ok {
		return Subscription{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return sub, nil
}

// Upsert creates or replaces sub. CreatedAt is preserved from an existing
// record and stamped with now for a new one.
func (s *Store) Upsert(ctx context.Context, sub Subscription, now time.Time) error {
	sub.UserID = strings.TrimSpace(sub.UserID)
	if sub.UserID == "" {
		return errors.New("subscription: user_id is required")
	}
	if sub.DateRangeDays <= 0 {
		sub.DateRangeDays = DefaultDateRangeDays
	}
	err := s.kv.Update(ctx, Collection, func(tx storage.Tx) error {
		var prev Subscription
		ok, err := storage.GetJSON(tx, sub.UserID, &prev)
		switch {
		case err == nil && ok && !prev.CreatedAt.IsZero():
			sub.CreatedAt = prev.CreatedAt
		case sub.CreatedAt.IsZero():
			sub.CreatedAt = now
		}
		return storage.PutJSON(tx, sub.UserID, sub)
	})
	if err != nil {
		return fault.Persistence("upsert subscription", err)
	}
	return nil
}

// Delete removes userID. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, userID string) error {
	err := s.kv.Update(ctx, Collection, func(tx storage.Tx) error {
		tx.Delete(userID)
		return nil
	})
	if err != nil {
		return fault.Persistence("delete subscription", err)
	}
	return nil
}

// Action tells Mutate what to do with the record fn was given.
type Action int

const (
	Keep Action = iota
	Save
	Remove
)

// Mutate reloads userID and applies fn inside one transaction. It returns
// ErrNotFound when the record disappeared since it was listed, in which case
// fn is not called.
func (s *Store) Mutate(ctx context.Context, userID string, fn func(*Subscription) Action) (Action, error) {
	act := Keep
	err := s.kv.Update(ctx, Collection, func(tx storage.Tx) error {
		var sub Subscription
		ok, err := storage.GetJSON(tx, userID, &sub)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, userID)
		}
		act = fn(&sub)
		switch act {
		case Save:
			return storage.PutJSON(tx, userID, sub)
		case Remove:
			tx.Delete(userID)
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return Keep, err
	}
	if err != nil {
		return Keep, fault.Persistence("mutate subscription", err)
	}
	return act, nil
}

// PurgeOlderThan removes subscriptions created before cutoff and returns the
// removed user ids.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	var removed []string
	err := s.kv.Update(ctx, Collection, func(tx storage.Tx) error {
		for _, k := range tx.Keys() {
			var sub Subscription
			if _, err := storage.GetJSON(tx, k, &sub); err != nil {
				continue
			}
			if !sub.CreatedAt.IsZero() && sub.CreatedAt.Before(cutoff) {
				tx.Delete(k)
				removed = append(removed, k)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fault.Persistence("purge subscriptions", err)
	}
	return removed, nil
}
