package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrClosed      = errors.New("storage closed")
	ErrLockTimeout = errors.New("storage lock timeout")
)

// Config configures storage.
//
// Driver values:
//   - "file": one JSON document per collection, flock-guarded, atomic rename on write
//   - "sqlite": SQLite database file (modernc, no cgo)
//   - "memory": process-local, for tests and dry runs
type Config struct {
	Driver      string
	Path        string        // directory for "file", database file for "sqlite"
	LockTimeout time.Duration // how long Update/View wait for the cross-process lock
	BusyTimeout time.Duration // sqlite only; 0 means LockTimeout
}

// Tx is a view of one collection inside View or Update.
// Values are raw JSON documents.
type Tx interface {
	Get(key string) (json.RawMessage, bool)
	Put(key string, value json.RawMessage)
	Delete(key string)
	// Keys returns keys in ascending order.
	Keys() []string
}

// Store is the persistence API used by the domain stores.
type Store interface {
	// View runs fn against a consistent read of the collection.
	View(ctx context.Context, collection string, fn func(Tx) error) error
	// Update runs fn against the latest durable state and commits its
	// changes atomically. If fn returns an error nothing is written.
	Update(ctx context.Context, collection string, fn func(Tx) error) error
	Close() error
}

// GetJSON decodes the value at key into v.
func GetJSON(tx Tx, key string, v any) (bool, error) {
	raw, ok := tx.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, err
	}
	return true, nil
}

// PutJSON encodes v and stores it at key.
func PutJSON(tx Tx, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tx.Put(key, b)
	return nil
}
