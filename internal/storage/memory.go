package storage

import (
	"context"
	"encoding/json"
	"sync"
)

type memoryStore struct {
	mu     sync.Mutex
	closed bool
	colls  map[string]map[string]json.RawMessage
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{colls: map[string]map[string]json.RawMessage{}}
}

func (s *memoryStore) View(ctx context.Context, collection string, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return fn(readOnlyTx{newMapTx(s.colls[collection])})
}

func (s *memoryStore) Update(ctx context.Context, collection string, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	tx := newMapTx(s.colls[collection])
	if err := fn(tx); err != nil {
		return err
	}
	if tx.dirty {
		s.colls[collection] = tx.data
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
