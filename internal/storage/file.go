package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	logx "slotwatch/pkg/logx"
)

// fileStore keeps one JSON object per collection.
//
// Files (under cfg.Path):
//   - <collection>.json  {"key": <value>, ...}
//   - <collection>.lock  advisory lock shared with other processes
//
// Writes go through WriteFileAtomic so a crash mid-write never corrupts the
// durable copy.
type fileStore struct {
	log         logx.Logger
	dir         string
	lockTimeout time.Duration

	mu     sync.Mutex
	closed bool
	colls  map[string]*fileCollection
}

// fileCollection serializes in-process access; flock alone is per-handle and
// would let two goroutines sharing a handle interleave.
type fileCollection struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

var collectionName = regexp.MustCompile(`^[a-z0-9_-]+$`)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{
		log:         log,
		dir:         dir,
		lockTimeout: cfg.LockTimeout,
		colls:       map[string]*fileCollection{},
	}, nil
}

// CollectionPath returns the JSON file backing collection under dir.
func CollectionPath(dir, collection string) string {
	return filepath.Join(dir, collection+".json")
}

func (s *fileStore) collection(name string) (*fileCollection, error) {
	if !collectionName.MatchString(name) {
		return nil, fmt.Errorf("invalid collection name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	c := s.colls[name]
	if c == nil {
		c = &fileCollection{
			path: CollectionPath(s.dir, name),
			lock: flock.New(filepath.Join(s.dir, name+".lock")),
		}
		s.colls[name] = c
	}
	return c, nil
}

func (s *fileStore) View(ctx context.Context, collection string, fn func(Tx) error) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := s.acquire(ctx, c, false); err != nil {
		return err
	}
	defer s.release(c)

	data, err := readCollection(c.path)
	if err != nil {
		return err
	}
	return fn(readOnlyTx{newMapTx(data)})
}

func (s *fileStore) Update(ctx context.Context, collection string, fn func(Tx) error) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := s.acquire(ctx, c, true); err != nil {
		return err
	}
	defer s.release(c)

	data, err := readCollection(c.path)
	if err != nil {
		return err
	}
	tx := newMapTx(data)
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}
	b, err := json.MarshalIndent(tx.data, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(c.path, b, 0o644)
}

func (s *fileStore) acquire(ctx context.Context, c *fileCollection, exclusive bool) error {
	lctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = c.lock.TryLockContext(lctx, 25*time.Millisecond)
	} else {
		ok, err = c.lock.TryRLockContext(lctx, 25*time.Millisecond)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %s", ErrLockTimeout, c.lock.Path())
		}
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockTimeout, c.lock.Path())
	}
	return nil
}

func (s *fileStore) release(c *fileCollection) {
	if err := c.lock.Unlock(); err != nil {
		s.log.Warn("storage unlock failed", logx.String("path", c.lock.Path()), logx.Err(err))
	}
}

func readCollection(path string) (map[string]json.RawMessage, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var firstErr error
	for _, c := range s.colls {
		if err := c.lock.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
