package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "slotwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, cfg))
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Pragmas run on connect, so a bad value fails here.
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	st := &sqliteStore{db: db, log: log}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// sqliteDSN applies the pragmas to every pooled connection.
// _txlock=immediate takes the write lock at BEGIN, so a read-modify-write
// never interleaves with another process's writer.
func sqliteDSN(path string, cfg Config) string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = cfg.LockTimeout
	}
	q := url.Values{}
	q.Set("_txlock", "immediate")
	if busy > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) load(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, collection string) (map[string]json.RawMessage, error) {
	rows, err := q.QueryContext(ctx, `SELECT key, value FROM kv WHERE collection = ?`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]json.RawMessage{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = json.RawMessage(v)
	}
	return out, rows.Err()
}

func (s *sqliteStore) View(ctx context.Context, collection string, fn func(Tx) error) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	data, err := s.load(ctx, s.db, collection)
	if err != nil {
		return err
	}
	return fn(readOnlyTx{newMapTx(data)})
}

func (s *sqliteStore) Update(ctx context.Context, collection string, fn func(Tx) error) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	before, err := s.load(ctx, tx, collection)
	if err != nil {
		return err
	}
	mt := newMapTx(before)
	if err := fn(mt); err != nil {
		return err
	}
	if !mt.dirty {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for k := range before {
		if _, ok := mt.data[k]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE collection = ? AND key = ?`, collection, k); err != nil {
			return err
		}
	}
	for k, v := range mt.data {
		if old, ok := before[k]; ok && string(old) == string(v) {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv(collection, key, value, updated_at) VALUES(?,?,?,?)
			 ON CONFLICT(collection, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
			collection, k, string(v), now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
