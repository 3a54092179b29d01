package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"notifyhub/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// liveClause filters out expired rows; the bound parameter is now in unix ms.
const liveClause = `(expires_at = 0 OR expires_at > ?)`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time

	opCount    atomic.Uint64
	pruneEvery uint64
	// maxWindowMS is the longest window SlideWindow has seen; hits older than
	// it are outside every window.
	maxWindowMS atomic.Int64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.SQLitePath)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; every multi-statement op is a tx on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage.sqlite")), now: time.Now, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) nowMS() int64 { return s.now().UnixMilli() }

func (s *sqliteStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixMilli()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqliteStore) upsert(ctx context.Context, ex execer, e Entry) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO kv(key, value, expires_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		e.Key, e.Value, s.expiry(e.TTL),
	)
	return err
}

func (s *sqliteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.upsert(ctx, s.db, Entry{Key: key, Value: value, TTL: ttl}); err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	s.maybePrune()
	return nil
}

func (s *sqliteStore) SetMany(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			if err := s.upsert(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlite set batch (%d keys): %w", len(entries), err)
	}
	s.maybePrune()
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ? AND `+liveClause, key, s.nowMS()).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *sqliteStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *sqliteStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

func (s *sqliteStore) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ? AND value = ? AND `+liveClause, key, value, s.nowMS())
	if err != nil {
		return false, fmt.Errorf("sqlite compare-and-delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) DeleteIfOwnerDead(ctx context.Context, key, owner, ownerKey string) (bool, error) {
	now := s.nowMS()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE key = ? AND value = ? AND `+liveClause+`
		 AND NOT EXISTS (SELECT 1 FROM kv WHERE key = ? AND `+liveClause+`)`,
		key, owner, now, ownerKey, now,
	)
	if err != nil {
		return false, fmt.Errorf("sqlite delete stale %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? AND `+liveClause+` ORDER BY key`,
		len(prefix), prefix, s.nowMS(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite keys %s*: %w", prefix, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SlideWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Window, error) {
	for ms := window.Milliseconds(); ; {
		cur := s.maxWindowMS.Load()
		if ms <= cur || s.maxWindowMS.CompareAndSwap(cur, ms) {
			break
		}
	}
	var w Window
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		nowMS := now.UnixMilli()
		if _, err := tx.ExecContext(ctx, `DELETE FROM window_hits WHERE key = ? AND at <= ?`, key, nowMS-window.Milliseconds()); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM window_hits WHERE key = ?`, key).Scan(&w.Count); err != nil {
			return err
		}
		if w.Count >= limit {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO window_hits(key, at) VALUES(?, ?)`, key, nowMS); err != nil {
			return err
		}
		w.Allowed = true
		w.Count++
		return nil
	})
	if err != nil {
		return Window{}, fmt.Errorf("sqlite sliding window %s: %w", key, err)
	}
	s.maybePrune()
	return w, nil
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// maybePrune drops expired rows and aged-out window hits every pruneEvery
// writes.
func (s *sqliteStore) maybePrune() {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	now := s.nowMS()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?`, now); err != nil {
		s.log.Debug("sqlite prune failed", logx.Err(err))
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM window_hits WHERE at <= ?`, now-s.maxWindowMS.Load()); err != nil {
		s.log.Debug("sqlite window prune failed", logx.Err(err))
	}
}
