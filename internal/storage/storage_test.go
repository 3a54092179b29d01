package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyhub/pkg/logx"
)

// drivers returns one fresh instance of every driver.
func drivers(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	sq, err := Open(Config{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "nh.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	return map[string]Store{
		"memory": NewMemory(nil),
		"redis":  NewRedis(rc, "test:", logx.Nop()),
		"sqlite": sq,
	}
}

func TestStoreContract(t *testing.T) {
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := st.Get(ctx, "ws_client:c1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.Set(ctx, "ws_client:c1", "s1", time.Minute))
			v, ok, err := st.Get(ctx, "ws_client:c1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "s1", v)

			// Last writer wins.
			require.NoError(t, st.Set(ctx, "ws_client:c1", "s2", time.Minute))
			v, _, _ = st.Get(ctx, "ws_client:c1")
			assert.Equal(t, "s2", v)

			require.NoError(t, st.SetMany(ctx, []Entry{
				{Key: "ws_client:c2", Value: "s1", TTL: time.Minute},
				{Key: "ws_server:s1", Value: "alive", TTL: time.Minute},
			}))
			ok, err = st.Exists(ctx, "ws_server:s1")
			require.NoError(t, err)
			assert.True(t, ok)

			keys, err := st.Keys(ctx, "ws_client:")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"ws_client:c1", "ws_client:c2"}, keys)

			deleted, err := st.DeleteIfValue(ctx, "ws_client:c1", "s1")
			require.NoError(t, err)
			assert.False(t, deleted, "value changed, must not delete")
			deleted, err = st.DeleteIfValue(ctx, "ws_client:c1", "s2")
			require.NoError(t, err)
			assert.True(t, deleted)

			require.NoError(t, st.Delete(ctx, "ws_client:c2", "missing"))
			ok, _ = st.Exists(ctx, "ws_client:c2")
			assert.False(t, ok)

			require.NoError(t, st.Ping(ctx))
		})
	}
}

func TestSlideWindowContract(t *testing.T) {
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t0 := time.Unix(1_700_000_000, 0)
			window := 10 * time.Second

			for i := 0; i < 3; i++ {
				w, err := st.SlideWindow(ctx, "rl:u1:info", 3, window, t0.Add(time.Duration(i)*time.Second))
				require.NoError(t, err)
				assert.True(t, w.Allowed, "hit %d", i)
				assert.Equal(t, i+1, w.Count)
			}
			w, err := st.SlideWindow(ctx, "rl:u1:info", 3, window, t0.Add(3*time.Second))
			require.NoError(t, err)
			assert.False(t, w.Allowed)
			assert.Equal(t, 3, w.Count)

			// Other keys are independent.
			w, err = st.SlideWindow(ctx, "rl:u2:info", 3, window, t0.Add(3*time.Second))
			require.NoError(t, err)
			assert.True(t, w.Allowed)

			// The first hit has left the window.
			w, err = st.SlideWindow(ctx, "rl:u1:info", 3, window, t0.Add(window+time.Millisecond))
			require.NoError(t, err)
			assert.True(t, w.Allowed)
		})
	}
}

func TestDeleteIfOwnerDeadContract(t *testing.T) {
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Set(ctx, "ws_client:c1", "s1", time.Minute))
			require.NoError(t, st.Set(ctx, "ws_server:s1", "s1", time.Minute))

			deleted, err := st.DeleteIfOwnerDead(ctx, "ws_client:c1", "s1", "ws_server:s1")
			require.NoError(t, err)
			assert.False(t, deleted, "owner alive")

			require.NoError(t, st.Delete(ctx, "ws_server:s1"))
			deleted, err = st.DeleteIfOwnerDead(ctx, "ws_client:c1", "s0", "ws_server:s0")
			require.NoError(t, err)
			assert.False(t, deleted, "mapping moved to another owner")

			deleted, err = st.DeleteIfOwnerDead(ctx, "ws_client:c1", "s1", "ws_server:s1")
			require.NoError(t, err)
			assert.True(t, deleted)
			ok, _ := st.Exists(ctx, "ws_client:c1")
			assert.False(t, ok)

			deleted, err = st.DeleteIfOwnerDead(ctx, "ws_client:c1", "s1", "ws_server:s1")
			require.NoError(t, err)
			assert.False(t, deleted, "already gone")
		})
	}
}

func TestMemoryDropsClosedWindows(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	for i := 0; i < 10_000; i++ {
		_, err := m.SlideWindow(ctx, fmt.Sprintf("rl:user-%d:info", i), 5, time.Minute, t0)
		require.NoError(t, err)
	}
	w, err := m.SlideWindow(ctx, "rl:late:info", 5, time.Minute, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, w.Allowed)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.hits, 1)
	assert.Contains(t, m.hits, "rl:late:info")
}

func TestSQLiteDropsClosedWindows(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "nh.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	sq := st.(*sqliteStore)
	sq.pruneEvery = 1

	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)
	sq.now = func() time.Time { return t0 }
	for i := 0; i < 50; i++ {
		_, err := sq.SlideWindow(ctx, fmt.Sprintf("rl:user-%d:info", i), 5, time.Minute, t0)
		require.NoError(t, err)
	}

	later := t0.Add(time.Hour)
	sq.now = func() time.Time { return later }
	_, err = sq.SlideWindow(ctx, "rl:late:info", 5, time.Minute, later)
	require.NoError(t, err)

	var n int
	require.NoError(t, sq.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM window_hits`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestMemoryTTL(t *testing.T) {
	now := time.Unix(0, 0)
	m := NewMemory(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 30*time.Second))
	now = now.Add(29 * time.Second)
	ok, _ := m.Exists(ctx, "k")
	assert.True(t, ok)

	now = now.Add(time.Second)
	ok, _ = m.Exists(ctx, "k")
	assert.False(t, ok)

	keys, _ := m.Keys(ctx, "")
	assert.Empty(t, keys)
}

func TestRedisTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()
	st := NewRedis(rc, "", logx.Nop())
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "ws_client:c1", "s1", 30*time.Second))
	mr.FastForward(31 * time.Second)
	_, ok, err := st.Get(ctx, "ws_client:c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rc.Close()
	st := NewRedis(rc, "", logx.Nop())
	mr.Close()

	_, _, err := st.Get(context.Background(), "x")
	require.Error(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	require.ErrorIs(t, err, ErrUnknownDriver)
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory(nil)
	require.NoError(t, m.Close())
	require.ErrorIs(t, m.Set(context.Background(), "k", "v", 0), ErrClosed)
}
