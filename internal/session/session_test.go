package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyhub/internal/eventbus"
	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newMemory() (*storage.Memory, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return storage.NewMemory(c.now), c
}

func TestRegisterLookupUnregister(t *testing.T) {
	st, _ := newMemory()
	tr := New(st, logx.Nop())
	ctx := context.Background()

	require.NoError(t, tr.RegisterClient(ctx, "c1", "srv-a", time.Minute))
	owner, ok, err := tr.ClientServer(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "srv-a", owner)

	// Overwrite on reconnect elsewhere.
	require.NoError(t, tr.RegisterClient(ctx, "c1", "srv-b", time.Minute))
	owner, _, _ = tr.ClientServer(ctx, "c1")
	assert.Equal(t, "srv-b", owner)

	require.NoError(t, tr.UnregisterClient(ctx, "c1"))
	require.NoError(t, tr.UnregisterClient(ctx, "c1"))
	_, ok, err = tr.ClientServer(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMappingExpiresWithoutHeartbeat(t *testing.T) {
	st, clk := newMemory()
	tr := New(st, logx.Nop())
	ctx := context.Background()

	require.NoError(t, tr.RegisterClient(ctx, "c1", "srv-a", time.Minute))
	clk.advance(59 * time.Second)
	_, ok, _ := tr.ClientServer(ctx, "c1")
	assert.True(t, ok)

	clk.advance(2 * time.Second)
	_, ok, err := tr.ClientServer(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBeatRefreshesClientsAndServer(t *testing.T) {
	st, clk := newMemory()
	tr := New(st, logx.Nop())
	ctx := context.Background()

	require.NoError(t, tr.RegisterClient(ctx, "c1", "srv-a", time.Minute))
	clk.advance(50 * time.Second)
	require.NoError(t, tr.Beat(ctx, []string{"c1", "c2"}, "srv-a", time.Minute))
	clk.advance(50 * time.Second)

	for _, id := range []string{"c1", "c2"} {
		owner, ok, err := tr.ClientServer(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, id)
		assert.Equal(t, "srv-a", owner)
	}
	alive, err := tr.ServerAlive(ctx, "srv-a")
	require.NoError(t, err)
	assert.True(t, alive)

	clk.advance(11 * time.Second)
	alive, _ = tr.ServerAlive(ctx, "srv-a")
	assert.False(t, alive)
}

func TestHeartbeatStopsOnCancelWithoutUnregistering(t *testing.T) {
	st, _ := newMemory()
	tr := New(st, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var calls sync.WaitGroup
	calls.Add(1)
	var once sync.Once
	go func() {
		defer close(done)
		tr.Heartbeat(ctx, func() []string {
			once.Do(calls.Done)
			return []string{"c1"}
		}, "srv-a", time.Minute, 10*time.Millisecond)
	}()
	calls.Wait()
	cancel()
	<-done

	owner, ok, err := tr.ClientServer(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "srv-a", owner)
}

func TestStoreErrorsWrapUnavailable(t *testing.T) {
	st, _ := newMemory()
	tr := New(st, logx.Nop())
	require.NoError(t, st.Close())

	_, ok, err := tr.ClientServer(context.Background(), "c1")
	assert.False(t, ok)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, storage.ErrClosed)

	require.ErrorIs(t, tr.RegisterClient(context.Background(), "c1", "s", time.Second), ErrStoreUnavailable)
	require.ErrorIs(t, tr.Beat(context.Background(), nil, "s", time.Second), ErrStoreUnavailable)
}

func TestRoute(t *testing.T) {
	st, _ := newMemory()
	tr := New(st, logx.Nop())
	ctx := context.Background()
	local := map[string]bool{"here": true}
	isLocal := func(id string) bool { return local[id] }

	require.NoError(t, tr.Beat(ctx, []string{"remote"}, "srv-b", time.Minute))
	require.NoError(t, tr.RegisterClient(ctx, "orphan", "srv-dead", time.Minute))
	require.NoError(t, tr.RegisterClient(ctx, "stale-local", "srv-a", time.Minute))

	cases := map[string]Route{
		"here":        {Kind: RouteLocal},
		"remote":      {Kind: RouteRemote, ServerID: "srv-b"},
		"orphan":      {Kind: RouteUndeliverable},
		"stale-local": {Kind: RouteUndeliverable},
		"unknown":     {Kind: RouteUndeliverable},
	}
	for id, want := range cases {
		got, err := tr.Route(ctx, id, "srv-a", isLocal)
		require.NoError(t, err, id)
		assert.Equal(t, want, got, id)
	}
	assert.Equal(t, "remote", RouteRemote.String())
}

func TestSweepRemovesOnlyStale(t *testing.T) {
	st, _ := newMemory()
	tr := New(st, logx.Nop())
	bus := eventbus.New()
	events, unsub := bus.Subscribe(1, eventbus.SessionSwept)
	defer unsub()
	ctx := context.Background()

	require.NoError(t, tr.Beat(ctx, []string{"live1", "live2"}, "srv-live", time.Minute))
	require.NoError(t, tr.RegisterClient(ctx, "stale1", "srv-dead", time.Minute))
	require.NoError(t, tr.RegisterClient(ctx, "stale2", "srv-dead", time.Minute))

	rep, err := NewSweeper(st, logx.Nop(), bus).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Scanned)
	assert.Equal(t, 2, rep.Live)
	assert.Equal(t, 2, rep.Removed)
	assert.Equal(t, 2, rep.Owners)

	_, ok, _ := tr.ClientServer(ctx, "stale1")
	assert.False(t, ok)
	_, ok, _ = tr.ClientServer(ctx, "live1")
	assert.True(t, ok)

	select {
	case ev := <-events:
		assert.Equal(t, rep, ev.Data)
	default:
		t.Fatal("expected a sweep event")
	}
}

// reconnectStore simulates a client reconnecting to a live server between
// the sweeper's read and its delete.
type reconnectStore struct {
	storage.Store
	once sync.Once
}

func (s *reconnectStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.Store.Get(ctx, key)
	s.once.Do(func() {
		_ = s.Store.Set(ctx, ClientKey("c1"), "srv-new", time.Minute)
	})
	return v, ok, err
}

func TestSweepKeepsMappingRewrittenConcurrently(t *testing.T) {
	mem, _ := newMemory()
	st := &reconnectStore{Store: mem}
	tr := New(st, logx.Nop())
	ctx := context.Background()
	require.NoError(t, tr.RegisterClient(ctx, "c1", "srv-dead", time.Minute))

	rep, err := NewSweeper(st, logx.Nop(), nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Removed)

	owner, ok, _ := tr.ClientServer(ctx, "c1")
	assert.True(t, ok)
	assert.Equal(t, "srv-new", owner)
}

// lateBeatStore lets the owner's heartbeat land right after the sweeper
// reads the first mapping.
type lateBeatStore struct {
	storage.Store
	beat func()
	once sync.Once
}

func (s *lateBeatStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.Store.Get(ctx, key)
	s.once.Do(s.beat)
	return v, ok, err
}

func TestSweepKeepsMappingsOfOwnerThatBeatMeanwhile(t *testing.T) {
	mem, _ := newMemory()
	tr := New(mem, logx.Nop())
	ctx := context.Background()

	// srv-b's liveness key lapsed but its mappings are still there.
	require.NoError(t, tr.RegisterClient(ctx, "c1", "srv-b", time.Minute))
	require.NoError(t, tr.RegisterClient(ctx, "c2", "srv-b", time.Minute))
	alive, err := tr.ServerAlive(ctx, "srv-b")
	require.NoError(t, err)
	require.False(t, alive)

	st := &lateBeatStore{Store: mem, beat: func() {
		require.NoError(t, tr.Beat(ctx, []string{"c1", "c2"}, "srv-b", time.Minute))
	}}
	rep, err := NewSweeper(st, logx.Nop(), nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Removed)
	assert.Equal(t, 2, rep.Live)

	for _, id := range []string{"c1", "c2"} {
		owner, ok, err := tr.ClientServer(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, id)
		assert.Equal(t, "srv-b", owner, id)
	}
}

func TestSweepListFailure(t *testing.T) {
	st, _ := newMemory()
	require.NoError(t, st.Close())
	_, err := NewSweeper(st, logx.Nop(), nil).Sweep(context.Background())
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	st, _ := newMemory()
	s := NewSweeper(st, logx.Nop(), nil)
	require.Error(t, s.Schedule(context.Background(), "not a schedule"))
	s.Stop(context.Background())
}

func TestScheduleRunsSweep(t *testing.T) {
	st, _ := newMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.SessionSwept)
	defer unsub()

	s := NewSweeper(st, logx.Nop(), bus)
	require.NoError(t, s.Schedule(context.Background(), "@every 1s"))
	defer s.Stop(context.Background())

	select {
	case <-events:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled sweep did not run")
	}
}

func TestRedisTTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := storage.NewRedis(client, "", logx.Nop())
	tr := New(st, logx.Nop())
	ctx := context.Background()

	require.NoError(t, tr.Beat(ctx, []string{"c1"}, "srv-a", 60*time.Second))
	require.NoError(t, tr.RegisterClient(ctx, "c2", "srv-gone", 60*time.Second))

	mr.FastForward(30 * time.Second)
	rep, err := NewSweeper(st, logx.Nop(), nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Removed)
	assert.Equal(t, 1, rep.Live)

	mr.FastForward(31 * time.Second)
	_, ok, err := tr.ClientServer(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
	alive, err := tr.ServerAlive(ctx, "srv-a")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	tr := New(storage.NewRedis(client, "", logx.Nop()), logx.Nop())
	mr.Close()

	_, ok, err := tr.ClientServer(context.Background(), "c1")
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}
