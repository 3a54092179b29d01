package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func infoRules(calls int, period time.Duration) Rules {
	return Rules{Types: map[string]Limit{"info": {Calls: calls, Period: period}}}
}

func allowedRun(l Limiter, scope, typ string, n int) int {
	got := 0
	for i := 0; i < n; i++ {
		if l.Check(context.Background(), scope, typ) {
			got++
		}
	}
	return got
}

func TestTokenBucketCapacityAndRefill(t *testing.T) {
	clk := newClock()
	tb := NewTokenBucket(infoRules(5, 60*time.Second), clk.now)

	assert.Equal(t, 5, allowedRun(tb, "u1", "info", 6), "five immediate calls pass, the sixth is denied")

	// One refill interval (60s / 5) buys exactly one more call.
	clk.advance(12*time.Second + 10*time.Millisecond)
	assert.True(t, tb.Check(context.Background(), "u1", "info"))
	assert.False(t, tb.Check(context.Background(), "u1", "info"))

	// A full period refills the whole bucket.
	clk.advance(60*time.Second + 10*time.Millisecond)
	assert.Equal(t, 5, allowedRun(tb, "u1", "info", 6))
}

func TestTokenBucketPartialRefill(t *testing.T) {
	clk := newClock()
	tb := NewTokenBucket(infoRules(5, 60*time.Second), clk.now)
	allowedRun(tb, "u1", "info", 5)

	clk.advance(30 * time.Second)
	assert.Equal(t, 2, allowedRun(tb, "u1", "info", 3))
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	clk := newClock()
	tb := NewTokenBucket(Rules{Default: Limit{Calls: 1, Period: time.Minute}}, clk.now)

	assert.True(t, tb.Check(context.Background(), "u1", "info"))
	assert.False(t, tb.Check(context.Background(), "u1", "info"))
	assert.True(t, tb.Check(context.Background(), "u2", "info"))
	assert.True(t, tb.Check(context.Background(), "u1", "warning"))
}

func TestRulesResolution(t *testing.T) {
	r := Rules{
		Default: Limit{Calls: 10, Period: time.Minute},
		Types: map[string]Limit{
			"info":  {Calls: 5, Period: time.Minute},
			"debug": {},
		},
	}
	l, ok := r.For("info")
	assert.True(t, ok)
	assert.Equal(t, 5, l.Calls)

	l, ok = r.For("danger")
	assert.True(t, ok)
	assert.Equal(t, 10, l.Calls)

	_, ok = r.For("debug")
	assert.False(t, ok, "an explicit zero limit disables limiting for that type")

	_, ok = Rules{}.For("info")
	assert.False(t, ok)
}

func TestUnlimitedTypeAlwaysAllowed(t *testing.T) {
	tb := NewTokenBucket(Rules{}, nil)
	assert.Equal(t, 100, allowedRun(tb, "u1", "info", 100))
	assert.Zero(t, tb.Len())
}

func TestTokenBucketSetRulesResetsChangedBuckets(t *testing.T) {
	clk := newClock()
	tb := NewTokenBucket(infoRules(1, time.Minute), clk.now)
	assert.True(t, tb.Check(context.Background(), "u1", "info"))
	assert.False(t, tb.Check(context.Background(), "u1", "info"))

	tb.SetRules(infoRules(3, time.Minute))
	assert.Equal(t, 3, allowedRun(tb, "u1", "info", 4))
}

func TestTokenBucketPrune(t *testing.T) {
	clk := newClock()
	tb := NewTokenBucket(infoRules(2, time.Second), clk.now)
	tb.Check(context.Background(), "u1", "info")
	tb.Check(context.Background(), "u2", "info")
	require.Equal(t, 2, tb.Len())

	clk.advance(5 * time.Second)
	tb.prune(clk.now())
	assert.Zero(t, tb.Len())
}

func TestSlidingWindow(t *testing.T) {
	clk := newClock()
	sw := NewSlidingWindow(storage.NewMemory(clk.now), infoRules(3, 10*time.Second), clk.now, logx.Nop())

	assert.Equal(t, 3, allowedRun(sw, "u1", "info", 4), "three calls inside the window, the fourth is denied")

	clk.advance(10*time.Second + time.Millisecond)
	assert.True(t, sw.Check(context.Background(), "u1", "info"))
}

type brokenStore struct{ storage.Store }

func (brokenStore) SlideWindow(context.Context, string, int, time.Duration, time.Time) (storage.Window, error) {
	return storage.Window{}, errors.New("connection refused")
}

func TestSlidingWindowFailsOpen(t *testing.T) {
	sw := NewSlidingWindow(brokenStore{}, infoRules(1, time.Minute), nil, logx.Nop())
	assert.Equal(t, 3, allowedRun(sw, "u1", "info", 3))
	assert.Equal(t, uint64(3), sw.StoreErrors())
}

func TestServiceCounters(t *testing.T) {
	clk := newClock()
	svc, err := New(Config{Strategy: StrategyLocal, Rules: infoRules(2, time.Minute), StatsWindow: time.Minute}, nil, logx.Nop(), WithClock(clk.now))
	require.NoError(t, err)

	allowedRun(svc, "u1", "info", 3)
	c := svc.Counters()
	assert.Equal(t, StrategyLocal, c.Strategy)
	assert.Equal(t, uint64(2), c.Allowed)
	assert.Equal(t, uint64(1), c.Denied)

	clk.advance(90 * time.Second)
	c = svc.Counters()
	assert.Zero(t, c.Allowed)
	assert.Zero(t, c.Denied)
	assert.Equal(t, clk.now().Add(-30*time.Second), c.WindowStart)
}

func TestServiceCountersUnderConcurrentChecks(t *testing.T) {
	svc, err := New(Config{Rules: infoRules(50, time.Hour)}, nil, logx.Nop())
	require.NoError(t, err)

	const workers, perWorker = 8, 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			allowedRun(svc, fmt.Sprintf("u%d", w), "info", perWorker)
		}(w)
	}
	wg.Wait()

	c := svc.Counters()
	assert.Equal(t, uint64(workers*50), c.Allowed)
	assert.Equal(t, uint64(workers*50), c.Denied)
}

func TestServiceApplyRules(t *testing.T) {
	svc, err := New(Config{Rules: infoRules(1, time.Hour)}, nil, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, allowedRun(svc, "u1", "info", 2))

	svc.Apply(Rules{})
	assert.Equal(t, 5, allowedRun(svc, "u1", "info", 5))
}

func TestNewStrategySelection(t *testing.T) {
	_, err := New(Config{Strategy: StrategyDistributed}, nil, logx.Nop())
	require.Error(t, err)

	svc, err := New(Config{Strategy: StrategyDistributed}, storage.NewMemory(nil), logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, StrategyDistributed, svc.Strategy())

	_, err = New(Config{Strategy: "leaky"}, nil, logx.Nop())
	require.ErrorIs(t, err, ErrUnknownStrategy)
}
