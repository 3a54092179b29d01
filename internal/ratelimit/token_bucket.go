package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	lim   *rate.Limiter
	limit Limit
}

// TokenBucket keeps one bucket per (scope, type) in process memory.
// A bucket holds Calls tokens and refills Calls per Period; each bucket is
// guarded by its own rate.Limiter, so unrelated keys never contend.
type TokenBucket struct {
	rules   atomic.Pointer[Rules]
	now     func() time.Time
	buckets sync.Map // key -> *bucket

	checks     atomic.Uint64
	pruneEvery uint64
}

func NewTokenBucket(rules Rules, now func() time.Time) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	tb := &TokenBucket{now: now, pruneEvery: 4096}
	tb.rules.Store(&rules)
	return tb
}

// SetRules swaps the rule set. Buckets whose limit changed start full.
func (tb *TokenBucket) SetRules(r Rules) { tb.rules.Store(&r) }

func (tb *TokenBucket) Check(_ context.Context, scope, messageType string) bool {
	limit, ok := tb.rules.Load().For(messageType)
	if !ok {
		return true
	}
	now := tb.now()
	if tb.checks.Add(1)%tb.pruneEvery == 0 {
		tb.prune(now)
	}

	k := key(scope, messageType)
	b := tb.bucketFor(k, limit)
	return b.lim.AllowN(now, 1)
}

func (tb *TokenBucket) bucketFor(k string, limit Limit) *bucket {
	if v, ok := tb.buckets.Load(k); ok {
		b := v.(*bucket)
		if b.limit == limit {
			return b
		}
		nb := newBucket(limit)
		if tb.buckets.CompareAndSwap(k, b, nb) {
			return nb
		}
		v, _ = tb.buckets.Load(k)
		return v.(*bucket)
	}
	v, _ := tb.buckets.LoadOrStore(k, newBucket(limit))
	return v.(*bucket)
}

func newBucket(l Limit) *bucket {
	every := l.Period / time.Duration(l.Calls)
	return &bucket{lim: rate.NewLimiter(rate.Every(every), l.Calls), limit: l}
}

// prune drops buckets that have refilled completely; a fresh bucket is
// indistinguishable from a full one.
func (tb *TokenBucket) prune(now time.Time) {
	tb.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		if b.lim.TokensAt(now) >= float64(b.lim.Burst()) {
			tb.buckets.CompareAndDelete(k, b)
		}
		return true
	})
}

// Len reports the number of tracked buckets.
func (tb *TokenBucket) Len() int {
	n := 0
	tb.buckets.Range(func(_, _ any) bool { n++; return true })
	return n
}
