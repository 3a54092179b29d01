package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

// SlidingWindow counts hits over the trailing Period in the shared store, so
// every instance enforces the same limit. Store failures fail open: a broken
// store must not silence notifications.
type SlidingWindow struct {
	store  storage.Store
	rules  atomic.Pointer[Rules]
	now    func() time.Time
	prefix string
	log    logx.Logger
	warn   *logx.Throttle

	storeErrors atomic.Uint64
}

func NewSlidingWindow(st storage.Store, rules Rules, now func() time.Time, log logx.Logger) *SlidingWindow {
	if now == nil {
		now = time.Now
	}
	sw := &SlidingWindow{
		store:  st,
		now:    now,
		prefix: "rl:",
		log:    log,
		warn:   logx.NewThrottle(10*time.Second, 1),
	}
	sw.rules.Store(&rules)
	return sw
}

func (sw *SlidingWindow) SetRules(r Rules) { sw.rules.Store(&r) }

func (sw *SlidingWindow) Check(ctx context.Context, scope, messageType string) bool {
	limit, ok := sw.rules.Load().For(messageType)
	if !ok {
		return true
	}
	w, err := sw.store.SlideWindow(ctx, sw.prefix+key(scope, messageType), limit.Calls, limit.Period, sw.now())
	if err != nil {
		sw.storeErrors.Add(1)
		if sw.warn.Allow("store") {
			sw.log.Warn("rate limit store unavailable; allowing", logx.String("scope", scope), logx.String("type", messageType), logx.Err(err))
		}
		return true
	}
	return w.Allowed
}

// StoreErrors counts checks that failed open.
func (sw *SlidingWindow) StoreErrors() uint64 { return sw.storeErrors.Load() }
