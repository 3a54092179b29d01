package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle gates repetitive log lines per key (for example one line per
// denied rate-limit scope). Each key may log burst lines, then one every interval.
type Throttle struct {
	every time.Duration
	burst int

	mu   sync.Mutex
	keys map[string]*rate.Limiter
	max  int
}

// NewThrottle returns a Throttle that tracks at most 4096 keys; beyond that the
// key table is reset, which at worst lets a few extra lines through.
func NewThrottle(every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: every, burst: burst, keys: map[string]*rate.Limiter{}, max: 4096}
}

// Allow reports whether a line for key may be written now.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	lim, ok := t.keys[key]
	if !ok {
		if len(t.keys) >= t.max {
			t.keys = map[string]*rate.Limiter{}
		}
		lim = rate.NewLimiter(rate.Every(t.every), t.burst)
		t.keys[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}
