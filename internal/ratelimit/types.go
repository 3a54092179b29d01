package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// GlobalScope is the scope used for broadcasts and for multi-target calls in
// global scope mode.
const GlobalScope = "global"

const (
	StrategyLocal       = "local"
	StrategyDistributed = "distributed"
)

// Limiter answers "may this go out now". Denial is a false, never an error.
type Limiter interface {
	Check(ctx context.Context, scope, messageType string) bool
}

// Limit allows Calls per Period. A non-positive field disables the limit.
type Limit struct {
	Calls  int
	Period time.Duration
}

func (l Limit) Enabled() bool { return l.Calls > 0 && l.Period > 0 }

func (l Limit) String() string {
	if !l.Enabled() {
		return "unlimited"
	}
	return fmt.Sprintf("%d/%s", l.Calls, l.Period)
}

// Rules maps message types to limits. A type without an entry uses Default.
type Rules struct {
	Default Limit
	Types   map[string]Limit
}

// For returns the limit governing messageType and whether one applies.
func (r Rules) For(messageType string) (Limit, bool) {
	l, ok := r.Types[messageType]
	if !ok {
		l = r.Default
	}
	return l, l.Enabled()
}

// Counters summarize decisions in the current stats window.
type Counters struct {
	Strategy    string        `json:"strategy"`
	Allowed     uint64        `json:"allowed"`
	Denied      uint64        `json:"denied"`
	WindowStart time.Time     `json:"window_start"`
	Window      time.Duration `json:"window"`
}

func key(scope, messageType string) string { return scope + ":" + messageType }
