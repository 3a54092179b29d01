package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

var ErrUnknownStrategy = errors.New("unknown rate limit strategy")

type Config struct {
	Strategy    string
	Rules       Rules
	StatsWindow time.Duration
}

type strategy interface {
	Limiter
	SetRules(Rules)
}

// Service is the Limiter handed to the dispatcher. It wraps the configured
// strategy and keeps allowed/denied counts per stats window.
type Service struct {
	name  string
	inner strategy
	log   logx.Logger
	deny  *logx.Throttle
	now   func() time.Time

	// Counters are lock-free so Check only serializes inside the strategy,
	// per key.
	window      time.Duration
	windowStart atomic.Int64 // unix nanos
	allowed     atomic.Uint64
	denied      atomic.Uint64
}

type Option func(*Service)

// WithClock injects the time source shared by the strategy and the counters.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds the strategy named by cfg.Strategy. The distributed strategy
// requires st.
func New(cfg Config, st storage.Store, log logx.Logger, opts ...Option) (*Service, error) {
	s := &Service{log: log.With(logx.String("comp", "ratelimit")), now: time.Now, deny: logx.NewThrottle(time.Minute, 1)}
	for _, o := range opts {
		o(s)
	}

	name := strings.ToLower(strings.TrimSpace(cfg.Strategy))
	switch name {
	case "", StrategyLocal:
		s.name = StrategyLocal
		s.inner = NewTokenBucket(cfg.Rules, s.now)
	case StrategyDistributed:
		if st == nil {
			return nil, errors.New("distributed rate limiting requires a store")
		}
		s.name = StrategyDistributed
		s.inner = NewSlidingWindow(st, cfg.Rules, s.now, s.log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, cfg.Strategy)
	}

	s.window = cfg.StatsWindow
	if s.window <= 0 {
		s.window = time.Minute
	}
	s.windowStart.Store(s.now().UnixNano())
	return s, nil
}

func (s *Service) Strategy() string { return s.name }

func (s *Service) Check(ctx context.Context, scope, messageType string) bool {
	ok := s.inner.Check(ctx, scope, messageType)

	s.rotate(s.now())
	if ok {
		s.allowed.Add(1)
	} else {
		s.denied.Add(1)
	}

	if !ok && s.deny.Allow(key(scope, messageType)) {
		s.log.Info("rate limit exceeded", logx.String("scope", scope), logx.String("type", messageType))
	}
	return ok
}

// Apply swaps the rules at runtime (config reload). The strategy is fixed.
func (s *Service) Apply(r Rules) {
	s.inner.SetRules(r)
}

func (s *Service) Counters() Counters {
	s.rotate(s.now())
	return Counters{
		Strategy:    s.name,
		Allowed:     s.allowed.Load(),
		Denied:      s.denied.Load(),
		WindowStart: time.Unix(0, s.windowStart.Load()),
		Window:      s.window,
	}
}

// rotate resets the counters once the stats window has passed. Only the
// caller that wins the CAS resets.
func (s *Service) rotate(now time.Time) {
	start := s.windowStart.Load()
	elapsed := time.Duration(now.UnixNano() - start)
	if elapsed < s.window {
		return
	}
	// Align to the window grid so idle gaps don't shift it.
	next := start + int64(elapsed-elapsed%s.window)
	if s.windowStart.CompareAndSwap(start, next) {
		s.allowed.Store(0)
		s.denied.Store(0)
	}
}
