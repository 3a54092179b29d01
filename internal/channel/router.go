package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"notifyhub/internal/ratelimit"
	"notifyhub/pkg/logx"
)

const TimestampLayout = time.RFC3339Nano

type RouterConfig struct {
	// Timeout bounds one delivery attempt.
	Timeout   time.Duration
	RetryMax  int
	RetryBase time.Duration
	RetryCap  time.Duration
}

// Router validates requests, applies the per-channel rate limit (scope
// "global", type = channel name) and hands the body to the matching sink.
type Router struct {
	cfg     RouterConfig
	limiter ratelimit.Limiter
	log     logx.Logger
	now     func() time.Time

	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewRouter(cfg RouterConfig, limiter ratelimit.Limiter, log logx.Logger, sinks ...Sink) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 10 * time.Second
	}
	r := &Router{
		cfg:     cfg,
		limiter: limiter,
		log:     log.With(logx.String("comp", "channel")),
		now:     time.Now,
		sinks:   map[string]Sink{},
	}
	for _, s := range sinks {
		r.Register(s)
	}
	return r
}

func (r *Router) Register(s Sink) {
	r.mu.Lock()
	r.sinks[s.Name()] = s
	r.mu.Unlock()
}

func (r *Router) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.sinks))
	for k := range r.sinks {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Router) fail(typ, msg string) Response {
	return Response{Type: typ, Timestamp: r.now().UTC().Format(TimestampLayout), Error: msg}
}

// Notify never returns an error: every failure is reported in the Response.
func (r *Router) Notify(ctx context.Context, req Request) Response {
	if req.Type == "" {
		return r.fail("unknown", "missing required field: type")
	}
	r.mu.RLock()
	sink, ok := r.sinks[req.Type]
	r.mu.RUnlock()
	if !ok {
		return r.fail(req.Type, "unsupported notification type: "+req.Type)
	}
	if len(req.Body) == 0 {
		return r.fail(req.Type, "missing required field: body")
	}
	if r.limiter != nil && !r.limiter.Check(ctx, ratelimit.GlobalScope, req.Type) {
		return r.fail(req.Type, "rate limit exceeded")
	}

	details, err := r.deliver(ctx, sink, req)
	if err != nil {
		r.log.Warn("notification failed", logx.String("type", req.Type), logx.Err(err))
		resp := r.fail(req.Type, "notification failed: "+err.Error())
		resp.Details = details
		return resp
	}
	r.log.Debug("notification sent", logx.String("type", req.Type))
	return Response{
		Success:   true,
		Type:      req.Type,
		Timestamp: r.now().UTC().Format(TimestampLayout),
		Details:   details,
	}
}

func (r *Router) deliver(ctx context.Context, sink Sink, req Request) (Details, error) {
	attempts := 1 + max(r.cfg.RetryMax, 0)
	var (
		details Details
		err     error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		details, err = sink.Deliver(actx, req.Body, req.Meta)
		cancel()
		if err == nil || IsPermanent(err) || attempt == attempts {
			return details, err
		}
		r.log.Debug("delivery failed, retrying", logx.String("type", req.Type), logx.Int("attempt", attempt), logx.Err(err))

		t := time.NewTimer(r.retryDelay(attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return details, err
		}
	}
	return details, err
}

func (r *Router) retryDelay(attempt int) time.Duration {
	d := r.cfg.RetryBase
	for i := 1; i < attempt && d < r.cfg.RetryCap; i++ {
		d *= 2
	}
	return min(d, r.cfg.RetryCap)
}

// DecodeRequest reads one JSON request.
func DecodeRequest(rd io.Reader) (Request, error) {
	var req Request
	dec := json.NewDecoder(rd)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, errors.New("no input provided")
		}
		return req, fmt.Errorf("invalid JSON: %w", err)
	}
	return req, nil
}
