package dispatch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"notifyhub/internal/eventbus"
	"notifyhub/internal/registry"
	"notifyhub/pkg/logx"
)

// fanout bounds concurrent writes within one call.
const fanout = 32

// Dispatcher sends notifications to locally connected users.
type Dispatcher struct {
	conns   Connections
	limiter CountingLimiter
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	scope  atomic.Value // string
	bridge *Bridge

	frames atomic.Uint64
	dead   atomic.Uint64
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func WithBus(bus eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = bus } }

func New(cfg Config, conns Connections, limiter CountingLimiter, log logx.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		conns:   conns,
		limiter: limiter,
		log:     log.With(logx.String("comp", "dispatch")),
		now:     time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	d.SetScope(cfg.Scope)
	d.bridge = NewBridge(BridgeConfig{Workers: cfg.SyncWorkers, QueueSize: cfg.SyncQueue, Timeout: cfg.SyncTimeout}, d.log)
	return d
}

// Bridge returns the worker pool backing the Sync methods.
func (d *Dispatcher) Bridge() *Bridge { return d.bridge }

// SetScope switches multi-target rate limiting between ScopePerTarget and ScopeGlobal.
func (d *Dispatcher) SetScope(scope string) {
	if strings.TrimSpace(scope) != ScopeGlobal {
		scope = ScopePerTarget
	}
	d.scope.Store(scope)
}

func (d *Dispatcher) Scope() string { return d.scope.Load().(string) }

// NotifyUser delivers to every connection of userID and returns how many
// writes succeeded. An offline user yields 0 and no error. A rate-limit
// denial returns a *RateLimitError and sends nothing.
func (d *Dispatcher) NotifyUser(ctx context.Context, userID, messageType string, payload any) (int, error) {
	conns := d.conns.ConnectionsForUser(userID)
	if len(conns) == 0 {
		return 0, nil
	}
	if !d.limiter.Check(ctx, userID, messageType) {
		d.denied(userID, messageType)
		return 0, &RateLimitError{Scope: userID, Type: messageType}
	}
	frame, err := Encode(messageType, payload, d.now())
	if err != nil {
		return 0, err
	}
	n := d.deliver(ctx, conns, frame)
	d.delivered(userID, messageType, n)
	return n, nil
}

// NotifyUsers delivers to each distinct user id. In per-target scope a denied
// user is listed in Result.Denied and the rest are still served. In global
// scope one check covers the whole call and a denial sends nothing.
func (d *Dispatcher) NotifyUsers(ctx context.Context, userIDs []string, messageType string, payload any) (Result, error) {
	return d.notifyUsers(ctx, "users", distinct(userIDs), messageType, payload)
}

// NotifyGroup resolves the group's member users, then behaves like NotifyUsers.
func (d *Dispatcher) NotifyGroup(ctx context.Context, groupID, messageType string, payload any) (Result, error) {
	return d.notifyUsers(ctx, "group:"+groupID, d.conns.GroupMembers(groupID), messageType, payload)
}

func (d *Dispatcher) notifyUsers(ctx context.Context, target string, users []string, messageType string, payload any) (Result, error) {
	res := newResult()
	if len(users) == 0 {
		return res, nil
	}
	frame, err := Encode(messageType, payload, d.now())
	if err != nil {
		return res, err
	}

	online := make(map[string][]registry.Conn, len(users))
	for _, uid := range users {
		conns := d.conns.ConnectionsForUser(uid)
		if len(conns) == 0 {
			res.Offline = append(res.Offline, uid)
			continue
		}
		online[uid] = conns
	}
	if len(online) == 0 {
		return res, nil
	}

	global := d.Scope() == ScopeGlobal
	if global && !d.limiter.Check(ctx, ScopeGlobal, messageType) {
		for _, uid := range users {
			if _, ok := online[uid]; ok {
				res.Denied = append(res.Denied, uid)
			}
		}
		d.denied(target, messageType)
		return res, &RateLimitError{Scope: ScopeGlobal, Type: messageType}
	}

	for _, uid := range users {
		conns, ok := online[uid]
		if !ok {
			continue
		}
		if !global && !d.limiter.Check(ctx, uid, messageType) {
			res.Denied = append(res.Denied, uid)
			d.denied(uid, messageType)
			continue
		}
		n := d.deliver(ctx, conns, frame)
		res.Delivered[uid] = n
		res.Total += n
	}
	d.delivered(target, messageType, res.Total)
	return res, nil
}

// Broadcast delivers to every connection except those of excludeUsers.
// It is limited under the "global" scope.
func (d *Dispatcher) Broadcast(ctx context.Context, messageType string, payload any, excludeUsers ...string) (int, error) {
	exclude := make(map[string]struct{}, len(excludeUsers))
	for _, u := range excludeUsers {
		exclude[u] = struct{}{}
	}
	conns := d.conns.AllConnections(exclude)
	if len(conns) == 0 {
		return 0, nil
	}
	if !d.limiter.Check(ctx, ScopeGlobal, messageType) {
		d.denied(ScopeGlobal, messageType)
		return 0, &RateLimitError{Scope: ScopeGlobal, Type: messageType}
	}
	frame, err := Encode(messageType, payload, d.now())
	if err != nil {
		return 0, err
	}
	n := d.deliver(ctx, conns, frame)
	d.delivered("broadcast", messageType, n)
	return n, nil
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Registry:  d.conns.Stats(),
		RateLimit: d.limiter.Counters(),
		Frames:    d.frames.Load(),
		Dead:      d.dead.Load(),
		Bridge:    d.bridge.Stats(),
	}
}

// deliver writes frame to every conn and returns the number of successful
// writes. A failed write closes and unregisters that connection; it is never
// retried.
func (d *Dispatcher) deliver(ctx context.Context, conns []registry.Conn, frame []byte) int {
	if len(conns) == 1 {
		if d.sendOne(ctx, conns[0], frame) {
			return 1
		}
		return 0
	}

	var (
		ok  atomic.Int64
		wg  sync.WaitGroup
		sem = make(chan struct{}, fanout)
	)
	for _, c := range conns {
		sem <- struct{}{}
		wg.Add(1)
		go func(c registry.Conn) {
			defer wg.Done()
			defer func() { <-sem }()
			if d.sendOne(ctx, c, frame) {
				ok.Add(1)
			}
		}(c)
	}
	wg.Wait()
	return int(ok.Load())
}

func (d *Dispatcher) sendOne(ctx context.Context, c registry.Conn, frame []byte) bool {
	if err := c.Send(ctx, frame); err != nil {
		d.dead.Add(1)
		_ = c.Close()
		if d.conns.UnregisterConn(c.ID(), c) {
			d.log.Debug("dropped dead connection", logx.String("conn", c.ID()), logx.Err(err))
		}
		return false
	}
	d.frames.Add(1)
	return true
}

func (d *Dispatcher) delivered(target, messageType string, n int) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.NotifyDelivered, Data: DeliveryEvent{Target: target, Type: messageType, Count: n}})
}

func (d *Dispatcher) denied(target, messageType string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.NotifyDenied, Data: DeliveryEvent{Target: target, Type: messageType}})
}

func distinct(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
