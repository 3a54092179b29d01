// Package session records which server instance owns each client connection
// in the shared store, so a notification for a client connected elsewhere can
// be routed to the right instance.
//
// Ownership is expressed only through TTL keys:
//
//	ws_client:<clientID> -> serverID   (refreshed by the owner's heartbeat)
//	ws_server:<serverID> -> serverID   (liveness marker of the instance)
//
// A missing key is the only "not owned" signal; a crashed instance simply
// stops refreshing and its mappings expire.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

const (
	ClientKeyPrefix = "ws_client:"
	ServerKeyPrefix = "ws_server:"
)

// ErrStoreUnavailable wraps every store failure surfaced by the tracker.
var ErrStoreUnavailable = errors.New("session store unavailable")

func ClientKey(clientID string) string { return ClientKeyPrefix + clientID }
func ServerKey(serverID string) string { return ServerKeyPrefix + serverID }

type Tracker struct {
	st   storage.Store
	log  logx.Logger
	warn *logx.Throttle
}

func New(st storage.Store, log logx.Logger) *Tracker {
	return &Tracker{
		st:   st,
		log:  log.With(logx.String("comp", "session")),
		warn: logx.NewThrottle(time.Minute, 1),
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// RegisterClient maps clientID to serverID for ttl, overwriting any previous owner.
func (t *Tracker) RegisterClient(ctx context.Context, clientID, serverID string, ttl time.Duration) error {
	if err := t.st.Set(ctx, ClientKey(clientID), serverID, ttl); err != nil {
		return unavailable("register", err)
	}
	return nil
}

// UnregisterClient removes the mapping. Removing an absent mapping is not an error.
func (t *Tracker) UnregisterClient(ctx context.Context, clientID string) error {
	if err := t.st.Delete(ctx, ClientKey(clientID)); err != nil {
		return unavailable("unregister", err)
	}
	return nil
}

// ClientServer returns the owning server of clientID. ok is false when the
// client is not connected anywhere, and also when the store fails (owner
// unknown); the two are told apart by err.
func (t *Tracker) ClientServer(ctx context.Context, clientID string) (string, bool, error) {
	v, ok, err := t.st.Get(ctx, ClientKey(clientID))
	if err != nil {
		return "", false, unavailable("lookup", err)
	}
	return v, ok, nil
}

func (t *Tracker) ServerAlive(ctx context.Context, serverID string) (bool, error) {
	ok, err := t.st.Exists(ctx, ServerKey(serverID))
	if err != nil {
		return false, unavailable("server alive", err)
	}
	return ok, nil
}

// Beat refreshes serverID's liveness key and every listed client mapping in
// one atomic batch.
func (t *Tracker) Beat(ctx context.Context, clientIDs []string, serverID string, ttl time.Duration) error {
	entries := make([]storage.Entry, 0, len(clientIDs)+1)
	entries = append(entries, storage.Entry{Key: ServerKey(serverID), Value: serverID, TTL: ttl})
	for _, id := range clientIDs {
		entries = append(entries, storage.Entry{Key: ClientKey(id), Value: serverID, TTL: ttl})
	}
	if err := t.st.SetMany(ctx, entries); err != nil {
		return unavailable("heartbeat", err)
	}
	return nil
}

// Heartbeat beats immediately and then every interval until ctx is done.
// A failed beat is logged and retried on the next tick. Cancellation stops
// future ticks only: an in-flight batch runs on a detached context bounded by
// interval, and nothing is unregistered on the way out.
func (t *Tracker) Heartbeat(ctx context.Context, listClientIDs func() []string, serverID string, ttl, interval time.Duration) {
	if interval <= 0 {
		interval = ttl / 2
	}
	if interval <= 0 {
		return
	}

	beat := func() {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interval)
		defer cancel()
		ids := listClientIDs()
		if err := t.Beat(bctx, ids, serverID, ttl); err != nil {
			if t.warn.Allow("heartbeat") {
				t.log.Warn("heartbeat failed", logx.String("server", serverID), logx.Int("clients", len(ids)), logx.Err(err))
			}
			return
		}
		t.log.Trace("heartbeat", logx.Int("clients", len(ids)))
	}

	beat()
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			beat()
		}
	}
}
