package cluster

import (
	"context"
	"fmt"

	"notifyhub/internal/session"
)

// Router sends a frame to a single client wherever it is connected.
type Router struct {
	ServerID string
	Tracker  *session.Tracker
	// Forwarder may be nil; remote clients are then undeliverable.
	Forwarder *Forwarder
	// IsLocal reports whether clientID is connected to this instance.
	IsLocal func(clientID string) bool
	Local   DeliverFunc
}

// SendToClient delivers locally, forwards to the owning instance, or returns
// ErrUndeliverable.
func (r *Router) SendToClient(ctx context.Context, clientID string, frame []byte) (session.RouteKind, error) {
	route, err := r.Tracker.Route(ctx, clientID, r.ServerID, r.IsLocal)
	if err != nil {
		return route.Kind, err
	}
	switch route.Kind {
	case session.RouteLocal:
		return route.Kind, r.Local(ctx, clientID, frame)
	case session.RouteRemote:
		if r.Forwarder == nil {
			return session.RouteUndeliverable, fmt.Errorf("%w: owner %s unreachable without forwarding", ErrUndeliverable, route.ServerID)
		}
		return route.Kind, r.Forwarder.Forward(ctx, route.ServerID, clientID, frame)
	default:
		return route.Kind, ErrUndeliverable
	}
}
