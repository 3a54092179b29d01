package session

import "context"

type RouteKind int

const (
	RouteUndeliverable RouteKind = iota
	RouteLocal
	RouteRemote
)

func (k RouteKind) String() string {
	switch k {
	case RouteLocal:
		return "local"
	case RouteRemote:
		return "remote"
	default:
		return "undeliverable"
	}
}

// Route says where a message for one client should go. ServerID is set for
// RouteRemote only.
type Route struct {
	Kind     RouteKind
	ServerID string
}

// Route resolves clientID. A local connection always wins. Otherwise the
// stored owner is used only while its liveness key exists; a mapping that
// points at this instance without a local connection is stale.
func (t *Tracker) Route(ctx context.Context, clientID, localServerID string, isLocal func(clientID string) bool) (Route, error) {
	if isLocal != nil && isLocal(clientID) {
		return Route{Kind: RouteLocal}, nil
	}
	owner, ok, err := t.ClientServer(ctx, clientID)
	if err != nil || !ok || owner == localServerID {
		return Route{Kind: RouteUndeliverable}, err
	}
	alive, err := t.ServerAlive(ctx, owner)
	if err != nil || !alive {
		return Route{Kind: RouteUndeliverable}, err
	}
	return Route{Kind: RouteRemote, ServerID: owner}, nil
}
