// Package registry tracks the live connections of this process and the
// user and group indices over them.
//
// Group membership belongs to users: a user is in a group while any of its
// connections declared that group, and a group send reaches every connection
// of every member user.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var ErrDuplicateConnection = errors.New("duplicate connection id")

// Conn is a live duplex connection. Send must be safe for concurrent use.
type Conn interface {
	ID() string
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Info describes a registered connection.
type Info struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Groups      []string  `json:"groups,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

type Stats struct {
	TotalConnections int            `json:"total_connections"`
	UniqueUsers      int            `json:"unique_users"`
	GroupsInUse      int            `json:"groups_in_use"`
	Groups           map[string]int `json:"groups,omitempty"` // group -> member users
	Users            []string       `json:"users,omitempty"`
}

type entry struct {
	conn Conn
	info Info
}

// Registry is safe for concurrent use. A single RWMutex covers every index,
// so a connection is either visible in all of them or in none.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*entry
	byUser  map[string]map[string]*entry
	byGroup map[string]map[string]int // group -> user -> declaring connections
	now     func() time.Time
}

func New() *Registry {
	return &Registry{
		byID:    map[string]*entry{},
		byUser:  map[string]map[string]*entry{},
		byGroup: map[string]map[string]int{},
		now:     time.Now,
	}
}

// Register adds a connection under id.
func (r *Registry) Register(id, userID string, groups []string, c Conn) (Info, error) {
	if id == "" || c == nil {
		return Info{}, errors.New("registry: connection id and handle are required")
	}
	e := &entry{conn: c, info: Info{
		ID:          id,
		UserID:      userID,
		Groups:      dedup(groups),
		ConnectedAt: r.now(),
	}}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; ok {
		return Info{}, fmt.Errorf("%w: %s", ErrDuplicateConnection, id)
	}
	r.byID[id] = e

	conns := r.byUser[userID]
	if conns == nil {
		conns = map[string]*entry{}
		r.byUser[userID] = conns
	}
	conns[id] = e

	for _, g := range e.info.Groups {
		members := r.byGroup[g]
		if members == nil {
			members = map[string]int{}
			r.byGroup[g] = members
		}
		members[userID]++
	}
	return e.info, nil
}

// Unregister removes id from every index. Unknown ids are a no-op.
func (r *Registry) Unregister(id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return Info{}, false
	}
	r.remove(e)
	return e.info, true
}

// UnregisterConn removes id only while it still refers to c. Returns false
// when c was already replaced or removed.
func (r *Registry) UnregisterConn(id string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok || e.conn != c {
		return false
	}
	r.remove(e)
	return true
}

// remove must be called with r.mu held for writing.
func (r *Registry) remove(e *entry) {
	id := e.info.ID
	delete(r.byID, id)

	uid := e.info.UserID
	if conns := r.byUser[uid]; conns != nil {
		delete(conns, id)
		if len(conns) == 0 {
			delete(r.byUser, uid)
		}
	}
	for _, g := range e.info.Groups {
		members := r.byGroup[g]
		if members == nil {
			continue
		}
		if members[uid]--; members[uid] <= 0 {
			delete(members, uid)
		}
		if len(members) == 0 {
			delete(r.byGroup, g)
		}
	}
}

func (r *Registry) Lookup(id string) (Conn, Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, Info{}, false
	}
	return e.conn, e.info, true
}

// ConnectionsForUser returns a snapshot; empty (non-nil) when the user is offline.
func (r *Registry) ConnectionsForUser(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	out := make([]Conn, 0, len(conns))
	for _, e := range conns {
		out = append(out, e.conn)
	}
	return out
}

// ConnectionsForGroup returns every connection of every user in groupID.
func (r *Registry) ConnectionsForGroup(groupID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Conn
	for uid := range r.byGroup[groupID] {
		for _, e := range r.byUser[uid] {
			out = append(out, e.conn)
		}
	}
	if out == nil {
		out = []Conn{}
	}
	return out
}

// GroupMembers returns the sorted user ids currently in groupID.
func (r *Registry) GroupMembers(groupID string) []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byGroup[groupID]))
	for uid := range r.byGroup[groupID] {
		out = append(out, uid)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// AllConnections returns every connection except those of users in exclude.
func (r *Registry) AllConnections(exclude map[string]struct{}) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.byID))
	for _, e := range r.byID {
		if _, skip := exclude[e.info.UserID]; skip {
			continue
		}
		out = append(out, e.conn)
	}
	return out
}

// IDs returns every registered connection id, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// UserIDs returns every connected user id, sorted.
func (r *Registry) UserIDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byUser))
	for uid := range r.byUser {
		out = append(out, uid)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{
		TotalConnections: len(r.byID),
		UniqueUsers:      len(r.byUser),
		GroupsInUse:      len(r.byGroup),
		Groups:           make(map[string]int, len(r.byGroup)),
		Users:            make([]string, 0, len(r.byUser)),
	}
	for g, members := range r.byGroup {
		st.Groups[g] = len(members)
	}
	for uid := range r.byUser {
		st.Users = append(st.Users, uid)
	}
	sort.Strings(st.Users)
	return st
}

// CloseAll closes and unregisters every connection (process shutdown).
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	r.byID = map[string]*entry{}
	r.byUser = map[string]map[string]*entry{}
	r.byGroup = map[string]map[string]int{}
	r.mu.Unlock()

	for _, e := range entries {
		_ = e.conn.Close()
	}
	return len(entries)
}

func dedup(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
