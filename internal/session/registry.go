/*
Package session tracks active connections and the per-user connection sets.

The registry derives presence: a user is online iff the user has at least one registered
connection.  Zero-to-one and one-to-zero changes are reported to subscribed observers after
the registry lock is released, so observers may call back into the registry.
*/
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/treepeck/pulse/pkg/dispatch"
)

var (
	ErrDuplicate       = errors.New("connection is already registered")
	ErrUnauthenticated = errors.New("connection is not authenticated")
)

// Transition reports a presence change of a single user.
type Transition struct {
	At     time.Time
	UserId string
	Online bool
}

/*
Registry stores two maps of active connections: by connection id and by user id.  Each
operation modifies both maps under a single lock, so no reader can observe one without
the other.
*/
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Connection
	byUser    map[string]map[string]struct{}
	observers []func(Transition)
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Subscribe registers fn to be called on every presence transition.
func (r *Registry) Subscribe(fn func(Transition)) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

/*
Add registers the connection under both maps.  Concurrent handshakes of the same user are
independent additions: a later registration never replaces an earlier one.
*/
func (r *Registry) Add(c *Connection) error {
	if !c.Authenticated || c.UserId == "" {
		return ErrUnauthenticated
	}

	r.mu.Lock()
	if _, exists := r.conns[c.Id]; exists {
		r.mu.Unlock()
		return ErrDuplicate
	}

	r.conns[c.Id] = c
	set, exists := r.byUser[c.UserId]
	if !exists {
		set = make(map[string]struct{}, 1)
		r.byUser[c.UserId] = set
	}
	set[c.Id] = struct{}{}
	first := len(set) == 1
	observers := r.observers
	r.mu.Unlock()

	if first {
		notify(observers, Transition{UserId: c.UserId, Online: true, At: time.Now()})
	}
	return nil
}

/*
Remove deletes the connection from both maps.  When it was the last connection of its user,
the user's session is destroyed and an offline transition is emitted.  Removing an unknown
id is a no-op.
*/
func (r *Registry) Remove(id string) (*Connection, bool) {
	r.mu.Lock()
	c, exists := r.conns[id]
	if !exists {
		r.mu.Unlock()
		return nil, false
	}

	delete(r.conns, id)
	set := r.byUser[c.UserId]
	delete(set, id)
	last := len(set) == 0
	if last {
		delete(r.byUser, c.UserId)
	}
	observers := r.observers
	r.mu.Unlock()

	if last {
		notify(observers, Transition{UserId: c.UserId, Online: false, At: time.Now()})
	}
	return c, true
}

func (r *Registry) IsOnline(userId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byUser[userId]) > 0
}

// ConnectionsOf returns a copy of the user's connection ids.
func (r *Registry) ConnectionsOf(userId string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userId]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Oldest returns the earliest registered connection of the user.
func (r *Registry) Oldest(userId string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *Connection
	for id := range r.byUser[userId] {
		c := r.conns[id]
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	return oldest, oldest != nil
}

func (r *Registry) Stats() dispatch.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	perUser := make(map[string]int, len(r.byUser))
	for userId, set := range r.byUser {
		perUser[userId] = len(set)
	}
	return dispatch.Stats{
		TotalConnections:   len(r.conns),
		UniqueUsers:        len(r.byUser),
		ConnectionsPerUser: perUser,
	}
}

// Clear drops every connection without emitting transitions.  Used on shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns = make(map[string]*Connection)
	r.byUser = make(map[string]map[string]struct{})
}

func notify(observers []func(Transition), t Transition) {
	for _, fn := range observers {
		fn(t)
	}
}
