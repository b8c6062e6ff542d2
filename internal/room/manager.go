/*
Package room keeps the room membership of active connections.
*/
package room

import (
	"errors"
	"sync"

	"github.com/treepeck/pulse/internal/session"
)

var ErrAccessDenied = errors.New("room is outside of the connection scope")

/*
Manager stores two maps of memberships.

By maintaining both mappings, these requirements are satisfied:
 1. Efficient lookup of all members of a given room id (fan-out);
 2. Efficient lookup of every room a connection belongs to (purge on disconnect);
 3. No residual references: a room without members is removed from the index.

Each operation modifies both maps under a single lock.
*/
type Manager struct {
	mu     sync.RWMutex
	byRoom map[string]map[string]struct{}
	byConn map[string]map[string]struct{}
}

func NewManager() *Manager {
	return &Manager{
		byRoom: make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

/*
Authorize reports whether the connection may join roomId.  The connection's own home room is
always allowed; every other room requires the embedded resource id to be in scope.
*/
func Authorize(c *session.Connection, roomId string) error {
	k, ref, err := Parse(roomId)
	if err != nil {
		return err
	}

	if k == KindUser {
		if ref == c.UserId {
			return nil
		}
		return ErrAccessDenied
	}
	if c.Scope.Has(ref) {
		return nil
	}
	return ErrAccessDenied
}

/*
Join adds the connection to the room after re-validating it against the connection scope.
A refused join leaves the membership unchanged.  Joining twice is a no-op.
*/
func (m *Manager) Join(c *session.Connection, roomId string) error {
	if err := Authorize(c, roomId); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	members, exists := m.byRoom[roomId]
	if !exists {
		members = make(map[string]struct{})
		m.byRoom[roomId] = members
	}
	members[c.Id] = struct{}{}

	rooms, exists := m.byConn[c.Id]
	if !exists {
		rooms = make(map[string]struct{})
		m.byConn[c.Id] = rooms
	}
	rooms[roomId] = struct{}{}

	return nil
}

// Leave removes the pairing.  Idempotent.
func (m *Manager) Leave(connId, roomId string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unlink(connId, roomId)
}

// Purge removes the connection from every room it belongs to and returns those rooms.
func (m *Manager) Purge(connId string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := make([]string, 0, len(m.byConn[connId]))
	for roomId := range m.byConn[connId] {
		rooms = append(rooms, roomId)
		m.unlink(connId, roomId)
	}
	return rooms
}

// Members returns a copy of the connection ids joined to roomId.
func (m *Manager) Members(roomId string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.byRoom[roomId]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) IsMember(connId, roomId string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.byRoom[roomId][connId]
	return ok
}

// RoomsOf returns a copy of the rooms the connection is joined to.
func (m *Manager) RoomsOf(connId string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]string, 0, len(m.byConn[connId]))
	for roomId := range m.byConn[connId] {
		rooms = append(rooms, roomId)
	}
	return rooms
}

// Rooms returns every room that has at least one member.
func (m *Manager) Rooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]string, 0, len(m.byRoom))
	for roomId := range m.byRoom {
		rooms = append(rooms, roomId)
	}
	return rooms
}

func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byRoom = make(map[string]map[string]struct{})
	m.byConn = make(map[string]map[string]struct{})
}

// unlink must be called with the lock held.
func (m *Manager) unlink(connId, roomId string) {
	if members, exists := m.byRoom[roomId]; exists {
		delete(members, connId)
		if len(members) == 0 {
			delete(m.byRoom, roomId)
		}
	}
	if rooms, exists := m.byConn[connId]; exists {
		delete(rooms, roomId)
		if len(rooms) == 0 {
			delete(m.byConn, connId)
		}
	}
}
