package session

import (
	"slices"
	"time"
)

/*
Scope is the set of resource ids a connection may act upon.  It is computed once at
handshake and never changes for the lifetime of the connection.
*/
type Scope map[string]struct{}

func NewScope(ids ...string) Scope {
	s := make(Scope, len(ids))
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

func (s Scope) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Ids returns the resource ids in lexical order.
func (s Scope) Ids() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

/*
Connection is the authorization state of one admitted client connection.  Created after a
successful handshake; exclusively owned by the [Registry] afterwards.
*/
type Connection struct {
	Id            string
	UserId        string
	UserName      string
	Role          string
	Scope         Scope
	Authenticated bool
	CreatedAt     time.Time
	// Zero value means the connection never expires.
	ExpiresAt time.Time
}
