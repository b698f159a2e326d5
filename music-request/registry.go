package main

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Session binds a display name to the connection currently speaking for it.
// ID is generated once and survives migration to a new connection.
type Session struct {
	ID       string
	Name     string
	ConnID   string
	JoinedAt time.Time
}

// Registry tracks sessions by display name and by connection. Like State it
// is only touched from the hub loop.
type Registry struct {
	byName map[string]*Session
	byConn map[string]*Session
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Session),
		byConn: make(map[string]*Session),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register binds name to connID. If a session with that name already exists
// it is migrated to connID; whatever connID was bound to before is released.
func (r *Registry) Register(connID, name string) *Session {
	prev := r.byConn[connID]
	if prev != nil && prev.Name == name {
		return prev
	}
	if prev != nil {
		if _, taken := r.byName[name]; !taken {
			// plain rename, keep identity
			delete(r.byName, prev.Name)
			prev.Name = name
			r.byName[name] = prev
			return prev
		}
		r.drop(prev)
	}
	if s, ok := r.byName[name]; ok {
		delete(r.byConn, s.ConnID)
		s.ConnID = connID
		r.byConn[connID] = s
		return s
	}
	s := &Session{ID: uuid.NewString(), Name: name, ConnID: connID, JoinedAt: r.now()}
	r.byName[name] = s
	r.byConn[connID] = s
	return s
}

// Unregister removes the session bound to connID. It reports whether anything
// was removed; a connection that was never registered, or whose session has
// since migrated elsewhere, is a no-op.
func (r *Registry) Unregister(connID string) bool {
	s, ok := r.byConn[connID]
	if !ok {
		return false
	}
	r.drop(s)
	return true
}

func (r *Registry) drop(s *Session) {
	delete(r.byConn, s.ConnID)
	if cur, ok := r.byName[s.Name]; ok && cur == s {
		delete(r.byName, s.Name)
	}
}

// Find returns the session speaking through connID.
func (r *Registry) Find(connID string) (*Session, bool) {
	s, ok := r.byConn[connID]
	return s, ok
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	return len(r.byName)
}

// Users returns the roster ordered by join time, then name.
func (r *Registry) Users() []User {
	users := make([]User, 0, len(r.byName))
	for _, s := range r.byName {
		users = append(users, User{ID: s.ID, Username: s.Name, JoinedAt: s.JoinedAt})
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].JoinedAt.Equal(users[j].JoinedAt) {
			return users[i].JoinedAt.Before(users[j].JoinedAt)
		}
		return users[i].Username < users[j].Username
	})
	return users
}
