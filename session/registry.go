// Package session tracks which authenticated user is online on which
// connection.
package session

import (
	"sort"
	"sync"
)

// Conn is a live connection that frames can be pushed to.
type Conn interface {
	ID() string
	Send(v any) error
}

// Registry is the only owner of the user/connection mapping. A user is
// bound to at most one connection and a connection to at most one user.
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]Conn
	byConn map[Conn]int64
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[int64]Conn),
		byConn: make(map[Conn]int64),
	}
}

// Bind maps userID to conn. A previous connection of the same user loses
// its binding silently, and a user previously bound to conn is released.
func (r *Registry) Bind(userID int64, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byUser[userID]; ok && old != conn {
		delete(r.byConn, old)
	}
	if prev, ok := r.byConn[conn]; ok && prev != userID {
		delete(r.byUser, prev)
	}

	r.byUser[userID] = conn
	r.byConn[conn] = userID
}

// Unbind removes whatever user conn is bound to. It reports the user id
// that was released, if any.
func (r *Registry) Unbind(conn Conn) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[conn]
	if !ok {
		return 0, false
	}
	delete(r.byConn, conn)
	if r.byUser[userID] == conn {
		delete(r.byUser, userID)
	}
	return userID, true
}

func (r *Registry) ConnectionFor(userID int64) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byUser[userID]
	return conn, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Online returns the ids of every bound user in ascending order.
func (r *Registry) Online() []int64 {
	r.mu.RLock()
	users := make([]int64, 0, len(r.byUser))
	for id := range r.byUser {
		users = append(users, id)
	}
	r.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}
