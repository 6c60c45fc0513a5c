// Package registry tracks room membership for the relay. A room exists only
// while at least one connection is a member of it.
package registry

import (
	"errors"
	"sync"
)

// ErrOverloaded is returned by Admit when the connection ceiling is reached.
var ErrOverloaded = errors.New("registry: connection limit reached")

// RoomCount is a point-in-time view of a single room.
type RoomCount struct {
	Name        string `json:"name"`
	Connections int    `json:"connections"`
}

// Registry maps room names to member counts and keeps the aggregate
// connection total in step with them. All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	counts map[string]int
	order  []string
	total  int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{counts: make(map[string]int)}
}

// Join adds one member to room, creating the entry at 1 if absent, and
// returns the new member count. It does not touch the connection total.
func (r *Registry) Join(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joinLocked(room)
}

// Leave removes one member from room. When the count drops to zero the entry
// is deleted and removed is true. Leaving a room with no entry is a no-op
// that reports the room as removed.
func (r *Registry) Leave(room string) (count int, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(room)
}

// Admit is the single admission decision point. It rejects with
// ErrOverloaded when total >= limit; otherwise it increments the total and
// joins room in the same critical section. A limit <= 0 disables the cap.
func (r *Registry) Admit(room string, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit > 0 && r.total >= limit {
		return 0, ErrOverloaded
	}
	r.total++
	return r.joinLocked(room), nil
}

// Release undoes a successful Admit: one member leaves room and the total
// drops by one. The total never goes below zero.
func (r *Registry) Release(room string) (count int, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.total > 0 {
		r.total--
	}
	return r.leaveLocked(room)
}

// Snapshot returns the present rooms in the order they were first created.
// The slice is a copy.
func (r *Registry) Snapshot() []RoomCount {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]RoomCount, 0, len(r.order))
	for _, name := range r.order {
		rooms = append(rooms, RoomCount{Name: name, Connections: r.counts[name]})
	}
	return rooms
}

// Count returns the member count of room, zero when absent.
func (r *Registry) Count(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[room]
}

// Total returns the number of admitted connections.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// RoomCount returns the number of rooms with at least one member.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.counts)
}

func (r *Registry) joinLocked(room string) int {
	n, ok := r.counts[room]
	if !ok {
		r.order = append(r.order, room)
	}
	n++
	r.counts[room] = n
	return n
}

func (r *Registry) leaveLocked(room string) (int, bool) {
	n, ok := r.counts[room]
	if !ok {
		return 0, true
	}
	n--
	if n > 0 {
		r.counts[room] = n
		return n, false
	}

	delete(r.counts, room)
	for i, name := range r.order {
		if name == room {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return 0, true
}
