package realtime

import (
	"sort"
	"sync"

	"agora/cmd/internal/conversation"
	"agora/cmd/internal/metrics"
)

// Registry maps conversation keys to the live sessions watching them.
// It is purely in memory and single-process. A client may be in several rooms.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[conversation.Key]map[*Client]struct{}
	sessions map[*Client]map[conversation.Key]struct{}

	metrics *metrics.Metrics
}

// NewRegistry constructs an empty Registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		rooms:    make(map[conversation.Key]map[*Client]struct{}),
		sessions: make(map[*Client]map[conversation.Key]struct{}),
		metrics:  m,
	}
}

// Join adds c to the room of key. It reports false when c was already a member.
func (r *Registry) Join(key conversation.Key, c *Client) bool {
	if c == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[key]
	if room == nil {
		room = make(map[*Client]struct{})
		r.rooms[key] = room
	}
	if _, ok := room[c]; ok {
		return false
	}
	room[c] = struct{}{}

	keys := r.sessions[c]
	if keys == nil {
		keys = make(map[conversation.Key]struct{})
		r.sessions[c] = keys
	}
	keys[key] = struct{}{}

	r.metrics.SetRooms(len(r.rooms))
	return true
}

// Leave removes c from the room of key. It reports false when c was not a member.
func (r *Registry) Leave(key conversation.Key, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.removeLocked(key, c) {
		return false
	}
	r.metrics.SetRooms(len(r.rooms))
	return true
}

// LeaveAll removes c from every room and returns the keys it left.
func (r *Registry) LeaveAll(c *Client) []conversation.Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.sessions[c]
	out := make([]conversation.Key, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	for _, k := range out {
		r.removeLocked(k, c)
	}
	delete(r.sessions, c)
	r.metrics.SetRooms(len(r.rooms))

	sortKeys(out)
	return out
}

func (r *Registry) removeLocked(key conversation.Key, c *Client) bool {
	room := r.rooms[key]
	if _, ok := room[c]; !ok {
		return false
	}
	delete(room, c)
	if len(room) == 0 {
		delete(r.rooms, key)
	}
	if keys := r.sessions[c]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.sessions, c)
		}
	}
	return true
}

// IsMember reports whether c is in the room of key.
func (r *Registry) IsMember(key conversation.Key, c *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[key][c]
	return ok
}

// MembersOf returns a snapshot of the room of key, safe to iterate without locks.
func (r *Registry) MembersOf(key conversation.Key) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[key]
	out := make([]*Client, 0, len(room))
	for c := range room {
		out = append(out, c)
	}
	return out
}

// Rooms returns the keys c is currently in.
func (r *Registry) Rooms(c *Client) []conversation.Key {
	r.mu.RLock()
	keys := r.sessions[c]
	out := make([]conversation.Key, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	r.mu.RUnlock()

	sortKeys(out)
	return out
}

// Len returns the number of non-empty rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func sortKeys(keys []conversation.Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}
