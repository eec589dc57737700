package ws

import (
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/reviewroom/internal/auth"
)

// Entry is one live connection held by this process.
type Entry struct {
	ConnID   string
	Room     string
	Identity auth.Identity
	Client   *Client
	JoinedAt time.Time
}

// Registry indexes this process's connections by room. Buckets are pruned as
// soon as they become empty.
type Registry struct {
	rooms map[string]map[string]*Entry
	mu    sync.RWMutex
}

type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]*Entry),
	}
}

func (r *Registry) Add(room, connID string, identity auth.Identity, client *Client) *Entry {
	entry := &Entry{
		ConnID:   connID,
		Room:     room,
		Identity: identity,
		Client:   client,
		JoinedAt: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.rooms[room]
	if !ok {
		bucket = make(map[string]*Entry)
		r.rooms[room] = bucket
	}
	bucket[connID] = entry
	return entry
}

// Remove deletes the entry and returns it. Removing an unknown entry is a no-op.
func (r *Registry) Remove(room, connID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.rooms[room]
	if !ok {
		return nil, false
	}
	entry, ok := bucket[connID]
	if !ok {
		return nil, false
	}

	delete(bucket, connID)
	if len(bucket) == 0 {
		delete(r.rooms, room)
	}
	return entry, true
}

// ListLocal returns the connection ids in room, sorted.
func (r *Registry) ListLocal(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.rooms[room]
	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Count(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// HasUser reports whether userID still has any local connection in room.
func (r *Registry) HasUser(room string, userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.rooms[room] {
		if entry.Identity.UserID == userID {
			return true
		}
	}
	return false
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Rooms: len(r.rooms)}
	for _, bucket := range r.rooms {
		stats.Connections += len(bucket)
	}
	return stats
}

// ActiveRooms maps each room to its local connection count.
func (r *Registry) ActiveRooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make(map[string]int, len(r.rooms))
	for room, bucket := range r.rooms {
		rooms[room] = len(bucket)
	}
	return rooms
}

// Entries returns a snapshot of every entry.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []*Entry
	for _, bucket := range r.rooms {
		for _, entry := range bucket {
			entries = append(entries, entry)
		}
	}
	return entries
}
