package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memberEntry struct {
	meta      Metadata
	expiresAt time.Time
}

// MemoryStore is a process-local Store for single-instance deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]map[int64]memberEntry
	ttl   time.Duration
	now   func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		rooms: make(map[string]map[int64]memberEntry),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (s *MemoryStore) AddMember(_ context.Context, room string, userID int64, meta Metadata) error {
	now := s.now()
	if meta.JoinTime.IsZero() {
		meta.JoinTime = now
	}
	meta.UserID = userID

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(room, now)
	if s.rooms[room] == nil {
		s.rooms[room] = make(map[int64]memberEntry)
	}
	s.rooms[room][userID] = memberEntry{meta: meta, expiresAt: now.Add(s.ttl)}
	return nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, room string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.rooms[room]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
	return nil
}

func (s *MemoryStore) ListMembers(_ context.Context, room string) []int64 {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(room, now)

	ids := make([]int64, 0, len(s.rooms[room]))
	for id := range s.rooms[room] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// pruneLocked drops expired members of room, and the room once it is empty.
func (s *MemoryStore) pruneLocked(room string, now time.Time) {
	members, ok := s.rooms[room]
	if !ok {
		return
	}
	for id, e := range members {
		if !e.expiresAt.After(now) {
			delete(members, id)
		}
	}
	if len(members) == 0 {
		delete(s.rooms, room)
	}
}

func (s *MemoryStore) MemberCount(ctx context.Context, room string) int64 {
	return int64(len(s.ListMembers(ctx, room)))
}

func (s *MemoryStore) IsMember(ctx context.Context, room string, userID int64) bool {
	_, ok := s.Member(ctx, room, userID)
	return ok
}

func (s *MemoryStore) Member(_ context.Context, room string, userID int64) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rooms[room][userID]
	if !ok || !e.expiresAt.After(s.now()) {
		return Metadata{}, false
	}
	return e.meta, true
}
