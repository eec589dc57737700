// Package presence tracks which users are online in which room, shared by
// every server instance. All state is best-effort: reads degrade to "absent"
// and writes report ErrUnavailable for the caller to log.
package presence

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds how long an entry survives without a clean removal.
const DefaultTTL = 24 * time.Hour

// ErrUnavailable wraps any backend failure.
var ErrUnavailable = errors.New("presence store unavailable")

// Metadata describes one user's presence in a room.
type Metadata struct {
	UserID       int64
	Username     string
	ConnectionID string
	JoinTime     time.Time
}

// Store is the distributed presence registry.
type Store interface {
	AddMember(ctx context.Context, room string, userID int64, meta Metadata) error
	RemoveMember(ctx context.Context, room string, userID int64) error
	ListMembers(ctx context.Context, room string) []int64
	MemberCount(ctx context.Context, room string) int64
	IsMember(ctx context.Context, room string, userID int64) bool
	Member(ctx context.Context, room string, userID int64) (Metadata, bool)
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
