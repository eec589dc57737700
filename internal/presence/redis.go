package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/reviewroom/internal/metrics"
)

const (
	roomUsersKeyPrefix = "ws:room:users:"
	userInfoKeyPrefix  = "ws:user:info:"
)

// RedisStore keeps a sorted set per room (member = user id, score = expiry in
// unix millis) and a hash per member. Both keys expire after the TTL; expired
// set members are also filtered on every read so no entry outlives the TTL.
type RedisStore struct {
	client  redis.UniversalClient
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration, logger zerolog.Logger, m *metrics.Metrics) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client:  client,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With().Str("component", "presence").Logger(),
		metrics: m,
	}
}

func roomUsersKey(room string) string {
	return roomUsersKeyPrefix + room
}

func userInfoKey(room string, userID int64) string {
	return userInfoKeyPrefix + room + ":" + strconv.FormatInt(userID, 10)
}

func (s *RedisStore) fail(op, room string, err error) {
	s.metrics.PresenceErrors.WithLabelValues(op).Inc()
	s.logger.Warn().Err(err).Str("op", op).Str("room", room).Msg("Presence store call failed")
}

func (s *RedisStore) AddMember(ctx context.Context, room string, userID int64, meta Metadata) error {
	now := s.now()
	if meta.JoinTime.IsZero() {
		meta.JoinTime = now
	}
	member := strconv.FormatInt(userID, 10)
	usersKey := roomUsersKey(room)
	infoKey := userInfoKey(room, userID)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, usersKey, redis.Z{Score: float64(now.Add(s.ttl).UnixMilli()), Member: member})
		pipe.Expire(ctx, usersKey, s.ttl)
		pipe.HSet(ctx, infoKey, map[string]any{
			"userId":       member,
			"username":     meta.Username,
			"connectionId": meta.ConnectionID,
			"joinTime":     strconv.FormatInt(meta.JoinTime.UnixMilli(), 10),
		})
		pipe.Expire(ctx, infoKey, s.ttl)
		return nil
	})
	if err != nil {
		s.fail("add", room, err)
		return fmt.Errorf("add member %d to %s: %w: %v", userID, room, ErrUnavailable, err)
	}

	s.logger.Debug().Str("room", room).Int64("user_id", userID).Msg("Presence added")
	return nil
}

func (s *RedisStore) RemoveMember(ctx context.Context, room string, userID int64) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, roomUsersKey(room), strconv.FormatInt(userID, 10))
		pipe.Del(ctx, userInfoKey(room, userID))
		return nil
	})
	if err != nil {
		s.fail("remove", room, err)
		return fmt.Errorf("remove member %d from %s: %w: %v", userID, room, ErrUnavailable, err)
	}

	s.logger.Debug().Str("room", room).Int64("user_id", userID).Msg("Presence removed")
	return nil
}

// live is the score range of members that have not expired yet.
func (s *RedisStore) live() *redis.ZRangeBy {
	return &redis.ZRangeBy{Min: "(" + strconv.FormatInt(s.now().UnixMilli(), 10), Max: "+inf"}
}

func (s *RedisStore) ListMembers(ctx context.Context, room string) []int64 {
	members, err := s.client.ZRangeByScore(ctx, roomUsersKey(room), s.live()).Result()
	if err != nil {
		s.fail("list", room, err)
		return []int64{}
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	s.prune(ctx, room)
	return ids
}

// prune drops expired members left behind by instances that never tore down.
func (s *RedisStore) prune(ctx context.Context, room string) {
	cutoff := strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := s.client.ZRemRangeByScore(ctx, roomUsersKey(room), "-inf", cutoff).Err(); err != nil {
		s.logger.Debug().Err(err).Str("room", room).Msg("Presence prune failed")
	}
}

func (s *RedisStore) MemberCount(ctx context.Context, room string) int64 {
	r := s.live()
	n, err := s.client.ZCount(ctx, roomUsersKey(room), r.Min, r.Max).Result()
	if err != nil {
		s.fail("count", room, err)
		return 0
	}
	return n
}

func (s *RedisStore) IsMember(ctx context.Context, room string, userID int64) bool {
	score, err := s.client.ZScore(ctx, roomUsersKey(room), strconv.FormatInt(userID, 10)).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		s.fail("is_member", room, err)
		return false
	}
	return int64(score) > s.now().UnixMilli()
}

func (s *RedisStore) Member(ctx context.Context, room string, userID int64) (Metadata, bool) {
	if !s.IsMember(ctx, room, userID) {
		return Metadata{}, false
	}

	fields, err := s.client.HGetAll(ctx, userInfoKey(room, userID)).Result()
	if err != nil {
		s.fail("member", room, err)
		return Metadata{}, false
	}
	if len(fields) == 0 {
		return Metadata{}, false
	}

	meta := Metadata{
		UserID:       userID,
		Username:     fields["username"],
		ConnectionID: fields["connectionId"],
	}
	if ms, err := strconv.ParseInt(fields["joinTime"], 10, 64); err == nil {
		meta.JoinTime = time.UnixMilli(ms)
	}
	return meta, true
}
