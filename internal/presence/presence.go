// Package presence tracks which connections are attached to a session, backed by Valkey so the record survives a
// relay restart and is visible to every relay instance, not just the one holding the socket. Each connection record
// carries a TTL; the owning Session Hub refreshes it periodically while the socket is alive, and Valkey's own
// expiry reclaims a connection's presence entry if the relay crashes without a clean disconnect.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Role identifies the kind of participant a connection represents.
type Role string

const (
	RolePatient  Role = "patient"
	RoleOperator Role = "operator"
	RoleAI       Role = "ai"
)

// ValidRole returns true for the three roles a connection may declare.
func ValidRole(r string) bool {
	switch Role(r) {
	case RolePatient, RoleOperator, RoleAI:
		return true
	default:
		return false
	}
}

// Member describes one connection currently present in a session.
type Member struct {
	ConnectionID string
	SessionID    string
	Role         Role
	ConnectedAt  time.Time
	LastSeen     time.Time
}

// Store reads and writes connection presence in Valkey.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a new presence store backed by the given Valkey client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Upsert registers or refreshes a connection's presence record. Safe to call multiple times for the same connection
// (e.g. on every role re-declaration); the original connected_at is preserved across calls.
func (s *Store) Upsert(ctx context.Context, sessionID, connectionID string, role Role, ttl time.Duration) error {
	now := time.Now().Unix()
	key := connectionKey(connectionID)

	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, sessionKey(sessionID), connectionID)
	pipe.HSetNX(ctx, key, "connected_at", now)
	pipe.HSet(ctx, key,
		"session_id", sessionID,
		"role", string(role),
		"last_seen", now,
	)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert presence for %s: %w", connectionID, err)
	}
	return nil
}

// Refresh extends a connection's TTL and updates last_seen. Returns false if the record was missing or had already
// expired, signalling the caller should re-upsert rather than assume the refresh took effect.
func (s *Store) Refresh(ctx context.Context, connectionID string, ttl time.Duration) (bool, error) {
	key := connectionKey(connectionID)

	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check presence for %s: %w", connectionID, err)
	}
	if exists == 0 {
		return false, nil
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("refresh presence for %s: %w", connectionID, err)
	}
	return true, nil
}

// Remove deletes a connection's presence record and drops it from the session's membership set.
func (s *Store) Remove(ctx context.Context, sessionID, connectionID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, sessionKey(sessionID), connectionID)
	pipe.Del(ctx, connectionKey(connectionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove presence for %s: %w", connectionID, err)
	}
	return nil
}

// List returns the active connections for a session, sorted by (connected_at, connection_id) for a stable ordering
// across repeated calls. When cleanup is true, any connection_id present in the session's membership set but whose
// record has expired (a crashed relay instance that never called Remove) is pruned from the set as a side effect.
func (s *Store) List(ctx context.Context, sessionID string, cleanup bool) ([]Member, error) {
	ids, err := s.rdb.SMembers(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence for session %s: %w", sessionID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, connectionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list presence for session %s: %w", sessionID, err)
	}

	members := make([]Member, 0, len(ids))
	var stale []string
	for i, id := range ids {
		data := cmds[i].Val()
		if len(data) == 0 || data["session_id"] != sessionID {
			stale = append(stale, id)
			continue
		}

		connectedAt, _ := strconv.ParseInt(data["connected_at"], 10, 64)
		lastSeen, _ := strconv.ParseInt(data["last_seen"], 10, 64)

		members = append(members, Member{
			ConnectionID: id,
			SessionID:    sessionID,
			Role:         Role(data["role"]),
			ConnectedAt:  time.Unix(connectedAt, 0),
			LastSeen:     time.Unix(lastSeen, 0),
		})
	}

	if cleanup && len(stale) > 0 {
		s.rdb.SRem(ctx, sessionKey(sessionID), toAny(stale)...)
	}

	sort.Slice(members, func(i, j int) bool {
		if !members[i].ConnectedAt.Equal(members[j].ConnectedAt) {
			return members[i].ConnectedAt.Before(members[j].ConnectedAt)
		}
		return members[i].ConnectionID < members[j].ConnectionID
	})

	return members, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func sessionKey(sessionID string) string {
	return "presence:session:" + sessionID
}

func connectionKey(connectionID string) string {
	return "presence:conn:" + connectionID
}
