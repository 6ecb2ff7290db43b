package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResumeStore persists a capped buffer of the most recent delivered frames per session in Valkey, so a patient who
// reconnects under the same session_id can be handed what they missed. It backs the hub's "resume" frame: a
// reconnecting client echoes the resume_token it got on connect/hello_ack and the hub replays this buffer without
// reaching back into the fan-out bus (which does not retain history).
type ResumeStore struct {
	rdb     *redis.Client
	ttl     time.Duration
	maxSize int
}

// NewResumeStore creates a resume buffer store backed by the given Valkey client. maxSize of 0 disables buffering;
// Append becomes a no-op and Replay always returns an empty slice.
func NewResumeStore(rdb *redis.Client, ttl time.Duration, maxSize int) *ResumeStore {
	return &ResumeStore{rdb: rdb, ttl: ttl, maxSize: maxSize}
}

func resumeKey(sessionID string) string { return "gwresume:" + sessionID }

// Append adds a serialised outbound frame to the session's resume buffer, trimming it to the configured maximum size
// and refreshing its TTL. Best-effort: callers should log failures but must not let them affect live delivery.
func (s *ResumeStore) Append(ctx context.Context, sessionID string, frame []byte) error {
	if s.maxSize <= 0 {
		return nil
	}

	key := resumeKey(sessionID)
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, frame)
	pipe.LTrim(ctx, key, int64(-s.maxSize), -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append resume buffer for %s: %w", sessionID, err)
	}
	return nil
}

// Replay returns the buffered frames for a session, oldest first.
func (s *ResumeStore) Replay(ctx context.Context, sessionID string) ([][]byte, error) {
	if s.maxSize <= 0 {
		return nil, nil
	}

	raw, err := s.rdb.LRange(ctx, resumeKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read resume buffer for %s: %w", sessionID, err)
	}

	out := make([][]byte, len(raw))
	for i, item := range raw {
		out[i] = []byte(item)
	}
	return out, nil
}

// Count reports how many frames are currently buffered for a session, so a caller can tell a newly admitted client
// whether there's anything worth resuming before it bothers asking.
func (s *ResumeStore) Count(ctx context.Context, sessionID string) (int64, error) {
	if s.maxSize <= 0 {
		return 0, nil
	}

	n, err := s.rdb.LLen(ctx, resumeKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count resume buffer for %s: %w", sessionID, err)
	}
	return n, nil
}
