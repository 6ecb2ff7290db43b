package valkey

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Connect parses the Valkey URL, connects, and pings to verify the connection. The valkey:// scheme is replaced with
// redis:// for go-redis compatibility. The dialTimeout parameter controls how long the client waits when establishing
// new connections.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*redis.Client, error) {
	// go-redis only understands the redis:// scheme, so replace valkey:// (case-insensitive) before parsing.
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	if strings.EqualFold(parsed.Scheme, "valkey") {
		parsed.Scheme = "redis"
	}

	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	opts.DialTimeout = dialTimeout

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}

	return client, nil
}

// Role labels what a Valkey connection backs, for log context only.
type Role string

const (
	RolePresence Role = "presence"
	RoleBus      Role = "bus"
)

// ConnectPair dials the two Valkey-backed subsystems relaywire needs — the presence store and the fan-out bus —
// reusing a single connection when both config values name the same URL rather than opening a redundant second
// client against an instance already connected to. Each dial is logged with its role so a connection failure in
// the logs is attributable to presence or bus without guessing from the URL alone.
func ConnectPair(ctx context.Context, presenceURL, busURL string, dialTimeout time.Duration, logger zerolog.Logger) (presenceRDB, busRDB *redis.Client, err error) {
	presenceRDB, err = connectNamed(ctx, RolePresence, presenceURL, dialTimeout, logger)
	if err != nil {
		return nil, nil, err
	}

	if busURL == presenceURL {
		logger.Info().Str("role", string(RoleBus)).Msg("Reusing presence connection, bus URL matches")
		return presenceRDB, presenceRDB, nil
	}

	busRDB, err = connectNamed(ctx, RoleBus, busURL, dialTimeout, logger)
	if err != nil {
		_ = presenceRDB.Close()
		return nil, nil, err
	}
	return presenceRDB, busRDB, nil
}

func connectNamed(ctx context.Context, role Role, rawURL string, dialTimeout time.Duration, logger zerolog.Logger) (*redis.Client, error) {
	client, err := Connect(ctx, rawURL, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s valkey: %w", role, err)
	}
	logger.Info().Str("role", string(role)).Msg("Valkey connection established")
	return client, nil
}

// ClosePair closes busRDB only if it is a distinct connection from presenceRDB, then closes presenceRDB. Safe to
// call with either argument nil.
func ClosePair(presenceRDB, busRDB *redis.Client) {
	if busRDB != nil && busRDB != presenceRDB {
		_ = busRDB.Close()
	}
	if presenceRDB != nil {
		_ = presenceRDB.Close()
	}
}
