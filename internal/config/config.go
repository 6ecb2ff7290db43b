package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds application configuration populated from environment variables.
type Config struct {
	// Core
	ServerPort        int
	ServerEnv         string // "development" or "production"
	LogHealthRequests bool

	// Shared secret gate, presented as X-API-KEY or a "x-api-key" WebSocket subprotocol.
	SharedSecret string

	// Relay WebSocket endpoint, as dialed by the worker bridge back into this process.
	RelayURL    string
	RelayOrigin string

	// Collaborator (external generation subsystem) HTTP base URL.
	CollaboratorURL              string
	CollaboratorConnectTimeout   time.Duration
	CollaboratorSummarizeTimeout time.Duration
	CollaboratorHistoryTimeout   time.Duration
	CollaboratorSMSTimeout       time.Duration

	// Valkey / Redis backing the presence store and fan-out bus.
	PresenceStoreURL  string
	BusURL            string
	ValkeyDialTimeout time.Duration

	// Presence
	PresenceTTL            time.Duration
	PresenceRefreshSeconds int

	// Session resume buffer
	GatewaySessionTTL       time.Duration
	GatewayReplayBufferSize int
	GatewayMaxConnections   int

	// Bridge
	BridgeConnectTimeout time.Duration

	// Rate limiting (inbound WS messages per connection)
	RateLimitWSCount         int
	RateLimitWSWindowSeconds int

	// HTTP
	CORSAllowOrigins string
}

// Load reads configuration from environment variables, falling back to the defaults below. It returns an error if any
// variable is set but cannot be parsed, or if a value fails validation; all parse and validation errors are reported
// together.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		ServerPort:        p.int("SERVER_PORT", 8080),
		ServerEnv:         envStr("SERVER_ENV", "production"),
		LogHealthRequests: p.bool("LOG_HEALTH_REQUESTS", true),

		SharedSecret: envStr("SHARED_SECRET", ""),

		RelayURL:    envStr("RELAY_URL", "ws://localhost:8080"),
		RelayOrigin: envStr("RELAY_ORIGIN", ""),

		CollaboratorURL:              envStr("COLLABORATOR_URL", ""),
		CollaboratorConnectTimeout:   p.duration("COLLABORATOR_CONNECT_TIMEOUT", 10*time.Second),
		CollaboratorSummarizeTimeout: p.duration("COLLABORATOR_SUMMARIZE_TIMEOUT", 60*time.Second),
		CollaboratorHistoryTimeout:   p.duration("COLLABORATOR_HISTORY_TIMEOUT", 30*time.Second),
		CollaboratorSMSTimeout:       p.duration("COLLABORATOR_SMS_TIMEOUT", 60*time.Second),

		PresenceStoreURL:  envStr("PRESENCE_STORE_URL", "valkey://localhost:6379/0"),
		BusURL:            envStr("BUS_URL", "valkey://localhost:6379/0"),
		ValkeyDialTimeout: p.duration("VALKEY_DIAL_TIMEOUT", 5*time.Second),

		PresenceTTL:            p.duration("PRESENCE_TTL", 120*time.Second),
		PresenceRefreshSeconds: p.int("PRESENCE_REFRESH_SECONDS", 30),

		GatewaySessionTTL:       p.duration("GATEWAY_SESSION_TTL", 1*time.Hour),
		GatewayReplayBufferSize: p.int("GATEWAY_REPLAY_BUFFER_SIZE", 50),
		GatewayMaxConnections:   p.int("GATEWAY_MAX_CONNECTIONS", 10000),

		BridgeConnectTimeout: p.duration("BRIDGE_CONNECT_TIMEOUT", 10*time.Second),

		RateLimitWSCount:         p.int("RATE_LIMIT_WS_COUNT", 30),
		RateLimitWSWindowSeconds: p.int("RATE_LIMIT_WS_WINDOW_SECONDS", 10),

		CORSAllowOrigins: envStr("CORS_ALLOW_ORIGINS", "*"),
	}

	if err := errors.Join(errors.Join(p.errs...), cfg.validate()); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

// CollaboratorConfigured returns true when a collaborator base URL has been set. Control-plane handlers that proxy to
// the collaborator return 503 when this is false, rather than attempting a call that can never succeed.
func (c *Config) CollaboratorConfigured() bool {
	return c.CollaboratorURL != ""
}

func (c *Config) validate() error {
	var errs []error

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT must be between 1 and 65535"))
	}

	if c.PresenceRefreshSeconds < 1 {
		errs = append(errs, fmt.Errorf("PRESENCE_REFRESH_SECONDS must be at least 1"))
	}
	if c.PresenceTTL < time.Duration(c.PresenceRefreshSeconds)*time.Second*2 {
		errs = append(errs, fmt.Errorf("PRESENCE_TTL must be at least twice PRESENCE_REFRESH_SECONDS so a missed refresh does not expire a live connection"))
	}

	if c.GatewayReplayBufferSize < 0 {
		errs = append(errs, fmt.Errorf("GATEWAY_REPLAY_BUFFER_SIZE must not be negative"))
	}
	if c.GatewayMaxConnections < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_MAX_CONNECTIONS must be at least 1"))
	}

	if c.RateLimitWSCount < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WS_COUNT must be at least 1"))
	}
	if c.RateLimitWSWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WS_WINDOW_SECONDS must be at least 1"))
	}

	for name, d := range map[string]time.Duration{
		"COLLABORATOR_CONNECT_TIMEOUT":   c.CollaboratorConnectTimeout,
		"COLLABORATOR_SUMMARIZE_TIMEOUT": c.CollaboratorSummarizeTimeout,
		"COLLABORATOR_HISTORY_TIMEOUT":   c.CollaboratorHistoryTimeout,
		"COLLABORATOR_SMS_TIMEOUT":       c.CollaboratorSMSTimeout,
		"VALKEY_DIAL_TIMEOUT":            c.ValkeyDialTimeout,
		"BRIDGE_CONNECT_TIMEOUT":         c.BridgeConnectTimeout,
	} {
		if d < time.Second {
			errs = append(errs, fmt.Errorf("%s must be at least 1s", name))
		}
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected boolean)", key, v))
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"24h\" or \"30m\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
