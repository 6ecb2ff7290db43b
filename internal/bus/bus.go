// Package bus fans session events out across relay instances over Valkey pub/sub, so that an operator connected to
// one instance and a patient connected to another still see each other's messages. Each session gets its own
// channel; an instance subscribes only to sessions for which it currently holds a local connection, rather than one
// global channel carrying every session's traffic.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// envelope is the JSON structure published to a session's bus channel.
type envelope struct {
	Type string          `json:"t"`
	Data json.RawMessage `json:"d"`
}

// Bus publishes and subscribes to per-session Valkey pub/sub channels.
type Bus struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New creates a new fan-out bus backed by the given Valkey client.
func New(rdb *redis.Client, logger zerolog.Logger) *Bus {
	return &Bus{rdb: rdb, log: logger}
}

// Publish serialises data as JSON under the given event type and publishes it on the session's channel. A publish
// failure (e.g. Valkey unreachable) is returned to the caller rather than retried; the Session Hub treats it as a
// local-only degrade and continues serving connections on this instance.
func (b *Bus) Publish(ctx context.Context, sessionID, eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal bus event: %w", err)
	}
	payload, err := json.Marshal(envelope{Type: eventType, Data: raw})
	if err != nil {
		return fmt.Errorf("marshal bus envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelName(sessionID), payload).Err(); err != nil {
		return fmt.Errorf("publish to session %s: %w", sessionID, err)
	}
	return nil
}

// Message is a decoded event received from a session's channel.
type Message struct {
	Type string
	Data json.RawMessage
}

// Subscribe returns a subscription to the given session's channel. The caller must call Close when done. Malformed
// payloads (should not happen for anything this process published) are logged and dropped rather than delivered.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) *Subscription {
	pubsub := b.rdb.Subscribe(ctx, channelName(sessionID))
	sub := &Subscription{
		pubsub: pubsub,
		out:    make(chan Message, 64),
		log:    b.log,
	}
	go sub.run(ctx)
	return sub
}

// Subscription delivers decoded messages from one session's channel.
type Subscription struct {
	pubsub *redis.PubSub
	out    chan Message
	log    zerolog.Logger
}

// C returns the channel of decoded messages. It is closed when the subscription's context ends or Close is called.
func (s *Subscription) C() <-chan Message {
	return s.out
}

// Close unsubscribes and releases the underlying connection.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.out)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				s.log.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed bus message")
				continue
			}
			select {
			case s.out <- Message{Type: env.Type, Data: env.Data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func channelName(sessionID string) string {
	return "relay.session." + sessionID
}
