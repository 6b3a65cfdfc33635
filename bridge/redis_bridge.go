// Package bridge links relay instances through Redis pub/sub so clients
// connected to different relay processes see one shared stream of lines.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/go-relay/logger"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "relay:lines"

// Config holds the Redis connection settings of a bridge.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// envelope is the payload published on the channel. Origin identifies the
// publishing instance so it can skip its own lines.
type envelope struct {
	Origin string `json:"origin"`
	Line   string `json:"line"`
}

// RedisBridge publishes relayed lines to a Redis channel and delivers lines
// published there by other instances.
type RedisBridge struct {
	client     *redis.Client
	channel    string
	origin     string
	logger     logger.Logger
	ownsClient bool
}

// NewRedisBridge creates a bridge over an existing client. Each bridge gets
// a random origin id.
//
// Parameters:
//   - client: The Redis client; the caller keeps ownership
//   - channel: The pub/sub channel; empty means DefaultChannel
//   - l: Logger for malformed payloads; may be nil
//
// Returns:
//   - A new RedisBridge
func NewRedisBridge(client *redis.Client, channel string, l logger.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}

	if l == nil {
		l = logger.NewNopLogger()
	}

	origin := uuid.NewString()
	return &RedisBridge{
		client:  client,
		channel: channel,
		origin:  origin,
		logger:  l.With(logger.F("bridge", channel), logger.F("origin", origin)),
	}
}

// Connect creates a client from cfg, checks the server is reachable and
// returns a bridge owning that client.
//
// Parameters:
//   - ctx: Bounds the initial ping
//   - cfg: Connection settings
//   - l: Logger; may be nil
//
// Returns:
//   - The bridge, or an error if Redis cannot be reached
func Connect(ctx context.Context, cfg Config, l logger.Logger) (*RedisBridge, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis bridge ping %s: %w", cfg.Addr, err)
	}

	b := NewRedisBridge(client, cfg.Channel, l)
	b.ownsClient = true
	return b, nil
}

// Origin returns the id stamped on lines published by this bridge.
func (b *RedisBridge) Origin() string {
	return b.origin
}

// Channel returns the pub/sub channel name.
func (b *RedisBridge) Channel() string {
	return b.channel
}

// Publish sends msg to the other instances.
func (b *RedisBridge) Publish(ctx context.Context, msg []byte) error {
	payload, err := json.Marshal(envelope{Origin: b.origin, Line: string(msg)})
	if err != nil {
		return fmt.Errorf("encode bridge payload: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}

	return nil
}

// Subscribe calls deliver for every line published by other instances until
// ctx is cancelled. Lines published by this bridge are skipped.
//
// Parameters:
//   - ctx: Cancelling it ends the subscription
//   - deliver: Called sequentially, in channel order
//
// Returns:
//   - nil once ctx is cancelled, or an error if subscribing fails
func (b *RedisBridge) Subscribe(ctx context.Context, deliver func(msg []byte)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() {
		_ = sub.Close()
	}()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}

			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed bridge payload", logger.Err(err))
				continue
			}

			if env.Origin == b.origin {
				continue
			}

			deliver([]byte(env.Line))
		}
	}
}

// Close closes the Redis client if the bridge created it.
func (b *RedisBridge) Close() error {
	if !b.ownsClient {
		return nil
	}

	return b.client.Close()
}
