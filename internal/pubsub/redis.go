// Package pubsub relays chatsession wire messages between server
// instances over Redis, for the case where the two peers in a session
// are connected to different instances behind a load balancer. It also
// tracks which instance currently holds a peer's connection.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jaydenbeard/peerlink/internal/models"
	"github.com/redis/go-redis/v9"
)

// presenceTTL bounds how long a stale presence entry survives an
// instance crashing without unregistering; RegisterConnection refreshes
// it on every successful connect and the relay hub's heartbeat could
// extend it further if one is added later.
const presenceTTL = 2 * time.Minute

// relayChannelPrefix namespaces the per-instance pub/sub channel an
// envelope destined for a peer connected elsewhere is published to.
const relayChannelPrefix = "chatrelay:envelopes:"

// RedisClient wraps the Redis connection used for cross-instance
// envelope relay and peer presence tracking.
type RedisClient struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisClient dials Redis with optional password auth from
// REDIS_PASSWORD and verifies connectivity with a ping.
func NewRedisClient(addr string) (*RedisClient, error) {
	password := os.Getenv("REDIS_PASSWORD")

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisClient{client: client, ctx: ctx}, nil
}

// GetClient returns the underlying client for callers (e.g. AuthService,
// rate limiting) that need direct Redis access outside the relay.
func (r *RedisClient) GetClient() *redis.Client {
	return r.client
}

// Close closes the connection pool.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

func presenceKey(peerID string) string {
	return "presence:" + peerID
}

// RegisterConnection records that peerID is now connected to serverID,
// so a different instance routing an envelope to peerID knows which
// channel to publish it on.
func (r *RedisClient) RegisterConnection(peerID, serverID string) error {
	if err := r.client.Set(r.ctx, presenceKey(peerID), serverID, presenceTTL).Err(); err != nil {
		return fmt.Errorf("register presence for peer %s: %w", peerID, err)
	}
	return nil
}

// UnregisterConnection clears a peer's presence entry if it still
// points at serverID (avoids a race where a peer reconnected to a
// different instance before this one noticed the drop).
func (r *RedisClient) UnregisterConnection(peerID, serverID string) error {
	current, err := r.client.Get(r.ctx, presenceKey(peerID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check presence for peer %s: %w", peerID, err)
	}
	if current != serverID {
		return nil
	}
	return r.client.Del(r.ctx, presenceKey(peerID)).Err()
}

// LookupServer returns which instance currently holds peerID's
// connection, if any.
func (r *RedisClient) LookupServer(peerID string) (serverID string, found bool, err error) {
	val, err := r.client.Get(r.ctx, presenceKey(peerID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup presence for peer %s: %w", peerID, err)
	}
	return val, true, nil
}

// PublishEnvelope looks up which instance currently holds env.To and
// publishes the envelope to that instance's channel. If no instance
// currently has the peer connected, the envelope is dropped — there is
// no offline-message store, per the non-goal on persistent history.
func (r *RedisClient) PublishEnvelope(env *models.Envelope) error {
	serverID, found, err := r.LookupServer(env.To)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope for relay: %w", err)
	}

	if err := r.client.Publish(r.ctx, relayChannelPrefix+serverID, data).Err(); err != nil {
		return fmt.Errorf("publish envelope to %s: %w", serverID, err)
	}
	return nil
}

// SubscribeEnvelopes blocks consuming this instance's relay channel,
// invoking deliver for every envelope received, until the subscription
// errors or the context backing the client is done.
func (r *RedisClient) SubscribeEnvelopes(serverID string, deliver func(*models.Envelope)) error {
	sub := r.client.Subscribe(r.ctx, relayChannelPrefix+serverID)
	defer func() {
		if err := sub.Close(); err != nil {
			log.Printf("pubsub: error closing relay subscription: %v", err)
		}
	}()

	ch := sub.Channel()
	for msg := range ch {
		var env models.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Printf("pubsub: discarding malformed relayed envelope: %v", err)
			continue
		}
		deliver(&env)
	}
	return fmt.Errorf("relay subscription channel closed for server %s", serverID)
}
