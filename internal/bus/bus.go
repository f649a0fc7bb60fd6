// Package bus provides the Redis-backed event bus shared by the orchestrator,
// the call pipelines, and the stasis broker.
//
// The bus carries four kinds of state:
//
//   - fire-and-forget pub/sub messages (call lifecycle, transfer events)
//   - expiring key/value entries (transfer contexts, idempotence markers)
//   - sorted sets (delayed jobs, sliding-window samples)
//   - atomic counters (in-flight call gauges)
//
// Multi-step read/modify/write sequences that must be atomic across
// orchestrator replicas run as Lua scripts via Eval.
//
// All methods are safe for concurrent use.
package bus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("bus: key not found")

// Config holds the Redis connection settings for the bus.
type Config struct {
	// Addr is the Redis server address in host:port form.
	Addr string `yaml:"addr"`

	// Password authenticates against Redis. Empty for unauthenticated servers.
	Password string `yaml:"password"`

	// DB is the Redis logical database number.
	DB int `yaml:"db"`
}

// Bus is the shared event bus. It wraps a single Redis client that is also
// handed to the pulse job queue and replicated maps, so every coordination
// primitive in the process shares one connection pool.
type Bus struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	if cfg.Addr == "" {
		return nil, errors.New("bus: addr must not be empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: ping %s: %w", cfg.Addr, err)
	}
	return &Bus{rdb: rdb}, nil
}

// NewWithClient wraps an existing Redis client. Used by tests and by
// components that already hold a configured client.
func NewWithClient(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// Client exposes the underlying Redis client for subsystems built on the same
// connection (pulse streams, replicated maps, the worker pool).
func (b *Bus) Client() *redis.Client { return b.rdb }

// Close releases the underlying connection pool.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// ─── Pub/Sub ────────────────────────────────────────────────────────────────

// Message is a single pub/sub delivery.
type Message struct {
	// Channel is the channel the message arrived on.
	Channel string

	// Payload is the raw message body.
	Payload []byte
}

// Subscription is an active pub/sub subscription. Close it to release the
// underlying Redis subscriber connection.
type Subscription struct {
	pubsub *redis.PubSub
	ch     chan Message
}

// Messages returns the delivery channel. It is closed when the subscription
// is closed or the context passed to Subscribe is cancelled.
func (s *Subscription) Messages() <-chan Message { return s.ch }

// Close terminates the subscription.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Publish sends payload to every subscriber of channel. Delivery is
// best-effort: subscribers that are not connected at publish time miss the
// message.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription to one or more channels. The returned
// Subscription's Messages channel emits deliveries until Close is called or
// ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	if len(channels) == 0 {
		return nil, errors.New("bus: subscribe requires at least one channel")
	}
	pubsub := b.rdb.Subscribe(ctx, channels...)
	// Force the subscription to be established before returning so callers
	// can publish immediately after.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("bus: subscribe %v: %w", channels, err)
	}

	sub := &Subscription{
		pubsub: pubsub,
		ch:     make(chan Message, 64),
	}
	go func() {
		defer close(sub.ch)
		src := pubsub.Channel()
		for {
			select {
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case sub.ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub, nil
}

// ─── Key/value with TTL ─────────────────────────────────────────────────────

// Set stores value under key with the given TTL. A zero ttl stores the key
// without expiry.
func (b *Bus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("bus: set %s: %w", key, err)
	}
	return nil
}

// SetNX stores value under key only if the key does not already exist.
// Returns true if the value was stored. Used for idempotence markers.
func (b *Bus) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("bus: setnx %s: %w", key, err)
	}
	return ok, nil
}

// Get retrieves the value stored under key. Returns ErrNotFound if the key
// does not exist.
func (b *Bus) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := b.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bus: get %s: %w", key, err)
	}
	return val, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *Bus) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("bus: delete %v: %w", keys, err)
	}
	return nil
}

// Expire resets the TTL on an existing key.
func (b *Bus) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := b.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("bus: expire %s: %w", key, err)
	}
	return nil
}

// ─── Counters ───────────────────────────────────────────────────────────────

// Incr atomically increments the integer stored at key and returns the new
// value. Missing keys start at zero.
func (b *Bus) Incr(ctx context.Context, key string) (int64, error) {
	n, err := b.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("bus: incr %s: %w", key, err)
	}
	return n, nil
}

// Decr atomically decrements the integer stored at key and returns the new
// value.
func (b *Bus) Decr(ctx context.Context, key string) (int64, error) {
	n, err := b.rdb.Decr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("bus: decr %s: %w", key, err)
	}
	return n, nil
}

// GetInt reads the integer stored at key. Missing keys read as zero.
func (b *Bus) GetInt(ctx context.Context, key string) (int64, error) {
	n, err := b.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("bus: getint %s: %w", key, err)
	}
	return n, nil
}

// ─── Sorted sets ────────────────────────────────────────────────────────────

// ZMember pairs a sorted-set member with its score.
type ZMember struct {
	Score  float64
	Member string
}

// ZAdd adds members to the sorted set at key.
func (b *Bus) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	if err := b.rdb.ZAdd(ctx, key, zs...).Err(); err != nil {
		return fmt.Errorf("bus: zadd %s: %w", key, err)
	}
	return nil
}

// ZRangeByScore returns the members of key with scores in [min, max],
// ordered by score.
func (b *Bus) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	vals, err := b.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: zrangebyscore %s: %w", key, err)
	}
	return vals, nil
}

// ZRemRangeByScore removes members of key with scores in [min, max] and
// returns how many were removed.
func (b *Bus) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := b.rdb.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, fmt.Errorf("bus: zremrangebyscore %s: %w", key, err)
	}
	return n, nil
}

// ZRem removes specific members from the sorted set at key.
func (b *Bus) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := b.rdb.ZRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("bus: zrem %s: %w", key, err)
	}
	return nil
}

// ZCard returns the cardinality of the sorted set at key.
func (b *Bus) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := b.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("bus: zcard %s: %w", key, err)
	}
	return n, nil
}

// formatScore renders a score the way the Redis range commands expect,
// mapping infinities to -inf/+inf.
func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}

// ─── Lua scripts ────────────────────────────────────────────────────────────

// Script is a registered Lua script, executed with EVALSHA and transparently
// re-uploaded when the server has evicted it.
type Script struct {
	s *redis.Script
}

// NewScript registers a Lua script for later evaluation.
func NewScript(src string) *Script {
	return &Script{s: redis.NewScript(src)}
}

// Eval runs the script atomically on the server.
func (b *Bus) Eval(ctx context.Context, script *Script, keys []string, args ...any) (any, error) {
	res, err := script.s.Run(ctx, b.rdb, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("bus: eval: %w", err)
	}
	return res, nil
}
