// Package kv provides a typed wrapper over a Redis-compatible store,
// exposing the string/set/list/sorted-set/pub-sub/script/scan primitives
// spec.md §4.A requires. It is the sole point of contact between the core
// and the KV store; every other package depends on Coordinator, never on
// *redis.Client directly, so that connection handling, retry, and error
// classification stay in one place.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dialcore/campaign-core/coreerrors"
)

// Coordinator wraps a redis.Cmdable (either a standalone *redis.Client or a
// *redis.ClusterClient) and classifies connectivity failures as
// coreerrors.KVUnavailable so callers can apply the retry/circuit policy
// from spec.md §7 uniformly.
//
// EnsureConnection follows the teacher's double-checked-locking idiom
// (pkg/cache/redis-style client referenced in the retrieval pack's
// redis_client_test.go): the fast path after the first successful ping is a
// single atomic load.
type Coordinator struct {
	client    redis.Cmdable
	connected atomic.Bool
}

// New wraps an already-configured redis.Cmdable. Callers own the
// client's lifecycle (Close).
func New(client redis.Cmdable) *Coordinator {
	return &Coordinator{client: client}
}

// Client returns the underlying redis.Cmdable for callers (e.g.
// goa.design/pulse/rmap.Join, pulse/pool.AddNode) that need a *redis.Client
// directly. Pulse's rmap/pool primitives require a concrete *redis.Client,
// so production wiring constructs Coordinator from the same client it hands
// to Pulse.
func (c *Coordinator) Client() redis.Cmdable { return c.client }

// EnsureConnection verifies connectivity, memoizing success so repeated
// calls on the hot path cost a single atomic load.
func (c *Coordinator) EnsureConnection(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return coreerrors.KVUnavailablef("kv.EnsureConnection", err)
	}
	c.connected.Store(true)
	return nil
}

func (c *Coordinator) classify(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	c.connected.Store(false)
	return coreerrors.KVUnavailablef(op, err)
}

// --- strings ---

func (c *Coordinator) Get(ctx context.Context, key string) (string, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, c.classify("kv.Get", err)
}

func (c *Coordinator) Set(ctx context.Context, key, value string) error {
	return c.classify("kv.Set", c.client.Set(ctx, key, value, 0).Err())
}

func (c *Coordinator) SetEX(ctx context.Context, key, value string, ttlSeconds int64) error {
	return c.classify("kv.SetEX", c.client.Set(ctx, key, value, time.Duration(ttlSeconds)*time.Second).Err())
}

func (c *Coordinator) Incr(ctx context.Context, key string) (int64, error) {
	v, err := c.client.Incr(ctx, key).Result()
	return v, c.classify("kv.Incr", err)
}

func (c *Coordinator) Decr(ctx context.Context, key string) (int64, error) {
	v, err := c.client.Decr(ctx, key).Result()
	return v, c.classify("kv.Decr", err)
}

func (c *Coordinator) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.classify("kv.Del", c.client.Del(ctx, keys...).Err())
}

func (c *Coordinator) TTL(ctx context.Context, key string) (int64, error) {
	d, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, c.classify("kv.TTL", err)
	}
	if d < 0 {
		// go-redis reports an absent key as -2 and a key without expiry as
		// -1 as raw Durations; pass those sentinels through unconverted.
		return int64(d), nil
	}
	return int64(d.Seconds()), nil
}

func (c *Coordinator) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	return n > 0, c.classify("kv.Exists", err)
}

// --- sets ---

func (c *Coordinator) SAdd(ctx context.Context, key string, members ...string) error {
	return c.classify("kv.SAdd", c.client.SAdd(ctx, key, toAny(members)...).Err())
}

func (c *Coordinator) SRem(ctx context.Context, key string, members ...string) error {
	return c.classify("kv.SRem", c.client.SRem(ctx, key, toAny(members)...).Err())
}

func (c *Coordinator) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := c.client.SMembers(ctx, key).Result()
	return v, c.classify("kv.SMembers", err)
}

func (c *Coordinator) SCard(ctx context.Context, key string) (int64, error) {
	v, err := c.client.SCard(ctx, key).Result()
	return v, c.classify("kv.SCard", err)
}

// --- lists ---

func (c *Coordinator) LPush(ctx context.Context, key string, value string) error {
	return c.classify("kv.LPush", c.client.LPush(ctx, key, value).Err())
}

func (c *Coordinator) RPush(ctx context.Context, key string, value string) error {
	return c.classify("kv.RPush", c.client.RPush(ctx, key, value).Err())
}

func (c *Coordinator) LPop(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	return v, true, c.classify("kv.LPop", err)
}

func (c *Coordinator) RPop(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	return v, true, c.classify("kv.RPop", err)
}

func (c *Coordinator) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := c.client.LRange(ctx, key, start, stop).Result()
	return v, c.classify("kv.LRange", err)
}

func (c *Coordinator) LRem(ctx context.Context, key string, count int64, value string) error {
	return c.classify("kv.LRem", c.client.LRem(ctx, key, count, value).Err())
}

func (c *Coordinator) LLen(ctx context.Context, key string) (int64, error) {
	v, err := c.client.LLen(ctx, key).Result()
	return v, c.classify("kv.LLen", err)
}

// --- sorted sets ---

func (c *Coordinator) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.classify("kv.ZAdd", c.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (c *Coordinator) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := c.client.ZRange(ctx, key, start, stop).Result()
	return v, c.classify("kv.ZRange", err)
}

func (c *Coordinator) ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error) {
	v, err := c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	return v, c.classify("kv.ZRangeByScore", err)
}

func (c *Coordinator) ZRem(ctx context.Context, key string, member string) error {
	return c.classify("kv.ZRem", c.client.ZRem(ctx, key, member).Err())
}

func (c *Coordinator) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	v, err := c.client.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	return v, true, c.classify("kv.ZScore", err)
}

func (c *Coordinator) ZCard(ctx context.Context, key string) (int64, error) {
	v, err := c.client.ZCard(ctx, key).Result()
	return v, c.classify("kv.ZCard", err)
}

// --- pub/sub ---

func (c *Coordinator) Publish(ctx context.Context, channel, payload string) error {
	return c.classify("kv.Publish", c.client.Publish(ctx, channel, payload).Err())
}

// Subscriber abstracts the pub/sub client needed to receive messages; it is
// satisfied by *redis.PubSub's Channel() method via the PubSub wrapper
// below.
type Subscriber interface {
	Channel(...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// Subscribe opens a subscription on channel. The underlying *redis.Client
// is required (cluster pub/sub fans out per-node, which is acceptable here
// since every subscriber only needs liveness signal, not message content).
func (c *Coordinator) Subscribe(ctx context.Context, channel string) (Subscriber, error) {
	sub, ok := c.client.(interface {
		Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	})
	if !ok {
		return nil, fmt.Errorf("kv.Subscribe: underlying client does not support pub/sub")
	}
	return sub.Subscribe(ctx, channel), nil
}

// PSubscribe opens a pattern subscription, used by the waitlist promoter to
// receive slot-available events across every campaign with one
// subscription ("campaign:*:slot-available") instead of one per campaign.
func (c *Coordinator) PSubscribe(ctx context.Context, pattern string) (Subscriber, error) {
	sub, ok := c.client.(interface {
		PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
	})
	if !ok {
		return nil, fmt.Errorf("kv.PSubscribe: underlying client does not support pub/sub")
	}
	return sub.PSubscribe(ctx, pattern), nil
}

// --- scan / unlink ---

// Scan iterates all keys matching match across cluster masters (a single
// pass for standalone Redis), invoking fn for each batch. fn returning
// false stops iteration early.
func (c *Coordinator) Scan(ctx context.Context, match string, count int64, fn func(keys []string) bool) error {
	scanner, ok := c.client.(interface {
		Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	})
	if !ok {
		return fmt.Errorf("kv.Scan: underlying client does not support SCAN")
	}
	var cursor uint64
	for {
		keys, next, err := scanner.Scan(ctx, cursor, match, count).Result()
		if err != nil {
			return c.classify("kv.Scan", err)
		}
		if len(keys) > 0 && !fn(keys) {
			return nil
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Unlink performs a non-blocking delete of the given keys.
func (c *Coordinator) Unlink(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.classify("kv.Unlink", c.client.Unlink(ctx, keys...).Err())
}

// --- scripts ---

// Script wraps a compiled Lua script for atomic multi-key execution.
type Script struct {
	script *redis.Script
}

// NewScript compiles src into a reusable Script. Scripts are the only
// mechanism by which this core mutates more than one KV key atomically;
// see package concurrency and package waitlist for the concrete scripts.
func NewScript(src string) *Script {
	return &Script{script: redis.NewScript(src)}
}

// Run executes the script against keys/args, classifying connectivity
// failures uniformly with every other Coordinator method.
func (c *Coordinator) Run(ctx context.Context, s *Script, keys []string, args ...any) (any, error) {
	v, err := s.script.Run(ctx, c.client, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, c.classify("kv.Run", err)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
