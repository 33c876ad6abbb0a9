// Package redisreplay backs the replay store with Redis Streams so a
// reconnecting peer can resume against any node that shares the Redis
// deployment. Each channel maps to one stream key trimmed to a bounded
// length with XADD MAXLEN.
package redisreplay

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/sse-server-go/replay"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SSE_REPLAY_KEY_PREFIX
	KeyPrefix string `env:"SSE_REPLAY_KEY_PREFIX,default=sse:replay:"`
	// MaxPerChannel bounds each channel's retained tail. ENV: SSE_REPLAY_MAX
	MaxPerChannel int64 `env:"SSE_REPLAY_MAX,default=1000"`
}

// Store implements replay.Store over Redis Streams.
type Store struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sse:replay:"
	}
	maxLen := cfg.MaxPerChannel
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &Store{client: cl, keyPrefix: prefix, maxLen: maxLen}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) channelKey(channel string) string { return s.keyPrefix + "channel:" + channel }

func (s *Store) Append(ctx context.Context, channel string, ev replay.Event) error {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.channelKey(channel),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id": ev.ID,
			"n":  ev.Name,
			"d":  ev.Data,
			"t":  ev.CreatedAt.UnixMilli(),
		},
	}).Err()
}

func (s *Store) Replay(ctx context.Context, channel string, afterID string, fn func(replay.Event) error) error {
	after := int64(-1)
	if afterID != "" {
		n, err := strconv.ParseInt(afterID, 10, 64)
		if err != nil {
			return nil
		}
		after = n
	}

	msgs, err := s.client.XRange(ctx, s.channelKey(channel), "-", "+").Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("xrange %s: %w", channel, err)
	}
	for _, m := range msgs {
		ev, ok := decode(m.Values)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(ev.ID, 10, 64)
		if err != nil || n <= after {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Drop(ctx context.Context, channel string) error {
	// Best-effort delete; missing keys are fine.
	c := context.WithoutCancel(ctx)
	_, err := s.client.Del(c, s.channelKey(channel)).Result()
	return err
}

func decode(values map[string]interface{}) (replay.Event, bool) {
	ev := replay.Event{}
	id, ok := asString(values["id"])
	if !ok || id == "" {
		return ev, false
	}
	ev.ID = id
	ev.Name, _ = asString(values["n"])
	ev.Data, _ = asString(values["d"])
	if ts, ok := asString(values["t"]); ok {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			ev.CreatedAt = time.UnixMilli(ms)
		}
	}
	return ev, true
}

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}

var _ replay.Store = (*Store)(nil)
