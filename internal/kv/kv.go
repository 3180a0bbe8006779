// Package kv implements the KV Backend Adapter (Component A): a
// reconnect-on-error Redis-protocol client with scripted atomic operations,
// grounded on the teacher's go-redis usage in internal/skills/redis_cache.go
// and internal/workspaces/redis_cache.go. Every multi-step mutation (publish-
// with-metrics, ack-with-metrics, atomic session backup/restore/drop) is
// expressed as a single redis.Script (EVAL) so partial failure is impossible,
// per spec.md §4.A.
package kv

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"wendao/internal/config"
	"wendao/internal/coreerr"
)

// Store is a mutex-guarded handle to a Redis-compatible backend. The handle
// is lazily established on first use, reused across calls, and rebuilt once
// on transport error before an operation is allowed to fail.
type Store struct {
	mu     sync.Mutex
	client redis.UniversalClient
	cfg    config.RedisConfig
}

// New constructs a Store. The underlying connection is established lazily on
// first command, matching the teacher's lazy-client pattern.
func New(cfg config.RedisConfig) *Store {
	return &Store{cfg: cfg}
}

func (s *Store) buildClient() redis.UniversalClient {
	opts := &redis.UniversalOptions{
		Addrs:    []string{s.cfg.Addr},
		Password: s.cfg.Password,
		DB:       s.cfg.DB,
	}
	if s.cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewUniversalClient(opts)
}

// current returns the current handle, lazily constructing one if absent.
func (s *Store) current() redis.UniversalClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		s.client = s.buildClient()
	}
	return s.client
}

// reconnect rebuilds the client handle, replacing whatever was there. Safe to
// call concurrently; callers that raced will simply rebuild twice, and the
// last write wins — mirroring the teacher's restart-on-error client pattern.
func (s *Store) reconnect() redis.UniversalClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		_ = s.client.Close()
	}
	s.client = s.buildClient()
	return s.client
}

// Close releases the underlying connection, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// isTransportErr reports whether err looks like a connection-level fault
// worth retrying after a reconnect, as opposed to a command-level error
// (e.g. WRONGTYPE) that would repeat identically on retry.
func isTransportErr(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection", "eof", "broken pipe", "reset", "timeout", "refused", "closed network"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr)
}

// withRetry runs fn against the current client; on a transport-looking error
// it reconnects exactly once and retries. A still-failing retry surfaces as a
// Storage-kind CoreError.
func (s *Store) withRetry(ctx context.Context, op string, fn func(redis.UniversalClient) error) error {
	c := s.current()
	err := fn(c)
	if err == nil || !isTransportErr(err) {
		if err != nil && !errors.Is(err, redis.Nil) {
			return coreerr.Wrap(coreerr.KindStorage, op, err)
		}
		return err
	}
	c = s.reconnect()
	if err := fn(c); err != nil {
		return coreerr.Wrap(coreerr.KindStorage, op+" (after reconnect)", err)
	}
	return nil
}

// Eval runs a Lua script atomically, retrying once after a reconnect on
// transport failure.
func (s *Store) Eval(ctx context.Context, script *redis.Script, keys []string, argv ...any) (any, error) {
	var result any
	err := s.withRetry(ctx, "eval", func(c redis.UniversalClient) error {
		v, err := script.Run(ctx, c, keys, argv...).Result()
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Get returns the value at key, or ("", false, nil) if it is absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var val string
	found := true
	err := s.withRetry(ctx, "get", func(c redis.UniversalClient) error {
		v, err := c.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		val = v
		return err
	})
	return val, found, err
}

// Set stores value at key with an optional TTL in seconds (zero means no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttlSecs int64) error {
	return s.withRetry(ctx, "set", func(c redis.UniversalClient) error {
		return c.Set(ctx, key, value, time.Duration(ttlSecs)*time.Second).Err()
	})
}

// Del removes one or more keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.withRetry(ctx, "del", func(c redis.UniversalClient) error {
		return c.Del(ctx, keys...).Err()
	})
}

// Expire sets a TTL in seconds on key.
func (s *Store) Expire(ctx context.Context, key string, ttlSecs int64) error {
	return s.withRetry(ctx, "expire", func(c redis.UniversalClient) error {
		return c.Expire(ctx, key, time.Duration(ttlSecs)*time.Second).Err()
	})
}

// RPush appends values to a list.
func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	return s.withRetry(ctx, "rpush", func(c redis.UniversalClient) error {
		args := make([]any, len(values))
		for i, v := range values {
			args[i] = v
		}
		return c.RPush(ctx, key, args...).Err()
	})
}

// LRange reads a list range.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := s.withRetry(ctx, "lrange", func(c redis.UniversalClient) error {
		v, err := c.LRange(ctx, key, start, stop).Result()
		out = v
		return err
	})
	return out, err
}

// LLen returns the length of a list.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "llen", func(c redis.UniversalClient) error {
		v, err := c.LLen(ctx, key).Result()
		n = v
		return err
	})
	return n, err
}

// LTrim caps a list to the given inclusive range (negative indices count
// from the tail, matching Redis semantics).
func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.withRetry(ctx, "ltrim", func(c redis.UniversalClient) error {
		return c.LTrim(ctx, key, start, stop).Err()
	})
}

// XAdd appends an event, capping the stream to ~maxLen entries.
func (s *Store) XAdd(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error) {
	var id string
	err := s.withRetry(ctx, "xadd", func(c redis.UniversalClient) error {
		v, err := c.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: maxLen,
			Approx: true,
			Values: values,
		}).Result()
		id = v
		return err
	})
	return id, err
}

// XGroupCreateMkStream ensures a consumer group exists, creating the stream
// if needed. BUSYGROUP (group already exists) is treated as success.
func (s *Store) XGroupCreateMkStream(ctx context.Context, stream, group, start string) error {
	return s.withRetry(ctx, "xgroup create", func(c redis.UniversalClient) error {
		err := c.XGroupCreateMkStream(ctx, stream, group, start).Err()
		if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	})
}

// XReadGroup reads up to count entries for a consumer, blocking for blockMs
// (0 = non-blocking) on the given stream id ("0" for backlog, ">" for new).
func (s *Store) XReadGroup(ctx context.Context, group, consumer, stream, id string, count int64, blockMs int64) ([]redis.XStream, error) {
	var out []redis.XStream
	err := s.withRetry(ctx, "xreadgroup", func(c redis.UniversalClient) error {
		args := &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, id},
			Count:    count,
		}
		if blockMs > 0 {
			args.Block = time.Duration(blockMs) * time.Millisecond
		}
		v, err := c.XReadGroup(ctx, args).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		out = v
		return err
	})
	return out, err
}

// XAck acknowledges one or more stream entries.
func (s *Store) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "xack", func(c redis.UniversalClient) error {
		v, err := c.XAck(ctx, stream, group, ids...).Result()
		n = v
		return err
	})
	return n, err
}

// ZAdd sets member's score in a sorted set, creating it if absent.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.withRetry(ctx, "zadd", func(c redis.UniversalClient) error {
		return c.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

// ZRangeWithScores returns a sorted set's members and scores, ascending.
func (s *Store) ZRangeWithScores(ctx context.Context, key string) ([]redis.Z, error) {
	var out []redis.Z
	err := s.withRetry(ctx, "zrange", func(c redis.UniversalClient) error {
		v, err := c.ZRangeWithScores(ctx, key, 0, -1).Result()
		out = v
		return err
	})
	return out, err
}

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.withRetry(ctx, "sadd", func(c redis.UniversalClient) error {
		return c.SAdd(ctx, key, args...).Err()
	})
}

// SMembers returns every member of a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.withRetry(ctx, "smembers", func(c redis.UniversalClient) error {
		v, err := c.SMembers(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

// HIncrBy increments a hash field by delta and returns the new value.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "hincrby", func(c redis.UniversalClient) error {
		v, err := c.HIncrBy(ctx, key, field, delta).Result()
		n = v
		return err
	})
	return n, err
}

// NewScript wraps redis.NewScript for callers that need a custom atomic op.
func NewScript(src string) *redis.Script { return redis.NewScript(src) }

// Key builds a namespaced key, grounded on the teacher's
// "skills:%s:%s:%d:prompt"-style fmt.Sprintf key conventions.
func Key(prefix string, parts ...string) string {
	b := strings.Builder{}
	b.WriteString(prefix)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}
