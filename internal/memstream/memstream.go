// Package memstream implements the Memory Stream Consumer (Component G): a
// Redis Streams consumer-group loop with atomic ack+metrics, grounded on
// original_source/.../omni-agent/src/memory_stream_consumer.rs for the exact
// backoff/classification constants and on the teacher's
// internal/skills/redis_cache.go for go-redis usage conventions. Built
// directly on internal/kv's XReadGroup/XGroupCreateMkStream/AckWithMetrics.
package memstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"wendao/internal/coreerr"
	"wendao/internal/kv"
	"wendao/internal/observability"
)

const (
	reconnectBackoffMs             = 500
	maxReconnectBackoffMs          = 30_000
	responseTimeoutGraceMs         = 500
	repeatedFailureSurfaceInterval = 8
)

// Config tunes one consumer-group loop.
type Config struct {
	StreamKey            string
	ConsumerGroup        string
	ConsumerNamePrefix   string
	BatchSize            int64
	BlockMs              int64
	MetricsGlobalKey     string
	MetricsSessionPrefix string
	TTLSecs              int64
}

// Event is one delivered stream entry, per spec.md §3 Memory Stream Event.
type Event struct {
	ID        string
	Kind      string
	SessionID string
	Fields    map[string]string
}

// Handler processes one event. A non-nil error leaves the event un-acked so
// it is redelivered to this consumer group on the next read of the pending
// backlog ("0"), preserving at-least-once delivery.
type Handler func(ctx context.Context, ev Event) error

// Consumer runs the XADD/XREADGROUP/XACK loop against a kv.Store.
type Consumer struct {
	store *kv.Store
	cfg   Config
	name  string
}

// New constructs a Consumer with a unique per-process consumer name
// ("{prefix}-{pid}-{now_ms}"), matching build_consumer_name.
func New(store *kv.Store, cfg Config) *Consumer {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BlockMs < 1 {
		cfg.BlockMs = 1
	}
	prefix := cfg.ConsumerNamePrefix
	if prefix == "" {
		prefix = "agent"
	}
	name := fmt.Sprintf("%s-%d-%d", prefix, os.Getpid(), time.Now().UnixMilli())
	return &Consumer{store: store, cfg: cfg, name: name}
}

// Name returns this consumer's unique identity within its group.
func (c *Consumer) Name() string { return c.name }

// Run loops until ctx is cancelled, connecting, ensuring the consumer group,
// and dispatching events to handler. Connection-generation failures use
// exponential backoff with repeated-failure log suppression, matching
// memory_stream_consumer.rs's run_consumer_loop.
func (c *Consumer) Run(ctx context.Context, handler Handler) {
	var ensureGroupStreak, readStreak uint32

	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.store.XGroupCreateMkStream(ctx, c.cfg.StreamKey, c.cfg.ConsumerGroup, "0"); err != nil {
			ensureGroupStreak++
			c.logFailure(ctx, ensureGroupStreak, "ensure_consumer_group_failed", err)
			if !sleepBackoff(ctx, computeRetryBackoffMs(reconnectBackoffMs, ensureGroupStreak)) {
				return
			}
			continue
		}
		ensureGroupStreak = 0

		readPending := true
	innerLoop:
		for {
			if ctx.Err() != nil {
				return
			}
			streamID := ">"
			blockMs := c.cfg.BlockMs
			if readPending {
				streamID = "0"
				blockMs = 0
			}

			readCtx, cancel := context.WithTimeout(ctx, responseTimeout(blockMs))
			streams, err := c.store.XReadGroup(readCtx, c.cfg.ConsumerGroup, c.name, c.cfg.StreamKey, streamID, c.cfg.BatchSize, blockMs)
			cancel()
			if err != nil {
				readStreak++
				kind := classifyStreamReadErr(err)
				c.logFailure(ctx, readStreak, "read_failed:"+string(kind), err)
				switch kind {
				case errMissingConsumerGroup:
					if ensureErr := c.store.XGroupCreateMkStream(ctx, c.cfg.StreamKey, c.cfg.ConsumerGroup, "0"); ensureErr == nil {
						readPending = true
						if !sleepBackoff(ctx, computeRetryBackoffMs(reconnectBackoffMs, readStreak)) {
							return
						}
						continue innerLoop
					}
				}
				break innerLoop
			}
			readStreak = 0

			if len(streams) == 0 {
				if readPending {
					readPending = false
					continue innerLoop
				}
				continue innerLoop
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					ev := toEvent(msg.ID, msg.Values)
					if handler != nil {
						if err := handler(ctx, ev); err != nil {
							readStreak++
							c.logFailure(ctx, readStreak, "handler_failed:"+ev.ID, err)
							continue
						}
					}
					if _, err := c.store.AckWithMetrics(ctx, c.cfg.StreamKey, c.cfg.ConsumerGroup, c.cfg.MetricsGlobalKey, c.sessionMetricsKey(ev.SessionID), ev.ID, ev.Kind, c.cfg.TTLSecs); err != nil {
						readStreak++
						c.logFailure(ctx, readStreak, "ack_failed:"+ev.ID, err)
					}
				}
			}
		}

		backoff := computeRetryBackoffMs(reconnectBackoffMs, maxu32(readStreak, 1))
		if !sleepBackoff(ctx, backoff) {
			return
		}
	}
}

func (c *Consumer) sessionMetricsKey(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	return c.cfg.MetricsSessionPrefix + sessionID
}

func (c *Consumer) logFailure(ctx context.Context, streak uint32, reason string, err error) {
	log := observability.LoggerWithTrace(ctx)
	if shouldSurfaceRepeatedFailure(streak) {
		log.Warn().Str("stream", c.cfg.StreamKey).Str("consumer_group", c.cfg.ConsumerGroup).
			Str("consumer", c.name).Uint32("failure_streak", streak).Str("reason", reason).Err(err).
			Msg("memory_stream_consumer_failure")
	} else {
		log.Trace().Str("stream", c.cfg.StreamKey).Str("reason", reason).Uint32("failure_streak", streak).Err(err).
			Msg("memory_stream_consumer_failure")
	}
}

// shouldSurfaceRepeatedFailure warns on the first failure, then only every
// repeatedFailureSurfaceInterval-th occurrence, matching the Rust helper
// should_surface_repeated_failure.
func shouldSurfaceRepeatedFailure(streak uint32) bool {
	if streak <= 1 {
		return true
	}
	return streak%repeatedFailureSurfaceInterval == 0
}

func toEvent(id string, values map[string]any) Event {
	ev := Event{ID: id, Fields: make(map[string]string, len(values))}
	for k, v := range values {
		s := fmt.Sprintf("%v", v)
		ev.Fields[k] = s
		switch k {
		case "kind":
			ev.Kind = s
		case "session_id":
			ev.SessionID = strings.TrimSpace(s)
		}
	}
	if ev.Kind == "" {
		ev.Kind = "unknown"
	}
	return ev
}

type streamErrKind string

const (
	errMissingConsumerGroup streamErrKind = "missing_consumer_group"
	errTransport            streamErrKind = "transport"
	errOther                streamErrKind = "other"
)

// classifyStreamReadErr mirrors classify_stream_read_error: NOGROUP first,
// then a transport-marker substring scan, else Other.
func classifyStreamReadErr(err error) streamErrKind {
	msg := strings.ToUpper(err.Error())
	var ce *coreerr.CoreError
	if errors.As(err, &ce) && ce.Err != nil {
		msg = strings.ToUpper(msg + ": " + ce.Err.Error())
	}
	if strings.Contains(msg, "NOGROUP") {
		return errMissingConsumerGroup
	}
	for _, marker := range []string{"CONNECTION", "BROKEN PIPE", "RESET BY PEER", "TIMED OUT", "TIMEOUT", "IO ERROR", "SOCKET", "EOF"} {
		if strings.Contains(msg, marker) {
			return errTransport
		}
	}
	return errOther
}

// computeRetryBackoffMs doubles per failure streak past the first, clamped
// to maxReconnectBackoffMs.
func computeRetryBackoffMs(baseMs uint64, streak uint32) uint64 {
	if streak <= 1 {
		if baseMs < 1 {
			return 1
		}
		return baseMs
	}
	shift := streak - 1
	if shift > 12 {
		shift = 12
	}
	v := baseMs * (uint64(1) << shift)
	if v > maxReconnectBackoffMs {
		return maxReconnectBackoffMs
	}
	return v
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// sleepBackoff sleeps for ms milliseconds, returning false if ctx is
// cancelled first (in which case the caller should stop the loop).
func sleepBackoff(ctx context.Context, ms uint64) bool {
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// responseTimeout returns block_ms + grace, the deadline a caller may use
// when wiring a context.WithTimeout around a single XReadGroup call.
func responseTimeout(blockMs int64) time.Duration {
	if blockMs < 1 {
		blockMs = 1
	}
	return time.Duration(blockMs+responseTimeoutGraceMs) * time.Millisecond
}
