package memstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"wendao/internal/config"
	"wendao/internal/kv"
)

func newTestStore(t *testing.T) *kv.Store {
	t.Helper()
	srv := miniredis.RunT(t)
	return kv.New(config.RedisConfig{Addr: srv.Addr()})
}

func TestConsumerProcessesAndAcksEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.XAdd(ctx, "stream1", 1000, map[string]any{"kind": "turn", "session_id": "sess-1"})
	require.NoError(t, err)

	cfg := Config{
		StreamKey:            "stream1",
		ConsumerGroup:        "g1",
		ConsumerNamePrefix:   "test",
		BatchSize:            10,
		BlockMs:              50,
		MetricsGlobalKey:     "metrics:global",
		MetricsSessionPrefix: "metrics:sess:",
	}
	c := New(store, cfg)
	require.Contains(t, c.Name(), "test-")

	var mu sync.Mutex
	var seen []Event
	handler := func(_ context.Context, ev Event) error {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Run(runCtx, handler)
		close(done)
	}()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	require.Equal(t, id, seen[0].ID)
	require.Equal(t, "turn", seen[0].Kind)
	require.Equal(t, "sess-1", seen[0].SessionID)

	processed, err := store.HIncrBy(ctx, "metrics:global", "processed_total", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), processed)
}

func TestToEventDefaultsKindToUnknown(t *testing.T) {
	ev := toEvent("1-1", map[string]any{"session_id": "s"})
	require.Equal(t, "unknown", ev.Kind)
	require.Equal(t, "s", ev.SessionID)
}

func TestClassifyStreamReadErrNogroup(t *testing.T) {
	err := fakeErr("NOGROUP No such key or consumer group")
	require.Equal(t, errMissingConsumerGroup, classifyStreamReadErr(err))
}

func TestClassifyStreamReadErrTransport(t *testing.T) {
	err := fakeErr("read: connection reset by peer")
	require.Equal(t, errTransport, classifyStreamReadErr(err))
}

func TestClassifyStreamReadErrOther(t *testing.T) {
	err := fakeErr("WRONGTYPE Operation against a key holding the wrong kind of value")
	require.Equal(t, errOther, classifyStreamReadErr(err))
}

func TestComputeRetryBackoffMsClampsAndDoubles(t *testing.T) {
	require.Equal(t, uint64(500), computeRetryBackoffMs(500, 1))
	require.Equal(t, uint64(1000), computeRetryBackoffMs(500, 2))
	require.Equal(t, uint64(2000), computeRetryBackoffMs(500, 3))
	require.Equal(t, uint64(maxReconnectBackoffMs), computeRetryBackoffMs(500, 20))
}

func TestShouldSurfaceRepeatedFailure(t *testing.T) {
	require.True(t, shouldSurfaceRepeatedFailure(1))
	require.False(t, shouldSurfaceRepeatedFailure(2))
	require.True(t, shouldSurfaceRepeatedFailure(8))
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
