package kv

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"wendao/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	srv := miniredis.RunT(t)
	return New(config.RedisConfig{Addr: srv.Addr()})
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k1", "v1", 0))
	v, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", v)
}

func TestGetMissingKeyIsNotFoundNotError(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestXGroupCreateMkStreamTreatsBusygroupAsSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.XAdd(ctx, "stream1", 1000, map[string]any{"kind": "turn"})
	require.NoError(t, err)
	require.NoError(t, s.XGroupCreateMkStream(ctx, "stream1", "g1", "0"))
	require.NoError(t, s.XGroupCreateMkStream(ctx, "stream1", "g1", "0"))
}

func TestAckWithMetricsIncrementsCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.XAdd(ctx, "stream1", 1000, map[string]any{"kind": "turn"})
	require.NoError(t, err)
	require.NoError(t, s.XGroupCreateMkStream(ctx, "stream1", "g1", "0"))

	n, err := s.AckWithMetrics(ctx, "stream1", "g1", "metrics:global", "metrics:sess:1", id, "turn", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	processed, err := s.HIncrBy(ctx, "metrics:global", "processed_total", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), processed)

	sessionProcessed, err := s.HIncrBy(ctx, "metrics:sess:1", "processed_kind:turn", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), sessionProcessed)
}

func TestSessionSnapshotRestoreDropTriad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := SessionKeys("sess", "abc")
	backup := BackupSessionKeys("sess", "abc")

	require.NoError(t, s.RPush(ctx, src.Messages, "m1", "m2"))
	require.NoError(t, s.RPush(ctx, src.Window, "w1"))

	require.NoError(t, s.SnapshotSession(ctx, src, backup, `{"role":"system","content":"backup"}`))

	n, err := s.LLen(ctx, src.Messages)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	backedUp, err := s.LRange(ctx, backup.Messages, 0, -1)
	require.NoError(t, err)
	require.Contains(t, backedUp, "m1")
	require.Contains(t, backedUp, "m2")
	require.Len(t, backedUp, 3) // m1, m2, plus the metadata message

	require.NoError(t, s.RestoreSession(ctx, backup, src))
	restored, err := s.LRange(ctx, src.Messages, 0, -1)
	require.NoError(t, err)
	require.Len(t, restored, 3)

	require.NoError(t, s.DropSession(ctx, src))
	n, err = s.LLen(ctx, src.Messages)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}
