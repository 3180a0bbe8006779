package session

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"wendao/internal/config"
	"wendao/internal/kv"
	"wendao/internal/llm"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	srv := miniredis.RunT(t)
	kvStore := kv.New(config.RedisConfig{Addr: srv.Addr()})
	return map[string]Store{
		"memory": NewMemoryStore(),
		"kv":     NewKVStore(kvStore, "wendao-test", 0),
	}
}

func TestAppendAndAllRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Append(ctx, "s1", ListMessages, llm.Message{Role: "user", Content: "hi"}))
			require.NoError(t, store.Append(ctx, "s1", ListMessages, llm.Message{Role: "assistant", Content: "hello"}))
			msgs, err := store.All(ctx, "s1", ListMessages)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			require.Equal(t, "hi", msgs[0].Content)
			require.Equal(t, "hello", msgs[1].Content)

			n, err := store.Len(ctx, "s1", ListMessages)
			require.NoError(t, err)
			require.Equal(t, int64(2), n)
		})
	}
}

func TestReplaceAllOverwrites(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Append(ctx, "s1", ListWindow, llm.Message{Role: "user", Content: "old"}))
			require.NoError(t, store.ReplaceAll(ctx, "s1", ListWindow, []llm.Message{
				{Role: "system", Content: "new-1"},
				{Role: "user", Content: "new-2"},
			}))
			msgs, err := store.All(ctx, "s1", ListWindow)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			require.Equal(t, "new-1", msgs[0].Content)
		})
	}
}

func TestDrainOldestRemovesFromFront(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				require.NoError(t, store.Append(ctx, "s1", ListMessages, llm.Message{Role: "user", Content: string(rune('a' + i))}))
			}
			drained, err := store.DrainOldest(ctx, "s1", ListMessages, 2)
			require.NoError(t, err)
			require.Len(t, drained, 2)
			require.Equal(t, "a", drained[0].Content)
			require.Equal(t, "b", drained[1].Content)

			remaining, err := store.All(ctx, "s1", ListMessages)
			require.NoError(t, err)
			require.Len(t, remaining, 3)
			require.Equal(t, "c", remaining[0].Content)
		})
	}
}

func TestClearRemovesList(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Append(ctx, "s1", ListSummary, llm.Message{Role: "system", Content: "seg"}))
			require.NoError(t, store.Clear(ctx, "s1", ListSummary))
			msgs, err := store.All(ctx, "s1", ListSummary)
			require.NoError(t, err)
			require.Empty(t, msgs)
		})
	}
}

func TestSnapshotRestoreDropRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Append(ctx, "s1", ListMessages, llm.Message{Role: "user", Content: "m1"}))
			require.NoError(t, store.Append(ctx, "s1", ListWindow, llm.Message{Role: "user", Content: "w1"}))
			require.NoError(t, store.Append(ctx, "s1", ListSummary, llm.Message{Role: "system", Content: "seg1"}))

			require.NoError(t, store.Snapshot(ctx, "s1", NewMetaMessage("manual backup")))

			msgs, err := store.All(ctx, "s1", ListMessages)
			require.NoError(t, err)
			require.Empty(t, msgs)

			require.NoError(t, store.Restore(ctx, "s1"))
			msgs, err = store.All(ctx, "s1", ListMessages)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			require.Equal(t, "m1", msgs[0].Content)
			require.Equal(t, "session_backup_meta", msgs[1].Name)

			window, err := store.All(ctx, "s1", ListWindow)
			require.NoError(t, err)
			require.Len(t, window, 1)

			require.NoError(t, store.Drop(ctx, "s1"))
			msgs, err = store.All(ctx, "s1", ListMessages)
			require.NoError(t, err)
			require.Empty(t, msgs)
		})
	}
}

func TestAppendCappedTrimsOldest(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				require.NoError(t, AppendCapped(ctx, store, "s1", ListWindow, llm.Message{Role: "user", Content: string(rune('a' + i))}, 3))
			}
			msgs, err := store.All(ctx, "s1", ListWindow)
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			require.Equal(t, "c", msgs[0].Content)
			require.Equal(t, "e", msgs[2].Content)
		})
	}
}

func TestManagerSelectsBackend(t *testing.T) {
	memStore := New(config.SessionConfig{Backend: "memory"}, nil)
	_, ok := memStore.(*MemoryStore)
	require.True(t, ok)

	srv := miniredis.RunT(t)
	kvStore := kv.New(config.RedisConfig{Addr: srv.Addr()})
	s := New(config.SessionConfig{Backend: "kv", KeyPrefix: "p"}, kvStore)
	_, ok = s.(*KVStore)
	require.True(t, ok)
}

func TestDecodeMessageFallsBackOnLegacyPayload(t *testing.T) {
	msg := decodeMessage("not json at all")
	require.Equal(t, "system", msg.Role)
	require.Equal(t, "not json at all", msg.Content)
}
