package session

import (
	"context"

	"wendao/internal/kv"
	"wendao/internal/llm"
)

// KVStore is the KV-backed Store implementation: each (sessionID, list)
// pair maps onto one Redis list key under {prefix}:{messages|window|summary}:{sid},
// per spec.md §4.I. The atomic snapshot/restore/drop triad delegates
// directly to internal/kv's Lua-scripted SnapshotSession/RestoreSession/
// DropSession.
type KVStore struct {
	store     *kv.Store
	keyPrefix string
	ttlSecs   int64
}

// NewKVStore constructs a KV-backed session store under keyPrefix, applying
// ttlSecs (0 disables expiry) to list keys touched by Append/ReplaceAll.
func NewKVStore(store *kv.Store, keyPrefix string, ttlSecs int64) *KVStore {
	return &KVStore{store: store, keyPrefix: keyPrefix, ttlSecs: ttlSecs}
}

func (s *KVStore) keyFor(sessionID string, list List) string {
	keys := kv.SessionKeys(s.keyPrefix, sessionID)
	switch list {
	case ListWindow:
		return keys.Window
	case ListSummary:
		return keys.Summary
	default:
		return keys.Messages
	}
}

func (s *KVStore) touchTTL(ctx context.Context, key string) error {
	if s.ttlSecs <= 0 {
		return nil
	}
	return s.store.Expire(ctx, key, s.ttlSecs)
}

func (s *KVStore) Append(ctx context.Context, sessionID string, list List, msg llm.Message) error {
	raw, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	key := s.keyFor(sessionID, list)
	if err := s.store.RPush(ctx, key, raw); err != nil {
		return err
	}
	return s.touchTTL(ctx, key)
}

func (s *KVStore) ReplaceAll(ctx context.Context, sessionID string, list List, msgs []llm.Message) error {
	key := s.keyFor(sessionID, list)
	if err := s.store.Del(ctx, key); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	raws := make([]string, len(msgs))
	for i, m := range msgs {
		raw, err := encodeMessage(m)
		if err != nil {
			return err
		}
		raws[i] = raw
	}
	if err := s.store.RPush(ctx, key, raws...); err != nil {
		return err
	}
	return s.touchTTL(ctx, key)
}

func (s *KVStore) All(ctx context.Context, sessionID string, list List) ([]llm.Message, error) {
	raws, err := s.store.LRange(ctx, s.keyFor(sessionID, list), 0, -1)
	if err != nil {
		return nil, err
	}
	return decodeAll(raws), nil
}

func (s *KVStore) Len(ctx context.Context, sessionID string, list List) (int64, error) {
	return s.store.LLen(ctx, s.keyFor(sessionID, list))
}

func (s *KVStore) DrainOldest(ctx context.Context, sessionID string, list List, n int64) ([]llm.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	key := s.keyFor(sessionID, list)
	raws, err := s.store.LRange(ctx, key, 0, n-1)
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, nil
	}
	if err := s.store.LTrim(ctx, key, int64(len(raws)), -1); err != nil {
		return nil, err
	}
	return decodeAll(raws), nil
}

func (s *KVStore) Clear(ctx context.Context, sessionID string, list List) error {
	return s.store.Del(ctx, s.keyFor(sessionID, list))
}

func (s *KVStore) Snapshot(ctx context.Context, sessionID string, metaMessage llm.Message) error {
	raw, err := encodeMessage(metaMessage)
	if err != nil {
		return err
	}
	src := kv.SessionKeys(s.keyPrefix, sessionID)
	backup := kv.BackupSessionKeys(s.keyPrefix, sessionID)
	return s.store.SnapshotSession(ctx, src, backup, raw)
}

func (s *KVStore) Restore(ctx context.Context, sessionID string) error {
	backup := kv.BackupSessionKeys(s.keyPrefix, sessionID)
	dst := kv.SessionKeys(s.keyPrefix, sessionID)
	return s.store.RestoreSession(ctx, backup, dst)
}

func (s *KVStore) Drop(ctx context.Context, sessionID string) error {
	return s.store.DropSession(ctx, kv.SessionKeys(s.keyPrefix, sessionID))
}

func decodeAll(raws []string) []llm.Message {
	out := make([]llm.Message, len(raws))
	for i, r := range raws {
		out[i] = decodeMessage(r)
	}
	return out
}

var _ Store = (*KVStore)(nil)
