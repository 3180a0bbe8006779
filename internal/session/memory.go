package session

import (
	"context"
	"sync"

	"wendao/internal/llm"
)

// MemoryStore is the in-process backend: sync.RWMutex-guarded maps from
// session_id to message list, per spec.md §4.I. It holds no data across
// process restarts and is the default for single-process deployments or
// tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]llm.Message
	window   map[string][]llm.Message
	summary  map[string][]llm.Message
	backup   map[string]backupEntry
}

type backupEntry struct {
	messages []llm.Message
	window   []llm.Message
	summary  []llm.Message
}

// NewMemoryStore constructs an empty in-process session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: map[string][]llm.Message{},
		window:   map[string][]llm.Message{},
		summary:  map[string][]llm.Message{},
		backup:   map[string]backupEntry{},
	}
}

func (s *MemoryStore) listMap(list List) map[string][]llm.Message {
	switch list {
	case ListWindow:
		return s.window
	case ListSummary:
		return s.summary
	default:
		return s.messages
	}
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, list List, msg llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.listMap(list)
	m[sessionID] = append(m[sessionID], msg)
	return nil
}

func (s *MemoryStore) ReplaceAll(_ context.Context, sessionID string, list List, msgs []llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.listMap(list)
	cp := make([]llm.Message, len(msgs))
	copy(cp, msgs)
	m[sessionID] = cp
	return nil
}

func (s *MemoryStore) All(_ context.Context, sessionID string, list List) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.listMap(list)
	out := make([]llm.Message, len(m[sessionID]))
	copy(out, m[sessionID])
	return out, nil
}

func (s *MemoryStore) Len(_ context.Context, sessionID string, list List) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.listMap(list)
	return int64(len(m[sessionID])), nil
}

func (s *MemoryStore) DrainOldest(_ context.Context, sessionID string, list List, n int64) ([]llm.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.listMap(list)
	cur := m[sessionID]
	if n <= 0 || len(cur) == 0 {
		return nil, nil
	}
	if n > int64(len(cur)) {
		n = int64(len(cur))
	}
	drained := make([]llm.Message, n)
	copy(drained, cur[:n])
	m[sessionID] = cur[n:]
	return drained, nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string, list List) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.listMap(list)
	delete(m, sessionID)
	return nil
}

func (s *MemoryStore) Snapshot(_ context.Context, sessionID string, metaMessage llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := backupEntry{
		messages: append(append([]llm.Message{}, s.messages[sessionID]...), metaMessage),
		window:   append([]llm.Message{}, s.window[sessionID]...),
		summary:  append([]llm.Message{}, s.summary[sessionID]...),
	}
	s.backup[sessionID] = entry
	delete(s.messages, sessionID)
	delete(s.window, sessionID)
	delete(s.summary, sessionID)
	return nil
}

func (s *MemoryStore) Restore(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.backup[sessionID]
	if !ok {
		return nil
	}
	s.messages[sessionID] = entry.messages
	s.window[sessionID] = entry.window
	s.summary[sessionID] = entry.summary
	delete(s.backup, sessionID)
	return nil
}

func (s *MemoryStore) Drop(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, sessionID)
	delete(s.window, sessionID)
	delete(s.summary, sessionID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
