// Package session implements Component I, the Session & Window Stores: a
// bounded rolling message window plus summary-segment list, behind a
// dual-backend Store interface. The in-process backend follows the
// sync.RWMutex-guarded-map pattern from the teacher's internal/agent
// (Registry); the KV-backed backend is a thin adapter over internal/kv's
// RPush/LRange/LLen/LTrim and its atomic snapshot/restore/drop triad.
package session

import (
	"context"
	"encoding/json"

	"wendao/internal/coreerr"
	"wendao/internal/llm"
)

// List names the three per-session lists a Store manages, per spec.md §4.I.
type List int

const (
	ListMessages List = iota
	ListWindow
	ListSummary
)

// Store is the storage contract Component H (the Turn Orchestrator) drives.
// Every method is scoped to one (sessionID, list) pair except the
// snapshot/restore/drop triad, which moves all three lists for a session at
// once.
type Store interface {
	Append(ctx context.Context, sessionID string, list List, msg llm.Message) error
	// ReplaceAll atomically overwrites list with msgs.
	ReplaceAll(ctx context.Context, sessionID string, list List, msgs []llm.Message) error
	All(ctx context.Context, sessionID string, list List) ([]llm.Message, error)
	Len(ctx context.Context, sessionID string, list List) (int64, error)
	// DrainOldest removes and returns the oldest n messages from list.
	DrainOldest(ctx context.Context, sessionID string, list List, n int64) ([]llm.Message, error)
	Clear(ctx context.Context, sessionID string, list List) error

	// Snapshot moves a session's messages/window/summary lists into a backup
	// namespace, appending metaMessage as the last entry of the backed-up
	// messages list so a later restore can explain why the session was
	// snapshotted.
	Snapshot(ctx context.Context, sessionID string, metaMessage llm.Message) error
	// Restore moves a session's backed-up lists back to the primary
	// namespace, overwriting anything currently there.
	Restore(ctx context.Context, sessionID string) error
	// Drop deletes a session's primary lists without backing them up.
	Drop(ctx context.Context, sessionID string) error
}

// encodeMessage/decodeMessage implement spec.md §4.I's "messages are
// JSON-encoded per-entry" rule. decodeMessage accepts legacy
// backup-metadata payloads that are not valid llm.Message JSON by falling
// back to treating the raw payload as message content, per spec.md §4.I's
// backward-compatibility note.
func encodeMessage(msg llm.Message) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindInput, "encode session message", err)
	}
	return string(b), nil
}

func decodeMessage(raw string) llm.Message {
	var msg llm.Message
	if err := json.Unmarshal([]byte(raw), &msg); err == nil && (msg.Role != "" || msg.Content != "" || msg.Name != "") {
		return msg
	}
	return llm.Message{Role: "system", Content: raw}
}

// NewMetaMessage builds the structural chat message SnapshotSession writes
// to describe a backup, tagged so a packer or planner can recognize it
// without parsing content (mirrors the summary_segment convention
// internal/contextpack classifies on).
func NewMetaMessage(reason string) llm.Message {
	return llm.Message{Role: "system", Name: "session_backup_meta", Content: reason}
}
