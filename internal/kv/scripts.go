package kv

import (
	"context"
	"time"
)

// ackWithMetricsScript implements the Memory Stream Consumer's atomic
// ack+metrics step (spec.md §4.G step 4): XACK, then HINCRBY the global and
// (optionally) per-session processed_total and processed_kind:{kind}
// counters, then HSET last-processed fields, then conditionally EXPIRE every
// touched hash. One round trip, so a crash can never leave counters updated
// without the ack (or vice versa).
//
// KEYS: 1=stream 2=group 3=globalMetricsKey 4=sessionMetricsKey(may be "")
// ARGV: 1=entryID 2=kind 3=ttlSecs(0 disables) 4=nowUnix
var ackWithMetricsScript = NewScript(`
local stream, group, globalKey, sessionKey = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local id, kind, ttl, now = ARGV[1], ARGV[2], tonumber(ARGV[3]), ARGV[4]

local acked = redis.call('XACK', stream, group, id)

local function touch(key)
    if key == nil or key == '' then return end
    redis.call('HINCRBY', key, 'processed_total', 1)
    redis.call('HINCRBY', key, 'processed_kind:' .. kind, 1)
    redis.call('HSET', key, 'last_processed_id', id, 'last_processed_unix', now)
    if ttl > 0 then
        redis.call('EXPIRE', key, ttl)
    end
end

touch(globalKey)
touch(sessionKey)

return acked
`)

// AckWithMetrics performs the Memory Stream Consumer's atomic ack+metrics
// step and returns the ack count (0 or 1).
func (s *Store) AckWithMetrics(ctx context.Context, stream, group, globalMetricsKey, sessionMetricsKey, entryID, kind string, ttlSecs int64) (int64, error) {
	keys := []string{stream, group, globalMetricsKey, sessionMetricsKey}
	v, err := s.Eval(ctx, ackWithMetricsScript, keys, entryID, kind, ttlSecs, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	n, _ := v.(int64)
	return n, nil
}

// publishWithMetricsScript implements the paired producer-side operation:
// XADD capped at ~maxlen then an incremented published-event counter, in one
// round trip (spec.md §6 "Stream publish: scripted XADD MAXLEN ~ 10000 *").
//
// KEYS: 1=stream 2=globalMetricsKey
// ARGV: 1=maxlen 2=kind 3..N=field/value pairs for the entry
var publishWithMetricsScript = NewScript(`
local stream, globalKey = KEYS[1], KEYS[2]
local maxlen, kind = ARGV[1], ARGV[2]

local args = {'XADD', stream, 'MAXLEN', '~', maxlen, '*'}
for i = 3, #ARGV do
    table.insert(args, ARGV[i])
end
local id = redis.call(unpack(args))

if globalKey ~= '' then
    redis.call('HINCRBY', globalKey, 'published_total', 1)
    redis.call('HINCRBY', globalKey, 'published_kind:' .. kind, 1)
end

return id
`)

// PublishWithMetrics appends an event to the stream (capped at ~maxLen
// entries) and increments published-event counters in one round trip.
func (s *Store) PublishWithMetrics(ctx context.Context, stream, globalMetricsKey string, maxLen int64, kind string, fields map[string]string) (string, error) {
	keys := []string{stream, globalMetricsKey}
	argv := make([]any, 0, 2+len(fields)*2)
	argv = append(argv, maxLen, kind)
	for k, v := range fields {
		argv = append(argv, k, v)
	}
	v, err := s.Eval(ctx, publishWithMetricsScript, keys, argv...)
	if err != nil {
		return "", err
	}
	id, _ := v.(string)
	return id, nil
}

// sessionSnapshotScript implements Component I's atomic snapshot/restore/drop
// triad: it moves the contents of the primary messages/window/summary lists
// to (or from) a "__backup_meta__" namespace, writing a metadata chat message
// describing the operation, all as one script so no partial move is
// observable (spec.md §4.I).
//
// KEYS: 1=srcMessages 2=srcWindow 3=srcSummary 4=dstMessages 5=dstWindow 6=dstSummary
// ARGV: 1=metaMessageJSON (empty to skip writing it) 2=mode ("snapshot"|"restore"|"drop")
var sessionSnapshotScript = NewScript(`
local srcMsg, srcWin, srcSum = KEYS[1], KEYS[2], KEYS[3]
local dstMsg, dstWin, dstSum = KEYS[4], KEYS[5], KEYS[6]
local meta, mode = ARGV[1], ARGV[2]

local function moveList(src, dst)
    redis.call('DEL', dst)
    local n = redis.call('LLEN', src)
    if n > 0 then
        local items = redis.call('LRANGE', src, 0, -1)
        for i = 1, #items do
            redis.call('RPUSH', dst, items[i])
        end
    end
    redis.call('DEL', src)
    return n
end

if mode == 'drop' then
    redis.call('DEL', srcMsg, srcWin, srcSum)
    return 0
end

local moved = moveList(srcMsg, dstMsg) + moveList(srcWin, dstWin) + moveList(srcSum, dstSum)

if meta ~= '' then
    redis.call('RPUSH', dstMsg, meta)
end

return moved
`)

// SnapshotSession atomically moves a session's messages/window/summary lists
// into the backup namespace and appends a metadata chat message describing
// the backup.
func (s *Store) SnapshotSession(ctx context.Context, src, backup SessionKeySet, metaMessageJSON string) error {
	_, err := s.Eval(ctx, sessionSnapshotScript,
		[]string{src.Messages, src.Window, src.Summary, backup.Messages, backup.Window, backup.Summary},
		metaMessageJSON, "snapshot")
	return err
}

// RestoreSession atomically moves a session's backed-up lists back to the
// primary namespace.
func (s *Store) RestoreSession(ctx context.Context, backup, dst SessionKeySet) error {
	_, err := s.Eval(ctx, sessionSnapshotScript,
		[]string{backup.Messages, backup.Window, backup.Summary, dst.Messages, dst.Window, dst.Summary},
		"", "restore")
	return err
}

// DropSession atomically deletes a session's primary lists without backing
// them up.
func (s *Store) DropSession(ctx context.Context, keys SessionKeySet) error {
	_, err := s.Eval(ctx, sessionSnapshotScript,
		[]string{keys.Messages, keys.Window, keys.Summary, "", "", ""},
		"", "drop")
	return err
}

// SessionKeySet names the three list keys moved by the snapshot/restore/drop
// triad for one session.
type SessionKeySet struct {
	Messages string
	Window   string
	Summary  string
}

// SessionKeys builds the {prefix}:messages:{sid} / :window:{sid} / :summary:{sid}
// key triad for a session, per spec.md §4.I.
func SessionKeys(prefix, sessionID string) SessionKeySet {
	return SessionKeySet{
		Messages: Key(prefix, "messages", sessionID),
		Window:   Key(prefix, "window", sessionID),
		Summary:  Key(prefix, "summary", sessionID),
	}
}

// BackupSessionKeys builds the __backup_meta__-namespaced triad that
// SnapshotSession/RestoreSession move data to and from.
func BackupSessionKeys(prefix, sessionID string) SessionKeySet {
	return SessionKeys(prefix+":__backup_meta__", sessionID)
}
