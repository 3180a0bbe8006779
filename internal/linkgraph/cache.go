package linkgraph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"wendao/internal/coreerr"
	"wendao/internal/kv"
)

// CacheSnapshot is the wire format persisted under a KV slot key. Its shape
// is part of schemaFingerprintText: changing a field here requires updating
// that text so stale payloads are invalidated rather than misread.
type CacheSnapshot struct {
	SchemaVersion     string      `json:"schema_version"`
	SchemaFingerprint string      `json:"schema_fingerprint"`
	Root              string      `json:"root"`
	IncludeDirs       []string    `json:"include_dirs"`
	ExcludedDirs      []string    `json:"excluded_dirs"`
	Fingerprint       Fingerprint `json:"fingerprint"`
	Docs              []*Document `json:"docs"`
	Alias             map[string]string `json:"alias"`
	Edges             []Edge      `json:"edges"`
}

// schemaFingerprint is the 16-hex-char truncated hash of the schema text.
func schemaFingerprint() string {
	sum := sha256.Sum256([]byte(schemaFingerprintText))
	return hex.EncodeToString(sum[:])[:16]
}

// slotKey computes the stable hash of (root, include_dirs, excluded_dirs,
// schema_fingerprint) that identifies one cache slot.
func slotKey(root string, includeDirs, excludedDirs []string, fp string) string {
	include := append([]string(nil), includeDirs...)
	excluded := mergeExcludedDirs(excludedDirs)
	sort.Strings(include)

	h := fnv.New64a()
	h.Write([]byte(root))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(include, ",")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(excluded, ",")))
	h.Write([]byte{0})
	h.Write([]byte(fp))
	return hex.EncodeToString(h.Sum(nil))
}

// toSnapshot serializes an index into its cache wire format.
func toSnapshot(idx *Index, fp Fingerprint) *CacheSnapshot {
	docs := make([]*Document, 0, len(idx.Docs))
	for _, d := range idx.Docs {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	var edges []Edge
	for _, out := range idx.Out {
		edges = append(edges, out...)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})

	return &CacheSnapshot{
		SchemaVersion:     SchemaVersion,
		SchemaFingerprint: schemaFingerprint(),
		Root:              idx.Root,
		IncludeDirs:       idx.IncludeDirs,
		ExcludedDirs:      idx.ExcludedDirs,
		Fingerprint:       fp,
		Docs:              docs,
		Alias:             idx.Alias,
		Edges:             edges,
	}
}

// fromSnapshot rehydrates an index from a cache snapshot without re-parsing
// or re-resolving any link: documents, aliases, and edges are all carried
// explicitly in the snapshot, so rehydration is pure deserialization plus a
// rank recomputation.
func fromSnapshot(snap *CacheSnapshot) *Index {
	idx := newIndex(snap.Root, snap.IncludeDirs, snap.ExcludedDirs)
	for _, d := range snap.Docs {
		idx.Docs[d.ID] = d
	}
	for alias, id := range snap.Alias {
		idx.Alias[alias] = id
	}
	for _, e := range snap.Edges {
		addEdge(idx, e.From, e.To, e.Type)
	}
	computeRank(idx)
	return idx
}

// equalStringSlices compares two string slices order-insensitively.
func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := append([]string(nil), a...), append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// BuildWithCache is the cached build entry point. It computes a cheap
// filesystem fingerprint, compares it (along with schema/root/filter
// identity) against whatever snapshot is stored under the slot key, and
// either rehydrates on a full match or rebuilds and re-persists on any
// mismatch. Miss reasons are reported in the cascade order mandated by
// spec: key_not_found is checked first (nothing to compare against),
// payload_parse_error next, then schema/root/filter/content fields in that
// order.
func BuildWithCache(ctx context.Context, store *kv.Store, root string, includeDirs, excludedDirs []string, keyPrefix string, ttlSecs int64) (*Index, BuildMeta, error) {
	notes, err := walkNotes(root, includeDirs, excludedDirs)
	if err != nil {
		return nil, BuildMeta{}, err
	}
	fp := computeFingerprint(notes)
	fingerprint := schemaFingerprint()
	key := kv.Key(keyPrefix, slotKey(root, includeDirs, excludedDirs, fingerprint))

	meta := BuildMeta{
		SchemaVersion:     SchemaVersion,
		SchemaFingerprint: fingerprint,
		SlotKey:           key,
		BuiltAt:           time.Now(),
	}

	raw, found, err := store.Get(ctx, key)
	if err != nil {
		return nil, BuildMeta{}, err
	}

	reason, snap := "", (*CacheSnapshot)(nil)
	switch {
	case !found:
		reason = MissKeyNotFound
	default:
		var candidate CacheSnapshot
		if err := json.Unmarshal([]byte(raw), &candidate); err != nil {
			reason = MissPayloadParseError
		} else {
			snap = &candidate
			reason = missReasonFor(snap, root, includeDirs, excludedDirs, fingerprint, fp)
		}
	}

	if reason == "" {
		idx := fromSnapshot(snap)
		meta.Status = "hit"
		meta.Stats = idx.Stats()
		return idx, meta, nil
	}

	idx, err := BuildWithFilters(ctx, root, includeDirs, excludedDirs)
	if err != nil {
		return nil, BuildMeta{}, err
	}
	newSnap := toSnapshot(idx, fp)
	encoded, err := json.Marshal(newSnap)
	if err != nil {
		return nil, BuildMeta{}, coreerr.Wrap(coreerr.KindInput, "linkgraph: encode cache snapshot", err)
	}
	if err := store.Set(ctx, key, string(encoded), ttlSecs); err != nil {
		return nil, BuildMeta{}, err
	}

	meta.Status = "miss"
	meta.MissReason = reason
	meta.Stats = idx.Stats()
	return idx, meta, nil
}

func missReasonFor(snap *CacheSnapshot, root string, includeDirs, excludedDirs []string, schemaFp string, contentFp Fingerprint) string {
	switch {
	case snap.SchemaVersion != SchemaVersion:
		return MissSchemaVersionMismatch
	case snap.SchemaFingerprint != schemaFp:
		return MissSchemaFingerprintMismatch
	case snap.Root != root:
		return MissRootMismatch
	case !equalStringSlices(snap.IncludeDirs, includeDirs):
		return MissIncludeDirsMismatch
	case !equalStringSlices(snap.ExcludedDirs, excludedDirs):
		return MissExcludedDirsMismatch
	case snap.Fingerprint != contentFp:
		return MissContentFingerprintMismatch
	default:
		return ""
	}
}
