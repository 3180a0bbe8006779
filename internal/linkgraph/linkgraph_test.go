package linkgraph

import (
	"context"
	"os"
	"path/filepath"
	"testing"

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

func writeNote(t *testing.T, root, relPath, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

// S1 — cache hit path.
func TestBuildWithCacheHitsOnSecondCall(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "docs/a.md", "# Alpha\n\n[[b]]\n")
	writeNote(t, root, "docs/b.md", "# Beta\n\n[[a]]\n")

	store := newTestStore(t)
	ctx := context.Background()

	_, meta1, err := BuildWithCache(ctx, store, root, nil, nil, "lg", 0)
	require.NoError(t, err)
	require.Equal(t, "miss", meta1.Status)
	require.Equal(t, MissKeyNotFound, meta1.MissReason)
	require.Equal(t, 2, meta1.TotalNotes)
	require.Equal(t, 2, meta1.LinksInGraph)

	_, found, err := store.Get(ctx, meta1.SlotKey)
	require.NoError(t, err)
	require.True(t, found)

	_, meta2, err := BuildWithCache(ctx, store, root, nil, nil, "lg", 0)
	require.NoError(t, err)
	require.Equal(t, "hit", meta2.Status)
	require.Equal(t, 2, meta2.TotalNotes)
	require.Equal(t, 2, meta2.LinksInGraph)
}

// S2 — cache miss on content change.
func TestBuildWithCacheMissesOnContentChangeAndSearchFindsUpdate(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "docs/a.md", "# Alpha\n\n[[b]]\n")
	writeNote(t, root, "docs/b.md", "# Beta\n\n[[a]]\n")

	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := BuildWithCache(ctx, store, root, nil, nil, "lg", 0)
	require.NoError(t, err)
	_, _, err = BuildWithCache(ctx, store, root, nil, nil, "lg", 0)
	require.NoError(t, err)

	writeNote(t, root, "docs/a.md", "# Alpha\n\nThis note has an updated phrase in it.\n\n[[b]]\n")

	idx, meta3, err := BuildWithCache(ctx, store, root, nil, nil, "lg", 0)
	require.NoError(t, err)
	require.Equal(t, "miss", meta3.Status)
	require.Equal(t, MissContentFingerprintMismatch, meta3.MissReason)

	resp := idx.Search("updated phrase", 5)
	require.Len(t, resp.Results, 1)
	require.Equal(t, "a", resp.Results[0].Stem)
}

// S6 — related PPR determinism on a linear chain a -> b -> c -> d.
func TestRelatedPPRDeterminismOnLinearChain(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "a.md", "# A\n\n[[b]]\n")
	writeNote(t, root, "b.md", "# B\n\n[[c]]\n")
	writeNote(t, root, "c.md", "# C\n\n[[d]]\n")
	writeNote(t, root, "d.md", "# D\n\nEnd of chain.\n")

	idx, err := BuildWithFilters(context.Background(), root, nil, nil)
	require.NoError(t, err)
	require.Len(t, idx.Docs, 4)

	opts := PPROptions{Alpha: 0.9, MaxIter: 64, Tol: 1e-6, SubgraphMode: "force"}
	resp, err := idx.Related("b", 2, 10, &opts)
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"a", "c", "d"}, resp.Nodes)
	require.Equal(t, 1, resp.Diagnostics.SubgraphCount)
	require.True(t, resp.Diagnostics.HorizonRestricted)
	require.GreaterOrEqual(t, resp.Diagnostics.IterationCount, 1)
}

func TestMergeExcludedDirsIsCaseInsensitiveAndDeduped(t *testing.T) {
	merged := mergeExcludedDirs([]string{".GIT", "build", "Build"})
	seen := make(map[string]int)
	for _, d := range merged {
		seen[d]++
	}
	require.Equal(t, 1, seen[".git"])
	require.Equal(t, 1, seen["build"])
}

func TestSlotKeyStableForEquivalentFilterOrdering(t *testing.T) {
	fp := schemaFingerprint()
	a := slotKey("/root", []string{"x", "y"}, []string{"z"}, fp)
	b := slotKey("/root", []string{"y", "x"}, []string{"z"}, fp)
	require.Equal(t, a, b)

	c := slotKey("/root", []string{"x", "y"}, []string{"other"}, fp)
	require.NotEqual(t, a, c)
}

func TestRefreshIncrementalNoopOnUnchangedFile(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "a.md", "# A\n\nHello.\n")
	idx, err := BuildWithFilters(context.Background(), root, nil, nil)
	require.NoError(t, err)

	mode, err := RefreshIncremental(context.Background(), idx, nil, 0)
	require.NoError(t, err)
	require.Equal(t, RefreshNoop, mode)
}

func TestRefreshIncrementalFindsNewTokenAfterUpdate(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "a.md", "# A\n\nOriginal content.\n")
	idx, err := BuildWithFilters(context.Background(), root, nil, nil)
	require.NoError(t, err)

	writeNote(t, root, "a.md", "# A\n\nOriginal content plus newtoken123.\n")
	mode, err := RefreshIncremental(context.Background(), idx, []string{"a.md"}, 0)
	require.NoError(t, err)
	require.Equal(t, RefreshDelta, mode)

	resp := idx.Search("newtoken123", 5)
	require.Len(t, resp.Results, 1)
}

func TestRefreshIncrementalFullRebuildAtThreshold(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "a.md", "# A\n\nHello.\n")
	idx, err := BuildWithFilters(context.Background(), root, nil, nil)
	require.NoError(t, err)

	mode, err := RefreshIncremental(context.Background(), idx, []string{"a.md"}, 1)
	require.NoError(t, err)
	require.Equal(t, RefreshFull, mode)
}

func TestEdgesAreSymmetricBetweenOutAndIn(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "a.md", "# A\n\n[[b]]\n")
	writeNote(t, root, "b.md", "# B\n\nNo links.\n")
	idx, err := BuildWithFilters(context.Background(), root, nil, nil)
	require.NoError(t, err)

	for from, edges := range idx.Out {
		for _, e := range edges {
			require.NotEqual(t, e.From, e.To)
			found := false
			for _, back := range idx.In[e.To] {
				if back.From == from {
					found = true
				}
			}
			require.True(t, found)
		}
	}
}

func TestSaliencySeedsOnlyAbsentKeys(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "a.md", "# A\n\n[[b]]\n")
	writeNote(t, root, "b.md", "# B\n\nNo links.\n")
	idx, err := BuildWithFilters(context.Background(), root, nil, nil)
	require.NoError(t, err)

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, SyncSaliency(ctx, store, idx, "lg", DefaultSaliencyPolicy()))

	_, found, err := store.Get(ctx, saliencyKey("lg", "a"))
	require.NoError(t, err)
	require.True(t, found)

	members, err := store.ZRangeWithScores(ctx, edgeOutKey("lg", "a"))
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "b", members[0].Member)
}
