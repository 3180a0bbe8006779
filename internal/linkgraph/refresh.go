package linkgraph

import (
	"context"
	"os"
	"path/filepath"

	"wendao/internal/coreerr"
)

// RefreshIncremental applies a small set of changed paths in place: each
// changed document is removed and, if the file still exists, re-parsed and
// re-inserted with fresh outgoing links. A change set at or above threshold
// (DefaultIncrementalThreshold when threshold <= 0) triggers a full rebuild
// instead, mirroring refresh_incremental's size guard.
func RefreshIncremental(ctx context.Context, idx *Index, changedPaths []string, threshold int) (RefreshMode, error) {
	if len(changedPaths) == 0 {
		return RefreshNoop, nil
	}
	if threshold <= 0 {
		threshold = DefaultIncrementalThreshold
	}
	if len(changedPaths) >= threshold {
		rebuilt, err := BuildWithFilters(ctx, idx.Root, idx.IncludeDirs, idx.ExcludedDirs)
		if err != nil {
			return RefreshFull, err
		}
		*idx = *rebuilt
		return RefreshFull, nil
	}

	for _, relPath := range changedPaths {
		if err := refreshOne(idx, relPath); err != nil {
			return RefreshDelta, err
		}
	}
	pruneEmptyEdges(idx)
	computeRank(idx)
	return RefreshDelta, nil
}

func refreshOne(idx *Index, relPath string) error {
	relPath = filepath.ToSlash(relPath)
	id := resolveExistingID(idx, relPath)
	if id != "" {
		removeDocument(idx, id)
	}

	absPath := filepath.Join(idx.Root, filepath.FromSlash(relPath))
	info, err := os.Stat(absPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return coreerr.Wrap(coreerr.KindInput, "linkgraph: stat changed path "+relPath, err)
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return coreerr.Wrap(coreerr.KindInput, "linkgraph: read changed path "+relPath, err)
	}
	stem := stemOf(relPath)
	parsed := parseNote(stem, string(raw))
	d := &Document{
		ID:           idOf(relPath),
		Stem:         stem,
		Path:         relPath,
		Title:        parsed.Title,
		Tags:         parsed.Tags,
		ModifiedUnix: info.ModTime().Unix(),
		CreatedUnix:  info.ModTime().Unix(),
		SizeBytes:    info.Size(),
		SearchText:   parsed.SearchText,
		RawContent:   string(raw),
		Sections:     parsed.Sections,
		FrontMatter:  parsed.FrontMatter,
		pendingLinks: parsed.Links,
	}
	for _, s := range parsed.Sections {
		d.WordCount += s.WordCount
	}
	insertDocument(idx, d)
	linkDocument(idx, d)
	return nil
}

// resolveExistingID finds the document ID currently registered for a
// changed path, trying the direct id then the bare stem.
func resolveExistingID(idx *Index, relPath string) string {
	id := idOf(relPath)
	if _, ok := idx.Docs[id]; ok {
		return id
	}
	if resolved, ok := idx.Alias[stemOf(relPath)]; ok {
		return resolved
	}
	return ""
}

// removeDocument deletes a document and every edge touching it, plus its
// aliases.
func removeDocument(idx *Index, id string) {
	doc, ok := idx.Docs[id]
	if !ok {
		return
	}
	for alias, target := range idx.Alias {
		if target == id {
			delete(idx.Alias, alias)
		}
	}
	for _, e := range idx.Out[id] {
		idx.In[e.To] = removeEdge(idx.In[e.To], id, e.To)
	}
	for _, e := range idx.In[id] {
		idx.Out[e.From] = removeEdge(idx.Out[e.From], e.From, id)
	}
	delete(idx.Out, id)
	delete(idx.In, id)
	delete(idx.Docs, id)
	_ = doc
}

func removeEdge(edges []Edge, from, to string) []Edge {
	out := edges[:0]
	for _, e := range edges {
		if e.From == from && e.To == to {
			continue
		}
		out = append(out, e)
	}
	return out
}

func pruneEmptyEdges(idx *Index) {
	for id, edges := range idx.Out {
		if len(edges) == 0 {
			delete(idx.Out, id)
		}
	}
	for id, edges := range idx.In {
		if len(edges) == 0 {
			delete(idx.In, id)
		}
	}
}
