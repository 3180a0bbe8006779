package linkgraph

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"wendao/internal/coreerr"
)

// noteEntry is one discovered Markdown file on disk, before parsing.
type noteEntry struct {
	relPath string // relative to root, forward slashes
	absPath string
	size    int64
	modUnix int64
}

// mergeExcludedDirs merges the caller's excluded directory names with the
// defaults, case-insensitively, de-duplicated, and order-normalized.
func mergeExcludedDirs(caller []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(defaultExcludedDirs)+len(caller))
	add := func(name string) {
		key := strings.ToLower(name)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, key)
	}
	for _, d := range defaultExcludedDirs {
		add(d)
	}
	for _, d := range caller {
		add(d)
	}
	sort.Strings(out)
	return out
}

func normalizeIncludeDirs(includeDirs []string) map[string]bool {
	out := make(map[string]bool, len(includeDirs))
	for _, d := range includeDirs {
		out[strings.ToLower(filepath.ToSlash(filepath.Clean(d)))] = true
	}
	return out
}

// shouldSkipEntry reports whether a directory entry should be pruned from
// traversal: an explicitly included directory is never skipped; otherwise
// dot-directories and excluded-dir names are skipped.
func shouldSkipEntry(relDir, name string, isDir bool, excluded map[string]bool, include map[string]bool) bool {
	if !isDir {
		return false
	}
	lower := strings.ToLower(name)
	relSlash := filepath.ToSlash(filepath.Join(relDir, name))
	if include[strings.ToLower(relSlash)] {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return true
	}
	return excluded[lower]
}

// walkNotes finds every .md/.markdown file under root, honoring the
// include/exclude directory filters.
func walkNotes(root string, includeDirs, excludedDirs []string) ([]noteEntry, error) {
	excluded := make(map[string]bool)
	for _, d := range mergeExcludedDirs(excludedDirs) {
		excluded[d] = true
	}
	include := normalizeIncludeDirs(includeDirs)

	var notes []noteEntry
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		relDir, name := filepath.Split(rel)
		if info.IsDir() {
			if shouldSkipEntry(relDir, name, true, excluded, include) {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".md" && ext != ".markdown" {
			return nil
		}
		notes = append(notes, noteEntry{
			relPath: filepath.ToSlash(rel),
			absPath: p,
			size:    info.Size(),
			modUnix: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, coreerr.Wrap(coreerr.KindInput, "linkgraph: root does not exist", err)
		}
		return nil, coreerr.Wrap(coreerr.KindInput, "linkgraph: walk root", err)
	}
	return notes, nil
}

// computeFingerprint summarizes a note set without reading file bodies, so
// build_with_cache can decide hit/miss cheaply.
func computeFingerprint(notes []noteEntry) Fingerprint {
	fp := Fingerprint{NoteCount: len(notes)}
	for _, n := range notes {
		fp.TotalSizeBytes += n.size
		if n.modUnix > fp.LatestModifiedUnix {
			fp.LatestModifiedUnix = n.modUnix
		}
	}
	return fp
}

// BuildWithFilters performs a full rebuild from the filesystem: walk, parse
// (in parallel, grounded on the original's rayon::par_iter note-parsing
// stage), then resolve aliases and build edges.
func BuildWithFilters(ctx context.Context, root string, includeDirs, excludedDirs []string) (*Index, error) {
	notes, err := walkNotes(root, includeDirs, excludedDirs)
	if err != nil {
		return nil, err
	}
	docs, err := parseNotesParallel(ctx, root, notes)
	if err != nil {
		return nil, err
	}
	idx := newIndex(root, includeDirs, excludedDirs)
	for _, d := range docs {
		insertDocument(idx, d)
	}
	linkAllDocuments(idx)
	computeRank(idx)
	return idx, nil
}

// parseNotesParallel parses each note concurrently via an errgroup, the
// direct replacement for the original's rayon parallel-iterator pass; a
// failure in any one file aborts the whole build.
func parseNotesParallel(ctx context.Context, root string, notes []noteEntry) ([]*Document, error) {
	docs := make([]*Document, len(notes))
	g, ctx := errgroup.WithContext(ctx)
	for i, n := range notes {
		i, n := i, n
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			raw, err := os.ReadFile(n.absPath)
			if err != nil {
				return coreerr.Wrap(coreerr.KindInput, "linkgraph: read note "+n.relPath, err)
			}
			stem := stemOf(n.relPath)
			parsed := parseNote(stem, string(raw))
			docs[i] = &Document{
				ID:           idOf(n.relPath),
				Stem:         stem,
				Path:         n.relPath,
				Title:        parsed.Title,
				Tags:         parsed.Tags,
				ModifiedUnix: n.modUnix,
				SizeBytes:    n.size,
				SearchText:   parsed.SearchText,
				RawContent:   string(raw),
				Sections:     parsed.Sections,
				FrontMatter:  parsed.FrontMatter,
			}
			for _, s := range parsed.Sections {
				docs[i].WordCount += s.WordCount
			}
			if created, ok := parsed.FrontMatter["created"]; ok {
				docs[i].CreatedUnix = toUnixSeconds(created)
			} else {
				docs[i].CreatedUnix = n.modUnix
			}
			docs[i].pendingLinks = parsed.Links
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

// insertDocument registers a document and its aliases (stem, full id,
// front-matter aliases) in the index.
func insertDocument(idx *Index, d *Document) {
	idx.Docs[d.ID] = d
	registerAlias(idx, d.Stem, d.ID)
	registerAlias(idx, d.ID, d.ID)
	if aliases, ok := d.FrontMatter["aliases"].([]any); ok {
		for _, a := range aliases {
			if s, ok := a.(string); ok {
				registerAlias(idx, s, d.ID)
			}
		}
	}
}

func registerAlias(idx *Index, alias, id string) {
	key := strings.ToLower(strings.TrimSpace(alias))
	if key == "" {
		return
	}
	if _, exists := idx.Alias[key]; !exists {
		idx.Alias[key] = id
	}
}

// resolveTarget resolves a raw link's target to a document ID: by alias,
// then by a path relative to fromDir, then by bare stem match.
func resolveTarget(idx *Index, fromDir, target string) (string, bool) {
	target = normalizeLinkTarget(target)
	if target == "" {
		return "", false
	}
	if id, ok := idx.Alias[strings.ToLower(target)]; ok {
		return id, true
	}
	joined := filepath.ToSlash(filepath.Join(fromDir, target))
	if id, ok := idx.Alias[strings.ToLower(idOf(joined))]; ok {
		return id, true
	}
	if id, ok := idx.Alias[strings.ToLower(stemOf(target))]; ok {
		return id, true
	}
	return "", false
}

// linkAllDocuments resolves every pending link and writes out/in edges.
func linkAllDocuments(idx *Index) {
	for _, d := range idx.Docs {
		linkDocument(idx, d)
	}
}

func linkDocument(idx *Index, d *Document) {
	fromDir := filepath.Dir(d.Path)
	seen := make(map[string]bool)
	for _, link := range d.pendingLinks {
		targetID, ok := resolveTarget(idx, fromDir, link.Target)
		if !ok || targetID == d.ID || seen[targetID] {
			continue
		}
		seen[targetID] = true
		addEdge(idx, d.ID, targetID, EdgeStructural)
	}
	d.pendingLinks = nil
}

func addEdge(idx *Index, from, to, edgeType string) {
	idx.Out[from] = append(idx.Out[from], Edge{From: from, To: to, Type: edgeType})
	idx.In[to] = append(idx.In[to], Edge{From: from, To: to, Type: edgeType})
}

// computeRank assigns each document a static rank: its indegree divided by
// the largest indegree (0 when the graph has no edges). Documents with equal
// indegree get equal rank.
func computeRank(idx *Index) {
	maxIn := 0
	for _, edges := range idx.In {
		if len(edges) > maxIn {
			maxIn = len(edges)
		}
	}
	for id := range idx.Docs {
		if maxIn == 0 {
			idx.Rank[id] = 0
			continue
		}
		idx.Rank[id] = float64(len(idx.In[id])) / float64(maxIn)
	}
}

func toUnixSeconds(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	default:
		return 0
	}
}
