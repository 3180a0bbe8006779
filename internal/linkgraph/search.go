package linkgraph

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// SearchFilters are the post-candidate filters a query string's directives
// compile down to.
type SearchFilters struct {
	IncludePaths []string
	ExcludePaths []string

	TagsAll []string
	TagsAny []string
	TagsNot []string

	LinkTo        string
	LinkToNegate  bool
	LinkedBy      string
	LinkedByNegate bool

	RelatedSeeds       []string
	RelatedMaxDistance int

	MentionsOf         string
	MentionedByNotes   []string

	Orphan          bool
	Tagless         bool
	MissingBacklink bool

	CreatedAfter   int64
	CreatedBefore  int64
	ModifiedAfter  int64
	ModifiedBefore int64

	EdgeTypes []string
}

// SearchOptions controls how a query is matched, sorted, and filtered.
type SearchOptions struct {
	MatchStrategy string // "fts" (default) | "exact" | "re" | "path_fuzzy"
	CaseSensitive bool
	SortTerms     []string
	Filters       SearchFilters
}

// SearchResultRow is one projected hit in a search response.
type SearchResultRow struct {
	DocID       string
	Stem        string
	Path        string
	Title       string
	Score       float64
	MatchReason string
	Section     string
}

// SearchResponse is the full payload returned by Search.
type SearchResponse struct {
	Query           string
	Options         SearchOptions
	HitCount        int
	SectionHitCount int
	Results         []SearchResultRow
}

var directivePattern = regexp.MustCompile(`^(-?)([a-z-]+):(.*)$`)

// parseQueryDirectives splits a query string into directives (key/value,
// possibly negated) and free-text search terms. Multi-value directives
// accept comma or pipe separated lists; `tag:(A OR B)` expands into the
// tag-any directive.
func parseQueryDirectives(query string) (terms []string, opts SearchOptions) {
	opts.MatchStrategy = "fts"
	tokens := tokenizeQuery(query)
	for _, tok := range tokens {
		m := directivePattern.FindStringSubmatch(tok)
		if m == nil {
			terms = append(terms, tok)
			continue
		}
		negate := m[1] == "-"
		key := m[2]
		value := m[3]
		applyDirective(&opts, key, value, negate)
	}
	return terms, opts
}

// tokenizeQuery splits on whitespace but keeps a `tag:(A OR B)` group intact.
func tokenizeQuery(query string) []string {
	var tokens []string
	var cur strings.Builder
	depth := 0
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range query {
		switch {
		case r == '(':
			depth++
			cur.WriteRune(r)
		case r == ')':
			if depth > 0 {
				depth--
			}
			cur.WriteRune(r)
		case r == ' ' && depth == 0:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func splitValues(value string) []string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "(")
	value = strings.TrimSuffix(value, ")")
	value = strings.ReplaceAll(value, " OR ", ",")
	fields := strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == '|' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func applyDirective(opts *SearchOptions, key, value string, negate bool) {
	f := &opts.Filters
	switch key {
	case "match":
		opts.MatchStrategy = value
	case "sort":
		opts.SortTerms = splitValues(value)
	case "case":
		opts.CaseSensitive = value == "sensitive" || value == "true"
	case "tag":
		if negate {
			f.TagsNot = append(f.TagsNot, splitValues(value)...)
		} else {
			f.TagsAny = append(f.TagsAny, splitValues(value)...)
		}
	case "to":
		if negate {
			f.ExcludePaths = append(f.ExcludePaths, splitValues(value)...)
		} else {
			f.IncludePaths = append(f.IncludePaths, splitValues(value)...)
		}
	case "from":
		// path-prefix directive alias, same semantics as "to".
		if negate {
			f.ExcludePaths = append(f.ExcludePaths, splitValues(value)...)
		} else {
			f.IncludePaths = append(f.IncludePaths, splitValues(value)...)
		}
	case "link-to":
		f.LinkTo, f.LinkToNegate = value, negate
	case "linked-by":
		f.LinkedBy, f.LinkedByNegate = value, negate
	case "related":
		parts := strings.SplitN(value, "~", 2)
		f.RelatedSeeds = append(f.RelatedSeeds, parts[0])
		if len(parts) == 2 {
			if d, err := strconv.Atoi(parts[1]); err == nil {
				f.RelatedMaxDistance = d
			}
		}
	case "mentions-of":
		f.MentionsOf = value
	case "mentioned-by-notes":
		f.MentionedByNotes = append(f.MentionedByNotes, splitValues(value)...)
	case "orphan":
		f.Orphan = true
	case "tagless":
		f.Tagless = true
	case "missing-backlink":
		f.MissingBacklink = true
	case "created>=":
		f.CreatedAfter = parseUnix(value)
	case "created<=":
		f.CreatedBefore = parseUnix(value)
	case "modified>=":
		f.ModifiedAfter = parseUnix(value)
	case "modified<=":
		f.ModifiedBefore = parseUnix(value)
	case "edge-types":
		f.EdgeTypes = splitValues(value)
	}
}

func parseUnix(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}

// Search evaluates a query string against the index and returns scored,
// filtered, sorted results.
func (idx *Index) Search(query string, limit int) SearchResponse {
	terms, opts := parseQueryDirectives(query)
	candidates := make([]SearchResultRow, 0, len(idx.Docs))
	sectionHits := 0

	for id, d := range idx.Docs {
		if !passesFilters(idx, d, opts.Filters) {
			continue
		}
		score, reason, sectionTitle := scoreDocument(d, terms, opts)
		if score <= 0 && len(terms) > 0 {
			continue
		}
		if sectionTitle != "" {
			sectionHits++
		}
		candidates = append(candidates, SearchResultRow{
			DocID:       id,
			Stem:        d.Stem,
			Path:        d.Path,
			Title:       d.Title,
			Score:       score,
			MatchReason: reason,
			Section:     sectionTitle,
		})
	}

	sortResults(candidates, opts.SortTerms)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	return SearchResponse{
		Query:           query,
		Options:         opts,
		HitCount:        len(candidates),
		SectionHitCount: sectionHits,
		Results:         candidates,
	}
}

func scoreDocument(d *Document, terms []string, opts SearchOptions) (score float64, reason, sectionTitle string) {
	haystack := d.SearchText
	needleTerms := terms
	if opts.CaseSensitive {
		haystack = d.RawContent
	}
	if len(needleTerms) == 0 {
		return 1, "no-query", ""
	}

	switch opts.MatchStrategy {
	case "exact":
		for _, t := range needleTerms {
			needle := t
			if !opts.CaseSensitive {
				needle = strings.ToLower(needle)
			}
			if strings.Contains(haystack, needle) || strings.Contains(strings.ToLower(d.Title), strings.ToLower(needle)) || strings.Contains(strings.ToLower(strings.Join(d.Tags, " ")), strings.ToLower(needle)) {
				score++
				reason = "exact"
			}
		}
	case "re":
		for _, t := range needleTerms {
			re, err := regexp.Compile(t)
			if err != nil {
				continue
			}
			if re.MatchString(d.RawContent) {
				score++
				reason = "regex"
			}
		}
	case "path_fuzzy":
		pathTokens := strings.FieldsFunc(strings.ToLower(d.Path), func(r rune) bool { return r == '/' || r == '-' || r == '_' || r == '.' })
		for _, t := range needleTerms {
			lt := strings.ToLower(t)
			for _, pt := range pathTokens {
				if strings.Contains(pt, lt) {
					score += 1
					reason = "path_fuzzy"
				}
			}
			if strings.Contains(strings.ToLower(d.Title), lt) {
				score += 0.5
				reason = "path_fuzzy"
			}
		}
	default: // fts
		tokens := strings.Fields(haystack)
		freq := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			freq[strings.ToLower(tok)]++
		}
		for _, t := range needleTerms {
			lt := strings.ToLower(t)
			if n := freq[lt]; n > 0 {
				score += float64(n)
				reason = "fts"
			}
			if strings.Contains(haystack, lt) {
				score += 0.1
				if reason == "" {
					reason = "fts"
				}
			}
		}
	}

	for _, s := range d.Sections {
		content := s.Content
		if !opts.CaseSensitive {
			content = strings.ToLower(content)
		}
		for _, t := range needleTerms {
			needle := t
			if !opts.CaseSensitive {
				needle = strings.ToLower(needle)
			}
			if strings.Contains(content, needle) {
				sectionTitle = s.Title
				break
			}
		}
		if sectionTitle != "" {
			break
		}
	}
	return score, reason, sectionTitle
}

func passesFilters(idx *Index, d *Document, f SearchFilters) bool {
	lowerPath := strings.ToLower(d.Path)
	for _, p := range f.IncludePaths {
		if !strings.HasPrefix(lowerPath, strings.ToLower(p)) {
			return false
		}
	}
	for _, p := range f.ExcludePaths {
		if strings.HasPrefix(lowerPath, strings.ToLower(p)) {
			return false
		}
	}
	if len(f.TagsAll) > 0 && !tagsContainAll(d.Tags, f.TagsAll) {
		return false
	}
	if len(f.TagsAny) > 0 && !tagsContainAny(d.Tags, f.TagsAny) {
		return false
	}
	if len(f.TagsNot) > 0 && tagsContainAny(d.Tags, f.TagsNot) {
		return false
	}
	if f.Orphan && (len(idx.Out[d.ID]) > 0 || len(idx.In[d.ID]) > 0) {
		return false
	}
	if f.Tagless && len(d.Tags) > 0 {
		return false
	}
	if f.MissingBacklink && !hasMissingBacklink(idx, d.ID) {
		return false
	}
	if f.CreatedAfter > 0 && d.CreatedUnix < f.CreatedAfter {
		return false
	}
	if f.CreatedBefore > 0 && d.CreatedUnix > f.CreatedBefore {
		return false
	}
	if f.ModifiedAfter > 0 && d.ModifiedUnix < f.ModifiedAfter {
		return false
	}
	if f.ModifiedBefore > 0 && d.ModifiedUnix > f.ModifiedBefore {
		return false
	}
	if f.MentionsOf != "" && !strings.Contains(strings.ToLower(d.SearchText), strings.ToLower(f.MentionsOf)) {
		return false
	}
	if len(f.RelatedSeeds) > 0 {
		maxDist := f.RelatedMaxDistance
		if maxDist <= 0 {
			maxDist = 2
		}
		found := false
		for _, seed := range f.RelatedSeeds {
			seedID, ok := idx.Alias[strings.ToLower(seed)]
			if !ok {
				continue
			}
			if _, dist, ok := bfsDistance(idx, seedID, d.ID, maxDist); ok && dist <= maxDist {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func hasMissingBacklink(idx *Index, id string) bool {
	for _, e := range idx.Out[id] {
		backlinked := false
		for _, back := range idx.Out[e.To] {
			if back.To == id {
				backlinked = true
				break
			}
		}
		if !backlinked {
			return true
		}
	}
	return false
}

func tagsContainAll(tags, want []string) bool {
	set := tagSet(tags)
	for _, w := range want {
		if !set[strings.ToLower(w)] {
			return false
		}
	}
	return true
}

func tagsContainAny(tags, want []string) bool {
	set := tagSet(tags)
	for _, w := range want {
		if set[strings.ToLower(w)] {
			return true
		}
	}
	return false
}

func tagSet(tags []string) map[string]bool {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[strings.ToLower(t)] = true
	}
	return set
}

// sortResults orders results by the given sort terms, applied
// lexicographically; falls back to score descending then doc ID ascending.
func sortResults(rows []SearchResultRow, terms []string) {
	if len(terms) == 0 {
		terms = []string{"score"}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, term := range terms {
			field, desc := splitSortTerm(term)
			cmp := compareSortField(rows[i], rows[j], field)
			if cmp != 0 {
				if desc {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		return rows[i].DocID < rows[j].DocID
	})
}

func splitSortTerm(term string) (field string, desc bool) {
	parts := strings.SplitN(term, "_", 2)
	field = parts[0]
	desc = defaultDescending(field)
	if len(parts) == 2 {
		desc = parts[1] == "desc"
	}
	return field, desc
}

func defaultDescending(field string) bool {
	switch field {
	case "path", "title", "stem", "random":
		return false
	default:
		return true
	}
}

func compareSortField(a, b SearchResultRow, field string) int {
	switch field {
	case "path":
		return strings.Compare(a.Path, b.Path)
	case "title":
		return strings.Compare(a.Title, b.Title)
	case "stem":
		return strings.Compare(a.Stem, b.Stem)
	case "word_count":
		return 0 // word_count is not carried on result rows; ordering falls to the remaining terms, then the doc ID tie-break.
	default: // score
		switch {
		case a.Score > b.Score:
			return 1
		case a.Score < b.Score:
			return -1
		default:
			return 0
		}
	}
}
