package linkgraph

import (
	"path"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// wikiLinkPattern matches [[alias]] and [[alias#anchor]]. Code spans and
// fenced code blocks are stripped from the source before this runs, so links
// inside them are never picked up (spec: "ignore links inside
// inline code and fenced code blocks"). Indented code blocks are not stripped.
var wikiLinkPattern = regexp.MustCompile(`\[\[([^\]\|#]+)(?:#([^\]\|]+))?(?:\|[^\]]*)?\]\]`)

var frontMatterPattern = regexp.MustCompile(`(?s)\A---\r?\n(.*?)\r?\n---\r?\n?`)

// rawLink is an unresolved link discovered in one document's body.
type rawLink struct {
	Target string // alias or path, before resolution
	Anchor string
}

// parsedNote is the intermediate result of parsing one file's bytes, before
// the target alias/path references are resolved against the rest of the
// notebook.
type parsedNote struct {
	FrontMatter map[string]any
	Title       string
	Tags        []string
	Sections    []Section
	SearchText  string
	Links       []rawLink
}

// splitFrontMatter extracts a leading YAML front-matter block, if any,
// returning the decoded fields and the remaining body.
func splitFrontMatter(content string) (map[string]any, string) {
	m := frontMatterPattern.FindStringSubmatch(content)
	if m == nil {
		return nil, content
	}
	var fm map[string]any
	if err := yaml.Unmarshal([]byte(m[1]), &fm); err != nil {
		return nil, content
	}
	return fm, content[len(m[0]):]
}

func frontMatterTags(fm map[string]any) []string {
	raw, ok := fm["tags"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
		return parts
	default:
		return nil
	}
}

// stripCode blanks fenced code blocks and inline code spans (indented code
// blocks are left as they are) to satisfy the "no links inside code" parsing rule for the wiki-link regex
// pass. Goldmark's own AST walk separately skips code for standard/reference
// links, so this only needs to cover [[...]] syntax goldmark doesn't know.
func stripCode(body string) string {
	var b strings.Builder
	b.Grow(len(body))
	lines := strings.Split(body, "\n")
	inFence := false
	var fence string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inFence && (strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")) {
			inFence = true
			fence = trimmed[:3]
			b.WriteByte('\n')
			continue
		}
		if inFence {
			if strings.HasPrefix(trimmed, fence) {
				inFence = false
			}
			b.WriteByte('\n')
			continue
		}
		b.WriteString(stripInlineCode(line))
		b.WriteByte('\n')
	}
	return b.String()
}

func stripInlineCode(line string) string {
	var b strings.Builder
	inSpan := false
	for _, r := range line {
		if r == '`' {
			inSpan = !inSpan
			continue
		}
		if inSpan {
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func extractWikiLinks(body string) []rawLink {
	cleaned := stripCode(body)
	matches := wikiLinkPattern.FindAllStringSubmatch(cleaned, -1)
	out := make([]rawLink, 0, len(matches))
	for _, m := range matches {
		target := strings.TrimSpace(m[1])
		if target == "" {
			continue
		}
		out = append(out, rawLink{Target: target, Anchor: strings.TrimSpace(m[2])})
	}
	return out
}

// sectionCollector walks the goldmark AST to collect headings (as section
// boundaries), word counts, and standard/reference-style links. Grounded on
// the pack's only goldmark consumer,
// _examples/nevindra-oasis/frontend/telegram/markdown.go, which likewise
// switches on ast.Kind* constants while walking the tree rather than
// rendering to an output format.
type sectionCollector struct {
	src      []byte
	sections []Section
	links    []rawLink
	stack    []Section // open ancestors, by heading level
}

func (c *sectionCollector) currentPathKey() string {
	parts := make([]string, 0, len(c.stack))
	for _, s := range c.stack {
		parts = append(parts, s.Title)
	}
	return strings.Join(parts, "/")
}

func (c *sectionCollector) plainText(n ast.Node) string {
	var b strings.Builder
	ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := node.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(c.src))
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

func (c *sectionCollector) openSection(level int, title string) {
	for len(c.stack) > 0 && c.stack[len(c.stack)-1].Level >= level {
		c.stack = c.stack[:len(c.stack)-1]
	}
	pathKey := title
	if len(c.stack) > 0 {
		pathKey = c.currentPathKey() + "/" + title
	}
	sec := Section{Level: level, PathKey: pathKey, Title: title}
	c.stack = append(c.stack, sec)
	c.sections = append(c.sections, sec)
}

func (c *sectionCollector) addWords(words int) {
	if len(c.sections) == 0 {
		return
	}
	c.sections[len(c.sections)-1].WordCount += words
	c.sections[len(c.sections)-1].Content += " "
}

func (c *sectionCollector) walk(doc ast.Node) {
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			c.openSection(node.Level, c.plainText(node))
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.CodeSpan:
			// headings and links inside code are not boundaries or edges.
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.TextBlock:
			txt := c.plainText(node)
			c.addWords(len(strings.Fields(txt)))
			if len(c.sections) > 0 {
				c.sections[len(c.sections)-1].Content += txt
			}
		case *ast.Link:
			dest := string(node.Destination)
			c.links = append(c.links, rawLink{Target: dest})
		case *ast.AutoLink:
			dest := string(node.URL(c.src))
			c.links = append(c.links, rawLink{Target: dest})
		}
		return ast.WalkContinue, nil
	})
}

// parseNote parses one note's raw content into front-matter, title, tags,
// sections, search text, and every discovered link (standard/reference via
// goldmark, wiki-links via regex).
func parseNote(defaultTitle, content string) parsedNote {
	fm, body := splitFrontMatter(content)
	tags := frontMatterTags(fm)

	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	src := []byte(body)
	root := md.Parser().Parse(text.NewReader(src), parser.WithContext(parser.NewContext()))

	collector := &sectionCollector{src: src}
	collector.walk(root)

	title := defaultTitle
	if len(collector.sections) > 0 && collector.sections[0].Level <= 2 {
		title = collector.sections[0].Title
	}
	if t, ok := fm["title"].(string); ok && t != "" {
		title = t
	}

	links := append([]rawLink{}, collector.links...)
	links = append(links, extractWikiLinks(body)...)

	searchParts := []string{strings.ToLower(title), strings.ToLower(strings.Join(tags, " "))}
	wordCount := 0
	for _, s := range collector.sections {
		searchParts = append(searchParts, strings.ToLower(s.Content))
		wordCount += s.WordCount
	}
	if wordCount == 0 {
		wordCount = len(strings.Fields(body))
		searchParts = append(searchParts, strings.ToLower(body))
	}

	return parsedNote{
		FrontMatter: fm,
		Title:       title,
		Tags:        tags,
		Sections:    collector.sections,
		SearchText:  strings.Join(searchParts, " "),
		Links:       links,
	}
}

// stemOf returns a file's stem: its base name without extension.
func stemOf(relPath string) string {
	base := path.Base(relPath)
	if i := strings.LastIndex(base, "."); i > 0 {
		return base[:i]
	}
	return base
}

// idOf returns a document's stable ID: its relative path without extension.
func idOf(relPath string) string {
	if i := strings.LastIndex(relPath, "."); i > 0 {
		return relPath[:i]
	}
	return relPath
}

// normalizeLinkTarget strips anchors/query strings from a link target path,
// leaving a path resolvable relative to the owning document's directory.
func normalizeLinkTarget(target string) string {
	if i := strings.IndexAny(target, "#?"); i >= 0 {
		target = target[:i]
	}
	return strings.TrimSpace(target)
}
