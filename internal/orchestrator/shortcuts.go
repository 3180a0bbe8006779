package orchestrator

import "strings"

// ShortcutKind classifies the prefix-matched shortcuts run_turn recognizes
// before falling through to the standard turn.
type ShortcutKind int

const (
	ShortcutNone ShortcutKind = iota
	ShortcutForceReact
	ShortcutWorkflowBridge
	ShortcutCrawl
)

const (
	forceReactPrefix     = "/react "
	workflowBridgePrefix = "/graph "
	crawlPrefix          = "/crawl "
)

// parseShortcut recognizes a leading shortcut prefix (case-insensitive,
// surrounding whitespace trimmed) and returns the remaining message with
// the prefix stripped. An unmatched message returns ShortcutNone and the
// original text unchanged.
func parseShortcut(message string) (ShortcutKind, string) {
	trimmed := strings.TrimSpace(message)
	lower := strings.ToLower(trimmed)

	switch {
	case strings.HasPrefix(lower, forceReactPrefix):
		return ShortcutForceReact, strings.TrimSpace(trimmed[len(forceReactPrefix):])
	case strings.HasPrefix(lower, workflowBridgePrefix):
		return ShortcutWorkflowBridge, strings.TrimSpace(trimmed[len(workflowBridgePrefix):])
	case strings.HasPrefix(lower, crawlPrefix):
		return ShortcutCrawl, strings.TrimSpace(trimmed[len(crawlPrefix):])
	default:
		return ShortcutNone, message
	}
}
