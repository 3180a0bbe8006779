// Package orchestrator implements the Turn Orchestrator (Component H): the
// one-turn control flow that integrates the episode store, context packer,
// recall planner, tool pool, and session stores around an llm.Provider.
// Every turn is classified into a route decision before its messages are
// assembled, packed, and driven through a bounded tool-call loop.
package orchestrator

import (
	"context"
	"sync"

	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"

	"wendao/internal/config"
	"wendao/internal/contextpack"
	"wendao/internal/episode"
	"wendao/internal/llm"
	"wendao/internal/recall"
	"wendao/internal/session"
	"wendao/internal/toolpool"
)

// ToolCaller is the slice of *toolpool.Manager the orchestrator drives: list
// the tool catalog and dispatch a call by qualified name. Defined as an
// interface (rather than depending on *toolpool.Manager directly) so tests
// can exercise the tool-call loop without a live MCP server.
type ToolCaller interface {
	ListTools(ctx context.Context) ([]toolpool.ToolRecord, error)
	CallTool(ctx context.Context, qualifiedName string, arguments map[string]any) (*mcppkg.CallToolResult, error)
}

// Config holds the orchestrator's tunables, sourced from config.Config at
// composition time.
type Config struct {
	MaxToolRounds        int
	WindowMaxTurns       int64
	SummaryMaxSegments   int64
	ContextBudgetTokens  int
	ContextReserveTokens int
	PackStrategy         contextpack.Strategy
	MemoryEnabled        bool
	RecallScope          string
	EmbedTimeoutSecs     int
	MaxInjectionBlocks   int
	MaxInjectionChars    int
}

// DefaultConfig returns the orchestrator's built-in defaults. cmd/agentd
// starts from it and replaces MaxToolRounds and ContextBudgetTokens with the
// configured MaxRounds and TurnBudget when those are positive.
func DefaultConfig() Config {
	return Config{
		MaxToolRounds:        6,
		WindowMaxTurns:       40,
		SummaryMaxSegments:   20,
		ContextBudgetTokens:  8000,
		ContextReserveTokens: 1000,
		PackStrategy:         contextpack.StrategyHybrid,
		MemoryEnabled:        true,
		RecallScope:          "default",
		EmbedTimeoutSecs:     3,
		MaxInjectionBlocks:   16,
		MaxInjectionChars:    4000,
	}
}

// PolicyHint is a one-shot override a prior reflection pass can queue for
// the next turn on a session (e.g. "force react, this session keeps
// mis-routing to the graph bridge").
type PolicyHint struct {
	ForceRoute *Route
	PolicyID   string
	Reason     string
}

// Orchestrator wires every component RunTurn needs to drive one turn.
type Orchestrator struct {
	LLM       llm.Provider
	Model     string
	Sessions  session.Store
	Tools     ToolCaller
	Episodes  *episode.Store
	Embedding config.EmbeddingConfig
	RecallCfg recall.PlannerConfig
	Packer    *contextpack.Packer
	Cfg       Config

	onReflection func(ReflectionEvent)

	mu                sync.Mutex
	bias              map[string]float64
	pendingInjection  map[string]string
	pendingPolicyHint map[string]*PolicyHint
	lastSnapshot      map[string]contextpack.Result
}

// New constructs an Orchestrator. packer defaults to contextpack.New(nil)
// when nil.
func New(llmProvider llm.Provider, model string, sessions session.Store, tools ToolCaller, episodes *episode.Store, embedCfg config.EmbeddingConfig, recallCfg recall.PlannerConfig, packer *contextpack.Packer, cfg Config) *Orchestrator {
	if packer == nil {
		packer = contextpack.New(nil)
	}
	return &Orchestrator{
		LLM:               llmProvider,
		Model:             model,
		Sessions:          sessions,
		Tools:             tools,
		Episodes:          episodes,
		Embedding:         embedCfg,
		RecallCfg:         recallCfg,
		Packer:            packer,
		Cfg:               cfg,
		bias:              map[string]float64{},
		pendingInjection:  map[string]string{},
		pendingPolicyHint: map[string]*PolicyHint{},
		lastSnapshot:      map[string]contextpack.Result{},
	}
}

// OnReflection registers a hook called once per turn (success, tool
// failure, or round-limit failure) with a structured reflection record.
func (o *Orchestrator) OnReflection(fn func(ReflectionEvent)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onReflection = fn
}

// QueueInjection stashes a system-prompt injection snapshot for sessionID's
// next turn. It is consumed (and cleared) by the next RunTurn call.
func (o *Orchestrator) QueueInjection(sessionID, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pendingInjection[sessionID] = text
}

// QueuePolicyHint stashes a one-shot route override for sessionID's next
// turn, consumed (and cleared) by the next RunTurn call.
func (o *Orchestrator) QueuePolicyHint(sessionID string, hint PolicyHint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := hint
	o.pendingPolicyHint[sessionID] = &h
}

// LastPackSnapshot returns the most recent Pack result recorded for
// sessionID, for callers (tests, admin tooling) that want to inspect what
// was dropped or truncated.
func (o *Orchestrator) LastPackSnapshot(sessionID string) (contextpack.Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.lastSnapshot[sessionID]
	return r, ok
}

func (o *Orchestrator) takeInjection(sessionID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	text, ok := o.pendingInjection[sessionID]
	if ok {
		delete(o.pendingInjection, sessionID)
	}
	return text, ok
}

func (o *Orchestrator) takePolicyHint(sessionID string) *PolicyHint {
	o.mu.Lock()
	defer o.mu.Unlock()
	hint := o.pendingPolicyHint[sessionID]
	delete(o.pendingPolicyHint, sessionID)
	return hint
}

func (o *Orchestrator) biasFor(sessionID string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bias[sessionID]
}

func (o *Orchestrator) setBias(sessionID string, v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bias[sessionID] = v
}

func (o *Orchestrator) recordSnapshot(sessionID string, r contextpack.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastSnapshot[sessionID] = r
}

// RunTurn drives session_id/user_message through shortcut parsing, route
// decision, context assembly, token-budget packing, and the bounded
// tool-call loop, returning the assistant's final text.
func (o *Orchestrator) RunTurn(ctx context.Context, sessionID, userMessage string) (string, error) {
	kind, rest := parseShortcut(userMessage)

	switch kind {
	case ShortcutForceReact:
		decision := RouteDecision{Route: RouteReact, Risk: 0, Confidence: 1, ToolTrustClass: "trusted", Reason: "force-react shortcut"}
		return o.runStandardTurn(ctx, sessionID, rest, decision)
	case ShortcutWorkflowBridge:
		decision := RouteDecision{Route: RouteGraph, Risk: 0.3, Confidence: 0.7, FallbackPolicy: FallbackRouteToReact, ToolTrustClass: "bridge", Reason: "workflow bridge shortcut"}
		return o.runWorkflowBridgeShortcut(ctx, sessionID, rest, decision)
	case ShortcutCrawl:
		decision := RouteDecision{Route: RouteGraph, Risk: 0.2, Confidence: 0.8, ToolTrustClass: "crawl", Reason: "crawl shortcut"}
		return o.runCrawlShortcut(ctx, sessionID, rest, decision)
	default:
		hint := o.takePolicyHint(sessionID)
		decision := computeStandardRouteDecision(userMessage, hint)
		return o.runStandardTurn(ctx, sessionID, userMessage, decision)
	}
}

// runStandardTurn performs context assembly, packing, and the tool-call
// loop for a non-shortcut (or force-react) turn.
func (o *Orchestrator) runStandardTurn(ctx context.Context, sessionID, userMessage string, decision RouteDecision) (string, error) {
	assembled, recallCandidates, err := o.assembleContext(ctx, sessionID, userMessage)
	if err != nil {
		return "", err
	}

	snapshot, _, _ := normalizeInjectionSnapshot(assembled, o.Cfg.MaxInjectionBlocks, o.Cfg.MaxInjectionChars)

	packed := o.Packer.Pack(snapshot, o.Cfg.ContextBudgetTokens, o.Cfg.ContextReserveTokens, o.Cfg.PackStrategy)
	o.recordSnapshot(sessionID, packed)

	return o.runToolLoop(ctx, sessionID, userMessage, packed.Messages, recallCandidates, decision)
}
