package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"wendao/internal/config"
	"wendao/internal/contextpack"
	"wendao/internal/llm"
	"wendao/internal/recall"
	"wendao/internal/session"
)

// fakeProvider is a scripted llm.Provider: each call pops the next response
// off responses (cycling the last entry once exhausted).
type fakeProvider struct {
	responses []llm.Message
	errs      []error
	calls     int
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.responses[i], err
}

func (f *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	return errors.New("not implemented")
}

func newOrchestrator(t *testing.T, llmProvider llm.Provider, tools ToolCaller) *Orchestrator {
	t.Helper()
	store := session.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.MemoryEnabled = false
	cfg.MaxToolRounds = 3
	return New(llmProvider, "test-model", store, tools, nil, config.EmbeddingConfig{}, recall.DefaultPlannerConfig(), contextpack.New(nil), cfg)
}

func TestParseShortcutRecognizesPrefixes(t *testing.T) {
	kind, rest := parseShortcut("/react do the thing")
	require.Equal(t, ShortcutForceReact, kind)
	require.Equal(t, "do the thing", rest)

	kind, rest = parseShortcut("/GRAPH find related notes")
	require.Equal(t, ShortcutWorkflowBridge, kind)
	require.Equal(t, "find related notes", rest)

	kind, rest = parseShortcut("/crawl https://example.com")
	require.Equal(t, ShortcutCrawl, kind)
	require.Equal(t, "https://example.com", rest)

	kind, rest = parseShortcut("plain message")
	require.Equal(t, ShortcutNone, kind)
	require.Equal(t, "plain message", rest)
}

func TestComputeStandardRouteDecisionFlagsRiskMarkers(t *testing.T) {
	safe := computeStandardRouteDecision("what's the weather like", nil)
	require.Equal(t, RouteReact, safe.Route)
	require.Less(t, safe.Risk, 0.5)

	risky := computeStandardRouteDecision("please rm -rf the data directory", nil)
	require.Greater(t, risky.Risk, 0.5)
	require.Equal(t, "untrusted", risky.ToolTrustClass)

	graphy := computeStandardRouteDecision("show me notes related to quantum computing", nil)
	require.Equal(t, RouteGraph, graphy.Route)
}

func TestComputeStandardRouteDecisionPolicyHintOverridesRoute(t *testing.T) {
	react := RouteReact
	hint := &PolicyHint{ForceRoute: &react, PolicyID: "p1", Reason: "prior graph failures"}
	decision := computeStandardRouteDecision("show me notes related to x", hint)
	require.Equal(t, RouteReact, decision.Route)
	require.Equal(t, "p1", decision.PolicyID)
}

func TestResampleVectorShrinksAndExpands(t *testing.T) {
	vec := []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	shrunk := resampleVector(vec, 5)
	require.Len(t, shrunk, 5)
	require.InDelta(t, 0, shrunk[0], 0.001)
	require.InDelta(t, 9, shrunk[4], 0.001)

	expanded := resampleVector([]float32{1, 2, 3}, 7)
	require.Len(t, expanded, 7)
	require.Equal(t, float32(1), expanded[0])

	same := resampleVector(vec, 10)
	require.Equal(t, vec, same)
}

func TestHashEncodeIsDeterministic(t *testing.T) {
	a := hashEncode("hello world", 8)
	b := hashEncode("hello world", 8)
	require.Equal(t, a, b)
	require.Len(t, a, 8)

	c := hashEncode("different text", 8)
	require.NotEqual(t, a, c)
}

func TestNormalizeInjectionSnapshotDropsOldestAndTruncates(t *testing.T) {
	msgs := []llm.Message{
		{Role: "system", Content: "old-1"},
		{Role: "system", Content: "old-2"},
		{Role: "system", Content: "kept-1"},
		{Role: "user", Content: "this content is definitely longer than the cap we set"},
	}
	snapshot, dropped, truncated := normalizeInjectionSnapshot(msgs, 2, 10)
	require.Len(t, snapshot, 2)
	require.Equal(t, "kept-1", snapshot[0].Content)
	require.ElementsMatch(t, []string{"blk-0", "blk-1"}, dropped)
	require.Contains(t, truncated, "blk-3")
	require.LessOrEqual(t, len(snapshot[1].Content), 10+len("...[truncated]"))
}

func TestRunTurnNoToolCallsPersistsAndReflects(t *testing.T) {
	provider := &fakeProvider{responses: []llm.Message{{Role: "assistant", Content: "the answer is 42"}}}
	orch := newOrchestrator(t, provider, nil)

	var events []ReflectionEvent
	orch.OnReflection(func(ev ReflectionEvent) { events = append(events, ev) })

	text, err := orch.RunTurn(context.Background(), "s1", "what is the answer?")
	require.NoError(t, err)
	require.Equal(t, "the answer is 42", text)

	require.Len(t, events, 1)
	require.Equal(t, "ok", events[0].Status)
	require.Equal(t, 0, events[0].ToolCallCount)

	window, err := orch.Sessions.All(context.Background(), "s1", session.ListWindow)
	require.NoError(t, err)
	require.Len(t, window, 2)
	require.Equal(t, "user", window[0].Role)
	require.Equal(t, "assistant", window[1].Role)
}

func TestRunTurnForceReactShortcutStripsPrefix(t *testing.T) {
	provider := &fakeProvider{responses: []llm.Message{{Role: "assistant", Content: "ok"}}}
	orch := newOrchestrator(t, provider, nil)

	_, err := orch.RunTurn(context.Background(), "s1", "/react hello there")
	require.NoError(t, err)

	window, err := orch.Sessions.All(context.Background(), "s1", session.ListWindow)
	require.NoError(t, err)
	require.Equal(t, "hello there", window[0].Content)
}

func TestRunTurnToolCallWithoutPoolFailsTurn(t *testing.T) {
	toolCallMsg := llm.Message{
		Role:      "assistant",
		ToolCalls: []llm.ToolCall{{Name: "search", ID: "call-1", Args: json.RawMessage(`{}`)}},
	}
	provider := &fakeProvider{responses: []llm.Message{toolCallMsg}}
	orch := newOrchestrator(t, provider, nil)

	var events []ReflectionEvent
	orch.OnReflection(func(ev ReflectionEvent) { events = append(events, ev) })

	_, err := orch.RunTurn(context.Background(), "s1", "please search for something")
	require.Error(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "error", events[0].Status)
}

func TestRunTurnChatErrorEndsTheTurn(t *testing.T) {
	provider := &fakeProvider{
		responses: []llm.Message{{}},
		errs:      []error{errors.New("provider unreachable")},
	}
	orch := newOrchestrator(t, provider, nil)
	_, err := orch.RunTurn(context.Background(), "s1", "hello")
	require.Error(t, err)
}
