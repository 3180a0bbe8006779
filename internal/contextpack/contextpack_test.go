package contextpack

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"wendao/internal/llm"
)

func longContent(tokens int) string {
	return strings.Repeat("a", tokens*4)
}

func TestPackUnderBudgetKeepsEverything(t *testing.T) {
	p := New(nil)
	msgs := []llm.Message{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	res := p.Pack(msgs, 1000, 0, StrategyDrop)
	require.Equal(t, 3, res.Report.KeptMessages)
	require.Equal(t, 0, res.Report.DroppedMessages)
	require.Equal(t, len(msgs), len(res.Messages))
}

func TestPackDropKeepsUserAssistantPairsIntact(t *testing.T) {
	p := New(nil)
	msgs := []llm.Message{
		{Role: "user", Content: longContent(50)},
		{Role: "assistant", Content: longContent(50)},
		{Role: "user", Content: longContent(10)},
		{Role: "assistant", Content: longContent(10)},
	}
	res := p.Pack(msgs, 40, 0, StrategyDrop)
	require.Equal(t, 2, res.Report.KeptMessages)
	require.Equal(t, 2, res.Report.DroppedMessages)
	// the kept turn must be the newest (smaller) one, as a whole pair
	require.Equal(t, "user", res.Messages[0].Role)
	require.Equal(t, "assistant", res.Messages[1].Role)
	require.Equal(t, longContent(10), res.Messages[0].Content)
}

func TestPackDropPrioritizesSummarySystemLast(t *testing.T) {
	p := New(nil)
	msgs := []llm.Message{
		{Role: "system", Name: "summary_segment", Content: longContent(20)},
		{Role: "system", Content: longContent(20)},
		{Role: "user", Content: longContent(20)},
		{Role: "assistant", Content: longContent(20)},
	}
	res := p.Pack(msgs, 65, 0, StrategyDrop)
	// non_system group (user+assistant, 40 tokens) must be dropped first
	var roles []string
	for _, m := range res.Messages {
		roles = append(roles, m.Role)
	}
	require.NotContains(t, roles, "user")
	require.NotContains(t, roles, "assistant")
	require.Contains(t, roles, "system")
}

func TestPackTruncateNeverChangesRole(t *testing.T) {
	p := New(nil)
	msgs := []llm.Message{
		{Role: "user", Content: longContent(100)},
		{Role: "assistant", Content: longContent(100)},
	}
	res := p.Pack(msgs, 30, 0, StrategyTruncate)
	require.Equal(t, 2, len(res.Messages))
	require.Equal(t, "user", res.Messages[0].Role)
	require.Equal(t, "assistant", res.Messages[1].Role)
	require.Greater(t, res.Report.TruncatedMessages, 0)
	require.Less(t, len(res.Messages[0].Content), len(longContent(100)))
}

func TestPackIsIdempotent(t *testing.T) {
	p := New(nil)
	msgs := []llm.Message{
		{Role: "system", Content: longContent(30)},
		{Role: "user", Content: longContent(80)},
		{Role: "assistant", Content: longContent(80)},
	}
	first := p.Pack(msgs, 60, 0, StrategyHybrid)
	second := p.Pack(first.Messages, 60, 0, StrategyHybrid)
	require.Equal(t, first.Messages, second.Messages)
}

func TestPackGlobalInvariants(t *testing.T) {
	p := New(nil)
	msgs := []llm.Message{
		{Role: "system", Name: "summary_segment", Content: longContent(10)},
		{Role: "system", Content: longContent(10)},
		{Role: "user", Content: longContent(40)},
		{Role: "assistant", Content: longContent(40)},
		{Role: "user", Content: longContent(5)},
		{Role: "assistant", Content: longContent(5)},
	}
	res := p.Pack(msgs, 50, 5, StrategyHybrid)
	require.Equal(t, res.Report.KeptMessages+res.Report.DroppedMessages, res.Report.InputMessages)
	require.LessOrEqual(t, res.Report.KeptTokens, 45)
}

func TestEffectiveBudgetFlooredAtZero(t *testing.T) {
	p := New(nil)
	msgs := []llm.Message{{Role: "user", Content: "hi"}}
	res := p.Pack(msgs, 5, 100, StrategyDrop)
	require.Equal(t, 0, res.Report.KeptMessages)
}
