package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/stretchr/testify/require"

	"wendao/internal/config"
	"wendao/internal/llm"
)

type streamRecorder struct {
	deltas []string
	calls  []llm.ToolCall
}

func (s *streamRecorder) OnDelta(content string)          { s.deltas = append(s.deltas, content) }
func (s *streamRecorder) OnToolCall(tc llm.ToolCall)      { s.calls = append(s.calls, tc) }
func (s *streamRecorder) OnImage(llm.GeneratedImage)      {}
func (s *streamRecorder) OnThoughtSummary(summary string) {}

func minimalUsage() sdk.Usage {
	return sdk.Usage{}
}

func TestChatReturnsText(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		defer r.Body.Close()
		w.Header().Set("Content-Type", "application/json")
		resp := sdk.Message{
			ID:         "msg_1",
			Type:       constant.Message("message"),
			Role:       constant.Assistant("assistant"),
			Model:      sdk.ModelClaudeSonnet4_5,
			StopReason: sdk.StopReasonEndTurn,
			Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "hello"}},
			Usage:      minimalUsage(),
		}
		b, _ := json.Marshal(resp)
		_, _ = w.Write(b)
	}))
	t.Cleanup(srv.Close)

	client := New(config.AnthropicConfig{APIKey: "k", Model: "m", BaseURL: srv.URL}, srv.Client())
	msg, err := client.Chat(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil, "")
	require.NoError(t, err)
	require.Equal(t, "hello", msg.Content)
	require.Equal(t, "/v1/messages", gotPath)
}

func TestChatToolCall(t *testing.T) {
	var reqBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		_ = json.NewDecoder(r.Body).Decode(&reqBody)
		w.Header().Set("Content-Type", "application/json")
		resp := sdk.Message{
			ID:         "msg_2",
			Type:       constant.Message("message"),
			Role:       constant.Assistant("assistant"),
			Model:      sdk.ModelClaudeSonnet4_5,
			StopReason: sdk.StopReasonToolUse,
			Content: []sdk.ContentBlockUnion{
				{Type: "tool_use", Name: "lookup", ID: "", Input: json.RawMessage(`{"x":2}`)},
			},
			Usage: minimalUsage(),
		}
		b, _ := json.Marshal(resp)
		_, _ = w.Write(b)
	}))
	t.Cleanup(srv.Close)

	client := New(config.AnthropicConfig{APIKey: "k", BaseURL: srv.URL}, srv.Client())
	msg, err := client.Chat(context.Background(), []llm.Message{{Role: "user", Content: "go"}}, []llm.ToolSchema{
		{Name: "lookup", Description: "desc", Parameters: map[string]any{"type": "object"}},
	}, "")
	require.NoError(t, err)
	require.Len(t, msg.ToolCalls, 1)
	require.Equal(t, "lookup", msg.ToolCalls[0].Name)
	require.NotEmpty(t, msg.ToolCalls[0].ID)
	require.NotNil(t, reqBody["tools"])
}

func TestAdaptMessagesRejectsUnknownRole(t *testing.T) {
	_, _, err := adaptMessages([]llm.Message{{Role: "weird", Content: "x"}})
	require.Error(t, err)
}

func TestToolBufferAccumulatesPartialJSON(t *testing.T) {
	tb := &toolBuffer{name: "lookup", id: "call-1"}
	tb.appendInitial(json.RawMessage("{}"))
	tb.appendPartial(`{"x"`)
	tb.appendPartial(`:1}`)
	tc := tb.toToolCall()
	require.JSONEq(t, `{"x":1}`, string(tc.Args))
}
