// Package openai adapts OpenAI-compatible chat completion APIs (including
// self-hosted completions-API servers) to the llm.Provider interface,
// grounded on manifold's internal/llm/openai client (trimmed of the Gemini
// compatibility shim, image generation, and the Responses-API chat paths; the
// Responses API is used only by ResponsesTokenizer's input-token count).
package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"wendao/internal/config"
	"wendao/internal/llm"
	"wendao/internal/observability"
)

type Client struct {
	sdk         sdk.Client
	model       string
	extra       map[string]any
	logPayloads bool
	baseURL     string
	apiKey      string
	httpClient  *http.Client
}

// New constructs an OpenAI-compatible llm.Provider. An empty BaseURL talks to
// the public OpenAI API; any other BaseURL is treated as a self-hosted
// completions-API server (e.g. vLLM, mlx_lm.server, llama.cpp server). The
// same base URL is used by ResponsesTokenizer, which posts to its
// /responses/input_tokens endpoint.
func New(c config.OpenAIConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithAPIKey(c.APIKey)}
	if c.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.BaseURL))
	}
	opts = append(opts, option.WithHTTPClient(httpClient))

	return &Client{
		sdk:        sdk.NewClient(opts...),
		model:      c.Model,
		baseURL:    c.BaseURL,
		apiKey:     c.APIKey,
		httpClient: httpClient,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	effectiveModel := firstNonEmpty(model, c.model)
	log := observability.LoggerWithTrace(ctx)

	params := sdk.ChatCompletionNewParams{Model: sdk.ChatModel(effectiveModel)}
	params.Messages = AdaptMessages(msgs)
	if len(tools) > 0 {
		params.Tools = AdaptSchemas(tools)
	}
	if len(c.extra) > 0 {
		params.SetExtraFields(c.extra)
	}

	ctx, span := llm.StartRequestSpan(ctx, "OpenAI Chat", string(params.Model), len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)
	if c.logPayloads {
		if raw, err := json.Marshal(c.extra); err == nil {
			log.Debug().RawJSON("extra", raw).Msg("chat_completion_extra_fields")
		}
	}

	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", string(params.Model)).Int("tools", len(tools)).Dur("duration", dur).Msg("chat_completion_error")
		return llm.Message{}, err
	}

	var out llm.Message
	if len(comp.Choices) > 0 {
		msg := comp.Choices[0].Message
		out = llm.Message{Role: "assistant", Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			if v, ok := tc.AsAny().(sdk.ChatCompletionMessageFunctionToolCall); ok {
				if strings.TrimSpace(v.Function.Arguments) == "" {
					continue
				}
				out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
					Name: v.Function.Name,
					Args: json.RawMessage(v.Function.Arguments),
					ID:   v.ID,
				})
			}
		}
	}
	llm.LogRedactedResponse(ctx, comp.Choices)

	promptTokens := int(comp.Usage.PromptTokens)
	completionTokens := int(comp.Usage.CompletionTokens)
	llm.RecordTokenAttributes(span, promptTokens, completionTokens, int(comp.Usage.TotalTokens))
	llm.RecordTokenMetrics(string(params.Model), promptTokens, completionTokens)

	log.Debug().
		Str("model", string(params.Model)).
		Int("tools", len(tools)).
		Dur("duration", dur).
		Int("prompt_tokens", promptTokens).
		Int("completion_tokens", completionTokens).
		Msg("chat_completion_ok")

	return out, nil
}

func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	effectiveModel := firstNonEmpty(model, c.model)
	log := observability.LoggerWithTrace(ctx)

	params := sdk.ChatCompletionNewParams{Model: sdk.ChatModel(effectiveModel)}
	params.Messages = AdaptMessages(msgs)
	if len(tools) > 0 {
		params.Tools = AdaptSchemas(tools)
	}
	if len(c.extra) > 0 {
		params.SetExtraFields(c.extra)
	}

	ctx, span := llm.StartRequestSpan(ctx, "OpenAI ChatStream", string(params.Model), len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)

	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	toolArgs := map[int64]*strings.Builder{}
	toolNames := map[int64]string{}
	toolIDs := map[int64]string{}

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" && h != nil {
			h.OnDelta(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			if tc.ID != "" {
				toolIDs[idx] = tc.ID
			}
			if tc.Function.Name != "" {
				toolNames[idx] = tc.Function.Name
			}
			if toolArgs[idx] == nil {
				toolArgs[idx] = &strings.Builder{}
			}
			toolArgs[idx].WriteString(tc.Function.Arguments)
		}
	}
	if err := stream.Err(); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", string(params.Model)).Msg("chat_stream_error")
		return err
	}
	for idx, buf := range toolArgs {
		if h != nil {
			h.OnToolCall(llm.ToolCall{Name: toolNames[idx], ID: toolIDs[idx], Args: json.RawMessage(buf.String())})
		}
	}
	return nil
}
