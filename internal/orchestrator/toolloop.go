package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"

	"wendao/internal/coreerr"
	"wendao/internal/llm"
	"wendao/internal/recall"
	"wendao/internal/session"
	"wendao/internal/toolpool"
)

func toolSchemasFrom(records []toolpool.ToolRecord) []llm.ToolSchema {
	schemas := make([]llm.ToolSchema, len(records))
	for i, r := range records {
		schemas[i] = llm.ToolSchema{Name: r.ToolName, Description: r.Description, Parameters: r.InputSchema}
	}
	return schemas
}

func resultText(result *mcppkg.CallToolResult) string {
	if result == nil {
		return ""
	}
	var parts []string
	for _, c := range result.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// executeToolCall dispatches one tool call through the pool and renders its
// result as a tool message. A transport error or a result flagged IsError
// both end the turn, per the tool-loop's fail-fast contract.
func (o *Orchestrator) executeToolCall(ctx context.Context, tc llm.ToolCall) (llm.Message, error) {
	if o.Tools == nil {
		return llm.Message{}, coreerr.New(coreerr.KindInput, "orchestrator: no tool pool configured")
	}
	var args map[string]any
	if len(tc.Args) > 0 {
		if err := json.Unmarshal(tc.Args, &args); err != nil {
			return llm.Message{}, coreerr.Wrap(coreerr.KindInput, "orchestrator: malformed tool call arguments for "+tc.Name, err)
		}
	}

	result, err := o.Tools.CallTool(ctx, tc.Name, args)
	if err != nil {
		return llm.Message{}, coreerr.Wrap(coreerr.KindTransport, "orchestrator: tool call failed: "+tc.Name, err)
	}
	text := resultText(result)
	msg := llm.Message{Role: "tool", Content: text, ToolID: tc.ID}
	if result != nil && result.IsError {
		return msg, coreerr.New(coreerr.KindProtocol, "orchestrator: tool "+tc.Name+" reported an error: "+text)
	}
	return msg, nil
}

// runToolLoop drives the bounded LLM/tool-call cycle: call the model with
// the current messages plus the tool catalog; if it returns no tool calls
// the turn is done; otherwise each call is executed sequentially and its
// result appended before the next round. Exceeding max_tool_rounds and any
// single tool failure are both turn-ending, recoverable failures.
func (o *Orchestrator) runToolLoop(ctx context.Context, sessionID, userMessage string, msgs []llm.Message, candidates []recall.RecallCandidate, decision RouteDecision) (string, error) {
	var schemas []llm.ToolSchema
	if o.Tools != nil {
		if records, err := o.Tools.ListTools(ctx); err == nil {
			schemas = toolSchemasFrom(records)
		}
	}

	maxRounds := o.Cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 1
	}

	toolCallCount := 0
	for round := 0; round < maxRounds; round++ {
		msg, err := o.LLM.Chat(ctx, msgs, schemas, o.Model)
		if err != nil {
			o.finalizeFailure(ctx, sessionID, userMessage, candidates, decision, toolCallCount, coreerr.Wrap(coreerr.KindTransport, "orchestrator: chat call failed", err))
			return "", err
		}
		msgs = append(msgs, msg)

		if len(msg.ToolCalls) == 0 {
			o.finalizeSuccess(ctx, sessionID, userMessage, msg.Content, candidates, decision, toolCallCount)
			return msg.Content, nil
		}

		for _, tc := range msg.ToolCalls {
			toolCallCount++
			resultMsg, toolErr := o.executeToolCall(ctx, tc)
			msgs = append(msgs, resultMsg)
			if toolErr != nil {
				o.finalizeFailure(ctx, sessionID, userMessage, candidates, decision, toolCallCount, toolErr)
				return "", toolErr
			}
		}
	}

	limitErr := coreerr.New(coreerr.KindResourceExhausted, fmt.Sprintf("orchestrator: exceeded max_tool_rounds (%d)", maxRounds))
	o.finalizeFailure(ctx, sessionID, userMessage, candidates, decision, toolCallCount, limitErr)
	return "", limitErr
}

func (o *Orchestrator) persistTurn(ctx context.Context, sessionID, userMessage, assistantText string) {
	userMsg := llm.Message{Role: "user", Content: userMessage}
	assistantMsg := llm.Message{Role: "assistant", Content: assistantText}
	_ = session.AppendCapped(ctx, o.Sessions, sessionID, session.ListMessages, userMsg, 0)
	_ = session.AppendCapped(ctx, o.Sessions, sessionID, session.ListMessages, assistantMsg, 0)
	_ = session.AppendCapped(ctx, o.Sessions, sessionID, session.ListWindow, userMsg, o.Cfg.WindowMaxTurns)
	_ = session.AppendCapped(ctx, o.Sessions, sessionID, session.ListWindow, assistantMsg, o.Cfg.WindowMaxTurns)
}

func (o *Orchestrator) applyFeedback(ctx context.Context, sessionID, userMessage, assistantText string, candidates []recall.RecallCandidate, toolCallCount int, toolFailed bool) {
	summary := &recall.ToolOutcomeSummary{
		Attempted:    toolCallCount > 0,
		AnySucceeded: toolCallCount > 0 && !toolFailed,
		AnyFailed:    toolFailed,
	}
	outcome := recall.ResolveFeedbackOutcome(userMessage, summary, assistantText)
	o.setBias(sessionID, recall.UpdateFeedbackBias(o.RecallCfg, o.biasFor(sessionID), outcome))
	if o.Episodes != nil && len(candidates) > 0 {
		_ = o.Episodes.ApplyRecallCredit(ctx, candidates, outcome, o.RecallCfg.Eta)
	}
}

func (o *Orchestrator) finalizeSuccess(ctx context.Context, sessionID, userMessage, assistantText string, candidates []recall.RecallCandidate, decision RouteDecision, toolCallCount int) {
	o.persistTurn(ctx, sessionID, userMessage, assistantText)
	o.applyFeedback(ctx, sessionID, userMessage, assistantText, candidates, toolCallCount, false)
	o.emitReflection(ctx, ReflectionEvent{
		SessionID:     sessionID,
		Status:        "ok",
		Route:         decision.Route,
		ToolCallCount: toolCallCount,
		Reason:        decision.Reason,
		PolicyID:      decision.PolicyID,
	})
}

func (o *Orchestrator) finalizeFailure(ctx context.Context, sessionID, userMessage string, candidates []recall.RecallCandidate, decision RouteDecision, toolCallCount int, cause error) {
	o.applyFeedback(ctx, sessionID, userMessage, "", candidates, toolCallCount, true)
	o.emitReflection(ctx, ReflectionEvent{
		SessionID:     sessionID,
		Status:        "error",
		Route:         decision.Route,
		ToolCallCount: toolCallCount,
		Reason:        cause.Error(),
		PolicyID:      decision.PolicyID,
	})
}
