package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"wendao/internal/episode"
	"wendao/internal/llm"
	"wendao/internal/recall"
	"wendao/internal/session"
)

const (
	nameSummarySegment  = "summary_segment"
	namePromptInjection = "prompt_injection"
	nameMemoryRecall    = "memory_recall"
)

func lastN(msgs []llm.Message, n int) []llm.Message {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// assembleContext builds the message list RunTurn hands to the packer:
// summary segments, a queued prompt-injection snapshot, an optional
// memory-recall message, the bounded conversation window, then the fresh
// user message last. It also returns the recall candidates (if any) so the
// caller can later apply credit-assignment feedback.
func (o *Orchestrator) assembleContext(ctx context.Context, sessionID, userMessage string) ([]llm.Message, []recall.RecallCandidate, error) {
	window, err := o.Sessions.All(ctx, sessionID, session.ListWindow)
	if err != nil {
		return nil, nil, err
	}
	window = lastN(window, int(o.Cfg.WindowMaxTurns))

	summaries, err := o.Sessions.All(ctx, sessionID, session.ListSummary)
	if err != nil {
		return nil, nil, err
	}
	summaries = lastN(summaries, int(o.Cfg.SummaryMaxSegments))
	for i := range summaries {
		if summaries[i].Name == "" {
			summaries[i].Name = nameSummarySegment
		}
	}

	assembled := make([]llm.Message, 0, len(summaries)+len(window)+3)
	assembled = append(assembled, summaries...)

	if text, ok := o.takeInjection(sessionID); ok && strings.TrimSpace(text) != "" {
		assembled = append(assembled, llm.Message{Role: "system", Name: namePromptInjection, Content: text})
	}

	var candidates []recall.RecallCandidate
	if o.Cfg.MemoryEnabled && o.Episodes != nil {
		recallMsg, cands := o.planAndRecall(ctx, sessionID, userMessage, summaries, window)
		if recallMsg != nil {
			assembled = append(assembled, *recallMsg)
		}
		candidates = cands
	}

	assembled = append(assembled, window...)
	assembled = append(assembled, llm.Message{Role: "user", Content: userMessage})

	return assembled, candidates, nil
}

// planAndRecall runs the recall planner, embeds the user message (with
// dimension repair / hash fallback), recalls episodes, and renders them
// into a single tagged system message. Any embed or recall failure
// degrades to "no recall this turn" rather than failing the turn.
func (o *Orchestrator) planAndRecall(ctx context.Context, sessionID, userMessage string, summaries, window []llm.Message) (*llm.Message, []recall.RecallCandidate) {
	contextTokens := llm.EstimateTokensForMessages(summaries) + llm.EstimateTokensForMessages(window)
	plan := recall.PlanMemoryRecall(o.RecallCfg, recall.PlanInput{
		BaseK1:                     o.RecallCfg.BaseK1,
		BaseK2:                     o.RecallCfg.BaseK2,
		BaseLambda:                 o.RecallCfg.BaseLambda,
		ContextBudgetTokens:        o.Cfg.ContextBudgetTokens,
		ContextBudgetReserveTokens: o.Cfg.ContextReserveTokens,
		ContextTokensBeforeRecall:  contextTokens,
		ActiveTurnsEstimate:        len(window),
		WindowMaxTurns:             int(o.Cfg.WindowMaxTurns),
		SummarySegmentCount:        len(summaries),
	})
	plan = recall.ApplyFeedbackToPlan(o.RecallCfg, plan, o.biasFor(sessionID))

	embedRes, err := embedWithRepair(ctx, o.Embedding, userMessage, o.Embedding.Dimensions, o.Cfg.EmbedTimeoutSecs)
	if err != nil {
		return nil, nil
	}

	hits, err := o.Episodes.TwoPhaseRecallWithEmbeddingForScope(ctx, o.Cfg.RecallScope, embedRes.Vector, plan.K1, plan.K2, plan.Lambda)
	if err != nil || len(hits) == 0 {
		return nil, nil
	}

	var b strings.Builder
	for i, h := range hits {
		if h.Score < plan.MinScore {
			continue
		}
		fmt.Fprintf(&b, "- %s (outcome: %s, score: %.3f)\n", h.Episode.Intent, h.Episode.Outcome, h.Score)
		if b.Len() >= plan.MaxContextChars {
			break
		}
		_ = i
	}
	if b.Len() == 0 {
		return nil, episode.ToRecallCandidates(hits)
	}

	msg := llm.Message{Role: "system", Name: nameMemoryRecall, Content: "Recalled memory:\n" + b.String()}
	candidates := recall.SelectRecallCreditCandidates(episode.ToRecallCandidates(hits), o.RecallCfg.RecallCreditMax)
	return &msg, candidates
}

// injectionBlock pairs a normalized message with the block id assigned to
// it, so drop/truncate decisions can be reported by id.
type injectionBlock struct {
	id  string
	msg llm.Message
}

// normalizeInjectionSnapshot bounds the assembled message list to at most
// maxBlocks entries (oldest non-final blocks dropped first) and truncates
// any single message's content beyond maxChars, returning the ids of
// whatever was dropped or truncated for observability.
func normalizeInjectionSnapshot(messages []llm.Message, maxBlocks, maxChars int) (snapshot []llm.Message, droppedIDs, truncatedIDs []string) {
	blocks := make([]injectionBlock, len(messages))
	for i, m := range messages {
		blocks[i] = injectionBlock{id: fmt.Sprintf("blk-%d", i), msg: m}
	}

	if maxBlocks > 0 && len(blocks) > maxBlocks {
		cut := len(blocks) - maxBlocks
		for _, b := range blocks[:cut] {
			droppedIDs = append(droppedIDs, b.id)
		}
		blocks = blocks[cut:]
	}

	snapshot = make([]llm.Message, len(blocks))
	for i, b := range blocks {
		if maxChars > 0 && len(b.msg.Content) > maxChars {
			b.msg.Content = b.msg.Content[:maxChars] + "...[truncated]"
			truncatedIDs = append(truncatedIDs, b.id)
		}
		snapshot[i] = b.msg
	}
	return snapshot, droppedIDs, truncatedIDs
}
