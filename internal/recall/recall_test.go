package recall

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlanMemoryRecallNoPressureUsesBaseValues(t *testing.T) {
	cfg := DefaultPlannerConfig()
	plan := PlanMemoryRecall(cfg, PlanInput{
		BaseK1:                     cfg.BaseK1,
		BaseK2:                     cfg.BaseK2,
		BaseLambda:                 cfg.BaseLambda,
		ContextBudgetTokens:        100000,
		ContextBudgetReserveTokens: 0,
		ContextTokensBeforeRecall:  0,
		ActiveTurnsEstimate:        0,
		WindowMaxTurns:             0,
	})
	require.Equal(t, cfg.BaseK1, plan.K1)
	require.Equal(t, cfg.BaseK2, plan.K2)
	require.InDelta(t, cfg.BaseMinScore, plan.MinScore, 1e-9)
	require.Equal(t, cfg.BaseMaxContext, plan.MaxContextChars)
	require.Equal(t, 0.0, plan.BudgetPressure)
}

func TestPlanMemoryRecallPressureNeverIncreasesK(t *testing.T) {
	cfg := DefaultPlannerConfig()
	low := PlanMemoryRecall(cfg, PlanInput{
		BaseK1: cfg.BaseK1, BaseK2: cfg.BaseK2, BaseLambda: cfg.BaseLambda,
		ContextBudgetTokens: 10000, ContextTokensBeforeRecall: 100,
	})
	high := PlanMemoryRecall(cfg, PlanInput{
		BaseK1: cfg.BaseK1, BaseK2: cfg.BaseK2, BaseLambda: cfg.BaseLambda,
		ContextBudgetTokens: 10000, ContextTokensBeforeRecall: 9000,
	})
	require.LessOrEqual(t, high.K1, low.K1)
	require.LessOrEqual(t, high.K2, low.K2)
	require.LessOrEqual(t, high.MaxContextChars, low.MaxContextChars)
	require.GreaterOrEqual(t, high.MinScore, low.MinScore)
}

func TestPlanMemoryRecallWindowPressureClampedToOne(t *testing.T) {
	cfg := DefaultPlannerConfig()
	plan := PlanMemoryRecall(cfg, PlanInput{
		BaseK1: cfg.BaseK1, BaseK2: cfg.BaseK2, BaseLambda: cfg.BaseLambda,
		ContextBudgetTokens: 100000, ActiveTurnsEstimate: 50, WindowMaxTurns: 10,
	})
	require.Equal(t, 1.0, plan.WindowPressure)
	require.Equal(t, cfg.MinK1, plan.K1)
}

func TestApplyFeedbackToPlanTightenShrinks(t *testing.T) {
	cfg := DefaultPlannerConfig()
	base := PlanMemoryRecall(cfg, PlanInput{BaseK1: cfg.BaseK1, BaseK2: cfg.BaseK2, BaseLambda: cfg.BaseLambda, ContextBudgetTokens: 100000})
	tightened := ApplyFeedbackToPlan(cfg, base, 1.0)
	require.Less(t, tightened.K2, base.K2)
	require.Less(t, tightened.MaxContextChars, base.MaxContextChars)
}

func TestApplyFeedbackToPlanBroadenGrows(t *testing.T) {
	cfg := DefaultPlannerConfig()
	base := PlanMemoryRecall(cfg, PlanInput{BaseK1: cfg.BaseK1, BaseK2: cfg.BaseK2, BaseLambda: cfg.BaseLambda, ContextBudgetTokens: 100000})
	broadened := ApplyFeedbackToPlan(cfg, base, -1.0)
	require.GreaterOrEqual(t, broadened.K2, base.K2)
	require.GreaterOrEqual(t, broadened.MaxContextChars, base.MaxContextChars)
}

func TestUpdateFeedbackBiasClips(t *testing.T) {
	cfg := DefaultPlannerConfig()
	bias := 0.95
	for i := 0; i < 5; i++ {
		bias = UpdateFeedbackBias(cfg, bias, Failure)
	}
	require.Equal(t, 1.0, bias)

	bias = -0.95
	for i := 0; i < 5; i++ {
		bias = UpdateFeedbackBias(cfg, bias, Success)
	}
	require.Equal(t, -1.0, bias)
}

func TestResolveFeedbackOutcomeToolFailure(t *testing.T) {
	out := ResolveFeedbackOutcome("do the thing", &ToolOutcomeSummary{Attempted: true, AnyFailed: true}, "")
	require.Equal(t, Failure, out)
}

func TestResolveFeedbackOutcomeToolSuccess(t *testing.T) {
	out := ResolveFeedbackOutcome("do the thing", &ToolOutcomeSummary{Attempted: true, AnySucceeded: true}, "")
	require.Equal(t, Success, out)
}

func TestResolveFeedbackOutcomeTransportFailureOverridesSuccess(t *testing.T) {
	out := ResolveFeedbackOutcome("do the thing", &ToolOutcomeSummary{Attempted: true, AnySucceeded: true, TransportFailure: true}, "")
	require.Equal(t, Failure, out)
}

func TestResolveFeedbackOutcomeExplicitSignalNoTools(t *testing.T) {
	require.Equal(t, Success, ResolveFeedbackOutcome("thanks, that's perfect", nil, ""))
	require.Equal(t, Failure, ResolveFeedbackOutcome("that's wrong", nil, ""))
	require.Equal(t, Neutral, ResolveFeedbackOutcome("what's the weather", nil, ""))
}

func TestSelectRecallCreditCandidatesCapsAndWeights(t *testing.T) {
	recalled := []RecallCandidate{
		{EpisodeID: "a", Rank: 0, Score: 0.9},
		{EpisodeID: "b", Rank: 1, Score: 0.8},
		{EpisodeID: "c", Rank: 2, Score: 0.7},
	}
	out := SelectRecallCreditCandidates(recalled, 2)
	require.Len(t, out, 2)
	require.Equal(t, "a", out[0].EpisodeID)
	require.Greater(t, out[0].Weight, out[1].Weight)
}
