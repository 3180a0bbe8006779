// Package recall implements the Memory Recall Planner & Feedback component
// (Component E): pure planner and feedback math with no storage dependency,
// grounded on the budget/reserve/context-window pressure computation in the
// teacher's internal/agent/memory/manager.go (BuildContextForProvider),
// generalized here to the recall-specific pressure formula and k1/k2/λ
// tuning spec.md §4.E describes.
package recall

import (
	"math"
	"strings"
)

// Outcome classifies how a turn resolved, per resolve_feedback_outcome.
type Outcome int

const (
	Neutral Outcome = iota
	Success
	Failure
)

// ToolOutcomeSummary is the minimal shape of a turn's tool activity needed to
// classify its outcome, without depending on internal/toolpool's Tool Record type.
type ToolOutcomeSummary struct {
	Attempted        bool
	AnySucceeded     bool
	AnyFailed        bool
	TransportFailure bool
}

// PlannerConfig holds the tunable defaults for plan_memory_recall and the
// feedback loop. Values are chosen as reasonable constants (recorded as an
// Open Question resolution). internal/config has no recall settings;
// cmd/agentd passes DefaultPlannerConfig() unchanged.
type PlannerConfig struct {
	BaseK1          int
	BaseK2          int
	MinK1           int
	MinK2           int
	BaseLambda      float64
	BaseMinScore    float64
	MaxMinScore     float64
	BaseMaxContext  int
	MinContextChars int
	// PressureThreshold and PressureSpan parameterize
	// budget_pressure = clamp((ctxTokens - (budget-reserve)*threshold)/span, 0, 1).
	PressureThreshold float64
	PressureSpan      float64
	// FeedbackStep is the fixed step update_feedback_bias moves bias by.
	FeedbackStep float64
	// FeedbackScale bounds how much apply_feedback_to_plan can shrink/grow
	// k2 and max_context_chars for a bias of ±1 (e.g. 0.5 = up to ±50%).
	FeedbackScale float64
	// Eta is the credit-assignment learning rate used by
	// episode.ApplyRecallCredit (Q ← clip(Q + η·weight·sign(outcome), 0, 1)).
	Eta float64
	// RecallCreditMax bounds how many top-ranked candidates
	// select_recall_credit_candidates returns.
	RecallCreditMax int
}

// DefaultPlannerConfig returns the recall planner's default tuning.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		BaseK1:            8,
		BaseK2:            4,
		MinK1:             1,
		MinK2:             1,
		BaseLambda:        0.35,
		BaseMinScore:      0.2,
		MaxMinScore:       0.85,
		BaseMaxContext:    6000,
		MinContextChars:   500,
		PressureThreshold: 0.6,
		PressureSpan:      2000,
		FeedbackStep:      0.15,
		FeedbackScale:     0.5,
		Eta:               0.05,
		RecallCreditMax:   3,
	}
}

// PlanInput carries the signals plan_memory_recall needs.
type PlanInput struct {
	BaseK1                     int
	BaseK2                     int
	BaseLambda                 float64
	ContextBudgetTokens        int // 0 = unset
	ContextBudgetReserveTokens int
	ContextTokensBeforeRecall  int
	ActiveTurnsEstimate        int
	WindowMaxTurns             int // 0 = unset
	SummarySegmentCount        int
}

// Plan is the tuned recall parameters for one turn.
type Plan struct {
	K1                    int
	K2                    int
	Lambda                float64
	MinScore              float64
	MaxContextChars       int
	BudgetPressure        float64
	WindowPressure        float64
	EffectiveBudgetTokens int
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func roundInt(v float64) int {
	return int(math.Round(v))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// PlanMemoryRecall computes the recall plan for one turn. Pressure rises
// monotonically with context usage and window occupancy; as it rises, k1,
// k2, and max_context_chars only ever shrink, and min_score only ever grows
// — the planner never increases them, per spec.md §4.E.
func PlanMemoryRecall(cfg PlannerConfig, in PlanInput) Plan {
	effectiveBudget := in.ContextBudgetTokens - in.ContextBudgetReserveTokens
	if effectiveBudget < 0 {
		effectiveBudget = 0
	}

	span := cfg.PressureSpan
	if span <= 0 {
		span = 1
	}
	budgetPressure := clamp01((float64(in.ContextTokensBeforeRecall) - float64(effectiveBudget)*cfg.PressureThreshold) / span)

	windowPressure := 0.0
	if in.WindowMaxTurns > 0 {
		windowPressure = clamp01(float64(in.ActiveTurnsEstimate) / float64(in.WindowMaxTurns))
	}

	pressure := budgetPressure
	if windowPressure > pressure {
		pressure = windowPressure
	}

	baseK1 := in.BaseK1
	if baseK1 <= 0 {
		baseK1 = cfg.BaseK1
	}
	baseK2 := in.BaseK2
	if baseK2 <= 0 {
		baseK2 = cfg.BaseK2
	}
	baseLambda := in.BaseLambda
	if baseLambda <= 0 {
		baseLambda = cfg.BaseLambda
	}

	k1 := maxInt(cfg.MinK1, roundInt(float64(baseK1)*(1-pressure)))
	k2 := maxInt(cfg.MinK2, roundInt(float64(baseK2)*(1-pressure)))
	minScore := cfg.BaseMinScore + (cfg.MaxMinScore-cfg.BaseMinScore)*pressure
	maxContextChars := maxInt(cfg.MinContextChars, roundInt(float64(cfg.BaseMaxContext)*(1-pressure)))

	return Plan{
		K1:                    k1,
		K2:                    k2,
		Lambda:                baseLambda,
		MinScore:              minScore,
		MaxContextChars:       maxContextChars,
		BudgetPressure:        budgetPressure,
		WindowPressure:        windowPressure,
		EffectiveBudgetTokens: effectiveBudget,
	}
}

// ApplyFeedbackToPlan scales k2 and max_context_chars by the feedback bias:
// bias > 0 ("tighten") scales them down, bias < 0 ("broaden") scales them up.
func ApplyFeedbackToPlan(cfg PlannerConfig, plan Plan, bias float64) Plan {
	bias = clampSigned(bias)
	factor := 1 - bias*cfg.FeedbackScale
	out := plan
	out.K2 = maxInt(cfg.MinK2, roundInt(float64(plan.K2)*factor))
	out.MaxContextChars = maxInt(cfg.MinContextChars, roundInt(float64(plan.MaxContextChars)*factor))
	return out
}

func clampSigned(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

// UpdateFeedbackBias moves prev toward +1 on Failure (tighten: reduce
// recalled context assuming noise contributed) and toward -1 on Success
// (broaden: recall is working, allow more), by a fixed step; Neutral leaves
// bias unchanged. Result is clipped to [-1, 1].
func UpdateFeedbackBias(cfg PlannerConfig, prev float64, outcome Outcome) float64 {
	switch outcome {
	case Failure:
		return clampSigned(prev + cfg.FeedbackStep)
	case Success:
		return clampSigned(prev - cfg.FeedbackStep)
	default:
		return clampSigned(prev)
	}
}

// ResolveFeedbackOutcome classifies a turn as Success (tool attempted and
// all succeeded, or an explicit positive signal), Failure (tool attempted
// and any failed, or a transport failure), or Neutral (no tool activity and
// no detectable signal).
func ResolveFeedbackOutcome(userMessage string, toolSummary *ToolOutcomeSummary, assistantMessage string) Outcome {
	if toolSummary != nil && toolSummary.Attempted {
		if toolSummary.TransportFailure || toolSummary.AnyFailed {
			return Failure
		}
		if toolSummary.AnySucceeded {
			return Success
		}
	}
	if containsAny(userMessage, positiveSignals) || containsAny(assistantMessage, positiveSignals) {
		return Success
	}
	if containsAny(userMessage, negativeSignals) {
		return Failure
	}
	return Neutral
}

var positiveSignals = []string{"thanks", "thank you", "perfect", "works great", "exactly right"}
var negativeSignals = []string{"that's wrong", "not what i asked", "incorrect", "doesn't work", "that failed"}

func containsAny(s string, markers []string) bool {
	lower := strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// RecallCandidate is the minimal shape select_recall_credit_candidates and
// ApplyRecallCredit operate over, matching internal/episode's recall result
// row without importing that package (kept dependency-free).
type RecallCandidate struct {
	EpisodeID string
	Rank      int
	Score     float64
	Weight    float64
}

// SelectRecallCreditCandidates picks up to max candidates from the head of
// recalled (already rank-ordered), assigning each a rank-decayed weight.
func SelectRecallCreditCandidates(recalled []RecallCandidate, max int) []RecallCandidate {
	if max <= 0 || len(recalled) == 0 {
		return nil
	}
	n := len(recalled)
	if n > max {
		n = max
	}
	out := make([]RecallCandidate, n)
	for i := 0; i < n; i++ {
		c := recalled[i]
		c.Weight = 1.0 / float64(i+1)
		out[i] = c
	}
	return out
}
