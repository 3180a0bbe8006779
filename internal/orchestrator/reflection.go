package orchestrator

import (
	"context"

	"wendao/internal/observability"
)

// ReflectionEvent is the structured record emitted once per turn (success,
// tool failure, or round-limit failure), keyed by session_id for
// downstream observability and for feeding future policy hints.
type ReflectionEvent struct {
	SessionID     string
	Status        string // "ok" | "error"
	Route         Route
	ToolCallCount int
	Reason        string
	PolicyID      string
}

// emitReflection logs the event and, if a hook is registered, forwards it
// for the caller's own policy/telemetry handling.
func (o *Orchestrator) emitReflection(ctx context.Context, ev ReflectionEvent) {
	logger := observability.LoggerWithTrace(ctx)
	logger.Info().
		Str("event", "orchestrator_reflection").
		Str("session_id", ev.SessionID).
		Str("status", ev.Status).
		Str("route", string(ev.Route)).
		Int("tool_call_count", ev.ToolCallCount).
		Str("reason", ev.Reason).
		Str("policy_id", ev.PolicyID).
		Msg("turn reflection")

	o.mu.Lock()
	hook := o.onReflection
	o.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}
