package orchestrator

import (
	"context"

	"wendao/internal/coreerr"
)

const (
	bridgeToolName = "graph_bridge"
	crawlToolName  = "crawl"
)

// callBridge calls the configured graph-bridge tool with args, returning
// its rendered text. A result flagged IsError surfaces as a protocol error.
func (o *Orchestrator) callBridge(ctx context.Context, args map[string]any) (string, error) {
	if o.Tools == nil {
		return "", coreerr.New(coreerr.KindInput, "orchestrator: no tool pool configured")
	}
	result, err := o.Tools.CallTool(ctx, bridgeToolName, args)
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindTransport, "orchestrator: graph bridge call failed", err)
	}
	text := resultText(result)
	if result != nil && result.IsError {
		return "", coreerr.New(coreerr.KindProtocol, "orchestrator: graph bridge reported an error: "+text)
	}
	return text, nil
}

// runWorkflowBridgeShortcut builds a shortcut injection snapshot, augments
// the bridge call with it, and on failure classifies into the decision's
// fallback policy: retry once without the injection metadata, fall through
// to a standard React turn, or abort outright.
func (o *Orchestrator) runWorkflowBridgeShortcut(ctx context.Context, sessionID, message string, decision RouteDecision) (string, error) {
	args := map[string]any{
		"query":              message,
		"injection_snapshot": "shortcut injection for session " + sessionID,
	}

	text, err := o.callBridge(ctx, args)
	if err == nil {
		o.finalizeSuccess(ctx, sessionID, message, text, nil, decision, 1)
		return text, nil
	}

	switch decision.FallbackPolicy {
	case FallbackRetryBridgeWithoutMetadata:
		delete(args, "injection_snapshot")
		text, retryErr := o.callBridge(ctx, args)
		if retryErr != nil {
			o.finalizeFailure(ctx, sessionID, message, nil, decision, 2, retryErr)
			return "", retryErr
		}
		o.finalizeSuccess(ctx, sessionID, message, text, nil, decision, 2)
		return text, nil
	case FallbackRouteToReact:
		fallback := RouteDecision{Route: RouteReact, Reason: "bridge failed, routed to react: " + err.Error(), FallbackPolicy: decision.FallbackPolicy, PolicyID: decision.PolicyID}
		return o.runStandardTurn(ctx, sessionID, message, fallback)
	default: // FallbackAbort
		o.finalizeFailure(ctx, sessionID, message, nil, decision, 1, err)
		return "", err
	}
}

// runCrawlShortcut calls the crawl tool directly through the tool pool and
// returns its rendered text as the assistant's final answer.
func (o *Orchestrator) runCrawlShortcut(ctx context.Context, sessionID, message string, decision RouteDecision) (string, error) {
	if o.Tools == nil {
		err := coreerr.New(coreerr.KindInput, "orchestrator: no tool pool configured")
		o.finalizeFailure(ctx, sessionID, message, nil, decision, 0, err)
		return "", err
	}
	result, err := o.Tools.CallTool(ctx, crawlToolName, map[string]any{"query": message})
	if err != nil {
		wrapped := coreerr.Wrap(coreerr.KindTransport, "orchestrator: crawl call failed", err)
		o.finalizeFailure(ctx, sessionID, message, nil, decision, 1, wrapped)
		return "", wrapped
	}
	text := resultText(result)
	if result != nil && result.IsError {
		protoErr := coreerr.New(coreerr.KindProtocol, "orchestrator: crawl reported an error: "+text)
		o.finalizeFailure(ctx, sessionID, message, nil, decision, 1, protoErr)
		return "", protoErr
	}
	o.finalizeSuccess(ctx, sessionID, message, text, nil, decision, 1)
	return text, nil
}
