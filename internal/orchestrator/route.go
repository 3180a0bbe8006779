package orchestrator

import "strings"

// Route classifies which execution path a turn takes.
type Route string

const (
	RouteGraph Route = "graph"
	RouteReact Route = "react"
)

// FallbackPolicy names how a failed shortcut bridge call degrades.
type FallbackPolicy string

const (
	FallbackRetryBridgeWithoutMetadata FallbackPolicy = "retry_bridge_without_metadata"
	FallbackRouteToReact               FallbackPolicy = "route_to_react"
	FallbackAbort                      FallbackPolicy = "abort"
)

// RouteDecision is the routing verdict computed once per turn.
type RouteDecision struct {
	Route          Route
	Risk           float64
	Confidence     float64
	FallbackPolicy FallbackPolicy
	ToolTrustClass string
	Reason         string
	PolicyID       string
}

// riskMarkers flags phrasing that should push a turn toward a more
// conservative (React, lower trust) route.
var riskMarkers = []string{
	"delete", "drop table", "rm -rf", "format disk", "wipe", "truncate all",
	"revoke", "shutdown", "kill -9",
}

func containsRiskMarker(message string) bool {
	lower := strings.ToLower(message)
	for _, m := range riskMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// graphMarkers flags phrasing that suggests the turn wants link-graph
// navigation (related notes, backlinks) rather than a plain chat answer.
var graphMarkers = []string{"related to", "backlink", "link graph", "connected notes", "note graph"}

func containsGraphMarker(message string) bool {
	lower := strings.ToLower(message)
	for _, m := range graphMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// computeStandardRouteDecision classifies a non-shortcut turn. A queued
// policy hint overrides the route for exactly this call; it does not
// change the risk/confidence scoring.
func computeStandardRouteDecision(userMessage string, hint *PolicyHint) RouteDecision {
	risk := 0.1
	confidence := 0.9
	trust := "trusted"
	if containsRiskMarker(userMessage) {
		risk = 0.8
		confidence = 0.4
		trust = "untrusted"
	}

	route := RouteReact
	reason := "default react route"
	if containsGraphMarker(userMessage) {
		route = RouteGraph
		reason = "graph-navigation phrasing"
	}

	decision := RouteDecision{
		Route:          route,
		Risk:           risk,
		Confidence:     confidence,
		ToolTrustClass: trust,
		Reason:         reason,
	}

	if hint != nil {
		if hint.ForceRoute != nil {
			decision.Route = *hint.ForceRoute
			decision.Reason = "reflection policy hint: " + hint.Reason
		}
		decision.PolicyID = hint.PolicyID
	}
	return decision
}
