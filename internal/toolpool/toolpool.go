// Package toolpool implements Component F: a round-robin pool of MCP
// protocol client sessions per configured tool server, with per-slot
// reconnect locks, transport-error classification, a TTL list-tools cache,
// a read-through discover-call cache, and a health-readiness connect gate.
package toolpool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wendao/internal/observability"
)

const (
	defaultInflightLogIntervalSecs = 5
	defaultSlowCallWarnMs          = int64(2000)
	defaultHealthReadyPollMs       = 200
	maxListToolsCacheTTLMs         = 60000
	maxConnectRetryBackoffMs       = 30000
	maxHandshakeTimeoutSecs        = 120
	maxHealthReadyWaitSecs         = 180
)

// ToolRecord describes one tool surfaced by a connected MCP server, shaped
// for the orchestrator's tool catalog and the episode store's tool index.
type ToolRecord struct {
	ToolName      string         `json:"tool_name"`
	Description   string         `json:"description"`
	SkillName     string         `json:"skill_name"`
	FilePath      string         `json:"file_path"`
	FunctionName  string         `json:"function_name"`
	ExecutionMode string         `json:"execution_mode"`
	Keywords      []string       `json:"keywords"`
	InputSchema   map[string]any `json:"input_schema"`
	Docstring     string         `json:"docstring"`
	FileHash      string         `json:"file_hash"`
	Category      string         `json:"category"`
	Annotations   map[string]any `json:"annotations"`
}

type transportErrorClass struct {
	kind      string
	retryable bool
}

// classifyTransportError buckets an MCP transport error by its message text,
// matching the original's lowercase substring classifier exactly so the
// retry/reconnect policy stays in step across both implementations.
func classifyTransportError(err error) transportErrorClass {
	if err == nil {
		return transportErrorClass{kind: "non_transport", retryable: false}
	}
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "transport send error"), strings.Contains(message, "error sending request"):
		return transportErrorClass{kind: "transport_send", retryable: true}
	case strings.Contains(message, "connection refused"):
		return transportErrorClass{kind: "connection_refused", retryable: true}
	case strings.Contains(message, "connection reset"):
		return transportErrorClass{kind: "connection_reset", retryable: true}
	case strings.Contains(message, "broken pipe"):
		return transportErrorClass{kind: "broken_pipe", retryable: true}
	case strings.Contains(message, "connection closed"), strings.Contains(message, "channel closed"):
		return transportErrorClass{kind: "channel_closed", retryable: true}
	case strings.Contains(message, "timed out"), strings.Contains(message, "timeout"):
		return transportErrorClass{kind: "timeout", retryable: true}
	case strings.Contains(message, "client error"):
		return transportErrorClass{kind: "client_error", retryable: true}
	case strings.Contains(message, "dns"), strings.Contains(message, "name or service not known"):
		return transportErrorClass{kind: "dns_error", retryable: true}
	default:
		return transportErrorClass{kind: "non_transport", retryable: false}
	}
}

func shouldRetryTransportError(err error) bool {
	return classifyTransportError(err).retryable
}

func listToolsCacheTTLFromConfig(rawMs int) time.Duration {
	sanitized := rawMs
	if sanitized < 1 {
		sanitized = 1
	}
	if sanitized > maxListToolsCacheTTLMs {
		sanitized = maxListToolsCacheTTLMs
	}
	return time.Duration(sanitized) * time.Millisecond
}

func computeRetryBackoffMs(baseMs, attempt, retries int) int {
	if retries <= 1 {
		return 0
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 8 {
		shift = 8
	}
	backoff := baseMs * (1 << uint(shift))
	if backoff > maxConnectRetryBackoffMs {
		return maxConnectRetryBackoffMs
	}
	return backoff
}

func computeHandshakeTimeoutSecs(baseSecs, attempt int) int {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 2 {
		shift = 2
	}
	timeout := baseSecs * (1 << uint(shift))
	if timeout > maxHandshakeTimeoutSecs {
		return maxHandshakeTimeoutSecs
	}
	return timeout
}

func computeHealthReadyWaitSecs(baseSecs, retries int) int {
	if baseSecs < 1 {
		baseSecs = 1
	}
	if retries < 1 {
		retries = 1
	}
	wait := baseSecs * retries
	if wait > maxHealthReadyWaitSecs {
		return maxHealthReadyWaitSecs
	}
	return wait
}

// deriveHealthURL strips a trailing transport suffix and appends /health, so
// a Streamable-HTTP or SSE endpoint URL becomes its sibling liveness check.
func deriveHealthURL(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return ""
	}
	withoutTrailing := strings.TrimRight(trimmed, "/")
	for _, suffix := range []string{"/sse", "/messages", "/mcp"} {
		if base, ok := strings.CutSuffix(withoutTrailing, suffix); ok {
			return base + "/health"
		}
	}
	return withoutTrailing + "/health"
}

var healthProbeClient = sync.OnceValue(func() *http.Client {
	return observability.NewHTTPClient(&http.Client{Timeout: 1500 * time.Millisecond})
})

type healthProbeStatus struct {
	summary                 string
	ready                   *bool
	initializing            *bool
	hasStructuredReadyState bool
}

func probeHealthStatus(ctx context.Context, rawURL string) healthProbeStatus {
	healthURL := deriveHealthURL(rawURL)
	if healthURL == "" {
		return healthProbeStatus{summary: "health_probe_skipped(invalid_url)"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return healthProbeStatus{summary: fmt.Sprintf("health_error(%v)", err)}
	}
	resp, err := healthProbeClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return healthProbeStatus{summary: "health_timeout"}
		}
		return healthProbeStatus{summary: fmt.Sprintf("health_error(%v)", err)}
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload == nil {
		return healthProbeStatus{summary: fmt.Sprintf("health_status=%d", resp.StatusCode)}
	}
	ready, readyOK := payload["ready"].(bool)
	initializing, initOK := payload["initializing"].(bool)
	activeSessions := "unknown"
	if v, ok := payload["active_sessions"]; ok {
		activeSessions = fmt.Sprintf("%v", v)
	}
	status := healthProbeStatus{
		summary: fmt.Sprintf("health_status=%d,ready=%s,initializing=%s,active_sessions=%s",
			resp.StatusCode, optBoolString(ready, readyOK), optBoolString(initializing, initOK), activeSessions),
		hasStructuredReadyState: readyOK && initOK,
	}
	if readyOK {
		status.ready = &ready
	}
	if initOK {
		status.initializing = &initializing
	}
	return status
}

func optBoolString(v, ok bool) string {
	if !ok {
		return "unknown"
	}
	return strconv.FormatBool(v)
}

// spawnInflightWaitLogger mirrors the original's periodic "still waiting"
// warning for an outstanding list_tools/call_tool; it self-terminates once
// it has logged past timeout+grace, as a guard against a leaked goroutine.
func spawnInflightWaitLogger(logger *zerolog.Logger, operation string, clientIndex int, timeout time.Duration) (stop func()) {
	timeoutSecs := int64(timeout.Seconds())
	if timeoutSecs < 1 {
		timeoutSecs = 1
	}
	overdueLimit := timeoutSecs + defaultInflightLogIntervalSecs
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(defaultInflightLogIntervalSecs * time.Second)
		defer ticker.Stop()
		waited := int64(defaultInflightLogIntervalSecs)
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				logger.Warn().Str("operation", operation).Int("client_index", clientIndex).
					Int64("waited_secs", waited).Int64("timeout_secs", timeoutSecs).
					Msg("mcp call still waiting")
				if waited >= overdueLimit {
					logger.Warn().Str("operation", operation).Int("client_index", clientIndex).
						Msg("mcp call wait logger stopped after exceeding timeout guard")
					return
				}
				waited += defaultInflightLogIntervalSecs
			}
		}
	}()
	return func() {
		close(stopCh)
		<-done
	}
}
