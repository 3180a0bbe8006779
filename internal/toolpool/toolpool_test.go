package toolpool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func zerologNop() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func TestClassifyTransportErrorRetryable(t *testing.T) {
	cases := map[string]string{
		"transport send error: closed":        "transport_send",
		"Error sending request to endpoint":   "transport_send",
		"connection refused":                  "connection_refused",
		"connection reset by peer":            "connection_reset",
		"broken pipe":                         "broken_pipe",
		"connection closed unexpectedly":       "channel_closed",
		"channel closed":                      "channel_closed",
		"request timed out":                   "timeout",
		"operation timeout":                   "timeout",
		"400 client error: bad request":       "client_error",
		"dns error: lookup failed":            "dns_error",
		"name or service not known":           "dns_error",
	}
	for msg, wantKind := range cases {
		got := classifyTransportError(fakeErr(msg))
		require.True(t, got.retryable, "expected %q to be retryable", msg)
		require.Equal(t, wantKind, got.kind)
	}
}

func TestClassifyTransportErrorNonRetryable(t *testing.T) {
	got := classifyTransportError(fakeErr("tool not found"))
	require.False(t, got.retryable)
	require.Equal(t, "non_transport", got.kind)

	require.Equal(t, "non_transport", classifyTransportError(nil).kind)
}

func TestComputeRetryBackoffMsClampsAndDoubles(t *testing.T) {
	require.Equal(t, 0, computeRetryBackoffMs(1000, 1, 1))
	require.Equal(t, 1000, computeRetryBackoffMs(1000, 1, 3))
	require.Equal(t, 2000, computeRetryBackoffMs(1000, 2, 3))
	require.Equal(t, 4000, computeRetryBackoffMs(1000, 3, 5))
	require.Equal(t, maxConnectRetryBackoffMs, computeRetryBackoffMs(1000, 20, 30))
}

func TestComputeHandshakeTimeoutSecsClampsAndDoubles(t *testing.T) {
	require.Equal(t, 30, computeHandshakeTimeoutSecs(30, 1))
	require.Equal(t, 60, computeHandshakeTimeoutSecs(30, 2))
	require.Equal(t, maxHandshakeTimeoutSecs, computeHandshakeTimeoutSecs(30, 10))
}

func TestComputeHealthReadyWaitSecsClamps(t *testing.T) {
	require.Equal(t, 30, computeHealthReadyWaitSecs(30, 1))
	require.Equal(t, 90, computeHealthReadyWaitSecs(30, 3))
	require.Equal(t, maxHealthReadyWaitSecs, computeHealthReadyWaitSecs(30, 100))
	require.Equal(t, 1, computeHealthReadyWaitSecs(0, 0))
}

func TestListToolsCacheTTLFromConfigClamps(t *testing.T) {
	require.Equal(t, time.Millisecond, listToolsCacheTTLFromConfig(0))
	require.Equal(t, 500*time.Millisecond, listToolsCacheTTLFromConfig(500))
	require.Equal(t, time.Duration(maxListToolsCacheTTLMs)*time.Millisecond, listToolsCacheTTLFromConfig(999999))
}

func TestDeriveHealthURL(t *testing.T) {
	cases := map[string]string{
		"":                                 "",
		"https://mcp.example.com/sse":      "https://mcp.example.com/health",
		"https://mcp.example.com/sse/":     "https://mcp.example.com/health",
		"https://mcp.example.com/messages": "https://mcp.example.com/health",
		"https://mcp.example.com/mcp":      "https://mcp.example.com/health",
		"https://mcp.example.com":          "https://mcp.example.com/health",
	}
	for in, want := range cases {
		require.Equal(t, want, deriveHealthURL(in))
	}
}

func TestProbeHealthStatusStructuredReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ready": true, "initializing": false, "active_sessions": 2})
	}))
	defer srv.Close()

	status := probeHealthStatus(context.Background(), srv.URL+"/sse")
	require.True(t, status.hasStructuredReadyState)
	require.NotNil(t, status.ready)
	require.True(t, *status.ready)
	require.NotNil(t, status.initializing)
	require.False(t, *status.initializing)
}

func TestProbeHealthStatusUnstructuredSkipsGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	status := probeHealthStatus(context.Background(), srv.URL)
	require.False(t, status.hasStructuredReadyState)
}

func TestWaitForReadySkipsGateWhenUnstructured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logger := zerologNop()
	err := waitForReady(context.Background(), srv.URL, 0, 1, logger)
	require.NoError(t, err)
}

func TestWaitForReadyPassesOnceReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ready": true, "initializing": false})
	}))
	defer srv.Close()

	logger := zerologNop()
	err := waitForReady(context.Background(), srv.URL, 0, 1, logger)
	require.NoError(t, err)
}

func TestWaitForReadyTimesOutWhileInitializing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ready": false, "initializing": true})
	}))
	defer srv.Close()

	logger := zerologNop()
	err := waitForReady(context.Background(), srv.URL, 0, 1, logger)
	require.Error(t, err)
}

func TestSanitizeSchemaFillsObjectAndArrayDefaults(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tags": map[string]any{"type": "array"},
		},
		"required": []any{"tags"},
	}
	sanitizeSchema(schema)

	tags := schema["properties"].(map[string]any)["tags"].(map[string]any)
	require.Equal(t, map[string]any{"type": "string"}, tags["items"])
	require.Equal(t, []string{"tags"}, schema["required"])
}

func TestNormalizeInputSchemaDefaultsNonObject(t *testing.T) {
	out := normalizeInputSchema(map[string]any{"type": "string"})
	require.Equal(t, "object", out["type"])
	require.NotNil(t, out["properties"])
}

func TestResolveQualifiedName(t *testing.T) {
	names := []string{"github", "github_pages"}
	server, tool, ok := resolveQualifiedName(names, "github_search_issues")
	require.True(t, ok)
	require.Equal(t, "github", server)
	require.Equal(t, "search_issues", tool)

	_, _, ok = resolveQualifiedName(names, "unknownserver_tool")
	require.False(t, ok)
}

func TestDiscoverCacheRoundTripSkipsNilResults(t *testing.T) {
	p := &Pool{discoverTTL: time.Minute, discoverCache: map[string]discoverCacheEntry{}}
	key := p.discoverCacheKey("search", map[string]any{"q": "go"})
	require.NotEmpty(t, key)

	_, ok := p.getCachedDiscoverCall(key)
	require.False(t, ok)

	p.storeDiscoverCallCache(key, nil)
	_, ok = p.getCachedDiscoverCall(key)
	require.False(t, ok)
}

func TestDiscoverCacheKeyEmptyWhenDisabled(t *testing.T) {
	p := &Pool{discoverTTL: 0, discoverCache: map[string]discoverCacheEntry{}}
	require.Empty(t, p.discoverCacheKey("search", nil))
}

func TestListToolsCacheHitWithinTTL(t *testing.T) {
	p := &Pool{listCacheTTL: time.Minute}
	p.updateListToolsCache(nil)
	_, ok := p.getCachedListTools()
	require.True(t, ok)

	p.invalidateListToolsCache()
	_, ok = p.getCachedListTools()
	require.False(t, ok)
}

func TestListToolsCacheExpiresAfterTTL(t *testing.T) {
	p := &Pool{listCacheTTL: time.Millisecond}
	p.updateListToolsCache(nil)
	time.Sleep(5 * time.Millisecond)
	_, ok := p.getCachedListTools()
	require.False(t, ok)
}
