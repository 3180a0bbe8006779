package toolpool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"wendao/internal/coreerr"
	"wendao/internal/observability"
)

// Config configures one server's Pool. It mirrors config.ToolPoolConfig
// minus the server list, which the Manager fans out across pools.
type Config struct {
	PoolSize              int
	HandshakeTimeoutSecs  int
	ConnectRetries        int
	ConnectRetryBackoffMs int
	ToolTimeoutSecs       int
	ListToolsCacheTTLMs   int
	DiscoverCacheTTLSecs  int
}

type listToolsCacheEntry struct {
	tools    []*mcppkg.Tool
	cachedAt time.Time
}

type discoverCacheEntry struct {
	result   *mcppkg.CallToolResult
	cachedAt time.Time
}

// Pool is a fixed-size round-robin pool of MCP client sessions connected to
// a single server.
type Pool struct {
	serverName string
	serverURL  string
	headers    map[string]string
	cfg        Config

	mu             sync.RWMutex
	clients        []*mcppkg.ClientSession
	reconnectLocks []*sync.Mutex
	next           atomic.Uint64

	toolTimeout time.Duration

	listCacheMu   sync.RWMutex
	listCache     *listToolsCacheEntry
	listCacheLock sync.Mutex
	listCacheTTL  time.Duration

	discoverTTL   time.Duration
	discoverMu    sync.Mutex
	discoverCache map[string]discoverCacheEntry
}

// Connect dials cfg.PoolSize sessions against the given server: the first
// sequentially (so a dead server fails fast), the rest concurrently.
func Connect(ctx context.Context, name, url string, headers map[string]string, cfg Config) (*Pool, error) {
	if cfg.PoolSize <= 0 {
		return nil, coreerr.New(coreerr.KindInput, "toolpool: pool size must be greater than 0")
	}
	retries := cfg.ConnectRetries
	if retries < 1 {
		retries = 1
	}

	p := &Pool{
		serverName:    name,
		serverURL:     url,
		headers:       headers,
		cfg:           cfg,
		toolTimeout:   toolTimeoutFrom(cfg.ToolTimeoutSecs),
		listCacheTTL:  listToolsCacheTTLFromConfig(cfg.ListToolsCacheTTLMs),
		discoverTTL:   time.Duration(cfg.DiscoverCacheTTLSecs) * time.Second,
		discoverCache: map[string]discoverCacheEntry{},
	}

	first, err := connectOneClientWithRetry(ctx, p, retries, 0)
	if err != nil {
		return nil, err
	}
	clients := make([]*mcppkg.ClientSession, cfg.PoolSize)
	locks := make([]*sync.Mutex, cfg.PoolSize)
	clients[0] = first
	locks[0] = &sync.Mutex{}

	if cfg.PoolSize > 1 {
		type connectResult struct {
			client *mcppkg.ClientSession
			err    error
		}
		results := make([]connectResult, cfg.PoolSize-1)
		var wg sync.WaitGroup
		for i := 1; i < cfg.PoolSize; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				c, err := connectOneClientWithRetry(ctx, p, retries, idx)
				results[idx-1] = connectResult{client: c, err: err}
			}(i)
		}
		wg.Wait()
		for i := 1; i < cfg.PoolSize; i++ {
			locks[i] = &sync.Mutex{}
			res := results[i-1]
			if res.err != nil {
				for _, c := range clients {
					if c != nil {
						_ = c.Close()
					}
				}
				return nil, res.err
			}
			clients[i] = res.client
		}
	}

	p.clients = clients
	p.reconnectLocks = locks
	return p, nil
}

func toolTimeoutFrom(secs int) time.Duration {
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// ListTools returns the server's tool list, consulting the TTL cache. Unlike
// the Rust original's explicit pagination parameter, the go-sdk's Tools()
// iterator pages internally, so there is only one (always-paginated) path.
func (p *Pool) ListTools(ctx context.Context) ([]*mcppkg.Tool, error) {
	if cached, ok := p.getCachedListTools(); ok {
		return cached, nil
	}
	p.listCacheLock.Lock()
	defer p.listCacheLock.Unlock()
	if cached, ok := p.getCachedListTools(); ok {
		return cached, nil
	}
	fresh, err := p.listToolsUncached(ctx)
	if err != nil {
		return nil, err
	}
	p.updateListToolsCache(fresh)
	return fresh, nil
}

func (p *Pool) getCachedListTools() ([]*mcppkg.Tool, bool) {
	p.listCacheMu.RLock()
	defer p.listCacheMu.RUnlock()
	if p.listCache == nil {
		return nil, false
	}
	if time.Since(p.listCache.cachedAt) > p.listCacheTTL {
		return nil, false
	}
	return p.listCache.tools, true
}

func (p *Pool) updateListToolsCache(tools []*mcppkg.Tool) {
	p.listCacheMu.Lock()
	defer p.listCacheMu.Unlock()
	p.listCache = &listToolsCacheEntry{tools: tools, cachedAt: time.Now()}
}

func (p *Pool) invalidateListToolsCache() {
	p.listCacheMu.Lock()
	defer p.listCacheMu.Unlock()
	p.listCache = nil
}

func (p *Pool) listToolsUncached(ctx context.Context) ([]*mcppkg.Tool, error) {
	logger := observability.LoggerWithTrace(ctx)
	poolSize := p.size()
	if poolSize == 0 {
		return nil, coreerr.New(coreerr.KindInput, "toolpool: pool has no connected clients")
	}
	startIdx := int(p.next.Add(1)-1) % poolSize
	var attemptErrors []string
	for offset := 0; offset < poolSize; offset++ {
		clientIndex := (startIdx + offset) % poolSize
		output, err := p.listToolsOnce(ctx, clientIndex)
		if err == nil {
			if offset > 0 {
				logger.Info().Int("start_index", startIdx).Int("client_index", clientIndex).
					Int("previous_failures", offset).Msg("mcp tools/list succeeded via fallback client")
			}
			return output, nil
		}
		errClass := classifyTransportError(err)
		if errClass.retryable {
			logger.Warn().Str("operation", "tools/list").Int("client_index", clientIndex).
				Str("error_class", errClass.kind).Err(err).
				Msg("recoverable mcp tools/list transport error; attempting reconnect + retry")
			if rErr := p.reconnectClient(ctx, clientIndex, "tools/list transport error"); rErr == nil {
				if retryOutput, retryErr := p.listToolsOnce(ctx, clientIndex); retryErr == nil {
					return retryOutput, nil
				} else {
					attemptErrors = append(attemptErrors, fmt.Sprintf("client_index=%d,stage=retry,error=%v", clientIndex, retryErr))
				}
			} else {
				attemptErrors = append(attemptErrors, fmt.Sprintf("client_index=%d,stage=reconnect,error=%v", clientIndex, rErr))
			}
		} else {
			attemptErrors = append(attemptErrors, fmt.Sprintf("client_index=%d,stage=call,error=%v", clientIndex, err))
		}
	}
	joined := "no_attempts_recorded"
	if len(attemptErrors) > 0 {
		joined = strings.Join(attemptErrors, " | ")
	}
	return nil, coreerr.New(coreerr.KindTransport, fmt.Sprintf(
		"mcp tools/list failed on all clients (pool_size=%d, start_index=%d, attempts=%s)", poolSize, startIdx, joined))
}

func (p *Pool) listToolsOnce(ctx context.Context, clientIndex int) ([]*mcppkg.Tool, error) {
	client, err := p.client(clientIndex)
	if err != nil {
		return nil, err
	}
	logger := observability.LoggerWithTrace(ctx)
	callCtx, cancel := context.WithTimeout(ctx, p.toolTimeout)
	defer cancel()
	stop := spawnInflightWaitLogger(logger, "tools/list", clientIndex, p.toolTimeout)
	started := time.Now()

	type result struct {
		tools []*mcppkg.Tool
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		var tools []*mcppkg.Tool
		for tool, itErr := range client.Tools(callCtx, nil) {
			if itErr != nil {
				resultCh <- result{err: itErr}
				return
			}
			tools = append(tools, tool)
		}
		resultCh <- result{tools: tools}
	}()

	select {
	case res := <-resultCh:
		stop()
		if res.err != nil {
			return nil, res.err
		}
		if elapsed := time.Since(started); elapsed.Milliseconds() >= defaultSlowCallWarnMs {
			logger.Warn().Str("operation", "tools/list").Int("client_index", clientIndex).Dur("elapsed", elapsed).
				Msg("mcp tools/list completed slowly")
		}
		return res.tools, nil
	case <-callCtx.Done():
		stop()
		logger.Warn().Str("operation", "tools/list").Int("client_index", clientIndex).
			Msg("mcp tools/list hard timeout reached")
		return nil, coreerr.New(coreerr.KindTimeout, fmt.Sprintf("mcp tools/list timed out (client_index=%d)", clientIndex))
	}
}

// CallTool invokes a tool by name, consulting the discover read-through
// cache first when one is configured.
func (p *Pool) CallTool(ctx context.Context, name string, arguments map[string]any) (*mcppkg.CallToolResult, error) {
	if p.size() == 0 {
		return nil, coreerr.New(coreerr.KindInput, "toolpool: pool has no connected clients")
	}
	logger := observability.LoggerWithTrace(ctx)
	cacheKey := p.discoverCacheKey(name, arguments)
	if cacheKey != "" {
		if cached, ok := p.getCachedDiscoverCall(cacheKey); ok {
			return cached, nil
		}
	}

	clientIndex := int(p.next.Add(1)-1) % p.size()
	output, err := p.callToolOnce(ctx, clientIndex, name, arguments)
	if err != nil && shouldRetryTransportError(err) {
		logger.Warn().Str("operation", "tools/call").Str("tool", name).Int("client_index", clientIndex).Err(err).
			Msg("recoverable mcp tools/call transport error; attempting reconnect + retry")
		if rErr := p.reconnectClient(ctx, clientIndex, "tools/call transport error"); rErr != nil {
			return nil, rErr
		}
		retryOutput, retryErr := p.callToolOnce(ctx, clientIndex, name, arguments)
		if retryErr != nil {
			return nil, coreerr.Wrap(coreerr.KindTransport, fmt.Sprintf(
				"mcp tools/call failed after reconnect retry (client_index=%d, tool=%s)", clientIndex, name), retryErr)
		}
		output, err = retryOutput, nil
	}
	if err != nil {
		return nil, err
	}
	if cacheKey != "" {
		p.storeDiscoverCallCache(cacheKey, output)
	}
	return output, nil
}

func (p *Pool) callToolOnce(ctx context.Context, clientIndex int, name string, arguments map[string]any) (*mcppkg.CallToolResult, error) {
	client, err := p.client(clientIndex)
	if err != nil {
		return nil, err
	}
	logger := observability.LoggerWithTrace(ctx)
	callCtx, cancel := context.WithTimeout(ctx, p.toolTimeout)
	defer cancel()
	operation := "tools/call:" + name
	stop := spawnInflightWaitLogger(logger, operation, clientIndex, p.toolTimeout)
	started := time.Now()

	type result struct {
		output *mcppkg.CallToolResult
		err    error
	}
	resultCh := make(chan result, 1)
	go func() {
		out, err := client.CallTool(callCtx, &mcppkg.CallToolParams{Name: name, Arguments: arguments})
		resultCh <- result{output: out, err: err}
	}()

	select {
	case res := <-resultCh:
		stop()
		if res.err != nil {
			return nil, res.err
		}
		if elapsed := time.Since(started); elapsed.Milliseconds() >= defaultSlowCallWarnMs {
			logger.Warn().Str("operation", operation).Int("client_index", clientIndex).Dur("elapsed", elapsed).
				Msg("mcp tools/call completed slowly")
		}
		return res.output, nil
	case <-callCtx.Done():
		stop()
		logger.Warn().Str("operation", operation).Int("client_index", clientIndex).
			Msg("mcp tools/call hard timeout reached")
		return nil, coreerr.New(coreerr.KindTimeout, fmt.Sprintf("mcp tools/call timed out (client_index=%d, tool=%s)", clientIndex, name))
	}
}

func (p *Pool) discoverCacheKey(name string, arguments map[string]any) string {
	if p.discoverTTL <= 0 {
		return ""
	}
	argsJSON, err := json.Marshal(arguments)
	if err != nil {
		return ""
	}
	return name + ":" + string(argsJSON)
}

func (p *Pool) getCachedDiscoverCall(key string) (*mcppkg.CallToolResult, bool) {
	p.discoverMu.Lock()
	defer p.discoverMu.Unlock()
	entry, ok := p.discoverCache[key]
	if !ok || time.Since(entry.cachedAt) > p.discoverTTL {
		return nil, false
	}
	return entry.result, true
}

func (p *Pool) storeDiscoverCallCache(key string, result *mcppkg.CallToolResult) {
	if result == nil || result.IsError {
		return
	}
	p.discoverMu.Lock()
	defer p.discoverMu.Unlock()
	p.discoverCache[key] = discoverCacheEntry{result: result, cachedAt: time.Now()}
}

func (p *Pool) size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

func (p *Pool) client(index int) (*mcppkg.ClientSession, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if index < 0 || index >= len(p.clients) {
		return nil, coreerr.New(coreerr.KindInput, fmt.Sprintf("toolpool: client index out of bounds: %d", index))
	}
	return p.clients[index], nil
}

func (p *Pool) reconnectClient(ctx context.Context, index int, reason string) error {
	lock := p.reconnectLocks[index]
	lock.Lock()
	defer lock.Unlock()

	retries := p.cfg.ConnectRetries
	if retries < 1 {
		retries = 1
	}
	newClient, err := connectOneClientWithRetry(ctx, p, retries, index)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if index >= len(p.clients) {
		p.mu.Unlock()
		return coreerr.New(coreerr.KindInput, fmt.Sprintf("toolpool: reconnect client index out of bounds: %d", index))
	}
	old := p.clients[index]
	p.clients[index] = newClient
	p.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	p.invalidateListToolsCache()
	observability.LoggerWithTrace(ctx).Info().Str("server", p.serverName).Int("client_index", index).Str("reason", reason).
		Msg("mcp pool client reconnected")
	return nil
}

// Close closes every connected client session.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		if c != nil {
			_ = c.Close()
		}
	}
}

func connectOneClientWithRetry(ctx context.Context, p *Pool, retries, clientIndex int) (*mcppkg.ClientSession, error) {
	logger := observability.LoggerWithTrace(ctx)
	handshakeTimeoutSecs := p.cfg.HandshakeTimeoutSecs
	if handshakeTimeoutSecs < 1 {
		handshakeTimeoutSecs = 1
	}
	retryBackoffMs := p.cfg.ConnectRetryBackoffMs
	if retryBackoffMs < 1 {
		retryBackoffMs = 1
	}
	healthWaitSecs := computeHealthReadyWaitSecs(handshakeTimeoutSecs, retries)
	if err := waitForReady(ctx, p.serverURL, clientIndex, healthWaitSecs, logger); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		attemptTimeoutSecs := computeHandshakeTimeoutSecs(handshakeTimeoutSecs, attempt)
		attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(attemptTimeoutSecs)*time.Second)
		stop := spawnInflightWaitLogger(logger, "connect", clientIndex, time.Duration(attemptTimeoutSecs)*time.Second)
		client, err := dialClient(attemptCtx, p.serverName, p.serverURL, p.headers)
		stop()
		cancel()
		if err == nil {
			logger.Info().Str("server", p.serverName).Int("client_index", clientIndex).Int("attempt", attempt).
				Msg("mcp pool client connected")
			return client, nil
		}
		healthProbe := probeHealthStatus(ctx, p.serverURL)
		errClass := classifyTransportError(err)
		logger.Warn().Str("server", p.serverName).Int("client_index", clientIndex).Int("attempt", attempt).
			Str("error_class", errClass.kind).Str("health_probe", healthProbe.summary).Err(err).
			Msg("mcp pool client connect failed")
		lastErr = err
		if attempt < retries {
			if delay := computeRetryBackoffMs(retryBackoffMs, attempt, retries); delay > 0 {
				time.Sleep(time.Duration(delay) * time.Millisecond)
			}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("unknown mcp connect error")
	}
	return nil, coreerr.Wrap(coreerr.KindTransport, fmt.Sprintf(
		"mcp connect failed after %d attempts (server=%s, client_index=%d)", retries, p.serverName, clientIndex), lastErr)
}

func dialClient(ctx context.Context, serverName, url string, headers map[string]string) (*mcppkg.ClientSession, error) {
	httpClient := observability.NewHTTPClient(&http.Client{})
	if len(headers) > 0 {
		httpClient.Transport = &headerRoundTripper{base: httpClient.Transport, headers: headers}
	}
	client := mcppkg.NewClient(&mcppkg.Implementation{Name: "wendao-agentd", Version: "0.1.0"}, nil)
	transport := &mcppkg.StreamableClientTransport{Endpoint: url, HTTPClient: httpClient}
	return client.Connect(ctx, transport, nil)
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if r.Header.Get("Accept") == "" {
		r.Header.Set("Accept", "application/json, text/event-stream")
	}
	for k, v := range t.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}

func waitForReady(ctx context.Context, url string, clientIndex, waitSecs int, logger *zerolog.Logger) error {
	if waitSecs < 1 {
		waitSecs = 1
	}
	if waitSecs > maxHealthReadyWaitSecs {
		waitSecs = maxHealthReadyWaitSecs
	}
	deadline := time.Now().Add(time.Duration(waitSecs) * time.Second)
	probe := probeHealthStatus(ctx, url)
	if !probe.hasStructuredReadyState {
		logger.Debug().Str("server_url", url).Int("client_index", clientIndex).Str("health_probe", probe.summary).
			Msg("mcp health readiness gate skipped (structured fields unavailable)")
		return nil
	}

	for {
		if probe.ready != nil && *probe.ready && (probe.initializing == nil || !*probe.initializing) {
			return nil
		}
		if time.Now().After(deadline) {
			return coreerr.New(coreerr.KindTimeout, fmt.Sprintf(
				"mcp health ready wait timed out after %ds (url=%s, client_index=%d, last_probe=%s)", waitSecs, url, clientIndex, probe.summary))
		}
		select {
		case <-ctx.Done():
			return coreerr.Wrap(coreerr.KindTimeout, "mcp health ready wait canceled", ctx.Err())
		case <-time.After(defaultHealthReadyPollMs * time.Millisecond):
		}
		probe = probeHealthStatus(ctx, url)
	}
}
