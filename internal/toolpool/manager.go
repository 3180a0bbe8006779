package toolpool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"

	"wendao/internal/config"
	"wendao/internal/coreerr"
)

// Manager aggregates one Pool per configured MCP server, naming tools
// "<server>_<tool>" to avoid collisions across servers — the same scheme
// the teacher's mcpclient.Manager uses.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

func NewManager() *Manager {
	return &Manager{pools: map[string]*Pool{}}
}

// Connect dials every configured server's pool. A server that fails to
// connect is skipped rather than failing the whole manager, matching the
// teacher's RegisterFromConfig "don't fail entire setup" policy; failures
// are returned so the caller can log or surface them.
func (m *Manager) Connect(ctx context.Context, cfg config.ToolPoolConfig) []error {
	poolCfg := Config{
		PoolSize:              cfg.PoolSize,
		HandshakeTimeoutSecs:  cfg.HandshakeTimeoutSecs,
		ConnectRetries:        cfg.ConnectRetries,
		ConnectRetryBackoffMs: cfg.ConnectRetryBackoffMs,
		ToolTimeoutSecs:       cfg.ToolTimeoutSecs,
		ListToolsCacheTTLMs:   cfg.ListToolsCacheTTLMs,
		DiscoverCacheTTLSecs:  cfg.DiscoverCacheTTLSecs,
	}
	var errs []error
	for _, srv := range cfg.Servers {
		pool, err := Connect(ctx, srv.Name, srv.URL, srv.Headers, poolCfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("toolpool: connect %s: %w", srv.Name, err))
			continue
		}
		m.mu.Lock()
		m.pools[srv.Name] = pool
		m.mu.Unlock()
	}
	return errs
}

// Close closes every server's pool.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pool := range m.pools {
		pool.Close()
	}
}

// ServerNames returns the names of every connected server.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	return names
}

func (m *Manager) snapshotPools() map[string]*Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pools := make(map[string]*Pool, len(m.pools))
	for name, pool := range m.pools {
		pools[name] = pool
	}
	return pools
}

// ListTools lists tools across every connected server and returns them as
// ToolRecords qualified "<server>_<tool>".
func (m *Manager) ListTools(ctx context.Context) ([]ToolRecord, error) {
	var records []ToolRecord
	for serverName, pool := range m.snapshotPools() {
		tools, err := pool.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("toolpool: list tools on %s: %w", serverName, err)
		}
		for _, t := range tools {
			records = append(records, toolRecordFrom(serverName, t))
		}
	}
	return records, nil
}

// CallTool routes a "<server>_<tool>" qualified name to its server's pool.
func (m *Manager) CallTool(ctx context.Context, qualifiedName string, arguments map[string]any) (*mcppkg.CallToolResult, error) {
	pools := m.snapshotPools()
	names := make([]string, 0, len(pools))
	for name := range pools {
		names = append(names, name)
	}
	serverName, toolName, ok := resolveQualifiedName(names, qualifiedName)
	if !ok {
		return nil, coreerr.New(coreerr.KindInput, fmt.Sprintf("toolpool: unrecognized tool name %q", qualifiedName))
	}
	return pools[serverName].CallTool(ctx, toolName, arguments)
}

// resolveQualifiedName finds which configured server a "<server>_<tool>"
// qualified name belongs to. It is pure so the naming scheme can be tested
// without a live pool.
func resolveQualifiedName(serverNames []string, qualifiedName string) (server, tool string, ok bool) {
	for _, name := range serverNames {
		prefix := name + "_"
		if strings.HasPrefix(qualifiedName, prefix) {
			return name, strings.TrimPrefix(qualifiedName, prefix), true
		}
	}
	return "", "", false
}

func toolRecordFrom(serverName string, tool *mcppkg.Tool) ToolRecord {
	schema := map[string]any{}
	if tool.InputSchema != nil {
		if b, err := json.Marshal(tool.InputSchema); err == nil {
			var m map[string]any
			if json.Unmarshal(b, &m) == nil && m != nil {
				schema = m
			}
		}
	}
	return ToolRecord{
		ToolName:      sanitizeName(serverName + "_" + tool.Name),
		Description:   tool.Description,
		SkillName:     serverName,
		FunctionName:  tool.Name,
		ExecutionMode: "mcp_tool",
		InputSchema:   normalizeInputSchema(schema),
		Category:      "tool",
	}
}
