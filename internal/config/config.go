// Package config loads runtime settings for the wendao agent core from
// environment variables (optionally seeded by a .env file) and, when present,
// an overlay YAML file. The YAML overlay is applied after the environment, so
// a field set in the file replaces its env value; fields the file leaves out
// keep their env values.
package config

import "time"

// AnthropicConfig configures the Anthropic provider adapter.
type AnthropicConfig struct {
	APIKey  string `yaml:"apiKey"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"baseURL"`
}

// OpenAIConfig configures the OpenAI-compatible provider adapter. It is also
// used for self-hosted OpenAI-compatible servers (API set to "completions").
type OpenAIConfig struct {
	APIKey  string `yaml:"apiKey"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"baseURL"`
	API     string `yaml:"api"` // set to "completions" by the provider factory; the openai client does not read it and always uses /chat/completions
}

// LLMConfig selects and configures the active chat provider.
type LLMConfig struct {
	Provider  string          `yaml:"provider"` // "anthropic" | "openai" | "local"
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
}

// EmbeddingConfig configures the embedding backend used to vectorize episode
// text before it is written to or queried from the Episode Store (Component B).
type EmbeddingConfig struct {
	BaseURL     string `yaml:"baseURL"`
	Path        string `yaml:"path"` // e.g. "/v1/embeddings"
	APIKey      string `yaml:"apiKey"`
	Model       string `yaml:"model"`
	Dimensions  int    `yaml:"dimensions"`
	TimeoutSecs int    `yaml:"timeoutSecs"`
}

// RedisConfig configures the shared KV / stream backend (Component A, G, I).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TLS      bool   `yaml:"tls"`
}

// QdrantConfig configures the Episode Store vector backend (Component B).
type QdrantConfig struct {
	DSN        string `yaml:"dsn"`
	Collection string `yaml:"collection"`
	Metric     string `yaml:"metric"`
}

// ToolPoolConfig configures Component F.
type ToolPoolConfig struct {
	Servers               []ToolServerConfig `yaml:"servers"`
	PoolSize              int                `yaml:"poolSize"`
	HandshakeTimeoutSecs  int                `yaml:"handshakeTimeoutSecs"`
	ConnectRetries        int                `yaml:"connectRetries"`
	ConnectRetryBackoffMs int                `yaml:"connectRetryBackoffMs"`
	ToolTimeoutSecs       int                `yaml:"toolTimeoutSecs"`
	HealthProbeTimeoutMs  int                `yaml:"healthProbeTimeoutMs"`
	ListToolsCacheTTLMs   int                `yaml:"listToolsCacheTtlMs"`
	DiscoverCacheTTLSecs  int                `yaml:"discoverCacheTtlSecs"`
}

// ToolServerConfig describes one MCP server endpoint the pool connects to.
type ToolServerConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// StreamConfig configures Component G.
type StreamConfig struct {
	StreamName     string `yaml:"streamName"`
	ConsumerGroup  string `yaml:"consumerGroup"`
	ConsumerPrefix string `yaml:"consumerPrefix"`
}

// LinkGraphConfig configures Component C.
type LinkGraphConfig struct {
	Roots            []string `yaml:"roots"`
	IncludeDirs      []string `yaml:"includeDirs"`
	ExcludedDirs     []string `yaml:"excludedDirs"`
	RebuildThreshold int      `yaml:"rebuildThreshold"`
}

// SessionConfig configures Component I's message/window/summary stores.
type SessionConfig struct {
	Backend            string `yaml:"backend"` // "memory" | "kv"
	KeyPrefix          string `yaml:"keyPrefix"`
	WindowMaxTurns     int    `yaml:"windowMaxTurns"`
	SummaryMaxSegments int    `yaml:"summaryMaxSegments"`
	TTLSecs            int64  `yaml:"ttlSecs"`
}

// ObsConfig configures logging and OpenTelemetry.
type ObsConfig struct {
	ServiceName    string `yaml:"serviceName"`
	ServiceVersion string `yaml:"serviceVersion"`
	Environment    string `yaml:"environment"`
	OTLP           string `yaml:"otlpEndpoint"`
	LogLevel       string `yaml:"logLevel"`
}

// Config is the root settings object threaded through the composition root.
type Config struct {
	LLMClient  LLMConfig       `yaml:"llm"`
	Embedding  EmbeddingConfig `yaml:"embedding"`
	Redis      RedisConfig     `yaml:"redis"`
	Qdrant     QdrantConfig    `yaml:"qdrant"`
	ToolPool   ToolPoolConfig  `yaml:"toolPool"`
	Stream     StreamConfig    `yaml:"stream"`
	Session    SessionConfig   `yaml:"session"`
	LinkGraph  LinkGraphConfig `yaml:"linkGraph"`
	Obs        ObsConfig       `yaml:"observability"`
	MaxRounds  int             `yaml:"maxToolRounds"`
	TurnBudget int             `yaml:"turnBudgetTokens"`
}

// Default durations for the tool pool, stream consumer, and related timeouts.
const (
	DefaultHandshakeTimeout       = 30 * time.Second
	MaxHandshakeTimeout           = 120 * time.Second
	DefaultConnectRetryBackoff    = 1000 * time.Millisecond
	MaxConnectRetryBackoff        = 30000 * time.Millisecond
	DefaultToolTimeout            = 180 * time.Second
	DefaultHealthProbeTimeout     = 1500 * time.Millisecond
	MaxHealthReadyWait            = 180 * time.Second
	DefaultListToolsCacheTTL      = 60 * time.Second
	DefaultStreamReconnectBackoff = 500 * time.Millisecond
	MaxStreamReconnectBackoff     = 30000 * time.Millisecond
	StreamResponseTimeoutGrace    = 500 * time.Millisecond
)
