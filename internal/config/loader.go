package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds a Config from environment variables (after loading a .env file
// if one is present) and then, if WENDAO_CONFIG_FILE or ./config.yaml points
// at a readable file, merges that YAML overlay on top. Env vars set the
// baseline defaults so a bare deployment with no YAML file still runs.
func Load() (*Config, error) {
	_ = godotenv.Overload()

	cfg := &Config{}

	cfg.LLMClient.Provider = envOr("LLM_PROVIDER", "anthropic")
	cfg.LLMClient.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.LLMClient.Anthropic.Model = envOr("ANTHROPIC_MODEL", "claude-sonnet-4-5")
	cfg.LLMClient.Anthropic.BaseURL = os.Getenv("ANTHROPIC_BASE_URL")
	cfg.LLMClient.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	cfg.LLMClient.OpenAI.Model = envOr("OPENAI_MODEL", "gpt-4o")
	cfg.LLMClient.OpenAI.BaseURL = os.Getenv("OPENAI_BASE_URL")
	cfg.LLMClient.OpenAI.API = os.Getenv("OPENAI_API")

	cfg.Embedding.BaseURL = envOr("EMBEDDING_BASE_URL", "https://api.openai.com")
	cfg.Embedding.Path = envOr("EMBEDDING_PATH", "/v1/embeddings")
	cfg.Embedding.APIKey = os.Getenv("EMBEDDING_API_KEY")
	cfg.Embedding.Model = envOr("EMBEDDING_MODEL", "text-embedding-3-small")
	cfg.Embedding.Dimensions = envIntOr("EMBEDDING_DIMENSIONS", 768)
	cfg.Embedding.TimeoutSecs = envIntOr("EMBEDDING_TIMEOUT_SECS", 30)

	cfg.Redis.Addr = envOr("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB = envIntOr("REDIS_DB", 0)
	cfg.Redis.TLS = envBoolOr("REDIS_TLS", false)

	cfg.Qdrant.DSN = envOr("QDRANT_DSN", "http://localhost:6334")
	cfg.Qdrant.Collection = envOr("QDRANT_COLLECTION", "wendao_episodes")
	cfg.Qdrant.Metric = envOr("QDRANT_METRIC", "cosine")

	cfg.ToolPool.PoolSize = envIntOr("TOOLPOOL_SIZE", 4)
	cfg.ToolPool.HandshakeTimeoutSecs = envIntOr("TOOLPOOL_HANDSHAKE_TIMEOUT_SECS", 30)
	cfg.ToolPool.ConnectRetries = envIntOr("TOOLPOOL_CONNECT_RETRIES", 3)
	cfg.ToolPool.ConnectRetryBackoffMs = envIntOr("TOOLPOOL_CONNECT_RETRY_BACKOFF_MS", 1000)
	cfg.ToolPool.ToolTimeoutSecs = envIntOr("TOOLPOOL_TOOL_TIMEOUT_SECS", 180)
	cfg.ToolPool.HealthProbeTimeoutMs = envIntOr("TOOLPOOL_HEALTH_PROBE_TIMEOUT_MS", 1500)
	cfg.ToolPool.ListToolsCacheTTLMs = envIntOr("TOOLPOOL_LIST_TOOLS_CACHE_TTL_MS", 1000)
	cfg.ToolPool.DiscoverCacheTTLSecs = envIntOr("TOOLPOOL_DISCOVER_CACHE_TTL_SECS", 0)

	cfg.Stream.StreamName = envOr("MEMSTREAM_STREAM_NAME", "memory.events")
	cfg.Stream.ConsumerGroup = envOr("MEMSTREAM_CONSUMER_GROUP", "omni-agent-memory")
	cfg.Stream.ConsumerPrefix = envOr("MEMSTREAM_CONSUMER_PREFIX", "agent")

	cfg.Session.Backend = envOr("SESSION_BACKEND", "memory")
	cfg.Session.KeyPrefix = envOr("SESSION_KEY_PREFIX", "wendao")
	cfg.Session.WindowMaxTurns = envIntOr("SESSION_WINDOW_MAX_TURNS", 40)
	cfg.Session.SummaryMaxSegments = envIntOr("SESSION_SUMMARY_MAX_SEGMENTS", 20)
	cfg.Session.TTLSecs = int64(envIntOr("SESSION_TTL_SECS", 0))

	cfg.LinkGraph.Roots = envListOr("LINKGRAPH_ROOTS", nil)
	cfg.LinkGraph.IncludeDirs = envListOr("LINKGRAPH_INCLUDE_DIRS", nil)
	cfg.LinkGraph.ExcludedDirs = envListOr("LINKGRAPH_EXCLUDED_DIRS", defaultExcludedDirs)
	cfg.LinkGraph.RebuildThreshold = envIntOr("LINKGRAPH_REBUILD_THRESHOLD", 64)

	cfg.Obs.ServiceName = envOr("OTEL_SERVICE_NAME", "wendao-agentd")
	cfg.Obs.ServiceVersion = envOr("OTEL_SERVICE_VERSION", "dev")
	cfg.Obs.Environment = envOr("WENDAO_ENV", "development")
	cfg.Obs.OTLP = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.Obs.LogLevel = envOr("LOG_LEVEL", "info")

	cfg.MaxRounds = envIntOr("TURN_MAX_TOOL_ROUNDS", 8)
	cfg.TurnBudget = envIntOr("TURN_BUDGET_TOKENS", 32000)

	path := os.Getenv("WENDAO_CONFIG_FILE")
	if path == "" {
		for _, candidate := range []string{"config.yaml", "config.yml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	return cfg, nil
}

var defaultExcludedDirs = []string{
	".git", ".cache", ".data", ".run", ".venv", "venv", ".devenv", "target", "node_modules",
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envListOr(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
