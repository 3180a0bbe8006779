package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"wendao/internal/config"
	"wendao/internal/episode"
	"wendao/internal/kv"
	"wendao/internal/linkgraph"
	"wendao/internal/llm/providers"
	"wendao/internal/memstream"
	"wendao/internal/observability"
	"wendao/internal/orchestrator"
	"wendao/internal/recall"
	"wendao/internal/session"
	"wendao/internal/toolpool"
)

// modelFor reports the configured model name for whichever provider
// providers.Build selected, since Build itself only returns the llm.Provider.
func modelFor(cfg config.LLMConfig) string {
	switch cfg.Provider {
	case "openai", "local":
		return cfg.OpenAI.Model
	default:
		return cfg.Anthropic.Model
	}
}

func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	observability.InitLogger("agentd.log", "info")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.InitOTel(ctx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdown = nil
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	httpClient := observability.NewHTTPClient(nil)
	llmProvider, err := providers.Build(*cfg, httpClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build llm provider")
	}
	model := modelFor(cfg.LLMClient)

	redisStore := kv.New(cfg.Redis)
	defer func() { _ = redisStore.Close() }()

	sessions := session.New(cfg.Session, redisStore)

	episodes, err := episode.Connect(ctx, cfg.Qdrant, cfg.Embedding.Dimensions)
	if err != nil {
		log.Warn().Err(err).Msg("episode store unavailable, memory recall disabled for this run")
	} else {
		defer func() { _ = episodes.Close() }()
	}

	tools := toolpool.NewManager()
	for _, connErr := range tools.Connect(ctx, cfg.ToolPool) {
		log.Warn().Err(connErr).Msg("tool server connect failed")
	}
	defer tools.Close()

	var graphIndex *linkgraph.Index
	if len(cfg.LinkGraph.Roots) > 0 {
		idx, meta, buildErr := linkgraph.BuildWithCache(ctx, redisStore, cfg.LinkGraph.Roots[0], cfg.LinkGraph.IncludeDirs, cfg.LinkGraph.ExcludedDirs, cfg.Session.KeyPrefix, cfg.Session.TTLSecs)
		if buildErr != nil {
			log.Warn().Err(buildErr).Msg("link graph build failed, graph endpoints will 503")
		} else {
			graphIndex = idx
			log.Info().Str("status", meta.Status).Str("reason", meta.MissReason).Msg("link graph ready")
		}
	}

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.MaxToolRounds = cfg.MaxRounds
	orchCfg.ContextBudgetTokens = cfg.TurnBudget
	orchCfg.WindowMaxTurns = int64(cfg.Session.WindowMaxTurns)
	orchCfg.SummaryMaxSegments = int64(cfg.Session.SummaryMaxSegments)
	if orchCfg.MaxToolRounds <= 0 {
		orchCfg.MaxToolRounds = 6
	}
	if orchCfg.ContextBudgetTokens <= 0 {
		orchCfg.ContextBudgetTokens = 8000
	}

	orch := orchestrator.New(llmProvider, model, sessions, tools, episodes, cfg.Embedding, recall.DefaultPlannerConfig(), nil, orchCfg)
	orch.OnReflection(func(ev orchestrator.ReflectionEvent) {
		log.Info().
			Str("session_id", ev.SessionID).
			Str("status", ev.Status).
			Str("route", string(ev.Route)).
			Int("tool_call_count", ev.ToolCallCount).
			Msg("turn reflection")
	})

	if redisStore != nil {
		consumer := memstream.New(redisStore, memstream.Config{
			StreamKey:            cfg.Stream.StreamName,
			ConsumerGroup:        cfg.Stream.ConsumerGroup,
			ConsumerNamePrefix:   cfg.Stream.ConsumerPrefix,
			BatchSize:            16,
			BlockMs:              2000,
			MetricsGlobalKey:     kv.Key(cfg.Session.KeyPrefix, "stream", "metrics"),
			MetricsSessionPrefix: cfg.Session.KeyPrefix,
			TTLSecs:              cfg.Session.TTLSecs,
		})
		go consumer.Run(ctx, func(_ context.Context, ev memstream.Event) error {
			if ev.SessionID != "" {
				orch.QueueInjection(ev.SessionID, fmt.Sprintf("memory stream event %s: %s", ev.Kind, ev.Fields["summary"]))
			}
			return nil
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ready")
	})

	mux.HandleFunc("/turn", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			SessionID string `json:"session_id"`
			Message   string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		reqCtx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
		defer cancel()
		text, err := orch.RunTurn(reqCtx, req.SessionID, req.Message)
		if err != nil {
			log.Error().Err(err).Str("session_id", req.SessionID).Msg("run_turn failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
	})

	mux.HandleFunc("/graph/search", func(w http.ResponseWriter, r *http.Request) {
		if graphIndex == nil {
			http.Error(w, "link graph not built", http.StatusServiceUnavailable)
			return
		}
		q := r.URL.Query().Get("q")
		limit := 20
		result := graphIndex.Search(q, limit)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})

	mux.HandleFunc("/graph/related", func(w http.ResponseWriter, r *http.Request) {
		if graphIndex == nil {
			http.Error(w, "link graph not built", http.StatusServiceUnavailable)
			return
		}
		seed := r.URL.Query().Get("seed")
		result, err := graphIndex.Related(seed, 4, 20, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})

	srv := &http.Server{Addr: ":32180", Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Msg("agentd listening on :32180")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}
