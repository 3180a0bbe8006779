package episode

import (
	"context"
	"encoding/json"

	"github.com/qdrant/go-client/qdrant"

	"wendao/internal/coreerr"
	"wendao/internal/toolpool"
)

// toolScrollLimit bounds the single scroll page used by the tool-discovery
// reads below. Tool registries are small (dozens to low hundreds of
// records), well under this cap; a registry that grows past it needs real
// pagination, tracked as a follow-up rather than guessed at here.
const toolScrollLimit = 10000

func toolPayload(rec toolpool.ToolRecord) (map[string]any, error) {
	keywords, err := json.Marshal(rec.Keywords)
	if err != nil {
		return nil, err
	}
	schema, err := json.Marshal(rec.InputSchema)
	if err != nil {
		return nil, err
	}
	annotations, err := json.Marshal(rec.Annotations)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"kind":             kindTool,
		"tool_name":        rec.ToolName,
		"description":      rec.Description,
		"skill_name":       rec.SkillName,
		"file_path":        rec.FilePath,
		"function_name":    rec.FunctionName,
		"execution_mode":   rec.ExecutionMode,
		"docstring":        rec.Docstring,
		"file_hash":        rec.FileHash,
		"category":         rec.Category,
		"keywords_json":    string(keywords),
		"input_schema_json": string(schema),
		"annotations_json": string(annotations),
	}, nil
}

func toolRecordFromPayload(p map[string]*qdrant.Value) toolpool.ToolRecord {
	rec := toolpool.ToolRecord{
		ToolName:      payloadString(p, "tool_name"),
		Description:   payloadString(p, "description"),
		SkillName:     payloadString(p, "skill_name"),
		FilePath:      payloadString(p, "file_path"),
		FunctionName:  payloadString(p, "function_name"),
		ExecutionMode: payloadString(p, "execution_mode"),
		Docstring:     payloadString(p, "docstring"),
		FileHash:      payloadString(p, "file_hash"),
		Category:      payloadString(p, "category"),
	}
	if s := payloadString(p, "keywords_json"); s != "" {
		_ = json.Unmarshal([]byte(s), &rec.Keywords)
	}
	if s := payloadString(p, "input_schema_json"); s != "" {
		_ = json.Unmarshal([]byte(s), &rec.InputSchema)
	}
	if s := payloadString(p, "annotations_json"); s != "" {
		_ = json.Unmarshal([]byte(s), &rec.Annotations)
	}
	return rec
}

// UpsertToolRecord writes (or overwrites, idempotently by tool name) one
// tool's registry entry alongside its embedding vector, so search_tools can
// recall tools the same way episodes are recalled.
func (s *Store) UpsertToolRecord(ctx context.Context, rec toolpool.ToolRecord, vector []float32) error {
	payload, err := toolPayload(rec)
	if err != nil {
		return coreerr.Wrap(coreerr.KindInput, "episode: encode tool payload", err)
	}
	pid, original := pointIDFor(rec.ToolName)
	if original != "" {
		payload[originalIDField] = original
	}
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      pid,
			Vectors: qdrant.NewVectorsDense(vector),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorage, "episode: upsert tool record", err)
	}
	return nil
}

func (s *Store) scrollToolPayloads(ctx context.Context) ([]map[string]*qdrant.Value, error) {
	limit := uint32(toolScrollLimit)
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("kind", kindTool)},
		},
		Limit:       &limit,
		WithPayload: qdrant.NewWithPayload(true),
		WithVectors: qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorage, "episode: scroll tool registry", err)
	}
	out := make([]map[string]*qdrant.Value, 0, len(points))
	for _, pt := range points {
		out = append(out, pt.GetPayload())
	}
	return out, nil
}

// GetAllFileHashes returns tool_name -> file_hash for every registered tool,
// so callers can detect which tool sources have changed since last index.
func (s *Store) GetAllFileHashes(ctx context.Context) (map[string]string, error) {
	payloads, err := s.scrollToolPayloads(ctx)
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]string, len(payloads))
	for _, p := range payloads {
		hashes[payloadString(p, "tool_name")] = payloadString(p, "file_hash")
	}
	return hashes, nil
}

// ListAllTools returns every registered tool record.
func (s *Store) ListAllTools(ctx context.Context) ([]toolpool.ToolRecord, error) {
	payloads, err := s.scrollToolPayloads(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]toolpool.ToolRecord, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, toolRecordFromPayload(p))
	}
	return out, nil
}

// LoadToolRegistry is list_all_tools under the name tool-discovery callers
// use at startup to hydrate their in-memory registry.
func (s *Store) LoadToolRegistry(ctx context.Context) ([]toolpool.ToolRecord, error) {
	return s.ListAllTools(ctx)
}

// SearchTools runs a semantic search over the tool registry, returning
// records scored at or above threshold, best first.
func (s *Store) SearchTools(ctx context.Context, queryVec []float32, limit int, threshold float64) ([]toolpool.ToolRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	lim := uint64(limit)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(queryVec),
		Limit:          &lim,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("kind", kindTool)},
		},
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorage, "episode: search_tools", err)
	}
	out := make([]toolpool.ToolRecord, 0, len(points))
	for _, pt := range points {
		if float64(pt.GetScore()) < threshold {
			continue
		}
		out = append(out, toolRecordFromPayload(pt.GetPayload()))
	}
	return out, nil
}
