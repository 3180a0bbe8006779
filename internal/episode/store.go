package episode

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"context"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"wendao/internal/config"
	"wendao/internal/coreerr"
	"wendao/internal/recall"
)

// originalIDField mirrors the teacher's PAYLOAD_ID_FIELD: Qdrant only accepts
// UUID or positive-int point IDs, so non-UUID identifiers (tool names) are
// rehashed into a deterministic UUID and the caller-facing id is kept here.
const originalIDField = "_original_id"

// Store is the Episode Store's Qdrant-backed vector table. Episodes and tool
// records share one collection, distinguished by a "kind" payload field, so
// the Q-table persists jointly with the episodes it scores.
type Store struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// Connect dials Qdrant and ensures the collection exists, following the
// teacher's NewQdrantVector: the DSN's host/port/TLS/api_key are read the
// same way, and distance metric selection uses the same name mapping.
func Connect(ctx context.Context, cfg config.QdrantConfig, dimension int) (*Store, error) {
	host := "localhost"
	port := 6334
	useTLS := false
	apiKey := ""

	if cfg.DSN != "" {
		u, err := url.Parse(cfg.DSN)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindInput, "episode: parse qdrant dsn", err)
		}
		if h := u.Hostname(); h != "" {
			host = h
		}
		if p := u.Port(); p != "" {
			if pn, err := strconv.Atoi(p); err == nil {
				port = pn
			}
		}
		useTLS = u.Scheme == "https" || u.Scheme == "grpcs"
		apiKey = u.Query().Get("api_key")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		UseTLS: useTLS,
		APIKey: apiKey,
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindTransport, "episode: connect qdrant", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "wendao_episodes"
	}
	s := &Store{client: client, collection: collection, dimension: dimension}
	if err := s.ensureCollection(ctx, cfg.Metric); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureCollection(ctx context.Context, metric string) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorage, "episode: check collection", err)
	}
	if exists {
		return nil
	}
	distance := qdrant.Distance_Cosine
	switch strings.ToLower(metric) {
	case "l2", "euclidean":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	case "manhattan":
		distance = qdrant.Distance_Manhattan
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: distance,
		}),
	})
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorage, "episode: create collection", err)
	}
	return nil
}

// pointIDFor derives a Qdrant point id for a caller-facing identifier:
// already-valid UUIDs pass through, anything else is hashed deterministically
// (same identifier always maps to the same point), with the original id
// returned so it can be preserved in the _original_id payload field.
func pointIDFor(id string) (pid *qdrant.PointId, original string) {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id), ""
	}
	derived := uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))
	return qdrant.NewIDUUID(derived.String()), id
}

func episodePayload(ep Episode) map[string]any {
	m := map[string]any{
		"kind":                 kindEpisode,
		"scope":                ep.Scope,
		"intent":               ep.Intent,
		"outcome":              ep.Outcome,
		"success_count":        int64(ep.SuccessCount),
		"failure_count":        int64(ep.FailureCount),
		"q_value":              ep.QValue,
		"last_access_unix":     ep.LastAccessUnix,
		"decay_half_life_secs": ep.DecayHalfLifeSecs,
	}
	m[originalIDField] = ep.ID
	return m
}

func payloadString(p map[string]*qdrant.Value, key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	return v.GetStringValue()
}

func payloadInt(p map[string]*qdrant.Value, key string) int64 {
	v, ok := p[key]
	if !ok || v == nil {
		return 0
	}
	return v.GetIntegerValue()
}

func payloadFloat(p map[string]*qdrant.Value, key string) float64 {
	v, ok := p[key]
	if !ok || v == nil {
		return 0
	}
	return v.GetDoubleValue()
}

func episodeFromScoredPoint(pt *qdrant.ScoredPoint) Episode {
	payload := pt.GetPayload()
	id := payloadString(payload, originalIDField)
	if id == "" && pt.GetId() != nil {
		id = pt.GetId().GetUuid()
	}
	return Episode{
		ID:                id,
		Scope:             payloadString(payload, "scope"),
		Intent:            payloadString(payload, "intent"),
		Outcome:           payloadString(payload, "outcome"),
		SuccessCount:      int(payloadInt(payload, "success_count")),
		FailureCount:      int(payloadInt(payload, "failure_count")),
		QValue:            payloadFloat(payload, "q_value"),
		LastAccessUnix:    payloadInt(payload, "last_access_unix"),
		DecayHalfLifeSecs: payloadInt(payload, "decay_half_life_secs"),
	}
}

// AddDocument appends a new episode with the default Q-value of 0.5.
func (s *Store) AddDocument(ctx context.Context, scope, intent string, vector []float32, outcome string) (Episode, error) {
	ep := Episode{
		ID:                uuid.NewString(),
		Scope:             scope,
		Intent:            intent,
		Vector:            vector,
		Outcome:           outcome,
		QValue:            DefaultQValue,
		LastAccessUnix:    time.Now().Unix(),
		DecayHalfLifeSecs: DefaultDecayHalfLifeSecs,
	}
	pid, _ := pointIDFor(ep.ID)
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      pid,
			Vectors: qdrant.NewVectorsDense(ep.Vector),
			Payload: qdrant.NewValueMap(episodePayload(ep)),
		}},
	})
	if err != nil {
		return Episode{}, coreerr.Wrap(coreerr.KindStorage, "episode: add_document", err)
	}
	return ep, nil
}

// TwoPhaseRecallWithEmbeddingForScope runs phase-1 ANN top-k1 within scope,
// then re-ranks by score = (1-lambda)*sim + lambda*utility(episode) and
// returns the top-k2, sorted descending with a deterministic episode-id
// tie-break. Deterministic for a fixed (query_vec, index snapshot, k1, k2,
// lambda).
func (s *Store) TwoPhaseRecallWithEmbeddingForScope(ctx context.Context, scope string, queryVec []float32, k1, k2 int, lambda float64) ([]RecallResult, error) {
	if k1 <= 0 {
		k1 = 1
	}
	if k2 <= 0 {
		k2 = 1
	}
	limit := uint64(k1)
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("kind", kindEpisode),
			qdrant.NewMatch("scope", scope),
		},
	}
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(queryVec),
		Limit:          &limit,
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorage, "episode: phase1 recall", err)
	}

	now := time.Now().Unix()
	hits := make([]RecallResult, 0, len(points))
	for _, pt := range points {
		ep := episodeFromScoredPoint(pt)
		sim := float64(pt.GetScore())
		utility := utilityOf(ep, now)
		hits = append(hits, RecallResult{
			Episode:    ep,
			Similarity: sim,
			Utility:    utility,
			Score:      blendScore(sim, utility, lambda),
		})
	}
	rerank(hits)
	if len(hits) > k2 {
		hits = hits[:k2]
	}
	return hits, nil
}

// ApplyRecallCredit updates each candidate's Q-value: Q <- clip(Q +
// eta*weight*sign(outcome), 0, 1). Success/failure counters move with the
// same sign so utility's confidence term tracks accumulated evidence.
func (s *Store) ApplyRecallCredit(ctx context.Context, candidates []recall.RecallCandidate, outcome recall.Outcome, eta float64) error {
	for _, c := range candidates {
		if err := s.applyRecallCreditOne(ctx, c, outcome, eta); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyRecallCreditOne(ctx context.Context, c recall.RecallCandidate, outcome recall.Outcome, eta float64) error {
	pid, _ := pointIDFor(c.EpisodeID)
	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            []*qdrant.PointId{pid},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorage, "episode: get for credit", err)
	}
	if len(points) == 0 {
		return coreerr.New(coreerr.KindConsistency, fmt.Sprintf("episode: credit target %q not found", c.EpisodeID))
	}
	payload := points[0].GetPayload()
	currentQ := payloadFloat(payload, "q_value")
	successCount := payloadInt(payload, "success_count")
	failureCount := payloadInt(payload, "failure_count")

	switch outcome {
	case recall.Success:
		successCount++
	case recall.Failure:
		failureCount++
	}
	newQ := nextQValue(currentQ, eta, c.Weight, outcome)

	_, err = s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: s.collection,
		Payload: qdrant.NewValueMap(map[string]any{
			"q_value":          newQ,
			"success_count":    successCount,
			"failure_count":    failureCount,
			"last_access_unix": time.Now().Unix(),
		}),
		PointsSelector: qdrant.NewPointsSelector(pid),
	})
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorage, "episode: apply_recall_credit", err)
	}
	return nil
}

// Close releases the underlying Qdrant connection.
func (s *Store) Close() error {
	return s.client.Close()
}
