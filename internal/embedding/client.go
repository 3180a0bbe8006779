// Package embedding calls an OpenAI-compatible embeddings endpoint to
// vectorize episode text before it is written to, or queried from, the
// Qdrant-backed Episode Store (Component B), grounded on manifold's
// internal/embedding client.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"wendao/internal/config"
)

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Vectors calls the configured embedding endpoint and returns one vector per
// input string, in the same order.
func Vectors(ctx context.Context, cfg config.EmbeddingConfig, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("embedding: no inputs")
	}

	body, err := json.Marshal(embedRequest{Model: cfg.Model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, cfg.BaseURL+cfg.Path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedding: read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("embedding: endpoint returned %s: %s", resp.Status, string(respBody))
	}

	var er embedResponse
	if err := json.Unmarshal(respBody, &er); err != nil {
		return nil, fmt.Errorf("embedding: parse response: %w", err)
	}
	if len(er.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding: got %d vectors, want %d", len(er.Data), len(inputs))
	}

	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		out[i] = er.Data[i].Embedding
	}
	return out, nil
}

// CheckReachability sends a minimal request to confirm the embedding endpoint
// is reachable and returns vectors in the expected shape.
func CheckReachability(ctx context.Context, cfg config.EmbeddingConfig) error {
	if _, err := Vectors(ctx, cfg, []string{"ping"}); err != nil {
		return fmt.Errorf("embedding endpoint unreachable: %w", err)
	}
	return nil
}
