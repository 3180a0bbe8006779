package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"wendao/internal/config"
)

func TestVectorsSetsBearerAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		resp := map[string]any{"data": []map[string]any{{"embedding": []float32{0.1, 0.2}}}}
		b, _ := json.Marshal(resp)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	cfg := config.EmbeddingConfig{BaseURL: srv.URL, Path: "/", Model: "m", APIKey: "secret"}
	vecs, err := Vectors(context.Background(), cfg, []string{"x"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	require.Equal(t, []float32{0.1, 0.2}, vecs[0])
}

func TestVectorsRejectsCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"data": []map[string]any{{"embedding": []float32{0.1}}}}
		b, _ := json.Marshal(resp)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	cfg := config.EmbeddingConfig{BaseURL: srv.URL, Path: "/", Model: "m"}
	_, err := Vectors(context.Background(), cfg, []string{"x", "y"})
	require.Error(t, err)
}

func TestVectorsRejectsEmptyInput(t *testing.T) {
	_, err := Vectors(context.Background(), config.EmbeddingConfig{}, nil)
	require.Error(t, err)
}

func TestCheckReachabilityPropagatesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.EmbeddingConfig{BaseURL: srv.URL, Path: "/", Model: "m"}
	require.Error(t, CheckReachability(context.Background(), cfg))
}
