package orchestrator

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"wendao/internal/config"
	"wendao/internal/embedding"
)

// Embed source tags, recorded alongside a recalled vector so downstream
// telemetry can tell a direct embed from a repaired or degraded one.
const (
	EmbedSourceDirect       = "embedding_direct"
	EmbedSourceRepaired     = "embedding_repaired"
	EmbedSourceHashFallback = "embedding_hash_fallback"
)

// EmbedResult carries the vector that comes out of embedWithRepair plus
// which path produced it.
type EmbedResult struct {
	Vector []float32
	Source string
}

// embedWithRepair embeds text and reconciles its dimensionality against
// want. A provider timeout falls back to a deterministic hash encoder
// rather than failing the turn; a wrong-length vector is resampled
// in-place (shrunk by linear interpolation, grown by mirror-padding).
func embedWithRepair(ctx context.Context, cfg config.EmbeddingConfig, text string, want int, timeoutSecs int) (EmbedResult, error) {
	if timeoutSecs <= 0 {
		timeoutSecs = 3
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
	defer cancel()

	vecs, err := embedding.Vectors(callCtx, cfg, []string{text})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return EmbedResult{Vector: hashEncode(text, want), Source: EmbedSourceHashFallback}, nil
		}
		return EmbedResult{}, err
	}
	if len(vecs) == 0 {
		return EmbedResult{Vector: hashEncode(text, want), Source: EmbedSourceHashFallback}, nil
	}

	vec := vecs[0]
	if want <= 0 || len(vec) == want {
		return EmbedResult{Vector: vec, Source: EmbedSourceDirect}, nil
	}
	return EmbedResult{Vector: resampleVector(vec, want), Source: EmbedSourceRepaired}, nil
}

// resampleVector reconciles vec's length to want: linear interpolation
// when shrinking, mirror-padding when expanding.
func resampleVector(vec []float32, want int) []float32 {
	n := len(vec)
	if n == 0 || want <= 0 {
		return make([]float32, want)
	}
	if n == want {
		return append([]float32(nil), vec...)
	}
	if want < n {
		return shrinkLinear(vec, want)
	}
	return expandMirror(vec, want)
}

func shrinkLinear(vec []float32, want int) []float32 {
	n := len(vec)
	out := make([]float32, want)
	if want == 1 {
		out[0] = vec[0]
		return out
	}
	for i := 0; i < want; i++ {
		pos := float64(i) * float64(n-1) / float64(want-1)
		idx0 := int(pos)
		idx1 := idx0 + 1
		if idx1 > n-1 {
			idx1 = n - 1
		}
		frac := pos - float64(idx0)
		out[i] = vec[idx0]*float32(1-frac) + vec[idx1]*float32(frac)
	}
	return out
}

func expandMirror(vec []float32, want int) []float32 {
	n := len(vec)
	out := make([]float32, want)
	if n == 1 {
		for i := range out {
			out[i] = vec[0]
		}
		return out
	}
	period := 2 * (n - 1)
	for i := 0; i < want; i++ {
		pos := i % period
		if pos >= n {
			pos = period - pos
		}
		out[i] = vec[pos]
	}
	return out
}

// hashEncode deterministically maps text into a unit-ish D-dimensional
// vector via FNV-1a, for use when the embedding provider is unreachable.
func hashEncode(text string, d int) []float32 {
	if d <= 0 {
		d = 1
	}
	out := make([]float32, d)
	for i := 0; i < d; i++ {
		h := fnv.New64a()
		h.Write([]byte(text))
		h.Write([]byte{byte(i), byte(i >> 8)})
		sum := h.Sum64()
		out[i] = float32(sum%2000)/1000 - 1
	}
	return out
}
