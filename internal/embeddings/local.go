package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"unicode"
)

// LocalService is a deterministic, dependency-free EmbeddingService. It is
// the default embedding implementation: it requires no network call and no API
// key, so LTMC is usable out of the box, and it satisfies the contract
// (embed([text]) -> []float64, d=384, deterministic, batchable, unit-norm)
// exactly. Production deployments may swap it for OpenAIService via config
// without changing any caller.
type LocalService struct {
	dimensions int
}

// NewLocalService creates a deterministic local embedder of the given
// dimension (defaults to DefaultDimensions when dim <= 0).
func NewLocalService(dim int) *LocalService {
	if dim <= 0 {
		dim = DefaultDimensions
	}
	return &LocalService{dimensions: dim}
}

// Generate produces a deterministic unit-length vector for text using a
// feature-hashing scheme over lower-cased word tokens: each token's SHA-256
// digest is read as four 64-bit words, each adding +1 or -1 to one
// dimension, keeping the embedding stable across process restarts and
// platforms.
func (s *LocalService) Generate(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, s.dimensions)
	for _, tok := range tokenize(text) {
		sum := sha256.Sum256([]byte(tok))
		for i := 0; i < len(sum)/8; i++ {
			bits := binary.BigEndian.Uint64(sum[i*8 : i*8+8])
			idx := int(bits % uint64(s.dimensions))
			sign := 1.0
			if bits&1 == 1 {
				sign = -1.0
			}
			vec[idx] += sign
		}
	}
	return normalize(vec), nil
}

// GenerateBatch embeds every text independently; the local embedder has no
// cross-text batching benefit but implements the batch contract for parity
// with network-backed services.
func (s *LocalService) GenerateBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v, err := s.Generate(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// GetDimensions returns the configured vector width.
func (s *LocalService) GetDimensions() int { return s.dimensions }

// HealthCheck always succeeds: there is no external dependency to fail.
func (s *LocalService) HealthCheck(_ context.Context) error { return nil }

func normalize(v []float64) []float64 {
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
