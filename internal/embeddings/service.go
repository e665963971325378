package embeddings

import (
	"log/slog"

	"ltmc/internal/circuitbreaker"
)

// Provider selects which EmbeddingService implementation backs it.
type Provider string

const (
	ProviderLocal  Provider = "local"
	ProviderOpenAI Provider = "openai"
)

// NewService builds the embedding function for the given provider,
// wrapped with retry and circuit-breaker protection exactly as the write
// path (the sync coordinator) and read path (the hybrid retriever) expect: a single EmbeddingService whose
// failures degrade gracefully instead of panicking the caller.
func NewService(provider Provider, dim int, openaiCfg *OpenAIConfig, logger *slog.Logger) (EmbeddingService, error) {
	var base EmbeddingService
	switch provider {
	case ProviderOpenAI:
		cfg := openaiCfg
		if cfg == nil {
			cfg = DefaultOpenAIConfig()
		}
		if dim > 0 {
			cfg.Dimensions = dim
		}
		svc, err := NewOpenAIService(cfg, logger)
		if err != nil {
			return nil, err
		}
		base = svc
	case ProviderLocal, "":
		base = NewLocalService(dim)
	default:
		base = NewLocalService(dim)
	}

	retried := NewRetryableService(base, nil)
	return NewCircuitBreakerService(retried, circuitbreaker.DefaultConfig()), nil
}
