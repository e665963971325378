package embeddings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ltmc/internal/retry"
)

// RetryableService wraps an EmbeddingService with exponential-backoff retry,
// matching the sync coordinator's "retry the vector index/the graph store/the cache side effects with backoff within deadline"
// pattern applied to the embedding call on the write path.
type RetryableService struct {
	service EmbeddingService
	retrier *retry.Retrier
}

// NewRetryableService wraps service with config, or a default 3-attempt
// exponential backoff if config is nil.
func NewRetryableService(service EmbeddingService, config *retry.Config) *RetryableService {
	if config == nil {
		config = defaultEmbeddingRetryConfig()
	}
	return &RetryableService{service: service, retrier: retry.New(config)}
}

func defaultEmbeddingRetryConfig() *retry.Config {
	return &retry.Config{
		MaxAttempts:     3,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.2,
		RetryIf:         isRetryableEmbeddingError,
	}
}

// isRetryableEmbeddingError classifies transient (network, rate-limit,
// server-side) failures as retryable and auth/validation failures as not.
func isRetryableEmbeddingError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())

	nonRetryable := []string{
		"invalid api key", "unauthorized", "forbidden",
		"insufficient_quota", "invalid_request_error",
		"model not found", "context length exceeded",
	}
	for _, pattern := range nonRetryable {
		if strings.Contains(errStr, pattern) {
			return false
		}
	}

	retryable := []string{
		"connection refused", "connection reset", "timeout",
		"temporary failure", "i/o timeout", "eof",
		"429", "500", "502", "503", "504",
		"rate limit", "quota exceeded", "overloaded", "temporarily unavailable",
	}
	for _, pattern := range retryable {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	type temporary interface{ Temporary() bool }
	if te, ok := err.(temporary); ok {
		return te.Temporary()
	}
	return false
}

// Generate embeds a single text, retrying transient failures.
func (r *RetryableService) Generate(ctx context.Context, text string) ([]float64, error) {
	var embedding []float64
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		embedding, err = r.service.Generate(ctx, text)
		return err
	})
	if result.Err != nil {
		return nil, fmt.Errorf("generate embedding failed after %d attempts: %w", result.Attempts, result.Err)
	}
	return embedding, nil
}

// GenerateBatch embeds a batch of texts, retrying transient failures.
func (r *RetryableService) GenerateBatch(ctx context.Context, texts []string) ([][]float64, error) {
	var embeddings [][]float64
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		embeddings, err = r.service.GenerateBatch(ctx, texts)
		return err
	})
	if result.Err != nil {
		return nil, fmt.Errorf("generate batch embeddings failed after %d attempts: %w", result.Attempts, result.Err)
	}
	return embeddings, nil
}

// GetDimensions delegates to the wrapped service (no retry needed).
func (r *RetryableService) GetDimensions() int { return r.service.GetDimensions() }

// HealthCheck probes the wrapped service, retrying transient failures.
func (r *RetryableService) HealthCheck(ctx context.Context) error {
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.service.HealthCheck(ctx)
	})
	if result.Err != nil {
		return fmt.Errorf("embedding health check failed after %d attempts: %w", result.Attempts, result.Err)
	}
	return nil
}
