package embeddings

import (
	"context"
	"fmt"

	"ltmc/internal/circuitbreaker"
	"ltmc/internal/logging"
)

// CircuitBreakerService wraps an EmbeddingService with circuit breaker
// protection so a failing embedding backend degrades embedding without blocking
// the rest of the ingestion/retrieval pipeline.
type CircuitBreakerService struct {
	service EmbeddingService
	cb      *circuitbreaker.CircuitBreaker
}

// NewCircuitBreakerService wraps service with a circuit breaker using config,
// or circuitbreaker.DefaultConfig() (F=5, cool-down=30s) if config is nil.
func NewCircuitBreakerService(service EmbeddingService, config *circuitbreaker.Config) *CircuitBreakerService {
	if config == nil {
		config = circuitbreaker.DefaultConfig()
	}
	if config.OnStateChange == nil {
		config.OnStateChange = func(from, to circuitbreaker.State) {
			logging.Warn("embedding circuit breaker state change", "from", from.String(), "to", to.String())
		}
	}
	return &CircuitBreakerService{service: service, cb: circuitbreaker.New(config)}
}

// Generate embeds a single text, tripping the breaker on repeated failure.
func (s *CircuitBreakerService) Generate(ctx context.Context, text string) ([]float64, error) {
	var result []float64
	err := s.cb.ExecuteWithFallback(ctx,
		func(ctx context.Context) error {
			var err error
			result, err = s.service.Generate(ctx, text)
			return err
		},
		func(_ context.Context, cbErr error) error {
			return fmt.Errorf("embedding service unavailable: %w", cbErr)
		},
	)
	return result, err
}

// GenerateBatch embeds a batch of texts through the same breaker.
func (s *CircuitBreakerService) GenerateBatch(ctx context.Context, texts []string) ([][]float64, error) {
	var result [][]float64
	err := s.cb.ExecuteWithFallback(ctx,
		func(ctx context.Context) error {
			var err error
			result, err = s.service.GenerateBatch(ctx, texts)
			return err
		},
		func(_ context.Context, cbErr error) error {
			return fmt.Errorf("embedding service unavailable: %w", cbErr)
		},
	)
	return result, err
}

// GetDimensions delegates to the wrapped service.
func (s *CircuitBreakerService) GetDimensions() int { return s.service.GetDimensions() }

// HealthCheck runs the wrapped service's health check through the breaker.
func (s *CircuitBreakerService) HealthCheck(ctx context.Context) error {
	return s.cb.Execute(ctx, func(ctx context.Context) error {
		return s.service.HealthCheck(ctx)
	})
}

// State reports the breaker's current state for observability (observability).
func (s *CircuitBreakerService) State() circuitbreaker.State { return s.cb.GetState() }

// Stats reports circuit breaker counters for observability (observability).
func (s *CircuitBreakerService) Stats() circuitbreaker.Stats { return s.cb.GetStats() }
