package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Embedder produces storage-ready float64 vectors from an
// EmbeddingGenerator, applying a client-side rate limit so batch work like
// consolidation cannot exhaust a provider quota.
type Embedder struct {
	generator EmbeddingGenerator
	limiter   *rate.Limiter
}

// NewEmbedder wraps the generator with a requests-per-second limit.
// rps <= 0 disables limiting.
func NewEmbedder(generator EmbeddingGenerator, rps float64) *Embedder {
	var limiter *rate.Limiter
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &Embedder{generator: generator, limiter: limiter}
}

// Embed generates the embedding for text, blocking if the rate limit
// requires it.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if e.generator == nil {
		return nil, fmt.Errorf("llm: no embedding provider configured")
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("llm: rate limit wait: %w", err)
		}
	}

	vec, err := e.generator.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out, nil
}

// Model returns the underlying embedding model name, or "" when no
// provider is configured.
func (e *Embedder) Model() string {
	if e.generator == nil {
		return ""
	}
	return e.generator.GetModel()
}
