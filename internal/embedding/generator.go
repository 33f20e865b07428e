package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/communiq/communiq/internal/anonymize"
	"github.com/communiq/communiq/internal/model"
	"github.com/communiq/communiq/internal/storage"
)

// Embedder is the model-side dependency: one call, many texts, one vector per
// text in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Cache persists vectors keyed by content fingerprint so identical text is
// never embedded twice across runs.
type Cache interface {
	GetEmbedding(fingerprint string) ([]float32, error)
	PutEmbedding(fingerprint string, vector []float32) error
}

// Config controls batching and retry behavior.
type Config struct {
	BatchSize         int           // texts per model call
	MaxAttempts       int           // attempts per sub-batch before giving up
	BaseBackoff       time.Duration // first retry delay, doubled per attempt
	RateLimitCooldown time.Duration // pause after an HTTP 429
	RequestsPerSecond float64       // steady-state pacing toward the model
}

// DefaultConfig returns the settings used in production.
func DefaultConfig() Config {
	return Config{
		BatchSize:         16,
		MaxAttempts:       3,
		BaseBackoff:       500 * time.Millisecond,
		RateLimitCooldown: 5 * time.Second,
		RequestsPerSecond: 4,
	}
}

// Generator produces embedding vectors, consulting the fingerprint cache
// before touching the model and writing every fresh vector back through.
type Generator struct {
	embedder Embedder
	cache    Cache
	limiter  *rate.Limiter
	logger   *slog.Logger
	cfg      Config
	flight   singleflight.Group
}

// New creates a Generator. A nil logger disables logging.
func New(embedder Embedder, cache Cache, logger *slog.Logger, cfg Config) *Generator {
	if cfg.BatchSize <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Generator{
		embedder: embedder,
		cache:    cache,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:   logger,
		cfg:      cfg,
	}
}

// Embed returns the vector for a single text, typically a retrieval query.
// Query strings repeat often in practice, so they go through the same cache
// as chunk content, and concurrent callers asking for the same text share a
// single model call.
func (g *Generator) Embed(ctx context.Context, text string) ([]float32, error) {
	fingerprint := anonymize.ChunkFingerprint(text)

	v, err, _ := g.flight.Do(fingerprint, func() (any, error) {
		if vec, err := g.cache.GetEmbedding(fingerprint); err == nil {
			return vec, nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("reading embedding cache: %w", err)
		}

		vectors, err := g.embedWithRetry(ctx, []string{text})
		if err != nil {
			return nil, err
		}

		if err := g.cache.PutEmbedding(fingerprint, vectors[0]); err != nil {
			g.logger.Warn("caching embedding failed", "error", err)
		}
		return vectors[0], nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// EmbedBatch returns one vector per input text, in input order. Cached texts
// never reach the model. When a sub-batch exhausts its retries its slots stay
// nil and the rest of the batch continues; the only hard failures are context
// cancellation and cache errors.
func (g *Generator) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	var missIdx []int
	for i, text := range texts {
		fingerprint := anonymize.ChunkFingerprint(text)
		vec, err := g.cache.GetEmbedding(fingerprint)
		if err == nil {
			vectors[i] = vec
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("reading embedding cache: %w", err)
		}
		missIdx = append(missIdx, i)
	}

	for start := 0; start < len(missIdx); start += g.cfg.BatchSize {
		end := min(start+g.cfg.BatchSize, len(missIdx))
		batch := missIdx[start:end]

		batchTexts := make([]string, len(batch))
		for j, i := range batch {
			batchTexts[j] = texts[i]
		}

		got, err := g.embedWithRetry(ctx, batchTexts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			g.logger.Warn("embedding sub-batch failed", "size", len(batch), "error", err)
			continue
		}

		for j, i := range batch {
			vectors[i] = got[j]
			fingerprint := anonymize.ChunkFingerprint(texts[i])
			if err := g.cache.PutEmbedding(fingerprint, got[j]); err != nil {
				g.logger.Warn("caching embedding failed", "error", err)
			}
		}
	}

	return vectors, nil
}

func (g *Generator) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := range g.cfg.MaxAttempts {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		vectors, err := g.embedder.Embed(ctx, texts)
		if err == nil {
			if len(vectors) != len(texts) {
				return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
			}
			return vectors, nil
		}
		lastErr = err

		var delay time.Duration
		switch {
		case errors.Is(err, model.ErrRateLimited):
			delay = g.cfg.RateLimitCooldown
			g.logger.Warn("embedding rate limited", "cooldown", delay)
		case errors.Is(err, model.ErrUnavailable):
			delay = time.Duration(float64(g.cfg.BaseBackoff) * math.Pow(2, float64(attempt)))
		default:
			return nil, err
		}

		if attempt < g.cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", g.cfg.MaxAttempts, lastErr)
}
