// Package embed turns chunk text into dense vectors via a Genkit
// embedder, adding batching, retry with exponential backoff, and
// dimension validation on top of the raw model call.
package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/time/rate"

	"github.com/docfold/docfold/internal/log"
)

var (
	// ErrDimensionMismatch indicates the model returned a vector whose
	// dimension differs from the configured one. This is fatal for the
	// affected texts: the vector is never truncated or padded, and the
	// call is never retried.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrBackend indicates the embedding backend failed or returned a
	// malformed response after retries were exhausted.
	ErrBackend = errors.New("embedding backend error")
)

// Config controls batching and retry behavior.
type Config struct {
	// Dimension is the expected vector dimension. Required.
	Dimension int

	// MaxBatchSize caps texts per backend request. Default 32.
	MaxBatchSize int

	// MaxAttempts is the total number of tries per sub-batch. Default 3.
	MaxAttempts int

	// BaseDelay is the first backoff interval. Default 2s.
	BaseDelay time.Duration

	// MaxDelay caps the backoff interval. Default 30s.
	MaxDelay time.Duration

	// Timeout bounds a single backend attempt. Default 30s.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 32
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Client is a stateless embedding client. Safe for concurrent use.
type Client struct {
	embedder ai.Embedder
	cfg      Config
	limiter  *rate.Limiter // optional, nil disables proactive limiting
	logger   log.Logger
}

// New creates an embedding client. limiter may be nil.
func New(embedder ai.Embedder, cfg Config, limiter *rate.Limiter, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Client{embedder: embedder, cfg: cfg.withDefaults(), limiter: limiter, logger: logger}
}

// Dimension returns the configured vector dimension.
func (c *Client) Dimension() int { return c.cfg.Dimension }

// EmbedBatch embeds texts and returns vectors aligned by index:
// result[i] is the embedding of texts[i]. Batches larger than the
// backend limit are split transparently; the caller sees one aligned
// result either way.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.cfg.MaxBatchSize {
		end := min(start+c.cfg.MaxBatchSize, len(texts))
		batch, err := c.embedWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// EmbedText embeds a single text. Convenience wrapper for query paths.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// embedWithRetry runs one sub-batch with exponential backoff.
// Non-transient failures (including dimension mismatches) return
// immediately.
func (c *Client) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	delay := c.cfg.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}

		vectors, err := c.embedOnce(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		if errors.Is(err, ErrDimensionMismatch) || !isTransient(err) {
			return nil, err
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		c.logger.Warn("embedding attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, c.cfg.MaxDelay)
	}

	return nil, fmt.Errorf("%w: %d attempts exhausted: %w", ErrBackend, c.cfg.MaxAttempts, lastErr)
}

func (c *Client) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	docs := make([]*ai.Document, len(texts))
	for i, text := range texts {
		docs[i] = ai.DocumentFromText(text, nil)
	}

	resp, err := c.embedder.Embed(ctx, &ai.EmbedRequest{Input: docs})
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts",
			ErrBackend, len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Embedding) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at index %d", ErrBackend, i)
		}
		if len(emb.Embedding) != c.cfg.Dimension {
			return nil, fmt.Errorf("%w: got %d dimensions, want %d",
				ErrDimensionMismatch, len(emb.Embedding), c.cfg.Dimension)
		}
		vectors[i] = emb.Embedding
	}
	return vectors, nil
}

// isTransient reports whether an error is worth retrying.
// Genkit surfaces provider errors as opaque strings, so this matches
// the same markers the generation path uses.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	markers := []string{
		"rate limit",
		"quota",
		"429",
		"500",
		"502",
		"503",
		"504",
		"timeout",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"unavailable",
		"overloaded",
	}
	for _, marker := range markers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
