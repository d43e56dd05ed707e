// Package llm gates all access to generation models: provider-qualified
// model resolution, per-request timeouts, retry with exponential
// backoff, and a small error taxonomy callers can branch on.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"

	"github.com/docfold/docfold/internal/log"
)

var (
	// ErrUnavailable indicates the model backend failed transiently
	// and retries were exhausted.
	ErrUnavailable = errors.New("model unavailable")

	// ErrRateLimited indicates the backend rejected the request for
	// quota reasons and retries were exhausted.
	ErrRateLimited = errors.New("model rate limited")

	// ErrInvalidRequest indicates the request itself was rejected.
	// Never retried.
	ErrInvalidRequest = errors.New("invalid model request")
)

// Request is one generation call.
type Request struct {
	System      string
	Messages    []*ai.Message
	Temperature float32 // 0 means use the gateway default
	MaxTokens   int     // 0 means use the gateway default
}

// Config controls the gateway.
type Config struct {
	// Model is the provider-qualified model name,
	// e.g. "googleai/gemini-2.5-flash" or "ollama/llama3.3".
	Model string

	// Timeout bounds a single generation attempt. Default 60s.
	Timeout time.Duration

	// MaxAttempts is the total number of tries. Default 3.
	MaxAttempts int

	// BaseDelay is the first backoff interval. Default 2s.
	BaseDelay time.Duration

	// MaxDelay caps the backoff interval. Default 30s.
	MaxDelay time.Duration

	// Temperature and MaxTokens are defaults for requests that leave
	// them unset.
	Temperature float32
	MaxTokens   int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
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
	return c
}

// backend performs one raw generation attempt. Production uses genkit;
// tests substitute a scripted implementation.
type backend interface {
	generate(ctx context.Context, model string, req Request) (string, error)
}

// Gateway is the single entry point for text generation. Stateless
// and safe for concurrent use.
type Gateway struct {
	backend backend
	cfg     Config
	limiter *rate.Limiter // optional
	logger  log.Logger
}

// New creates a Gateway backed by a genkit instance. limiter may be nil.
func New(g *genkit.Genkit, cfg Config, limiter *rate.Limiter, logger log.Logger) *Gateway {
	return newWithBackend(&genkitBackend{g: g}, cfg, limiter, logger)
}

func newWithBackend(b backend, cfg Config, limiter *rate.Limiter, logger log.Logger) *Gateway {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Gateway{backend: b, cfg: cfg.withDefaults(), limiter: limiter, logger: logger}
}

// Generate runs one generation request, retrying transient failures.
// The returned error wraps ErrUnavailable, ErrRateLimited, or
// ErrInvalidRequest so callers can branch with errors.Is.
func (gw *Gateway) Generate(ctx context.Context, req Request) (string, error) {
	if req.Temperature == 0 {
		req.Temperature = gw.cfg.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = gw.cfg.MaxTokens
	}

	delay := gw.cfg.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= gw.cfg.MaxAttempts; attempt++ {
		if gw.limiter != nil {
			if err := gw.limiter.Wait(ctx); err != nil {
				return "", fmt.Errorf("rate limiter: %w", err)
			}
		}

		text, err := gw.generateOnce(ctx, req)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			// Caller gave up; don't reinterpret their cancellation.
			return "", ctx.Err()
		}
		lastErr = classify(err)

		if errors.Is(lastErr, ErrInvalidRequest) {
			return "", lastErr
		}
		if attempt == gw.cfg.MaxAttempts {
			break
		}

		gw.logger.Warn("generation attempt failed, retrying",
			"model", gw.cfg.Model,
			"attempt", attempt,
			"max_attempts", gw.cfg.MaxAttempts,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, gw.cfg.MaxDelay)
	}

	return "", fmt.Errorf("generation failed after %d attempts: %w", gw.cfg.MaxAttempts, lastErr)
}

func (gw *Gateway) generateOnce(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gw.cfg.Timeout)
	defer cancel()

	text, err := gw.backend.generate(ctx, gw.cfg.Model, req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty response from model %q", gw.cfg.Model)
	}
	return text, nil
}

// classify maps a raw backend error onto the gateway taxonomy.
// Providers surface errors as strings, so this matches the markers the
// embedding path also uses.
func classify(err error) error {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "429"):
		return fmt.Errorf("%w: %w", ErrRateLimited, err)

	case errors.Is(err, context.DeadlineExceeded),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"),
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "empty response"):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)

	default:
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
}

// genkitBackend adapts genkit.Generate.
type genkitBackend struct {
	g *genkit.Genkit
}

func (b *genkitBackend) generate(ctx context.Context, model string, req Request) (string, error) {
	opts := []ai.GenerateOption{ai.WithModelName(model)}
	if req.System != "" {
		opts = append(opts, ai.WithSystem(req.System))
	}
	if len(req.Messages) > 0 {
		opts = append(opts, ai.WithMessages(req.Messages...))
	}

	cfg := map[string]any{}
	if req.Temperature > 0 {
		cfg["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		cfg["maxOutputTokens"] = req.MaxTokens
	}
	if len(cfg) > 0 {
		opts = append(opts, ai.WithConfig(cfg))
	}

	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
