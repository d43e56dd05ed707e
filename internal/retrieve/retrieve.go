// Package retrieve implements the read path: embed a query and search
// the vector index within a tenant scope.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docfold/docfold/internal/index"
	"github.com/docfold/docfold/internal/log"
)

// ErrEmptyQuery indicates the query text was empty or whitespace.
var ErrEmptyQuery = errors.New("empty query")

// Embedder embeds a single query text.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the read side of the vector index.
type Searcher interface {
	Search(ctx context.Context, q index.Query) ([]index.Result, error)
}

// Retriever finds the chunks most relevant to a query. Stateless and
// safe for concurrent use; identical inputs against an unchanged index
// return identical results.
type Retriever struct {
	embedder    Embedder
	searcher    Searcher
	defaultTopK int
	logger      log.Logger
}

// New creates a Retriever. defaultTopK is used when a call passes
// topK <= 0.
func New(embedder Embedder, searcher Searcher, defaultTopK int, logger log.Logger) *Retriever {
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Retriever{
		embedder:    embedder,
		searcher:    searcher,
		defaultTopK: defaultTopK,
		logger:      logger,
	}
}

// Retrieve returns up to topK results ranked by similarity, scoped to
// tenantTags. An empty result set is a valid outcome, not an error:
// the caller decides how to answer without context.
func (r *Retriever) Retrieve(ctx context.Context, query string, tenantTags []string, topK int) ([]index.Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = r.defaultTopK
	}

	vector, err := r.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	results, err := r.searcher.Search(ctx, index.Query{
		Vector:     vector,
		TenantTags: tenantTags,
		TopK:       topK,
	})
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	r.logger.Debug("retrieval complete",
		"results", len(results),
		"top_k", topK,
		"tenant_tags", tenantTags)
	return results, nil
}
