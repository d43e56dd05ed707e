// Package memory provides a brute-force in-memory vector index.
//
// Every search scans all records under a read lock, which is fine up
// to roughly 10k records; beyond that use the pgvector-backed index.
// Used by tests and single-process deployments that don't want a
// database.
package memory

import (
	"context"
	"math"
	"sync"

	"github.com/docfold/docfold/internal/index"
	"github.com/docfold/docfold/internal/log"
)

// Index is a thread-safe in-memory implementation of index.Index.
// A batch becomes visible atomically: concurrent searches see either
// none or all of an Upsert's records.
type Index struct {
	mu      sync.RWMutex
	records map[string]index.Record
	logger  log.Logger
}

// New creates an empty in-memory index.
func New(logger log.Logger) *Index {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Index{records: make(map[string]index.Record), logger: logger}
}

// Upsert inserts or fully replaces records by id.
func (idx *Index) Upsert(ctx context.Context, records []index.Record) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := index.ValidateRecords(records); err != nil {
		return 0, err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, r := range records {
		idx.records[r.ID] = cloneRecord(r)
	}
	idx.logger.Debug("records upserted", "count", len(records), "total", len(idx.records))
	return len(records), nil
}

// DeleteBySource removes all records of documentID visible to tenantTag.
func (idx *Index) DeleteBySource(ctx context.Context, tenantTag, documentID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	deleted := 0
	for id, r := range idx.records {
		if r.Source.DocumentID == documentID && index.HasTag(r.TenantTags, tenantTag) {
			delete(idx.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// Search scans all records in the query's tenant scope and returns the
// TopK most similar by cosine similarity. An empty tag list matches
// nothing. Empty result is a valid outcome, not an error.
func (idx *Index) Search(ctx context.Context, q index.Query) ([]index.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(q.TenantTags) == 0 || q.TopK <= 0 {
		return nil, nil
	}

	idx.mu.RLock()
	var results []index.Result
	for _, r := range idx.records {
		if !index.TagsOverlap(r.TenantTags, q.TenantTags) {
			continue
		}
		if len(r.Embedding) != len(q.Vector) {
			continue
		}
		results = append(results, index.Result{
			Record: cloneRecord(r),
			Score:  cosineSimilarity(q.Vector, r.Embedding),
		})
	}
	idx.mu.RUnlock()

	index.SortAndRank(results)
	if len(results) > q.TopK {
		results = results[:q.TopK]
	}
	return results, nil
}

// Count returns the number of records visible to tenantTag.
func (idx *Index) Count(ctx context.Context, tenantTag string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	count := 0
	for _, r := range idx.records {
		if index.HasTag(r.TenantTags, tenantTag) {
			count++
		}
	}
	return count, nil
}

// cloneRecord copies a record deeply enough that callers cannot mutate
// stored state through returned slices.
func cloneRecord(r index.Record) index.Record {
	out := r
	out.TenantTags = append([]string(nil), r.TenantTags...)
	out.Embedding = append([]float32(nil), r.Embedding...)
	if r.Source.Extra != nil {
		extra := make(map[string]string, len(r.Source.Extra))
		for k, v := range r.Source.Extra {
			extra[k] = v
		}
		out.Source.Extra = extra
	}
	return out
}

// cosineSimilarity returns the cosine of the angle between two vectors,
// in [-1, 1]. Zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
