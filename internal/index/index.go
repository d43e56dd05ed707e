// Package index defines the vector index contract shared by the
// in-memory and pgvector-backed implementations.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrUnavailable indicates the index backend cannot be reached.
	// Query paths surface it so callers can distinguish "no results"
	// from "store down".
	ErrUnavailable = errors.New("vector index unavailable")

	// ErrNoTenant indicates a record carries no tenant tag. Untagged
	// records are rejected at write time so they can never leak into
	// another tenant's results.
	ErrNoTenant = errors.New("record has no tenant tag")

	// ErrInvalidRecord indicates a record is structurally invalid.
	ErrInvalidRecord = errors.New("invalid record")
)

// Source identifies where a record's text came from. Every field that
// queries or attribution depend on is named; Extra is opaque metadata
// that is stored and returned but never filtered on.
type Source struct {
	DocumentID string            `json:"document_id"`
	FilePath   string            `json:"file_path"`
	FileName   string            `json:"file_name"`
	FileType   string            `json:"file_type"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Record is one indexed chunk.
type Record struct {
	ID         string
	TenantTags []string
	Ordinal    int
	Text       string
	Heading    string
	Embedding  []float32
	Source     Source
	CreatedAt  time.Time
}

// Query is a vector search request. TenantTags scope the search: a
// record is visible only when its tags intersect the query's. An empty
// tag list matches nothing.
type Query struct {
	Vector     []float32
	TenantTags []string
	TopK       int
}

// Result is one ranked search hit. Score is cosine similarity
// (higher is more relevant); Rank is the 1-based position, so the
// best hit has Rank 1.
type Result struct {
	Record Record
	Score  float64
	Rank   int
}

// Index stores and searches embedded chunks.
//
// Upsert is idempotent by Record.ID: re-upserting an id fully replaces
// the stored record. DeleteBySource removes all records of a document
// within one tenant scope. Search never returns records outside the
// query's tenant scope.
type Index interface {
	Upsert(ctx context.Context, records []Record) (int, error)
	DeleteBySource(ctx context.Context, tenantTag, documentID string) (int, error)
	Search(ctx context.Context, q Query) ([]Result, error)
	Count(ctx context.Context, tenantTag string) (int, error)
}

// ValidateRecords rejects structurally invalid records before any of
// them is written, so a bad batch never partially lands.
func ValidateRecords(records []Record) error {
	for i, r := range records {
		if r.ID == "" {
			return fmt.Errorf("%w: record %d has empty id", ErrInvalidRecord, i)
		}
		if len(r.TenantTags) == 0 {
			return fmt.Errorf("%w: record %d (id %s)", ErrNoTenant, i, r.ID)
		}
		if len(r.Embedding) == 0 {
			return fmt.Errorf("%w: record %d (id %s) has empty embedding", ErrInvalidRecord, i, r.ID)
		}
		if r.Text == "" {
			return fmt.Errorf("%w: record %d (id %s) has empty text", ErrInvalidRecord, i, r.ID)
		}
	}
	return nil
}

// SortAndRank orders results by descending score with a deterministic
// tie-break (document id, then ordinal, ascending) and assigns 1-based
// ranks. Both implementations share it so ordering semantics cannot
// drift.
func SortAndRank(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Record.Source.DocumentID != results[j].Record.Source.DocumentID {
			return results[i].Record.Source.DocumentID < results[j].Record.Source.DocumentID
		}
		return results[i].Record.Ordinal < results[j].Record.Ordinal
	})
	for i := range results {
		results[i].Rank = i + 1
	}
}

// HasTag reports whether tags contains tag.
func HasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TagsOverlap reports whether two tag sets intersect.
func TagsOverlap(a, b []string) bool {
	for _, t := range a {
		if HasTag(b, t) {
			return true
		}
	}
	return false
}
