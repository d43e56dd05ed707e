package retrieve

import (
	"context"
	"errors"
	"testing"

	"github.com/docfold/docfold/internal/index"
	"github.com/docfold/docfold/internal/index/memory"
	"github.com/docfold/docfold/internal/log"
)

// ============================================================
// Mocks
// ============================================================

type mockEmbedder struct {
	callCount int
	lastText  string
	vector    []float32
	err       error
}

func (m *mockEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	m.callCount++
	m.lastText = text
	if m.err != nil {
		return nil, m.err
	}
	return m.vector, nil
}

type mockSearcher struct {
	callCount int
	lastQuery index.Query
	results   []index.Result
	err       error
}

func (m *mockSearcher) Search(_ context.Context, q index.Query) ([]index.Result, error) {
	m.callCount++
	m.lastQuery = q
	return m.results, m.err
}

// ============================================================
// Tests
// ============================================================

func TestRetrieve_PassesQueryThrough(t *testing.T) {
	emb := &mockEmbedder{vector: []float32{1, 0}}
	searcher := &mockSearcher{results: []index.Result{{Score: 0.9}}}
	r := New(emb, searcher, 5, log.NewNop())

	results, err := r.Retrieve(context.Background(), "how do I deploy?", []string{"docs"}, 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	if emb.lastText != "how do I deploy?" {
		t.Errorf("embedded text = %q", emb.lastText)
	}
	if searcher.lastQuery.TopK != 3 {
		t.Errorf("TopK = %d, want 3", searcher.lastQuery.TopK)
	}
	if len(searcher.lastQuery.TenantTags) != 1 || searcher.lastQuery.TenantTags[0] != "docs" {
		t.Errorf("TenantTags = %v", searcher.lastQuery.TenantTags)
	}
	if searcher.lastQuery.Vector[0] != 1 {
		t.Errorf("query vector not passed through: %v", searcher.lastQuery.Vector)
	}
}

func TestRetrieve_DefaultTopK(t *testing.T) {
	searcher := &mockSearcher{}
	r := New(&mockEmbedder{vector: []float32{1}}, searcher, 7, log.NewNop())

	if _, err := r.Retrieve(context.Background(), "q", []string{"docs"}, 0); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if searcher.lastQuery.TopK != 7 {
		t.Errorf("TopK = %d, want default 7", searcher.lastQuery.TopK)
	}
}

func TestRetrieve_EmptyQuery(t *testing.T) {
	emb := &mockEmbedder{vector: []float32{1}}
	r := New(emb, &mockSearcher{}, 5, log.NewNop())

	for _, q := range []string{"", "   \t\n"} {
		if _, err := r.Retrieve(context.Background(), q, []string{"docs"}, 5); !errors.Is(err, ErrEmptyQuery) {
			t.Errorf("Retrieve(%q) = %v, want ErrEmptyQuery", q, err)
		}
	}
	if emb.callCount != 0 {
		t.Errorf("embedder called %d times for empty queries", emb.callCount)
	}
}

func TestRetrieve_EmptyResultIsNotAnError(t *testing.T) {
	r := New(&mockEmbedder{vector: []float32{1}}, &mockSearcher{}, 5, log.NewNop())

	results, err := r.Retrieve(context.Background(), "nothing matches this", []string{"docs"}, 5)
	if err != nil {
		t.Fatalf("empty retrieval must not error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestRetrieve_PropagatesErrors(t *testing.T) {
	embedErr := errors.New("embedder down")
	r := New(&mockEmbedder{err: embedErr}, &mockSearcher{}, 5, log.NewNop())
	if _, err := r.Retrieve(context.Background(), "q", []string{"docs"}, 5); !errors.Is(err, embedErr) {
		t.Errorf("error = %v, want wrapped embedder error", err)
	}

	r = New(&mockEmbedder{vector: []float32{1}}, &mockSearcher{err: index.ErrUnavailable}, 5, log.NewNop())
	if _, err := r.Retrieve(context.Background(), "q", []string{"docs"}, 5); !errors.Is(err, index.ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable preserved", err)
	}
}

// End to end against the in-memory index: deterministic for identical
// inputs.
func TestRetrieve_DeterministicAgainstMemoryIndex(t *testing.T) {
	idx := memory.New(log.NewNop())
	ctx := context.Background()

	records := []index.Record{
		{ID: "a", TenantTags: []string{"docs"}, Ordinal: 0, Text: "alpha",
			Embedding: []float32{1, 0}, Source: index.Source{DocumentID: "d1"}},
		{ID: "b", TenantTags: []string{"docs"}, Ordinal: 1, Text: "beta",
			Embedding: []float32{0.9, 0.1}, Source: index.Source{DocumentID: "d1"}},
		{ID: "c", TenantTags: []string{"docs"}, Ordinal: 2, Text: "gamma",
			Embedding: []float32{0, 1}, Source: index.Source{DocumentID: "d2"}},
	}
	if _, err := idx.Upsert(ctx, records); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	r := New(&mockEmbedder{vector: []float32{1, 0}}, idx, 2, log.NewNop())

	first, err := r.Retrieve(ctx, "query", []string{"docs"}, 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	second, err := r.Retrieve(ctx, "query", []string{"docs"}, 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("lengths: %d and %d, want 2 and 2", len(first), len(second))
	}
	for i := range first {
		if first[i].Record.ID != second[i].Record.ID || first[i].Score != second[i].Score {
			t.Errorf("retrieval not deterministic at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
	if first[0].Record.ID != "a" {
		t.Errorf("top result = %q, want a", first[0].Record.ID)
	}
}
