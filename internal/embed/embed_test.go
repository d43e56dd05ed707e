package embed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"

	"github.com/docfold/docfold/internal/log"
)

// ============================================================
// Mock embedder
// ============================================================

// mockEmbedder implements ai.Embedder with scriptable failures.
// Each returned vector encodes the input text length in element 0 so
// tests can verify index alignment.
type mockEmbedder struct {
	mu         sync.Mutex
	callCount  int
	batchSizes []int

	dimension int
	failures  int   // fail this many leading calls with failErr
	failErr   error // error to return while failures > 0
	short     bool  // return fewer embeddings than inputs
}

func (m *mockEmbedder) Name() string { return "mock/embedder" }

func (m *mockEmbedder) Register(api.Registry) {}

func (m *mockEmbedder) Embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount++
	m.batchSizes = append(m.batchSizes, len(req.Input))

	if m.failures > 0 {
		m.failures--
		return nil, m.failErr
	}

	n := len(req.Input)
	if m.short {
		n--
	}
	resp := &ai.EmbedResponse{}
	for i := 0; i < n; i++ {
		vec := make([]float32, m.dimension)
		if m.dimension > 0 {
			vec[0] = float32(len(req.Input[i].Content[0].Text))
		}
		resp.Embeddings = append(resp.Embeddings, &ai.Embedding{Embedding: vec})
	}
	return resp, nil
}

func (m *mockEmbedder) calls() (int, []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount, append([]int(nil), m.batchSizes...)
}

func newTestClient(m *mockEmbedder, cfg Config) *Client {
	if cfg.Dimension == 0 {
		cfg.Dimension = 4
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 5 * time.Millisecond
	}
	return New(m, cfg, nil, log.NewNop())
}

// ============================================================
// Batching and alignment
// ============================================================

func TestEmbedBatch_Alignment(t *testing.T) {
	mock := &mockEmbedder{dimension: 4}
	client := newTestClient(mock, Config{Dimension: 4, MaxBatchSize: 3})

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff", "ggggggg", "hhhhhhhh"}
	vectors, err := client.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}

	if len(vectors) != len(texts) {
		t.Fatalf("got %d vectors for %d texts", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if v[0] != float32(len(texts[i])) {
			t.Errorf("vector[%d] misaligned: marker %v, want %d", i, v[0], len(texts[i]))
		}
	}

	count, sizes := mock.calls()
	if count != 3 {
		t.Errorf("callCount = %d, want 3", count)
	}
	wantSizes := []int{3, 3, 2}
	for i, s := range sizes {
		if s != wantSizes[i] {
			t.Errorf("batchSizes = %v, want %v", sizes, wantSizes)
			break
		}
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	client := newTestClient(&mockEmbedder{dimension: 4}, Config{Dimension: 4})
	vectors, err := client.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil) error: %v", err)
	}
	if vectors != nil {
		t.Errorf("EmbedBatch(nil) = %v, want nil", vectors)
	}
}

func TestEmbedBatch_SingleText(t *testing.T) {
	mock := &mockEmbedder{dimension: 4}
	client := newTestClient(mock, Config{Dimension: 4})

	vec, err := client.EmbedText(context.Background(), "hello")
	if err != nil {
		t.Fatalf("EmbedText failed: %v", err)
	}
	if len(vec) != 4 || vec[0] != 5 {
		t.Errorf("EmbedText vector = %v", vec)
	}
}

// ============================================================
// Retry behavior
// ============================================================

func TestEmbedBatch_RetriesTransient(t *testing.T) {
	mock := &mockEmbedder{
		dimension: 4,
		failures:  2,
		failErr:   errors.New("503 service unavailable"),
	}
	client := newTestClient(mock, Config{Dimension: 4, MaxAttempts: 3})

	_, err := client.EmbedBatch(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if count, _ := mock.calls(); count != 3 {
		t.Errorf("callCount = %d, want 3", count)
	}
}

func TestEmbedBatch_ExhaustsRetries(t *testing.T) {
	mock := &mockEmbedder{
		dimension: 4,
		failures:  10,
		failErr:   errors.New("rate limit exceeded"),
	}
	client := newTestClient(mock, Config{Dimension: 4, MaxAttempts: 3})

	_, err := client.EmbedBatch(context.Background(), []string{"x"})
	if !errors.Is(err, ErrBackend) {
		t.Errorf("error = %v, want ErrBackend", err)
	}
	if count, _ := mock.calls(); count != 3 {
		t.Errorf("callCount = %d, want 3", count)
	}
}

func TestEmbedBatch_NoRetryOnPermanentError(t *testing.T) {
	mock := &mockEmbedder{
		dimension: 4,
		failures:  10,
		failErr:   errors.New("invalid api key"),
	}
	client := newTestClient(mock, Config{Dimension: 4, MaxAttempts: 3})

	_, err := client.EmbedBatch(context.Background(), []string{"x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if count, _ := mock.calls(); count != 1 {
		t.Errorf("callCount = %d, want 1 (no retry on permanent error)", count)
	}
}

func TestEmbedBatch_CancelDuringBackoff(t *testing.T) {
	mock := &mockEmbedder{
		dimension: 4,
		failures:  10,
		failErr:   errors.New("503 service unavailable"),
	}
	client := New(mock, Config{
		Dimension:   4,
		MaxAttempts: 3,
		BaseDelay:   time.Hour, // never elapses
	}, nil, log.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := client.EmbedBatch(ctx, []string{"x"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

// ============================================================
// Dimension validation
// ============================================================

func TestEmbedBatch_DimensionMismatch(t *testing.T) {
	mock := &mockEmbedder{dimension: 8} // model disagrees with config
	client := newTestClient(mock, Config{Dimension: 4, MaxAttempts: 3})

	_, err := client.EmbedBatch(context.Background(), []string{"x"})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("error = %v, want ErrDimensionMismatch", err)
	}
	// Fatal: never retried
	if count, _ := mock.calls(); count != 1 {
		t.Errorf("callCount = %d, want 1", count)
	}
}

func TestEmbedBatch_ShortResponse(t *testing.T) {
	mock := &mockEmbedder{dimension: 4, short: true}
	client := newTestClient(mock, Config{Dimension: 4, MaxAttempts: 1})

	_, err := client.EmbedBatch(context.Background(), []string{"x", "y"})
	if !errors.Is(err, ErrBackend) {
		t.Errorf("error = %v, want ErrBackend", err)
	}
}

// ============================================================
// Transient classification
// ============================================================

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"http 429", errors.New("got status 429"), true},
		{"server error", errors.New("502 bad gateway"), true},
		{"timeout", errors.New("request timeout"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"auth", errors.New("invalid api key"), false},
		{"bad request", errors.New("400 bad request"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.want {
				t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
