// Package pipeline drives the write path: chunk, embed, and index
// documents with bounded concurrency and per-document failure
// isolation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/docfold/docfold/internal/chunk"
	"github.com/docfold/docfold/internal/index"
	"github.com/docfold/docfold/internal/log"
)

// ErrInvalidDocument indicates a document is missing required fields.
var ErrInvalidDocument = errors.New("invalid document")

// chunkNamespace seeds deterministic chunk ids: the same document id
// and ordinal always produce the same record id, which keeps re-runs
// idempotent on top of the delete-then-insert flow.
var chunkNamespace = uuid.MustParse("9f2c41de-5c76-4aa2-8f1b-7d3a9e0c6b54")

// Document is the unit of indexing.
type Document struct {
	ID         string
	TenantTags []string
	Content    string
	FilePath   string
	Format     chunk.Format
}

// ChunkError records a per-chunk failure inside a document.
// Ordinal -1 means the failure applied to the document as a whole.
type ChunkError struct {
	Ordinal int
	Err     error
}

// Report summarizes one document's trip through the pipeline.
type Report struct {
	DocumentID       string
	ChunksCreated    int
	ChunksEmbedded   int
	ChunksFailed     int
	Errs             []ChunkError
	PartiallyIndexed bool
}

// Failed reports whether nothing of the document was indexed.
func (r *Report) Failed() bool {
	return r.ChunksCreated == 0 || r.ChunksEmbedded == 0
}

// Event is a progress notification.
type Event struct {
	DocumentID string
	Stage      string // "chunk", "embed", "index"
	Done       int
	Total      int
}

// Progress receives events during indexing. Must be fast; called
// inline from worker goroutines.
type Progress func(Event)

// Chunker splits document content into ordered chunks.
type Chunker interface {
	Chunk(text string, format chunk.Format) ([]chunk.Chunk, error)
}

// Embedder turns texts into index-aligned vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes pipeline concurrency.
type Config struct {
	// Workers bounds concurrent documents in IndexAll and concurrent
	// embedding batches within a document. Default 4.
	Workers int

	// BatchSize is the number of chunks embedded per backend call.
	// Default 32.
	BatchSize int

	// Progress is optional.
	Progress Progress
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	return c
}

// Pipeline indexes documents. Safe for concurrent use.
type Pipeline struct {
	chunker  Chunker
	embedder Embedder
	idx      index.Index
	cfg      Config
	logger   log.Logger
}

// New creates a Pipeline.
func New(chunker Chunker, embedder Embedder, idx index.Index, cfg Config, logger log.Logger) *Pipeline {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Pipeline{
		chunker:  chunker,
		embedder: embedder,
		idx:      idx,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// IndexDocument runs one document through delete, chunk, embed, and
// upsert.
//
// Unparsable content and per-batch embedding failures are recorded in
// the report, not returned as errors: one bad document or batch never
// aborts its siblings. The returned error is reserved for storage
// failures and context cancellation. On cancellation nothing is
// upserted, so a cancelled run leaves no partial document behind.
func (p *Pipeline) IndexDocument(ctx context.Context, doc Document) (*Report, error) {
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	report := &Report{DocumentID: doc.ID}

	// Clear prior records first so re-indexing replaces instead of
	// accumulating. Deterministic ids make the subsequent upsert
	// overwrite surviving ids anyway; the delete clears stale tails
	// when the new version has fewer chunks.
	for _, tag := range doc.TenantTags {
		if _, err := p.idx.DeleteBySource(ctx, tag, doc.ID); err != nil {
			return nil, fmt.Errorf("clearing document %q: %w", doc.ID, err)
		}
	}

	chunks, err := p.chunker.Chunk(doc.Content, doc.Format)
	if err != nil {
		if errors.Is(err, chunk.ErrUnparsable) {
			p.logger.Warn("document unparsable, skipping", "document_id", doc.ID, "error", err)
			report.Errs = append(report.Errs, ChunkError{Ordinal: -1, Err: err})
			return report, nil
		}
		return nil, fmt.Errorf("chunking document %q: %w", doc.ID, err)
	}
	report.ChunksCreated = len(chunks)
	p.emit(Event{DocumentID: doc.ID, Stage: "chunk", Done: len(chunks), Total: len(chunks)})

	vectors, batchErrs := p.embedChunks(ctx, doc.ID, chunks)
	report.Errs = append(report.Errs, batchErrs...)

	// A cancelled run must not upsert a partial document.
	if err := ctx.Err(); err != nil {
		return report, err
	}

	records := make([]index.Record, 0, len(chunks))
	now := time.Now().UTC()
	for i, c := range chunks {
		if vectors[i] == nil {
			report.ChunksFailed++
			continue
		}
		records = append(records, p.buildRecord(doc, c, vectors[i], now))
	}
	report.ChunksEmbedded = len(records)
	report.PartiallyIndexed = report.ChunksFailed > 0 && report.ChunksEmbedded > 0

	if len(records) > 0 {
		if _, err := p.idx.Upsert(ctx, records); err != nil {
			return report, fmt.Errorf("indexing document %q: %w", doc.ID, err)
		}
	}
	p.emit(Event{DocumentID: doc.ID, Stage: "index", Done: len(records), Total: len(chunks)})

	p.logger.Info("document indexed",
		"document_id", doc.ID,
		"chunks", report.ChunksCreated,
		"embedded", report.ChunksEmbedded,
		"failed", report.ChunksFailed)
	return report, nil
}

// embedChunks embeds batches concurrently and reassembles vectors by
// ordinal. A failed batch leaves nil vectors for its chunks and is
// recorded per chunk; other batches proceed.
func (p *Pipeline) embedChunks(ctx context.Context, docID string, chunks []chunk.Chunk) ([][]float32, []ChunkError) {
	vectors := make([][]float32, len(chunks))

	type batchErr struct {
		start, end int
		err        error
	}
	errCh := make(chan batchErr, (len(chunks)/p.cfg.BatchSize)+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	// Progress counts completed batches, not scheduled ones. Workers
	// emit after EmbedBatch returns; the atomic keeps Done monotonic
	// across concurrent batches.
	var done atomic.Int64
	for start := 0; start < len(chunks); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(chunks))
		g.Go(func() error {
			texts := make([]string, end-start)
			for i := start; i < end; i++ {
				texts[i-start] = chunks[i].Text
			}
			batch, err := p.embedder.EmbedBatch(gctx, texts)
			if err != nil {
				errCh <- batchErr{start: start, end: end, err: err}
			} else {
				// Disjoint ranges: no lock needed
				copy(vectors[start:end], batch)
			}
			p.emit(Event{
				DocumentID: docID,
				Stage:      "embed",
				Done:       int(done.Add(int64(end - start))),
				Total:      len(chunks),
			})
			return nil // isolate: other batches continue
		})
	}
	_ = g.Wait()
	close(errCh)

	var chunkErrs []ChunkError
	for be := range errCh {
		p.logger.Warn("embedding batch failed",
			"document_id", docID, "from", be.start, "to", be.end, "error", be.err)
		for i := be.start; i < be.end; i++ {
			chunkErrs = append(chunkErrs, ChunkError{Ordinal: chunks[i].Ordinal, Err: be.err})
		}
	}
	return vectors, chunkErrs
}

func (p *Pipeline) buildRecord(doc Document, c chunk.Chunk, vector []float32, now time.Time) index.Record {
	return index.Record{
		ID:         ChunkID(doc.ID, c.Ordinal),
		TenantTags: doc.TenantTags,
		Ordinal:    c.Ordinal,
		Text:       c.Text,
		Heading:    c.Heading,
		Embedding:  vector,
		Source: index.Source{
			DocumentID: doc.ID,
			FilePath:   doc.FilePath,
			FileName:   baseName(doc.FilePath),
			FileType:   string(doc.Format),
		},
		CreatedAt: now,
	}
}

// IndexAll indexes documents with a bounded worker pool. Reports come
// back in input order. A failing document is recorded in its report;
// the others keep going. The returned error is non-nil only when the
// context is cancelled.
func (p *Pipeline) IndexAll(ctx context.Context, docs []Document) ([]*Report, error) {
	reports := make([]*Report, len(docs))

	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Workers)

	for i, doc := range docs {
		g.Go(func() error {
			report, err := p.IndexDocument(ctx, doc)
			if report == nil {
				report = &Report{DocumentID: doc.ID}
			}
			if err != nil {
				report.Errs = append(report.Errs, ChunkError{Ordinal: -1, Err: err})
			}
			reports[i] = report
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return reports, err
	}
	return reports, nil
}

// ChunkID returns the deterministic record id for a document chunk.
func ChunkID(documentID string, ordinal int) string {
	return uuid.NewSHA1(chunkNamespace, fmt.Appendf(nil, "%s:%d", documentID, ordinal)).String()
}

func (p *Pipeline) emit(e Event) {
	if p.cfg.Progress != nil {
		p.cfg.Progress(e)
	}
}

func validateDocument(doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: empty document id", ErrInvalidDocument)
	}
	if len(doc.TenantTags) == 0 {
		return fmt.Errorf("%w: document %q has no tenant tags", ErrInvalidDocument, doc.ID)
	}
	return nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
