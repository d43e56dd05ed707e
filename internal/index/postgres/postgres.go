// Package postgres provides the pgvector-backed vector index.
//
// Similarity search runs inside PostgreSQL: the HNSW index on the
// embedding column gives sub-linear approximate nearest neighbor
// lookups, and the GIN index on tenant_tags makes the tenant scope
// filter cheap. Snapshot isolation between concurrent searches and
// upserts comes from Postgres MVCC.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/docfold/docfold/internal/index"
	"github.com/docfold/docfold/internal/log"
)

// searchTimeout bounds a single vector search so a slow query cannot
// block callers indefinitely.
const searchTimeout = 10 * time.Second

// Querier defines the database operations the index needs.
// Following Go best practices: interfaces are defined by the consumer,
// not the provider. *pgxpool.Pool satisfies it in production; tests
// supply a mock.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Index implements index.Index on PostgreSQL + pgvector.
// Safe for concurrent use.
type Index struct {
	db     Querier
	logger log.Logger
}

// New creates a pgvector-backed index.
func New(db Querier, logger log.Logger) *Index {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Index{db: db, logger: logger}
}

const upsertSQL = `
INSERT INTO chunks (id, tenant_tags, ordinal, content, heading, embedding,
                    document_id, file_path, file_name, file_type, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    tenant_tags = EXCLUDED.tenant_tags,
    ordinal     = EXCLUDED.ordinal,
    content     = EXCLUDED.content,
    heading     = EXCLUDED.heading,
    embedding   = EXCLUDED.embedding,
    document_id = EXCLUDED.document_id,
    file_path   = EXCLUDED.file_path,
    file_name   = EXCLUDED.file_name,
    file_type   = EXCLUDED.file_type,
    metadata    = EXCLUDED.metadata,
    created_at  = EXCLUDED.created_at`

// Upsert inserts or fully replaces records by id.
func (idx *Index) Upsert(ctx context.Context, records []index.Record) (int, error) {
	if err := index.ValidateRecords(records); err != nil {
		return 0, err
	}

	for i, r := range records {
		metadata, err := json.Marshal(r.Source.Extra)
		if err != nil {
			return i, fmt.Errorf("marshal metadata for %q: %w", r.ID, err)
		}

		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		embedding := pgvector.NewVector(r.Embedding)
		_, err = idx.db.Exec(ctx, upsertSQL,
			r.ID, r.TenantTags, r.Ordinal, r.Text, r.Heading, &embedding,
			r.Source.DocumentID, r.Source.FilePath, r.Source.FileName, r.Source.FileType,
			metadata, createdAt)
		if err != nil {
			return i, wrapErr(fmt.Sprintf("upsert record %q", r.ID), err)
		}
	}

	idx.logger.Debug("records upserted", "count", len(records))
	return len(records), nil
}

// DeleteBySource removes all records of documentID visible to tenantTag.
func (idx *Index) DeleteBySource(ctx context.Context, tenantTag, documentID string) (int, error) {
	tag, err := idx.db.Exec(ctx,
		`DELETE FROM chunks WHERE document_id = $1 AND $2 = ANY(tenant_tags)`,
		documentID, tenantTag)
	if err != nil {
		return 0, wrapErr(fmt.Sprintf("delete document %q", documentID), err)
	}
	return int(tag.RowsAffected()), nil
}

// The planner only uses the HNSW index for a bare ascending distance
// ORDER BY, so the query sorts on the operator alone; the documented
// tie-break and rank assignment happen client-side in SortAndRank.
const searchSQL = `
SELECT id, tenant_tags, ordinal, content, heading, embedding,
       document_id, file_path, file_name, file_type, metadata, created_at,
       1 - (embedding <=> $1) AS similarity
FROM chunks
WHERE tenant_tags && $2
ORDER BY embedding <=> $1
LIMIT $3`

// Search returns the TopK records most similar to the query vector,
// scoped to the query's tenant tags. An empty tag list matches nothing.
// Empty result is a valid outcome, not an error.
func (idx *Index) Search(ctx context.Context, q index.Query) ([]index.Result, error) {
	if len(q.TenantTags) == 0 || q.TopK <= 0 {
		return nil, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	queryEmbedding := pgvector.NewVector(q.Vector)
	rows, err := idx.db.Query(queryCtx, searchSQL, &queryEmbedding, q.TenantTags, q.TopK)
	if err != nil {
		return nil, wrapErr("search", err)
	}
	defer rows.Close()

	results, err := idx.rowsToResults(rows)
	if err != nil {
		return nil, wrapErr("search", err)
	}
	index.SortAndRank(results)
	return results, nil
}

// Count returns the number of records visible to tenantTag.
func (idx *Index) Count(ctx context.Context, tenantTag string) (int, error) {
	var count int64
	err := idx.db.QueryRow(ctx,
		`SELECT count(*) FROM chunks WHERE $1 = ANY(tenant_tags)`, tenantTag).Scan(&count)
	if err != nil {
		return 0, wrapErr("count", err)
	}

	// Overflow protection for 32-bit systems
	if count > math.MaxInt {
		return 0, fmt.Errorf("record count %d exceeds platform int capacity", count)
	}
	return int(count), nil
}

func (idx *Index) rowsToResults(rows pgx.Rows) ([]index.Result, error) {
	var results []index.Result
	for rows.Next() {
		var (
			r         index.Record
			embedding pgvector.Vector
			metadata  []byte
			score     float64
		)
		err := rows.Scan(&r.ID, &r.TenantTags, &r.Ordinal, &r.Text, &r.Heading, &embedding,
			&r.Source.DocumentID, &r.Source.FilePath, &r.Source.FileName, &r.Source.FileType,
			&metadata, &r.CreatedAt, &score)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		r.Embedding = embedding.Slice()
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &r.Source.Extra); err != nil {
				idx.logger.Warn("failed to parse record metadata", "id", r.ID, "error", err)
			}
		}

		results = append(results, index.Result{Record: r, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return results, nil
}

// wrapErr maps connectivity failures to index.ErrUnavailable so callers
// can tell "store down" from a query-level error. Server-reported
// errors (PgError) and caller cancellation keep their own identity.
func wrapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, index.ErrUnavailable, err)
}
