package index

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"corpusd/internal/apperr"
)

// Pgvector keeps chunk vectors in the embedding column of the chunks table
// and delegates ANN search to the pgvector cosine operator. Writes go through
// normal transactions, so multiple writers are safe.
type Pgvector struct {
	db        *sql.DB
	dimension int
}

func NewPgvector(db *sql.DB, dimension int) *Pgvector {
	return &Pgvector{db: db, dimension: dimension}
}

// EnsureIndex creates the HNSW index for the configured dimension. The index
// name carries the dimension; stale indexes from a previous provider are
// dropped first so their expression casts cannot reject writes of the new
// dimension.
func (p *Pgvector) EnsureIndex(ctx context.Context) error {
	name := fmt.Sprintf("idx_chunks_embedding_%d", p.dimension)

	rows, err := p.db.QueryContext(ctx,
		`SELECT indexname FROM pg_indexes
		 WHERE tablename = 'chunks' AND indexname LIKE 'idx_chunks_embedding_%'`)
	if err != nil {
		return fmt.Errorf("list vector indexes: %w: %w", err, apperr.ErrStorage)
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return fmt.Errorf("scan index name: %w: %w", err, apperr.ErrStorage)
		}
		if n != name {
			stale = append(stale, n)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list vector indexes: %w: %w", err, apperr.ErrStorage)
	}

	for _, n := range stale {
		if _, err := p.db.ExecContext(ctx, `DROP INDEX IF EXISTS `+n); err != nil {
			return fmt.Errorf("drop stale index %s: %w: %w", n, err, apperr.ErrStorage)
		}
	}

	// Vectors left over from a previous provider would fail the expression
	// cast below, so they are cleared. Their documents reindex on re-ingest.
	if _, err := p.db.ExecContext(ctx,
		`UPDATE chunks SET embedding = NULL
		 WHERE embedding IS NOT NULL AND vector_dims(embedding) <> $1`, p.dimension); err != nil {
		return fmt.Errorf("clear mismatched vectors: %w: %w", err, apperr.ErrStorage)
	}

	create := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON chunks
		 USING hnsw ((embedding::vector(%d)) vector_cosine_ops)
		 WHERE embedding IS NOT NULL`, name, p.dimension)
	if _, err := p.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create index %s: %w: %w", name, err, apperr.ErrStorage)
	}
	return nil
}

func (p *Pgvector) Upsert(ctx context.Context, items []Item) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w: %w", err, apperr.ErrStorage)
	}
	defer tx.Rollback()

	if err := p.UpsertTx(ctx, tx, items); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w: %w", err, apperr.ErrStorage)
	}
	return nil
}

// UpsertTx writes vectors inside the caller's transaction so they commit
// atomically with the chunk rows.
func (p *Pgvector) UpsertTx(ctx context.Context, tx *sql.Tx, items []Item) error {
	for _, item := range items {
		if len(item.Vector) != p.dimension {
			return fmt.Errorf("chunk %s has dimension %d, index has %d: %w",
				item.ChunkID, len(item.Vector), p.dimension, apperr.ErrDimensionMismatch)
		}
	}

	for _, item := range items {
		res, err := tx.ExecContext(ctx,
			`UPDATE chunks SET embedding = $2::vector WHERE chunk_id = $1`,
			item.ChunkID, formatVector(item.Vector))
		if err != nil {
			return fmt.Errorf("upsert vector for %s: %w: %w", item.ChunkID, err, apperr.ErrStorage)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("upsert vector for %s: %w: %w", item.ChunkID, err, apperr.ErrStorage)
		}
		if n == 0 {
			return fmt.Errorf("chunk %s has no row: %w", item.ChunkID, apperr.ErrNotFound)
		}
	}
	return nil
}

func (p *Pgvector) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(chunkIDs))
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = id
	}
	query := `UPDATE chunks SET embedding = NULL WHERE chunk_id IN (` + strings.Join(placeholders, ", ") + `)`
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete vectors: %w: %w", err, apperr.ErrStorage)
	}
	return nil
}

func (p *Pgvector) DeleteByDoc(ctx context.Context, docID string) error {
	if _, err := p.db.ExecContext(ctx,
		`UPDATE chunks SET embedding = NULL WHERE doc_id = $1`, docID); err != nil {
		return fmt.Errorf("delete vectors for doc %s: %w: %w", docID, err, apperr.ErrStorage)
	}
	return nil
}

// DeleteByDocTx clears vectors inside the caller's transaction.
func (p *Pgvector) DeleteByDocTx(ctx context.Context, tx *sql.Tx, docID string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE chunks SET embedding = NULL WHERE doc_id = $1`, docID); err != nil {
		return fmt.Errorf("delete vectors for doc %s: %w: %w", docID, err, apperr.ErrStorage)
	}
	return nil
}

func (p *Pgvector) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if len(vector) != p.dimension {
		return nil, fmt.Errorf("query vector has dimension %d, index has %d: %w",
			len(vector), p.dimension, apperr.ErrDimensionMismatch)
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive: %w", apperr.ErrInvalidInput)
	}

	// Cosine distance is in [0, 2]; 1 - distance yields "higher is better".
	rows, err := p.db.QueryContext(ctx,
		`SELECT chunk_id, doc_id, 1 - (embedding <=> $1::vector) AS similarity
		 FROM chunks
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT $2`,
		formatVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w: %w", err, apperr.ErrStorage)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ChunkID, &m.DocID, &m.Score); err != nil {
			return nil, fmt.Errorf("scan match: %w: %w", err, apperr.ErrStorage)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w: %w", err, apperr.ErrStorage)
	}
	return matches, nil
}

func (p *Pgvector) Dimension() int { return p.dimension }

func (p *Pgvector) Count(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count vectors: %w: %w", err, apperr.ErrStorage)
	}
	return n, nil
}

// Close is a no-op; the *sql.DB is owned by the application.
func (p *Pgvector) Close() error { return nil }

// formatVector renders a pgvector literal like [0.1,0.2,0.3].
func formatVector(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
