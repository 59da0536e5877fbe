package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"corpusd/internal/apperr"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Get(ctx context.Context, docID string) (*Document, error) {
	doc := &Document{}
	var metadata []byte
	query := `SELECT doc_id, title, metadata, status, chunk_count, created_at, updated_at FROM documents WHERE doc_id = $1`
	err := r.db.QueryRowContext(ctx, query, docID).Scan(
		&doc.DocID, &doc.Title, &metadata, &doc.Status, &doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", docID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w: %w", err, apperr.ErrStorage)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", docID, err)
		}
	}
	return doc, nil
}

// GetMany fetches a batch of documents keyed by doc_id. Missing IDs are
// simply absent from the result.
func (r *PostgresRepo) GetMany(ctx context.Context, docIDs []string) (map[string]Document, error) {
	if len(docIDs) == 0 {
		return map[string]Document{}, nil
	}

	query := `SELECT doc_id, title, metadata, status, chunk_count, created_at, updated_at FROM documents WHERE doc_id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(docIDs))
	if err != nil {
		return nil, fmt.Errorf("get documents: %w: %w", err, apperr.ErrStorage)
	}
	defer rows.Close()

	docs := make(map[string]Document, len(docIDs))
	for rows.Next() {
		var doc Document
		var metadata []byte
		if err := rows.Scan(&doc.DocID, &doc.Title, &metadata, &doc.Status, &doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w: %w", err, apperr.ErrStorage)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", doc.DocID, err)
			}
		}
		docs[doc.DocID] = doc
	}
	return docs, rows.Err()
}

func (r *PostgresRepo) Delete(ctx context.Context, docID string) error {
	// Chunks go with the document via ON DELETE CASCADE.
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE doc_id = $1`, docID)
	if err != nil {
		return fmt.Errorf("delete document: %w: %w", err, apperr.ErrStorage)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document: %w: %w", err, apperr.ErrStorage)
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", docID, apperr.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w: %w", err, apperr.ErrStorage)
	}
	return n, nil
}

func (r *PostgresRepo) ChunkCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w: %w", err, apperr.ErrStorage)
	}
	return n, nil
}

func (r *PostgresRepo) GetChunks(ctx context.Context, docID string) ([]Chunk, error) {
	query := `SELECT chunk_id, doc_id, ordinal, text, token_count FROM chunks WHERE doc_id = $1 ORDER BY ordinal`
	rows, err := r.db.QueryContext(ctx, query, docID)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w: %w", err, apperr.ErrStorage)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ChunkID, &c.DocID, &c.Ordinal, &c.Text, &c.TokenCount); err != nil {
			return nil, fmt.Errorf("scan chunk: %w: %w", err, apperr.ErrStorage)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (r *PostgresRepo) GetChunksByIDs(ctx context.Context, chunkIDs []string) (map[string]Chunk, error) {
	if len(chunkIDs) == 0 {
		return map[string]Chunk{}, nil
	}

	query := `SELECT chunk_id, doc_id, ordinal, text, token_count FROM chunks WHERE chunk_id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(chunkIDs))
	if err != nil {
		return nil, fmt.Errorf("get chunks by ids: %w: %w", err, apperr.ErrStorage)
	}
	defer rows.Close()

	chunks := make(map[string]Chunk, len(chunkIDs))
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ChunkID, &c.DocID, &c.Ordinal, &c.Text, &c.TokenCount); err != nil {
			return nil, fmt.Errorf("scan chunk: %w: %w", err, apperr.ErrStorage)
		}
		chunks[c.ChunkID] = c
	}
	return chunks, rows.Err()
}

func (r *PostgresRepo) SearchLexical(ctx context.Context, query string, k int) ([]LexicalHit, error) {
	// Joining on status keeps quarantined documents out: a vector-side
	// failure leaves committed chunk rows behind, and those must not
	// surface lexically while the document is marked failed.
	q := `SELECT c.chunk_id, c.doc_id, ts_rank_cd(c.ts_vector, plainto_tsquery('english', $1)) AS rank
	      FROM chunks c
	      JOIN documents d ON d.doc_id = c.doc_id AND d.status = 'ready'
	      WHERE c.ts_vector @@ plainto_tsquery('english', $1)
	      ORDER BY rank DESC, c.chunk_id
	      LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, query, k)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w: %w", err, apperr.ErrStorage)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		if err := rows.Scan(&h.ChunkID, &h.DocID, &h.Score); err != nil {
			return nil, fmt.Errorf("scan lexical hit: %w: %w", err, apperr.ErrStorage)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Replace swaps a document's chunks in a single transaction: the document row
// is upserted, old chunks are dropped, new ones inserted in ordinal order, and
// the vectors hook runs before commit so a vector-side failure rolls
// everything back. Readers see either the old version or the new one.
func (r *PostgresRepo) Replace(ctx context.Context, doc *Document, chunks []Chunk, vectors func(tx *sql.Tx) error) error {
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w: %w", err, apperr.ErrStorage)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (doc_id, title, metadata, status, chunk_count)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (doc_id) DO UPDATE
		 SET title = $2, metadata = $3, status = $4, chunk_count = $5, updated_at = NOW()`,
		doc.DocID, doc.Title, metadata, doc.Status, len(chunks))
	if err != nil {
		return fmt.Errorf("upsert document: %w: %w", err, apperr.ErrStorage)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = $1`, doc.DocID); err != nil {
		return fmt.Errorf("delete old chunks: %w: %w", err, apperr.ErrStorage)
	}

	for _, c := range chunks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (chunk_id, doc_id, ordinal, text, token_count, ts_vector)
			 VALUES ($1, $2, $3, $4, $5, to_tsvector('english', $4))`,
			c.ChunkID, c.DocID, c.Ordinal, c.Text, c.TokenCount)
		if err != nil {
			return fmt.Errorf("insert chunk %s: %w: %w", c.ChunkID, err, apperr.ErrStorage)
		}
	}

	if vectors != nil {
		if err := vectors(tx); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w: %w", err, apperr.ErrStorage)
	}
	return nil
}

func (r *PostgresRepo) SetStatus(ctx context.Context, docID, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE documents SET status = $1, updated_at = NOW() WHERE doc_id = $2`, status, docID)
	if err != nil {
		return fmt.Errorf("set status: %w: %w", err, apperr.ErrStorage)
	}
	return nil
}
