package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"corpusd/internal/apperr"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Start(ctx context.Context, docID string) error {
	query := `INSERT INTO ingestion_jobs (doc_id, state, error, chunk_count)
	          VALUES ($1, $2, '', 0)
	          ON CONFLICT (doc_id) DO UPDATE
	          SET state = $2, error = '', chunk_count = 0, created_at = NOW(), updated_at = NOW()`
	if _, err := r.db.ExecContext(ctx, query, docID, StatePending); err != nil {
		return fmt.Errorf("start job: %w: %w", err, apperr.ErrStorage)
	}
	return nil
}

func (r *PostgresRepo) MarkProcessing(ctx context.Context, docID string) error {
	return r.setState(ctx, docID,
		`UPDATE ingestion_jobs SET state = $2, updated_at = NOW() WHERE doc_id = $1`,
		StateProcessing)
}

func (r *PostgresRepo) MarkCompleted(ctx context.Context, docID string, chunkCount int) error {
	query := `UPDATE ingestion_jobs SET state = $2, chunk_count = $3, updated_at = NOW() WHERE doc_id = $1`
	res, err := r.db.ExecContext(ctx, query, docID, StateCompleted, chunkCount)
	if err != nil {
		return fmt.Errorf("mark completed: %w: %w", err, apperr.ErrStorage)
	}
	return requireRow(res, docID)
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, docID string, cause string) error {
	query := `UPDATE ingestion_jobs SET state = $2, error = $3, updated_at = NOW() WHERE doc_id = $1`
	res, err := r.db.ExecContext(ctx, query, docID, StateFailed, cause)
	if err != nil {
		return fmt.Errorf("mark failed: %w: %w", err, apperr.ErrStorage)
	}
	return requireRow(res, docID)
}

func (r *PostgresRepo) Get(ctx context.Context, docID string) (*Job, error) {
	j := &Job{}
	query := `SELECT doc_id, state, error, chunk_count, created_at, updated_at FROM ingestion_jobs WHERE doc_id = $1`
	err := r.db.QueryRowContext(ctx, query, docID).Scan(
		&j.DocID, &j.State, &j.Error, &j.ChunkCount, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", docID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w: %w", err, apperr.ErrStorage)
	}
	return j, nil
}

func (r *PostgresRepo) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM ingestion_jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w: %w", err, apperr.ErrStorage)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w: %w", err, apperr.ErrStorage)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (r *PostgresRepo) setState(ctx context.Context, docID, query, state string) error {
	res, err := r.db.ExecContext(ctx, query, docID, state)
	if err != nil {
		return fmt.Errorf("set job state: %w: %w", err, apperr.ErrStorage)
	}
	return requireRow(res, docID)
}

func requireRow(res sql.Result, docID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w: %w", err, apperr.ErrStorage)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", docID, apperr.ErrNotFound)
	}
	return nil
}
