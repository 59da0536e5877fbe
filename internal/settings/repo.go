package settings

import (
	"context"
	"database/sql"
	"encoding/json"
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

func (r *PostgresRepo) Get(ctx context.Context) (*Settings, error) {
	var vector, embedding, search []byte
	query := `SELECT vector, embedding, search FROM service_config WHERE id = 1`
	err := r.db.QueryRowContext(ctx, query).Scan(&vector, &embedding, &search)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("service config row missing: %w", apperr.ErrStorage)
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w: %w", err, apperr.ErrStorage)
	}

	s := &Settings{}
	if err := json.Unmarshal(vector, &s.Vector); err != nil {
		return nil, fmt.Errorf("decode vector settings: %w", err)
	}
	if err := json.Unmarshal(embedding, &s.Embedding); err != nil {
		return nil, fmt.Errorf("decode embedding settings: %w", err)
	}
	if err := json.Unmarshal(search, &s.Search); err != nil {
		return nil, fmt.Errorf("decode search settings: %w", err)
	}
	return s, nil
}

func (r *PostgresRepo) Update(ctx context.Context, s *Settings) error {
	vector, err := json.Marshal(s.Vector)
	if err != nil {
		return fmt.Errorf("encode vector settings: %w", err)
	}
	embedding, err := json.Marshal(s.Embedding)
	if err != nil {
		return fmt.Errorf("encode embedding settings: %w", err)
	}
	search, err := json.Marshal(s.Search)
	if err != nil {
		return fmt.Errorf("encode search settings: %w", err)
	}

	query := `UPDATE service_config SET vector = $1, embedding = $2, search = $3, updated_at = NOW() WHERE id = 1`
	if _, err := r.db.ExecContext(ctx, query, vector, embedding, search); err != nil {
		return fmt.Errorf("update settings: %w: %w", err, apperr.ErrStorage)
	}
	return nil
}
