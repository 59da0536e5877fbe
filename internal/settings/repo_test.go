package settings_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpusd/internal/apperr"
	"corpusd/internal/settings"
)

func TestPostgresRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"vector", "embedding", "search"}).
		AddRow(
			[]byte(`{"backend":"chromem","index_path":"data/index"}`),
			[]byte(`{"provider":"local","model":"BAAI/bge-small-en-v1.5","chunk_max_tokens":256}`),
			[]byte(`{"vector_weight":0.7,"lexical_weight":0.3,"oversample_factor":3,"rerank_enabled":false,"rerank_top_n":20}`),
		)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT vector, embedding, search FROM service_config WHERE id = 1`)).
		WillReturnRows(rows)

	repo := settings.NewPostgresRepo(db)
	s, err := repo.Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "chromem", s.Vector.Backend)
	assert.Equal(t, 256, s.Embedding.ChunkMaxTokens)
	assert.Equal(t, 0.7, s.Search.VectorWeight)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Get_MissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT vector, embedding, search FROM service_config WHERE id = 1`)).
		WillReturnRows(sqlmock.NewRows([]string{"vector", "embedding", "search"}))

	repo := settings.NewPostgresRepo(db)
	_, err = repo.Get(context.Background())
	assert.ErrorIs(t, err, apperr.ErrStorage)
}

func TestPostgresRepo_Update(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE service_config SET vector = $1, embedding = $2, search = $3, updated_at = NOW() WHERE id = 1`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := settings.NewPostgresRepo(db)
	err = repo.Update(context.Background(), stored())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
