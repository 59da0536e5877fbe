package document_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpusd/features/document"
	"corpusd/internal/apperr"
)

func TestHandler_Get(t *testing.T) {
	repo := new(MockRepo)
	vectors := new(MockVectorDeleter)
	handler := document.NewHandler(document.NewService(repo, vectors))

	repo.On("Get", context.Background(), "doc1").
		Return(&document.Document{DocID: "doc1", Title: "T", Status: "ready", ChunkCount: 1}, nil)
	repo.On("GetChunks", context.Background(), "doc1").
		Return([]document.Chunk{{ChunkID: "doc1#0000", DocID: "doc1", Text: "body"}}, nil)

	req := httptest.NewRequest("GET", "/documents/doc1", nil)
	req.SetPathValue("doc_id", "doc1")
	rr := httptest.NewRecorder()

	handler.Get(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Data document.Detail `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "doc1", resp.Data.DocID)
	assert.Len(t, resp.Data.Chunks, 1)
}

func TestHandler_Get_NotFound(t *testing.T) {
	repo := new(MockRepo)
	handler := document.NewHandler(document.NewService(repo, new(MockVectorDeleter)))

	repo.On("Get", context.Background(), "missing").
		Return(nil, fmt.Errorf("document missing: %w", apperr.ErrNotFound))

	req := httptest.NewRequest("GET", "/documents/missing", nil)
	req.SetPathValue("doc_id", "missing")
	rr := httptest.NewRecorder()

	handler.Get(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	errObj := resp["error"].(map[string]interface{})
	assert.Equal(t, "NOT_FOUND", errObj["code"])
	assert.Contains(t, resp, "correlationId")
}

func TestHandler_Delete(t *testing.T) {
	repo := new(MockRepo)
	vectors := new(MockVectorDeleter)
	handler := document.NewHandler(document.NewService(repo, vectors))

	vectors.On("DeleteByDoc", context.Background(), "doc1").Return(nil)
	repo.On("Delete", context.Background(), "doc1").Return(nil)

	req := httptest.NewRequest("DELETE", "/documents/doc1", nil)
	req.SetPathValue("doc_id", "doc1")
	rr := httptest.NewRecorder()

	handler.Delete(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "deleted", resp["data"]["status"])
}

func TestHandler_Delete_MissingID(t *testing.T) {
	handler := document.NewHandler(document.NewService(new(MockRepo), new(MockVectorDeleter)))

	req := httptest.NewRequest("DELETE", "/documents/", nil)
	rr := httptest.NewRecorder()

	handler.Delete(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
