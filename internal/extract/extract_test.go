package extract_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpusd/internal/apperr"
	"corpusd/internal/extract"
)

func TestExtract_TextPassthrough(t *testing.T) {
	e := extract.NewHTTPExtractor("http://unused")

	for _, name := range []string{"notes.txt", "readme.md", "data.json", "rows.csv"} {
		text, err := e.Extract(context.Background(), name, []byte("plain content"))
		require.NoError(t, err, name)
		assert.Equal(t, "plain content", text)
	}
}

func TestExtract_PDFDelegatesToService(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/extract", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "paper.pdf", header.Filename)

		json.NewEncoder(w).Encode(map[string]string{"text": "extracted body"})
	}))
	defer ts.Close()

	e := extract.NewHTTPExtractor(ts.URL)

	text, err := e.Extract(context.Background(), "paper.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, "extracted body", text)
}

func TestExtract_UnsupportedType(t *testing.T) {
	e := extract.NewHTTPExtractor("http://unused")

	_, err := e.Extract(context.Background(), "image.png", []byte{0x89})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestExtract_ServiceError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	e := extract.NewHTTPExtractor(ts.URL)

	_, err := e.Extract(context.Background(), "paper.pdf", []byte("%PDF"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "extraction service error: 500")
}

func TestExtract_EmptyTextRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"text": "   "})
	}))
	defer ts.Close()

	e := extract.NewHTTPExtractor(ts.URL)

	_, err := e.Extract(context.Background(), "scan.pdf", []byte("%PDF"))
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}
