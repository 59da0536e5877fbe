// Package ingest orchestrates chunk, embed and index for a document, either
// inline on the caller or on a bounded worker pool.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"corpusd/features/document"
	"corpusd/features/job"
	"corpusd/internal/apperr"
	"corpusd/internal/extract"
	"corpusd/internal/index"
	"corpusd/internal/middleware"
	"corpusd/internal/text"
)

// Request is one document to ingest. Exactly one of Text or FileData is set.
type Request struct {
	DocID    string
	Title    string
	Text     string
	Filename string
	FileData []byte
	Metadata map[string]any
}

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

type VectorIndex interface {
	Upsert(ctx context.Context, items []index.Item) error
	DeleteByDoc(ctx context.Context, docID string) error
}

// TxVectorWriter is implemented by the relational backend only. When present,
// vectors commit in the same transaction as the chunk rows.
type TxVectorWriter interface {
	UpsertTx(ctx context.Context, tx *sql.Tx, items []index.Item) error
}

type DocStore interface {
	Replace(ctx context.Context, doc *document.Document, chunks []document.Chunk, vectors func(tx *sql.Tx) error) error
	SetStatus(ctx context.Context, docID, status string) error
}

type task struct {
	req           Request
	correlationID string
}

type Coordinator struct {
	embedder  Embedder
	idx       VectorIndex
	txWriter  TxVectorWriter
	docs      DocStore
	jobs      job.Repository
	extractor extract.Extractor

	chunkMaxTokens int

	queue chan task
	wg    sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool
}

func NewCoordinator(embedder Embedder, idx VectorIndex, txWriter TxVectorWriter, docs DocStore, jobs job.Repository, extractor extract.Extractor, chunkMaxTokens, workers, queueSize int) *Coordinator {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	c := &Coordinator{
		embedder:       embedder,
		idx:            idx,
		txWriter:       txWriter,
		docs:           docs,
		jobs:           jobs,
		extractor:      extractor,
		chunkMaxTokens: chunkMaxTokens,
		queue:          make(chan task, queueSize),
		inflight:       make(map[string]bool),
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// Stop drains the queue and waits for in-flight jobs to finish.
func (c *Coordinator) Stop() {
	close(c.queue)
	c.wg.Wait()
}

// IngestSync runs the whole pipeline on the caller and returns the final
// chunk count. The job row is left in its terminal state for polling.
func (c *Coordinator) IngestSync(ctx context.Context, req Request) (int, error) {
	if err := validate(req); err != nil {
		return 0, err
	}
	if !c.acquire(req.DocID) {
		return 0, fmt.Errorf("ingestion already in flight for %s: %w", req.DocID, apperr.ErrConflict)
	}
	defer c.release(req.DocID)

	if err := c.jobs.Start(ctx, req.DocID); err != nil {
		return 0, err
	}
	return c.process(ctx, req)
}

// IngestAsync accepts the request, records a PENDING job and queues the work.
// A full queue fails fast with ResourceExhausted rather than blocking.
func (c *Coordinator) IngestAsync(ctx context.Context, req Request) error {
	if err := validate(req); err != nil {
		return err
	}
	if !c.acquire(req.DocID) {
		return fmt.Errorf("ingestion already in flight for %s: %w", req.DocID, apperr.ErrConflict)
	}

	if err := c.jobs.Start(ctx, req.DocID); err != nil {
		c.release(req.DocID)
		return err
	}

	select {
	case c.queue <- task{req: req, correlationID: middleware.GetCorrelationID(ctx)}:
		return nil
	default:
		c.release(req.DocID)
		if err := c.jobs.MarkFailed(ctx, req.DocID, "ingestion queue full"); err != nil {
			slog.ErrorContext(ctx, "failed to mark job failed", "doc_id", req.DocID, "error", err)
		}
		return fmt.Errorf("ingestion queue full: %w", apperr.ErrResourceExhausted)
	}
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for t := range c.queue {
		ctx := middleware.WithCorrelationID(context.Background(), t.correlationID)
		if _, err := c.process(ctx, t.req); err != nil {
			slog.ErrorContext(ctx, "ingestion failed", "doc_id", t.req.DocID, "error", err)
		}
		c.release(t.req.DocID)
	}
}

// process runs PROCESSING to a terminal state. Everything is staged before
// the first write, so a failure before the store transaction leaves any
// previous version of the document untouched.
func (c *Coordinator) process(ctx context.Context, req Request) (int, error) {
	if err := c.jobs.MarkProcessing(ctx, req.DocID); err != nil {
		return 0, err
	}

	count, err := c.run(ctx, req)
	if err != nil {
		if markErr := c.jobs.MarkFailed(ctx, req.DocID, err.Error()); markErr != nil {
			slog.ErrorContext(ctx, "failed to mark job failed", "doc_id", req.DocID, "error", markErr)
		}
		return 0, err
	}

	if err := c.jobs.MarkCompleted(ctx, req.DocID, count); err != nil {
		return 0, err
	}
	return count, nil
}

func (c *Coordinator) run(ctx context.Context, req Request) (int, error) {
	body := req.Text
	if len(req.FileData) > 0 {
		extracted, err := c.extractor.Extract(ctx, req.Filename, req.FileData)
		if err != nil {
			return 0, fmt.Errorf("extract %s: %w", req.Filename, err)
		}
		body = extracted
	}

	pieces, err := text.Chunk(body, c.chunkMaxTokens)
	if err != nil {
		return 0, err
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}
	vectors, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}
	dim := c.embedder.Dimension()
	for i, v := range vectors {
		if len(v) != dim {
			return 0, fmt.Errorf("vector %d has dimension %d, provider reports %d: %w",
				i, len(v), dim, apperr.ErrDimensionMismatch)
		}
	}

	chunks := make([]document.Chunk, len(pieces))
	items := make([]index.Item, len(pieces))
	for i, p := range pieces {
		id := document.ChunkID(req.DocID, i)
		chunks[i] = document.Chunk{
			ChunkID:    id,
			DocID:      req.DocID,
			Ordinal:    i,
			Text:       p.Text,
			TokenCount: p.TokenCount,
		}
		items[i] = index.Item{
			ChunkID: id,
			DocID:   req.DocID,
			Text:    p.Text,
			Vector:  vectors[i],
		}
	}

	doc := &document.Document{
		DocID:    req.DocID,
		Title:    req.Title,
		Metadata: req.Metadata,
		Status:   document.StatusReady,
	}

	if c.txWriter != nil {
		// Chunk rows and vectors commit in one transaction.
		err := c.docs.Replace(ctx, doc, chunks, func(tx *sql.Tx) error {
			return c.txWriter.UpsertTx(ctx, tx, items)
		})
		if err != nil {
			return 0, err
		}
		return len(chunks), nil
	}

	// In-process index: commit the metadata first, then swap the vectors.
	if err := c.docs.Replace(ctx, doc, chunks, nil); err != nil {
		return 0, err
	}
	if err := c.idx.DeleteByDoc(ctx, req.DocID); err != nil {
		return 0, c.quarantine(ctx, req.DocID, err)
	}
	if err := c.idx.Upsert(ctx, items); err != nil {
		return 0, c.quarantine(ctx, req.DocID, err)
	}
	return len(chunks), nil
}

// quarantine handles a vector failure after the metadata commit: the document
// is marked failed and its vectors cleared so stale matches cannot surface.
func (c *Coordinator) quarantine(ctx context.Context, docID string, cause error) error {
	if err := c.idx.DeleteByDoc(ctx, docID); err != nil {
		slog.ErrorContext(ctx, "failed to clear vectors", "doc_id", docID, "error", err)
	}
	if err := c.docs.SetStatus(ctx, docID, document.StatusFailed); err != nil {
		slog.ErrorContext(ctx, "failed to mark document failed", "doc_id", docID, "error", err)
	}
	return fmt.Errorf("index write for %s: %w", docID, cause)
}

func (c *Coordinator) acquire(docID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[docID] {
		return false
	}
	c.inflight[docID] = true
	return true
}

func (c *Coordinator) release(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, docID)
}

func validate(req Request) error {
	if req.DocID == "" {
		return fmt.Errorf("doc_id is required: %w", apperr.ErrInvalidInput)
	}
	hasText := req.Text != ""
	hasFile := len(req.FileData) > 0
	if hasText == hasFile {
		return fmt.Errorf("exactly one of text or file is required: %w", apperr.ErrInvalidInput)
	}
	return nil
}
