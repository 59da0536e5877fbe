package ingest_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"corpusd/features/document"
	"corpusd/features/job"
	"corpusd/internal/apperr"
	"corpusd/internal/index"
	"corpusd/internal/ingest"
)

type MockEmbedder struct {
	mock.Mock
	dim int
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

func (m *MockEmbedder) Dimension() int { return m.dim }

type MockIndex struct {
	mock.Mock
}

func (m *MockIndex) Upsert(ctx context.Context, items []index.Item) error {
	return m.Called(ctx, items).Error(0)
}

func (m *MockIndex) DeleteByDoc(ctx context.Context, docID string) error {
	return m.Called(ctx, docID).Error(0)
}

type MockDocStore struct {
	mock.Mock
}

func (m *MockDocStore) Replace(ctx context.Context, doc *document.Document, chunks []document.Chunk, vectors func(tx *sql.Tx) error) error {
	return m.Called(ctx, doc, chunks, vectors).Error(0)
}

func (m *MockDocStore) SetStatus(ctx context.Context, docID, status string) error {
	return m.Called(ctx, docID, status).Error(0)
}

// MemJobs is an in-memory job repository that records transitions.
type MemJobs struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
}

func NewMemJobs() *MemJobs {
	return &MemJobs{jobs: map[string]*job.Job{}}
}

func (m *MemJobs) Start(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[docID] = &job.Job{DocID: docID, State: job.StatePending}
	return nil
}

func (m *MemJobs) MarkProcessing(ctx context.Context, docID string) error {
	return m.set(docID, func(j *job.Job) { j.State = job.StateProcessing })
}

func (m *MemJobs) MarkCompleted(ctx context.Context, docID string, chunkCount int) error {
	return m.set(docID, func(j *job.Job) {
		j.State = job.StateCompleted
		j.ChunkCount = chunkCount
	})
}

func (m *MemJobs) MarkFailed(ctx context.Context, docID string, cause string) error {
	return m.set(docID, func(j *job.Job) {
		j.State = job.StateFailed
		j.Error = cause
	})
}

func (m *MemJobs) Get(ctx context.Context, docID string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[docID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", docID, apperr.ErrNotFound)
	}
	cp := *j
	return &cp, nil
}

func (m *MemJobs) CountByState(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	for _, j := range m.jobs {
		counts[j.State]++
	}
	return counts, nil
}

func (m *MemJobs) set(docID string, fn func(*job.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[docID]
	if !ok {
		return fmt.Errorf("job %s: %w", docID, apperr.ErrNotFound)
	}
	fn(j)
	return nil
}

type stubExtractor struct {
	text string
	err  error
}

func (s *stubExtractor) Extract(ctx context.Context, filename string, data []byte) (string, error) {
	return s.text, s.err
}

func newCoordinator(embedder *MockEmbedder, idx *MockIndex, docs *MockDocStore, jobs job.Repository) *ingest.Coordinator {
	return ingest.NewCoordinator(embedder, idx, nil, docs, jobs, &stubExtractor{}, 64, 2, 8)
}

func TestIngestSync_Completes(t *testing.T) {
	embedder := &MockEmbedder{dim: 2}
	idx := new(MockIndex)
	docs := new(MockDocStore)
	jobs := NewMemJobs()
	c := newCoordinator(embedder, idx, docs, jobs)
	defer c.Stop()
	ctx := context.Background()

	embedder.On("EmbedBatch", mock.Anything, []string{"The quick brown fox jumps over the lazy dog."}).
		Return([][]float32{{0.1, 0.2}}, nil)
	docs.On("Replace", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	idx.On("DeleteByDoc", mock.Anything, "doc1").Return(nil)
	idx.On("Upsert", mock.Anything, mock.MatchedBy(func(items []index.Item) bool {
		return len(items) == 1 && items[0].ChunkID == "doc1#0000"
	})).Return(nil)

	count, err := c.IngestSync(ctx, ingest.Request{
		DocID: "doc1",
		Text:  "The quick brown fox jumps over the lazy dog.",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	j, err := jobs.Get(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, j.State)
	assert.Equal(t, 1, j.ChunkCount)
}

func TestIngestSync_ReingestIsIdempotent(t *testing.T) {
	embedder := &MockEmbedder{dim: 2}
	idx := new(MockIndex)
	docs := new(MockDocStore)
	jobs := NewMemJobs()
	c := newCoordinator(embedder, idx, docs, jobs)
	defer c.Stop()
	ctx := context.Background()

	embedder.On("EmbedBatch", mock.Anything, mock.Anything).
		Return([][]float32{{0.1, 0.2}}, nil)

	var replaced [][]document.Chunk
	docs.On("Replace", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			replaced = append(replaced, args.Get(2).([]document.Chunk))
		}).
		Return(nil)
	idx.On("DeleteByDoc", mock.Anything, "doc1").Return(nil)
	idx.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	body := "Producers write to the log head. Consumers track their own offsets and replay at will."

	first, err := c.IngestSync(ctx, ingest.Request{DocID: "doc1", Text: body})
	require.NoError(t, err)
	second, err := c.IngestSync(ctx, ingest.Request{DocID: "doc1", Text: body})
	require.NoError(t, err)

	// Same content twice: same chunk count, same IDs, same ordinals.
	assert.Equal(t, first, second)
	require.Len(t, replaced, 2)
	require.Equal(t, len(replaced[0]), len(replaced[1]))
	for i := range replaced[0] {
		assert.Equal(t, replaced[0][i].ChunkID, replaced[1][i].ChunkID)
		assert.Equal(t, replaced[0][i].Ordinal, replaced[1][i].Ordinal)
	}

	j, err := jobs.Get(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, j.State)
	assert.Equal(t, first, j.ChunkCount)
}

func TestIngestSync_EmbedFailureMarksJobFailed(t *testing.T) {
	embedder := &MockEmbedder{dim: 2}
	idx := new(MockIndex)
	docs := new(MockDocStore)
	jobs := NewMemJobs()
	c := newCoordinator(embedder, idx, docs, jobs)
	defer c.Stop()
	ctx := context.Background()

	embedder.On("EmbedBatch", mock.Anything, mock.Anything).
		Return(nil, apperr.NewEmbedError(apperr.ReasonUnavailable, errors.New("down")))

	_, err := c.IngestSync(ctx, ingest.Request{DocID: "doc1", Text: "some text"})
	require.Error(t, err)

	j, err := jobs.Get(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, j.State)
	assert.NotEmpty(t, j.Error)

	// Nothing was written.
	docs.AssertNotCalled(t, "Replace", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestSync_DimensionMismatchFailsBeforeWrite(t *testing.T) {
	embedder := &MockEmbedder{dim: 4}
	idx := new(MockIndex)
	docs := new(MockDocStore)
	jobs := NewMemJobs()
	c := newCoordinator(embedder, idx, docs, jobs)
	defer c.Stop()

	embedder.On("EmbedBatch", mock.Anything, mock.Anything).
		Return([][]float32{{0.1, 0.2}}, nil)

	_, err := c.IngestSync(context.Background(), ingest.Request{DocID: "doc1", Text: "some text"})
	assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)
	docs.AssertNotCalled(t, "Replace", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestSync_IndexFailureQuarantinesDocument(t *testing.T) {
	embedder := &MockEmbedder{dim: 2}
	idx := new(MockIndex)
	docs := new(MockDocStore)
	jobs := NewMemJobs()
	c := newCoordinator(embedder, idx, docs, jobs)
	defer c.Stop()
	ctx := context.Background()

	embedder.On("EmbedBatch", mock.Anything, mock.Anything).Return([][]float32{{0.1, 0.2}}, nil)
	docs.On("Replace", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	idx.On("DeleteByDoc", mock.Anything, "doc1").Return(nil)
	idx.On("Upsert", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	docs.On("SetStatus", mock.Anything, "doc1", document.StatusFailed).Return(nil)

	_, err := c.IngestSync(ctx, ingest.Request{DocID: "doc1", Text: "some text"})
	require.Error(t, err)

	j, _ := jobs.Get(ctx, "doc1")
	assert.Equal(t, job.StateFailed, j.State)
	docs.AssertCalled(t, "SetStatus", mock.Anything, "doc1", document.StatusFailed)
	// Vectors cleared once on the swap attempt and once on quarantine.
	idx.AssertNumberOfCalls(t, "DeleteByDoc", 2)
}

func TestIngestSync_ConcurrentSameDocRejected(t *testing.T) {
	embedder := &MockEmbedder{dim: 2}
	idx := new(MockIndex)
	docs := new(MockDocStore)
	jobs := NewMemJobs()
	c := newCoordinator(embedder, idx, docs, jobs)
	defer c.Stop()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	embedder.On("EmbedBatch", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(started)
			<-release
		}).
		Return([][]float32{{0.1, 0.2}}, nil)
	docs.On("Replace", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	idx.On("DeleteByDoc", mock.Anything, mock.Anything).Return(nil)
	idx.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := c.IngestSync(ctx, ingest.Request{DocID: "doc1", Text: "first version"})
		assert.NoError(t, err)
	}()

	<-started
	_, err := c.IngestSync(ctx, ingest.Request{DocID: "doc1", Text: "second version"})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	close(release)
	wg.Wait()
}

func TestIngestAsync_QueueFullFailsFast(t *testing.T) {
	embedder := &MockEmbedder{dim: 2}
	idx := new(MockIndex)
	docs := new(MockDocStore)
	jobs := NewMemJobs()
	// One worker, queue of one; block the worker so the queue backs up.
	c := ingest.NewCoordinator(embedder, idx, nil, docs, jobs, &stubExtractor{}, 64, 1, 1)
	defer c.Stop()
	ctx := context.Background()

	release := make(chan struct{})
	embedder.On("EmbedBatch", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { <-release }).
		Return([][]float32{{0.1, 0.2}}, nil)
	docs.On("Replace", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	idx.On("DeleteByDoc", mock.Anything, mock.Anything).Return(nil)
	idx.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, c.IngestAsync(ctx, ingest.Request{DocID: "doc1", Text: "a"}))

	// Give the worker a moment to pick up doc1 so doc2 occupies the queue.
	require.Eventually(t, func() bool {
		j, err := jobs.Get(ctx, "doc1")
		return err == nil && j.State == job.StateProcessing
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.IngestAsync(ctx, ingest.Request{DocID: "doc2", Text: "b"}))

	err := c.IngestAsync(ctx, ingest.Request{DocID: "doc3", Text: "c"})
	assert.ErrorIs(t, err, apperr.ErrResourceExhausted)

	j, getErr := jobs.Get(ctx, "doc3")
	require.NoError(t, getErr)
	assert.Equal(t, job.StateFailed, j.State)

	close(release)
}

func TestIngestAsync_EventuallyCompletes(t *testing.T) {
	embedder := &MockEmbedder{dim: 2}
	idx := new(MockIndex)
	docs := new(MockDocStore)
	jobs := NewMemJobs()
	c := newCoordinator(embedder, idx, docs, jobs)
	defer c.Stop()
	ctx := context.Background()

	embedder.On("EmbedBatch", mock.Anything, mock.Anything).Return([][]float32{{0.1, 0.2}}, nil)
	docs.On("Replace", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	idx.On("DeleteByDoc", mock.Anything, "doc1").Return(nil)
	idx.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, c.IngestAsync(ctx, ingest.Request{DocID: "doc1", Text: "hello world"}))

	assert.Eventually(t, func() bool {
		j, err := jobs.Get(ctx, "doc1")
		return err == nil && j.State == job.StateCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestIngest_Validation(t *testing.T) {
	c := newCoordinator(&MockEmbedder{dim: 2}, new(MockIndex), new(MockDocStore), NewMemJobs())
	defer c.Stop()
	ctx := context.Background()

	_, err := c.IngestSync(ctx, ingest.Request{Text: "no id"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = c.IngestSync(ctx, ingest.Request{DocID: "doc1"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = c.IngestSync(ctx, ingest.Request{DocID: "doc1", Text: "x", FileData: []byte("y")})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestIngest_FileUsesExtractor(t *testing.T) {
	embedder := &MockEmbedder{dim: 2}
	idx := new(MockIndex)
	docs := new(MockDocStore)
	jobs := NewMemJobs()
	c := ingest.NewCoordinator(embedder, idx, nil, docs, jobs,
		&stubExtractor{text: "extracted pdf text"}, 64, 1, 4)
	defer c.Stop()

	embedder.On("EmbedBatch", mock.Anything, []string{"extracted pdf text"}).
		Return([][]float32{{0.1, 0.2}}, nil)
	docs.On("Replace", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	idx.On("DeleteByDoc", mock.Anything, "doc1").Return(nil)
	idx.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	count, err := c.IngestSync(context.Background(), ingest.Request{
		DocID:    "doc1",
		Filename: "paper.pdf",
		FileData: []byte("%PDF"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
