// Package stats reports service health, corpus counts and request metrics.
package stats

import (
	"context"
	"sync/atomic"
	"time"
)

// DocCounter reports corpus sizes from the metadata store.
type DocCounter interface {
	Count(ctx context.Context) (int, error)
	ChunkCount(ctx context.Context) (int, error)
}

// JobCounter reports ingestion job totals per state.
type JobCounter interface {
	CountByState(ctx context.Context) (map[string]int, error)
}

// IndexInfo reports the vector index shape.
type IndexInfo interface {
	Count(ctx context.Context) (int, error)
	Dimension() int
}

// Info is the static service identity reported by the status endpoint.
type Info struct {
	Backend   string
	Provider  string
	Model     string
	StartedAt time.Time
}

// Metrics tracks request counters with atomics so the hot path never locks.
type Metrics struct {
	searchTotal  atomic.Int64
	searchErrors atomic.Int64
	searchMicros atomic.Int64
	ingestTotal  atomic.Int64
	ingestErrors atomic.Int64
	ingestMicros atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) ObserveSearch(d time.Duration, err error) {
	m.searchTotal.Add(1)
	m.searchMicros.Add(d.Microseconds())
	if err != nil {
		m.searchErrors.Add(1)
	}
}

func (m *Metrics) ObserveIngest(d time.Duration, err error) {
	m.ingestTotal.Add(1)
	m.ingestMicros.Add(d.Microseconds())
	if err != nil {
		m.ingestErrors.Add(1)
	}
}

type OpSnapshot struct {
	Total     int64   `json:"total"`
	Errors    int64   `json:"errors"`
	AvgMillis float64 `json:"avg_ms"`
}

type Snapshot struct {
	Search OpSnapshot `json:"search"`
	Ingest OpSnapshot `json:"ingest"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Search: opSnapshot(m.searchTotal.Load(), m.searchErrors.Load(), m.searchMicros.Load()),
		Ingest: opSnapshot(m.ingestTotal.Load(), m.ingestErrors.Load(), m.ingestMicros.Load()),
	}
}

func opSnapshot(total, errors, micros int64) OpSnapshot {
	s := OpSnapshot{Total: total, Errors: errors}
	if total > 0 {
		s.AvgMillis = float64(micros) / float64(total) / 1000
	}
	return s
}
