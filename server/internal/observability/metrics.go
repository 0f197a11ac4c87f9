package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects counters for the chat pipeline. Pre-generation rejections
// are tracked separately from failures that occur after backend cost has been
// incurred, so the two never blur together in reports.
type Metrics struct {
	mu sync.Mutex

	// Counters
	messageTotal     atomic.Int64
	rejectedCheap    atomic.Int64 // rejected before generation (no backend cost)
	failedAfterSpend atomic.Int64 // generation or persistence failure after cost
	cacheHits        atomic.Int64
	streamChunks     atomic.Int64
	streamCancels    atomic.Int64

	// Per-rejection-stage counters
	stageRejections map[string]*atomic.Int64

	// Duration samples (FIFO, bounded)
	durations    []time.Duration
	maxDurations int
}

// NewMetrics creates a new metrics collector.
func NewMetrics(maxDurations int) *Metrics {
	if maxDurations <= 0 {
		maxDurations = 1000
	}
	return &Metrics{
		stageRejections: make(map[string]*atomic.Int64),
		durations:       make([]time.Duration, 0, maxDurations),
		maxDurations:    maxDurations,
	}
}

// RecordMessage records an inbound message.
func (m *Metrics) RecordMessage() {
	m.messageTotal.Add(1)
}

// RecordRejection records a pre-generation rejection at the named stage.
func (m *Metrics) RecordRejection(stage string) {
	m.rejectedCheap.Add(1)
	m.stageCounter(stage).Add(1)
}

// RecordFailureAfterSpend records a failure that occurred after backend cost
// was already incurred (generation error, persistence error).
func (m *Metrics) RecordFailureAfterSpend(stage string) {
	m.failedAfterSpend.Add(1)
	m.stageCounter(stage).Add(1)
}

// RecordCacheHit records a dedup cache hit.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Add(1)
}

// RecordStreamChunk records a stream chunk sent.
func (m *Metrics) RecordStreamChunk() {
	m.streamChunks.Add(1)
}

// RecordStreamCancel records a client-side stream cancellation.
func (m *Metrics) RecordStreamCancel() {
	m.streamCancels.Add(1)
}

// RecordDuration records an end-to-end message duration.
func (m *Metrics) RecordDuration(duration time.Duration) {
	m.mu.Lock()
	if len(m.durations) >= m.maxDurations {
		m.durations = m.durations[1:]
	}
	m.durations = append(m.durations, duration)
	m.mu.Unlock()
}

func (m *Metrics) stageCounter(stage string) *atomic.Int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.stageRejections[stage]
	if !ok {
		c = &atomic.Int64{}
		m.stageRejections[stage] = c
	}
	return c
}

// GetMessageTotal returns the total number of inbound messages.
func (m *Metrics) GetMessageTotal() int64 {
	return m.messageTotal.Load()
}

// GetRejectedCheap returns rejections that incurred no backend cost.
func (m *Metrics) GetRejectedCheap() int64 {
	return m.rejectedCheap.Load()
}

// GetFailedAfterSpend returns failures that occurred after backend cost.
func (m *Metrics) GetFailedAfterSpend() int64 {
	return m.failedAfterSpend.Load()
}

// GetCacheHits returns the number of dedup cache hits.
func (m *Metrics) GetCacheHits() int64 {
	return m.cacheHits.Load()
}

// GetStreamChunks returns the total number of stream chunks sent.
func (m *Metrics) GetStreamChunks() int64 {
	return m.streamChunks.Load()
}

// GetStageCount returns the counter for a specific stage.
func (m *Metrics) GetStageCount(stage string) int64 {
	return m.stageCounter(stage).Load()
}

// Reset resets all metrics (useful for testing).
func (m *Metrics) Reset() {
	m.messageTotal.Store(0)
	m.rejectedCheap.Store(0)
	m.failedAfterSpend.Store(0)
	m.cacheHits.Store(0)
	m.streamChunks.Store(0)
	m.streamCancels.Store(0)

	m.mu.Lock()
	m.stageRejections = make(map[string]*atomic.Int64)
	m.durations = make([]time.Duration, 0, m.maxDurations)
	m.mu.Unlock()
}

// Snapshot returns a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() *MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	stages := make(map[string]int64, len(m.stageRejections))
	for stage, c := range m.stageRejections {
		stages[stage] = c.Load()
	}

	return &MetricsSnapshot{
		MessageTotal:     m.messageTotal.Load(),
		RejectedCheap:    m.rejectedCheap.Load(),
		FailedAfterSpend: m.failedAfterSpend.Load(),
		CacheHits:        m.cacheHits.Load(),
		StreamChunks:     m.streamChunks.Load(),
		StreamCancels:    m.streamCancels.Load(),
		StageCounts:      stages,
		DurationCount:    len(m.durations),
	}
}

// MetricsSnapshot represents a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	MessageTotal     int64
	RejectedCheap    int64
	FailedAfterSpend int64
	CacheHits        int64
	StreamChunks     int64
	StreamCancels    int64
	StageCounts      map[string]int64
	DurationCount    int
}
