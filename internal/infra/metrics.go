package infra

import (
	"log/slog"
	"sync/atomic"
	"time"

	"crypto_paper/internal/domain"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	eventsProcessed atomic.Uint64
	sequenceGaps    atomic.Uint64
	fillsExecuted   atomic.Uint64
	makerFills      atomic.Uint64
	fillsRejected   atomic.Uint64
	errorsTotal     atomic.Uint64

	// Latency tracking
	latencySumNs     atomic.Int64
	latencyCount     atomic.Uint64
	fillLatencySumNs atomic.Int64

	// Gauges
	activeConnections atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordEvent records an event processing with latency.
func (m *Metrics) RecordEvent(latencyNs int64) {
	m.eventsProcessed.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordSequenceGap records a feed sequence gap.
func (m *Metrics) RecordSequenceGap() {
	m.sequenceGaps.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// OnExecution counts fills and rejections reported by the broker.
func (m *Metrics) OnExecution(report domain.ExecutionReport) {
	if !report.Executed {
		m.fillsRejected.Add(1)
		return
	}
	m.fillsExecuted.Add(1)
	m.fillLatencySumNs.Add(report.Latency.Nanoseconds())
	if report.Maker {
		m.makerFills.Add(1)
	}
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	EventsProcessed   uint64
	SequenceGaps      uint64
	FillsExecuted     uint64
	MakerFills        uint64
	FillsRejected     uint64
	ErrorsTotal       uint64
	AvgLatencyNs      int64
	AvgFillLatency    time.Duration
	ActiveConnections int32
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	if count := m.latencyCount.Load(); count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	fills := m.fillsExecuted.Load()
	var avgFill time.Duration
	if fills > 0 {
		avgFill = time.Duration(m.fillLatencySumNs.Load() / int64(fills))
	}

	return MetricsSnapshot{
		EventsProcessed:   m.eventsProcessed.Load(),
		SequenceGaps:      m.sequenceGaps.Load(),
		FillsExecuted:     fills,
		MakerFills:        m.makerFills.Load(),
		FillsRejected:     m.fillsRejected.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		AvgLatencyNs:      avgLatency,
		AvgFillLatency:    avgFill,
		ActiveConnections: m.activeConnections.Load(),
		Timestamp:         time.Now(),
	}
}

// LogValue makes a snapshot print as one structured group.
func (s MetricsSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("events", s.EventsProcessed),
		slog.Uint64("gaps", s.SequenceGaps),
		slog.Uint64("fills", s.FillsExecuted),
		slog.Uint64("maker_fills", s.MakerFills),
		slog.Uint64("rejected", s.FillsRejected),
		slog.Uint64("errors", s.ErrorsTotal),
		slog.Int64("avg_event_ns", s.AvgLatencyNs),
		slog.Duration("avg_fill_latency", s.AvgFillLatency),
		slog.Int("connections", int(s.ActiveConnections)),
	)
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.eventsProcessed.Store(0)
	m.sequenceGaps.Store(0)
	m.fillsExecuted.Store(0)
	m.makerFills.Store(0)
	m.fillsRejected.Store(0)
	m.errorsTotal.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.fillLatencySumNs.Store(0)
	m.activeConnections.Store(0)
}
