package redisbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"crypto_paper/internal/domain"
)

const (
	publishTimeout = 2 * time.Second
	queueSize      = 1024
)

// Publisher is the transport the report publisher writes to. *Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// envelope is the wire format of one published report.
type envelope struct {
	Type   string                 `json:"type"`
	RunID  string                 `json:"run_id,omitempty"`
	Report domain.ExecutionReport `json:"report"`
}

// ReportPublisher forwards execution reports to Redis.
// OnExecution never blocks the broker: reports are queued and dropped when the
// queue is full.
type ReportPublisher struct {
	pub     Publisher
	channel string
	runID   string
	queue   chan domain.ExecutionReport
	dropped atomic.Uint64
	logger  *slog.Logger
}

var _ domain.ExecutionListener = (*ReportPublisher)(nil)

// NewReportPublisher creates a publisher for channel.
func NewReportPublisher(pub Publisher, channel, runID string, logger *slog.Logger) *ReportPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportPublisher{
		pub:     pub,
		channel: channel,
		runID:   runID,
		queue:   make(chan domain.ExecutionReport, queueSize),
		logger:  logger.With("module", "redisbus"),
	}
}

// OnExecution queues report for publishing.
func (p *ReportPublisher) OnExecution(report domain.ExecutionReport) {
	select {
	case p.queue <- report:
	default:
		if p.dropped.Add(1)%100 == 1 {
			p.logger.Warn("report queue full, dropping", slog.Uint64("dropped", p.dropped.Load()))
		}
	}
}

// Dropped returns how many reports were discarded.
func (p *ReportPublisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Run publishes queued reports until ctx is done, then flushes what is left.
func (p *ReportPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return nil
		case r := <-p.queue:
			p.publish(context.Background(), r)
		}
	}
}

func (p *ReportPublisher) flush() {
	for {
		select {
		case r := <-p.queue:
			p.publish(context.Background(), r)
		default:
			return
		}
	}
}

func (p *ReportPublisher) publish(parent context.Context, report domain.ExecutionReport) {
	payload, err := p.encode(report)
	if err != nil {
		p.logger.Error("encode report", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(parent, publishTimeout)
	defer cancel()
	if err := p.pub.Publish(ctx, p.channel, payload); err != nil {
		p.logger.Warn("publish report failed", slog.String("client_id", report.ClientID), slog.Any("error", err))
	}
}

func (p *ReportPublisher) encode(report domain.ExecutionReport) ([]byte, error) {
	kind := "fill"
	if !report.Executed {
		kind = "reject"
	}
	return json.Marshal(envelope{Type: kind, RunID: p.runID, Report: report})
}
