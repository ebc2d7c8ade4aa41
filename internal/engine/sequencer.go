package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"crypto_paper/internal/domain"
	"crypto_paper/internal/event"
)

// MarketSink consumes sequenced market snapshots. The paper broker is one.
type MarketSink interface {
	UpdateMarket(ctx context.Context, snap domain.MarketSnapshot) error
}

// Stats receives per-event counters.
type Stats interface {
	RecordEvent(latencyNs int64)
	RecordSequenceGap()
	RecordError()
}

// Sequencer is the single-threaded event processor in front of the broker.
type Sequencer struct {
	inbox   chan event.Event
	books   map[string]domain.MarketSnapshot
	nextSeq uint64
	sink    MarketSink
	stats   Stats

	// DumpPath is where Run writes state when it panics.
	DumpPath string

	mu sync.RWMutex // guards books for external reads
}

// NewSequencer creates a sequencer expecting sequence number 1 first. stats may be nil.
func NewSequencer(inboxSize int, sink MarketSink, stats Stats) *Sequencer {
	return &Sequencer{
		inbox:    make(chan event.Event, inboxSize),
		books:    make(map[string]domain.MarketSnapshot),
		nextSeq:  1,
		sink:     sink,
		stats:    stats,
		DumpPath: "panic_dump.json",
	}
}

// Inbox returns the event channel. Feed workers send events here.
func (s *Sequencer) Inbox() chan<- event.Event {
	return s.inbox
}

// Run starts the main event loop. It MUST run in a single goroutine.
func (s *Sequencer) Run(ctx context.Context) {
	slog.Info("Sequencer started")

	defer func() {
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			s.DumpState(s.DumpPath)
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sequencer stopping...")
			return
		case ev := <-s.inbox:
			s.processEvent(ctx, ev)
			if mu, ok := ev.(*event.MarketUpdateEvent); ok {
				event.ReleaseMarketUpdateEvent(mu)
			}
		}
	}
}

func (s *Sequencer) processEvent(ctx context.Context, ev event.Event) {
	start := time.Now()
	if !s.checkSeq(ev.GetSeq()) {
		return
	}
	s.dispatch(ctx, ev)
	s.nextSeq = ev.GetSeq() + 1

	if s.stats != nil {
		s.stats.RecordEvent(time.Since(start).Nanoseconds())
	}
}

// checkSeq drops stale events and resynchronises forward on gaps.
// A lost feed message must not halt a simulator that only needs the latest book.
func (s *Sequencer) checkSeq(seq uint64) bool {
	switch {
	case seq == s.nextSeq:
		return true
	case seq < s.nextSeq:
		slog.Warn("STALE_EVENT_DROPPED", slog.Uint64("expected", s.nextSeq), slog.Uint64("got", seq))
		return false
	default:
		slog.Warn("SEQUENCE_GAP_DETECTED", slog.Uint64("expected", s.nextSeq), slog.Uint64("got", seq))
		if s.stats != nil {
			s.stats.RecordSequenceGap()
		}
		return true
	}
}

// ReplayEvent processes an event synchronously. Bar-by-bar drivers use it
// instead of the inbox; sequence order is still enforced.
func (s *Sequencer) ReplayEvent(ctx context.Context, ev event.Event) error {
	if ev.GetSeq() != s.nextSeq {
		return fmt.Errorf("replay gap: expected %d, got %d", s.nextSeq, ev.GetSeq())
	}
	s.dispatch(ctx, ev)
	s.nextSeq++
	return nil
}

func (s *Sequencer) dispatch(ctx context.Context, ev event.Event) {
	switch e := ev.(type) {
	case *event.MarketUpdateEvent:
		s.handleMarketUpdate(ctx, e)
	default:
		slog.Warn("Unknown event type", slog.Any("type", ev.GetType()))
	}
}

func (s *Sequencer) handleMarketUpdate(ctx context.Context, e *event.MarketUpdateEvent) {
	snap := e.ToSnapshot()

	s.mu.Lock()
	s.books[snap.Symbol] = snap
	s.mu.Unlock()

	if s.sink == nil {
		return
	}
	if err := s.sink.UpdateMarket(ctx, snap); err != nil {
		if s.stats != nil {
			s.stats.RecordError()
		}
		slog.Warn("market update rejected", slog.String("symbol", snap.Symbol), slog.Any("error", err))
	}
}

// GetMarketSnapshot returns the last book seen for symbol (external read).
func (s *Sequencer) GetMarketSnapshot(symbol string) (domain.MarketSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.books[symbol]
	return snap, ok
}

// DumpState writes the sequencer state to a file for post-mortem.
func (s *Sequencer) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	s.mu.RLock()
	data := struct {
		NextSeq uint64                           `json:"next_seq"`
		Books   map[string]domain.MarketSnapshot `json:"books"`
	}{
		NextSeq: s.nextSeq,
		Books:   s.books,
	}
	b, err := json.MarshalIndent(data, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
