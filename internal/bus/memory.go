package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/seqflow/internal/metrics"
	"github.com/rendis/seqflow/internal/store"
	"github.com/rendis/seqflow/pkg/schema"
)

const defaultChannelBuffer = 64

// Journal is the subset of the store the bus writes through to. Every
// published event is appended before fan-out, which is what makes the bus
// durable; a nil journal is an in-memory-only bus (tests).
type Journal interface {
	AppendEvent(ctx context.Context, event *store.JournalEvent) error
}

// subscriber holds a channel and pattern for a single subscriber.
type subscriber struct {
	ch      chan schema.Envelope
	pattern Pattern
}

// MemoryBus is a channel-based Bus implementation. Fan-out is
// non-blocking: a full subscriber channel drops the event for that
// subscriber, counted and logged per drop, so handlers must drain
// promptly (the runtime's worker pool does).
type MemoryBus struct {
	journal Journal
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewMemoryBus creates a MemoryBus. journal and m may be nil.
func NewMemoryBus(journal Journal, m *metrics.Metrics) *MemoryBus {
	return &MemoryBus{
		journal: journal,
		metrics: m,
		logger:  slog.Default(),
		subs:    make(map[uint64]*subscriber),
	}
}

// SetLogger replaces the bus logger. Call before any Subscribe/Publish.
func (b *MemoryBus) SetLogger(logger *slog.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// Publish journals the event, then sends it to all matching subscribers.
func (b *MemoryBus) Publish(ctx context.Context, event schema.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if b.journal != nil {
		je := &store.JournalEvent{
			Source:     event.Source,
			DetailType: event.DetailType,
			Status:     event.Status(),
			Detail:     event.Detail,
			Timestamp:  event.Timestamp,
		}
		if err := b.journal.AppendEvent(ctx, je); err != nil {
			return err
		}
	}
	b.metrics.EventPublished(event.DetailType)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.pattern.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// The subscriber is not draining. The event is gone for
			// that subscriber (the journal is not replayed), so make
			// the drop loud: a stalled run starts here.
			b.metrics.EventDropped(event.DetailType)
			b.logger.WarnContext(ctx, "subscriber channel full, dropping event",
				slog.String("source", event.Source),
				slog.String("detail_type", event.DetailType),
				slog.String("status", event.Status()))
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given Pattern.
// Returns a receive-only channel, a cancel function, and any error.
func (b *MemoryBus) Subscribe(ctx context.Context, pattern Pattern) (<-chan schema.Envelope, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := b.seq.Add(1)
	ch := make(chan schema.Envelope, defaultChannelBuffer)

	b.mu.Lock()
	b.subs[id] = &subscriber{ch: ch, pattern: pattern}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}

	return ch, cancel, nil
}
