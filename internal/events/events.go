// Package events carries ledger notifications to an external sink. Delivery
// is best-effort: publishing never blocks and never fails the caller.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"bunkerpos/backend/internal/xid"
)

type Type string

const (
	SaleRecorded        Type = "sale.recorded"
	StockLow            Type = "stock.low"
	RestockRecorded     Type = "restock.recorded"
	TransactionReturned Type = "transaction.returned"
	TransactionRevised  Type = "transaction.revised"
	DebtRepaid          Type = "debt.repaid"
	ShiftOpened         Type = "shift.opened"
	ShiftClosed         Type = "shift.closed"
	ShiftAudited        Type = "shift.audited"
	SoundingRecorded    Type = "sounding.recorded"
	SoundingCorrected   Type = "sounding.corrected"
)

const (
	SeverityInfo    = "info"
	SeveritySuccess = "success"
	SeverityError   = "error"
)

type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Severity   string         `json:"severity"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Actor      string         `json:"actor,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Sink performs the actual delivery on the dispatcher goroutine.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// Feed is implemented by sinks that can replay recent events.
type Feed interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) {}

// Dispatcher queues events in a bounded buffer and drains them into a Sink.
// A full buffer drops the event.
type Dispatcher struct {
	sink    Sink
	queue   chan Event
	log     *zap.Logger
	onDrop  func(reason string)
	timeout time.Duration

	// mu guards closed; senders hold it shared so Close cannot close the
	// queue under them.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(sink Sink, buffer int, log *zap.Logger, onDrop func(reason string)) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	if onDrop == nil {
		onDrop = func(string) {}
	}
	d := &Dispatcher{
		sink:    sink,
		queue:   make(chan Event, buffer),
		log:     log,
		onDrop:  onDrop,
		timeout: 3 * time.Second,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Publish(_ context.Context, event Event) {
	if event.ID == "" {
		event.ID = xid.New("evt")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.onDrop("closed")
		d.log.Debug("event dropped", zap.String("type", string(event.Type)), zap.String("reason", "closed"))
		return
	}
	select {
	case d.queue <- event:
	default:
		d.onDrop("buffer_full")
		d.log.Warn("event dropped", zap.String("type", string(event.Type)), zap.String("reason", "buffer_full"))
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sink.Deliver(ctx, event); err != nil {
			d.onDrop("sink_error")
			d.log.Warn("event delivery failed", zap.String("type", string(event.Type)), zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events and waits for the queue to drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Recent(ctx context.Context, limit int) ([]Event, error) {
	if feed, ok := d.sink.(Feed); ok {
		return feed.Recent(ctx, limit)
	}
	return []Event{}, nil
}

// MemorySink keeps the most recent events in a ring for dev mode.
type MemorySink struct {
	mu     sync.Mutex
	keep   int
	events []Event
}

func NewMemorySink(keep int) *MemorySink {
	if keep < 1 {
		keep = 100
	}
	return &MemorySink{keep: keep}
}

func (m *MemorySink) Deliver(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if len(m.events) > m.keep {
		m.events = m.events[len(m.events)-m.keep:]
	}
	return nil
}

func (m *MemorySink) Recent(_ context.Context, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.events))
	for i := len(m.events) - 1; i >= 0; i-- {
		out = append(out, m.events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
