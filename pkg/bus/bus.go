// Package bus implements the pattern-matching publish/subscribe dispatcher.
//
// Dispatch is isolated: a handler failure, panic, or timeout is recorded as a
// dead letter and never propagates to the publisher or to sibling handlers.
// Delivery order across subscribers is not guaranteed — consumers reconstruct
// logical order from correlation/causation ids, not bus order.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tamluxury/atelier/pkg/event"
)

// Priority is accepted on publish. CRITICAL switches the publish to
// synchronous dispatch; lower priorities are dispatched asynchronously.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Options tune a single publish.
type Options struct {
	Delay    time.Duration
	Priority Priority
}

// Handler processes one event. The context is cancelled when the per-handler
// timeout elapses; handlers are expected to honor it.
type Handler func(ctx context.Context, evt *event.Event) error

// EventRecorder counts accepted publishes. The observability provider
// satisfies this.
type EventRecorder interface {
	RecordEvent(ctx context.Context, attrs ...attribute.KeyValue)
}

// Subscription is a registered pattern handler owned by a cell.
type Subscription struct {
	ID        string
	Pattern   string
	Cell      string
	CreatedAt time.Time
	handler   Handler
}

// DeadLetter records a handler that failed or exceeded its timeout.
type DeadLetter struct {
	EventID      string
	EventType    string
	Subscription string
	Cell         string
	Err          string
	At           time.Time
}

var (
	ErrInvalidPattern = errors.New("bus: invalid subscription pattern")
	ErrRateLimited    = errors.New("bus: publisher rate limit exceeded")
	ErrNilHandler     = errors.New("bus: nil handler")
)

// Bus is the in-process event dispatcher with bounded history.
type Bus struct {
	mu          sync.RWMutex
	subs        []*Subscription
	history     []*event.Event
	historyCap  int
	deadLetters []DeadLetter

	handlerTimeout time.Duration
	limiters       map[string]*rate.Limiter
	publishRate    rate.Limit
	publishBurst   int

	wg      sync.WaitGroup
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics EventRecorder
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistoryCap bounds the history ring buffer.
func WithHistoryCap(n int) Option {
	return func(b *Bus) { b.historyCap = n }
}

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) { b.handlerTimeout = d }
}

// WithPublishRate limits events/second accepted per source cell.
func WithPublishRate(r rate.Limit, burst int) Option {
	return func(b *Bus) {
		b.publishRate = r
		b.publishBurst = burst
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMetrics wires the published-event counter.
func WithMetrics(m EventRecorder) Option {
	return func(b *Bus) { b.metrics = m }
}

// New creates a Bus with production defaults: 1000-event history,
// 30s handler timeout, 100 events/s per publisher.
func New(opts ...Option) *Bus {
	b := &Bus{
		historyCap:     1000,
		handlerTimeout: 30 * time.Second,
		publishRate:    rate.Limit(100),
		publishBurst:   200,
		limiters:       make(map[string]*rate.Limiter),
		logger:         slog.Default(),
		tracer:         otel.Tracer("atelier/bus"),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a handler for every event whose type matches pattern.
func (b *Bus) Subscribe(pattern string, handler Handler, cell string) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if !event.ValidPattern(pattern) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	sub := &Subscription{
		ID:        "sub_" + uuid.New().String(),
		Pattern:   pattern,
		Cell:      cell,
		CreatedAt: time.Now(),
		handler:   handler,
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Unsubscribe removes a subscription by id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.ID == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Subscriptions returns a snapshot of all registered subscriptions.
func (b *Bus) Subscriptions() []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Subscription, len(b.subs))
	copy(out, b.subs)
	return out
}

// Publish validates the envelope, appends it to history, then invokes every
// matching handler. Handlers for one event run concurrently with each other;
// their failures never reach the publisher. With PriorityCritical the call
// waits for all handlers to finish; otherwise dispatch is asynchronous.
func (b *Bus) Publish(ctx context.Context, evt *event.Event, opts Options) error {
	if evt == nil {
		return errors.New("bus: nil event")
	}
	if err := evt.Validate(); err != nil {
		return err
	}
	if !b.allowPublish(evt.SourceCell) {
		return fmt.Errorf("%w: cell %s", ErrRateLimited, evt.SourceCell)
	}

	b.mu.Lock()
	b.history = append(b.history, evt)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	matched := make([]*Subscription, 0, 4)
	for _, sub := range b.subs {
		if event.MatchPattern(sub.Pattern, evt.EventType) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordEvent(ctx,
			attribute.String("event.type", evt.EventType),
			attribute.String("event.source_cell", evt.SourceCell),
		)
	}

	dispatch := func() {
		if opts.Delay > 0 {
			time.Sleep(opts.Delay)
		}
		b.dispatch(evt, matched)
	}

	if opts.Priority == PriorityCritical {
		dispatch()
		return nil
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		dispatch()
	}()
	return nil
}

// dispatch fans the event out to matched subscriptions and waits for them.
func (b *Bus) dispatch(evt *event.Event, matched []*Subscription) {
	ctx, span := b.tracer.Start(context.Background(), "bus.dispatch",
		trace.WithAttributes(
			attribute.String("event.type", evt.EventType),
			attribute.String("event.source_cell", evt.SourceCell),
			attribute.Int("subscribers", len(matched)),
		))
	defer span.End()

	var wg sync.WaitGroup
	for _, sub := range matched {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			b.invoke(ctx, evt, sub)
		}(sub)
	}
	wg.Wait()
}

// invoke runs one handler with timeout and panic isolation.
func (b *Bus) invoke(ctx context.Context, evt *event.Event, sub *Subscription) {
	hctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- sub.handler(hctx, evt)
	}()

	var err error
	select {
	case err = <-done:
	case <-hctx.Done():
		err = fmt.Errorf("handler timeout after %s: %w", b.handlerTimeout, hctx.Err())
	}
	if err != nil {
		b.recordDeadLetter(evt, sub, err)
	}
}

func (b *Bus) recordDeadLetter(evt *event.Event, sub *Subscription, err error) {
	b.logger.Error("bus: handler failed",
		"event_type", evt.EventType,
		"event_id", evt.EventID,
		"cell", sub.Cell,
		"pattern", sub.Pattern,
		"err", err)
	b.mu.Lock()
	b.deadLetters = append(b.deadLetters, DeadLetter{
		EventID:      evt.EventID,
		EventType:    evt.EventType,
		Subscription: sub.ID,
		Cell:         sub.Cell,
		Err:          err.Error(),
		At:           time.Now(),
	})
	b.mu.Unlock()
}

func (b *Bus) allowPublish(cell string) bool {
	if b.publishRate == rate.Inf || b.publishRate <= 0 {
		return true
	}
	b.mu.Lock()
	lim, ok := b.limiters[cell]
	if !ok {
		lim = rate.NewLimiter(b.publishRate, b.publishBurst)
		b.limiters[cell] = lim
	}
	b.mu.Unlock()
	return lim.Allow()
}

// History returns the most recent events, newest last, up to limit.
// limit <= 0 returns the full retained window.
func (b *Bus) History(limit int) []*event.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*event.Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// DeadLetters returns a snapshot of recorded handler failures.
func (b *Bus) DeadLetters() []DeadLetter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// Drain blocks until all asynchronous dispatches in flight have completed.
func (b *Bus) Drain() {
	b.wg.Wait()
}
