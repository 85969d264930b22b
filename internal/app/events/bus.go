// Package events fans committed raffle events out to the journal, Redis and
// connected WebSocket clients.
package events

import (
	"context"
	"errors"
	"sync"

	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/system"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

var (
	ErrBusClosed = errors.New("event bus is closed")
	ErrBusFull   = errors.New("event bus queue is full")
)

// Sink consumes events delivered by the bus.
type Sink interface {
	Name() string
	Handle(ctx context.Context, evt domain.Event) error
}

// Bus queues events and delivers them to every sink from one goroutine, so
// each sink observes publish order.
type Bus struct {
	log   *logger.Logger
	sinks []Sink
	queue chan domain.Event

	mu      sync.RWMutex
	closed  bool
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ system.Service = (*Bus)(nil)

// NewBus creates a bus with the given queue capacity.
func NewBus(capacity int, log *logger.Logger, sinks ...Sink) *Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Bus{log: log, sinks: sinks, queue: make(chan domain.Event, capacity)}
}

// Publish enqueues evt without blocking.
func (b *Bus) Publish(_ context.Context, evt domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.queue <- evt:
		return nil
	default:
		return ErrBusFull
	}
}

func (b *Bus) Name() string { return "event-bus" }

// Start launches the dispatcher.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if b.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	go func() {
		defer close(b.done)
		for evt := range b.queue {
			b.dispatch(runCtx, evt)
		}
	}()
	return nil
}

// Stop rejects new events, delivers what is queued and waits for the
// dispatcher to exit.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	running, done, cancel := b.running, b.done, b.cancel
	b.mu.Unlock()

	if !running {
		return nil
	}
	select {
	case <-done:
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

func (b *Bus) dispatch(ctx context.Context, evt domain.Event) {
	for _, sink := range b.sinks {
		if err := sink.Handle(ctx, evt); err != nil {
			b.log.WithError(err).
				WithField("sink", sink.Name()).
				WithField("event", evt.Type).
				WithField("event_id", evt.ID).
				Warn("event sink failed")
		}
	}
}

// SinkFunc adapts a function into a Sink.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, evt domain.Event) error
}

func (f SinkFunc) Name() string { return f.SinkName }

func (f SinkFunc) Handle(ctx context.Context, evt domain.Event) error { return f.Fn(ctx, evt) }
