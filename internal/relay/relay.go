// Package relay fans correlator events out to sinks and live subscribers
// without blocking the goroutine that produced them.
package relay

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/textly/smsbridge/internal/models"
)

// ErrClosed is returned by Subscribe after Close or DetachSubscribers.
var ErrClosed = errors.New("relay: closed")

// Sink persists or forwards events. Deliver runs on the relay goroutine,
// one event at a time, in emission order.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt models.Event) error
}

// Option customises the relay.
type Option func(*Relay)

// WithSinkTimeout bounds every Deliver call.
func WithSinkTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.sinkTimeout = d
		}
	}
}

// WithClock overrides the clock used to stamp events lacking a timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

type subscriber struct {
	ch chan models.Event
}

// Relay queues events in memory and dispatches them on its own goroutine.
// Emit never blocks.
type Relay struct {
	logger      zerolog.Logger
	sinks       []Sink
	sinkTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	queue   []models.Event
	subs     map[*subscriber]struct{}
	detached bool
	closed   bool
	wake    chan struct{}
	stopCh  chan struct{}
	drained chan struct{}
	once    sync.Once
}

// New starts a relay delivering to sinks in the order given.
func New(logger zerolog.Logger, sinks []Sink, opts ...Option) *Relay {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	r := &Relay{
		logger:      logger,
		sinks:       append([]Sink(nil), sinks...),
		sinkTimeout: 5 * time.Second,
		now:         time.Now,
		subs:        make(map[*subscriber]struct{}),
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		drained:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	go r.run()
	return r
}

// Emit enqueues evt, assigning an id and timestamp when missing.
func (r *Relay) Emit(evt models.Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = r.now()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn().Str("event", evt.Name).Str("key", evt.Key()).Msg("event dropped: relay closed")
		return
	}
	r.queue = append(r.queue, evt)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Subscribe registers a live listener. Events are dropped for a subscriber
// whose buffer is full. The returned func unsubscribes and closes the
// channel.
func (r *Relay) Subscribe(buffer int) (<-chan models.Event, func(), error) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{ch: make(chan models.Event, buffer)}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.detached {
		return nil, nil, ErrClosed
	}
	r.subs[sub] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if _, ok := r.subs[sub]; ok {
				delete(r.subs, sub)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel, nil
}

// Close stops accepting events, delivers what is queued, closes every
// subscriber channel and returns once dispatch has finished or ctx ends.
func (r *Relay) Close(ctx context.Context) error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.stopCh)
	})
	select {
	case <-r.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DetachSubscribers closes every subscriber channel and refuses new
// subscriptions. Sinks keep receiving events until Close.
func (r *Relay) DetachSubscribers() {
	r.mu.Lock()
	r.detached = true
	r.mu.Unlock()
	r.closeSubscribers()
}

func (r *Relay) run() {
	defer close(r.drained)
	for {
		batch, stop := r.next()
		for _, evt := range batch {
			r.dispatch(evt)
		}
		if stop {
			r.closeSubscribers()
			return
		}
	}
}

// next waits for queued events. stop is true once the relay is closed and
// the queue is empty.
func (r *Relay) next() ([]models.Event, bool) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			batch := r.queue
			r.queue = nil
			r.mu.Unlock()
			return batch, false
		}
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return nil, true
		}

		select {
		case <-r.wake:
		case <-r.stopCh:
		}
	}
}

func (r *Relay) dispatch(evt models.Event) {
	for _, sink := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.sinkTimeout)
		err := sink.Deliver(ctx, evt)
		cancel()
		if err != nil {
			r.logger.Error().
				Err(err).
				Str("sink", sink.Name()).
				Str("event", evt.Name).
				Str("key", evt.Key()).
				Msg("sink delivery failed")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.subs {
		select {
		case sub.ch <- evt:
		default:
			r.logger.Warn().Str("event", evt.Name).Str("key", evt.Key()).Msg("subscriber buffer full, event dropped")
		}
	}
}

func (r *Relay) closeSubscribers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.subs {
		delete(r.subs, sub)
		close(sub.ch)
	}
}
