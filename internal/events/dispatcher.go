package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/micarray/internal/observe"
	"github.com/MrWong99/micarray/internal/resilience"
)

// ErrClosed is returned by [Dispatcher.Publish] after Close.
var ErrClosed = errors.New("events: dispatcher closed")

// ErrQueueFull is returned by [Dispatcher.Publish] when the buffer is full.
var ErrQueueFull = errors.New("events: queue full")

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithBuffer sets the queue capacity. Default 64.
func WithBuffer(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.buffer = n
		}
	}
}

// WithMetrics records every delivery outcome on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRetry overrides the per-event retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(d *Dispatcher) { d.retry = cfg }
}

// WithBreaker overrides the circuit breaker settings used for every sink.
// Name is replaced with the sink name.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(d *Dispatcher) { d.breaker = cfg }
}

// WithTimeout bounds a single sink call. Default 5s.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

type guardedSink struct {
	Sink
	cb *resilience.CircuitBreaker
}

// Dispatcher fans events out to sinks asynchronously.
type Dispatcher struct {
	buffer  int
	timeout time.Duration
	retry   resilience.RetryConfig
	breaker resilience.CircuitBreakerConfig
	metrics *observe.Metrics

	sinks []guardedSink
	queue chan Event

	mu     sync.RWMutex
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher starts a dispatcher delivering to sinks. With no sinks
// Publish still succeeds and events are discarded.
func NewDispatcher(sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		buffer:  64,
		timeout: 5 * time.Second,
		retry:   resilience.RetryConfig{Attempts: 3, Backoff: 200 * time.Millisecond},
		breaker: resilience.CircuitBreakerConfig{MaxFailures: 5, ResetTimeout: 30 * time.Second},
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	for _, s := range sinks {
		cfg := d.breaker
		cfg.Name = s.Name()
		d.sinks = append(d.sinks, guardedSink{Sink: s, cb: resilience.NewCircuitBreaker(cfg)})
	}
	d.queue = make(chan Event, d.buffer)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.run(ctx)
	return d
}

// Publish queues e without blocking.
func (d *Dispatcher) Publish(e Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- e:
		return nil
	default:
		d.record("dispatcher", "dropped")
		slog.Warn("events: queue full, dropping detection", "seq", e.Seq, "keyword", e.Keyword)
		return ErrQueueFull
	}
}

// SinkStates reports the breaker state of every sink.
func (d *Dispatcher) SinkStates() map[string]resilience.State {
	out := make(map[string]resilience.State, len(d.sinks))
	for _, s := range d.sinks {
		out[s.Name()] = s.cb.State()
	}
	return out
}

// Close stops accepting events, delivers what is queued and closes every
// sink. ctx bounds the drain; queued events left when it expires are lost.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	var errs []error
	select {
	case <-d.done:
	case <-ctx.Done():
		d.cancel()
		<-d.done
		errs = append(errs, ctx.Err())
	}
	d.cancel()
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for e := range d.queue {
		if ctx.Err() != nil {
			continue
		}
		d.deliver(ctx, e)
	}
}

// deliver sends e to all sinks concurrently and waits for every one.
func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	var g errgroup.Group
	for _, s := range d.sinks {
		g.Go(func() error {
			err := resilience.Retry(ctx, d.retry, func(ctx context.Context) error {
				return s.cb.Execute(ctx, func(ctx context.Context) error {
					cctx, cancel := context.WithTimeout(ctx, d.timeout)
					defer cancel()
					return s.Publish(cctx, e)
				})
			})
			switch {
			case err == nil:
				d.record(s.Name(), "ok")
			case errors.Is(err, resilience.ErrCircuitOpen):
				d.record(s.Name(), "rejected")
			default:
				d.record(s.Name(), "error")
				slog.Warn("events: delivery failed", "sink", s.Name(), "seq", e.Seq, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) record(sink, status string) {
	if d.metrics != nil {
		d.metrics.RecordSinkPublish(context.Background(), sink, status)
	}
}
