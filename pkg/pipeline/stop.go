package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
)

// StopToken is a one-shot cancellation signal shared between the code that
// decides to stop (a signal handler, a test) and the pipeline workers.
//
// The zero value is not usable; create tokens with [NewStopToken].
type StopToken struct {
	stopped atomic.Bool
	once    sync.Once
	done    chan struct{}
}

// NewStopToken returns an unfired token.
func NewStopToken() *StopToken {
	return &StopToken{done: make(chan struct{})}
}

// Stop fires the token. It is safe to call from any goroutine, any number of
// times.
func (t *StopToken) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		close(t.done)
	})
}

// Stopped reports whether Stop has been called. It never blocks.
func (t *StopToken) Stopped() bool { return t.stopped.Load() }

// Done returns a channel that is closed when the token fires.
func (t *StopToken) Done() <-chan struct{} { return t.done }

// StopOn fires the token when ctx is done. The goroutine it starts exits as
// soon as either the context or the token completes.
func (t *StopToken) StopOn(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.done:
		}
	}()
}
