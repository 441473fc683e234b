package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/micarray/pkg/audio"
)

// DefaultQueueCapacity is the number of blocks each inter-node queue holds
// before the producing node blocks.
const DefaultQueueCapacity = 64

// Sentinel errors returned by the orchestrator.
var (
	// ErrStopped is returned by DetectHotword once the stop token has fired
	// or Stop has run.
	ErrStopped = errors.New("pipeline: stopped")

	// ErrAlreadyStarted is returned by Start, and by registration calls, once
	// the orchestrator has been started.
	ErrAlreadyStarted = errors.New("pipeline: already started")

	// ErrNotStarted is returned by calls that need a running chain.
	ErrNotStarted = errors.New("pipeline: not started")

	// ErrNoHead is returned by Start when no head was registered.
	ErrNoHead = errors.New("pipeline: no chain head registered")

	// ErrHeadExists is returned when a second head is registered.
	ErrHeadExists = errors.New("pipeline: chain head already registered")

	// ErrNotInChain is returned for refs issued by another orchestrator.
	ErrNotInChain = errors.New("pipeline: node is not a member of this chain")

	// ErrAlreadyLinked is returned when a node would get a second downstream.
	ErrAlreadyLinked = errors.New("pipeline: upstream node already linked")

	// ErrNoDirectionNode is returned by SetDirection without a registered
	// direction manager.
	ErrNoDirectionNode = errors.New("pipeline: no direction manager registered")

	// ErrHotwordDownstream is returned by Start when the hotword detection
	// node sits behind the output node. Its result would not be available
	// when the output block is delivered.
	ErrHotwordDownstream = errors.New("pipeline: hotword detection node is downstream of the output node")
)

// Observer receives per-node processing notifications. Implementations must
// be safe for concurrent use; they are called from the worker goroutines.
type Observer interface {
	FrameProcessed(node string, d time.Duration)
	NodeError(node string, err error)
}

type nopObserver struct{}

func (nopObserver) FrameProcessed(string, time.Duration) {}
func (nopObserver) NodeError(string, error)              {}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithQueueCapacity sets the capacity of every inter-node queue. Values
// below 1 are ignored.
func WithQueueCapacity(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.queueCap = n
		}
	}
}

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver installs a per-node processing observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

type slot struct {
	node Node
	src  Source
	proc Processor
	dir  DirectionProvider
	hot  HotwordDetector
	up   int
	down int
}

// runState is created by Start and never mutated afterwards except for err,
// which is written before done is closed.
type runState struct {
	stop   *StopToken
	cancel context.CancelFunc
	order  []int
	// queues[i] holds frames produced by slot i: its link to the downstream
	// node, or the output queue when slot i is the tail output node.
	queues []chan audio.Frame
	outQ   chan audio.Frame
	format audio.Format
	done   chan struct{}
	err    error
}

// finish waits for all workers and maps the run result to the error
// DetectHotword reports once the output queue is closed.
func (rs *runState) finish() error {
	<-rs.done
	switch {
	case rs.err != nil:
		return rs.err
	case rs.stop.Stopped():
		return ErrStopped
	default:
		return io.EOF
	}
}

// Orchestrator owns a chain of nodes and runs them as a unit.
//
// Registration must complete before Start. After Start, DetectHotword,
// Direction, SetDirection, Rearm and the diagnostic accessors are safe for
// concurrent use. DetectHotword is intended for a single polling goroutine.
type Orchestrator struct {
	mu        sync.Mutex
	slots     []*slot
	head      int
	output    int
	direction int
	hotword   int
	started   bool

	queueCap int
	logger   *slog.Logger
	observer Observer

	run      atomic.Pointer[runState]
	live     atomic.Int32
	stopOnce sync.Once
	stopErr  error
}

// New creates an empty orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		head:      -1,
		output:    -1,
		direction: -1,
		hotword:   -1,
		queueCap:  DefaultQueueCapacity,
		logger:    slog.Default(),
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) addLocked(s *slot) int {
	o.slots = append(o.slots, s)
	return len(o.slots) - 1
}

// chainLocked validates the chain and returns slot indices from head to tail.
func (o *Orchestrator) chainLocked() ([]int, error) {
	if o.head < 0 {
		return nil, ErrNoHead
	}
	order := make([]int, 0, len(o.slots))
	for i := o.head; i >= 0; i = o.slots[i].down {
		order = append(order, i)
	}
	if len(order) != len(o.slots) {
		return nil, fmt.Errorf("%w: %d of %d nodes reachable from head", ErrNotInChain, len(order), len(o.slots))
	}
	return order, nil
}

// Start opens every node from head to tail, negotiating formats along the
// way, then launches one worker goroutine per node. If stop is nil a private
// token is created; it still fires on Stop.
//
// On error every node that was opened is closed again and the orchestrator
// may be started again once the cause is fixed. After a successful Start a
// second call returns ErrAlreadyStarted.
func (o *Orchestrator) Start(stop *StopToken) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return ErrAlreadyStarted
	}
	order, err := o.chainLocked()
	if err != nil {
		return err
	}
	output := o.output
	if output < 0 {
		output = order[len(order)-1]
	}
	if o.hotword >= 0 && position(order, o.hotword) > position(order, output) {
		return fmt.Errorf("%w: %q after %q", ErrHotwordDownstream, o.slots[o.hotword].node.Name(), o.slots[output].node.Name())
	}
	if stop == nil {
		stop = NewStopToken()
	}

	ctx, cancel := context.WithCancel(context.Background())
	format, err := o.openLocked(ctx, order)
	if err != nil {
		cancel()
		return err
	}
	o.started = true

	rs := &runState{
		stop:   stop,
		cancel: cancel,
		order:  order,
		queues: make([]chan audio.Frame, len(o.slots)),
		outQ:   make(chan audio.Frame, o.queueCap),
		done:   make(chan struct{}),
	}
	for _, idx := range order {
		if o.slots[idx].down >= 0 {
			rs.queues[idx] = make(chan audio.Frame, o.queueCap)
		} else if idx == output {
			rs.queues[idx] = rs.outQ
		}
	}
	rs.format = format[output]

	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range order {
		s := o.slots[idx]
		var in chan audio.Frame
		if s.up >= 0 {
			in = rs.queues[s.up]
		}
		var next, tap chan audio.Frame
		if s.down >= 0 {
			next = rs.queues[idx]
		}
		if idx == output {
			tap = rs.outQ
		}
		w := &worker{o: o, s: s, stop: stop, in: in, next: next, tap: tap}
		o.live.Add(1)
		g.Go(func() error {
			defer o.live.Add(-1)
			defer w.closeOutputs()
			return w.run(gctx)
		})
	}

	go func() {
		select {
		case <-stop.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	go func() {
		rs.err = g.Wait()
		cancel()
		close(rs.done)
	}()

	o.run.Store(rs)
	o.logger.Info("pipeline started",
		"nodes", len(order),
		"output", o.slots[output].node.Name(),
		"format", rs.format.String(),
		"queue_capacity", o.queueCap,
	)
	return nil
}

// openLocked opens nodes head to tail and returns the negotiated format per
// slot index. On failure the nodes opened so far are closed in order.
func (o *Orchestrator) openLocked(ctx context.Context, order []int) (map[int]audio.Format, error) {
	formats := make(map[int]audio.Format, len(order))
	var in audio.Format
	for n, idx := range order {
		s := o.slots[idx]
		var (
			f   audio.Format
			err error
		)
		if s.src != nil {
			f, err = s.src.Open(ctx)
		} else {
			f, err = s.proc.Open(ctx, in)
		}
		if err == nil && !f.IsValid() {
			err = fmt.Errorf("invalid output format %s", f)
		}
		if err != nil {
			openErr := fmt.Errorf("pipeline: open %q: %w", s.node.Name(), err)
			return nil, errors.Join(openErr, o.closeNodes(order[:n]))
		}
		o.logger.Debug("pipeline node opened", "node", s.node.Name(), "in", in.String(), "out", f.String())
		formats[idx] = f
		in = f
	}
	return formats, nil
}

func (o *Orchestrator) closeNodes(order []int) error {
	var errs []error
	for _, idx := range order {
		s := o.slots[idx]
		var err error
		if s.src != nil {
			err = s.src.Close()
		} else {
			err = s.proc.Close()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("pipeline: close %q: %w", s.node.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func position(order []int, idx int) int {
	for i, v := range order {
		if v == idx {
			return i
		}
	}
	return -1
}

// DetectHotword blocks until the next output block is available and returns
// it together with the detected hotword index.
//
// It returns ErrStopped once the stop token has fired, io.EOF after a finite
// source is exhausted and every queued block has been delivered, the wrapped
// node error if a node failed, or ctx.Err() if ctx ends first.
func (o *Orchestrator) DetectHotword(ctx context.Context) (Detection, error) {
	rs := o.run.Load()
	if rs == nil {
		return Detection{}, ErrNotStarted
	}
	if rs.stop.Stopped() {
		return Detection{}, ErrStopped
	}
	select {
	case f, ok := <-rs.outQ:
		if !ok {
			return Detection{}, rs.finish()
		}
		return detection(f), nil
	case <-rs.stop.Done():
		return Detection{}, ErrStopped
	case <-ctx.Done():
		return Detection{}, ctx.Err()
	}
}

func detection(f audio.Frame) Detection {
	return Detection{
		Data:       f.Data,
		Hotword:    f.Hotword,
		Seq:        f.Seq,
		Direction:  f.Direction,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
	}
}

// Stop fires the stop token, waits for every worker to exit, drains all
// queues and closes the nodes head to tail. Only the first call does work;
// later calls return the first call's result.
func (o *Orchestrator) Stop() error {
	rs := o.run.Load()
	if rs == nil {
		return ErrNotStarted
	}
	o.stopOnce.Do(func() {
		start := time.Now()
		rs.stop.Stop()
		rs.cancel()
		<-rs.done
		dropped := 0
		for _, q := range rs.queues {
			if q != nil && q != rs.outQ {
				dropped += audio.Drain(q)
			}
		}
		dropped += audio.Drain(rs.outQ)
		o.stopErr = o.closeNodes(rs.order)
		o.logger.Info("pipeline stopped",
			"dropped_frames", dropped,
			"duration", time.Since(start),
			"run_err", rs.err,
		)
	})
	return o.stopErr
}

// Done returns a channel closed when every worker has exited, or nil before
// Start.
func (o *Orchestrator) Done() <-chan struct{} {
	if rs := o.run.Load(); rs != nil {
		return rs.done
	}
	return nil
}

// Running returns the number of worker goroutines currently alive.
func (o *Orchestrator) Running() int { return int(o.live.Load()) }

// NumOutputChannels returns the channel count of the output node, or 0
// before Start.
func (o *Orchestrator) NumOutputChannels() int {
	if rs := o.run.Load(); rs != nil {
		return rs.format.Channels
	}
	return 0
}

// OutputRate returns the sample rate of the output node, or 0 before Start.
func (o *Orchestrator) OutputRate() int {
	if rs := o.run.Load(); rs != nil {
		return rs.format.SampleRate
	}
	return 0
}

// OutputFormat returns the negotiated output format, zero before Start.
func (o *Orchestrator) OutputFormat() audio.Format {
	if rs := o.run.Load(); rs != nil {
		return rs.format
	}
	return audio.Format{}
}

func (o *Orchestrator) roleSlot(idx *int) *slot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if *idx < 0 {
		return nil
	}
	return o.slots[*idx]
}

// Direction returns the direction manager's current direction, or
// [audio.DirectionUnknown] when none is registered.
func (o *Orchestrator) Direction() int {
	s := o.roleSlot(&o.direction)
	if s == nil {
		return audio.DirectionUnknown
	}
	return s.dir.Direction()
}

// SetDirection forwards deg to the direction manager. It may be called before
// Start; the node applies the value when it opens.
func (o *Orchestrator) SetDirection(deg int) error {
	s := o.roleSlot(&o.direction)
	if s == nil {
		return ErrNoDirectionNode
	}
	if err := s.dir.SetDirection(deg); err != nil {
		return fmt.Errorf("pipeline: set direction on %q: %w", s.node.Name(), err)
	}
	return nil
}

// Rearm returns the hotword detector to its scoring state. It is a no-op
// without a registered detector.
func (o *Orchestrator) Rearm() {
	if s := o.roleSlot(&o.hotword); s != nil {
		s.hot.Rearm()
	}
}

// QueueStat is the depth of one node's output queue.
type QueueStat struct {
	Node  string `json:"node"`
	Depth int    `json:"depth"`
}

// QueueDepths returns the output queue depth of every node in chain order.
// It never blocks and returns nil before Start.
func (o *Orchestrator) QueueDepths() []QueueStat {
	rs := o.run.Load()
	if rs == nil {
		return nil
	}
	out := make([]QueueStat, 0, len(rs.order))
	for _, idx := range rs.order {
		d := 0
		if q := rs.queues[idx]; q != nil {
			d = len(q)
		}
		out = append(out, QueueStat{Node: o.slots[idx].node.Name(), Depth: d})
	}
	return out
}

// worker drives a single node.
type worker struct {
	o    *Orchestrator
	s    *slot
	stop *StopToken
	in   <-chan audio.Frame
	next chan audio.Frame
	tap  chan audio.Frame
}

func (w *worker) run(ctx context.Context) error {
	name := w.s.node.Name()
	for {
		if w.stop.Stopped() {
			return nil
		}
		var (
			f   audio.Frame
			err error
		)
		start := time.Now()
		if w.s.src != nil {
			f, err = w.s.src.Read(ctx)
			if errors.Is(err, io.EOF) {
				w.o.logger.Info("pipeline source exhausted", "node", name)
				return nil
			}
		} else {
			var ok bool
			select {
			case <-ctx.Done():
				return nil
			case f, ok = <-w.in:
				if !ok {
					return nil
				}
			}
			start = time.Now()
			f, err = w.s.proc.Process(ctx, f)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.o.observer.NodeError(name, err)
			w.o.logger.Error("pipeline node failed", "node", name, "seq", f.Seq, "err", err)
			return fmt.Errorf("pipeline: node %q: %w", name, err)
		}
		w.o.observer.FrameProcessed(name, time.Since(start))
		if !w.emit(ctx, f) {
			return nil
		}
	}
}

// emit hands f downstream. When the node is both the output node and feeds
// another node, the output queue receives a copy.
func (w *worker) emit(ctx context.Context, f audio.Frame) bool {
	if w.tap != nil {
		out := f
		if w.next != nil {
			out = f.Clone()
		}
		if !send(ctx, w.tap, out) {
			return false
		}
	}
	if w.next != nil {
		return send(ctx, w.next, f)
	}
	return true
}

func send(ctx context.Context, ch chan<- audio.Frame, f audio.Frame) bool {
	select {
	case ch <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *worker) closeOutputs() {
	if w.next != nil {
		close(w.next)
	}
	if w.tap != nil {
		close(w.tap)
	}
}
