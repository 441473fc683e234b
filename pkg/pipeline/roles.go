package pipeline

import "fmt"

// Ref is a typed handle to a node stored in an [Orchestrator]'s arena.
// Refs are cheap to copy and only meaningful for the orchestrator that
// issued them.
type Ref[N Node] struct {
	o   *Orchestrator
	idx int
}

// Valid reports whether r was issued by a registration call.
func (r Ref[N]) Valid() bool { return r.o != nil }

// Index returns the node's position in the chain (0 is the head).
func (r Ref[N]) Index() int { return r.idx }

// Node returns the node r refers to.
func (r Ref[N]) Node() N {
	r.o.mu.Lock()
	defer r.o.mu.Unlock()
	return r.o.slots[r.idx].node.(N)
}

// RegisterChainByHead adds the chain's head. A chain has exactly one head.
func RegisterChainByHead[N Source](o *Orchestrator, node N) (Ref[N], error) {
	if any(node) == nil {
		return Ref[N]{}, fmt.Errorf("pipeline: register head: nil node")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return Ref[N]{}, ErrAlreadyStarted
	}
	if o.head >= 0 {
		return Ref[N]{}, fmt.Errorf("%w: %q", ErrHeadExists, o.slots[o.head].node.Name())
	}
	idx := o.addLocked(&slot{node: node, src: node, up: -1, down: -1})
	o.head = idx
	return Ref[N]{o: o, idx: idx}, nil
}

// Uplink adds node to the chain directly behind upstream. The chain is
// linear: upstream must not already have a downstream node.
func Uplink[N Processor, U Node](o *Orchestrator, node N, upstream Ref[U]) (Ref[N], error) {
	if any(node) == nil {
		return Ref[N]{}, fmt.Errorf("pipeline: uplink: nil node")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return Ref[N]{}, ErrAlreadyStarted
	}
	if err := o.ownsLocked(upstream.o, upstream.idx); err != nil {
		return Ref[N]{}, fmt.Errorf("pipeline: uplink %q: %w", node.Name(), err)
	}
	up := o.slots[upstream.idx]
	if up.down >= 0 {
		return Ref[N]{}, fmt.Errorf("%w: %q already feeds %q", ErrAlreadyLinked, up.node.Name(), o.slots[up.down].node.Name())
	}
	idx := o.addLocked(&slot{node: node, proc: node, up: upstream.idx, down: -1})
	up.down = idx
	return Ref[N]{o: o, idx: idx}, nil
}

// RegisterOutputNode selects the node whose frames [Orchestrator.DetectHotword]
// returns. Without a registration the chain's tail is used. The hotword
// detection node must not sit behind it; Start reports [ErrHotwordDownstream].
func RegisterOutputNode[N Node](o *Orchestrator, r Ref[N]) error {
	return o.assignRole(r.o, r.idx, func(s *slot) { o.output = r.idx })
}

// RegisterDirectionManagerNode selects the node that answers
// [Orchestrator.Direction] and [Orchestrator.SetDirection].
func RegisterDirectionManagerNode[N interface {
	Node
	DirectionProvider
}](o *Orchestrator, r Ref[N]) error {
	return o.assignRole(r.o, r.idx, func(s *slot) {
		o.direction = r.idx
		s.dir = s.node.(DirectionProvider)
	})
}

// RegisterHotwordDetectionNode selects the node that detects hotwords and
// receives [Orchestrator.Rearm] calls.
func RegisterHotwordDetectionNode[N interface {
	Node
	HotwordDetector
}](o *Orchestrator, r Ref[N]) error {
	return o.assignRole(r.o, r.idx, func(s *slot) {
		o.hotword = r.idx
		s.hot = s.node.(HotwordDetector)
	})
}

// QueueDepth returns the number of frames waiting in the queue behind the
// node r refers to. It never blocks and returns 0 before Start.
func QueueDepth[N Node](o *Orchestrator, r Ref[N]) int {
	rs := o.run.Load()
	if rs == nil || r.o != o || r.idx < 0 || r.idx >= len(rs.queues) {
		return 0
	}
	if q := rs.queues[r.idx]; q != nil {
		return len(q)
	}
	return 0
}

func (o *Orchestrator) assignRole(owner *Orchestrator, idx int, set func(*slot)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return ErrAlreadyStarted
	}
	if err := o.ownsLocked(owner, idx); err != nil {
		return fmt.Errorf("pipeline: register role: %w", err)
	}
	set(o.slots[idx])
	return nil
}

func (o *Orchestrator) ownsLocked(owner *Orchestrator, idx int) error {
	if owner != o || idx < 0 || idx >= len(o.slots) {
		return ErrNotInChain
	}
	return nil
}
