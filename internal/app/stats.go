package app

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/micarray/pkg/pipeline"
)

// Stats collects per-node block latencies and counters for the periodic
// diagnostics log. It keeps a bounded ring buffer of recent latencies per
// node from which percentiles are computed on demand.
//
// Stats implements [pipeline.Observer] and is safe for concurrent use.
type Stats struct {
	mu     sync.Mutex
	window int
	order  []string
	nodes  map[string]*nodeStats
}

type nodeStats struct {
	lat    latencyBuffer
	frames int64
	errors int64
}

// NewStats creates a Stats retaining at most windowSize latency samples per
// node.
func NewStats(windowSize int) *Stats {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &Stats{window: windowSize, nodes: make(map[string]*nodeStats)}
}

func (s *Stats) node(name string) *nodeStats {
	ns, ok := s.nodes[name]
	if !ok {
		ns = &nodeStats{lat: newLatencyBuffer(s.window)}
		s.nodes[name] = ns
		s.order = append(s.order, name)
	}
	return ns
}

// FrameProcessed records one block handled by node.
func (s *Stats) FrameProcessed(node string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.node(node)
	ns.frames++
	ns.lat.add(d)
}

// NodeError records a node failure.
func (s *Stats) NodeError(node string, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.node(node).errors++
}

// NodeSnapshot is a point-in-time view of one node.
type NodeSnapshot struct {
	Node   string        `json:"node"`
	Frames int64         `json:"frames"`
	Errors int64         `json:"errors"`
	P50    time.Duration `json:"p50"`
	P95    time.Duration `json:"p95"`
}

// Snapshot returns every node seen so far in first-seen order.
func (s *Stats) Snapshot() []NodeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NodeSnapshot, 0, len(s.order))
	for _, name := range s.order {
		ns := s.nodes[name]
		p50, p95 := ns.lat.percentiles()
		out = append(out, NodeSnapshot{
			Node:   name,
			Frames: ns.frames,
			Errors: ns.errors,
			P50:    p50,
			P95:    p95,
		})
	}
	return out
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{data: make([]time.Duration, size)}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos >= len(lb.data) {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() (p50, p95 time.Duration) {
	n := lb.pos
	if lb.full {
		n = len(lb.data)
	}
	if n == 0 {
		return 0, 0
	}
	sorted := slices.Clone(lb.data[:n])
	slices.Sort(sorted)
	return percentile(sorted, 0.50), percentile(sorted, 0.95)
}

// percentile returns the nearest-rank value at p (0.0-1.0) of a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}

// observers fans notifications out to several observers.
type observers []pipeline.Observer

func (o observers) FrameProcessed(node string, d time.Duration) {
	for _, obs := range o {
		obs.FrameProcessed(node, d)
	}
}

func (o observers) NodeError(node string, err error) {
	for _, obs := range o {
		obs.NodeError(node, err)
	}
}
