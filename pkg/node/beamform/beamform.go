// Package beamform implements the echo-cancelling beamformer node of a
// microphone-array chain.
//
// Per block the node optionally removes loudspeaker echo from every
// microphone with an NLMS filter driven by the loopback reference channels,
// estimates the direction of arrival (GCC-PHAT over all microphone pairs),
// and steers beamCount delay-and-sum beams spread evenly around that
// direction. Beam 0 always points at the tracked or fixed direction.
//
// The output has one channel per beam at the input sample rate and lags the
// input by a fixed number of samples that depends on the array aperture.
package beamform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/MrWong99/micarray/pkg/audio"
	"github.com/MrWong99/micarray/pkg/pipeline"
)

// DefaultName is the node name used in logs and diagnostics.
const DefaultName = "beamform"

const (
	defaultAECTaps     = 64
	defaultAECStepSize = 0.5
	defaultDOAInterval = 4
)

// ErrInvalidBeamCount is returned by [New] for beam counts outside
// [1, MaxBeams] of the layout.
var ErrInvalidBeamCount = errors.New("beamform: invalid beam count")

// ErrInvalidDirection is returned by SetDirection for angles outside
// [0, 360) other than audio.DirectionUnknown.
var ErrInvalidDirection = errors.New("beamform: invalid direction")

// Option configures a [Node].
type Option func(*Node)

// WithName overrides the node name.
func WithName(name string) Option {
	return func(n *Node) {
		if name != "" {
			n.name = name
		}
	}
}

// WithDebugDir sets the directory for the debug WAV dumps. Defaults to the
// working directory.
func WithDebugDir(dir string) Option {
	return func(n *Node) { n.debugDir = dir }
}

// WithDOAInterval sets how many blocks pass between direction estimates.
func WithDOAInterval(blocks int) Option {
	return func(n *Node) {
		if blocks > 0 {
			n.doaInterval = blocks
		}
	}
}

// WithAECTaps sets the echo canceller filter length in samples.
func WithAECTaps(taps int) Option {
	return func(n *Node) {
		if taps > 0 {
			n.aecTaps = taps
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// Node is the beamforming/AEC pipeline node. Direction control methods are
// safe for concurrent use; Open, Process and Close are called by the
// pipeline worker.
type Node struct {
	name        string
	micType     MicType
	geom        Geometry
	aec         bool
	beams       int
	debug       bool
	debugDir    string
	doaInterval int
	aecTaps     int
	logger      *slog.Logger

	mu       sync.Mutex
	angle0   float64
	fixed    bool
	steer    float64 // geometry coordinates
	tracking bool    // a DOA estimate exists

	// Worker state, set up by Open.
	rate    int
	inCh    int
	block   int
	latency int
	hist    [][]float64
	ec      *echoCanceller
	doa     *doaEstimator
	blocks  uint64
	dump    *debugDump
}

// New creates a beamformer for mic layout mt producing beams output
// channels. debugWAV enables dumping the node's input and output to WAV
// files.
func New(mt MicType, enableAEC bool, beams int, debugWAV bool, opts ...Option) (*Node, error) {
	if !mt.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMicType, mt)
	}
	g := mt.Geometry()
	if beams < 1 || beams > g.MaxBeams {
		return nil, fmt.Errorf("%w: %d for %s (want 1..%d)", ErrInvalidBeamCount, beams, mt, g.MaxBeams)
	}
	n := &Node{
		name:        DefaultName,
		micType:     mt,
		geom:        g,
		aec:         enableAEC,
		beams:       beams,
		debug:       debugWAV,
		debugDir:    ".",
		doaInterval: defaultDOAInterval,
		aecTaps:     defaultAECTaps,
		logger:      slog.Default(),
	}
	if g.Linear {
		n.steer = 90
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

func (n *Node) Name() string { return n.name }

// MicType returns the configured layout.
func (n *Node) MicType() MicType { return n.micType }

// Beams returns the number of output channels.
func (n *Node) Beams() int { return n.beams }

// Latency returns the fixed output delay in samples. Valid after Open.
func (n *Node) Latency() int { return n.latency }

// SetAngleForMic0 declares that microphone 0 sits at deg degrees in the
// caller's angle convention. All directions reported and accepted by the
// node use that convention.
func (n *Node) SetAngleForMic0(deg float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.angle0 = deg
}

func wrap360(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	return d
}

// Direction returns the steering direction in degrees, or
// audio.DirectionUnknown while tracking has no estimate yet.
func (n *Node) Direction() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.fixed && !n.tracking {
		return audio.DirectionUnknown
	}
	return int(math.Round(wrap360(n.steer+n.angle0))) % 360
}

// SetDirection fixes the steering direction and suspends tracking.
// audio.DirectionUnknown resumes tracking. It may be called before Open.
func (n *Node) SetDirection(deg int) error {
	if deg == audio.DirectionUnknown {
		n.mu.Lock()
		n.fixed = false
		n.mu.Unlock()
		return nil
	}
	if deg < 0 || deg >= 360 {
		return fmt.Errorf("%w: %d", ErrInvalidDirection, deg)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fixed = true
	n.steer = wrap360(float64(deg) - n.angle0)
	return nil
}

// Open accepts either the full capture layout (microphones plus loopback
// references) or microphones only. Without reference channels AEC is
// disabled.
func (n *Node) Open(_ context.Context, in audio.Format) (audio.Format, error) {
	mics := len(n.geom.Mics)
	switch in.Channels {
	case n.geom.Channels:
	case mics:
		if n.aec && len(n.geom.Refs) > 0 {
			n.logger.Warn("beamform input has no reference channels, AEC disabled", "node", n.name, "channels", in.Channels)
		}
	default:
		return audio.Format{}, fmt.Errorf("beamform: %s expects %d or %d channels, got %d", n.micType, n.geom.Channels, mics, in.Channels)
	}
	n.rate = in.SampleRate
	n.inCh = in.Channels
	n.latency = int(math.Ceil(n.geom.aperture()/SpeedOfSound*float64(in.SampleRate))) + 1
	n.hist = make([][]float64, mics)
	for m := range n.hist {
		n.hist[m] = make([]float64, 2*n.latency+2)
	}
	if n.aec && in.Channels == n.geom.Channels && len(n.geom.Refs) > 0 {
		n.ec = newEchoCanceller(mics, n.aecTaps, defaultAECStepSize)
	}
	n.blocks = 0
	out := audio.Format{SampleRate: in.SampleRate, Channels: n.beams}
	if n.debug {
		n.dump = openDebugDump(n.debugDir, in, out, n.logger)
	}
	n.logger.Info("beamformer opened",
		"node", n.name,
		"mic_type", n.micType.String(),
		"aec", n.ec != nil,
		"beams", n.beams,
		"latency_samples", n.latency,
		"direction", n.Direction(),
	)
	return out, nil
}

// Process runs AEC, DOA and delay-and-sum on one block.
func (n *Node) Process(_ context.Context, f audio.Frame) (audio.Frame, error) {
	if f.Channels != n.inCh {
		return f, fmt.Errorf("beamform: frame has %d channels, want %d", f.Channels, n.inCh)
	}
	if n.dump != nil {
		n.dump.in(f)
	}
	chans := audio.Deinterleave(f.Data, f.Channels)
	if n.block == 0 {
		n.block = len(chans[0])
		n.doa = newDOAEstimator(n.geom, n.rate, n.block)
	}
	if n.ec != nil {
		n.ec.process(chans, n.geom.Refs)
	}

	n.mu.Lock()
	if !n.fixed && n.blocks%uint64(n.doaInterval) == 0 {
		if deg, ok := n.doa.estimate(chans); ok {
			n.steer = deg
			n.tracking = true
		}
	}
	steer := n.steer
	n.mu.Unlock()
	n.blocks++

	beams := make([][]float64, n.beams)
	span := 360.0
	if n.geom.Linear {
		span = 180
	}
	for b := range beams {
		dir := steer + float64(b)*span/float64(n.beams)
		if n.geom.Linear {
			dir = math.Mod(dir, 180)
		}
		beams[b] = n.delayAndSum(chans, dir)
	}
	n.advanceHistory(chans)

	out := f
	out.Data = audio.Interleave(beams)
	out.Channels = n.beams
	out.Direction = n.Direction()
	if n.dump != nil {
		n.dump.out(out)
	}
	return out, nil
}

// delayAndSum aligns every microphone on a plane wave from deg and averages
// them. Output sample i corresponds to input sample i-latency.
func (n *Node) delayAndSum(chans [][]float64, deg float64) []float64 {
	mics := len(n.geom.Mics)
	size := len(chans[0])
	h := len(n.hist[0])
	out := make([]float64, size)
	for m := range mics {
		shift := float64(n.latency) - n.geom.arrivalDelay(m, deg, n.rate)
		for i := range size {
			pos := float64(h+i) - shift
			i0 := int(math.Floor(pos))
			frac := pos - float64(i0)
			out[i] += n.sample(m, chans[m], i0)*(1-frac) + n.sample(m, chans[m], i0+1)*frac
		}
	}
	for i := range out {
		out[i] /= float64(mics)
	}
	return out
}

// sample indexes the concatenation of the history and the current block.
func (n *Node) sample(m int, cur []float64, idx int) float64 {
	h := n.hist[m]
	if idx < len(h) {
		if idx < 0 {
			return 0
		}
		return h[idx]
	}
	idx -= len(h)
	if idx < len(cur) {
		return cur[idx]
	}
	return 0
}

func (n *Node) advanceHistory(chans [][]float64) {
	for m, h := range n.hist {
		cur := chans[m]
		if len(cur) >= len(h) {
			copy(h, cur[len(cur)-len(h):])
			continue
		}
		copy(h, h[len(cur):])
		copy(h[len(h)-len(cur):], cur)
	}
}

// Close finalises the debug WAV files.
func (n *Node) Close() error {
	if n.dump != nil {
		err := n.dump.close()
		n.dump = nil
		return err
	}
	return nil
}

var (
	_ pipeline.Processor         = (*Node)(nil)
	_ pipeline.DirectionProvider = (*Node)(nil)
)
