// Package kws implements the keyword-spotting node that ends a
// microphone-array chain.
//
// The node feeds channel 0 of every block (the primary beam) to a keyword
// spotter in the spotter's native frame length, optionally behind automatic
// gain control and a voice activity gate, and tags the block on which a
// keyword ends with its 1-based index. Audio is always forwarded unchanged
// apart from AGC gain.
//
// Detection follows a small state machine:
//
//	IDLE -> ARMED -> DETECTED -> COOLDOWN -> ARMED
//
// IDLE lasts until the first full spotter frame is buffered. A detection in
// ARMED moves to DETECTED; with automatic state transfer the node passes
// through COOLDOWN (ignoring triggers for CooldownBlocks) back to ARMED,
// otherwise it stays DETECTED until [Node.Rearm].
package kws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/micarray/pkg/audio"
	"github.com/MrWong99/micarray/pkg/pipeline"
	kwsprovider "github.com/MrWong99/micarray/pkg/provider/kws"
	"github.com/MrWong99/micarray/pkg/provider/vad"
)

// DefaultName is the node name used in logs and diagnostics.
const DefaultName = "kws"

// ErrRateMismatch is returned by Open when the upstream sample rate differs
// from the spotter's.
var ErrRateMismatch = errors.New("kws: sample rate mismatch")

// State is the detection state of a [Node].
type State int

const (
	StateIdle State = iota
	StateArmed
	StateDetected
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateArmed:
		return "ARMED"
	case StateDetected:
		return "DETECTED"
	case StateCooldown:
		return "COOLDOWN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds the node's construction parameters.
type Config struct {
	// ResourcePath is the spotter's shared resource file. Used by
	// [NewWithEngine]; informational otherwise.
	ResourcePath string

	// ModelPath lists keyword model files separated by commas. Used by
	// [NewWithEngine]; informational otherwise.
	ModelPath string

	// Keywords lists engine built-in keywords. Used by [NewWithEngine].
	Keywords []string

	// Sensitivity in [0, 1] applied to every keyword.
	Sensitivity float64

	// UnderclockingCount is the number of blocks between refreshes of the
	// reported direction from upstream frames. 0 and 1 refresh every block.
	UnderclockingCount int

	// EnableAGC applies automatic gain control before spotting.
	EnableAGC bool

	// EnableKWS enables the spotter. When false the node forwards audio with
	// hotword index 0.
	EnableKWS bool

	// CooldownBlocks is the number of blocks after a detection during which
	// further triggers are ignored.
	CooldownBlocks int
}

// ModelPaths splits ModelPath into its entries.
func (c Config) ModelPaths() []string {
	var out []string
	for p := range strings.SplitSeq(c.ModelPath, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

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

// WithVAD gates the spotter on voice activity. The session is created on the
// first block; SampleRate and FrameSizeMs are filled in from the stream when
// zero.
func WithVAD(eng vad.Engine, cfg vad.Config) Option {
	return func(n *Node) {
		n.vadEngine = eng
		n.vadCfg = cfg
	}
}

// WithDirectionTarget forwards Direction and SetDirection to p, normally the
// upstream beamformer.
func WithDirectionTarget(p pipeline.DirectionProvider) Option {
	return func(n *Node) { n.target = p }
}

// WithAGCLevel sets the initial AGC target level (see [ClampAGCLevel]).
func WithAGCLevel(level int) Option {
	return func(n *Node) { n.agc.SetTargetLevel(level) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// Node is the keyword-spotting pipeline node. Control methods are safe for
// concurrent use with the pipeline worker.
type Node struct {
	name      string
	cfg       Config
	spotter   kwsprovider.Spotter
	agc       *AGC
	vadEngine vad.Engine
	vadCfg    vad.Config
	target    pipeline.DirectionProvider
	logger    *slog.Logger

	mu           sync.Mutex
	state        State
	autoRearm    bool
	direction    int
	cooldown     int
	detections   int
	justDetected bool

	// Worker state.
	buf      []int16
	blocks   uint64
	session  vad.SessionHandle
	speaking bool
}

// New creates a keyword-spotting node around spotter. spotter may be nil
// only when cfg.EnableKWS is false; the node takes ownership and closes it.
func New(spotter kwsprovider.Spotter, cfg Config, opts ...Option) (*Node, error) {
	if cfg.EnableKWS && spotter == nil {
		return nil, errors.New("kws: keyword spotting enabled without a spotter")
	}
	if cfg.Sensitivity < 0 || cfg.Sensitivity > 1 {
		return nil, fmt.Errorf("kws: sensitivity %v outside [0, 1]", cfg.Sensitivity)
	}
	if cfg.CooldownBlocks < 0 || cfg.UnderclockingCount < 0 {
		return nil, errors.New("kws: negative cooldown or underclocking count")
	}
	n := &Node{
		name:      DefaultName,
		cfg:       cfg,
		agc:       NewAGC(DefaultAGCLevel),
		logger:    slog.Default(),
		autoRearm: true,
		direction: audio.DirectionUnknown,
	}
	if cfg.EnableKWS {
		n.spotter = spotter
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// NewWithEngine creates the spotter from eng using cfg's resource and model
// paths and sensitivity, then wraps it in a node. It fails when no model is
// configured.
func NewWithEngine(eng kwsprovider.Engine, cfg Config, accessKey string, opts ...Option) (*Node, error) {
	if !cfg.EnableKWS {
		return New(nil, cfg, opts...)
	}
	sp, err := eng.NewSpotter(kwsprovider.Config{
		ResourcePath: cfg.ResourcePath,
		ModelPaths:   cfg.ModelPaths(),
		Keywords:     cfg.Keywords,
		Sensitivity:  cfg.Sensitivity,
		AccessKey:    accessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("kws: create spotter: %w", err)
	}
	n, err := New(sp, cfg, opts...)
	if err != nil {
		return nil, errors.Join(err, sp.Close())
	}
	return n, nil
}

func (n *Node) Name() string { return n.name }

// State returns the current detection state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Detections returns the number of keywords detected so far.
func (n *Node) Detections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.detections
}

// DisableAutoStateTransfer keeps the node in DETECTED after a detection
// until Rearm is called.
func (n *Node) DisableAutoStateTransfer() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.autoRearm = false
}

// Rearm returns the node to ARMED after a detection.
func (n *Node) Rearm() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateDetected || n.state == StateCooldown {
		n.state = StateArmed
		n.cooldown = 0
	}
}

// SetAgcTargetLevelDbfs sets the AGC target to -level dBFS. Out of range
// values are clamped with [ClampAGCLevel].
func (n *Node) SetAgcTargetLevelDbfs(level int) {
	n.agc.SetTargetLevel(level)
}

// AGC returns the node's gain control.
func (n *Node) AGC() *AGC { return n.agc }

// Direction returns the direction of the direction target if one is set,
// otherwise the direction latched from upstream frames.
func (n *Node) Direction() int {
	if n.target != nil {
		return n.target.Direction()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.direction
}

// SetDirection forwards to the direction target. Without one it only
// overrides the reported direction until the next refresh.
func (n *Node) SetDirection(deg int) error {
	if n.target != nil {
		return n.target.SetDirection(deg)
	}
	if deg != audio.DirectionUnknown && (deg < 0 || deg >= 360) {
		return fmt.Errorf("kws: invalid direction %d", deg)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.direction = deg
	return nil
}

func (n *Node) Open(_ context.Context, in audio.Format) (audio.Format, error) {
	if n.spotter != nil && n.spotter.SampleRate() != in.SampleRate {
		return audio.Format{}, fmt.Errorf("%w: stream %d Hz, spotter %d Hz", ErrRateMismatch, in.SampleRate, n.spotter.SampleRate())
	}
	n.buf = n.buf[:0]
	n.blocks = 0
	n.mu.Lock()
	n.state = StateIdle
	n.mu.Unlock()

	attrs := []any{
		"node", n.name,
		"format", in.String(),
		"kws", n.spotter != nil,
		"agc", n.cfg.EnableAGC,
		"vad", n.vadEngine != nil,
	}
	if n.spotter != nil {
		attrs = append(attrs,
			"model", n.cfg.ModelPath,
			"sensitivity", n.cfg.Sensitivity,
			"frame_length", n.spotter.FrameLength(),
		)
	}
	n.logger.Info("keyword spotter opened", attrs...)
	return in, nil
}

func (n *Node) Process(_ context.Context, f audio.Frame) (audio.Frame, error) {
	pcm := audio.Int16s(f.Data)
	if n.cfg.EnableAGC {
		n.agc.Apply(pcm, f.Channels, 0)
		f.Data = audio.Bytes(pcm)
	}
	f.Hotword = 0
	n.refreshDirection(f.Direction)

	if n.spotter == nil {
		n.tick()
		f.Direction = n.reportedDirection()
		return f, nil
	}

	mono := audio.Channel(pcm, f.Channels, 0)
	if n.vadEngine != nil {
		speaking, err := n.gate(mono, f.SampleRate)
		if err != nil {
			return f, err
		}
		if !speaking {
			n.buf = n.buf[:0]
			n.tick()
			f.Direction = n.reportedDirection()
			return f, nil
		}
	}

	n.buf = append(n.buf, mono...)
	frameLen := n.spotter.FrameLength()
	for len(n.buf) >= frameLen {
		idx, err := n.spotter.Process(n.buf[:frameLen])
		if err != nil {
			return f, fmt.Errorf("kws: spotter: %w", err)
		}
		n.buf = n.buf[:copy(n.buf, n.buf[frameLen:])]
		if n.observe(idx, f) && f.Hotword == 0 {
			f.Hotword = idx
		}
	}
	n.tick()
	f.Direction = n.reportedDirection()
	return f, nil
}

// observe advances the state machine for one spotter result and reports
// whether it counts as a detection.
func (n *Node) observe(idx int, f audio.Frame) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateIdle {
		n.state = StateArmed
	}
	if idx <= 0 || n.state != StateArmed {
		return false
	}
	n.detections++
	n.justDetected = true
	n.direction = f.Direction
	n.state = StateDetected
	if n.autoRearm {
		n.state = StateCooldown
		n.cooldown = n.cfg.CooldownBlocks
		if n.cooldown == 0 {
			n.state = StateArmed
		}
	}
	if n.session != nil {
		n.session.Reset()
	}
	n.logger.Info("hotword detected", "node", n.name, "index", idx, "seq", f.Seq, "direction", f.Direction)
	return true
}

// tick counts down the cooldown once per block. The block that triggered a
// detection does not count.
func (n *Node) tick() {
	n.blocks++
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.justDetected {
		n.justDetected = false
		return
	}
	if n.state != StateCooldown {
		return
	}
	n.cooldown--
	if n.cooldown <= 0 {
		n.state = StateArmed
	}
}

func (n *Node) refreshDirection(dir int) {
	every := uint64(max(n.cfg.UnderclockingCount, 1))
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateDetected {
		return
	}
	if n.blocks%every == 0 {
		n.direction = dir
	}
}

func (n *Node) reportedDirection() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.direction
}

func (n *Node) gate(mono []int16, rate int) (bool, error) {
	if n.session == nil {
		cfg := n.vadCfg
		if cfg.SampleRate == 0 {
			cfg.SampleRate = rate
		}
		if cfg.FrameSizeMs == 0 {
			cfg.FrameSizeMs = len(mono) * 1000 / rate
		}
		s, err := n.vadEngine.NewSession(cfg)
		if err != nil {
			return false, fmt.Errorf("kws: vad session: %w", err)
		}
		n.session = s
	}
	ev, err := n.session.ProcessFrame(audio.Bytes(mono))
	if err != nil {
		return false, fmt.Errorf("kws: vad: %w", err)
	}
	if ev.IsSpeech() != n.speaking {
		n.speaking = ev.IsSpeech()
		n.logger.Debug("vad gate", "node", n.name, "speech", n.speaking, "event", ev.Type.String())
	}
	return n.speaking, nil
}

// Close releases the spotter and the VAD session.
func (n *Node) Close() error {
	var errs []error
	if n.spotter != nil {
		errs = append(errs, n.spotter.Close())
		n.spotter = nil
	}
	if n.session != nil {
		errs = append(errs, n.session.Close())
		n.session = nil
	}
	return errors.Join(errs...)
}

var (
	_ pipeline.Processor         = (*Node)(nil)
	_ pipeline.DirectionProvider = (*Node)(nil)
	_ pipeline.HotwordDetector   = (*Node)(nil)
)
