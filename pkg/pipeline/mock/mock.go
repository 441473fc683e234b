// Package mock provides test doubles for the pipeline node interfaces.
//
// Source emits synthetic frames whose first sample encodes the frame's
// sequence number, which lets tests check ordering after any number of
// passthrough stages. Processor is a configurable passthrough; Detector adds
// the direction and hotword capabilities.
//
// Example:
//
//	src := &mock.Source{Frames: 10}
//	det := &mock.Detector{Triggers: map[uint64]int{3: 1}}
//	o := pipeline.New()
//	head, _ := pipeline.RegisterChainByHead(o, src)
//	ref, _ := pipeline.Uplink(o, det, head)
package mock

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/micarray/pkg/audio"
	"github.com/MrWong99/micarray/pkg/pipeline"
)

// DefaultFormat is the format used when Source.Format is zero.
var DefaultFormat = audio.Format{SampleRate: 16000, Channels: 1}

// SeqOf decodes the sequence number a Source encoded into frame data.
func SeqOf(data []byte) uint64 {
	if len(data) < 2 {
		return 0
	}
	return uint64(uint16(data[0]) | uint16(data[1])<<8)
}

// Source is a mock implementation of pipeline.Source.
type Source struct {
	// NameValue is returned by Name. Defaults to "mock-source".
	NameValue string

	// Format of the produced frames. Defaults to DefaultFormat.
	Format audio.Format

	// BlockMs is the block duration. Defaults to 8.
	BlockMs int

	// Frames is the number of frames produced before io.EOF. Zero means
	// unlimited.
	Frames int

	// Period paces Read calls. Zero produces frames as fast as possible.
	Period time.Duration

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// ReadErr, if non-nil, is returned by Read once ErrAfter frames have
	// been produced.
	ReadErr  error
	ErrAfter int

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	OpenCalls  atomic.Int32
	CloseCalls atomic.Int32
	ReadCalls  atomic.Int32

	seq uint64
}

func (s *Source) Name() string {
	if s.NameValue == "" {
		return "mock-source"
	}
	return s.NameValue
}

func (s *Source) format() audio.Format {
	if s.Format.IsValid() {
		return s.Format
	}
	return DefaultFormat
}

// Open records the call and returns the configured format.
func (s *Source) Open(context.Context) (audio.Format, error) {
	s.OpenCalls.Add(1)
	if s.OpenErr != nil {
		return audio.Format{}, s.OpenErr
	}
	return s.format(), nil
}

// Read returns the next synthetic frame. Sample 0 of every channel holds the
// low 16 bits of Seq; the remaining samples are zero.
func (s *Source) Read(ctx context.Context) (audio.Frame, error) {
	s.ReadCalls.Add(1)
	if s.Period > 0 {
		t := time.NewTimer(s.Period)
		select {
		case <-ctx.Done():
			t.Stop()
			return audio.Frame{}, ctx.Err()
		case <-t.C:
		}
	}
	if s.ReadErr != nil && int(s.seq) >= s.ErrAfter {
		return audio.Frame{}, s.ReadErr
	}
	if s.Frames > 0 && int(s.seq) >= s.Frames {
		return audio.Frame{}, io.EOF
	}
	blockMs := s.BlockMs
	if blockMs <= 0 {
		blockMs = 8
	}
	f := s.format()
	data := make([]byte, f.BytesPerBlock(blockMs))
	for ch := range f.Channels {
		data[ch*2] = byte(s.seq)
		data[ch*2+1] = byte(s.seq >> 8)
	}
	frame := audio.Frame{
		Data:       data,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Seq:        s.seq,
		Timestamp:  time.Duration(s.seq) * time.Duration(blockMs) * time.Millisecond,
		Direction:  audio.DirectionUnknown,
	}
	s.seq++
	return frame, nil
}

// Close records the call and returns CloseErr.
func (s *Source) Close() error {
	s.CloseCalls.Add(1)
	return s.CloseErr
}

var _ pipeline.Source = (*Source)(nil)

// Processor is a mock implementation of pipeline.Processor that forwards
// frames unchanged.
type Processor struct {
	// NameValue is returned by Name. Defaults to "mock-processor".
	NameValue string

	// OutFormat, if valid, replaces the negotiated format.
	OutFormat audio.Format

	// Delay is slept inside every Process call.
	Delay time.Duration

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// ProcessErr, if non-nil, is returned by Process for the frame with
	// sequence number ErrAtSeq.
	ProcessErr error
	ErrAtSeq   uint64

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	mu         sync.Mutex
	InFormat   audio.Format
	Seqs       []uint64
	OpenCalls  atomic.Int32
	CloseCalls atomic.Int32
}

func (p *Processor) Name() string {
	if p.NameValue == "" {
		return "mock-processor"
	}
	return p.NameValue
}

// Open records in and returns OutFormat or in.
func (p *Processor) Open(_ context.Context, in audio.Format) (audio.Format, error) {
	p.OpenCalls.Add(1)
	p.mu.Lock()
	p.InFormat = in
	p.mu.Unlock()
	if p.OpenErr != nil {
		return audio.Format{}, p.OpenErr
	}
	if p.OutFormat.IsValid() {
		return p.OutFormat, nil
	}
	return in, nil
}

// Process records the frame's Seq and forwards the frame.
func (p *Processor) Process(ctx context.Context, f audio.Frame) (audio.Frame, error) {
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return f, ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	p.mu.Lock()
	p.Seqs = append(p.Seqs, f.Seq)
	p.mu.Unlock()
	if p.ProcessErr != nil && f.Seq == p.ErrAtSeq {
		return f, p.ProcessErr
	}
	if p.OutFormat.IsValid() {
		f.SampleRate = p.OutFormat.SampleRate
		f.Channels = p.OutFormat.Channels
	}
	return f, nil
}

// Processed returns a copy of the sequence numbers seen by Process.
func (p *Processor) Processed() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, len(p.Seqs))
	copy(out, p.Seqs)
	return out
}

// Close records the call and returns CloseErr.
func (p *Processor) Close() error {
	p.CloseCalls.Add(1)
	return p.CloseErr
}

var _ pipeline.Processor = (*Processor)(nil)

// Detector is a passthrough processor that implements the direction and
// hotword capabilities.
type Detector struct {
	Processor

	// Triggers maps sequence numbers to the hotword index marked on them.
	Triggers map[uint64]int

	mu        sync.Mutex
	direction int
	dirSet    bool
	rearms    int
}

func (d *Detector) Name() string {
	if d.NameValue == "" {
		return "mock-detector"
	}
	return d.NameValue
}

// Process marks frames listed in Triggers and stamps the current direction.
func (d *Detector) Process(ctx context.Context, f audio.Frame) (audio.Frame, error) {
	f, err := d.Processor.Process(ctx, f)
	if err != nil {
		return f, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx, ok := d.Triggers[f.Seq]; ok {
		f.Hotword = idx
	}
	if d.dirSet {
		f.Direction = d.direction
	}
	return f, nil
}

// Direction returns the last value passed to SetDirection, or
// audio.DirectionUnknown.
func (d *Detector) Direction() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dirSet {
		return audio.DirectionUnknown
	}
	return d.direction
}

// SetDirection stores deg.
func (d *Detector) SetDirection(deg int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.direction = deg
	d.dirSet = deg != audio.DirectionUnknown
	return nil
}

// Rearm records the call.
func (d *Detector) Rearm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rearms++
}

// Rearms returns the number of Rearm calls.
func (d *Detector) Rearms() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rearms
}

var (
	_ pipeline.Processor         = (*Detector)(nil)
	_ pipeline.DirectionProvider = (*Detector)(nil)
	_ pipeline.HotwordDetector   = (*Detector)(nil)
)
