// Package pipeline runs a linear chain of audio nodes, one worker goroutine
// per node, and exposes the chain's output through a blocking pull API.
//
// A chain has exactly one head, a [Source] that produces frames, followed by
// zero or more [Processor] nodes. Nodes live in an arena owned by the
// [Orchestrator]; callers refer to them through typed [Ref] handles instead of
// raw pointers. Role nodes (output, direction manager, hotword detector) are
// registered through generic functions whose constraints check the required
// capability at compile time.
//
// Typical wiring:
//
//	o := pipeline.New()
//	col, _ := pipeline.RegisterChainByHead(o, collector)
//	bf, _ := pipeline.Uplink(o, beamformer, col)
//	kw, _ := pipeline.Uplink(o, spotter, bf)
//	_ = pipeline.RegisterOutputNode(o, kw)
//	_ = pipeline.RegisterDirectionManagerNode(o, bf)
//	_ = pipeline.RegisterHotwordDetectionNode(o, kw)
//	if err := o.Start(stop); err != nil { ... }
//	for {
//	    det, err := o.DetectHotword(ctx)
//	    ...
//	}
package pipeline

import (
	"context"

	"github.com/MrWong99/micarray/pkg/audio"
)

// Node is the common interface of every chain member.
type Node interface {
	// Name identifies the node in logs, metrics and queue diagnostics.
	Name() string
}

// Source is the head of a chain. It produces frames until it is exhausted or
// the context is cancelled.
//
// The orchestrator calls Open once before any Read, then Read repeatedly from
// a single goroutine, then Close once after the worker has exited.
type Source interface {
	Node

	// Open acquires the underlying device or file and returns the format of
	// the frames Read will produce.
	Open(ctx context.Context) (audio.Format, error)

	// Read returns the next block. It must return promptly (within about one
	// block period) once ctx is cancelled. io.EOF ends the stream cleanly.
	Read(ctx context.Context) (audio.Frame, error)

	// Close releases all resources. It is called exactly once per successful
	// Open, after the last Read has returned.
	Close() error
}

// Processor transforms frames from its upstream node. Processors are
// strictly one-in one-out: every input frame yields exactly one output frame
// with the same Seq.
type Processor interface {
	Node

	// Open negotiates formats: in is the format produced by the upstream node
	// and the return value is the format this node will produce.
	Open(ctx context.Context, in audio.Format) (audio.Format, error)

	// Process transforms one frame. The processor takes ownership of
	// frame.Data and may reuse it for the result.
	Process(ctx context.Context, frame audio.Frame) (audio.Frame, error)

	// Close releases all resources. It is called exactly once per successful
	// Open, after the last Process has returned.
	Close() error
}

// DirectionProvider is the capability required of the direction manager
// node. Angles are in degrees; [audio.DirectionUnknown] means no estimate or,
// for SetDirection, "resume automatic tracking".
//
// Both methods may be called from any goroutine, before or after Start.
type DirectionProvider interface {
	Direction() int
	SetDirection(deg int) error
}

// HotwordDetector is the capability required of the hotword detection node.
// Detections travel in [audio.Frame.Hotword]; the node must be the output
// node or sit upstream of it.
//
// Rearm may be called from any goroutine.
type HotwordDetector interface {
	// Rearm returns the detector to its scoring state after a detection.
	Rearm()
}

// Detection is the result of one [Orchestrator.DetectHotword] call: one block
// of output audio and the hotword detected on it, if any.
type Detection struct {
	// Data is interleaved int16 PCM in the negotiated output format.
	Data []byte

	// Hotword is the 1-based keyword index, 0 when nothing was detected.
	Hotword int

	// Seq is the collector sequence number of the block.
	Seq uint64

	// Direction in degrees, or [audio.DirectionUnknown].
	Direction int

	SampleRate int
	Channels   int
}

// Detected reports whether a hotword was detected on the block.
func (d Detection) Detected() bool { return d.Hotword > 0 }
