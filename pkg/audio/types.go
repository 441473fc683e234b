// Package audio defines the frame type that flows between pipeline nodes and
// the PCM helpers shared by collectors, processors and sinks.
//
// All PCM in this module is interleaved little-endian signed 16-bit. A frame
// carries one block of audio (typically 8 ms) for every channel.
package audio

import (
	"fmt"
	"time"
)

// DirectionUnknown is the [Frame.Direction] value used before any
// direction-of-arrival estimate exists.
const DirectionUnknown = -1

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// IsValid reports whether both fields are positive.
func (f Format) IsValid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// SamplesPerBlock returns the number of samples per channel in a block of
// blockMs milliseconds.
func (f Format) SamplesPerBlock(blockMs int) int {
	return f.SampleRate * blockMs / 1000
}

// BytesPerBlock returns the size in bytes of an interleaved int16 block of
// blockMs milliseconds.
func (f Format) BytesPerBlock(blockMs int) int {
	return f.SamplesPerBlock(blockMs) * f.Channels * 2
}

// String returns a human-readable form such as "16000Hz 6ch".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Frame is a single block of audio handed from one pipeline node to the next.
//
// Ownership of Data moves with the frame: once a node has sent a frame
// downstream it must not read or write Data again.
type Frame struct {
	// Data is interleaved little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (16000 for every processing stage in this module).
	SampleRate int

	// Channels in Data. Collectors emit the raw microphone + loopback count,
	// the beamformer emits one channel per beam.
	Channels int

	// Seq is assigned by the collector and increases by one per block. It is
	// preserved by every downstream node.
	Seq uint64

	// Timestamp marks the start of the block relative to stream start.
	Timestamp time.Duration

	// Direction is the direction of arrival in degrees [0, 360), or
	// [DirectionUnknown].
	Direction int

	// Hotword is the 1-based keyword index detected on this block, 0 if none.
	Hotword int
}

// Format returns the frame's sample rate and channel count.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Samples returns the number of samples per channel in the frame.
func (f Frame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (2 * f.Channels)
}

// Clone returns a copy of f with its own Data buffer.
func (f Frame) Clone() Frame {
	c := f
	c.Data = make([]byte, len(f.Data))
	copy(c.Data, f.Data)
	return c
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
