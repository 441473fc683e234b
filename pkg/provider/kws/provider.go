// Package kws defines the Engine interface for keyword-spotting backends.
//
// A keyword spotter is a black box that consumes fixed-size frames of mono
// 16-bit PCM and reports which configured keyword, if any, ended on that
// frame. Model inference lives entirely behind this interface; the pipeline
// only handles buffering, gain control and detection state.
//
// Spotters are stateful and not safe for concurrent use. The keyword-spotting
// node owns exactly one Spotter and calls it from its worker goroutine.
package kws

import "errors"

// ErrNoKeywords is returned by engines when Config lists no keyword.
var ErrNoKeywords = errors.New("kws: no keyword configured")

// Config selects the keyword models to load.
type Config struct {
	// ResourcePath is the engine's shared resource or parameter file (for
	// example a Porcupine .pv params file). Empty selects the engine default.
	ResourcePath string

	// ModelPaths lists one model file per keyword. Keyword indices reported by
	// Process are 1-based positions in ModelPaths followed by Keywords.
	ModelPaths []string

	// Keywords lists built-in keyword names supported by the engine.
	Keywords []string

	// Sensitivity in [0, 1], applied to every keyword. Higher values detect
	// more readily at the cost of false alarms. Typical: 0.5.
	Sensitivity float64

	// AccessKey authenticates engines that require a license key.
	AccessKey string
}

// KeywordCount returns the number of keywords cfg configures.
func (c Config) KeywordCount() int {
	return len(c.ModelPaths) + len(c.Keywords)
}

// Spotter scores audio frames against the configured keywords.
type Spotter interface {
	// FrameLength is the number of samples Process expects per call.
	FrameLength() int

	// SampleRate is the sample rate in Hz the models were trained for.
	SampleRate() int

	// Process scores exactly FrameLength samples and returns the 1-based index
	// of the keyword detected on this frame, or 0.
	Process(pcm []int16) (int, error)

	// Close releases the engine's native resources. Calling Close more than
	// once is safe.
	Close() error
}

// Engine creates spotters. Implementations must be safe for concurrent use.
type Engine interface {
	NewSpotter(cfg Config) (Spotter, error)
}
