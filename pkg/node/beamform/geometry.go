package beamform

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// SpeedOfSound in metres per second.
const SpeedOfSound = 343.0

// ErrUnknownMicType is returned by [ParseMicType] for unrecognised names.
var ErrUnknownMicType = errors.New("beamform: unknown mic type")

// MicType identifies a supported microphone array layout.
type MicType int

const (
	Circular6Mic7Beam MicType = iota + 1
	Linear6Mic8Beam
	Linear4Mic1Beam
	Circular4Mic9Beam
)

var micTypeNames = map[MicType]string{
	Circular6Mic7Beam: "CIRCULAR_6MIC_7BEAM",
	Linear6Mic8Beam:   "LINEAR_6MIC_8BEAM",
	Linear4Mic1Beam:   "LINEAR_4MIC_1BEAM",
	Circular4Mic9Beam: "CIRCULAR_4MIC_9BEAM",
}

// ParseMicType maps a layout name such as "CIRCULAR_6MIC_7BEAM" to its
// MicType. Matching ignores case and surrounding whitespace.
func ParseMicType(s string) (MicType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for mt, n := range micTypeNames {
		if n == name {
			return mt, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMicType, s)
}

// MicTypeNames returns every valid layout name.
func MicTypeNames() []string {
	return []string{
		micTypeNames[Circular6Mic7Beam],
		micTypeNames[Linear6Mic8Beam],
		micTypeNames[Linear4Mic1Beam],
		micTypeNames[Circular4Mic9Beam],
	}
}

func (m MicType) String() string {
	if n, ok := micTypeNames[m]; ok {
		return n
	}
	return fmt.Sprintf("MicType(%d)", int(m))
}

// IsValid reports whether m is a known layout.
func (m MicType) IsValid() bool {
	_, ok := micTypeNames[m]
	return ok
}

// Geometry describes the physical layout of an array and the channel layout
// of its capture stream.
type Geometry struct {
	// Mics holds x/y positions in metres relative to the array centre. Mic i
	// is capture channel i.
	Mics [][2]float64

	// Channels is the capture channel count including loopback references.
	Channels int

	// Refs lists the capture channels that carry the playback loopback.
	Refs []int

	// MaxBeams is the largest supported beam count.
	MaxBeams int

	// Linear arrays only resolve directions in [0, 180].
	Linear bool
}

// Geometry returns the layout for m. It panics for invalid values; use
// ParseMicType to obtain m.
func (m MicType) Geometry() Geometry {
	switch m {
	case Circular6Mic7Beam:
		return Geometry{Mics: circular(6, 0.0463), Channels: 8, Refs: []int{6, 7}, MaxBeams: 7}
	case Linear6Mic8Beam:
		return Geometry{Mics: linear(6, 0.04), Channels: 8, Refs: []int{6, 7}, MaxBeams: 8, Linear: true}
	case Linear4Mic1Beam:
		return Geometry{Mics: linear(4, 0.04), Channels: 6, Refs: []int{4, 5}, MaxBeams: 1, Linear: true}
	case Circular4Mic9Beam:
		return Geometry{Mics: circular(4, 0.032), Channels: 4, MaxBeams: 9}
	}
	panic(fmt.Sprintf("beamform: geometry of invalid %s", m))
}

func circular(n int, radius float64) [][2]float64 {
	out := make([][2]float64, n)
	for i := range out {
		a := 2 * math.Pi * float64(i) / float64(n)
		out[i] = [2]float64{radius * math.Cos(a), radius * math.Sin(a)}
	}
	return out
}

func linear(n int, spacing float64) [][2]float64 {
	out := make([][2]float64, n)
	for i := range out {
		out[i] = [2]float64{(float64(i) - float64(n-1)/2) * spacing, 0}
	}
	return out
}

// aperture returns the largest distance of any mic from the centre.
func (g Geometry) aperture() float64 {
	var r float64
	for _, p := range g.Mics {
		r = max(r, math.Hypot(p[0], p[1]))
	}
	return r
}

// arrivalDelay returns the arrival time of a plane wave from direction deg at
// mic m relative to the array centre, in samples. Mics closer to the source
// hear it earlier, so their delay is negative.
func (g Geometry) arrivalDelay(m int, deg float64, rate int) float64 {
	rad := deg * math.Pi / 180
	p := g.Mics[m]
	return -(p[0]*math.Cos(rad) + p[1]*math.Sin(rad)) / SpeedOfSound * float64(rate)
}
