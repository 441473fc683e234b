package kws

import (
	"math"
	"sync"

	"github.com/MrWong99/micarray/pkg/audio"
)

// AGC level limits. A level L targets -L dBFS.
const (
	MaxAGCLevel     = 31
	DefaultAGCLevel = 10
)

const (
	agcMaxGainDB  = 30.0
	agcMinGainDB  = -20.0
	agcGateDBFS   = -60.0 // blocks below this hold the current gain
	agcAttackRate = 0.2   // per block, when gain must drop
	agcDecayRate  = 0.02  // per block, when gain may rise
)

// ClampAGCLevel normalises a user supplied AGC level: values beyond
// +/-MaxAGCLevel become MaxAGCLevel and negative values are sign-flipped.
func ClampAGCLevel(v int) int {
	if v > MaxAGCLevel || v < -MaxAGCLevel {
		return MaxAGCLevel
	}
	if v < 0 {
		return -v
	}
	return v
}

// AGC is a block-level automatic gain control. Gain is computed from one
// channel's level and applied to every channel, reacting quickly to loud
// input and slowly to quiet input. It is safe for concurrent use.
type AGC struct {
	mu     sync.Mutex
	target float64 // dBFS
	gainDB float64
}

// NewAGC returns an AGC targeting -level dBFS. level is clamped with
// [ClampAGCLevel].
func NewAGC(level int) *AGC {
	a := &AGC{}
	a.SetTargetLevel(level)
	return a
}

// SetTargetLevel changes the target to -level dBFS.
func (a *AGC) SetTargetLevel(level int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.target = -float64(ClampAGCLevel(level))
}

// TargetDBFS returns the current target level.
func (a *AGC) TargetDBFS() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.target
}

// GainDB returns the current gain.
func (a *AGC) GainDB() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gainDB
}

// Apply updates the gain from channel ch of the interleaved samples and
// scales all samples in place.
func (a *AGC) Apply(pcm []int16, channels, ch int) {
	level := audio.DBFS(audio.RMS(audio.Channel(pcm, channels, ch)))

	a.mu.Lock()
	if level > agcGateDBFS {
		want := min(max(a.target-level, agcMinGainDB), agcMaxGainDB)
		rate := agcDecayRate
		if want < a.gainDB {
			rate = agcAttackRate
		}
		a.gainDB += (want - a.gainDB) * rate
	}
	gain := math.Pow(10, a.gainDB/20)
	a.mu.Unlock()

	for i, s := range pcm {
		pcm[i] = audio.Clamp16(float64(s) * gain)
	}
}
