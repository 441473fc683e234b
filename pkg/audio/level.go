package audio

import "math"

// SilenceDBFS is the level reported for an all-zero buffer.
const SilenceDBFS = -96.0

// RMS returns the root-mean-square of samples normalised to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var acc float64
	for _, s := range samples {
		v := float64(s) / 32768
		acc += v * v
	}
	return math.Sqrt(acc / float64(len(samples)))
}

// DBFS converts a normalised RMS value to decibels relative to full scale.
func DBFS(rms float64) float64 {
	if rms <= 0 {
		return SilenceDBFS
	}
	db := 20 * math.Log10(rms)
	if db < SilenceDBFS {
		return SilenceDBFS
	}
	return db
}

// Channel extracts channel ch from interleaved samples.
func Channel(samples []int16, channels, ch int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		out[i] = samples[i*channels+ch]
	}
	return out
}
