package audio

import (
	"log/slog"
	"sync"
)

// FormatConverter converts frames to a target format. It logs a warning on
// the first format mismatch and validates PCM data alignment.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// Conversion order: resample first, then channel convert. Metadata other
// than the format is preserved.
func (c *FormatConverter) Convert(frame Frame) Frame {
	if frame.Channels <= 0 || len(frame.Data)%(2*frame.Channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: misaligned PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		out := frame
		out.Data = nil
		out.SampleRate = c.Target.SampleRate
		out.Channels = c.Target.Channels
		return out
	}

	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Info("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	pcm := frame.Data
	if frame.SampleRate != c.Target.SampleRate {
		pcm = Resample16(pcm, frame.Channels, frame.SampleRate, c.Target.SampleRate)
	}
	if frame.Channels != c.Target.Channels {
		switch {
		case frame.Channels == 1 && c.Target.Channels == 2:
			pcm = MonoToStereo(pcm)
		case c.Target.Channels == 1:
			pcm = Downmix(pcm, frame.Channels)
		default:
			pcm = SelectChannels(pcm, frame.Channels, c.Target.Channels)
		}
	}

	out := frame
	out.Data = pcm
	out.SampleRate = c.Target.SampleRate
	out.Channels = c.Target.Channels
	return out
}

// Int16s decodes little-endian PCM bytes into samples.
func Int16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Bytes encodes samples as little-endian PCM bytes.
func Bytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// Clamp16 rounds v to the nearest int16, saturating at the type limits.
func Clamp16(v float64) int16 {
	if v >= 32767 {
		return 32767
	}
	if v <= -32768 {
		return -32768
	}
	if v < 0 {
		return int16(v - 0.5)
	}
	return int16(v + 0.5)
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// Downmix averages all channels of each interleaved frame into one mono
// sample. Uses int32 accumulation and clamps to the int16 range.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			off := (i*channels + ch) * 2
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := sum / int32(channels)
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// SelectChannels keeps the first keep channels of each interleaved frame.
// If keep exceeds channels the missing channels are zero-filled.
func SelectChannels(pcm []byte, channels, keep int) []byte {
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*keep*2)
	n := min(keep, channels)
	for i := range frames {
		copy(out[i*keep*2:i*keep*2+n*2], pcm[i*channels*2:i*channels*2+n*2])
	}
	return out
}

// Deinterleave splits interleaved PCM into one float64 slice per channel.
func Deinterleave(pcm []byte, channels int) [][]float64 {
	frames := len(pcm) / (2 * channels)
	out := make([][]float64, channels)
	for ch := range out {
		out[ch] = make([]float64, frames)
	}
	for i := range frames {
		for ch := range channels {
			off := (i*channels + ch) * 2
			out[ch][i] = float64(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
	}
	return out
}

// Interleave packs per-channel float64 samples into interleaved int16 PCM,
// clamping each sample. All channels must have the same length.
func Interleave(chans [][]float64) []byte {
	if len(chans) == 0 {
		return nil
	}
	frames := len(chans[0])
	channels := len(chans)
	out := make([]byte, frames*channels*2)
	for i := range frames {
		for ch := range channels {
			s := Clamp16(chans[ch][i])
			off := (i*channels + ch) * 2
			out[off] = byte(s)
			out[off+1] = byte(s >> 8)
		}
	}
	return out
}

// Resample16 resamples interleaved 16-bit PCM with the given channel count
// from srcRate to dstRate using linear interpolation. If the rates match, the
// input is returned unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 {
		return pcm
	}
	frameBytes := 2 * channels
	if srcRate == dstRate || len(pcm) < frameBytes {
		return pcm
	}
	srcFrames := len(pcm) / frameBytes
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range channels {
			a := srcIdx*frameBytes + ch*2
			b := next*frameBytes + ch*2
			s0 := int16(pcm[a]) | int16(pcm[a+1])<<8
			s1 := int16(pcm[b]) | int16(pcm[b+1])<<8
			v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
			o := i*frameBytes + ch*2
			out[o] = byte(v)
			out[o+1] = byte(v >> 8)
		}
	}
	return out
}
