// Package wav reads and writes the 16-bit PCM WAV files used for file-driven
// pipelines, recordings and beamformer debug dumps.
//
// Writing uses github.com/youpy/go-wav for the RIFF header and streams PCM
// straight to disk; the header is rewritten with the final length on Close.
// Reading uses github.com/mjibson/go-dsp/wav and hands out fixed-size blocks.
package wav

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	dspwav "github.com/mjibson/go-dsp/wav"
	gowav "github.com/youpy/go-wav"

	"github.com/MrWong99/micarray/pkg/audio"
)

// ErrUnsupportedFormat is returned by [Open] for files that are not 16-bit PCM.
var ErrUnsupportedFormat = errors.New("wav: unsupported format")

// ErrClosed is returned when writing to a closed [Writer].
var ErrClosed = errors.New("wav: writer closed")

// Writer appends interleaved 16-bit PCM to a WAV file.
// All methods are safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	format audio.Format
	frames uint32
	closed bool
}

// Create creates (or truncates) path and writes a provisional header for
// format. Samples are appended with [Writer.Write].
func Create(path string, format audio.Format) (*Writer, error) {
	if !format.IsValid() {
		return nil, fmt.Errorf("wav: create %q: invalid format %s", path, format)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wav: create %q: %w", path, err)
	}
	w := &Writer{f: f, format: format}
	if err := w.writeHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader() error {
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wav: seek header: %w", err)
	}
	// NewWriter emits the RIFF, fmt and data chunk headers immediately.
	gowav.NewWriter(w.f, w.frames, uint16(w.format.Channels), uint32(w.format.SampleRate), 16)
	if _, err := w.f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wav: seek end: %w", err)
	}
	return nil
}

// Format returns the format passed to [Create].
func (w *Writer) Format() audio.Format { return w.format }

// Frames returns the number of sample frames written so far.
func (w *Writer) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int(w.frames)
}

// Write appends raw interleaved PCM. len(pcm) must be a multiple of the
// block alignment (2 bytes per channel).
func (w *Writer) Write(pcm []byte) (int, error) {
	align := 2 * w.format.Channels
	if len(pcm)%align != 0 {
		return 0, fmt.Errorf("wav: write %d bytes: not a multiple of %d", len(pcm), align)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	n, err := w.f.Write(pcm)
	w.frames += uint32(n / align)
	return n, err
}

// WriteFrame appends frame.Data after checking the frame format.
func (w *Writer) WriteFrame(frame audio.Frame) error {
	if frame.Format() != w.format {
		return fmt.Errorf("wav: frame format %s does not match file format %s", frame.Format(), w.format)
	}
	_, err := w.Write(frame.Data)
	return err
}

// Close rewrites the header with the final length and closes the file.
// Calling Close more than once is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	herr := w.writeHeader()
	return errors.Join(herr, w.f.Close())
}

// Reader yields fixed-size blocks of interleaved 16-bit PCM from a WAV file.
type Reader struct {
	f         *os.File
	w         *dspwav.Wav
	format    audio.Format
	total     int
	remaining int
}

// Open opens a 16-bit PCM WAV file for block reads.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wav: open %q: %w", path, err)
	}
	r := &Reader{f: f}
	if err := r.reset(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("wav: open %q: %w", path, err)
	}
	return r, nil
}

func (r *Reader) reset() error {
	if _, err := r.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w, err := dspwav.New(r.f)
	if err != nil {
		return err
	}
	if w.BitsPerSample != 16 || w.NumChannels == 0 {
		return fmt.Errorf("%w: %d-bit %d channels", ErrUnsupportedFormat, w.BitsPerSample, w.NumChannels)
	}
	r.w = w
	r.format = audio.Format{SampleRate: int(w.SampleRate), Channels: int(w.NumChannels)}
	// Duration is exact to the nanosecond, so rounding recovers the frame
	// count independent of how the decoder counts samples.
	r.total = int((int64(w.Duration)*int64(w.SampleRate) + int64(time.Second)/2) / int64(time.Second))
	r.remaining = r.total
	return nil
}

// Format returns the file's sample rate and channel count.
func (r *Reader) Format() audio.Format { return r.format }

// Frames returns the total number of sample frames in the file.
func (r *Reader) Frames() int { return r.total }

// ReadBlock reads up to frames sample frames and returns them as
// interleaved PCM bytes. A short final block is returned as is; after the
// last block ReadBlock returns io.EOF.
func (r *Reader) ReadBlock(frames int) ([]byte, error) {
	if r.remaining <= 0 {
		return nil, io.EOF
	}
	n := min(frames, r.remaining)
	raw, err := r.w.ReadSamples(n * r.format.Channels)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// Header claims more data than the file holds.
			r.remaining = 0
			return nil, io.EOF
		}
		return nil, err
	}
	samples, ok := raw.([]int16)
	if !ok {
		return nil, fmt.Errorf("%w: samples of type %T", ErrUnsupportedFormat, raw)
	}
	r.remaining -= n
	return audio.Bytes(samples), nil
}

// Rewind restarts reading at the first sample.
func (r *Reader) Rewind() error {
	if err := r.reset(); err != nil {
		return fmt.Errorf("wav: rewind: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}
