package wav_test

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/micarray/pkg/audio"
	"github.com/MrWong99/micarray/pkg/audio/wav"
)

func TestWriterHeaderAndLength(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.wav")
	format := audio.Format{SampleRate: 16000, Channels: 2}

	w, err := wav.Create(path, format)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Write(audio.Bytes([]int16{1, 2, 3, 4, 5, 6})); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.WriteFrame(audio.Frame{Data: audio.Bytes([]int16{7, 8}), SampleRate: 16000, Channels: 2}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got := w.Frames(); got != 4 {
		t.Errorf("Frames = %d, want 4", got)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 44+16 {
		t.Errorf("file size = %d, want %d", info.Size(), 44+16)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE magic: %q", raw[:12])
	}
	dataSize := uint32(raw[40]) | uint32(raw[41])<<8 | uint32(raw[42])<<16 | uint32(raw[43])<<24
	if dataSize != 16 {
		t.Errorf("data chunk size = %d, want 16", dataSize)
	}
}

func TestWriterRejectsMisalignedAndClosed(t *testing.T) {
	t.Parallel()
	w, err := wav.Create(filepath.Join(t.TempDir(), "x.wav"), audio.Format{SampleRate: 16000, Channels: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Write([]byte{1, 2}); err == nil {
		t.Error("expected error for misaligned write")
	}
	if err := w.WriteFrame(audio.Frame{Data: []byte{0, 0}, SampleRate: 16000, Channels: 1}); err == nil {
		t.Error("expected error for mismatched frame format")
	}
	_ = w.Close()
	if _, err := w.Write([]byte{0, 0, 0, 0}); !errors.Is(err, wav.ErrClosed) {
		t.Errorf("Write after Close error = %v, want ErrClosed", err)
	}
}

func TestCreateInvalid(t *testing.T) {
	t.Parallel()
	if _, err := wav.Create(filepath.Join(t.TempDir(), "x.wav"), audio.Format{}); err == nil {
		t.Error("expected error for zero format")
	}
	if _, err := wav.Create(filepath.Join(t.TempDir(), "missing", "x.wav"), audio.Format{SampleRate: 16000, Channels: 1}); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestReaderBlocks(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "in.wav")
	format := audio.Format{SampleRate: 16000, Channels: 3}
	w, err := wav.Create(path, format)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Five frames; blocks of two leave a short final block.
	samples := make([]int16, 5*3)
	for i := range samples {
		samples[i] = int16(i + 1)
	}
	if _, err := w.Write(audio.Bytes(samples)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := wav.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if r.Format() != format {
		t.Fatalf("Format = %s, want %s", r.Format(), format)
	}
	if r.Frames() != 5 {
		t.Fatalf("Frames = %d, want 5", r.Frames())
	}

	var got []int16
	var sizes []int
	for {
		b, err := r.ReadBlock(2)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadBlock: %v", err)
		}
		sizes = append(sizes, len(b)/6)
		got = append(got, audio.Int16s(b)...)
	}
	if len(sizes) != 3 || sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Errorf("block sizes = %v, want [2 2 1]", sizes)
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}

	if err := r.Rewind(); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	b, err := r.ReadBlock(1)
	if err != nil {
		t.Fatalf("ReadBlock after Rewind: %v", err)
	}
	if first := audio.Int16s(b); first[0] != 1 || first[2] != 3 {
		t.Errorf("first frame after Rewind = %v, want [1 2 3]", first)
	}
}

func TestOpenMissing(t *testing.T) {
	t.Parallel()
	if _, err := wav.Open(filepath.Join(t.TempDir(), "nope.wav")); err == nil {
		t.Error("expected error for missing file")
	}
}
