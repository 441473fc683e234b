package beamform

import (
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/MrWong99/micarray/pkg/audio"
	"github.com/MrWong99/micarray/pkg/audio/wav"
)

// Debug dump file names, created in the configured debug directory.
const (
	DebugInputFile  = "beamform_in.wav"
	DebugOutputFile = "beamform_out.wav"
)

// debugDump writes the node's input and output to WAV files. A write failure
// is logged once and disables the affected file; it never fails processing.
type debugDump struct {
	logger *slog.Logger
	inW    *wav.Writer
	outW   *wav.Writer
	warned bool
}

func openDebugDump(dir string, in, out audio.Format, logger *slog.Logger) *debugDump {
	d := &debugDump{logger: logger}
	var err error
	if d.inW, err = wav.Create(filepath.Join(dir, DebugInputFile), in); err != nil {
		d.fail("open input", err)
	}
	if d.outW, err = wav.Create(filepath.Join(dir, DebugOutputFile), out); err != nil {
		d.fail("open output", err)
	}
	return d
}

func (d *debugDump) fail(op string, err error) {
	if d.warned {
		return
	}
	d.warned = true
	d.logger.Warn("beamform debug dump disabled", "op", op, "err", err)
}

func (d *debugDump) in(f audio.Frame) {
	if d.inW == nil {
		return
	}
	if err := d.inW.WriteFrame(f); err != nil {
		d.fail("write input", err)
		_ = d.inW.Close()
		d.inW = nil
	}
}

func (d *debugDump) out(f audio.Frame) {
	if d.outW == nil {
		return
	}
	if err := d.outW.WriteFrame(f); err != nil {
		d.fail("write output", err)
		_ = d.outW.Close()
		d.outW = nil
	}
}

func (d *debugDump) close() error {
	var errs []error
	if d.inW != nil {
		errs = append(errs, d.inW.Close())
	}
	if d.outW != nil {
		errs = append(errs, d.outW.Close())
	}
	return errors.Join(errs...)
}
