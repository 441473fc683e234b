package main

import (
	"testing"

	"github.com/spf13/cobra"

	"github.com/MrWong99/micarray/internal/config"
)

// parse builds a command with the same flag set as run and parses args.
func parse(t *testing.T, args ...string) (*cobra.Command, flags) {
	t.Helper()
	var f flags
	cmd := &cobra.Command{Use: "micarray"}
	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "")
	fl.StringVarP(&f.source, "source", "s", "", "")
	fl.StringVarP(&f.file, "file", "f", "", "")
	fl.StringVarP(&f.micType, "type", "t", "", "")
	fl.IntVarP(&f.agc, "agc", "g", 0, "")
	fl.BoolVarP(&f.wav, "wav", "w", false, "")
	fl.StringVarP(&f.output, "output", "o", "", "")
	fl.StringVarP(&f.kws, "kws", "k", "", "")
	fl.IntVarP(&f.beams, "beams", "b", 0, "")
	fl.Float64VarP(&f.angle, "angle", "a", 0, "")
	fl.BoolVar(&f.aec, "aec", false, "")
	fl.BoolVar(&f.loop, "loop", false, "")
	fl.StringVar(&f.monitor, "monitor", "", "")
	if err := fl.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return cmd, f
}

func TestApplyFlagsFileSource(t *testing.T) {
	t.Parallel()

	cmd, f := parse(t, "-f", "in.wav", "-t", "LINEAR_4MIC_1BEAM", "-b", "1", "-k", "nokws", "-w", "--loop")
	cfg := config.Default()
	applyFlags(cmd, f, cfg)

	if cfg.Source.Backend != config.SourceFile || cfg.Source.File != "in.wav" || !cfg.Source.Loop {
		t.Errorf("source = %+v", cfg.Source)
	}
	if cfg.Pipeline.MicType != "LINEAR_4MIC_1BEAM" || cfg.Pipeline.Beams != 1 {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.KWS.KeywordSet != config.NoKWS {
		t.Errorf("keyword set = %q", cfg.KWS.KeywordSet)
	}
	if cfg.Output.WAVPath != fileWAV {
		t.Errorf("output = %q, want %q", cfg.Output.WAVPath, fileWAV)
	}
	if cfg.Pipeline.DebugWAVDir != "." {
		t.Errorf("debug wav dir = %q, want . with -w", cfg.Pipeline.DebugWAVDir)
	}
	if cfg.KWS.AGC {
		t.Error("AGC enabled without -g")
	}
}

func TestApplyFlagsLiveSource(t *testing.T) {
	t.Parallel()

	cmd, f := parse(t, "-s", "alsa_input.seeed", "-g", "-10", "-a", "0", "--aec", "--monitor", ":9090")
	cfg := config.Default()
	applyFlags(cmd, f, cfg)

	if cfg.Source.Backend != config.SourcePulse || cfg.Source.Device != "alsa_input.seeed" {
		t.Errorf("source = %+v", cfg.Source)
	}
	if !cfg.KWS.AGC || cfg.KWS.AGCLevel != -10 {
		t.Errorf("agc = %v level %d, want enabled -10", cfg.KWS.AGC, cfg.KWS.AGCLevel)
	}
	if cfg.Pipeline.AngleForMic0 != 0 || !cfg.Pipeline.AEC {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Server.MonitorAddr != ":9090" {
		t.Errorf("monitor = %q", cfg.Server.MonitorAddr)
	}
	if cfg.Output.WAVPath != "" {
		t.Errorf("output = %q, want recording disabled without -w", cfg.Output.WAVPath)
	}
}

func TestApplyFlagsExplicitOutput(t *testing.T) {
	t.Parallel()

	cmd, f := parse(t, "-o", "rec.wav")
	cfg := config.Default()
	applyFlags(cmd, f, cfg)
	if cfg.Output.WAVPath != "rec.wav" {
		t.Errorf("output = %q, want rec.wav", cfg.Output.WAVPath)
	}
	if cfg.Pipeline.DebugWAVDir != "" {
		t.Errorf("debug wav dir = %q, want none without -w", cfg.Pipeline.DebugWAVDir)
	}
}

func TestRunExitCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"help", []string{"-h"}, exitOK},
		{"unknown flag", []string{"--bogus"}, exitConfig},
		{"bad mic type", []string{"-f", "in.wav", "-k", "nokws", "-t", "TRIANGLE_3MIC"}, exitConfig},
		{"missing config", []string{"-c", "does-not-exist.yaml"}, exitConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}
