// Command micarray runs the microphone-array front end: it captures a
// multi-channel stream, beamforms it and spots keywords on the result.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MrWong99/micarray/internal/app"
	"github.com/MrWong99/micarray/internal/config"
	"github.com/MrWong99/micarray/internal/observe"
	"github.com/MrWong99/micarray/pkg/node/beamform"
	"github.com/MrWong99/micarray/pkg/node/collector"
	"github.com/MrWong99/micarray/pkg/node/collector/portaudio"
	"github.com/MrWong99/micarray/pkg/node/collector/pulse"
	kwsnode "github.com/MrWong99/micarray/pkg/node/kws"
	"github.com/MrWong99/micarray/pkg/pipeline"
	"github.com/MrWong99/micarray/pkg/provider/kws"
	"github.com/MrWong99/micarray/pkg/provider/kws/porcupine"
	"github.com/MrWong99/micarray/pkg/provider/vad"
	"github.com/MrWong99/micarray/pkg/provider/vad/energy"
	"github.com/MrWong99/micarray/pkg/provider/vad/silero"
)

// Exit codes.
const (
	exitOK          = 0
	exitConfig      = 1
	exitStartFailed = 255
)

// Default recordings per source kind.
const (
	liveWAV = "audio_test001.wav"
	fileWAV = "file_1beam_test.wav"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// flags holds the command line. Zero values mean "keep the config value";
// Changed is consulted for flags whose zero value is meaningful.
type flags struct {
	configPath string
	source     string
	file       string
	micType    string
	agc        int
	wav        bool
	output     string
	kws        string
	beams      int
	angle      float64
	aec        bool
	loop       bool
	monitor    string
	verbose    bool
}

// exitError carries the process exit code out of cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func run(args []string) int {
	var f flags
	cmd := &cobra.Command{
		Use:   "micarray",
		Short: "Beamforming and keyword spotting for microphone arrays.",
		Long: "micarray captures a microphone array from PulseAudio, PortAudio or a WAV file,\n" +
			"beamforms it and reports keyword detections.\n\n" +
			"Mic types: " + fmt.Sprint(beamform.MicTypeNames()) + "\n" +
			"Keyword sets: snowboy, alexa, heysnips, nokws",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "path to the YAML configuration file")
	fl.StringVarP(&f.source, "source", "s", "", "the live source (microphone) to connect to")
	fl.StringVarP(&f.file, "file", "f", "", "replay a WAV file instead of a live source")
	fl.StringVarP(&f.micType, "type", "t", "", "the microphone type, e.g. CIRCULAR_6MIC_7BEAM")
	fl.IntVarP(&f.agc, "agc", "g", 0, "enable AGC with target level -N dBFS, [-31, 31]")
	fl.BoolVarP(&f.wav, "wav", "w", false, "enable the output wav log and per-beam debug wavs")
	fl.StringVarP(&f.output, "output", "o", "", "output wav path")
	fl.StringVarP(&f.kws, "kws", "k", "", "the keyword set: snowboy, alexa, heysnips or nokws")
	fl.IntVarP(&f.beams, "beams", "b", 0, "number of beamformer output channels")
	fl.Float64VarP(&f.angle, "angle", "a", 0, "direction of microphone 0 in degrees")
	fl.BoolVar(&f.aec, "aec", false, "enable acoustic echo cancellation")
	fl.BoolVar(&f.loop, "loop", false, "rewind the input file at its end")
	fl.StringVar(&f.monitor, "monitor", "", "listen address of the monitor server, e.g. :9090")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "print a dot per processed block")
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "micarray: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitConfig
	}
	return exitOK
}

func serve(cmd *cobra.Command, f flags) error {
	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &exitError{exitConfig, fmt.Errorf("load .env: %w", err)}
	}

	// ── Configuration ─────────────────────────────────────────────────────────
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return &exitError{exitConfig, err}
		}
	}
	applyFlags(cmd, f, cfg)
	if err := config.Validate(cfg); err != nil {
		return &exitError{exitConfig, err}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	logger := newLogger(level)
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{DeviceID: cfg.Server.DeviceID})
	if err != nil {
		return &exitError{exitConfig, fmt.Errorf("init telemetry: %w", err)}
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return &exitError{exitConfig, err}
	}

	printStartupSummary(cmd.OutOrStdout(), cfg)

	opts := []app.Option{app.WithLogger(logger), app.WithLevelVar(level)}
	if f.verbose {
		opts = append(opts, app.WithProgress(cmd.OutOrStdout()))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		if providers.Capturer != nil {
			_ = providers.Capturer.Close()
		}
		return &exitError{exitConfig, err}
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if f.configPath != "" {
		w, err := config.NewWatcher(f.configPath, func(old, new *config.Config) {
			application.ApplyConfig(config.Diff(old, new))
		})
		if err != nil {
			slog.Warn("config hot reload unavailable", "path", f.configPath, "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── Start ─────────────────────────────────────────────────────────────────
	token := pipeline.NewStopToken()
	token.StopOn(ctx)
	if err := application.Start(ctx, token); err != nil {
		_ = shutdown(application)
		return &exitError{exitStartFailed, err}
	}

	slog.Info("running, press Ctrl+C to stop")
	runErr := application.Run(ctx)
	if f.verbose {
		fmt.Fprintln(cmd.OutOrStdout())
	}
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	if err := shutdown(application); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return &exitError{exitConfig, runErr}
	}
	slog.Info("goodbye", "hotword_count", application.Hotwords())
	return nil
}

func shutdown(a *app.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
		return err
	}
	return nil
}

// applyFlags overrides cfg with the flags given on the command line.
func applyFlags(cmd *cobra.Command, f flags, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if f.file != "" {
		cfg.Source.Backend = config.SourceFile
		cfg.Source.File = f.file
	}
	if f.source != "" {
		if cfg.Source.Backend == config.SourceFile && f.file == "" {
			cfg.Source.Backend = config.SourcePulse
		}
		cfg.Source.Device = f.source
	}
	if changed("loop") {
		cfg.Source.Loop = f.loop
	}
	if f.micType != "" {
		cfg.Pipeline.MicType = f.micType
	}
	if changed("beams") {
		cfg.Pipeline.Beams = f.beams
	}
	if changed("angle") {
		cfg.Pipeline.AngleForMic0 = f.angle
	}
	if changed("aec") {
		cfg.Pipeline.AEC = f.aec
	}
	if changed("agc") {
		cfg.KWS.AGC = true
		cfg.KWS.AGCLevel = f.agc
	}
	if f.kws != "" {
		cfg.KWS.KeywordSet = f.kws
	}
	if f.monitor != "" {
		cfg.Server.MonitorAddr = f.monitor
	}

	// -w also dumps the beamformer's debug wavs into the working directory.
	if f.wav && cfg.Pipeline.DebugWAVDir == "" {
		cfg.Pipeline.DebugWAVDir = "."
	}

	// Recording is off unless -w is given or a config file asks for it.
	switch {
	case f.wav || f.output != "":
		cfg.Output.WAVPath = f.output
		if cfg.Output.WAVPath == "" {
			cfg.Output.WAVPath = liveWAV
			if cfg.Source.Backend == config.SourceFile {
				cfg.Output.WAVPath = fileWAV
			}
		}
	case f.configPath == "":
		cfg.Output.WAVPath = ""
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in engine and capture factories
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── KWS ───────────────────────────────────────────────────────────────────
	reg.RegisterKWS("porcupine", func(config.KWSConfig) (kws.Engine, error) {
		return porcupine.New(), nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})
	reg.RegisterVAD("silero", func(c config.VADConfig) (vad.Engine, error) {
		return silero.New(c.ModelPath)
	})

	// ── Capture ───────────────────────────────────────────────────────────────
	reg.RegisterCapture("pulse", func(c config.SourceConfig) (collector.Capturer, error) {
		return pulse.New(c.Device, c.Channels, c.Rate)
	})
	reg.RegisterCapture("portaudio", func(c config.SourceConfig) (collector.Capturer, error) {
		// One 8 ms block per PortAudio buffer.
		return portaudio.New(c.Device, c.Channels, c.Rate, c.Rate*collector.DefaultBlockMs/1000)
	})

	for _, kind := range []string{"kws", "vad", "capture"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the engines and capture backend named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if _, enabled := cfg.ActiveKeywordSet(); enabled {
		p, err := reg.CreateKWS(cfg.KWS)
		if err != nil {
			return nil, fmt.Errorf("create kws engine %q: %w", cfg.KWS.Engine, err)
		}
		ps.KWS = p
		if env := cfg.KWS.AccessKeyEnv; env != "" {
			ps.AccessKey = os.Getenv(env)
		}
		slog.Info("provider created", "kind", "kws", "name", cfg.KWS.Engine)
	}

	if name := cfg.VAD.Engine; name != "" {
		p, err := reg.CreateVAD(cfg.VAD)
		if err != nil {
			return nil, fmt.Errorf("create vad engine %q: %w", name, err)
		}
		ps.VAD = p
		slog.Info("provider created", "kind", "vad", "name", name)
	}

	if cfg.Source.Backend != config.SourceFile {
		c, err := reg.CreateCapture(cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("open capture %q: %w", cfg.Source.Backend, err)
		}
		ps.Capturer = c
		slog.Info("provider created", "kind", "capture", "name", cfg.Source.Backend, "format", c.Format().String())
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	source := string(cfg.Source.Backend)
	if cfg.Source.Backend == config.SourceFile {
		source += " " + cfg.Source.File
	} else if cfg.Source.Device != "" {
		source += " " + cfg.Source.Device
	}
	agc := "(disabled)"
	if cfg.KWS.AGC {
		agc = fmt.Sprintf("-%d dBFS", kwsnode.ClampAGCLevel(cfg.KWS.AGCLevel))
	}
	output := cfg.Output.WAVPath
	if output == "" {
		output = "(disabled)"
	}
	monitor := cfg.Server.MonitorAddr
	if monitor == "" {
		monitor = "(disabled)"
	}

	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        micarray startup summary       ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Source", source)
	printRow(w, "Mic type", cfg.Pipeline.MicType)
	printRow(w, "Beams", fmt.Sprint(cfg.Pipeline.Beams))
	printRow(w, "AEC", fmt.Sprint(cfg.Pipeline.AEC))
	printRow(w, "Keyword set", cfg.KWS.KeywordSet)
	printRow(w, "AGC", agc)
	printRow(w, "VAD", cfg.VAD.Engine)
	printRow(w, "Output", output)
	printRow(w, "Monitor", monitor)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:16]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
