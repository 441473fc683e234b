// Package app wires the capture chain, event sinks and monitor server into a
// running micarray process.
//
// The App struct owns the full lifecycle: New builds the collector →
// beamformer → keyword-spotter chain and connects the sinks, Start opens the
// chain and the output recording, Run polls the orchestrator for detections,
// and Shutdown tears everything down in order.
//
// For testing, inject sinks and metrics via functional options
// (WithSinks, WithMetrics). Providers carry the engines and the live capture
// backend chosen by main.go through the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/micarray/internal/config"
	"github.com/MrWong99/micarray/internal/events"
	"github.com/MrWong99/micarray/internal/events/clickhouse"
	"github.com/MrWong99/micarray/internal/events/mqtt"
	"github.com/MrWong99/micarray/internal/events/postgres"
	"github.com/MrWong99/micarray/internal/health"
	"github.com/MrWong99/micarray/internal/monitor"
	"github.com/MrWong99/micarray/internal/observe"
	"github.com/MrWong99/micarray/pkg/audio"
	"github.com/MrWong99/micarray/pkg/audio/wav"
	"github.com/MrWong99/micarray/pkg/node/beamform"
	"github.com/MrWong99/micarray/pkg/node/collector"
	kwsnode "github.com/MrWong99/micarray/pkg/node/kws"
	"github.com/MrWong99/micarray/pkg/pipeline"
	"github.com/MrWong99/micarray/pkg/provider/kws"
	"github.com/MrWong99/micarray/pkg/provider/vad"
)

// ErrOutputFile is returned by Start when the output recording cannot be
// created.
var ErrOutputFile = errors.New("app: cannot open output file")

// diagEvery is the number of polls between queue depth diagnostics.
const diagEvery = 5

// Providers holds the engines and capture backend. Nil means not
// configured. Populated by main.go via the config registry.
type Providers struct {
	KWS kws.Engine
	VAD vad.Engine

	// Capturer is the opened live capture backend. Unused for file sources.
	Capturer collector.Capturer

	// AccessKey is handed to engines that need a license key.
	AccessKey string
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics
	stats     *Stats
	sinks     []events.Sink
	progress  io.Writer

	orch    *pipeline.Orchestrator
	source  pipeline.Source
	beam    *beamform.Node
	spotter *kwsnode.Node
	beamRef pipeline.Ref[*beamform.Node]
	kwsRef  pipeline.Ref[*kwsnode.Node]

	journal    *postgres.Journal
	dispatcher *events.Dispatcher
	monitor    *monitor.Server

	// Set by Start.
	started  bool
	recorder *wav.Writer
	gauges   metric.Registration

	polls       uint64
	hotwords    int
	manualRearm bool

	// closers are called in order during Shutdown, after the chain stopped.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger handed to every node.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLevelVar lets ApplyConfig change the log level of the handler that
// owns v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithProgress writes a dot to w for every polled block.
func WithProgress(w io.Writer) Option {
	return func(a *App) { a.progress = w }
}

// WithSinks adds event sinks next to those built from config.
func WithSinks(s ...events.Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, s...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds the chain and its sinks from cfg. Nothing is opened except the
// source file or capture backend and the configured sink connections; the
// chain starts with Start.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
		stats:     NewStats(500),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Capture chain ─────────────────────────────────────────────────
	if err := a.initChain(); err != nil {
		return nil, errors.Join(fmt.Errorf("app: init chain: %w", err), a.closeNodes())
	}

	// ── 2. Sinks and monitor ─────────────────────────────────────────────
	if err := a.initEvents(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("app: init events: %w", err), a.closeSinks(), a.closeNodes())
	}
	a.initMonitor()

	// ── 3. Dispatcher ────────────────────────────────────────────────────
	a.dispatcher = events.NewDispatcher(a.sinks,
		events.WithBuffer(cfg.Events.Buffer),
		events.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.dispatcher.Close)

	return a, nil
}

func (a *App) initChain() error {
	p := a.cfg.Pipeline

	src, err := a.newSource()
	if err != nil {
		return err
	}
	a.source = src

	mt, err := beamform.ParseMicType(p.MicType)
	if err != nil {
		return err
	}
	a.beam, err = beamform.New(mt, p.AEC, p.Beams, p.DebugWAVDir != "",
		beamform.WithDebugDir(p.DebugWAVDir),
		beamform.WithDOAInterval(p.DOAInterval),
		beamform.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}
	a.beam.SetAngleForMic0(p.AngleForMic0)

	if a.spotter, err = a.newSpotter(); err != nil {
		return err
	}

	a.orch = pipeline.New(
		pipeline.WithQueueCapacity(p.QueueCapacity),
		pipeline.WithLogger(a.logger),
		pipeline.WithObserver(observers{a.metrics.PipelineObserver(), a.stats}),
	)
	head, err := pipeline.RegisterChainByHead(a.orch, a.source)
	if err != nil {
		return err
	}
	if a.beamRef, err = pipeline.Uplink(a.orch, a.beam, head); err != nil {
		return err
	}
	if a.kwsRef, err = pipeline.Uplink(a.orch, a.spotter, a.beamRef); err != nil {
		return err
	}
	if err := errors.Join(
		pipeline.RegisterOutputNode(a.orch, a.kwsRef),
		pipeline.RegisterDirectionManagerNode(a.orch, a.kwsRef),
		pipeline.RegisterHotwordDetectionNode(a.orch, a.kwsRef),
	); err != nil {
		return err
	}

	if p.Direction != nil {
		if err := a.orch.SetDirection(*p.Direction); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) newSource() (pipeline.Source, error) {
	s := a.cfg.Source
	blockMs := a.cfg.Pipeline.BlockMs

	if s.Backend == config.SourceFile {
		f, err := collector.NewFile(s.File, blockMs,
			collector.WithLoop(s.Loop),
			collector.WithRealtime(s.Realtime),
			collector.WithLogger(a.logger),
		)
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	c := a.providers.Capturer
	if c == nil {
		return nil, fmt.Errorf("no capture backend for source %q", s.Backend)
	}
	var (
		d   *collector.Device
		err error
	)
	if c.Format().SampleRate == 48000 {
		d, err = collector.NewDevice48kTo16k(c, blockMs, collector.WithLogger(a.logger))
	} else {
		d, err = collector.NewDevice(c, blockMs, collector.WithTargetRate(16000), collector.WithLogger(a.logger))
	}
	if err != nil {
		return nil, errors.Join(err, c.Close())
	}
	return d, nil
}

func (a *App) newSpotter() (*kwsnode.Node, error) {
	k := a.cfg.KWS
	ks, enabled := a.cfg.ActiveKeywordSet()
	cfg := kwsnode.Config{
		ResourcePath:       ks.ResourcePath,
		ModelPath:          ks.ModelPath,
		Keywords:           ks.Keywords,
		Sensitivity:        ks.Sensitivity,
		UnderclockingCount: k.UnderclockingCount,
		EnableAGC:          k.AGC,
		EnableKWS:          enabled,
		CooldownBlocks:     k.CooldownBlocks,
	}
	opts := []kwsnode.Option{
		kwsnode.WithDirectionTarget(a.beam),
		kwsnode.WithAGCLevel(k.AGCLevel),
		kwsnode.WithLogger(a.logger),
	}
	if a.providers.VAD != nil {
		opts = append(opts, kwsnode.WithVAD(a.providers.VAD, vad.Config{
			FrameSizeMs:      a.cfg.Pipeline.BlockMs,
			SpeechThreshold:  a.cfg.VAD.SpeechThreshold,
			SilenceThreshold: a.cfg.VAD.SilenceThreshold,
		}))
	}

	if !enabled {
		a.logger.Info("keyword spotting disabled", "keyword_set", k.KeywordSet)
		return kwsnode.New(nil, cfg, opts...)
	}
	if a.providers.KWS == nil {
		return nil, fmt.Errorf("keyword set %q needs a kws engine", k.KeywordSet)
	}
	n, err := kwsnode.NewWithEngine(a.providers.KWS, cfg, a.providers.AccessKey, opts...)
	if err != nil {
		return nil, err
	}
	if ks.ManualRearm {
		n.DisableAutoStateTransfer()
		a.manualRearm = true
	}
	a.logger.Info("using keyword set", "keyword_set", k.KeywordSet, "engine", k.Engine, "manual_rearm", ks.ManualRearm)
	return n, nil
}

func (a *App) initEvents(ctx context.Context) error {
	ev := a.cfg.Events

	if ev.MQTT.Broker != "" {
		s, err := mqtt.New(ctx, mqtt.Config{
			Broker:   ev.MQTT.Broker,
			ClientID: ev.MQTT.ClientID,
			Username: ev.MQTT.Username,
			Password: ev.MQTT.Password,
			Topic:    ev.MQTT.Topic,
		})
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, s)
	}

	if ev.PostgresDSN != "" {
		j, err := postgres.New(ctx, ev.PostgresDSN)
		if err != nil {
			return err
		}
		a.journal = j
		a.sinks = append(a.sinks, j)
	}

	if ev.ClickHouse.Addr != "" {
		s, err := clickhouse.New(ctx, clickhouse.Config{
			Addr:     ev.ClickHouse.Addr,
			Database: ev.ClickHouse.Database,
			Username: ev.ClickHouse.Username,
			Password: ev.ClickHouse.Password,
		})
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, s)
	}
	return nil
}

func (a *App) initMonitor() {
	if a.cfg.Server.MonitorAddr == "" {
		return
	}
	checkers := []health.Checker{health.PipelineRunning(a.orch, 3)}
	opts := []monitor.Option{
		monitor.WithMetrics(a.metrics),
		monitor.WithDeviceID(a.cfg.Server.DeviceID),
	}
	if a.journal != nil {
		checkers = append(checkers, health.Checker{Name: "postgres", Check: a.journal.Ping})
		opts = append(opts, monitor.WithHistory(a.journal))
	}
	opts = append(opts, monitor.WithHealth(health.New(health.PipelineAlive(a.orch), checkers...)))
	a.monitor = monitor.New(a.orch, opts...)
	a.sinks = append(a.sinks, a.monitor)
}

// ─── Start / Run ─────────────────────────────────────────────────────────────

// Start opens the chain and begins processing. stop may be nil. When the
// output recording cannot be created the chain is stopped again and an
// error wrapping [ErrOutputFile] is returned.
func (a *App) Start(ctx context.Context, stop *pipeline.StopToken) error {
	_, span := observe.StartSpan(ctx, "pipeline.start")
	defer span.End()

	if err := a.orch.Start(stop); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("app: can not start the node chain: %w", err)
	}
	a.started = true

	format := a.orch.OutputFormat()
	span.SetAttributes(
		attribute.Int("output.channels", format.Channels),
		attribute.Int("output.rate", format.SampleRate),
	)
	a.logger.Info("pipeline started", "channels", format.Channels, "rate", format.SampleRate)

	if path := a.cfg.Output.WAVPath; path != "" {
		w, err := wav.Create(path, format)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			_ = a.orch.Stop()
			return fmt.Errorf("%w %q: %w", ErrOutputFile, path, err)
		}
		a.recorder = w
		a.logger.Info("recording output", "path", path)
	}

	reg, err := a.metrics.ObservePipeline(a.orch)
	if err != nil {
		a.logger.Warn("pipeline gauges unavailable", "err", err)
	} else {
		a.gauges = reg
	}
	return nil
}

// Run polls the chain until it stops, the source is exhausted or ctx ends.
// A clean end returns nil; a node failure is returned wrapped.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if a.monitor != nil {
		addr := a.cfg.Server.MonitorAddr
		wg.Go(func() {
			if err := a.monitor.Serve(ctx, addr); err != nil {
				a.logger.Error("monitor server failed", "addr", addr, "err", err)
			}
		})
	}
	defer wg.Wait()

	for {
		d, err := a.orch.DetectHotword(ctx)
		switch {
		case err == nil:
			a.handle(ctx, d)
		case errors.Is(err, pipeline.ErrStopped), errors.Is(err, context.Canceled):
			a.logger.Info("stopping the pipeline", "polls", a.polls, "hotwords", a.hotwords)
			return nil
		case errors.Is(err, io.EOF):
			a.logger.Info("source exhausted", "polls", a.polls, "hotwords", a.hotwords)
			return nil
		default:
			return fmt.Errorf("app: detect hotword: %w", err)
		}
	}
}

func (a *App) handle(ctx context.Context, d pipeline.Detection) {
	a.polls++

	if a.recorder != nil {
		if _, err := a.recorder.Write(d.Data); err != nil {
			a.logger.Error("output recording failed, recording stopped", "err", err)
			_ = a.recorder.Close()
			a.recorder = nil
		}
	}
	if a.monitor != nil {
		a.monitor.PushAudio(d)
	}
	if a.progress != nil {
		_, _ = io.WriteString(a.progress, ".")
	}

	if d.Detected() {
		a.hotwords++
		a.logger.Info("hotword detected",
			"keyword", d.Hotword,
			"hotword_count", a.hotwords,
			"direction", d.Direction,
			"seq", d.Seq,
		)
		a.metrics.RecordHotword(ctx, d.Hotword)
		e := events.FromDetection(a.cfg.Server.DeviceID, a.cfg.KWS.KeywordSet, d, time.Now())
		if err := a.dispatcher.Publish(e); err != nil {
			a.logger.Warn("hotword event dropped", "seq", d.Seq, "err", err)
		}
		if a.manualRearm {
			a.orch.Rearm()
		}
	}

	if a.polls%diagEvery == 0 && a.logger.Enabled(ctx, slog.LevelDebug) {
		a.logger.Debug("queue depths", "queues", a.orch.QueueDepths())
	}
}

// Hotwords returns the number of detections handled by Run.
func (a *App) Hotwords() int { return a.hotwords }

// Stats returns the per-node statistics.
func (a *App) Stats() *Stats { return a.stats }

// Pipeline returns the orchestrator.
func (a *App) Pipeline() *pipeline.Orchestrator { return a.orch }

// ApplyConfig applies the hot-reloadable part of a config change.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DirectionChanged {
		deg := audio.DirectionUnknown
		if d.NewDirection != nil {
			deg = *d.NewDirection
		}
		if err := a.orch.SetDirection(deg); err != nil {
			a.logger.Warn("direction change rejected", "direction", deg, "err", err)
		} else {
			a.logger.Info("direction changed", "direction", deg)
		}
	}
	if d.AGCLevelChanged {
		a.spotter.SetAgcTargetLevelDbfs(d.NewAGCLevel)
		a.logger.Info("agc level changed", "agc_level", kwsnode.ClampAGCLevel(d.NewAGCLevel))
	}
	if d.RestartRequired {
		a.logger.Warn("configuration change takes effect after restart")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the chain and tears down all subsystems. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("stopping the worker threads", "closers", len(a.closers))

		if a.started {
			if err := a.orch.Stop(); err != nil {
				a.logger.Warn("pipeline stop error", "err", err)
			}
		} else if err := a.closeNodes(); err != nil {
			a.logger.Warn("node close error", "err", err)
		}
		if a.gauges != nil {
			if err := a.gauges.Unregister(); err != nil {
				a.logger.Warn("gauge unregister error", "err", err)
			}
		}
		if a.recorder != nil {
			if err := a.recorder.Close(); err != nil {
				a.logger.Warn("output recording close error", "err", err)
			} else {
				a.logger.Info("wav file closed", "path", a.cfg.Output.WAVPath)
			}
			a.recorder = nil
		}
		for _, s := range a.stats.Snapshot() {
			a.logger.Info("node stats", "node", s.Node, "frames", s.Frames, "errors", s.Errors, "p50", s.P50, "p95", s.P95)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("cleanup done")
	})
	return shutdownErr
}

// closeNodes closes nodes that were built but never opened by the
// orchestrator.
func (a *App) closeNodes() error {
	var errs []error
	if a.source != nil {
		errs = append(errs, a.source.Close())
	}
	if a.beam != nil {
		errs = append(errs, a.beam.Close())
	}
	if a.spotter != nil {
		errs = append(errs, a.spotter.Close())
	}
	return errors.Join(errs...)
}

func (a *App) closeSinks() error {
	var errs []error
	for _, s := range a.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
