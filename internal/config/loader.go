package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/MrWong99/micarray/pkg/node/beamform"
	"gopkg.in/yaml.v3"
)

// ValidEngineNames lists known engine names per kind.
// Used by [Validate] to warn about unrecognised engine names.
var ValidEngineNames = map[string][]string{
	"kws":     {"porcupine"},
	"vad":     {"energy", "silero"},
	"capture": {"pulse", "portaudio"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Fields missing from the file keep their [Default] values.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Pipeline
	p := cfg.Pipeline
	if p.BlockMs <= 0 || 16000*p.BlockMs%1000 != 0 {
		errs = append(errs, fmt.Errorf("pipeline.block_ms %d must be positive and a whole number of samples at 16 kHz", p.BlockMs))
	}
	if p.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("pipeline.queue_capacity %d must be at least 1", p.QueueCapacity))
	}
	mt, err := beamform.ParseMicType(p.MicType)
	if err != nil {
		errs = append(errs, fmt.Errorf("pipeline.mic_type: %w; valid values: %v", err, beamform.MicTypeNames()))
	} else if maxBeams := mt.Geometry().MaxBeams; p.Beams < 1 || p.Beams > maxBeams {
		errs = append(errs, fmt.Errorf("pipeline.beams %d is out of range [1, %d] for %s", p.Beams, maxBeams, mt))
	}
	if p.Direction != nil && (*p.Direction < 0 || *p.Direction >= 360) {
		errs = append(errs, fmt.Errorf("pipeline.direction %d is out of range [0, 360)", *p.Direction))
	}
	if p.DOAInterval < 0 {
		errs = append(errs, fmt.Errorf("pipeline.doa_interval %d must not be negative", p.DOAInterval))
	}

	// Source
	s := cfg.Source
	if !s.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("source.backend %q is invalid; valid values: pulse, portaudio, file", s.Backend))
	}
	if s.Backend == SourceFile && s.File == "" {
		errs = append(errs, errors.New("source.file is required when backend is file"))
	}
	if s.Backend == SourcePulse || s.Backend == SourcePortAudio {
		if s.Channels <= 0 || s.Rate <= 0 {
			errs = append(errs, fmt.Errorf("source.channels and source.rate must be positive for backend %s", s.Backend))
		}
		validateEngineName("capture", string(s.Backend))
	}

	// KWS
	k := cfg.KWS
	if k.KeywordSet != "" && k.KeywordSet != NoKWS {
		ks, ok := k.Sets[k.KeywordSet]
		if !ok {
			errs = append(errs, fmt.Errorf("kws.keyword_set %q is not defined in kws.sets", k.KeywordSet))
		} else {
			if ks.Sensitivity < 0 || ks.Sensitivity > 1 {
				errs = append(errs, fmt.Errorf("kws.sets.%s.sensitivity %.2f is out of range [0, 1]", k.KeywordSet, ks.Sensitivity))
			}
			if strings.TrimSpace(ks.ModelPath) == "" && len(ks.Keywords) == 0 {
				errs = append(errs, fmt.Errorf("kws.sets.%s needs a model_path or keywords", k.KeywordSet))
			}
		}
		if k.Engine == "" {
			errs = append(errs, errors.New("kws.engine is required when a keyword set is selected"))
		}
		validateEngineName("kws", k.Engine)
	}
	if k.AGCLevel < -31 || k.AGCLevel > 31 {
		slog.Warn("kws.agc_level outside [-31, 31] is clamped to 31", "agc_level", k.AGCLevel)
	}
	if k.CooldownBlocks < 0 || k.UnderclockingCount < 0 {
		errs = append(errs, errors.New("kws.cooldown_blocks and kws.underclocking_count must not be negative"))
	}

	// VAD
	v := cfg.VAD
	validateEngineName("vad", v.Engine)
	if v.Engine != "" && v.SilenceThreshold > v.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.2f must not exceed vad.speech_threshold %.2f", v.SilenceThreshold, v.SpeechThreshold))
	}

	// Events
	if cfg.Events.MQTT.Broker != "" && cfg.Events.MQTT.Topic == "" {
		errs = append(errs, errors.New("events.mqtt.topic is required when a broker is configured"))
	}
	if cfg.Events.Buffer < 1 {
		errs = append(errs, fmt.Errorf("events.buffer %d must be at least 1", cfg.Events.Buffer))
	}

	return errors.Join(errs...)
}

// validateEngineName logs a warning if name is non-empty and not found in
// the [ValidEngineNames] list for the given kind.
func validateEngineName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidEngineNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown engine name, may be a typo or a custom engine",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
