// Package config provides the configuration schema, loader, and engine
// registry for the micarray service.
package config

import "log/slog"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to its slog level. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// SourceBackend selects where the collector reads audio from.
type SourceBackend string

const (
	SourcePulse     SourceBackend = "pulse"
	SourcePortAudio SourceBackend = "portaudio"
	SourceFile      SourceBackend = "file"
)

// IsValid reports whether b is a recognised source backend.
func (b SourceBackend) IsValid() bool {
	switch b {
	case SourcePulse, SourcePortAudio, SourceFile:
		return true
	}
	return false
}

// NoKWS is the keyword set name that disables keyword spotting.
const NoKWS = "nokws"

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Source   SourceConfig   `yaml:"source"`
	KWS      KWSConfig      `yaml:"kws"`
	VAD      VADConfig      `yaml:"vad"`
	Output   OutputConfig   `yaml:"output"`
	Events   EventsConfig   `yaml:"events"`
}

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// MonitorAddr is the listen address of the monitoring HTTP server
	// (health, metrics, live websocket). Empty disables it.
	MonitorAddr string `yaml:"monitor_addr"`

	// DeviceID identifies this array in published events.
	DeviceID string `yaml:"device_id"`
}

// PipelineConfig configures the collector → beamformer → kws chain.
type PipelineConfig struct {
	// BlockMs is the block duration in milliseconds. Default 8.
	BlockMs int `yaml:"block_ms"`

	// QueueCapacity is the depth of each inter-node queue in blocks.
	QueueCapacity int `yaml:"queue_capacity"`

	// MicType names the array layout, e.g. "CIRCULAR_6MIC_7BEAM".
	MicType string `yaml:"mic_type"`

	// Beams is the number of beamformer output channels.
	Beams int `yaml:"beams"`

	// AEC enables acoustic echo cancellation in the beamformer.
	AEC bool `yaml:"aec"`

	// AngleForMic0 is the direction of microphone 0 in degrees.
	AngleForMic0 float64 `yaml:"angle_for_mic0"`

	// Direction fixes the steering direction in degrees. Nil tracks the
	// talker. Hot-reloadable.
	Direction *int `yaml:"direction"`

	// DOAInterval is the number of blocks between direction estimates.
	DOAInterval int `yaml:"doa_interval"`

	// DebugWAVDir enables beamformer input/output dumps into this directory.
	DebugWAVDir string `yaml:"debug_wav_dir"`
}

// SourceConfig selects the capture backend.
type SourceConfig struct {
	Backend SourceBackend `yaml:"backend"`

	// Device is the backend device name. Empty selects the default device.
	Device string `yaml:"device"`

	// Channels and Rate describe the device stream. Live capture is
	// resampled to 16 kHz.
	Channels int `yaml:"channels"`
	Rate     int `yaml:"rate"`

	// File is the WAV file replayed by the file backend.
	File string `yaml:"file"`

	Loop     bool `yaml:"loop"`
	Realtime bool `yaml:"realtime"`
}

// KWSConfig configures keyword spotting.
type KWSConfig struct {
	// Engine names the spotter engine registered in the [Registry].
	Engine string `yaml:"engine"`

	// KeywordSet selects an entry of Sets, or [NoKWS].
	KeywordSet string `yaml:"keyword_set"`

	// AccessKeyEnv names the environment variable holding the engine's
	// license key.
	AccessKeyEnv string `yaml:"access_key_env"`

	// Sets maps keyword set names to their models.
	Sets map[string]KeywordSet `yaml:"sets"`

	// AGC enables automatic gain control; AGCLevel L targets -L dBFS.
	// AGCLevel is hot-reloadable.
	AGC      bool `yaml:"agc"`
	AGCLevel int  `yaml:"agc_level"`

	// CooldownBlocks suppresses triggers after a detection.
	CooldownBlocks int `yaml:"cooldown_blocks"`

	// UnderclockingCount is the direction refresh interval in blocks.
	UnderclockingCount int `yaml:"underclocking_count"`
}

// KeywordSet describes the models of one keyword configuration. A set needs
// at least one model file or built-in keyword.
type KeywordSet struct {
	// ResourcePath overrides the engine's bundled parameter file. Empty uses
	// the bundled one.
	ResourcePath string `yaml:"resource_path"`

	// ModelPath lists custom keyword model files separated by commas.
	ModelPath string `yaml:"model_path"`

	// Keywords lists keywords built into the engine, e.g. "alexa".
	Keywords []string `yaml:"keywords"`

	Sensitivity float64 `yaml:"sensitivity"`

	// ManualRearm disables the spotter's own cooldown. The application
	// rearms it after every handled detection.
	ManualRearm bool `yaml:"manual_rearm"`
}

// VADConfig configures the optional voice activity gate of the spotter.
type VADConfig struct {
	// Engine names the VAD engine registered in the [Registry]. Empty
	// disables the gate.
	Engine string `yaml:"engine"`

	// ModelPath is the model file for neural engines.
	ModelPath string `yaml:"model_path"`

	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
}

// OutputConfig configures the recording of the pipeline output.
type OutputConfig struct {
	// WAVPath is the output WAV file. Empty disables recording.
	WAVPath string `yaml:"wav_path"`
}

// EventsConfig configures hotword event publication.
type EventsConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`

	// PostgresDSN enables the detection journal when set.
	PostgresDSN string `yaml:"postgres_dsn"`

	ClickHouse ClickHouseConfig `yaml:"clickhouse"`

	// Buffer is the capacity of the dispatcher queue. Events are dropped
	// when it is full.
	Buffer int `yaml:"buffer"`
}

// ClickHouseConfig configures the analytics sink. An empty Addr disables it.
type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTConfig configures the MQTT sink. An empty Broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns a configuration that runs a 6-mic circular array from the
// default PulseAudio source with the snowboy keyword set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{LogLevel: LogInfo, DeviceID: "micarray"},
		Pipeline: PipelineConfig{
			BlockMs:       8,
			QueueCapacity: 64,
			MicType:       "CIRCULAR_6MIC_7BEAM",
			Beams:         1,
			AngleForMic0:  30,
			DOAInterval:   4,
		},
		Source: SourceConfig{
			Backend:  SourcePulse,
			Channels: 8,
			Rate:     48000,
		},
		KWS: KWSConfig{
			Engine:       "porcupine",
			KeywordSet:   "snowboy",
			AccessKeyEnv: "PICOVOICE_ACCESS_KEY",
			Sets: map[string]KeywordSet{
				// Porcupine ships no snowboy or snips models; the sets map
				// to its closest built-in keywords.
				"snowboy": {
					Keywords:    []string{"porcupine"},
					Sensitivity: 0.5,
					ManualRearm: true,
				},
				"alexa": {
					Keywords:    []string{"alexa"},
					Sensitivity: 0.5,
					ManualRearm: true,
				},
				"heysnips": {
					Keywords:    []string{"picovoice"},
					Sensitivity: 0.5,
					ManualRearm: true,
				},
			},
			AGCLevel:           10,
			CooldownBlocks:     125,
			UnderclockingCount: 6,
		},
		Output: OutputConfig{WAVPath: "audio_test001.wav"},
		Events: EventsConfig{
			MQTT:       MQTTConfig{Topic: "micarray/hotword", ClientID: "micarray"},
			ClickHouse: ClickHouseConfig{Database: "default"},
			Buffer:     64,
		},
	}
}

// ActiveKeywordSet returns the selected keyword set and whether spotting is
// enabled.
func (c *Config) ActiveKeywordSet() (KeywordSet, bool) {
	if c.KWS.KeywordSet == "" || c.KWS.KeywordSet == NoKWS {
		return KeywordSet{}, false
	}
	ks, ok := c.KWS.Sets[c.KWS.KeywordSet]
	return ks, ok
}
