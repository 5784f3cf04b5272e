package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/utils"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
	"github.com/spf13/viper"
)

const (
	MinSampleRate = 8000
	MaxSampleRate = 384000
	MinLatencyMs  = 10
	MaxLatencyMs  = 500

	// Device name sentinels.
	DefaultOutputName = "Default Game Output"
	NoneDeviceName    = "(None)"
)

type MixingMode string

const (
	MixingFrontBoth  MixingMode = "FrontBoth"
	MixingDedicated  MixingMode = "Dedicated"
	MixingMusicOnly  MixingMode = "MusicOnly"
	MixingShakerOnly MixingMode = "ShakerOnly"
)

type InputBackend string

const (
	BackendCapture InputBackend = "capture"
	BackendDriver  InputBackend = "driver"
)

type IngestMode string

const (
	IngestAuto      IngestMode = "auto"
	IngestTelemetry IngestMode = "telemetry"
	IngestCapture   IngestMode = "capture"
)

// A FieldError names the first configuration field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid config field %q: %s", e.Field, e.Reason)
}

// Gain and filter settings of one input source.
// A nil cutoff disables that filter.
type SourceConfig struct {
	GainDb     float64  `mapstructure:"gainDb"`
	HighPassHz *float64 `mapstructure:"highPassHz"`
	LowPassHz  *float64 `mapstructure:"lowPassHz"`
}

type TelemetryConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	Host            string         `mapstructure:"host"`
	Port            int            `mapstructure:"port"`
	Path            string         `mapstructure:"path"`
	GainDb          float64        `mapstructure:"gainDb"`
	NudgeTargetMs   float64        `mapstructure:"nudgeTargetMs"`
	NudgeDeadbandMs float64        `mapstructure:"nudgeDeadbandMs"`
	IngestMode      IngestMode     `mapstructure:"ingestMode"`
	Subscribe       map[string]any `mapstructure:"subscribe"`
}

// URL of the telemetry socket.
func (t TelemetryConfig) URL() string {
	path := t.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("ws://%s:%d%s", t.Host, t.Port, path)
}

// Config is the engine configuration. It is read-only once a session is built from it.
//
// The per-channel arrays are either nil (identity map, 0 dB, no flags) or hold
// exactly one entry per output channel.
type Config struct {
	MusicInputDevice  string       `mapstructure:"musicInputDevice"`
	ShakerInputDevice string       `mapstructure:"shakerInputDevice"`
	OutputDevice      string       `mapstructure:"outputDevice"`
	InputBackend      InputBackend `mapstructure:"inputBackend"`

	SampleRate    int  `mapstructure:"sampleRate"`
	ExclusiveMode bool `mapstructure:"exclusiveMode"`
	LatencyMs     int  `mapstructure:"latencyMs"`

	Music  SourceConfig `mapstructure:"music"`
	Shaker SourceConfig `mapstructure:"shaker"`

	MixingMode       MixingMode `mapstructure:"mixingMode"`
	LFEGainDb        float64    `mapstructure:"lfeGainDb"`
	RearGainDb       float64    `mapstructure:"rearGainDb"`
	SideGainDb       float64    `mapstructure:"sideGainDb"`
	CenterGainDb     float64    `mapstructure:"centerGainDb"`
	CenterFromShaker bool       `mapstructure:"centerFromShaker"`
	MasterGainDb     float64    `mapstructure:"masterGainDb"`

	ChannelGainsDb []float64 `mapstructure:"channelGainsDb"`
	ChannelMap     []int     `mapstructure:"channelMap"`
	ChannelMute    []bool    `mapstructure:"channelMute"`
	ChannelSolo    []bool    `mapstructure:"channelSolo"`
	ChannelInvert  []bool    `mapstructure:"channelInvert"`

	BlacklistedSampleRates []int `mapstructure:"blacklistedSampleRates"`

	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	LogLevel       string `mapstructure:"logLevel"`
	LogFile        string `mapstructure:"logFile"`
	MetricsAddress string `mapstructure:"metricsAddress"`
	RecordPath     string `mapstructure:"recordPath"`
}

// Default returns the configuration produced by an empty config file.
// Device names are left empty and must be filled before it validates.
func Default() Config {
	v := viper.New()
	utils.SetViperDefaults(v)
	var cfg Config
	// Defaults alone always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Load reads the JSON config file at configFilePath, applies defaults, and validates it.
func Load(configFilePath string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	v := viper.New()
	utils.SetViperDefaults(v)
	v.SetConfigFile(configFilePath)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		logger.Error("error during config read", "configFilePath", configFilePath, "err", err)
		return Config{}, fmt.Errorf("could not read config %s: %w", configFilePath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		logger.Error("error decoding config", "configFilePath", configFilePath, "err", err)
		return Config{}, fmt.Errorf("could not decode config %s: %w", configFilePath, err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	logger.Debug("loaded config", "configFilePath", configFilePath)
	return cfg, nil
}

// Accept enum values in any case.
func (c *Config) normalize() {
	for _, m := range []MixingMode{MixingFrontBoth, MixingDedicated, MixingMusicOnly, MixingShakerOnly} {
		if strings.EqualFold(string(c.MixingMode), string(m)) {
			c.MixingMode = m
		}
	}
	c.InputBackend = InputBackend(strings.ToLower(string(c.InputBackend)))
	c.Telemetry.IngestMode = IngestMode(strings.ToLower(string(c.Telemetry.IngestMode)))
	c.LogLevel = strings.ToLower(c.LogLevel)
}

// Validate checks the configuration, reporting the first invalid field as a *FieldError.
func (c Config) Validate() error {
	if err := c.validateDevices(); err != nil {
		return err
	}
	if c.SampleRate < MinSampleRate || c.SampleRate > MaxSampleRate {
		return &FieldError{"sampleRate", fmt.Sprintf("%d outside [%d, %d]", c.SampleRate, MinSampleRate, MaxSampleRate)}
	}
	if c.LatencyMs < MinLatencyMs || c.LatencyMs > MaxLatencyMs {
		return &FieldError{"latencyMs", fmt.Sprintf("%d outside [%d, %d]", c.LatencyMs, MinLatencyMs, MaxLatencyMs)}
	}
	switch c.MixingMode {
	case MixingFrontBoth, MixingDedicated, MixingMusicOnly, MixingShakerOnly:
	default:
		return &FieldError{"mixingMode", fmt.Sprintf("unknown mode %q", c.MixingMode)}
	}
	switch c.InputBackend {
	case BackendCapture, BackendDriver:
	default:
		return &FieldError{"inputBackend", fmt.Sprintf("unknown backend %q", c.InputBackend)}
	}
	if err := c.Music.validate("music", c.SampleRate); err != nil {
		return err
	}
	if err := c.Shaker.validate("shaker", c.SampleRate); err != nil {
		return err
	}
	if err := c.validateChannels(); err != nil {
		return err
	}
	for _, rate := range c.BlacklistedSampleRates {
		if rate < MinSampleRate || rate > MaxSampleRate {
			return &FieldError{"blacklistedSampleRates", fmt.Sprintf("%d outside [%d, %d]", rate, MinSampleRate, MaxSampleRate)}
		}
	}
	if err := c.Telemetry.validate(); err != nil {
		return err
	}
	if _, _, err := utils.ParseLogLevel(c.LogLevel); err != nil {
		return &FieldError{"logLevel", err.Error()}
	}
	return nil
}

func (c Config) validateDevices() error {
	if strings.TrimSpace(c.MusicInputDevice) == "" {
		return &FieldError{"musicInputDevice", "missing (use \"" + NoneDeviceName + "\" to disable)"}
	}
	if strings.TrimSpace(c.ShakerInputDevice) == "" {
		return &FieldError{"shakerInputDevice", "missing (use \"" + NoneDeviceName + "\" to disable)"}
	}
	if strings.TrimSpace(c.OutputDevice) == "" {
		return &FieldError{"outputDevice", "missing"}
	}
	if strings.EqualFold(c.OutputDevice, NoneDeviceName) {
		return &FieldError{"outputDevice", "output cannot be disabled"}
	}
	return nil
}

func (s SourceConfig) validate(name string, sampleRate int) error {
	nyquist := float64(sampleRate) / 2
	if s.HighPassHz != nil && (*s.HighPassHz <= 0 || *s.HighPassHz >= nyquist) {
		return &FieldError{name + ".highPassHz", fmt.Sprintf("%g must be in (0, %g)", *s.HighPassHz, nyquist)}
	}
	if s.LowPassHz != nil && (*s.LowPassHz <= 0 || *s.LowPassHz >= nyquist) {
		return &FieldError{name + ".lowPassHz", fmt.Sprintf("%g must be in (0, %g)", *s.LowPassHz, nyquist)}
	}
	if s.HighPassHz != nil && s.LowPassHz != nil && *s.HighPassHz >= *s.LowPassHz {
		return &FieldError{name + ".highPassHz", fmt.Sprintf("%g must be below lowPassHz %g", *s.HighPassHz, *s.LowPassHz)}
	}
	return nil
}

func (c Config) validateChannels() error {
	lengths := []struct {
		field string
		n     int
		isNil bool
	}{
		{"channelGainsDb", len(c.ChannelGainsDb), c.ChannelGainsDb == nil},
		{"channelMap", len(c.ChannelMap), c.ChannelMap == nil},
		{"channelMute", len(c.ChannelMute), c.ChannelMute == nil},
		{"channelSolo", len(c.ChannelSolo), c.ChannelSolo == nil},
		{"channelInvert", len(c.ChannelInvert), c.ChannelInvert == nil},
	}
	for _, l := range lengths {
		if !l.isNil && l.n != frame.NumSurroundChannels {
			return &FieldError{l.field, fmt.Sprintf("must be null or have exactly %d entries, got %d", frame.NumSurroundChannels, l.n)}
		}
	}
	for i, source := range c.ChannelMap {
		if source < 0 || source >= frame.NumSurroundChannels {
			return &FieldError{fmt.Sprintf("channelMap[%d]", i), fmt.Sprintf("%d outside [0, %d]", source, frame.NumSurroundChannels-1)}
		}
	}
	return nil
}

func (t TelemetryConfig) validate() error {
	if t.Enabled && (t.Port < 1 || t.Port > 65535) {
		return &FieldError{"telemetry.port", fmt.Sprintf("%d outside [1, 65535]", t.Port)}
	}
	switch t.IngestMode {
	case IngestAuto, IngestTelemetry, IngestCapture:
	default:
		return &FieldError{"telemetry.ingestMode", fmt.Sprintf("unknown mode %q", t.IngestMode)}
	}
	if t.NudgeDeadbandMs < 0 {
		return &FieldError{"telemetry.nudgeDeadbandMs", "must not be negative"}
	}
	if t.NudgeTargetMs <= 0 {
		return &FieldError{"telemetry.nudgeTargetMs", "must be positive"}
	}
	return nil
}

// IsDisabled reports whether a device name is the "(None)" sentinel.
func IsDisabled(deviceName string) bool {
	return strings.EqualFold(strings.TrimSpace(deviceName), NoneDeviceName)
}

// TelemetryActive reports whether the synthesizer path is part of the graph.
func (c Config) TelemetryActive() bool {
	return c.Telemetry.Enabled && c.Telemetry.IngestMode != IngestCapture
}

// Field returns the field name of a *FieldError, or "" for any other error.
func Field(err error) string {
	var fieldErr *FieldError
	if errors.As(err, &fieldErr) {
		return fieldErr.Field
	}
	return ""
}
