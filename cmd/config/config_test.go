package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func validConfig() Config {
	cfg := Default()
	cfg.MusicInputDevice = "Speakers"
	cfg.ShakerInputDevice = "Shaker"
	cfg.OutputDevice = "USB Sound Device"
	return cfg
}

func ptr(v float64) *float64 {
	return &v
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `{
		"musicInputDevice": "Speakers",
		"shakerInputDevice": "(None)",
		"outputDevice": "Default Game Output",
		"inputBackend": "Driver",
		"sampleRate": 44100,
		"latencyMs": 30,
		"music": {"gainDb": -6, "lowPassHz": 18000},
		"shaker": {"gainDb": 3, "highPassHz": 25, "lowPassHz": 90},
		"mixingMode": "dedicated",
		"lfeGainDb": -6,
		"channelMap": [0, 1, 2, 3, 6, 7, 4, 5],
		"channelMute": [false, false, true, false, false, false, false, false],
		"blacklistedSampleRates": [192000],
		"telemetry": {"enabled": true, "port": 9000, "ingestMode": "Telemetry"}
	}`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "Speakers", cfg.MusicInputDevice)
	assert.True(t, IsDisabled(cfg.ShakerInputDevice))
	assert.Equal(t, BackendDriver, cfg.InputBackend)
	assert.Equal(t, 44100, cfg.SampleRate)
	assert.Equal(t, 30, cfg.LatencyMs)
	assert.Equal(t, -6.0, cfg.Music.GainDb)
	assert.Nil(t, cfg.Music.HighPassHz)
	require.NotNil(t, cfg.Music.LowPassHz)
	assert.Equal(t, 18000.0, *cfg.Music.LowPassHz)
	assert.Equal(t, 25.0, *cfg.Shaker.HighPassHz)
	assert.Equal(t, MixingDedicated, cfg.MixingMode)
	assert.Equal(t, []int{0, 1, 2, 3, 6, 7, 4, 5}, cfg.ChannelMap)
	assert.True(t, cfg.ChannelMute[2])
	assert.Nil(t, cfg.ChannelSolo)
	assert.Equal(t, []int{192000}, cfg.BlacklistedSampleRates)

	assert.Equal(t, 9000, cfg.Telemetry.Port)
	assert.Equal(t, IngestTelemetry, cfg.Telemetry.IngestMode)
	assert.Equal(t, "127.0.0.1", cfg.Telemetry.Host, "default kept")
	assert.Equal(t, "ws://127.0.0.1:9000/", cfg.Telemetry.URL())
	assert.True(t, cfg.TelemetryActive())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"), nil)
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"musicInputDevice": `), nil)
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"musicInputDevice": "a", "shakerInputDevice": "b", "outputDevice": "c", "sampleRate": 1000}`), nil)
	assert.Equal(t, "sampleRate", Field(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing music device", func(c *Config) { c.MusicInputDevice = "" }, "musicInputDevice"},
		{"missing shaker device", func(c *Config) { c.ShakerInputDevice = " " }, "shakerInputDevice"},
		{"missing output", func(c *Config) { c.OutputDevice = "" }, "outputDevice"},
		{"disabled output", func(c *Config) { c.OutputDevice = "(none)" }, "outputDevice"},
		{"rate too low", func(c *Config) { c.SampleRate = 7999 }, "sampleRate"},
		{"rate too high", func(c *Config) { c.SampleRate = 384001 }, "sampleRate"},
		{"latency too low", func(c *Config) { c.LatencyMs = 9 }, "latencyMs"},
		{"latency too high", func(c *Config) { c.LatencyMs = 501 }, "latencyMs"},
		{"unknown mixing mode", func(c *Config) { c.MixingMode = "Everything" }, "mixingMode"},
		{"unknown backend", func(c *Config) { c.InputBackend = "asio" }, "inputBackend"},
		{"negative cutoff", func(c *Config) { c.Music.HighPassHz = ptr(-1) }, "music.highPassHz"},
		{"cutoff above nyquist", func(c *Config) { c.Shaker.LowPassHz = ptr(30000) }, "shaker.lowPassHz"},
		{"high pass above low pass", func(c *Config) {
			c.Shaker.HighPassHz = ptr(100)
			c.Shaker.LowPassHz = ptr(80)
		}, "shaker.highPassHz"},
		{"equal cutoffs", func(c *Config) {
			c.Music.HighPassHz = ptr(100)
			c.Music.LowPassHz = ptr(100)
		}, "music.highPassHz"},
		{"short gains", func(c *Config) { c.ChannelGainsDb = make([]float64, 7) }, "channelGainsDb"},
		{"empty map", func(c *Config) { c.ChannelMap = []int{} }, "channelMap"},
		{"long mute", func(c *Config) { c.ChannelMute = make([]bool, 9) }, "channelMute"},
		{"short solo", func(c *Config) { c.ChannelSolo = make([]bool, 2) }, "channelSolo"},
		{"short invert", func(c *Config) { c.ChannelInvert = make([]bool, 1) }, "channelInvert"},
		{"map out of range", func(c *Config) { c.ChannelMap = []int{0, 1, 2, 3, 4, 5, 6, 8} }, "channelMap[7]"},
		{"negative map", func(c *Config) { c.ChannelMap = []int{-1, 1, 2, 3, 4, 5, 6, 7} }, "channelMap[0]"},
		{"blacklisted rate out of range", func(c *Config) { c.BlacklistedSampleRates = []int{48000, 5} }, "blacklistedSampleRates"},
		{"telemetry port", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Port = 0
		}, "telemetry.port"},
		{"telemetry port ignored when disabled", func(c *Config) { c.Telemetry.Port = 0 }, ""},
		{"ingest mode", func(c *Config) { c.Telemetry.IngestMode = "both" }, "telemetry.ingestMode"},
		{"negative deadband", func(c *Config) { c.Telemetry.NudgeDeadbandMs = -1 }, "telemetry.nudgeDeadbandMs"},
		{"zero target", func(c *Config) { c.Telemetry.NudgeTargetMs = 0 }, "telemetry.nudgeTargetMs"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "logLevel"},
		{"log level case", func(c *Config) { c.LogLevel = "DEBUG" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.field, Field(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidateReportsFirstInvalidField(t *testing.T) {
	cfg := validConfig()
	cfg.SampleRate = 1
	cfg.LatencyMs = 1
	cfg.ChannelMap = []int{1}
	assert.Equal(t, "sampleRate", Field(cfg.Validate()))
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 48000, cfg.SampleRate)
	assert.Equal(t, MixingFrontBoth, cfg.MixingMode)
	assert.Equal(t, BackendCapture, cfg.InputBackend)
	assert.Equal(t, IngestAuto, cfg.Telemetry.IngestMode)
	assert.Nil(t, cfg.ChannelMap)
	assert.Nil(t, cfg.Shaker.HighPassHz)
	assert.Nil(t, cfg.Shaker.LowPassHz)
	assert.False(t, cfg.TelemetryActive())
}

func TestLoadOptionalCutoffs(t *testing.T) {
	tests := []struct {
		name   string
		shaker string
	}{
		{"absent", `{}`},
		{"null", `{"highPassHz": null, "lowPassHz": null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, `{
				"musicInputDevice": "a",
				"shakerInputDevice": "b",
				"outputDevice": "c",
				"shaker": `+tt.shaker+`
			}`)
			cfg, err := Load(path, nil)
			require.NoError(t, err)
			assert.Nil(t, cfg.Shaker.HighPassHz, "filter section bypassed")
			assert.Nil(t, cfg.Shaker.LowPassHz, "filter section bypassed")
		})
	}

	path := writeConfig(t, `{
		"musicInputDevice": "a",
		"shakerInputDevice": "b",
		"outputDevice": "c",
		"shaker": {"lowPassHz": 80}
	}`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Nil(t, cfg.Shaker.HighPassHz)
	require.NotNil(t, cfg.Shaker.LowPassHz)
	assert.Equal(t, 80.0, *cfg.Shaker.LowPassHz)
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "shakerrouter.example.json"), nil)
	require.NoError(t, err)
	require.NotNil(t, cfg.Shaker.HighPassHz)
	require.NotNil(t, cfg.Shaker.LowPassHz)
	assert.Equal(t, 20.0, *cfg.Shaker.HighPassHz)
	assert.Equal(t, 80.0, *cfg.Shaker.LowPassHz)
}
