package utils

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		level    slog.Level
		disabled bool
	}{
		{"none", 0, true},
		{"error", slog.LevelError, false},
		{"Warn", slog.LevelWarn, false},
		{" info ", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, disabled, err := ParseLogLevel(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.level, level)
			assert.Equal(t, tt.disabled, disabled)
		})
	}

	_, _, err := ParseLogLevel("verbose")
	assert.ErrorIs(t, err, ErrUnknownLogLevel)
	assert.Contains(t, err.Error(), "none|error|warn|info|debug")
}

// Restore the default logger after a test replaces it.
func keepDefaultLogger(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })
}

func TestConfigureDefaultLoggerAppendsJSONToFile(t *testing.T) {
	keepDefaultLogger(t)
	path := filepath.Join(t.TempDir(), "shakerrouter.log")

	for _, message := range []string{"first session", "second session"} {
		f, err := ConfigureDefaultLogger("info", path, slog.HandlerOptions{})
		require.NoError(t, err)
		require.NotNil(t, f)
		slog.Debug("filtered out")
		slog.Info(message, "stream", "music")
		require.NoError(t, f.Close())
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var messages []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var record map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
		assert.Equal(t, "music", record["stream"])
		messages = append(messages, record["msg"].(string))
	}
	assert.Equal(t, []string{"first session", "second session"}, messages)
}

func TestConfigureDefaultLoggerErrors(t *testing.T) {
	keepDefaultLogger(t)

	_, err := ConfigureDefaultLogger("loud", "", slog.HandlerOptions{})
	assert.ErrorIs(t, err, ErrUnknownLogLevel)

	_, err = ConfigureDefaultLogger("info", filepath.Join(t.TempDir(), "missing", "x.log"), slog.HandlerOptions{})
	assert.Error(t, err)

	f, err := ConfigureDefaultLogger("none", "", slog.HandlerOptions{})
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.False(t, slog.Default().Enabled(t.Context(), slog.LevelError))
}

func TestSetViperDefaults(t *testing.T) {
	v := viper.New()
	SetViperDefaults(v)
	assert.Equal(t, "info", v.GetString("loglevel"))
	assert.Equal(t, 48000, v.GetInt("samplerate"))
	assert.False(t, v.IsSet("shaker.highpasshz"), "cutoffs are optional")
	assert.False(t, v.IsSet("shaker.lowpasshz"), "cutoffs are optional")
}
