package utils

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var ErrUnknownLogLevel = errors.New("unknown log level")

// LogLevels lists the accepted log levels, quietest first.
var LogLevels = []string{"none", "error", "warn", "info", "debug"}

// ParseLogLevel maps a configured log level to its slog level.
// "none" reports disabled. Matching is case-insensitive.
func ParseLogLevel(logLevel string) (level slog.Level, disabled bool, err error) {
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "none":
		return 0, true, nil
	case "error":
		return slog.LevelError, false, nil
	case "warn":
		return slog.LevelWarn, false, nil
	case "info":
		return slog.LevelInfo, false, nil
	case "debug":
		return slog.LevelDebug, false, nil
	}
	return 0, false, fmt.Errorf("%w %q, want one of %s", ErrUnknownLogLevel, logLevel, strings.Join(LogLevels, "|"))
}

// Configure the default slog logger with a log level and optional log file.
//
// Without a log file, records go as text to stderr, leaving stdout to the
// command output (e.g. --list-devices). With one, records are appended to it as
// JSON, one object per line, so successive sessions accumulate in one file.
// At debug level the source location of each record is included.
//
// Returns the file slog writes to, or nil, so the caller may close it on exit.
func ConfigureDefaultLogger(logLevel string, logFile string, loggerOptions slog.HandlerOptions) (*os.File, error) {
	level, disabled, err := ParseLogLevel(logLevel)
	if err != nil {
		return nil, err
	}
	if disabled {
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return nil, nil
	}
	loggerOptions.Level = level
	if level <= slog.LevelDebug {
		loggerOptions.AddSource = true
	}

	if logFile == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &loggerOptions)))
		return nil, nil
	}

	logFilePointer, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open log file %s: %w", logFile, err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(logFilePointer, &loggerOptions)))
	return logFilePointer, nil
}
