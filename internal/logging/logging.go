// Package logging builds the service logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// Setup creates a logger writing text to stderr and, when logFile is set,
// JSON to that file. The returned cleanup closes the file.
func Setup(logFile, level string) (*slog.Logger, func() error) {
	lvl := ParseLevel(level)
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	if logFile == "" {
		return slog.New(stderrHandler), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(stderrHandler)
		logger.Error("failed to open log file, using stderr only", "error", err, "file", logFile)
		return logger, func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: lvl})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler)), file.Close
}

// SetupWithWriters is Setup with explicit writers, for tests.
func SetupWithWriters(stderr, file io.Writer, level string) *slog.Logger {
	lvl := ParseLevel(level)
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: lvl})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: lvl})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
}

// ParseLevel maps a level name to a slog.Level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
