package infra

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a new slog.Logger with log rotation support
func NewLogger(cfg *Config) *slog.Logger {
	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		// Fallback to stderr if directory creation fails
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	fileLogger := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "paper.log"),
		MaxSize:    10, // Megabytes
		MaxBackups: 3,
		MaxAge:     28, // Days
		Compress:   true,
	}

	// Multi-writer: Log to both file and stdout
	writer := io.MultiWriter(os.Stdout, fileLogger)

	opts := &slog.HandlerOptions{
		Level: ParseLevel(cfg.Logging.Level),
	}

	return slog.New(slog.NewJSONHandler(writer, opts)).With(
		slog.String("app", cfg.App.Name),
		slog.String("run_id", cfg.Paper.RunID),
	)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
