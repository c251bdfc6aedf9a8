package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cortexuvula/intakesync/internal/config"
	"github.com/cortexuvula/intakesync/internal/logring"
)

// Logger owns the process-wide slog configuration.
type Logger struct {
	level *slog.LevelVar
	file  *lumberjack.Logger
}

// Setup configures the default slog logger from cfg. When ring is non-nil,
// every record that passes the level is also captured there.
func Setup(cfg config.LoggingConfig, ring *logring.RingBuffer) *Logger {
	return setup(cfg, ring, os.Stdout)
}

func setup(cfg config.LoggingConfig, ring *logring.RingBuffer, stdout io.Writer) *Logger {
	l := &Logger{level: new(slog.LevelVar)}
	l.level.Set(ParseLevel(cfg.Level))

	w := stdout
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = l.file
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: l.level}
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	if ring != nil {
		handler = logring.NewTeeHandler(handler, ring)
	}

	slog.SetDefault(slog.New(handler))
	return l
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ParseLevel maps a config level name to a slog.Level. Unknown names map
// to info.
func ParseLevel(level string) slog.Level {
	switch level {
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
