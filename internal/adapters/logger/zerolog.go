package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel defines the logging level.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the LogLevel.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel converts a string level to LogLevel.
func ParseLevel(levelStr string) LogLevel {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo // Default to Info
	}
}

// Config controls where and how log lines are written.
type Config struct {
	Level      LogLevel
	JSON       bool   // structured JSON on stdout instead of the console writer
	FilePath   string // optional rotating file sink
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ZeroLogger implements the ports.Logger interface on top of zerolog.
type ZeroLogger struct {
	logger zerolog.Logger
}

// New creates a ZeroLogger writing to stdout and, if configured, a rotated file.
func New(cfg Config) *ZeroLogger {
	var console io.Writer = os.Stdout
	if !cfg.JSON {
		console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	writers := []io.Writer{console}
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    orDefault(cfg.MaxSizeMB, 50),
				MaxBackups: orDefault(cfg.MaxBackups, 7),
				MaxAge:     orDefault(cfg.MaxAgeDays, 30),
				Compress:   true,
			})
		}
	}

	var out io.Writer = writers[0]
	if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}
	return NewWithWriter(out, cfg.Level)
}

// NewWithWriter creates a ZeroLogger emitting JSON lines to w. Used by tests and tools.
func NewWithWriter(w io.Writer, level LogLevel) *ZeroLogger {
	return &ZeroLogger{
		logger: zerolog.New(w).Level(level.zerolog()).With().Timestamp().Logger(),
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type requestIDKey struct{}

// WithRequestID returns a context whose log lines carry the given request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID extracts the request id set by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (l *ZeroLogger) log(ctx context.Context, ev *zerolog.Event, msg string, fields ...map[string]interface{}) {
	if id := RequestID(ctx); id != "" {
		ev = ev.Str("request_id", id)
	}
	for _, f := range fields {
		if f != nil {
			ev = ev.Fields(f)
		}
	}
	ev.Msg(msg)
}

// Debug logs a message at Debug level.
func (l *ZeroLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, l.logger.Debug(), msg, fields...)
}

// Info logs a message at Info level.
func (l *ZeroLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, l.logger.Info(), msg, fields...)
}

// Warn logs a message at Warning level.
func (l *ZeroLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, l.logger.Warn(), msg, fields...)
}

// Error logs an error message at Error level.
func (l *ZeroLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	l.log(ctx, l.logger.Error().Err(err), msg, fields...)
}
