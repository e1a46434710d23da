package mqtt311

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug is the debug log level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the info log level.
	LogLevelInfo
	// LogLevelWarn is the warn log level.
	LogLevelWarn
	// LogLevelError is the error log level.
	LogLevelError
	// LogLevelNone disables all logging.
	LogLevelNone
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a level name such as "info" or "WARN" to a LogLevel.
// Unknown names map to LogLevelInfo.
func ParseLogLevel(name string) LogLevel {
	switch name {
	case "debug", "DEBUG":
		return LogLevelDebug
	case "warn", "WARN", "warning":
		return LogLevelWarn
	case "error", "ERROR":
		return LogLevelError
	case "none", "NONE", "off":
		return LogLevelNone
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFields represents key-value pairs for structured logging.
type LogFields map[string]any

// Logger defines the interface for logging.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, fields LogFields)

	// Info logs an info message.
	Info(msg string, fields LogFields)

	// Warn logs a warning message.
	Warn(msg string, fields LogFields)

	// Error logs an error message.
	Error(msg string, fields LogFields)

	// WithFields returns a new logger with the given fields added.
	WithFields(fields LogFields) Logger

	// Level returns the current log level.
	Level() LogLevel

	// SetLevel sets the log level.
	SetLevel(level LogLevel)
}

// NoOpLogger is a logger that does nothing.
type NoOpLogger struct {
	level LogLevel
}

// NewNoOpLogger creates a new no-op logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{level: LogLevelNone}
}

func (n *NoOpLogger) Debug(_ string, _ LogFields) {}
func (n *NoOpLogger) Info(_ string, _ LogFields)  {}
func (n *NoOpLogger) Warn(_ string, _ LogFields)  {}
func (n *NoOpLogger) Error(_ string, _ LogFields) {}

// WithFields returns the same logger.
func (n *NoOpLogger) WithFields(_ LogFields) Logger {
	return n
}

// Level returns the log level.
func (n *NoOpLogger) Level() LogLevel {
	return n.level
}

// SetLevel sets the log level.
func (n *NoOpLogger) SetLevel(level LogLevel) {
	n.level = level
}

// SlogLogger adapts a slog.Handler to Logger. Fields become slog attributes.
type SlogLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
	min    LogLevel
}

// NewSlogLogger creates a logger writing text records to w.
func NewSlogLogger(w io.Writer, level LogLevel) *SlogLogger {
	if w == nil {
		w = os.Stderr
	}

	lv := new(slog.LevelVar)
	lv.Set(level.slogLevel())

	return NewSlogLoggerWithHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv}), lv, level)
}

// NewSlogLoggerWithHandler wraps an existing handler. The handler must
// consult lv to honor SetLevel.
func NewSlogLoggerWithHandler(h slog.Handler, lv *slog.LevelVar, level LogLevel) *SlogLogger {
	if lv == nil {
		lv = new(slog.LevelVar)
		lv.Set(level.slogLevel())
	}
	return &SlogLogger{
		logger: slog.New(h),
		level:  lv,
		min:    level,
	}
}

func (s *SlogLogger) Debug(msg string, fields LogFields) {
	s.log(LogLevelDebug, msg, fields)
}

func (s *SlogLogger) Info(msg string, fields LogFields) {
	s.log(LogLevelInfo, msg, fields)
}

func (s *SlogLogger) Warn(msg string, fields LogFields) {
	s.log(LogLevelWarn, msg, fields)
}

func (s *SlogLogger) Error(msg string, fields LogFields) {
	s.log(LogLevelError, msg, fields)
}

// WithFields returns a new logger with the given fields added.
func (s *SlogLogger) WithFields(fields LogFields) Logger {
	return &SlogLogger{
		logger: s.logger.With(fieldArgs(fields)...),
		level:  s.level,
		min:    s.min,
	}
}

// Level returns the current log level.
func (s *SlogLogger) Level() LogLevel {
	return s.min
}

// SetLevel sets the log level.
func (s *SlogLogger) SetLevel(level LogLevel) {
	s.min = level
	s.level.Set(level.slogLevel())
}

func (s *SlogLogger) log(level LogLevel, msg string, fields LogFields) {
	if s.min == LogLevelNone || level < s.min {
		return
	}
	s.logger.Log(context.Background(), level.slogLevel(), msg, fieldArgs(fields)...)
}

func fieldArgs(fields LogFields) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

// Standard field names for broker logging.
const (
	LogFieldClientID   = "client_id"
	LogFieldTopic      = "topic"
	LogFieldPacketID   = "packet_id"
	LogFieldPacketType = "packet_type"
	LogFieldQoS        = "qos"
	LogFieldReturnCode = "return_code"
	LogFieldReason     = "reason"
	LogFieldError      = "error"
	LogFieldRemoteAddr = "remote_addr"
	LogFieldBytes      = "bytes"
)
