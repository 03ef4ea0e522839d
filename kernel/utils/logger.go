package utils

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel maps "debug", "info", "warn", "error" and "fatal" onto a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	for level, name := range levelNames {
		if strings.EqualFold(name, s) {
			return level, nil
		}
	}
	if strings.EqualFold(s, "warning") {
		return WARN, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// Logger provides structured logging tagged with a component name
type Logger struct {
	zl        *zap.Logger
	component string
}

// LoggerConfig configures a logger instance
type LoggerConfig struct {
	Level       LogLevel
	Component   string
	Development bool
	// OutputPaths defaults to stderr.
	OutputPaths []string
}

// NewLogger creates a new logger with the given configuration
func NewLogger(config LoggerConfig) *Logger {
	var zc zap.Config
	if config.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(config.Level.zapLevel())
	if len(config.OutputPaths) > 0 {
		zc.OutputPaths = config.OutputPaths
	}

	zl, err := zc.Build()
	if err != nil {
		// Only reachable with a bad output path; keep logging somewhere.
		fmt.Fprintf(os.Stderr, "logger: %v, falling back to stderr\n", err)
		zl = zap.New(zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.Lock(os.Stderr),
			config.Level.zapLevel(),
		))
	}
	if config.Component != "" {
		zl = zl.Named(config.Component)
	}

	return &Logger{zl: zl, component: config.Component}
}

// DefaultLogger creates a logger with sensible defaults
func DefaultLogger(component string) *Logger {
	return NewLogger(LoggerConfig{
		Level:       defaultLevel(),
		Component:   component,
		Development: true,
	})
}

// NopLogger discards everything. Used by tests.
func NopLogger() *Logger {
	return &Logger{zl: zap.NewNop()}
}

// Component returns the name the logger was created with.
func (l *Logger) Component() string {
	return l.component
}

// Named returns a child logger for a sub-component
func (l *Logger) Named(component string) *Logger {
	name := component
	if l.component != "" {
		name = l.component + "." + component
	}
	return &Logger{zl: l.zl.Named(component), component: name}
}

// With returns a new logger with the given fields appended
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{zl: l.zl.With(toZap(fields)...), component: l.component}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...Field) {
	l.zl.Debug(msg, toZap(fields)...)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...Field) {
	l.zl.Info(msg, toZap(fields)...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...Field) {
	l.zl.Warn(msg, toZap(fields)...)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...Field) {
	l.zl.Error(msg, toZap(fields)...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, fields ...Field) {
	l.zl.Fatal(msg, toZap(fields)...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

func (f Field) zap() zap.Field {
	switch v := f.Value.(type) {
	case string:
		return zap.String(f.Key, v)
	case error:
		return zap.NamedError(f.Key, v)
	case time.Duration:
		return zap.Duration(f.Key, v)
	case int:
		return zap.Int(f.Key, v)
	case int64:
		return zap.Int64(f.Key, v)
	case uint32:
		return zap.Uint32(f.Key, v)
	case uint64:
		return zap.Uint64(f.Key, v)
	case float64:
		return zap.Float64(f.Key, v)
	case bool:
		return zap.Bool(f.Key, v)
	default:
		return zap.Any(f.Key, v)
	}
}

func toZap(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = f.zap()
	}
	return out
}

// Helper functions for creating fields
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint32(key string, value uint32) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
	globalLevel  = INFO
)

func defaultLevel() LogLevel {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLevel
}

// SetDefaultLevel changes the level used by DefaultLogger for loggers created afterwards.
func SetDefaultLevel(level LogLevel) {
	globalMu.Lock()
	globalLevel = level
	globalMu.Unlock()
}

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

func global() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewLogger(LoggerConfig{Level: globalLevel, Component: "xenshm", Development: true})
	}
	return globalLogger
}

// Global logging functions
func Debug(msg string, fields ...Field) {
	global().Debug(msg, fields...)
}

func Info(msg string, fields ...Field) {
	global().Info(msg, fields...)
}

func Warn(msg string, fields ...Field) {
	global().Warn(msg, fields...)
}

func Error(msg string, fields ...Field) {
	global().Error(msg, fields...)
}

func Fatal(msg string, fields ...Field) {
	global().Fatal(msg, fields...)
}
