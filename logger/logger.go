package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel is the severity of a log record.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the canonical upper-case name of the level.
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string (case-insensitive) onto a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
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

// Configuration controls where and how a Logger writes.
type Configuration struct {
	Level    LogLevel       `json:"level"`
	Console  bool           `json:"console"`
	File     bool           `json:"file"`
	FilePath string         `json:"file_path"`
	Rotation RotationConfig `json:"rotation"`
}

// Fields is an unordered set of structured log attributes.
type Fields map[string]interface{}

// Logger is the application-wide logging handle. It keeps the printf-style
// surface the rest of the codebase was written against while delegating the
// actual encoding/writing to zap.
type Logger struct {
	sugar      *zap.SugaredLogger
	level      LogLevel
	atom       zap.AtomicLevel
	config     Configuration
	fileWriter *lumberjack.Logger
}

// NewLogger creates a logger with sane defaults: console plus a rotated file
// under logs/app.log.
func NewLogger() *Logger {
	return NewLoggerWithConfig(Configuration{
		Level:    INFO,
		Console:  true,
		File:     true,
		FilePath: filepath.Join("logs", "app.log"),
		Rotation: RotationConfig{
			MaxSize:    50,
			MaxAge:     7,
			MaxBackups: 10,
			LocalTime:  true,
			Compress:   true,
		},
	})
}

// New is an alias for NewLogger.
func New() *Logger {
	return NewLogger()
}

// NewLoggerWithConfig builds a Logger against an explicit Configuration.
func NewLoggerWithConfig(config Configuration) *Logger {
	atom := zap.NewAtomicLevelAt(config.Level.zapLevel())

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var cores []zapcore.Core

	if config.Console {
		consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), atom))
	}

	var fileWriter *lumberjack.Logger
	if config.File && config.FilePath != "" {
		if dir := filepath.Dir(config.FilePath); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				fmt.Fprintf(os.Stderr, "logger: cannot create log directory: %v\n", err)
			}
		}
		fileWriter = newRotateWriter(config.FilePath, config.Rotation)
		jsonEncoder := zapcore.NewJSONEncoder(encoderCfg)
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.AddSync(fileWriter), atom))
	}

	if len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(os.Stdout), atom))
	}

	core := zapcore.NewTee(cores...)
	zl := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))

	return &Logger{
		sugar:      zl.Sugar(),
		level:      config.Level,
		atom:       atom,
		config:     config,
		fileWriter: fileWriter,
	}
}

// SetLevel adjusts the minimum emitted level at runtime.
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
	l.atom.SetLevel(level.zapLevel())
}

func (l *Logger) format(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// Debug logs a debug-level message, printf-style.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debug(l.format(format, args...))
}

// Info logs an info-level message, printf-style.
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Info(l.format(format, args...))
}

// Warn logs a warn-level message, printf-style.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warn(l.format(format, args...))
}

// Error logs an error-level message, printf-style.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Error(l.format(format, args...))
}

// Fatal logs a fatal message and terminates the process.
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.sugar.Fatal(l.format(format, args...))
}

func fieldsToArgs(fields Fields) []interface{} {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

// WithFields logs an info message with structured attributes attached.
func (l *Logger) WithFields(message string, fields Fields) {
	l.sugar.Infow(message, fieldsToArgs(fields)...)
}

// DebugWithFields logs a debug message with structured attributes attached.
func (l *Logger) DebugWithFields(message string, fields Fields) {
	l.sugar.Debugw(message, fieldsToArgs(fields)...)
}

// ErrorWithFields logs an error message with structured attributes attached.
func (l *Logger) ErrorWithFields(message string, fields Fields) {
	l.sugar.Errorw(message, fieldsToArgs(fields)...)
}

// WarnWithFields logs a warning message with structured attributes attached.
func (l *Logger) WarnWithFields(message string, fields Fields) {
	l.sugar.Warnw(message, fieldsToArgs(fields)...)
}

// Close flushes buffered log entries and releases the underlying file.
func (l *Logger) Close() error {
	_ = l.sugar.Sync()
	if l.fileWriter != nil {
		return l.fileWriter.Close()
	}
	return nil
}

// Start is a no-op kept for lifecycle-interface compatibility.
func (l *Logger) Start() error {
	return nil
}

// Stop closes the logger's resources.
func (l *Logger) Stop() error {
	return l.Close()
}
