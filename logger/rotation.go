package logger

import (
	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig controls size/age-based rotation of the file sink.
type RotationConfig struct {
	// MaxSize is the largest a log file is allowed to grow, in megabytes,
	// before it is rotated.
	MaxSize int `json:"max_size"`
	// MaxAge is how many days to retain rotated files.
	MaxAge int `json:"max_age"`
	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int `json:"max_backups"`
	// LocalTime names rotated files using the local timezone instead of UTC.
	LocalTime bool `json:"local_time"`
	// Compress gzips rotated files.
	Compress bool `json:"compress"`
}

// newRotateWriter builds the file sink backing a Logger's file core.
// Rotation itself is delegated to lumberjack rather than hand-rolled, so
// RotationConfig is just a thin, JSON-tagged view onto lumberjack.Logger's
// fields.
func newRotateWriter(filename string, cfg RotationConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		LocalTime:  cfg.LocalTime,
		Compress:   cfg.Compress,
	}
}
