package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RotatingOptions configures NewRotating. MaxSizeMB, MaxBackups and MaxAgeDays
// follow lumberjack's own field names and defaults (0 means "no limit"),
// except MaxSizeMB which lumberjack defaults to 100 when left at 0.
type RotatingOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Level      zapcore.Level
}

// DefaultRotatingOptions returns the options NewRotating uses when none are
// supplied: 100MB per file, 7 backups, 28 days, compressed, info level.
func DefaultRotatingOptions() RotatingOptions {
	return RotatingOptions{
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 28,
		Compress:   true,
		Level:      zapcore.InfoLevel,
	}
}

// NewRotating builds a Logger that writes JSON-encoded records to path,
// rotating it with lumberjack instead of growing it unbounded the way a
// plain os.Stdout logger would. Reactor deployments that run for weeks
// need this; a dev console logger (Default) does not.
func NewRotating(path string, opts ...RotatingOptions) Logger {
	o := DefaultRotatingOptions()
	if len(opts) > 0 {
		o = opts[0]
	}
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    o.MaxSizeMB,
		MaxBackups: o.MaxBackups,
		MaxAge:     o.MaxAgeDays,
		Compress:   o.Compress,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(sink),
		zap.NewAtomicLevelAt(o.Level),
	)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}
