// Package util provides low-level helpers shared by all other packages.
package util

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// zap levels used for the five message classes.  Verbose sits between
// zap's debug and info, so debug output is shifted one step down.
const (
	zapDebug   = zapcore.DebugLevel - 1
	zapVerbose = zapcore.DebugLevel
)

// Logger writes levelled messages to stderr with optional timestamps
// and level prefixes.  It is a thin printf-style front end over a zap
// core; Zap exposes the structured logger for field logging.
type Logger struct {
	level      LogLevel
	output     io.Writer
	timestamps bool

	mu  sync.RWMutex
	zl  *zap.Logger
	out zapcore.WriteSyncer
}

// NewLogger returns a Logger that prints messages at or below the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	l := &Logger{
		level:      LogLevel(verbosity),
		output:     os.Stderr,
		timestamps: verbosity >= 3, // auto-enable timestamps in debug mode
	}
	l.rebuild()
	return l
}

// SetTimestamps enables or disables timestamp prefixes.
func (l *Logger) SetTimestamps(on bool) {
	l.mu.Lock()
	l.timestamps = on
	l.mu.Unlock()
	l.rebuild()
}

// SetOutput overrides the output writer (default: os.Stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.output = w
	l.mu.Unlock()
	l.rebuild()
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// Zap returns the structured logger behind l.
func (l *Logger) Zap() *zap.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.zl
}

// Named returns a child logger whose structured entries carry name.
// The child shares l's level and output.
func (l *Logger) Named(name string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		level:      l.level,
		output:     l.output,
		timestamps: l.timestamps,
		zl:         l.zl.Named(name),
		out:        l.out,
	}
}

// Info prints when verbosity ≥ 1.  Prefixed with [INF].
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(zapcore.InfoLevel, format, args...)
}

// Warn prints when verbosity ≥ 1.  Prefixed with [WRN].
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(zapcore.WarnLevel, format, args...)
}

// Verbose prints when verbosity ≥ 2.  Prefixed with [VRB].
func (l *Logger) Verbose(format string, args ...interface{}) {
	l.write(zapVerbose, format, args...)
}

// Debug prints when verbosity ≥ 3.  Prefixed with [DBG].
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(zapDebug, format, args...)
}

// Error always prints regardless of verbosity.  Prefixed with [ERR].
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(zapcore.ErrorLevel, format, args...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.Zap().Sync()
}

func (l *Logger) write(lvl zapcore.Level, format string, args ...interface{}) {
	zl := l.Zap()
	if ce := zl.Check(lvl, fmt.Sprintf(format, args...)); ce != nil {
		ce.Write()
	}
}

func (l *Logger) rebuild() {
	l.mu.Lock()
	defer l.mu.Unlock()

	enc := zapcore.EncoderConfig{
		LevelKey:         "level",
		NameKey:          "logger",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      encodeLevel,
		EncodeName:       zapcore.FullNameEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
	if l.timestamps {
		enc.TimeKey = "ts"
		enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	}

	l.out = zapcore.Lock(zapcore.AddSync(l.output))
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), l.out, threshold(l.level))
	l.zl = zap.New(core)
}

// threshold maps a verbosity to the lowest enabled zap level.
func threshold(v LogLevel) zapcore.Level {
	switch {
	case v >= LogDebug:
		return zapDebug
	case v == LogVerbose:
		return zapVerbose
	case v == LogNormal:
		return zapcore.InfoLevel
	default:
		return zapcore.ErrorLevel
	}
}

func encodeLevel(lvl zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch {
	case lvl >= zapcore.ErrorLevel:
		enc.AppendString("[ERR]")
	case lvl == zapcore.WarnLevel:
		enc.AppendString("[WRN]")
	case lvl == zapcore.InfoLevel:
		enc.AppendString("[INF]")
	case lvl == zapVerbose:
		enc.AppendString("[VRB]")
	default:
		enc.AppendString("[DBG]")
	}
}
