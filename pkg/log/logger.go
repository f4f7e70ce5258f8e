package log

import (
	"bytes"
	"fmt"
	stdlog "log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a minimal structured logger which writes JSON records to stderr.
//
// Records are filtered by the configured minimum level, except records whose
// 'subsystem' field matches one of the enabled subsystems, which are always
// logged. This makes it easy to debug a single subsystem without enabling
// debug logs everywhere.
type Logger interface {
	Subsystem() string
	// WithSubsystem creates a new logger with the given subsystem.
	WithSubsystem(s string) Logger
	With(fields ...zap.Field) Logger
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Sync() error
	// StdLogger returns a standard library logger that writes records at the
	// given level.
	StdLogger(level zapcore.Level) *stdlog.Logger
}

type logger struct {
	zl *zap.Logger

	minLevel zapcore.Level

	subsystem         string
	subsystemEnabled  bool
	enabledSubsystems []string
}

// NewLogger creates a logger filtering with the given minimum level and
// enabled subsystems.
func NewLogger(lvl string, enabledSubsystems []string) (Logger, error) {
	zapLevel, err := zapLevelFromString(lvl)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	// Use the logger name as the 'subsystem' field.
	encoderConfig.NameKey = "subsystem"
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(
		"2006-01-02T15:04:05.999Z07:00",
	)
	enc := zapcore.NewJSONEncoder(encoderConfig)

	// Filtering is applied by logger.check rather than the core, since the
	// level can be overridden per subsystem.
	core := zapcore.NewCore(
		enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(zapcore.DebugLevel),
	)
	return &logger{
		zl:       zap.New(core).Named("main"),
		minLevel: zapLevel,
		// Use 'main' as the default subsystem.
		subsystem:         "main",
		subsystemEnabled:  subsystemMatch("main", enabledSubsystems),
		enabledSubsystems: enabledSubsystems,
	}, nil
}

func (l *logger) Subsystem() string {
	return l.subsystem
}

func (l *logger) WithSubsystem(s string) Logger {
	if s == l.subsystem {
		return l
	}

	clone := *l
	clone.zl = l.zl.Named(s)
	clone.subsystem = s
	clone.subsystemEnabled = subsystemMatch(s, l.enabledSubsystems)
	return &clone
}

func (l *logger) With(fields ...zap.Field) Logger {
	if len(fields) == 0 {
		return l
	}
	clone := *l
	clone.zl = l.zl.With(fields...)
	return &clone
}

func (l *logger) Debug(msg string, fields ...zap.Field) {
	if l.enabled(zapcore.DebugLevel) {
		l.zl.Debug(msg, fields...)
	}
}

func (l *logger) Info(msg string, fields ...zap.Field) {
	if l.enabled(zapcore.InfoLevel) {
		l.zl.Info(msg, fields...)
	}
}

func (l *logger) Warn(msg string, fields ...zap.Field) {
	if l.enabled(zapcore.WarnLevel) {
		l.zl.Warn(msg, fields...)
	}
}

func (l *logger) Error(msg string, fields ...zap.Field) {
	if l.enabled(zapcore.ErrorLevel) {
		l.zl.Error(msg, fields...)
	}
}

func (l *logger) Sync() error {
	return l.zl.Sync()
}

func (l *logger) StdLogger(level zapcore.Level) *stdlog.Logger {
	return stdlog.New(&loggerWriter{
		logFunc: func(msg string, fields ...zap.Field) {
			if l.enabled(level) {
				if ce := l.zl.Check(level, msg); ce != nil {
					ce.Write(fields...)
				}
			}
		},
	}, "", 0)
}

// enabled returns whether records at the given level should be logged.
func (l *logger) enabled(lvl zapcore.Level) bool {
	if l.subsystemEnabled {
		return true
	}
	return lvl >= l.minLevel
}

type loggerWriter struct {
	logFunc func(msg string, fields ...zap.Field)
}

func (w *loggerWriter) Write(p []byte) (int, error) {
	p = bytes.TrimSpace(p)
	w.logFunc(string(p))
	return len(p), nil
}

type nopLogger struct {
}

// NewNopLogger returns a logger that discards all records.
func NewNopLogger() Logger {
	return &nopLogger{}
}

func (l *nopLogger) Subsystem() string {
	return ""
}

func (l *nopLogger) WithSubsystem(_ string) Logger {
	return l
}

func (l *nopLogger) With(_ ...zap.Field) Logger {
	return l
}

func (l *nopLogger) Debug(_ string, _ ...zap.Field) {
}

func (l *nopLogger) Info(_ string, _ ...zap.Field) {
}

func (l *nopLogger) Warn(_ string, _ ...zap.Field) {
}

func (l *nopLogger) Error(_ string, _ ...zap.Field) {
}

func (l *nopLogger) Sync() error {
	return nil
}

func (l *nopLogger) StdLogger(_ zapcore.Level) *stdlog.Logger {
	return stdlog.New(&loggerWriter{
		logFunc: func(_ string, _ ...zap.Field) {},
	}, "", 0)
}

var _ Logger = &nopLogger{}

func subsystemMatch(subsystem string, enabled []string) bool {
	for _, s := range enabled {
		if subsystem == s {
			return true
		}
	}
	return false
}

func zapLevelFromString(s string) (zapcore.Level, error) {
	switch s {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unsupported level: %s", s)
	}
}
