package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured key/value logger passed to every component.
type Logger interface {
	Info(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Debug(msg string, kv ...interface{})
	With(kv ...interface{}) Logger
	Sync() error
}

type zapLogger struct {
	logger *zap.SugaredLogger
}

// New builds a logger writing to stderr. Format is "json" or "text".
func New(level, format string) (Logger, error) {
	var lvl zapcore.Level
	switch level {
	case "", "info":
		lvl = zapcore.InfoLevel
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	switch format {
	case "", "text":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	return FromZap(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))), nil
}

// FromZap wraps an existing zap logger.
func FromZap(l *zap.Logger) Logger {
	return &zapLogger{logger: l.Sugar()}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return FromZap(zap.NewNop())
}

func (l *zapLogger) Info(msg string, kv ...interface{}) {
	l.logger.Infow(msg, kv...)
}

func (l *zapLogger) Error(msg string, kv ...interface{}) {
	l.logger.Errorw(msg, kv...)
}

func (l *zapLogger) Warn(msg string, kv ...interface{}) {
	l.logger.Warnw(msg, kv...)
}

func (l *zapLogger) Debug(msg string, kv ...interface{}) {
	l.logger.Debugw(msg, kv...)
}

func (l *zapLogger) With(kv ...interface{}) Logger {
	return &zapLogger{logger: l.logger.With(kv...)}
}

func (l *zapLogger) Sync() error {
	return l.logger.Sync()
}
