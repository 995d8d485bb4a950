package zap

import (
	"fmt"
	"os"
	"strings"

	"github.com/unkn0wn-root/leasecache"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ leasecache.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

// New builds a leveled zap logger writing to stderr. format is "json" or
// "console"; level is one of debug, info, warn, error.
func New(level, format string) (ZapLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return ZapLogger{}, fmt.Errorf("log level %q: %w", level, err)
	}

	enc := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      zapcore.OmitKey,
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	var encoder zapcore.Encoder
	switch strings.ToLower(format) {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(enc)
	case "console", "text":
		encoder = zapcore.NewConsoleEncoder(enc)
	default:
		return ZapLogger{}, fmt.Errorf("log format %q: want json or console", format)
	}
	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), lvl)
	return ZapLogger{L: zap.New(core)}, nil
}

func (z ZapLogger) Debug(msg string, f leasecache.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f leasecache.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f leasecache.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f leasecache.Fields) { z.L.Error(msg, zf(f)...) }

// Sync flushes buffered entries.
func (z ZapLogger) Sync() error { return z.L.Sync() }

func zf(f leasecache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}
