// Package logging carries a zap logger through context. Harness code and
// the worker binary share it; workers must keep stdout clean for the
// result stream, so their sinks are stderr and an optional rotating file.
package logging

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type loggerKey struct{}

func NewContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

func FromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}

// Opts selects the sinks and verbosity for New.
type Opts struct {
	Debug bool   `long:"debuglog" description:"Enable debug logs"`
	JSON  bool   `long:"jsonlog" description:"Log in JSON format"`
	File  string `long:"logfile" description:"Also log to this file (rotated)"`
}

// New builds a logger writing to stderr and, when Opts.File is set, to a
// size-rotated file alongside it.
func New(opts Opts) *zap.Logger {
	level := zap.InfoLevel
	if opts.Debug {
		level = zap.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	var encoder zapcore.Encoder
	if opts.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}
	if opts.File != "" {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename: opts.File,
			MaxSize:  50,
			MaxAge:   7,
			Compress: true,
		})
		cores = append(cores, zapcore.NewCore(encoder, sink, zap.DebugLevel))
	}

	return zap.New(zapcore.NewTee(cores...))
}

// WithWorkerID tags every entry of the returned logger with the worker's
// identity, matching the worker_id carried on the wire.
func WithWorkerID(logger *zap.Logger, id int) *zap.Logger {
	return logger.With(zap.Int("worker_id", id))
}
