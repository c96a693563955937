// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package testutil

import (
	"os"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestLogger implements the engine Logger interface on top of a zap logger
// that writes to stdout, tagged with the test name and optionally a node index.
type TestLogger struct {
	*zap.Logger
	traceVerboseLogger *zap.Logger
}

func (t *TestLogger) Intercept(hook func(entry zapcore.Entry) error) {
	logger := t.Logger.WithOptions(zap.Hooks(hook))
	t.Logger = logger
}

// Silence suppresses everything below Fatal. Intercept hooks registered
// afterwards are suppressed as well.
func (t *TestLogger) Silence() {
	atomicLevel := zap.NewAtomicLevelAt(zapcore.FatalLevel)
	core := t.Logger.Core()
	t.Logger = zap.New(core, zap.AddCaller(), zap.IncreaseLevel(atomicLevel))
	t.traceVerboseLogger = zap.New(core, zap.AddCaller(), zap.IncreaseLevel(atomicLevel))
}

func (t *TestLogger) Trace(msg string, fields ...zap.Field) {
	t.traceVerboseLogger.Log(zapcore.DebugLevel, msg, fields...)
}

func (t *TestLogger) Verbo(msg string, fields ...zap.Field) {
	t.traceVerboseLogger.Log(zapcore.DebugLevel, msg, fields...)
}

func MakeLogger(t *testing.T, node ...int) *TestLogger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoderConfig.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(strings.ToUpper(l.String()))
	}
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("[01-02|15:04:05.000]")
	encoderConfig.ConsoleSeparator = " "
	encoder := zapcore.NewConsoleEncoder(encoderConfig)

	atomicLevel := zap.NewAtomicLevelAt(zapcore.DebugLevel)

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), atomicLevel)

	logger := zap.New(core, zap.AddCaller())
	logger = logger.With(zap.String("test", t.Name()))
	if len(node) > 0 {
		logger = logger.With(zap.Int("node", node[0]))
	}

	// Trace and Verbo log through an extra stack frame, so skip one more
	// caller to report the real call site.
	traceVerboseLogger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	traceVerboseLogger = traceVerboseLogger.With(zap.String("test", t.Name()))
	if len(node) > 0 {
		traceVerboseLogger = traceVerboseLogger.With(zap.Int("node", node[0]))
	}

	return &TestLogger{Logger: logger, traceVerboseLogger: traceVerboseLogger}
}
