// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapFactory hands out pion scoped loggers backed by one zap core.
// zap has no trace level, so trace messages are written at debug level
// and only when trace was requested.
type zapFactory struct {
	base  *zap.Logger
	trace bool
}

func newLoggerFactory(w io.Writer, level string, json bool) (logging.LoggerFactory, error) {
	zapLevel, trace, err := parseLogLevel(level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		NameKey:     "scope",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
		EncodeName:  zapcore.FullNameEncoder,
	}
	encoder := zapcore.NewConsoleEncoder(encoderConfig)
	if json {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), zapLevel)
	return &zapFactory{base: zap.New(core), trace: trace}, nil
}

func parseLogLevel(level string) (zapcore.Level, bool, error) {
	switch strings.ToLower(level) {
	case "trace":
		return zapcore.DebugLevel, true, nil
	case "debug":
		return zapcore.DebugLevel, false, nil
	case "info":
		return zapcore.InfoLevel, false, nil
	case "warn", "warning":
		return zapcore.WarnLevel, false, nil
	case "error":
		return zapcore.ErrorLevel, false, nil
	case "disabled", "off":
		// Above every level the adapter writes at
		return zapcore.FatalLevel, false, nil
	}
	return 0, false, fmt.Errorf("unknown log level %q", level)
}

// NewLogger implements logging.LoggerFactory
func (f *zapFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zapLogger{sugar: f.base.Named(scope).Sugar(), trace: f.trace}
}

type zapLogger struct {
	sugar *zap.SugaredLogger
	trace bool
}

func (l *zapLogger) Trace(msg string) {
	if l.trace {
		l.sugar.Debug(msg)
	}
}

func (l *zapLogger) Tracef(format string, args ...interface{}) {
	if l.trace {
		l.sugar.Debugf(format, args...)
	}
}

func (l *zapLogger) Debug(msg string)                          { l.sugar.Debug(msg) }
func (l *zapLogger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *zapLogger) Info(msg string)                           { l.sugar.Info(msg) }
func (l *zapLogger) Infof(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *zapLogger) Warn(msg string)                           { l.sugar.Warn(msg) }
func (l *zapLogger) Warnf(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *zapLogger) Error(msg string)                          { l.sugar.Error(msg) }
func (l *zapLogger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }
