// Copyright 2025 Lumastream
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger is a thin facade over zap's sugared logger so that
// components depend only on the narrow Logger interface and loggers can be
// swapped in tests.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging capability handed to every component. Key/value
// pairs follow zap's sugared convention. Warnw/Errorw take the error
// explicitly so call sites never forget to attach it.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, err error, keysAndValues ...interface{})
	Errorw(msg string, err error, keysAndValues ...interface{})
	WithValues(keysAndValues ...interface{}) Logger
}

type zapLogger struct {
	zap *zap.SugaredLogger
}

var defaultLogger Logger = newZapLogger(zapcore.InfoLevel)

// GetLogger returns the process-wide default logger.
func GetLogger() Logger {
	return defaultLogger
}

// SetLevel replaces the default logger with one at the given level.
// Valid levels: debug, info, warn, error.
func SetLevel(level string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = zapcore.InfoLevel
	}
	defaultLogger = newZapLogger(l)
}

func newZapLogger(level zapcore.Level) *zapLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	z, _ := cfg.Build(zap.AddCallerSkip(1))
	return &zapLogger{zap: z.Sugar()}
}

func (z *zapLogger) Debugw(msg string, keysAndValues ...interface{}) {
	z.zap.Debugw(msg, keysAndValues...)
}

func (z *zapLogger) Infow(msg string, keysAndValues ...interface{}) {
	z.zap.Infow(msg, keysAndValues...)
}

func (z *zapLogger) Warnw(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err)
	}
	z.zap.Warnw(msg, keysAndValues...)
}

func (z *zapLogger) Errorw(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err)
	}
	z.zap.Errorw(msg, keysAndValues...)
}

func (z *zapLogger) WithValues(keysAndValues ...interface{}) Logger {
	return &zapLogger{zap: z.zap.With(keysAndValues...)}
}
