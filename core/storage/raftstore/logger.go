package raftstore

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapHCLogger lets a zap.Logger stand in for the hclog.Logger Raft expects.
type zapHCLogger struct {
	logger *zap.Logger
	name   string
	level  zap.AtomicLevel
}

// NewHCLogger adapts logger for HashiCorp Raft. The initial level follows
// whether logger has debug enabled.
func NewHCLogger(logger *zap.Logger) hclog.Logger {
	initial := zap.InfoLevel
	if logger.Core().Enabled(zap.DebugLevel) {
		initial = zap.DebugLevel
	}
	return &zapHCLogger{logger: logger, level: zap.NewAtomicLevelAt(initial)}
}

func (z *zapHCLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace, hclog.Debug:
		z.log(zap.DebugLevel, msg, args...)
	case hclog.Warn:
		z.log(zap.WarnLevel, msg, args...)
	case hclog.Error:
		z.log(zap.ErrorLevel, msg, args...)
	default:
		z.log(zap.InfoLevel, msg, args...)
	}
}

func (z *zapHCLogger) Trace(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }
func (z *zapHCLogger) Debug(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }
func (z *zapHCLogger) Info(msg string, args ...interface{})  { z.log(zap.InfoLevel, msg, args...) }
func (z *zapHCLogger) Warn(msg string, args ...interface{})  { z.log(zap.WarnLevel, msg, args...) }
func (z *zapHCLogger) Error(msg string, args ...interface{}) { z.log(zap.ErrorLevel, msg, args...) }

func (z *zapHCLogger) log(level zapcore.Level, msg string, args ...interface{}) {
	// bolt's "tx closed" is emitted on every read and carries no signal.
	if strings.Contains(msg, "tx closed") {
		return
	}
	if !z.level.Enabled(level) {
		return
	}
	if ce := z.logger.Check(level, msg); ce != nil {
		ce.Write(argsToFields(args...)...)
	}
}

func (z *zapHCLogger) IsTrace() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *zapHCLogger) IsDebug() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *zapHCLogger) IsInfo() bool  { return z.level.Enabled(zap.InfoLevel) }
func (z *zapHCLogger) IsWarn() bool  { return z.level.Enabled(zap.WarnLevel) }
func (z *zapHCLogger) IsError() bool { return z.level.Enabled(zap.ErrorLevel) }

func (z *zapHCLogger) ImpliedArgs() []interface{} { return nil }

func (z *zapHCLogger) With(args ...interface{}) hclog.Logger {
	return &zapHCLogger{logger: z.logger.With(argsToFields(args...)...), name: z.name, level: z.level}
}

func (z *zapHCLogger) Name() string { return z.name }

func (z *zapHCLogger) Named(name string) hclog.Logger {
	full := name
	if z.name != "" {
		full = z.name + "." + name
	}
	return &zapHCLogger{logger: z.logger.Named(name), name: full, level: z.level}
}

func (z *zapHCLogger) ResetNamed(name string) hclog.Logger {
	return &zapHCLogger{logger: z.logger.Named(name), name: name, level: z.level}
}

func (z *zapHCLogger) SetLevel(level hclog.Level) {
	switch level {
	case hclog.Trace, hclog.Debug:
		z.level.SetLevel(zap.DebugLevel)
	case hclog.Warn:
		z.level.SetLevel(zap.WarnLevel)
	case hclog.Error:
		z.level.SetLevel(zap.ErrorLevel)
	default:
		z.level.SetLevel(zap.InfoLevel)
	}
}

func (z *zapHCLogger) GetLevel() hclog.Level {
	switch z.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.InfoLevel:
		return hclog.Info
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel:
		return hclog.Error
	default:
		return hclog.NoLevel
	}
}

func (z *zapHCLogger) StandardLogger(*hclog.StandardLoggerOptions) *log.Logger {
	return zap.NewStdLog(z.logger)
}

func (z *zapHCLogger) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return zap.NewStdLog(z.logger).Writer()
}

func argsToFields(args ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("invalid_key_%d", i)
		}
		if i+1 >= len(args) {
			fields = append(fields, zap.String(key, "(no value)"))
			break
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
