// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

package log

import (
	"flag"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	crlog "sigs.k8s.io/controller-runtime/pkg/log"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

const FlagName = "log-verbosity"

var (
	verbosity = flag.Int(FlagName, 0, "Verbosity level of logs (-2=Error, -1=Warn, 0=Info, >0=Debug)")

	development = false
	level       = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// BindFlags attaches logging flags to the given flag set.
func BindFlags(flags *pflag.FlagSet) {
	flags.AddGoFlag(flag.Lookup(FlagName))
}

// Option represents log configuration options.
type Option func(*logBuilder)

type logBuilder struct {
	verbosity *int
}

// WithVerbosity sets the log verbosity level.
// Standard levels are as follows:
// level | Zap level | name
// -------------------------
//
//	1    | -1        | Debug
//	0    |  0        | Info
//	-1   |  1        | Warn
//	-2   |  2        | Error
func WithVerbosity(verbosity int) Option {
	return func(lb *logBuilder) {
		lb.verbosity = &verbosity
	}
}

// InitLogger initializes the global logger.
func InitLogger(opts ...Option) {
	lb := &logBuilder{verbosity: verbosity}
	for _, opt := range opts {
		opt(lb)
	}
	setLogger(lb.verbosity)
}

// ChangeVerbosity replaces the level of the global logger.
// Used when the verbosity is only known after the logger has been created.
func ChangeVerbosity(v int) {
	level.SetLevel(determineLogLevel(&v).Level())
}

func setLogger(v *int) {
	level = determineLogLevel(v)

	var encoder zapcore.Encoder
	if development {
		encoderConf := zap.NewDevelopmentEncoderConfig()
		encoderConf.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConf)
	} else {
		encoderConf := zap.NewProductionEncoderConfig()
		encoderConf.MessageKey = "message"
		encoderConf.TimeKey = "@timestamp"
		encoderConf.LevelKey = "log.level"
		encoderConf.NameKey = "log.logger"
		encoderConf.StacktraceKey = "error.stack_trace"
		encoderConf.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConf)
	}

	stackTraceLevel := zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	crlog.SetLogger(crzap.New(func(o *crzap.Options) {
		o.DestWriter = os.Stderr
		o.Development = development
		o.Level = &level
		o.StacktraceLevel = &stackTraceLevel
		o.Encoder = encoder
	}))
}

func determineLogLevel(v *int) zap.AtomicLevel {
	switch {
	case v != nil && *v > -3:
		return zap.NewAtomicLevelAt(zapcore.Level(*v * -1))
	case development:
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}
