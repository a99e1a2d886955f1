// Package logging adapts go.uber.org/zap to the types.Logger interface used
// throughout pgstream.
//
// Every component takes a types.Logger via a WithLogger option. When none is
// given, [Nop] is used.
package logging

import (
	"sort"

	"github.com/slackmgr/types"
	"go.uber.org/zap"
)

type zapLogger struct {
	l *zap.SugaredLogger
}

// NewZap wraps a zap logger. A nil logger yields a no-op logger.
//
//nolint:ireturn // Must return interface to implement types.Logger
func NewZap(l *zap.Logger) types.Logger {
	if l == nil {
		l = zap.NewNop()
	}

	return &zapLogger{l: l.Sugar()}
}

// NewProduction builds a JSON logger at info level.
//
//nolint:ireturn
func NewProduction() (types.Logger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	return NewZap(l), nil
}

// Nop returns a logger that discards everything.
//
//nolint:ireturn
func Nop() types.Logger {
	return NewZap(zap.NewNop())
}

//nolint:ireturn
func (z *zapLogger) WithField(key string, value any) types.Logger {
	return &zapLogger{l: z.l.With(key, value)}
}

//nolint:ireturn
func (z *zapLogger) WithFields(fields map[string]any) types.Logger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	args := make([]any, 0, len(fields)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}

	return &zapLogger{l: z.l.With(args...)}
}

func (z *zapLogger) Debug(msg string)                  { z.l.Debug(msg) }
func (z *zapLogger) Debugf(format string, args ...any) { z.l.Debugf(format, args...) }
func (z *zapLogger) Info(msg string)                   { z.l.Info(msg) }
func (z *zapLogger) Infof(format string, args ...any)  { z.l.Infof(format, args...) }
func (z *zapLogger) Error(msg string)                  { z.l.Error(msg) }
func (z *zapLogger) Errorf(format string, args ...any) { z.l.Errorf(format, args...) }
