// Package log provides the per-module structured loggers used
// throughout this repository, in the call-site style of
// github.com/klaytn/klaytn/log: logger.Debug("msg", "key", value, ...).
// It is a thin wrapper over go.uber.org/zap's SugaredLogger.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module names, mirroring klaytn/log's convention of one constant per
// subsystem logger.
const (
	RoutingMeta = "routingmeta"
	Net         = "net"
	RoutingTbl  = "routingtable"
	Store       = "store"
	State       = "state"
	CLI         = "cli"
)

// Logger is the per-module logger handed out by NewModuleLogger.
type Logger struct {
	s *zap.SugaredLogger
}

var atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

var base = newBase(atomicLevel)

func newBase(level zap.AtomicLevel) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "ts"
	l, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op core rather than panicking: logging must
		// never be able to take the process down.
		l = zap.NewNop()
	}
	return l
}

// SetLevel adjusts the global verbosity of every module logger already
// handed out, as well as future ones.
func SetLevel(level zapcore.Level) {
	atomicLevel.SetLevel(level)
}

// NewModuleLogger returns a Logger scoped to module, tagging every
// entry with a "module" field.
func NewModuleLogger(module string) Logger {
	return Logger{s: base.Sugar().With("module", module)}
}

func (l Logger) Trace(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l Logger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l Logger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l Logger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l Logger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }

// Crit logs at error level and then panics; reserved for invariant
// violations such as a time-warp-future clock reading or a peer
// echoing our own transaction tag back as a new query, both of which
// are fatal to the owning actor.
func (l Logger) Crit(msg string, kv ...interface{}) {
	l.s.Errorw(msg, kv...)
	panic(msg)
}
