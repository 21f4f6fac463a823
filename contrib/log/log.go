// Package log is a small go-kratos-shaped logging facade. The concrete
// backend is go.uber.org/zap; callers never import zap directly so the
// backend can be swapped without touching call sites across the tree.
package log

import (
	"context"
	"time"
)

// Level is a logging severity, ordered least to most severe.
type Level int8

const (
	LevelDebug Level = iota - 1
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// DefaultMessageKey is the key under which Helper passes its formatted
// message; the zap adapter emits that key's value as the record's message.
const DefaultMessageKey = "msg"

// Logger is the minimal structured-logging sink every component depends
// on. keyvals is an alternating key/value slice, e.g. Log(LevelInfo, "msg",
// "listening", "addr", addr).
type Logger interface {
	Log(level Level, keyvals ...any) error
}

var (
	globalLogger Logger = NewStdLogger()
)

// SetLogger installs the process-wide default Logger.
func SetLogger(logger Logger) {
	globalLogger = logger
}

// GetLogger returns the process-wide default Logger.
func GetLogger() Logger {
	return globalLogger
}

// With returns a Logger that always prepends the given keyvals.
func With(logger Logger, keyvals ...any) Logger {
	return &prefixedLogger{logger: logger, prefix: keyvals}
}

type prefixedLogger struct {
	logger Logger
	prefix []any
}

func (l *prefixedLogger) Log(level Level, keyvals ...any) error {
	merged := make([]any, 0, len(l.prefix)+len(keyvals))
	merged = append(merged, l.prefix...)
	merged = append(merged, keyvals...)
	return l.logger.Log(level, merged...)
}

// Valuer is evaluated lazily each time a record is emitted, letting a
// keyval like "ts", Timestamp(...) reflect the current time per record
// instead of the time With() was called.
type Valuer interface {
	LogValue() any
}

// Timestamp returns a Valuer that formats time.Now using the given layout
// each time a record is emitted.
func Timestamp(layout string) any {
	return timestampValuer(layout)
}

type timestampValuer string

func (t timestampValuer) LogValue() any {
	return time.Now().Format(string(t))
}

// FilterOption configures NewFilter.
type FilterOption func(*Filter)

// FilterLevel drops log records below the given level.
func FilterLevel(level Level) FilterOption {
	return func(f *Filter) { f.level = level }
}

// Filter wraps a Logger and drops records under a minimum level.
type Filter struct {
	logger Logger
	level  Level
}

func (f *Filter) Log(level Level, keyvals ...any) error {
	if level < f.level {
		return nil
	}
	return f.logger.Log(level, keyvals...)
}

// NewFilter returns a level-filtering Logger wrapping logger.
func NewFilter(logger Logger, opts ...FilterOption) Logger {
	f := &Filter{logger: logger, level: LevelDebug}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Enabled reports whether the global logger would emit records at level.
func Enabled(level Level) bool {
	if f, ok := globalLogger.(*Filter); ok {
		return level >= f.level
	}
	return true
}

type requestLoggerKey struct{}

// NewContext attaches a per-request Helper (e.g. one carrying a request id)
// to ctx.
func NewContext(ctx context.Context, helper *Helper) context.Context {
	return context.WithValue(ctx, requestLoggerKey{}, helper)
}

// Context returns the Helper attached to ctx, or a Helper over the global
// logger if none was attached.
func Context(ctx context.Context) *Helper {
	if h, ok := ctx.Value(requestLoggerKey{}).(*Helper); ok && h != nil {
		return h
	}
	return NewHelper(globalLogger)
}

// package-level convenience wrappers over the global logger, matching the
// teacher's call sites (log.Infof, log.Errorw, ...).

func Debug(a ...any)            { NewHelper(globalLogger).Debug(a...) }
func Debugf(f string, a ...any) { NewHelper(globalLogger).Debugf(f, a...) }
func Infof(f string, a ...any)  { NewHelper(globalLogger).Infof(f, a...) }
func Warnf(f string, a ...any)  { NewHelper(globalLogger).Warnf(f, a...) }
func Errorf(f string, a ...any) { NewHelper(globalLogger).Errorf(f, a...) }
func Errorw(a ...any)           { NewHelper(globalLogger).Errorw(a...) }
func Fatal(a ...any)            { NewHelper(globalLogger).Fatal(a...) }
func Fatalf(f string, a ...any) { NewHelper(globalLogger).Fatalf(f, a...) }
