package log

import "fmt"

// Helper wraps a Logger with printf-style and leveled convenience methods,
// mirroring the teacher's *log.Helper usage across the caching middleware.
type Helper struct {
	logger Logger
}

// NewHelper wraps logger in a Helper.
func NewHelper(logger Logger) *Helper {
	return &Helper{logger: logger}
}

func (h *Helper) Enabled(level Level) bool {
	if f, ok := h.logger.(*Filter); ok {
		return level >= f.level
	}
	return true
}

func (h *Helper) log(level Level, msg string) {
	_ = h.logger.Log(level, DefaultMessageKey, msg)
}

func (h *Helper) Debug(a ...any) { h.log(LevelDebug, fmt.Sprint(a...)) }
func (h *Helper) Info(a ...any)  { h.log(LevelInfo, fmt.Sprint(a...)) }
func (h *Helper) Warn(a ...any)  { h.log(LevelWarn, fmt.Sprint(a...)) }
func (h *Helper) Error(a ...any) { h.log(LevelError, fmt.Sprint(a...)) }
func (h *Helper) Fatal(a ...any) { h.log(LevelFatal, fmt.Sprint(a...)) }

func (h *Helper) Debugf(format string, a ...any) { h.log(LevelDebug, fmt.Sprintf(format, a...)) }
func (h *Helper) Infof(format string, a ...any)  { h.log(LevelInfo, fmt.Sprintf(format, a...)) }
func (h *Helper) Warnf(format string, a ...any)  { h.log(LevelWarn, fmt.Sprintf(format, a...)) }
func (h *Helper) Errorf(format string, a ...any) { h.log(LevelError, fmt.Sprintf(format, a...)) }
func (h *Helper) Fatalf(format string, a ...any) { h.log(LevelFatal, fmt.Sprintf(format, a...)) }

// Errorw logs a key/value pair record at error level, e.g.
// Errorw("err", err, "key", value).
func (h *Helper) Errorw(keyvals ...any) {
	_ = h.logger.Log(LevelError, keyvals...)
}

// With returns a Helper that always prepends the given keyvals.
func (h *Helper) With(keyvals ...any) *Helper {
	return NewHelper(With(h.logger, keyvals...))
}
