package log

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// zapLogger adapts *zap.Logger to the Logger interface.
type zapLogger struct {
	z *zap.Logger
}

func (l *zapLogger) Log(level Level, keyvals ...any) error {
	msg := ""
	fields := make([]zap.Field, 0, len(keyvals)/2)

	for i := 0; i+1 < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		val := keyvals[i+1]
		if valuer, ok := val.(Valuer); ok {
			val = valuer.LogValue()
		}
		if key == DefaultMessageKey {
			msg = fmt.Sprint(val)
			continue
		}
		fields = append(fields, zap.Any(key, val))
	}

	switch level {
	case LevelDebug:
		l.z.Debug(msg, fields...)
	case LevelInfo:
		l.z.Info(msg, fields...)
	case LevelWarn:
		l.z.Warn(msg, fields...)
	case LevelError:
		l.z.Error(msg, fields...)
	case LevelFatal:
		l.z.Fatal(msg, fields...)
	default:
		l.z.Info(msg, fields...)
	}
	return nil
}

// DefaultLogger is the process bootstrap logger, used before conf.Logger
// has been loaded and installed via SetLogger.
var DefaultLogger = NewStdLogger()

// NewStdLogger returns a zap-backed Logger writing to stderr, used as the
// process bootstrap default before conf.Logger is loaded.
func NewStdLogger() Logger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(os.Stderr),
		zapcore.DebugLevel,
	)
	return &zapLogger{z: zap.New(core)}
}

// RotateOption configures NewRotatingLogger.
type RotateOption struct {
	Path       string
	Level      Level
	MaxSize    int
	MaxAge     int
	MaxBackups int
	Compress   bool
	Caller     bool
}

// NewRotatingLogger returns a zap-backed Logger writing to a
// lumberjack-rotated file, matching conf.Logger's MaxSize/MaxAge/MaxBackups
// fields. If opt.Path is empty it falls back to stderr.
func NewRotatingLogger(opt RotateOption) Logger {
	var sink zapcore.WriteSyncer
	if opt.Path == "" {
		sink = zapcore.AddSync(os.Stderr)
	} else {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opt.Path,
			MaxSize:    opt.MaxSize,
			MaxAge:     opt.MaxAge,
			MaxBackups: opt.MaxBackups,
			Compress:   opt.Compress,
		})
	}

	zapLevel := zapcore.InfoLevel
	switch opt.Level {
	case LevelDebug:
		zapLevel = zapcore.DebugLevel
	case LevelWarn:
		zapLevel = zapcore.WarnLevel
	case LevelError:
		zapLevel = zapcore.ErrorLevel
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), sink, zapLevel)
	zopts := make([]zap.Option, 0, 1)
	if opt.Caller {
		zopts = append(zopts, zap.AddCaller())
	}
	return &zapLogger{z: zap.New(core, zopts...)}
}
