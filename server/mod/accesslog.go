package mod

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/relaycache/tavern/conf"
	"github.com/relaycache/tavern/contrib/accesslog"
	"github.com/relaycache/tavern/contrib/log"
	"github.com/relaycache/tavern/metrics"
	xhttp "github.com/relaycache/tavern/pkg/x/http"
)

func HandleAccessLog(opt *conf.ServerAccessLog, next http.HandlerFunc) http.HandlerFunc {
	if !opt.Enabled {
		log.Infof("access-log is turned off")
		return next
	}

	if opt.Child != nil && opt.Child.Command != "" {
		logger, err := accesslog.Spawn(opt.Child.Command, opt.Child.Args...)
		if err != nil {
			log.Errorf("access-log child process failed to start, falling back to in-process log: %v", err)
		} else {
			return handleChildAccessLog(logger, next)
		}
	}

	if opt.Path == "" {
		log.Warnf("access-log `path` is empty, will be written to stdout")
		return wrap(next)
	}

	logWriter := newAccessLog(opt.Path)

	// 提前根据配置初始化是否加密
	// 避免每次请求都判断 opt.LogEncrypt
	defeaterWriter := func(buf []byte) {
		logWriter.Info(string(buf))
	}
	if opt.Encrypt.Enabled {
		defeaterWriter = func(buf []byte) {
			// TODO: 对日志进行加密处理
			// logWriter.Info()
		}
	}

	return func(w http.ResponseWriter, req *http.Request) {
		// 补全 request 结构
		fillRequest(req)

		recorder := xhttp.NewResponseRecorder(w)

		defer func() {
			// write access log
			defeaterWriter(WithNormalFields(req, recorder))
		}()

		next(recorder, req)
	}
}

// handleChildAccessLog forwards one Record per request to a Logger bound
// to an out-of-process log sink, instead of writing in this goroutine.
func handleChildAccessLog(logger *accesslog.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		fillRequest(req)

		recorder := xhttp.NewResponseRecorder(w)
		start := time.Now()

		defer func() {
			metric := metrics.FromContext(req.Context())
			logger.Log(&accesslog.Record{
				Time:       start,
				RemoteAddr: xhttp.ClientIP(req.RemoteAddr, req.Header),
				Method:     req.Method,
				URI:        req.URL.String(),
				Status:     recorder.Status(),
				BytesSent:  int64(bytesSent(recorder)),
				Duration:   time.Since(metric.StartAt),
				Referer:    req.Header.Get("Referer"),
				UserAgent:  req.Header.Get("User-Agent"),
			})
		}()

		next(recorder, req)
	}
}

func newAccessLog(path string) *zap.Logger {
	// initialize log file path
	_ = os.MkdirAll(filepath.Dir(path), 0o755)

	f := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     1,
		LocalTime:  true,
		Compress:   false,
	}

	cfg := zap.NewProductionConfig().EncoderConfig
	cfg.ConsoleSeparator = " "
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {}
	cfg.EncodeLevel = func(_ zapcore.Level, _ zapcore.PrimitiveArrayEncoder) {}

	logWriter := zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.AddSync(f),
		zapcore.InfoLevel,
	))

	return logWriter
}
