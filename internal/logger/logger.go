package logger

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global *zap.Logger

type contextKey string

const requestIDKey contextKey = "request_id"

// Init 初始化全局日志。level: debug/info/warn/error, format: json/console,
// output: stdout/stderr 或文件路径。
func Init(level, format, output string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	var encCfg zapcore.EncoderConfig
	if format == "json" {
		encCfg = zap.NewProductionEncoderConfig()
	} else {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer
	switch output {
	case "", "stdout":
		sink = zapcore.AddSync(os.Stdout)
	case "stderr":
		sink = zapcore.AddSync(os.Stderr)
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		sink = zapcore.AddSync(f)
	}

	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	global = zap.New(zapcore.NewCore(enc, sink, lvl),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return nil
}

// Get 获取全局 Logger
func Get() *zap.Logger {
	if global == nil {
		// 测试等场景允许未显式 Init
		global = zap.NewNop()
	}
	return global
}

// WithRequestID 在上下文中记录请求 ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 从上下文取请求 ID，取不到返回空串
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithContext 返回带请求 ID 字段的 Logger
func WithContext(ctx context.Context) *zap.Logger {
	l := Get()
	if id := RequestID(ctx); id != "" {
		l = l.With(zap.String("request_id", id))
	}
	return l
}

func Debug(msg string, fields ...zap.Field) { Get().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Get().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Get().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Get().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { Get().Fatal(msg, fields...) }

// Sync 刷新缓冲日志
func Sync() {
	if global != nil {
		_ = global.Sync()
	}
}
