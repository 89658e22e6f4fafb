package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nerdneilsfield/imagegen-broker/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger 根据配置初始化日志记录器，返回的 logger 已包装敏感信息打码
func InitLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(GetLevel(cfg.Level))

	switch strings.ToLower(cfg.Format) {
	case "json":
		zapConfig.Encoding = "json"
	default:
		zapConfig.Encoding = "console"
	}

	if cfg.File == "" {
		zapConfig.OutputPaths = []string{"stdout"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	} else {
		// 确保日志目录存在
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		zapConfig.OutputPaths = []string{cfg.File}
		zapConfig.ErrorOutputPaths = []string{cfg.File}
	}

	zapConfig.EncoderConfig.TimeKey = "time"
	zapConfig.EncoderConfig.MessageKey = "msg"
	zapConfig.EncoderConfig.NameKey = "logger"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zapConfig.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return NewMaskedLogger(logger), nil
}

// GetLevel 解析日志级别，未知级别按 info 处理
func GetLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// LevelNames 返回所有可用的日志级别名称
func LevelNames() []string {
	return []string{"debug", "info", "warn", "error"}
}
