package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// sensitiveKeys 字段名包含以下任一子串即视为敏感
var sensitiveKeys = []string{"api_key", "apikey", "password", "token", "secret", "authorization", "master_key"}

// MaskSensitiveInfo 保留前4位和后4位，中间用*替代；8位及以下全部替换
func MaskSensitiveInfo(info string) string {
	if info == "" {
		return ""
	}
	if len(info) <= 8 {
		return "****"
	}
	return info[:4] + strings.Repeat("*", len(info)-8) + info[len(info)-4:]
}

// IsSensitiveField 判断字段是否为敏感字段
func IsSensitiveField(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// NewMaskedLogger 创建一个会对敏感信息进行打码的日志记录器
func NewMaskedLogger(baseLogger *zap.Logger) *zap.Logger {
	return baseLogger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &maskedCore{Core: core}
	}))
}

type maskedCore struct {
	zapcore.Core
}

// With 同样需要打码，否则 logger.With(zap.String("api_key", ...)) 会绕过 Write
func (c *maskedCore) With(fields []zapcore.Field) zapcore.Core {
	return &maskedCore{Core: c.Core.With(maskFields(fields))}
}

func (c *maskedCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *maskedCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(entry, maskFields(fields))
}

func maskFields(fields []zapcore.Field) []zapcore.Field {
	masked := fields
	copied := false
	for i, field := range fields {
		if field.Type != zapcore.StringType || !IsSensitiveField(field.Key) {
			continue
		}
		if !copied {
			masked = make([]zapcore.Field, len(fields))
			copy(masked, fields)
			copied = true
		}
		masked[i] = zap.String(field.Key, MaskSensitiveInfo(field.String))
	}
	return masked
}
