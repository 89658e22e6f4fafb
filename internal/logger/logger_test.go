package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nerdneilsfield/imagegen-broker/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMaskSensitiveInfo(t *testing.T) {
	assert.Equal(t, "", MaskSensitiveInfo(""))
	assert.Equal(t, "****", MaskSensitiveInfo("short"))
	assert.Equal(t, "****", MaskSensitiveInfo("12345678"))
	assert.Equal(t, "sk-a*****wxyz", MaskSensitiveInfo("sk-abcdefwxyz"))
}

func TestIsSensitiveField(t *testing.T) {
	for _, key := range []string{"api_key", "APIKey", "jwt_token", "client_secret", "Authorization", "master_key"} {
		assert.True(t, IsSensitiveField(key), key)
	}
	for _, key := range []string{"user_id", "base_url", "model", "author", "oauth_provider"} {
		assert.False(t, IsSensitiveField(key), key)
	}
}

func TestMaskedLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewMaskedLogger(zap.New(core))

	log.Info("calling upstream",
		zap.String("api_key", "sk-1234567890abcdef"),
		zap.String("base_url", "https://api.example.com"),
		zap.Int("attempt", 1),
	)
	log.With(zap.String("token", "eyJhbGciOiJIUzI1NiJ9")).Info("with fields")

	entries := logs.All()
	require.Len(t, entries, 2)

	fields := entries[0].ContextMap()
	assert.Equal(t, "sk-1***********cdef", fields["api_key"])
	assert.Equal(t, "https://api.example.com", fields["base_url"])
	assert.EqualValues(t, 1, fields["attempt"])

	assert.Equal(t, "eyJh************NiJ9", entries[1].ContextMap()["token"])
}

func TestInitLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "broker.log")
	log, err := InitLogger(config.LogConfig{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)

	log.Debug("hello", zap.String("secret", "do-not-print-me"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.NotContains(t, string(data), "do-not-print-me")
}

func TestGetLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, GetLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, GetLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, GetLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, GetLevel("nonsense"))
}
