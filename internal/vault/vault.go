// Package vault encrypts upstream API keys at rest.
//
// The symmetric key is derived once from an operator master secret and salt
// with PBKDF2-SHA256 and never changes for the lifetime of the process.
// Blobs are laid out as version(1) || nonce(12) || AES-256-GCM ciphertext+tag.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinIterations PBKDF2 最低迭代次数
	MinIterations = 600000
	// MinPlaintextLength 更短的 API key 基本可以确定是填错了
	MinPlaintextLength = 10

	keySize     = 32
	nonceSize   = 12
	blobVersion = byte(0x01)
)

var (
	ErrMissingSecret   = errors.New("vault: master secret and salt are required")
	ErrWeakDerivation  = fmt.Errorf("vault: key derivation needs at least %d iterations", MinIterations)
	ErrInvalidInput    = fmt.Errorf("vault: plaintext must be at least %d characters", MinPlaintextLength)
	ErrTamperDetected  = errors.New("vault: ciphertext failed authentication")
	ErrCorruptEncoding = errors.New("vault: decrypted bytes are not valid text")
)

// Vault is safe for concurrent use; cipher.AEAD from crypto/aes holds no per-call state.
type Vault struct {
	aead   cipher.AEAD
	logger *zap.Logger
}

// New derives the key from masterSecret and salt. A missing secret or salt is
// a startup error, there is no built-in fallback.
func New(masterSecret, salt string, iterations int, logger *zap.Logger) (*Vault, error) {
	if masterSecret == "" || salt == "" {
		return nil, ErrMissingSecret
	}
	if iterations < MinIterations {
		return nil, ErrWeakDerivation
	}
	key := pbkdf2.Key([]byte(masterSecret), []byte(salt), iterations, keySize, sha256.New)
	return NewFromKey(key, logger)
}

// NewFromKey builds a Vault from an already derived 32-byte key.
func NewFromKey(key []byte, logger *zap.Logger) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create gcm: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vault{aead: aead, logger: logger.Named("vault")}, nil
}

// Encrypt seals plaintext. Inputs shorter than MinPlaintextLength are rejected.
func (v *Vault) Encrypt(plaintext string) ([]byte, error) {
	v.logger.Debug("encrypt requested")
	if len(plaintext) < MinPlaintextLength {
		v.logger.Warn("encrypt rejected", zap.String("reason", "plaintext too short"))
		return nil, ErrInvalidInput
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		v.logger.Error("encrypt failed", zap.Error(err))
		return nil, fmt.Errorf("vault: failed to generate nonce: %w", err)
	}
	blob := v.seal(nonce, []byte(plaintext))
	v.logger.Info("encrypt succeeded", zap.Int("blob_size", len(blob)))
	return blob, nil
}

func (v *Vault) seal(nonce, plaintext []byte) []byte {
	blob := make([]byte, 0, 1+nonceSize+len(plaintext)+v.aead.Overhead())
	blob = append(blob, blobVersion)
	blob = append(blob, nonce...)
	return v.aead.Seal(blob, nonce, plaintext, []byte{blobVersion})
}

// Decrypt opens a blob produced by Encrypt. Any modification of the blob,
// including its version byte, yields ErrTamperDetected.
func (v *Vault) Decrypt(blob []byte) (string, error) {
	v.logger.Debug("decrypt requested", zap.Int("blob_size", len(blob)))
	if len(blob) < 1+nonceSize+v.aead.Overhead() || blob[0] != blobVersion {
		v.logger.Warn("decrypt failed", zap.String("reason", "malformed blob"))
		return "", ErrTamperDetected
	}

	nonce := blob[1 : 1+nonceSize]
	plaintext, err := v.aead.Open(nil, nonce, blob[1+nonceSize:], []byte{blobVersion})
	if err != nil {
		v.logger.Warn("decrypt failed", zap.String("reason", "authentication failed"))
		return "", ErrTamperDetected
	}
	if !utf8.Valid(plaintext) {
		v.logger.Warn("decrypt failed", zap.String("reason", "invalid utf-8"))
		return "", ErrCorruptEncoding
	}
	v.logger.Info("decrypt succeeded")
	return string(plaintext), nil
}

// Fingerprint 返回 API key 的 blake2b-128 指纹，用于在管理界面区分密钥而不暴露明文
func Fingerprint(apiKey string) string {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// 只有 size 非法或 key 过长才会出错
		panic(err)
	}
	h.Write([]byte(apiKey))
	return hex.EncodeToString(h.Sum(nil))
}

// GenerateSecret returns size random bytes encoded as unpadded base64url,
// suitable for a master secret or salt.
func GenerateSecret(size int) (string, error) {
	if size < 16 {
		return "", fmt.Errorf("vault: secret size must be at least 16 bytes")
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("vault: failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
