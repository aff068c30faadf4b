package loqui

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

// ============================================================================
// Codec
// ============================================================================

// Codec encrypts message content on send and decrypts it at render time
// using XChaCha20-Poly1305 with a key derived from a shared passphrase.
//
// Both directions fail soft: on any error — missing input, missing key,
// garbage ciphertext, wrong key — the input is returned unchanged and a
// warning is logged. Garbled history must render as something rather than
// take the whole view down, so the caller never sees an error.
type Codec struct {
	log *zap.Logger
}

// NewCodec returns a Codec logging soft failures through log.
// A nil logger disables logging.
func NewCodec(log *zap.Logger) *Codec {
	if log == nil {
		log = zap.NewNop()
	}
	return &Codec{log: log}
}

// cipherPrefix marks content produced by Encrypt so Decrypt can pass
// plaintext (or foreign ciphertext) through untouched.
const cipherPrefix = "lq1:"

func deriveKey(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:]
}

// Encrypt returns base64 ciphertext for plaintext under key.
// Empty plaintext or key returns plaintext unchanged.
func (c *Codec) Encrypt(plaintext, key string) string {
	if plaintext == "" || key == "" {
		c.log.Warn("encrypt skipped, missing plaintext or key")
		return plaintext
	}

	aead, err := chacha20poly1305.NewX(deriveKey(key))
	if err != nil {
		c.log.Warn("encrypt failed, returning plaintext", zap.Error(err))
		return plaintext
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		c.log.Warn("encrypt failed, returning plaintext", zap.Error(err))
		return plaintext
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return cipherPrefix + base64.StdEncoding.EncodeToString(sealed)
}

// Decrypt reverses Encrypt. Anything that is not valid ciphertext under key
// — including plaintext that was never encrypted — comes back unchanged.
func (c *Codec) Decrypt(ciphertext, key string) string {
	if ciphertext == "" || key == "" {
		return ciphertext
	}
	if len(ciphertext) <= len(cipherPrefix) || ciphertext[:len(cipherPrefix)] != cipherPrefix {
		return ciphertext
	}

	sealed, err := base64.StdEncoding.DecodeString(ciphertext[len(cipherPrefix):])
	if err != nil {
		c.log.Warn("decrypt failed, returning ciphertext", zap.Error(err))
		return ciphertext
	}

	aead, err := chacha20poly1305.NewX(deriveKey(key))
	if err != nil {
		c.log.Warn("decrypt failed, returning ciphertext", zap.Error(err))
		return ciphertext
	}
	if len(sealed) < aead.NonceSize() {
		c.log.Warn("decrypt failed, ciphertext shorter than nonce")
		return ciphertext
	}

	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil || len(plain) == 0 {
		c.log.Warn("decrypt failed, returning ciphertext", zap.Error(err))
		return ciphertext
	}
	return string(plain)
}
