package loqui

import (
	"strings"
	"testing"
)

const testChatKey = "household-shared-passphrase"

func TestCodecRoundTrip(t *testing.T) {
	c := NewCodec(nil)

	t.Run("encrypt then decrypt", func(t *testing.T) {
		plain := "meet at the usual place at 7"
		sealed := c.Encrypt(plain, testChatKey)
		if sealed == plain {
			t.Fatal("expected ciphertext to differ from plaintext")
		}
		if !strings.HasPrefix(sealed, cipherPrefix) {
			t.Fatalf("expected %q prefix, got %q", cipherPrefix, sealed)
		}
		if got := c.Decrypt(sealed, testChatKey); got != plain {
			t.Fatalf("round trip mismatch: got %q", got)
		}
	})

	t.Run("nonces differ between calls", func(t *testing.T) {
		a := c.Encrypt("same text", testChatKey)
		b := c.Encrypt("same text", testChatKey)
		if a == b {
			t.Fatal("expected distinct ciphertexts for the same plaintext")
		}
	})

	t.Run("unicode content", func(t *testing.T) {
		plain := "привет 👋 你好"
		if got := c.Decrypt(c.Encrypt(plain, testChatKey), testChatKey); got != plain {
			t.Fatalf("round trip mismatch: got %q", got)
		}
	})
}

func TestCodecSoftFail(t *testing.T) {
	c := NewCodec(nil)

	t.Run("plaintext passes through decrypt", func(t *testing.T) {
		// Pre-encryption history has no cipher prefix.
		if got := c.Decrypt("unencrypted legacy message", testChatKey); got != "unencrypted legacy message" {
			t.Fatalf("expected passthrough, got %q", got)
		}
	})

	t.Run("wrong key returns stored form", func(t *testing.T) {
		sealed := c.Encrypt("secret", testChatKey)
		if got := c.Decrypt(sealed, "some-other-key"); got != sealed {
			t.Fatalf("expected ciphertext back on auth failure, got %q", got)
		}
	})

	t.Run("garbage after prefix returns stored form", func(t *testing.T) {
		garbage := cipherPrefix + "!!not-base64!!"
		if got := c.Decrypt(garbage, testChatKey); got != garbage {
			t.Fatalf("expected garbage back unchanged, got %q", got)
		}
	})

	t.Run("empty key disables encryption", func(t *testing.T) {
		if got := c.Encrypt("hello", ""); got != "hello" {
			t.Fatalf("expected plaintext with empty key, got %q", got)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if got := c.Encrypt("", testChatKey); got != "" {
			t.Fatalf("expected empty output, got %q", got)
		}
		if got := c.Decrypt("", testChatKey); got != "" {
			t.Fatalf("expected empty output, got %q", got)
		}
	})
}
