package secrets

import (
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	for _, plaintext := range []string{"", "gho_token", strings.Repeat("x", 4096)} {
		enc, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if enc == plaintext && plaintext != "" {
			t.Fatal("ciphertext equals plaintext")
		}
		dec, err := c.Decrypt(enc)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if dec != plaintext {
			t.Fatalf("round trip mismatch: %q != %q", dec, plaintext)
		}
	}
}

func TestEncryptNonceVaries(t *testing.T) {
	c, _ := NewCipher(testKey)
	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	if a == b {
		t.Fatal("two encryptions of the same plaintext are identical")
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	c1, _ := NewCipher(testKey)
	c2, _ := NewCipher("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")

	enc, _ := c1.Encrypt("secret")
	if _, err := c2.Decrypt(enc); err == nil {
		t.Fatal("decryption under a different key succeeded")
	}
}

func TestDecryptGarbageFails(t *testing.T) {
	c, _ := NewCipher(testKey)
	for _, bad := range []string{"", "not-base64!!", "AAAA"} {
		if _, err := c.Decrypt(bad); err == nil {
			t.Fatalf("decrypting %q succeeded", bad)
		}
	}
}

func TestNewCipherRejectsBadKeys(t *testing.T) {
	for _, key := range []string{"", "abcd", "zz" + testKey[2:]} {
		if _, err := NewCipher(key); err == nil {
			t.Fatalf("cipher accepted bad key %q", key)
		}
	}
}

func TestHashToken(t *testing.T) {
	h := HashToken("token")
	if len(h) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h))
	}
	if h != HashToken("token") {
		t.Fatal("hash is not deterministic")
	}
	if h == HashToken("token2") {
		t.Fatal("distinct tokens hash identically")
	}
}

func TestNewToken(t *testing.T) {
	tok, err := NewToken()
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	if len(tok) != 32 {
		t.Fatalf("expected 32 hex chars (128 bits), got %d", len(tok))
	}
	tok2, _ := NewToken()
	if tok == tok2 {
		t.Fatal("two tokens collided")
	}
}
