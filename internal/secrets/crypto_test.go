package secrets

import (
	"bytes"
	"testing"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	c := New("test-shared-secret")
	plaintext := "zai-secret-value"

	ct, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Ciphertext must be longer than plaintext (nonce + auth tag)
	if len(ct) <= len(plaintext) {
		t.Fatal("ciphertext should be longer than plaintext")
	}

	got, err := c.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != plaintext {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestEncrypt_UniqueNonce(t *testing.T) {
	c := New("test-shared-secret")

	ct1, err := c.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ct2, err := c.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(ct1, ct2) {
		t.Fatal("two encryptions of the same input must differ")
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	ct, err := New("key-a").Encrypt("value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := New("key-b").Decrypt(ct); err == nil {
		t.Fatal("decrypt with wrong key must fail")
	}
}

func TestDecrypt_TooShort(t *testing.T) {
	if _, err := New("key").Decrypt([]byte("short")); err == nil {
		t.Fatal("short ciphertext must fail")
	}
}
