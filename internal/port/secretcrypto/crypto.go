// Package secretcrypto defines the port for provider secret encryption.
// Secrets are stored encrypted and decrypted only in memory at dispatch.
package secretcrypto

// Crypto encrypts and decrypts provider secret values.
type Crypto interface {
	Encrypt(plaintext string) ([]byte, error)
	Decrypt(ciphertext []byte) (string, error)
}
