// Package crypto implements the symmetric file encryption used for backup
// payloads and manifests. Files are encrypted as a single AES-256-GCM unit
// with the nonce prepended to the ciphertext; the key is derived from the
// configured passphrase. Encryption is transparent to the object key layout:
// ciphertext is uploaded under the same key the plaintext would use.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNoPassphrase is returned when an encryption operation is requested but
// no passphrase is configured.
var ErrNoPassphrase = errors.New("crypto: encryption passphrase required")

// DeriveKey derives the 32-byte AES-256 key from a passphrase.
func DeriveKey(passphrase string) [32]byte {
	return sha256.Sum256([]byte(passphrase))
}

func newGCM(passphrase string) (cipher.AEAD, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	key := DeriveKey(passphrase)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals data with AES-256-GCM. The returned slice is nonce followed
// by ciphertext and authentication tag.
func Encrypt(data []byte, passphrase string) ([]byte, error) {
	gcm, err := newGCM(passphrase)
	if err != nil {
		return nil, err
	}

	// GCM requires a unique nonce per encryption under the same key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, data, nil), nil
}

// Decrypt opens data produced by Encrypt.
func Decrypt(data []byte, passphrase string) ([]byte, error) {
	gcm, err := newGCM(passphrase)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("crypto: ciphertext too short to contain nonce")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptFile encrypts inputPath into outputPath as a whole-file unit.
func EncryptFile(inputPath, outputPath, passphrase string) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("crypto: failed to read %s: %w", inputPath, err)
	}
	sealed, err := Encrypt(data, passphrase)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, sealed, 0o600); err != nil {
		return fmt.Errorf("crypto: failed to write %s: %w", outputPath, err)
	}
	return nil
}

// DecryptFile decrypts inputPath into outputPath.
func DecryptFile(inputPath, outputPath, passphrase string) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("crypto: failed to read %s: %w", inputPath, err)
	}
	plain, err := Decrypt(data, passphrase)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, plain, 0o600); err != nil {
		return fmt.Errorf("crypto: failed to write %s: %w", outputPath, err)
	}
	return nil
}
