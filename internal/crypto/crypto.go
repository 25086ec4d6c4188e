// Package crypto holds the tenant credential helpers and the AES-GCM sealing
// used for secrets written into the tool server file.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// APIKeyPrefix marks gateway tenant keys.
const APIKeyPrefix = "gw-"

// EncryptedPrefix marks a config value sealed with Encryptor.
const EncryptedPrefix = "enc:"

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrNoEncryptor       = errors.New("encrypted value but no encryption key configured")
)

type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor derives a 256-bit key from passphrase.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	block, err := aes.NewCipher(deriveKey(passphrase))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{gcm: gcm}, nil
}

func deriveKey(passphrase string) []byte {
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:]
}

// Encrypt returns base64(nonce || ciphertext).
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := e.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	n := e.gcm.NonceSize()
	if len(data) < n {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := e.gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(plaintext), nil
}

// Seal encrypts plaintext into an "enc:" value.
func (e *Encryptor) Seal(plaintext string) (string, error) {
	ct, err := e.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return EncryptedPrefix + ct, nil
}

// DecryptValue returns value unchanged unless it carries the "enc:" prefix.
// e may be nil when no encryption key is configured.
func DecryptValue(e *Encryptor, value string) (string, error) {
	ct, ok := strings.CutPrefix(value, EncryptedPrefix)
	if !ok {
		return value, nil
	}
	if e == nil {
		return "", ErrNoEncryptor
	}
	return e.Decrypt(ct)
}

// GenerateAPIKey returns a new random tenant key. Only its hash is stored.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return APIKeyPrefix + hex.EncodeToString(b), nil
}

func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
