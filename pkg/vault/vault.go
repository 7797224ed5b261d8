// Package vault encrypts sensitive plugin configuration fields at rest with
// AES-256-GCM. Values are self-describing: encrypted strings carry the "ENC:"
// prefix, so re-encrypting a config is idempotent.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	// Prefix marks a vault-encrypted value.
	Prefix = "ENC:"

	// EnvKey is the environment variable holding the encryption passphrase.
	EnvKey = "PLUGIN_ENCRYPTION_KEY"

	gcmTagSize = 16
)

// kdfSalt pins scrypt output for a given passphrase. The passphrase itself is
// the secret; the salt only separates this application's key space.
var kdfSalt = []byte("opsagent-plugin-vault-v1")

var (
	// ErrNotEncrypted is returned when Decrypt is given a plaintext value.
	ErrNotEncrypted = errors.New("value is not encrypted")

	// ErrMalformed is returned when an ENC: value does not parse.
	ErrMalformed = errors.New("malformed encrypted value")
)

// Vault holds the derived AES-256 key.
type Vault struct {
	aead cipher.AEAD
}

// New derives the vault key from the PLUGIN_ENCRYPTION_KEY environment
// variable. Without it, a key derived from the hostname is used so that
// development setups work out of the box; production refuses to start on
// the fallback.
func New(production bool) (*Vault, error) {
	passphrase := os.Getenv(EnvKey)
	if passphrase == "" {
		if production {
			return nil, fmt.Errorf("%s must be set in production", EnvKey)
		}
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "localhost"
		}
		passphrase = "dev-" + hostname
		slog.Warn("Using development encryption key derived from hostname",
			"env", EnvKey)
	}
	return NewWithPassphrase(passphrase)
}

// NewWithPassphrase builds a vault from key material. A 64-char hex string is
// used directly as the 32-byte key; anything else goes through scrypt.
func NewWithPassphrase(passphrase string) (*Vault, error) {
	var key []byte
	if raw, err := hex.DecodeString(passphrase); err == nil && len(raw) == 32 {
		key = raw
	} else {
		key, err = scrypt.Key([]byte(passphrase), kdfSalt, 1<<15, 8, 1, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to derive encryption key: %w", err)
		}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise GCM: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals a plaintext value. Already-encrypted values are returned
// unchanged.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if strings.HasPrefix(plaintext, Prefix) {
		return plaintext, nil
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]
	return Prefix + hex.EncodeToString(nonce) + ":" +
		hex.EncodeToString(tag) + ":" +
		hex.EncodeToString(ciphertext), nil
}

// Decrypt opens an "ENC:nonce:tag:ciphertext" value.
func (v *Vault) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, Prefix) {
		return "", ErrNotEncrypted
	}
	parts := strings.Split(strings.TrimPrefix(value, Prefix), ":")
	if len(parts) != 3 {
		return "", ErrMalformed
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != v.aead.NonceSize() {
		return "", ErrMalformed
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != gcmTagSize {
		return "", ErrMalformed
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformed
	}
	plaintext, err := v.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt value: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a value carries the vault prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}
