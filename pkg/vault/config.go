package vault

import (
	"fmt"
	"strings"
)

// sensitiveMarkers flags config fields that must never be stored or logged
// in plaintext. Matched case-insensitively against the field name.
var sensitiveMarkers = []string{
	"password",
	"secret",
	"token",
	"key",
	"credential",
	"connectionstring",
	"authtoken",
	"apikey",
}

// IsSensitiveField reports whether a config field name triggers encryption.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// EncryptConfig returns a copy of config with every sensitive string field
// sealed. Non-string and non-sensitive values pass through unchanged.
func (v *Vault) EncryptConfig(config map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(config))
	for name, value := range config {
		str, ok := value.(string)
		if !ok || !IsSensitiveField(name) {
			out[name] = value
			continue
		}
		enc, err := v.Encrypt(str)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt field %q: %w", name, err)
		}
		out[name] = enc
	}
	return out, nil
}

// DecryptConfig returns a copy of config with every ENC: value opened.
// Plaintext values pass through, so the operation is idempotent.
func (v *Vault) DecryptConfig(config map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(config))
	for name, value := range config {
		str, ok := value.(string)
		if !ok || !IsEncrypted(str) {
			out[name] = value
			continue
		}
		plain, err := v.Decrypt(str)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt field %q: %w", name, err)
		}
		out[name] = plain
	}
	return out, nil
}

// MaskConfig returns the only representation of a config permitted in logs
// and audit entries: non-sensitive fields in plaintext, encrypted fields as
// [ENCRYPTED], plaintext sensitive fields as a first-3-chars mask.
func MaskConfig(config map[string]any) map[string]any {
	out := make(map[string]any, len(config))
	for name, value := range config {
		str, ok := value.(string)
		if !ok || !IsSensitiveField(name) {
			out[name] = value
			continue
		}
		if IsEncrypted(str) {
			out[name] = "[ENCRYPTED]"
		} else {
			out[name] = MaskValue(str)
		}
	}
	return out
}

// MaskValue keeps the first three characters and stars the rest, capped at
// eight stars.
func MaskValue(value string) string {
	if len(value) <= 3 {
		return strings.Repeat("*", len(value))
	}
	stars := len(value) - 3
	if stars > 8 {
		stars = 8
	}
	return value[:3] + strings.Repeat("*", stars)
}
