// Package secrets decrypts encrypted action inputs in place.
//
// The control plane encrypts designated fields with AES-256-GCM using the
// first 32 bytes of the organization's client secret as the key. The wire
// form is base64(iv(16) || ciphertext || tag(16)). Mappings name the fields
// to decrypt with dotted paths (numeric segments index into arrays).
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

const (
	ivSize  = 16
	tagSize = 16
	keySize = 32
)

// DecryptField decrypts one base64-encoded AES-GCM value.
func DecryptField(encoded, key string) (string, error) {
	keyBytes := []byte(key)
	if len(keyBytes) < keySize {
		return "", fmt.Errorf("encryption key must be at least %d bytes", keySize)
	}
	keyBytes = keyBytes[:keySize]

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode encrypted value: %w", err)
	}
	if len(data) < ivSize+tagSize {
		return "", fmt.Errorf("encrypted data is too short: %d bytes", len(data))
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return "", err
	}

	// GCM's Open expects ciphertext||tag, which is the wire layout after
	// the leading IV.
	iv, sealed := data[:ivSize], data[ivSize:]
	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt field: %w", err)
	}
	return string(plain), nil
}

// DecryptFields decrypts each dotted path in doc in place. A missing path is
// skipped; a decryption failure logs a warning and leaves the original value
// untouched, so a wrong key degrades to pass-through instead of data loss.
func DecryptFields(doc map[string]any, paths []string, key string) {
	for _, path := range paths {
		value, ok := getPath(doc, path)
		if !ok {
			continue
		}
		encoded, isString := value.(string)
		if !isString {
			slog.Warn("field to decrypt is not a string, keeping original value", "path", path)
			continue
		}
		plain, err := DecryptField(encoded, key)
		if err != nil {
			slog.Warn("failed to decrypt field, keeping original value", "path", path, "error", err)
			continue
		}
		if !setPath(doc, path, plain) {
			slog.Warn("failed to write decrypted field", "path", path)
		}
	}
}

// getPath walks a dotted path through nested maps and slices.
func getPath(doc any, path string) (any, bool) {
	current := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// setPath writes value at a dotted path. The path must already exist; this
// mirrors decryption semantics, which only ever rewrites fields read via
// getPath.
func setPath(doc any, path string, value any) bool {
	segs := strings.Split(path, ".")
	current := doc
	for i, seg := range segs {
		last := i == len(segs)-1
		switch node := current.(type) {
		case map[string]any:
			if last {
				node[seg] = value
				return true
			}
			next, ok := node[seg]
			if !ok {
				return false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return false
			}
			if last {
				node[idx] = value
				return true
			}
			current = node[idx]
		default:
			return false
		}
	}
	return false
}
