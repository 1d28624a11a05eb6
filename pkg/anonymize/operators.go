package anonymize

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/veilworks/veil/pkg/policy"
	"github.com/veilworks/veil/pkg/types"
)

// RedactedPlaceholder replaces redacted ranges in the output text.
const RedactedPlaceholder = "[REDACTED]"

// applyOperator rewrites one original value under op and returns the
// replacement string.
func applyOperator(original string, op policy.Operator, key []byte) (string, error) {
	switch op.Action {
	case types.ActionRedact, "":
		return RedactedPlaceholder, nil

	case types.ActionReplace:
		if op.Replacement != "" {
			return op.Replacement, nil
		}
		return RedactedPlaceholder, nil

	case types.ActionMask:
		return maskValue(original, op), nil

	case types.ActionHash:
		sum := sha256.Sum256([]byte(original))
		return hex.EncodeToString(sum[:]), nil

	case types.ActionEncrypt:
		return encryptValue(original, key)

	default:
		return "", fmt.Errorf("unknown anonymization action %q", op.Action)
	}
}

// maskValue overwrites count characters of the value with the mask
// character, from the front or the back. count 0 masks everything.
func maskValue(value string, op policy.Operator) string {
	maskChar := op.MaskChar
	if maskChar == "" {
		maskChar = "*"
	}

	runes := []rune(value)
	count := op.MaskCount
	if count <= 0 || count > len(runes) {
		count = len(runes)
	}

	masked := strings.Repeat(maskChar, count)
	if count == len(runes) {
		return masked
	}
	if op.FromEnd {
		return string(runes[:len(runes)-count]) + masked
	}
	return masked + string(runes[count:])
}

// encryptValue produces a reversible AES-256-GCM replacement, base64
// encoded with the nonce prepended.
func encryptValue(value string, key []byte) (string, error) {
	if len(key) != 32 {
		return "", fmt.Errorf("encrypt operator requires a 32-byte key, have %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to initialize GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(value), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptValue reverses encryptValue. Exported for tooling that restores
// encrypted ranges.
func DecryptValue(encoded string, key []byte) (string, error) {
	if len(key) != 32 {
		return "", fmt.Errorf("decrypt requires a 32-byte key, have %d", len(key))
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}

	plain, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plain), nil
}
