package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
)

// sessionIDBytes is the entropy of a session identifier. 24 bytes (192 bits)
// comfortably exceeds the 128-bit minimum needed to resist guessing.
const sessionIDBytes = 24

// GenerateSessionID generates a cryptographically secure opaque session
// identifier, encoded as base64url without padding.
func GenerateSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateNumericCode generates a fixed-length numeric one-time code using
// crypto/rand. Leading zeros are preserved, so every code has exactly
// `length` digits.
//
// Numeric codes carry little entropy, so callers must pair them with a
// short expiry and attempt rate limiting.
func GenerateNumericCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("code length must be positive, got %d", length)
	}

	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to generate code digit: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}

	return string(digits), nil
}
