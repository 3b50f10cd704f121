package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/scrypt"

	"github.com/dotpay/backend/src/apperrors"
)

const (
	pinScheme    = "scrypt"
	scryptN      = 1 << 14
	scryptR      = 8
	scryptP      = 1
	pinSaltBytes = 16
	pinHashBytes = 64
)

// NormalizePin strips whitespace and enforces the exactly-6-digit PIN format.
func NormalizePin(pin string) (string, error) {
	var b strings.Builder
	for _, r := range pin {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	cleaned := b.String()
	if len(cleaned) != 6 {
		return "", apperrors.Validation("PIN must be exactly 6 digits")
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", apperrors.Validation("PIN must contain only digits")
		}
	}
	return cleaned, nil
}

// HashPin derives a storable hash in the form scrypt$salt_b64$hash_b64.
func HashPin(pin string) (string, error) {
	cleaned, err := NormalizePin(pin)
	if err != nil {
		return "", err
	}
	salt := make([]byte, pinSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate PIN salt: %w", err)
	}
	hash, err := scrypt.Key([]byte(cleaned), salt, scryptN, scryptR, scryptP, pinHashBytes)
	if err != nil {
		return "", fmt.Errorf("failed to derive PIN hash: %w", err)
	}
	return strings.Join([]string{
		pinScheme,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	}, "$"), nil
}

// VerifyPin checks a candidate PIN against a stored hash in constant time.
func VerifyPin(pin, stored string) error {
	cleaned, err := NormalizePin(pin)
	if err != nil {
		return err
	}
	parts := strings.Split(stored, "$")
	if len(parts) != 3 || parts[0] != pinScheme {
		return apperrors.Auth("stored PIN hash has an unsupported format")
	}
	salt, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return apperrors.Auth("stored PIN salt is not valid base64")
	}
	want, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return apperrors.Auth("stored PIN hash is not valid base64")
	}
	got, err := scrypt.Key([]byte(cleaned), salt, scryptN, scryptR, scryptP, len(want))
	if err != nil {
		return fmt.Errorf("failed to derive PIN hash: %w", err)
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return apperrors.Auth("invalid PIN")
	}
	return nil
}
