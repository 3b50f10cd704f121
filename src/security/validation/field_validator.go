package validation

import (
	"math"
	"regexp"
	"strings"

	"github.com/dotpay/backend/src/apperrors"
)

const (
	MinIdempotencyKeyLength = 8
	MaxIdempotencyKeyLength = 128
	MinAccountRefLength     = 2
	MaxAccountRefLength     = 20
	MaxSTKAccountRefLength  = 12
	MaxSTKDescLength        = 182
)

var (
	msisdnPattern         = regexp.MustCompile(`^254[71]\d{8}$`)
	shortcodePattern      = regexp.MustCompile(`^\d{5,8}$`)
	idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:.]+$`)
)

// ValidateMsisdn checks the Kenyan mobile number format 254[7|1]XXXXXXXX.
func ValidateMsisdn(msisdn string) error {
	if !msisdnPattern.MatchString(msisdn) {
		return apperrors.Validation("phone number %q must match 254[7|1]XXXXXXXX", msisdn)
	}
	return nil
}

// ValidateShortcode checks a paybill or till number (5-8 digits).
func ValidateShortcode(code, fieldName string) error {
	if !shortcodePattern.MatchString(code) {
		return apperrors.Validation("%s must be 5-8 digits", fieldName)
	}
	return nil
}

// ValidateAccountReference checks the merchant account reference (2-20 chars).
func ValidateAccountReference(ref string) error {
	trimmed := strings.TrimSpace(ref)
	if len(trimmed) < MinAccountRefLength || len(trimmed) > MaxAccountRefLength {
		return apperrors.Validation("account reference must be between %d and %d characters",
			MinAccountRefLength, MaxAccountRefLength)
	}
	return nil
}

// ValidateIdempotencyKey enforces the 8-128 char alphanumeric/_-:. format.
func ValidateIdempotencyKey(key string) error {
	if key == "" {
		return apperrors.Validation("Idempotency-Key header is required")
	}
	if len(key) < MinIdempotencyKeyLength || len(key) > MaxIdempotencyKeyLength {
		return apperrors.Validation("Idempotency-Key must be between %d and %d characters",
			MinIdempotencyKeyLength, MaxIdempotencyKeyLength)
	}
	if !idempotencyKeyPattern.MatchString(key) {
		return apperrors.Validation("Idempotency-Key contains unsupported characters")
	}
	return nil
}

// ValidateAmount rejects non-positive and non-finite amounts.
func ValidateAmount(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return apperrors.Validation("amount must be a finite number")
	}
	if amount <= 0 {
		return apperrors.Validation("amount must be greater than zero")
	}
	return nil
}

// TruncateForSTK clips a string for the provider's STK field limits.
func TruncateForSTK(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
