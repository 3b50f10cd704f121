package validation

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateMsisdn(t *testing.T) {
	valid := []string{"254712345678", "254110000000", "254799999999"}
	for _, v := range valid {
		assert.NoError(t, ValidateMsisdn(v), v)
	}

	invalid := []string{
		"",
		"0712345678",
		"+254712345678",
		"254812345678",
		"25471234567",
		"2547123456789",
		"254712 45678",
	}
	for _, v := range invalid {
		assert.Error(t, ValidateMsisdn(v), v)
	}
}

func TestValidateShortcode(t *testing.T) {
	assert.NoError(t, ValidateShortcode("12345", "paybill"))
	assert.NoError(t, ValidateShortcode("12345678", "till"))

	assert.Error(t, ValidateShortcode("1234", "paybill"))
	assert.Error(t, ValidateShortcode("123456789", "paybill"))
	assert.Error(t, ValidateShortcode("12a45", "paybill"))
	assert.Error(t, ValidateShortcode("", "paybill"))
}

func TestValidateAccountReference(t *testing.T) {
	assert.NoError(t, ValidateAccountReference("AB"))
	assert.NoError(t, ValidateAccountReference(strings.Repeat("x", 20)))

	assert.Error(t, ValidateAccountReference("A"))
	assert.Error(t, ValidateAccountReference(strings.Repeat("x", 21)))
	assert.Error(t, ValidateAccountReference("  a  "), "trimmed length counts")
}

func TestValidateIdempotencyKey(t *testing.T) {
	assert.NoError(t, ValidateIdempotencyKey("order-123:retry.1"))
	assert.NoError(t, ValidateIdempotencyKey(strings.Repeat("k", 128)))
	assert.NoError(t, ValidateIdempotencyKey("abcd1234"))

	assert.Error(t, ValidateIdempotencyKey(""))
	assert.Error(t, ValidateIdempotencyKey("short7"))
	assert.Error(t, ValidateIdempotencyKey(strings.Repeat("k", 129)))
	assert.Error(t, ValidateIdempotencyKey("has spaces"))
	assert.Error(t, ValidateIdempotencyKey("bad/slash"))
}

func TestValidateAmount(t *testing.T) {
	assert.NoError(t, ValidateAmount(0.01))
	assert.NoError(t, ValidateAmount(150000))

	assert.Error(t, ValidateAmount(0))
	assert.Error(t, ValidateAmount(-1))
	assert.Error(t, ValidateAmount(math.NaN()))
	assert.Error(t, ValidateAmount(math.Inf(1)))
}

func TestTruncateForSTK(t *testing.T) {
	assert.Equal(t, "short", TruncateForSTK("short", MaxSTKAccountRefLength))
	assert.Equal(t, "123456789012", TruncateForSTK("1234567890123456", MaxSTKAccountRefLength))
	assert.Len(t, TruncateForSTK(strings.Repeat("d", 500), MaxSTKDescLength), MaxSTKDescLength)
}
