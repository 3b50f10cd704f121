package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewAuthService(testSecret)

	token, err := svc.GenerateToken("0xAbC0000000000000000000000000000000000001", "mpesa", time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "0xabc0000000000000000000000000000000000001", claims.Address)
	assert.True(t, claims.HasScope("mpesa"))
	assert.False(t, claims.HasScope("admin"))
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc := NewAuthService(testSecret)

	token, err := svc.GenerateToken("0xabc0000000000000000000000000000000000001", "mpesa", -time.Minute)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	token, err := NewAuthService(testSecret).GenerateToken("0xabc0000000000000000000000000000000000001", "mpesa", time.Hour)
	require.NoError(t, err)

	_, err = NewAuthService("another-secret-another-secret-xx").ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc := NewAuthService(testSecret)
	_, err := svc.ValidateToken("not.a.token")
	assert.Error(t, err)
}

func TestHasScopeSeparators(t *testing.T) {
	claims := &TokenClaims{Scope: "mpesa admin"}
	assert.True(t, claims.HasScope("mpesa"))
	assert.True(t, claims.HasScope("admin"))

	claims = &TokenClaims{Scope: "mpesa,reports"}
	assert.True(t, claims.HasScope("reports"))
	assert.False(t, claims.HasScope("mpes"))
}
