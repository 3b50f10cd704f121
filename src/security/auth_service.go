package security

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dotpay/backend/src/apperrors"
)

// AuthService issues and validates the HS256 bearer tokens the API consumes.
type AuthService struct {
	secret []byte
}

func NewAuthService(secret string) *AuthService {
	return &AuthService{secret: []byte(secret)}
}

// TokenClaims is what a validated bearer token carries.
type TokenClaims struct {
	Address string
	Scope   string
}

// GenerateToken signs a token for the given wallet address and scope.
func (s *AuthService) GenerateToken(address, scope string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":     strings.ToLower(address),
		"address": strings.ToLower(address),
		"scope":   scope,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken verifies signature and expiry and extracts address + scope.
func (s *AuthService) ValidateToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.Auth("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "expired") {
			return nil, apperrors.Auth("token is expired")
		}
		return nil, apperrors.Auth("invalid token: %v", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, apperrors.Auth("invalid token claims")
	}

	address, _ := claims["address"].(string)
	if address == "" {
		address, _ = claims["sub"].(string)
	}
	if address == "" {
		return nil, apperrors.Auth("token missing subject address")
	}
	scope, _ := claims["scope"].(string)

	return &TokenClaims{
		Address: strings.ToLower(address),
		Scope:   scope,
	}, nil
}

// HasScope reports whether the space-or-comma separated scope list contains want.
func (c *TokenClaims) HasScope(want string) bool {
	for _, s := range strings.FieldsFunc(c.Scope, func(r rune) bool { return r == ' ' || r == ',' }) {
		if s == want {
			return true
		}
	}
	return false
}
