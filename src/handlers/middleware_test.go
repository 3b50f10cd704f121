package handlers

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotpay/backend/src/logger"
	"github.com/dotpay/backend/src/security"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")
	os.Exit(m.Run())
}

const testAddress = "0xabc0000000000000000000000000000000000001"

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddlewareAcceptsBearerToken(t *testing.T) {
	authService := security.NewAuthService("0123456789abcdef0123456789abcdef")
	h := NewPaymentHandler(authService, nil)

	token, err := authService.GenerateToken(testAddress, ScopeMpesa, time.Hour)
	require.NoError(t, err)

	var called bool
	var gotClaims *security.TokenClaims
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		gotClaims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/mpesa/transactions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.AuthMiddleware(inner).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
	require.NotNil(t, gotClaims)
	assert.Equal(t, testAddress, gotClaims.Address)
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	authService := security.NewAuthService("0123456789abcdef0123456789abcdef")
	h := NewPaymentHandler(authService, nil)

	var called bool
	req := httptest.NewRequest(http.MethodGet, "/api/mpesa/transactions", nil)
	rec := httptest.NewRecorder()
	h.AuthMiddleware(okHandler(&called)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestAuthMiddlewareRejectsMissingScope(t *testing.T) {
	authService := security.NewAuthService("0123456789abcdef0123456789abcdef")
	h := NewPaymentHandler(authService, nil)

	token, err := authService.GenerateToken(testAddress, "reports", time.Hour)
	require.NoError(t, err)

	var called bool
	req := httptest.NewRequest(http.MethodGet, "/api/mpesa/transactions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.AuthMiddleware(okHandler(&called)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestInternalAuthMiddleware(t *testing.T) {
	mw := InternalAuthMiddleware("internal-key-123")

	var called bool
	req := httptest.NewRequest(http.MethodPost, "/api/mpesa/internal/reconcile", nil)
	req.Header.Set("X-DotPay-Internal-Key", "internal-key-123")
	rec := httptest.NewRecorder()
	mw(okHandler(&called)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)

	called = false
	req = httptest.NewRequest(http.MethodPost, "/api/mpesa/internal/reconcile", nil)
	req.Header.Set("X-DotPay-Internal-Key", "wrong")
	rec = httptest.NewRecorder()
	mw(okHandler(&called)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestInternalAuthMiddlewareRejectsWhenUnconfigured(t *testing.T) {
	mw := InternalAuthMiddleware("")

	var called bool
	req := httptest.NewRequest(http.MethodPost, "/api/mpesa/internal/reconcile", nil)
	rec := httptest.NewRecorder()
	mw(okHandler(&called)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestWebhookAuthMiddleware(t *testing.T) {
	mw := WebhookAuthMiddleware("hook-secret")

	var called bool
	req := httptest.NewRequest(http.MethodPost, "/api/mpesa/webhooks/stk", nil)
	req.Header.Set("X-Webhook-Secret", "hook-secret")
	rec := httptest.NewRecorder()
	mw(okHandler(&called)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	called = false
	req = httptest.NewRequest(http.MethodPost, "/api/mpesa/webhooks/stk?secret=hook-secret", nil)
	rec = httptest.NewRecorder()
	mw(okHandler(&called)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "query-string secret is accepted for providers that cannot set headers")

	called = false
	req = httptest.NewRequest(http.MethodPost, "/api/mpesa/webhooks/stk", nil)
	rec = httptest.NewRecorder()
	mw(okHandler(&called)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestWebhookAuthMiddlewareDisabledWithoutSecret(t *testing.T) {
	mw := WebhookAuthMiddleware("")

	var called bool
	req := httptest.NewRequest(http.MethodPost, "/api/mpesa/webhooks/stk", nil)
	rec := httptest.NewRecorder()
	mw(okHandler(&called)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

func TestLegacyRateLimitMiddleware(t *testing.T) {
	hits := cache.New(time.Minute, time.Minute)
	mw := LegacyRateLimitMiddleware(hits, 2, time.Minute)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/mpesa/legacy/deposit", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/mpesa/legacy/deposit", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err, "429 responses carry a Retry-After header")
	assert.Greater(t, retryAfter, 0)
	assert.LessOrEqual(t, retryAfter, 60)

	req = httptest.NewRequest(http.MethodPost, "/api/mpesa/legacy/deposit", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "limits are per client address")
}
