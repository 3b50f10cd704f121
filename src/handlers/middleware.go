package handlers

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/dotpay/backend/src/logger"
	"github.com/dotpay/backend/src/security"
)

type contextKey string

const (
	requestIDContextKey contextKey = "requestID"
	claimsContextKey    contextKey = "claims"
)

// ScopeMpesa is the token scope every payment endpoint requires.
const ScopeMpesa = "mpesa"

// ContextualLoggerMiddleware injects a request-scoped logger carrying a
// generated requestID into the context.
func ContextualLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()

		ctxLogger := logger.L.With(slog.String("requestID", requestID))

		ctx := logger.ToContext(r.Context(), ctxLogger)
		ctx = context.WithValue(ctx, requestIDContextKey, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthMiddleware validates the bearer token and requires the mpesa scope.
func (h *PaymentHandler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxLogger := logger.FromContext(r.Context())

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			ctxLogger.Debug("AuthMiddleware: Authorization header missing", "path", r.URL.Path)
			sendJSONError(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == "" {
			ctxLogger.Debug("AuthMiddleware: Token string empty", "path", r.URL.Path)
			sendJSONError(w, "Malformed token", http.StatusUnauthorized)
			return
		}

		claims, err := h.authService.ValidateToken(tokenString)
		if err != nil {
			ctxLogger.Warn("AuthMiddleware: Token validation failed", "path", r.URL.Path, "error", err)
			sendJSONError(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}
		if !claims.HasScope(ScopeMpesa) {
			ctxLogger.Warn("AuthMiddleware: Token missing required scope", "path", r.URL.Path, "scope", claims.Scope)
			sendJSONError(w, "Token lacks the required scope", http.StatusUnauthorized)
			return
		}

		enrichedLogger := ctxLogger.With(slog.String("userAddress", claims.Address))
		ctx := logger.ToContext(r.Context(), enrichedLogger)
		ctx = context.WithValue(ctx, claimsContextKey, claims)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext returns the validated token claims, nil outside the
// authenticated route group.
func ClaimsFromContext(ctx context.Context) *security.TokenClaims {
	claims, _ := ctx.Value(claimsContextKey).(*security.TokenClaims)
	return claims
}

// InternalAuthMiddleware gates operator endpoints behind the internal API key,
// accepted either as X-DotPay-Internal-Key or as a bearer token.
func InternalAuthMiddleware(internalKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-DotPay-Internal-Key")
			if provided == "" {
				provided = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if internalKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(internalKey)) != 1 {
				logger.FromContext(r.Context()).Warn("Internal endpoint rejected", "path", r.URL.Path)
				sendJSONError(w, "Invalid internal API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WebhookAuthMiddleware checks the shared webhook secret when one is
// configured. The secret arrives as X-Webhook-Secret or a secret query param.
func WebhookAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" {
				provided := r.Header.Get("X-Webhook-Secret")
				if provided == "" {
					provided = r.URL.Query().Get("secret")
				}
				if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
					logger.FromContext(r.Context()).Warn("Webhook rejected: bad secret", "path", r.URL.Path)
					sendJSONError(w, "Invalid webhook secret", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LegacyRateLimitMiddleware limits each (client IP, path) pair to limit
// requests per window. Backed by go-cache so stale counters expire on their
// own.
func LegacyRateLimitMiddleware(hits *cache.Cache, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := fmt.Sprintf("%s|%s", clientIP(r), r.URL.Path)
			count, err := hits.IncrementInt(key, 1)
			if err != nil {
				hits.Set(key, 1, window)
				count = 1
			}
			if count > limit {
				retryAfter := int(window.Seconds())
				if _, expiration, found := hits.GetWithExpiration(key); found && !expiration.IsZero() {
					if remaining := int(time.Until(expiration).Seconds()) + 1; remaining > 0 && remaining < retryAfter {
						retryAfter = remaining
					}
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				logger.FromContext(r.Context()).Warn("Legacy rate limit exceeded", "key", key, "count", count)
				sendJSONError(w, "Too many requests, slow down", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop, then the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
