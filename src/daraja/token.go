package daraja

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dotpay/backend/src/apperrors"
	"github.com/dotpay/backend/src/logger"
)

const (
	tokenExpirySkew = 30 * time.Second
	tokenExpiryMin  = 60 * time.Second
)

// tokenCache is the process-wide OAuth bearer cell. The mutex keeps at most
// one refresh in flight; expired reads fall through to refresh.
type tokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// AccessToken returns the cached bearer, refreshing it when absent or expired.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.tokens.mu.Lock()
	defer c.tokens.mu.Unlock()

	if c.tokens.token != "" && time.Now().Before(c.tokens.expiresAt) {
		return c.tokens.token, nil
	}
	return c.refreshTokenLocked(ctx)
}

// InvalidateToken drops the cached bearer so the next call refreshes.
func (c *Client) InvalidateToken() {
	c.tokens.mu.Lock()
	defer c.tokens.mu.Unlock()
	c.tokens.token = ""
	c.tokens.expiresAt = time.Time{}
}

func (c *Client) refreshTokenLocked(ctx context.Context) (string, error) {
	url := c.baseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", apperrors.External("failed to build token request: %v", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperrors.External("token request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", apperrors.External("token request returned %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   any    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", apperrors.External("failed to decode token response: %v", err)
	}
	if payload.AccessToken == "" {
		return "", apperrors.External("token response missing access_token")
	}

	ttl := parseExpiresIn(payload.ExpiresIn) - tokenExpirySkew
	if ttl < tokenExpiryMin {
		ttl = tokenExpiryMin
	}
	c.tokens.token = payload.AccessToken
	c.tokens.expiresAt = time.Now().Add(ttl)
	logger.L.Debug("Daraja OAuth token refreshed", "expiresAt", c.tokens.expiresAt)
	return c.tokens.token, nil
}

// parseExpiresIn tolerates both string and numeric expires_in values.
func parseExpiresIn(v any) time.Duration {
	seconds := 3600
	switch val := v.(type) {
	case string:
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			seconds = n
		}
	case float64:
		if val > 0 {
			seconds = int(val)
		}
	}
	return time.Duration(seconds) * time.Second
}
