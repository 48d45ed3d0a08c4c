package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// ExpiryBuffer is subtracted from a token's lifetime: a cached token within
// this window of its expiry is treated as absent so callers never send a
// token that dies mid-flight.
const ExpiryBuffer = 60 * time.Second

// authTimeout bounds the token exchange; shorter than the general call timeout.
const authTimeout = 10 * time.Second

// TokenCache owns the single cached bearer token for the Credential Platform.
// Construct once per process and inject into the Client. Concurrent cache
// misses coalesce into one outbound fetch.
type TokenCache struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	group singleflight.Group

	mu        sync.Mutex
	token     string
	tokenType string
	expiresAt time.Time
}

// NewTokenCache returns an empty cache that exchanges client credentials at tokenURL.
func NewTokenCache(tokenURL, clientID, clientSecret string) *TokenCache {
	return &TokenCache{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: authTimeout},
	}
}

// GetToken returns the cached token while it is valid, otherwise performs a
// client-credentials exchange and caches the result. A fetch failure leaves
// the cache empty and is surfaced as an authentication error.
func (c *TokenCache) GetToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.valid() {
		t := c.token
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		// Re-check: another caller may have refreshed while we queued.
		c.mu.Lock()
		if c.valid() {
			t := c.token
			c.mu.Unlock()
			return t, nil
		}
		c.mu.Unlock()
		return c.fetch(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate clears the cache so the next GetToken fetches fresh credentials.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// valid reports whether the cached token is usable. Caller must hold mu.
func (c *TokenCache) valid() bool {
	return c.token != "" && time.Until(c.expiresAt) > ExpiryBuffer
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *TokenCache) fetch(ctx context.Context) (string, error) {
	if c.tokenURL == "" {
		return "", &Error{Kind: KindAuthenticationFailed, Code: "config", Message: "token URL not configured"}
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &Error{Kind: KindAuthenticationFailed, Code: "request", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Kind: KindAuthenticationFailed, Code: "network_error", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &Error{
			Kind:    KindAuthenticationFailed,
			Code:    "token_exchange_rejected",
			Message: fmt.Sprintf("token endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(b))),
			Status:  resp.StatusCode,
		}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", &Error{Kind: KindAuthenticationFailed, Code: "decode", Message: err.Error()}
	}
	if tr.AccessToken == "" {
		return "", &Error{Kind: KindAuthenticationFailed, Code: "empty_token", Message: "token endpoint returned no access_token"}
	}

	expiresAt := expiryOf(tr)

	c.mu.Lock()
	c.token = tr.AccessToken
	c.tokenType = tr.TokenType
	c.expiresAt = expiresAt
	c.mu.Unlock()

	return tr.AccessToken, nil
}

// expiryOf computes the absolute expiry from expires_in, falling back to the
// unverified exp claim when the token parses as a JWT and expires_in is absent.
func expiryOf(tr tokenResponse) time.Time {
	if tr.ExpiresIn > 0 {
		return time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tr.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	// Opaque token with no lifetime hint: keep it briefly and refetch often.
	return time.Now().Add(2 * ExpiryBuffer)
}
