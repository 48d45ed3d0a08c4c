package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// defaultTimeout bounds a single platform call (token exchange has its own, shorter one).
const defaultTimeout = 30 * time.Second

// Client is the typed HTTP client for the Credential Platform. Every call
// attaches a bearer token from the injected TokenCache; a 401 triggers one
// token refresh and one retry of the same call, never more.
type Client struct {
	BaseURL    string
	OrgID      string
	Tokens     *TokenCache
	HTTPClient *http.Client
}

// NewClient returns a client for the platform at baseURL using tokens for auth.
func NewClient(baseURL, orgID string, tokens *TokenCache) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		OrgID:      orgID,
		Tokens:     tokens,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

// request issues method path with the JSON body (nil for none) and decodes the
// response into out (nil to discard). On a 401 it invalidates the token cache,
// fetches fresh credentials, and retries exactly once; a second 401 is
// surfaced. Broader retry policy belongs to the caller via the retry package.
func (c *Client) request(ctx context.Context, method, path string, body, out interface{}) error {
	err := c.do(ctx, method, path, body, out)
	if KindOf(err) != KindAuthorizationExpired {
		return err
	}

	c.Tokens.Invalidate()
	return c.do(ctx, method, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	token, err := c.Tokens.GetToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindValidation, Code: "encode", Message: err.Error()}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return &Error{Kind: KindValidation, Code: "request", Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return networkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return normalizeHTTPError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindPlatform, Code: "decode", Message: err.Error(), Status: resp.StatusCode}
	}
	return nil
}

// errorBody is the platform's error envelope; fields are best-effort.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func normalizeHTTPError(resp *http.Response) *Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = resp.Status
	}
	code := eb.Code

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if code == "" {
			code = "authorization_expired"
		}
		return &Error{Kind: KindAuthorizationExpired, Code: code, Message: msg, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		if code == "" {
			code = "rate_limit_exceeded"
		}
		return &Error{Kind: KindRateLimit, Code: code, Message: msg, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		if code == "" {
			code = "validation_error"
		}
		return &Error{Kind: KindValidation, Code: code, Message: msg, Status: resp.StatusCode}
	default:
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return &Error{Kind: KindPlatform, Code: code, Message: msg, Status: resp.StatusCode}
	}
}
