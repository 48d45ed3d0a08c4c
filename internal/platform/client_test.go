package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient wires a Client against the given platform handler, with a
// token endpoint that counts fetches and rotates the token value.
func newTestClient(t *testing.T, tokenFetches *int32, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(tokenFetches, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-" + string(rune('0'+n)),
			"expires_in":   3600,
		})
	}))
	apiSrv := httptest.NewServer(handler)

	cache := NewTokenCache(tokenSrv.URL, "client", "secret")
	c := NewClient(apiSrv.URL, "org-1", cache)
	return c, func() { tokenSrv.Close(); apiSrv.Close() }
}

func TestRequest_AuthRetryOnce_Succeeds(t *testing.T) {
	var tokenFetches, calls int32
	c, done := newTestClient(t, &tokenFetches, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// Stale token on first call.
			http.Error(w, `{"code":"token_expired","message":"expired"}`, http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-2" {
			t.Errorf("Authorization = %q, want refreshed token", got)
		}
		_ = json.NewEncoder(w).Encode(Organization{ID: "org-1", AgentID: "agent-1"})
	})
	defer done()

	org, err := c.GetOrganization(context.Background())
	if err != nil {
		t.Fatalf("GetOrganization: %v", err)
	}
	if org.AgentID != "agent-1" {
		t.Errorf("AgentID = %q", org.AgentID)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("platform calls = %d, want 2", n)
	}
	if n := atomic.LoadInt32(&tokenFetches); n != 2 {
		t.Errorf("token fetches = %d, want 2 (initial + refresh)", n)
	}
}

func TestRequest_SecondAuthFailureSurfaces(t *testing.T) {
	var tokenFetches, calls int32
	c, done := newTestClient(t, &tokenFetches, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"message":"nope"}`, http.StatusUnauthorized)
	})
	defer done()

	_, err := c.GetOrganization(context.Background())
	if KindOf(err) != KindAuthorizationExpired {
		t.Fatalf("kind = %q, want %q (err=%v)", KindOf(err), KindAuthorizationExpired, err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("platform calls = %d, want exactly 2 (no third attempt)", n)
	}
}

func TestRequest_ErrorNormalization(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   Kind
		code   string
	}{
		{"rate limit", http.StatusTooManyRequests, `{}`, KindRateLimit, "rate_limit_exceeded"},
		{"validation", http.StatusBadRequest, `{"code":"bad_attr","message":"unknown attribute"}`, KindValidation, "bad_attr"},
		{"server error", http.StatusInternalServerError, `{}`, KindPlatform, "http_500"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var tokenFetches int32
			c, done := newTestClient(t, &tokenFetches, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tc.body, tc.status)
			})
			defer done()

			_, err := c.GetProofDetails(context.Background(), "proof-1")
			if KindOf(err) != tc.kind {
				t.Fatalf("kind = %q, want %q", KindOf(err), tc.kind)
			}
			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("error is not *Error: %v", err)
			}
			if pe.Code != tc.code {
				t.Errorf("code = %q, want %q", pe.Code, tc.code)
			}
		})
	}
}

func TestRequest_TransportFailureIsNetworkError(t *testing.T) {
	var tokenFetches int32
	c, done := newTestClient(t, &tokenFetches, func(w http.ResponseWriter, r *http.Request) {})
	done() // close servers so the call fails at the transport level
	c.Tokens = NewTokenCache("", "", "")
	c.Tokens.token = "tok"
	c.Tokens.expiresAt = time.Now().Add(time.Hour)

	_, err := c.GetOrganization(context.Background())
	if KindOf(err) != KindNetwork {
		t.Fatalf("kind = %q, want %q (err=%v)", KindOf(err), KindNetwork, err)
	}
	if !Retryable(err) {
		t.Error("network error should be retryable")
	}
}

func TestCreateProofRequest_BodyShape(t *testing.T) {
	var tokenFetches int32
	c, done := newTestClient(t, &tokenFetches, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proofs" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["connectionId"] != "conn-1" || body["orgId"] != "org-1" {
			t.Errorf("body = %v", body)
		}
		formats, _ := body["proofFormats"].(map[string]interface{})
		indy, _ := formats["indy"].(map[string]interface{})
		attrs, _ := indy["attributes"].([]interface{})
		if len(attrs) != 2 {
			t.Fatalf("attributes = %v, want 2 entries", attrs)
		}
		pred, _ := attrs[1].(map[string]interface{})
		if pred["condition"] != ">" || pred["value"] != "18" {
			t.Errorf("predicate = %v", pred)
		}
		_ = json.NewEncoder(w).Encode(ProofRequestResult{ProofID: "proof-9"})
	})
	defer done()

	res, err := c.CreateProofRequest(context.Background(), "conn-1", "fitness check", []RequestedAttribute{
		{AttributeName: "name"},
		{AttributeName: "age", Condition: ">", Value: "18"},
	})
	if err != nil {
		t.Fatalf("CreateProofRequest: %v", err)
	}
	if res.ProofID != "proof-9" {
		t.Errorf("ProofID = %q", res.ProofID)
	}
}
