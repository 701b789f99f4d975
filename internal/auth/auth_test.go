package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ricevute/internal/core"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier(testSecret, "ricevute-test")
	token, err := v.Issue("user-1", "u1@example.com", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Subject != "user-1" || id.Email != "u1@example.com" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier(testSecret, "ricevute-test")
	other := NewVerifier("another-secret-another-secret!!", "ricevute-test")
	wrongIssuer := NewVerifier(testSecret, "someone-else")

	expired, _ := v.Issue("user-1", "", -time.Hour)
	foreign, _ := other.Issue("user-1", "", time.Minute)
	misissued, _ := wrongIssuer.Issue("user-1", "", time.Minute)
	noSubject, _ := v.Issue("", "", time.Minute)

	for name, token := range map[string]string{
		"expired":      expired,
		"wrong secret": foreign,
		"wrong issuer": misissued,
		"no subject":   noSubject,
		"garbage":      "not-a-jwt",
	} {
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier(testSecret, "")
	token, _ := v.Issue("user-7", "", time.Minute)

	var seen core.Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	var failure error
	onFail := func(w http.ResponseWriter, r *http.Request, err error) {
		failure = err
		w.WriteHeader(http.StatusUnauthorized)
	}
	h := Middleware(v, onFail)(next)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + token, http.StatusNoContent},
		{"lowercase scheme", "bearer " + token, http.StatusNoContent},
		{"missing", "", http.StatusUnauthorized},
		{"basic", "Basic Zm9vOmJhcg==", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen, failure = core.Identity{}, nil
			req := httptest.NewRequest(http.MethodGet, "/api/expenses", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status == http.StatusNoContent && seen.Subject != "user-7" {
				t.Fatalf("identity not propagated: %+v", seen)
			}
			if tt.status == http.StatusUnauthorized && failure == nil {
				t.Fatalf("onFail not called")
			}
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	var seen core.Identity
	h := Middleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if seen != DevIdentity {
		t.Fatalf("expected dev identity, got %+v", seen)
	}
}
