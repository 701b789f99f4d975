package trace

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	applog "ricevute/internal/log"
)

func TestMiddleware_RequestIDAndResponseTime(t *testing.T) {
	m := NewMiddleware(func(*http.Request) string { return "198.51.100.1" }, applog.Discard())

	var seen string
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rr.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.HasPrefix(seen, "req_") || rr.Header().Get(HeaderRequestID) != seen {
		t.Fatalf("request id %q not propagated (header %q)", seen, rr.Header().Get(HeaderRequestID))
	}
	if !strings.HasSuffix(rr.Header().Get(HeaderResponseTime), "ms") {
		t.Fatalf("X-Response-Time = %q", rr.Header().Get(HeaderResponseTime))
	}
	if got := m.GetMetrics().TotalRequests; got != 1 {
		t.Fatalf("TotalRequests = %d", got)
	}
}

func TestMiddleware_ImplicitOK(t *testing.T) {
	m := NewMiddleware(nil, applog.Discard())
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK || rr.Header().Get(HeaderResponseTime) == "" {
		t.Fatalf("status=%d headers=%v", rr.Code, rr.Header())
	}
}

func TestFormatResponseTime(t *testing.T) {
	if got := FormatResponseTime(1500 * time.Microsecond); got != "1.500ms" {
		t.Errorf("FormatResponseTime = %q", got)
	}
}

func TestGenerateRequestID_Unique(t *testing.T) {
	a, b := GenerateRequestID(), GenerateRequestID()
	if a == b || len(a) != len("req_")+16 {
		t.Errorf("ids %q %q", a, b)
	}
}
