package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	applog "ricevute/internal/log"
)

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	g := NewGateway(store, NewSigner("0123456789abcdef"), GatewayConfig{
		BaseURL:        srv.URL,
		UploadTTL:      time.Minute,
		DownloadTTL:    time.Minute,
		MaxUploadBytes: 16,
		Logger:         applog.Discard(),
	})
	g.Register(mux)
	return g, srv
}

func put(t *testing.T, url, contentType, body string) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPut, url, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestSignedUploadAndDownload(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	target, err := g.SignUpload(ctx, "receipts/u/1/a.png", "image/png")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if target.Key != "receipts/u/1/a.png" || target.ExpiresAt.IsZero() {
		t.Fatalf("unexpected target %+v", target)
	}

	if code := put(t, target.URL, "image/png", "png-bytes"); code != http.StatusOK {
		t.Fatalf("put status %d", code)
	}
	if ok, _ := g.Exists(ctx, target.Key); !ok {
		t.Fatalf("object should exist after upload")
	}

	dl, err := g.DownloadURL(target.Key)
	if err != nil {
		t.Fatalf("download url: %v", err)
	}
	resp, err := http.Get(dl)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "png-bytes" || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected download %d %q %s", resp.StatusCode, body, resp.Header.Get("Content-Type"))
	}
}

func TestSignedUploadRejections(t *testing.T) {
	ctx := context.Background()
	g, srv := newTestGateway(t)
	target, _ := g.SignUpload(ctx, "receipts/u/1/a.pdf", "application/pdf")

	if code := put(t, target.URL, "image/png", "x"); code != http.StatusForbidden {
		t.Errorf("content type mismatch: status %d", code)
	}
	if code := put(t, target.URL, "application/pdf", strings.Repeat("x", 17)); code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: status %d", code)
	}
	other := strings.Replace(target.URL, "a.pdf", "b.pdf", 1)
	if code := put(t, other, "application/pdf", "x"); code != http.StatusForbidden {
		t.Errorf("token reused for another key: status %d", code)
	}
	if code := put(t, srv.URL+"/blobs/receipts/u/1/a.pdf", "application/pdf", "x"); code != http.StatusForbidden {
		t.Errorf("unsigned put: status %d", code)
	}

	g.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _ := g.SignUpload(ctx, "receipts/u/1/c.pdf", "application/pdf")
	if code := put(t, expired.URL, "application/pdf", "x"); code != http.StatusForbidden {
		t.Errorf("expired grant: status %d", code)
	}

	if ok, _ := g.Exists(ctx, "receipts/u/1/a.pdf"); ok {
		t.Fatalf("rejected uploads must not store bytes")
	}
}

func TestUploadDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)
	target, _ := g.SignUpload(ctx, "receipts/u/1/image.jpg", "image/jpeg")

	if code := put(t, target.URL, "image/jpeg", "coffee"); code != http.StatusOK {
		t.Fatalf("first put status %d", code)
	}
	if code := put(t, target.URL, "image/jpeg", "lunch"); code != http.StatusPreconditionFailed {
		t.Fatalf("second put with a still valid grant: status %d, want 412", code)
	}

	rc, _, err := g.store.Open(ctx, target.Key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "coffee" {
		t.Fatalf("stored object was replaced: %q", body)
	}
}

func TestGrantsAreOperationScoped(t *testing.T) {
	s := NewSigner("0123456789abcdef")
	token, err := s.Sign(Grant{Op: OpGet, Key: "k", ExpiresAt: time.Now().Add(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Verify(token, OpPut, "k"); err == nil {
		t.Fatalf("a download grant must not authorize uploads")
	}
	if g, err := s.Verify(token, OpGet, "k"); err != nil || g.Key != "k" {
		t.Fatalf("unexpected verify result %+v err=%v", g, err)
	}
}
