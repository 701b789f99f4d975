package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ricevute/internal/auth"
	"ricevute/internal/blob"
	"ricevute/internal/core"
	"ricevute/internal/export"
	apihttp "ricevute/internal/http"
	applog "ricevute/internal/log"
	"ricevute/internal/services"
	"ricevute/internal/storage/memory"
)

type stack struct {
	ts    *httptest.Server
	store *memory.Store
	hub   *apihttp.Hub
}

// newStack serves the real API over the memory store so the client is
// exercised against the same handlers the server binary uses.
func newStack(t *testing.T, verifier *auth.Verifier) *stack {
	t.Helper()

	ts := httptest.NewUnstartedServer(nil)
	objects, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	gateway := blob.NewGateway(objects, blob.NewSigner("client-test-signing-secret-0123456789"), blob.GatewayConfig{
		BaseURL:        "http://" + ts.Listener.Addr().String(),
		UploadTTL:      5 * time.Minute,
		DownloadTTL:    5 * time.Minute,
		MaxUploadBytes: 1 << 20,
		Logger:         applog.Discard(),
	})

	logger := applog.Discard()
	store := memory.New()
	hub := apihttp.NewHub(logger)
	expenses := services.NewExpenseService(store,
		services.WithLogger(logger),
		services.WithURLSigner(gateway),
		services.WithNotifier(hub))
	attachments := services.NewAttachmentService(gateway, expenses, services.AttachmentConfig{UploadTTL: 5 * time.Minute, Logger: logger})

	srv, err := apihttp.NewServer(apihttp.Config{Addr: ":0", RateLimitPerMinute: 1000}, apihttp.Deps{
		Expenses:    expenses,
		Attachments: attachments,
		Exporter:    export.NewService(expenses, logger),
		Blobs:       gateway,
		Hub:         hub,
		Verifier:    verifier,
		Logger:      logger,
	})
	require.NoError(t, err)

	ts.Config.Handler = srv.Handler
	ts.Start()
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Shutdown(context.Background())
	})
	return &stack{ts: ts, store: store, hub: hub}
}

func newClient(t *testing.T, baseURL, token string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: baseURL, Token: token, Logger: applog.Discard()})
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
}

func TestClient_CoffeeScenario(t *testing.T) {
	s := newStack(t, nil)
	c := newClient(t, s.ts.URL, "")
	ctx := context.Background()

	created, err := c.Create(ctx, core.ExpenseInput{Title: "Coffee", Amount: 450})
	require.NoError(t, err)
	assert.Positive(t, created.ID)
	assert.Equal(t, "Coffee", created.Title)
	assert.EqualValues(t, 450, created.Amount)
	assert.Nil(t, created.AttachmentKey)

	patched, err := c.Patch(ctx, created.ID, core.ExpensePatch{Amount: core.Int64Ptr(500)})
	require.NoError(t, err)
	assert.EqualValues(t, 500, patched.Amount)
	assert.Equal(t, "Coffee", patched.Title)

	deleted, err := c.Delete(ctx, created.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 500, deleted.Amount)

	_, err = c.Get(ctx, created.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestClient_ListAndReplace(t *testing.T) {
	s := newStack(t, nil)
	c := newClient(t, s.ts.URL, "")
	ctx := context.Background()

	list, err := c.List(ctx)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	a, err := c.Create(ctx, core.ExpenseInput{Title: "Lunch", Amount: 1200})
	require.NoError(t, err)
	_, err = c.Create(ctx, core.ExpenseInput{Title: "Taxi", Amount: 2500})
	require.NoError(t, err)

	replaced, err := c.Replace(ctx, a.ID, core.ExpenseInput{Title: "Lunch", Amount: 1200})
	require.NoError(t, err)
	assert.Equal(t, a.Title, replaced.Title)
	assert.Equal(t, a.Amount, replaced.Amount)

	list, err = c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestClient_ValidationErrors(t *testing.T) {
	s := newStack(t, nil)
	c := newClient(t, s.ts.URL, "")
	ctx := context.Background()

	_, err := c.Create(ctx, core.ExpenseInput{Title: "ab", Amount: 0})
	ve, ok := core.AsValidation(err)
	require.True(t, ok, "expected validation error, got %v", err)
	assert.True(t, ve.Has("title", core.ReasonTooShort))
	assert.True(t, ve.Has("amount", core.ReasonNotPositive))

	e, err := c.Create(ctx, core.ExpenseInput{Title: "Coffee", Amount: 450})
	require.NoError(t, err)
	_, err = c.Patch(ctx, e.ID, core.ExpensePatch{})
	assert.ErrorIs(t, err, core.ErrEmptyPatch)
}

func TestClient_NotFound(t *testing.T) {
	s := newStack(t, nil)
	c := newClient(t, s.ts.URL, "")
	ctx := context.Background()

	_, err := c.Replace(ctx, 42, core.ExpenseInput{Title: "Coffee", Amount: 450})
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = c.Patch(ctx, 42, core.ExpensePatch{Amount: core.Int64Ptr(1)})
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = c.Delete(ctx, 42)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, 0, s.store.Len())
}

func TestClient_StorageUnavailableIsTransport(t *testing.T) {
	s := newStack(t, nil)
	c := newClient(t, s.ts.URL, "")
	s.store.Fail = errors.New("disk on fire")

	_, err := c.List(context.Background())
	assert.ErrorIs(t, err, core.ErrTransport)
}

func TestClient_NetworkFailureIsTransport(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := newClient(t, url, "")
	_, err := c.List(context.Background())
	assert.ErrorIs(t, err, core.ErrTransport)
}

func TestClient_Unauthorized(t *testing.T) {
	v := auth.NewVerifier("client-test-jwt-secret-0123456789abcdef", "")
	s := newStack(t, v)

	_, err := newClient(t, s.ts.URL, "").List(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	token, err := v.Issue("user-1", "user@example.com", time.Hour)
	require.NoError(t, err)
	_, err = newClient(t, s.ts.URL, token).List(context.Background())
	assert.NoError(t, err)
}

func TestClient_Attach(t *testing.T) {
	s := newStack(t, nil)
	c := newClient(t, s.ts.URL, "")
	ctx := context.Background()

	e, err := c.Create(ctx, core.ExpenseInput{Title: "Dinner", Amount: 3200})
	require.NoError(t, err)

	content := []byte("%PDF-1.4 receipt")
	bound, err := c.Attach(ctx, e.ID, Attachment{
		Filename:    "receipt.pdf",
		ContentType: "application/pdf",
		Body:        bytes.NewReader(content),
		Size:        int64(len(content)),
	})
	require.NoError(t, err)
	require.NotNil(t, bound.AttachmentKey)
	assert.True(t, strings.HasPrefix(*bound.AttachmentKey, "receipts/"))
	require.NotNil(t, bound.AttachmentURL)

	resp, err := http.Get(*bound.AttachmentURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, content, got)

	again, err := c.Bind(ctx, e.ID, *bound.AttachmentKey)
	require.NoError(t, err)
	assert.Equal(t, *bound.AttachmentKey, *again.AttachmentKey)
}

func TestClient_AttachUnsupportedTypeSkipsUpload(t *testing.T) {
	s := newStack(t, nil)
	c := newClient(t, s.ts.URL, "")
	ctx := context.Background()

	e, err := c.Create(ctx, core.ExpenseInput{Title: "Dinner", Amount: 3200})
	require.NoError(t, err)

	_, err = c.Attach(ctx, e.ID, Attachment{Filename: "x.exe", ContentType: "application/x-msdownload", Body: strings.NewReader("MZ"), Size: 2})
	_, ok := core.AsValidation(err)
	assert.True(t, ok, "expected validation error, got %v", err)
	_, isBind := AsBindError(err)
	assert.False(t, isBind)

	got, err := c.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AttachmentKey)
}

// fakeAPI answers sign and upload but fails the bind a configurable number
// of times.
type fakeAPI struct {
	bindFailures atomic.Int32
	uploads      atomic.Int32
	binds        atomic.Int32
	uploadStatus int
}

func (f *fakeAPI) handler(base func() string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload/sign", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"uploadUrl":"`+base()+`/blobs/receipts/k/1/r.png","key":"receipts/k/1/r.png","contentType":"image/png"}`)
	})
	mux.HandleFunc("PUT /blobs/", func(w http.ResponseWriter, r *http.Request) {
		f.uploads.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		if f.uploadStatus != 0 {
			w.WriteHeader(f.uploadStatus)
		}
	})
	mux.HandleFunc("PATCH /api/expenses/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.binds.Add(1)
		if f.bindFailures.Add(-1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":"Service unavailable"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"expense":{"id":7,"title":"Dinner","amount":3200,"attachmentKey":"receipts/k/1/r.png"}}`)
	})
	return mux
}

func TestClient_AttachBindFailureIsRetryable(t *testing.T) {
	f := &fakeAPI{}
	f.bindFailures.Store(1)
	var ts *httptest.Server
	ts = httptest.NewServer(f.handler(func() string { return ts.URL }))
	defer ts.Close()

	c := newClient(t, ts.URL, "")
	_, err := c.Attach(context.Background(), 7, Attachment{Filename: "r.png", ContentType: "image/png", Body: strings.NewReader("png"), Size: 3})

	be, ok := AsBindError(err)
	require.True(t, ok, "expected bind error, got %v", err)
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.Equal(t, "receipts/k/1/r.png", be.Key)
	assert.EqualValues(t, 7, be.ID)

	e, err := c.RetryBind(context.Background(), be)
	require.NoError(t, err)
	assert.Equal(t, "receipts/k/1/r.png", *e.AttachmentKey)
	assert.EqualValues(t, 1, f.uploads.Load(), "retry must not re-upload")
	assert.EqualValues(t, 2, f.binds.Load())
}

func TestClient_AttachUploadFailureSkipsBind(t *testing.T) {
	f := &fakeAPI{uploadStatus: http.StatusForbidden}
	var ts *httptest.Server
	ts = httptest.NewServer(f.handler(func() string { return ts.URL }))
	defer ts.Close()

	c := newClient(t, ts.URL, "")
	_, err := c.Attach(context.Background(), 7, Attachment{Filename: "r.png", ContentType: "image/png", Body: strings.NewReader("png"), Size: 3})

	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTransport)
	_, isBind := AsBindError(err)
	assert.False(t, isBind)
	assert.EqualValues(t, 0, f.binds.Load())
}

func TestClient_Export(t *testing.T) {
	s := newStack(t, nil)
	c := newClient(t, s.ts.URL, "")
	ctx := context.Background()

	_, err := c.Create(ctx, core.ExpenseInput{Title: "Coffee", Amount: 450})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, c.Export(ctx, &buf))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("PK")), "xlsx is a zip archive")
}

func TestClient_Watch(t *testing.T) {
	s := newStack(t, nil)
	c := newClient(t, s.ts.URL, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notices := make(chan Notice, 4)
	errc := make(chan error, 1)
	go func() { errc <- c.Watch(ctx, func(n Notice) { notices <- n }) }()

	require.Eventually(t, func() bool { return s.hub.Sessions() > 0 }, 2*time.Second, 10*time.Millisecond)

	e, err := c.Create(context.Background(), core.ExpenseInput{Title: "Coffee", Amount: 450})
	require.NoError(t, err)

	select {
	case n := <-notices:
		assert.Equal(t, apihttp.ChangedMessageType, n.Type)
		assert.Equal(t, core.ChangeCreated, n.Change)
		assert.Equal(t, e.ID, n.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no change notice received")
	}

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
