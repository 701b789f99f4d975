package services

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"ricevute/internal/core"
	applog "ricevute/internal/log"
)

type fakeUploads struct {
	signed   []string
	uploaded map[string]bool
	signErr  error
	statErr  error
}

func (f *fakeUploads) SignUpload(_ context.Context, key, contentType string) (core.UploadTarget, error) {
	if f.signErr != nil {
		return core.UploadTarget{}, f.signErr
	}
	f.signed = append(f.signed, key)
	return core.UploadTarget{
		URL:         "https://files.test/blobs/" + key + "?token=t",
		Key:         key,
		ContentType: contentType,
		ExpiresAt:   time.Now().Add(5 * time.Minute),
	}, nil
}

func (f *fakeUploads) Exists(_ context.Context, key string) (bool, error) {
	if f.statErr != nil {
		return false, f.statErr
	}
	return f.uploaded[key], nil
}

func newAttachmentFixture(t *testing.T) (*AttachmentService, *ExpenseService, *fakeUploads, *recordingNotifier) {
	t.Helper()
	svc, _, n := newTestService(t)
	uploads := &fakeUploads{uploaded: map[string]bool{}}
	att := NewAttachmentService(uploads, svc, AttachmentConfig{UploadTTL: 5 * time.Minute, Logger: applog.Discard()})
	return att, svc, uploads, n
}

func TestAttachmentService_SignIssuesScopedKey(t *testing.T) {
	att, _, uploads, _ := newAttachmentFixture(t)

	target, err := att.Sign(context.Background(), alice, "../My Receipt.JPG", "image/jpeg; charset=binary")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	wantPrefix := KeyPrefix + OwnerSegment(alice) + "/"
	if !strings.HasPrefix(target.Key, wantPrefix) {
		t.Fatalf("key %q should start with %q", target.Key, wantPrefix)
	}
	if !strings.HasSuffix(target.Key, "/My-Receipt.JPG") {
		t.Fatalf("filename not sanitized into key: %q", target.Key)
	}
	if target.ContentType != "image/jpeg" {
		t.Fatalf("content type = %q", target.ContentType)
	}
	if len(uploads.signed) != 1 {
		t.Fatalf("expected one signing call, got %d", len(uploads.signed))
	}
}

func TestAttachmentService_SignReusesFreshTarget(t *testing.T) {
	att, _, uploads, _ := newAttachmentFixture(t)
	ctx := context.Background()

	first, err := att.Sign(ctx, alice, "a.pdf", "application/pdf")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	second, err := att.Sign(ctx, alice, "a.pdf", "application/pdf")
	if err != nil {
		t.Fatalf("sign again: %v", err)
	}
	if first.Key != second.Key {
		t.Fatalf("repeated sign should reuse target: %q vs %q", first.Key, second.Key)
	}

	bob := core.Identity{Subject: "bob"}
	third, _ := att.Sign(ctx, bob, "a.pdf", "application/pdf")
	if third.Key == first.Key {
		t.Fatal("targets must not be shared between subjects")
	}
	if len(uploads.signed) != 2 {
		t.Fatalf("expected two signing calls, got %d", len(uploads.signed))
	}
}

func TestAttachmentService_SignNeverReusesUploadedKey(t *testing.T) {
	att, svc, uploads, _ := newAttachmentFixture(t)
	ctx := context.Background()
	coffee, _ := svc.Create(ctx, alice, core.ExpenseInput{Title: "Coffee", Amount: 450})
	lunch, _ := svc.Create(ctx, alice, core.ExpenseInput{Title: "Lunch", Amount: 1200})

	first, _ := att.Sign(ctx, alice, "image.jpg", "image/jpeg")
	uploads.uploaded[first.Key] = true
	if _, _, err := att.Bind(ctx, alice, coffee.ID, first.Key); err != nil {
		t.Fatalf("bind coffee: %v", err)
	}
	if att.targets.Size() != 0 || att.issued.Size() != 0 {
		t.Fatalf("a bound key must leave the correlation caches, sizes %d/%d", att.targets.Size(), att.issued.Size())
	}

	second, err := att.Sign(ctx, alice, "image.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("sign again: %v", err)
	}
	if second.Key == first.Key {
		t.Fatalf("key %q handed out again after it was bound", first.Key)
	}
	uploads.uploaded[second.Key] = true
	if _, _, err := att.Bind(ctx, alice, lunch.ID, second.Key); err != nil {
		t.Fatalf("bind lunch: %v", err)
	}

	got, _, _ := svc.Get(ctx, alice, coffee.ID)
	if *got.AttachmentKey != first.Key {
		t.Fatalf("coffee attachment changed to %q", *got.AttachmentKey)
	}
}

func TestAttachmentService_SignDropsTargetOnceUploaded(t *testing.T) {
	att, _, uploads, _ := newAttachmentFixture(t)
	ctx := context.Background()

	first, _ := att.Sign(ctx, alice, "scan.pdf", "application/pdf")
	uploads.uploaded[first.Key] = true

	second, err := att.Sign(ctx, alice, "scan.pdf", "application/pdf")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if second.Key == first.Key {
		t.Fatal("an uploaded but unbound key must not be reissued")
	}
	third, _ := att.Sign(ctx, alice, "scan.pdf", "application/pdf")
	if third.Key != second.Key {
		t.Fatal("the fresh target should be reused while nothing is uploaded under it")
	}

	uploads.statErr = errors.New("bucket unreachable")
	if _, err := att.Sign(ctx, alice, "scan.pdf", "application/pdf"); !errors.Is(err, core.ErrTransport) {
		t.Fatalf("expected transport error when the reuse check fails, got %v", err)
	}
}

func TestAttachmentService_UsesConfiguredLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := applog.New(applog.Config{Level: slog.LevelInfo, Output: &buf})
	svc, _, _ := newTestService(t)
	att := NewAttachmentService(&fakeUploads{uploaded: map[string]bool{}}, svc,
		AttachmentConfig{UploadTTL: time.Minute, Logger: logger})

	if _, err := att.Sign(context.Background(), alice, "a.png", "image/png"); err != nil {
		t.Fatalf("sign: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Upload target issued") || !strings.Contains(out, "component=attachment") {
		t.Fatalf("expected the sign to log through the configured logger: %s", out)
	}
}

func TestAttachmentService_SignRejectsUnsupportedType(t *testing.T) {
	att, _, uploads, _ := newAttachmentFixture(t)

	for _, ct := range []string{"", "text/plain", "application/zip", "image/", "not a type"} {
		_, err := att.Sign(context.Background(), alice, "x.bin", ct)
		ve, ok := core.AsValidation(err)
		if !ok || !ve.Has(FieldContentType, core.ReasonUnsupportedType) {
			t.Errorf("%q: expected unsupported_type, got %v", ct, err)
		}
	}
	if len(uploads.signed) != 0 {
		t.Fatal("rejected requests must not be signed")
	}
}

func TestAttachmentService_SignTransportFailure(t *testing.T) {
	att, _, uploads, _ := newAttachmentFixture(t)
	uploads.signErr = errors.New("bucket unreachable")

	_, err := att.Sign(context.Background(), alice, "a.png", "image/png")
	if !errors.Is(err, core.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestAttachmentService_Handshake(t *testing.T) {
	att, svc, uploads, n := newAttachmentFixture(t)
	ctx := context.Background()

	e, _ := svc.Create(ctx, alice, core.ExpenseInput{Title: "Coffee", Amount: 450})
	target, _ := att.Sign(ctx, alice, "coffee.jpg", "image/jpeg")

	_, _, err := att.Bind(ctx, alice, e.ID, target.Key)
	ve, ok := core.AsValidation(err)
	if !ok || !ve.Has(core.FieldFileKey, core.ReasonNotUploaded) {
		t.Fatalf("bind before upload should fail with not_uploaded, got %v", err)
	}
	if got, _, _ := svc.Get(ctx, alice, e.ID); got.HasAttachment() {
		t.Fatal("failed bind must leave the record untouched")
	}

	uploads.uploaded[target.Key] = true

	bound, found, err := att.Bind(ctx, alice, e.ID, target.Key)
	if err != nil || !found {
		t.Fatalf("bind: found=%v err=%v", found, err)
	}
	if *bound.AttachmentKey != target.Key {
		t.Fatalf("bound key = %q", *bound.AttachmentKey)
	}

	if _, _, err := att.Bind(ctx, alice, e.ID, target.Key); err != nil {
		t.Fatalf("rebinding the same key should succeed: %v", err)
	}

	binds := 0
	for _, typ := range n.types() {
		if typ == core.ChangeAttachmentBound {
			binds++
		}
	}
	if binds != 1 {
		t.Fatalf("expected one bind event, got %d", binds)
	}
}

func TestAttachmentService_BindRejectsForeignKeys(t *testing.T) {
	att, svc, uploads, _ := newAttachmentFixture(t)
	ctx := context.Background()
	e, _ := svc.Create(ctx, alice, core.ExpenseInput{Title: "Coffee", Amount: 450})

	for _, key := range []string{"other/a.png", "receipts/../etc/passwd", "receipts/a//b.png"} {
		uploads.uploaded[key] = true
		_, _, err := att.Bind(ctx, alice, e.ID, key)
		ve, ok := core.AsValidation(err)
		if !ok || !ve.Has(core.FieldFileKey, core.ReasonInvalidKey) {
			t.Errorf("%q: expected invalid_key, got %v", key, err)
		}
	}

	_, _, err := att.Bind(ctx, alice, e.ID, "")
	if _, ok := core.AsValidation(err); !ok {
		t.Errorf("empty key should be rejected, got %v", err)
	}
}

func TestAttachmentService_BindMissingExpense(t *testing.T) {
	att, _, uploads, _ := newAttachmentFixture(t)
	key := "receipts/abc/1/a.png"
	uploads.uploaded[key] = true

	_, found, err := att.Bind(context.Background(), alice, 77, key)
	if err != nil || found {
		t.Fatalf("expected not found, got found=%v err=%v", found, err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"receipt.pdf":             "receipt.pdf",
		"C:\\Users\\me\\scan.png": "scan.png",
		"../../etc/passwd":        "passwd",
		".hidden":                 "hidden",
		"":                        defaultFilename,
		"///":                     defaultFilename,
		"caffè latte.jpg":         "caff--latte.jpg",
	}
	for in, want := range cases {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}

	long := strings.Repeat("a", 300) + ".pdf"
	if got := SanitizeFilename(long); len(got) > maxFilenameLen || !strings.HasSuffix(got, ".pdf") {
		t.Errorf("long name not truncated keeping extension: %q", got)
	}
}

func TestOwnerSegmentIsStable(t *testing.T) {
	if OwnerSegment(alice) != OwnerSegment(core.Identity{Subject: "alice"}) {
		t.Fatal("segment should depend on subject only")
	}
	if OwnerSegment(alice) == OwnerSegment(core.Identity{}) {
		t.Fatal("anonymous callers must not share alice's segment")
	}
	if len(OwnerSegment(alice)) != 16 {
		t.Fatalf("unexpected segment length %d", len(OwnerSegment(alice)))
	}
}
