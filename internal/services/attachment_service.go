package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"ricevute/internal/blob"
	"ricevute/internal/cache"
	"ricevute/internal/core"
	applog "ricevute/internal/log"
)

const (
	// KeyPrefix roots every attachment key issued by Sign.
	KeyPrefix = "receipts/"

	FieldContentType = "contentType"
	FieldFilename    = "filename"

	maxFilenameLen  = 100
	defaultFilename = "receipt"
)

// UploadSigner is the object-storage side of the handshake.
type UploadSigner interface {
	SignUpload(ctx context.Context, key, contentType string) (core.UploadTarget, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// AttachmentBinder records a key on an existing expense.
type AttachmentBinder interface {
	BindAttachment(ctx context.Context, who core.Identity, id int64, key string) (core.Expense, bool, error)
}

type AttachmentConfig struct {
	UploadTTL time.Duration
	CacheSize int
	Logger    *applog.Logger
}

// AttachmentService runs the sign and bind steps of the sign, PUT, bind
// handshake. The PUT goes straight to object storage.
type AttachmentService struct {
	uploads UploadSigner
	binder  AttachmentBinder
	targets *cache.LRUCache[core.UploadTarget]
	// issued maps an issued key back to its correlation entry in targets.
	issued *cache.LRUCache[string]
	logger *applog.Logger
	newID   func() string
}

func NewAttachmentService(uploads UploadSigner, binder AttachmentBinder, cfg AttachmentConfig) *AttachmentService {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	return &AttachmentService{
		uploads: uploads,
		binder:  binder,
		// A cached target always has at least half its lifetime left.
		targets: cache.NewLRUCache[core.UploadTarget](cfg.CacheSize, cfg.UploadTTL/2),
		issued:  cache.NewLRUCache[string](cfg.CacheSize, cfg.UploadTTL/2),
		logger:  logger.WithComponent(applog.ComponentAttachment),
		newID:   func() string { return uuid.NewString() },
	}
}

// Caches exposes the correlation caches so they can be swept periodically.
func (s *AttachmentService) Caches() []cache.Cleaner {
	return []cache.Cleaner{s.targets, s.issued}
}

// Sign issues an upload target for a file the caller is about to attach.
// Repeating the same request while the previous target is fresh and nothing
// has been uploaded under it returns it unchanged, so a retried sign does not
// leave an extra orphan behind. Once an object exists under a key, that key
// is never handed out again.
func (s *AttachmentService) Sign(ctx context.Context, who core.Identity, filename, contentType string) (core.UploadTarget, error) {
	ct, err := NormalizeContentType(contentType)
	if err != nil {
		return core.UploadTarget{}, err
	}
	name := SanitizeFilename(filename)

	corr := who.Subject + "|" + name + "|" + ct
	if t, ok := s.targets.Get(corr); ok {
		uploaded, err := s.uploads.Exists(ctx, t.Key)
		if err != nil {
			return core.UploadTarget{}, core.Transport("check upload", err)
		}
		if !uploaded {
			s.logger.DebugContext(ctx, "Reusing upload target", applog.FieldAttachmentKey, t.Key)
			return t, nil
		}
		s.forget(t.Key)
	}

	key := KeyPrefix + OwnerSegment(who) + "/" + s.newID() + "/" + name
	target, err := s.uploads.SignUpload(ctx, key, ct)
	if err != nil {
		return core.UploadTarget{}, core.Transport("sign upload", err)
	}
	s.targets.Set(corr, target)
	s.issued.Set(target.Key, corr)

	s.logger.InfoContext(ctx, "Upload target issued",
		applog.NewFields().WithAttachment(key, ct).WithSubject(who.Subject).ToSlice()...)
	return target, nil
}

// Bind associates an uploaded object with an expense. The key must have been
// issued by Sign and the object must exist.
func (s *AttachmentService) Bind(ctx context.Context, who core.Identity, id int64, key string) (core.Expense, bool, error) {
	if err := core.ValidateFileKey(key); err != nil {
		return core.Expense{}, false, err
	}
	if !strings.HasPrefix(key, KeyPrefix) || !blob.ValidKey(key) {
		return core.Expense{}, false, core.NewValidationError(core.FieldFileKey, core.ReasonInvalidKey,
			"File key was not issued by this service")
	}

	ok, err := s.uploads.Exists(ctx, key)
	if err != nil {
		return core.Expense{}, false, core.Transport("check upload", err)
	}
	if !ok {
		return core.Expense{}, false, core.NewValidationError(core.FieldFileKey, core.ReasonNotUploaded,
			"No file has been uploaded under this key")
	}

	e, found, err := s.binder.BindAttachment(ctx, who, id, key)
	if err == nil && found {
		s.forget(key)
	}
	return e, found, err
}

// forget drops the correlation entry that would hand key out again.
func (s *AttachmentService) forget(key string) {
	if corr, ok := s.issued.Get(key); ok {
		s.targets.Delete(corr)
		s.issued.Delete(key)
	}
}

// NormalizeContentType accepts images and PDF documents only.
func NormalizeContentType(contentType string) (string, error) {
	mt, _, err := mime.ParseMediaType(strings.TrimSpace(contentType))
	if err != nil {
		return "", core.NewValidationError(FieldContentType, core.ReasonUnsupportedType,
			"Content type is missing or malformed")
	}
	mt = strings.ToLower(mt)
	if mt == "application/pdf" || (strings.HasPrefix(mt, "image/") && len(mt) > len("image/")) {
		return mt, nil
	}
	return "", core.NewValidationError(FieldContentType, core.ReasonUnsupportedType,
		"Only images and PDF documents can be attached")
}

// SanitizeFilename reduces a client supplied name to one safe key segment.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.TrimLeft(b.String(), ".-")
	if len(out) > maxFilenameLen {
		out = out[len(out)-maxFilenameLen:]
		out = strings.TrimLeft(out, ".-")
	}
	if out == "" {
		return defaultFilename
	}
	return out
}

// OwnerSegment is the key segment that groups one subject's uploads.
func OwnerSegment(who core.Identity) string {
	subject := who.Subject
	if subject == "" {
		subject = "anonymous"
	}
	sum := sha256.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:8])
}
