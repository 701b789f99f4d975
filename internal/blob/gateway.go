package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ricevute/internal/core"
	applog "ricevute/internal/log"
)

// GatewayConfig configures signed URL issuance.
type GatewayConfig struct {
	// BaseURL is the externally reachable origin the signed URLs point at.
	BaseURL        string
	UploadTTL      time.Duration
	DownloadTTL    time.Duration
	MaxUploadBytes int64
	Logger         *applog.Logger
}

// Gateway is the object-storage collaborator: it signs upload and download
// URLs and serves the requests made with them.
type Gateway struct {
	store  Store
	signer *Signer
	cfg    GatewayConfig
	logger *applog.Logger
	now    func() time.Time
}

func NewGateway(store Store, signer *Signer, cfg GatewayConfig) *Gateway {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	logger := cfg.Logger
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	return &Gateway{
		store:  store,
		signer: signer,
		cfg:    cfg,
		logger: logger.WithComponent(applog.ComponentBlob),
		now:    time.Now,
	}
}

// SignUpload issues a time-limited PUT URL for key restricted to contentType.
func (g *Gateway) SignUpload(_ context.Context, key, contentType string) (core.UploadTarget, error) {
	if !ValidKey(key) {
		return core.UploadTarget{}, ErrInvalidKey
	}
	exp := g.now().Add(g.cfg.UploadTTL).UTC().Truncate(time.Second)
	token, err := g.signer.Sign(Grant{
		Op:          OpPut,
		Key:         key,
		ContentType: contentType,
		MaxBytes:    g.cfg.MaxUploadBytes,
		ExpiresAt:   exp,
	})
	if err != nil {
		return core.UploadTarget{}, err
	}
	return core.UploadTarget{
		URL:         g.objectURL(key, token),
		Key:         key,
		ContentType: contentType,
		ExpiresAt:   exp,
	}, nil
}

// DownloadURL issues a time-limited GET URL for key.
func (g *Gateway) DownloadURL(key string) (string, error) {
	token, err := g.signer.Sign(Grant{
		Op:        OpGet,
		Key:       key,
		ExpiresAt: g.now().Add(g.cfg.DownloadTTL),
	})
	if err != nil {
		return "", err
	}
	return g.objectURL(key, token), nil
}

// Exists reports whether an object was uploaded under key.
func (g *Gateway) Exists(ctx context.Context, key string) (bool, error) {
	if !ValidKey(key) {
		return false, nil
	}
	_, ok, err := g.store.Stat(ctx, key)
	return ok, err
}

func (g *Gateway) objectURL(key, token string) string {
	return g.cfg.BaseURL + "/blobs/" + key + "?token=" + url.QueryEscape(token)
}

// Register mounts the signed object endpoints on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("PUT /blobs/{key...}", g.handlePut)
	mux.HandleFunc("GET /blobs/{key...}", g.handleGet)
}

func (g *Gateway) handlePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	grant, err := g.signer.Verify(r.URL.Query().Get("token"), OpPut, key)
	if err != nil {
		http.Error(w, "signature does not match", http.StatusForbidden)
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.EqualFold(mediaType, grant.ContentType) {
		http.Error(w, "content type does not match signed type", http.StatusForbidden)
		return
	}

	// Keys are write-once: a bound receipt is never replaced in place.
	_, exists, err := g.store.Stat(r.Context(), key)
	switch {
	case err != nil:
		g.logger.ErrorContext(r.Context(), "Failed to stat object",
			applog.FieldAttachmentKey, key,
			applog.FieldError, err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	case exists:
		http.Error(w, "object already exists", http.StatusPreconditionFailed)
		return
	}

	limit := grant.MaxBytes
	if limit > 0 && r.ContentLength > limit {
		http.Error(w, "object too large", http.StatusRequestEntityTooLarge)
		return
	}

	obj, err := g.store.Put(r.Context(), key, grant.ContentType, r.Body, limit)
	switch {
	case errors.Is(err, ErrTooLarge):
		http.Error(w, "object too large", http.StatusRequestEntityTooLarge)
		return
	case errors.Is(err, ErrInvalidKey):
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	case err != nil:
		g.logger.ErrorContext(r.Context(), "Failed to store object",
			applog.FieldAttachmentKey, key,
			applog.FieldError, err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}

	g.logger.InfoContext(r.Context(), "Object stored",
		applog.FieldAttachmentKey, obj.Key,
		applog.FieldContentType, obj.ContentType,
		applog.FieldSize, obj.Size)
	w.Header().Set("ETag", strconv.Quote(fmt.Sprintf("%x-%x", obj.Size, obj.ModTime.UnixNano())))
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if _, err := g.signer.Verify(r.URL.Query().Get("token"), OpGet, key); err != nil {
		http.Error(w, "signature does not match", http.StatusForbidden)
		return
	}

	rc, obj, err := g.store.Open(r.Context(), key)
	switch {
	case errors.Is(err, ErrNotExist), errors.Is(err, ErrInvalidKey):
		http.Error(w, "object not found", http.StatusNotFound)
		return
	case err != nil:
		g.logger.ErrorContext(r.Context(), "Failed to open object",
			applog.FieldAttachmentKey, key,
			applog.FieldError, err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("Cache-Control", "private, max-age=60")
	w.Header().Set("Content-Disposition", "inline")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		io.Copy(w, rc)
	}
}
