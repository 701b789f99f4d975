package http

import (
	"bytes"
	"net/http"
	"time"

	"ricevute/internal/auth"
	"ricevute/internal/export"
	applog "ricevute/internal/log"
)

// handleSignUpload is the first step of the attachment handshake. The
// returned URL is used for a direct PUT to object storage; the key is later
// sent back in a fileKey patch.
func (s *Server) handleSignUpload(w http.ResponseWriter, r *http.Request) {
	raw, err := ReadBody(w, r, s.maxBodyBytes)
	if err != nil {
		ErrorFor(err).Write(w)
		return
	}
	req, err := ParseSignRequest(raw)
	if err != nil {
		ErrorFor(err).Write(w)
		return
	}

	who, _ := auth.FromContext(r.Context())
	target, err := s.attachments.Sign(r.Context(), who, req.Filename, req.MediaType())
	if err != nil {
		s.fail(w, r, applog.OpSign, 0, err)
		return
	}
	NewJSONResponse().Body(target).Write(w)
}

// handleExport streams the caller's records as an XLSX workbook. The
// workbook is built in memory first so a failure still yields a JSON error.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	who, _ := auth.FromContext(r.Context())

	var buf bytes.Buffer
	if err := s.exporter.Export(r.Context(), who, &buf); err != nil {
		s.fail(w, r, applog.OpExport, 0, err)
		return
	}

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(time.Now())+`"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
