// Package http provides the JSON API server and its handlers.
//
// This file implements request parsing shared by the handlers: bounded body
// reads, the numeric id boundary check and the sign request body.

package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"ricevute/internal/core"
	"ricevute/internal/services"
)

// DefaultMaxBodyBytes bounds JSON request bodies. Uploads never pass through
// the API, so bodies stay small.
const DefaultMaxBodyBytes int64 = 64 << 10

// ParseExpenseID accepts only a purely numeric, positive id that fits in an
// int64. Anything else is treated as an absent record by the caller.
func ParseExpenseID(raw string) (int64, bool) {
	if raw == "" || len(raw) > 19 {
		return 0, false
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ReadBody reads at most limit bytes of the request body. Exceeding the
// limit yields an *http.MaxBytesError.
func ReadBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

// SignRequest is the body of POST /api/upload/sign. Type is the field name
// the web client sends; ContentType is accepted as an alias.
type SignRequest struct {
	Filename    string `json:"filename"`
	Type        string `json:"type"`
	ContentType string `json:"contentType"`
}

// MediaType returns whichever content type field was supplied.
func (s SignRequest) MediaType() string {
	if strings.TrimSpace(s.Type) != "" {
		return s.Type
	}
	return s.ContentType
}

// ParseSignRequest decodes a sign request body.
func ParseSignRequest(raw []byte) (SignRequest, error) {
	var req SignRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&req); err != nil {
		return SignRequest{}, core.NewValidationError("", core.ReasonInvalidJSON, "Request body must be a JSON object")
	}
	if strings.TrimSpace(req.MediaType()) == "" {
		return SignRequest{}, core.NewValidationError(services.FieldContentType, core.ReasonRequired, "Content type is required")
	}
	return req, nil
}
