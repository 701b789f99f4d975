// Package http provides the JSON API server and its handlers.
//
// This file implements the builder used for every JSON response so status,
// headers and body encoding stay consistent across handlers.

package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"ricevute/internal/core"
)

// Error messages shared with clients. Clients match on the status code, the
// message is for display.
const (
	MsgValidationFailed   = "validation failed"
	MsgEmptyPatch         = "Empty patch"
	MsgNotFound           = "Not found"
	MsgUnauthorized       = "Unauthorized"
	MsgRateLimited        = "Too many requests"
	MsgServiceUnavailable = "Service unavailable"
	MsgInternal           = "Internal server error"
	MsgBodyTooLarge       = "Request body too large"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error  string            `json:"error"`
	Fields []core.FieldError `json:"fields,omitempty"`
}

// JSONResponseBuilder provides a fluent API for building JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	body       any
	headers    map[string]string
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// Body sets the value encoded as the response body.
func (b *JSONResponseBuilder) Body(v any) *JSONResponseBuilder {
	b.body = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.body == nil {
		w.WriteHeader(b.statusCode)
		return
	}

	payload, err := json.Marshal(b.body)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"` + MsgInternal + `"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(b.statusCode)
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n"))
}

// ErrorResponse creates a standard error response.
func ErrorResponse(statusCode int, message string) *JSONResponseBuilder {
	return NewJSONResponse().Status(statusCode).Body(ErrorBody{Error: message})
}

// ValidationErrorResponse renders field-level rejections. An empty patch
// keeps its own message so clients can tell it apart.
func ValidationErrorResponse(ve *core.ValidationError) *JSONResponseBuilder {
	msg := MsgValidationFailed
	if ve.IsEmptyPatch() {
		msg = MsgEmptyPatch
	}
	return NewJSONResponse().
		Status(http.StatusBadRequest).
		Body(ErrorBody{Error: msg, Fields: ve.Fields})
}

func NotFoundError() *JSONResponseBuilder {
	return ErrorResponse(http.StatusNotFound, MsgNotFound)
}

func UnauthorizedError() *JSONResponseBuilder {
	return ErrorResponse(http.StatusUnauthorized, MsgUnauthorized).
		Header("WWW-Authenticate", `Bearer realm="ricevute"`)
}

func TooManyRequestsError() *JSONResponseBuilder {
	return ErrorResponse(http.StatusTooManyRequests, MsgRateLimited)
}

// ErrorFor maps a service error onto its response: validation failures are
// 400, unavailable collaborators 503, anything else 500.
func ErrorFor(err error) *JSONResponseBuilder {
	if ve, ok := core.AsValidation(err); ok {
		return ValidationErrorResponse(ve)
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return ErrorResponse(http.StatusRequestEntityTooLarge, MsgBodyTooLarge)
	}
	if errors.Is(err, core.ErrTransport) {
		return ErrorResponse(http.StatusServiceUnavailable, MsgServiceUnavailable)
	}
	return ErrorResponse(http.StatusInternalServerError, MsgInternal)
}
