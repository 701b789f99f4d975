package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrEmptyPatch = errors.New("empty patch")
	ErrNotFound   = errors.New("not found")
	ErrTransport  = errors.New("transport unavailable")
)

// Reason codes carried by FieldError.
const (
	ReasonRequired          = "required"
	ReasonWrongType         = "wrong_type"
	ReasonTooShort          = "too_short"
	ReasonTooLong           = "too_long"
	ReasonBlank             = "blank"
	ReasonNotPositive       = "not_positive"
	ReasonTooLarge          = "too_large"
	ReasonNotInteger        = "not_integer"
	ReasonInvalidJSON       = "invalid_json"
	ReasonEmptyPatch        = "empty_patch"
	ReasonUnsupportedType   = "unsupported_type"
	ReasonInvalidKey        = "invalid_key"
	ReasonNotUploaded       = "not_uploaded"
	ReasonConflictingFields = "conflicting_fields"
)

// FieldError names one failed constraint. Field is empty when the failure
// concerns the payload as a whole.
type FieldError struct {
	Field   string `json:"field"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// ValidationError is returned for rejected input. It never reaches storage.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Field == "" {
			parts = append(parts, f.Message)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

// Is matches ErrValidation for any rejection and ErrEmptyPatch for the
// empty-patch case.
func (e *ValidationError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return true
	case ErrEmptyPatch:
		return e.IsEmptyPatch()
	}
	return false
}

// IsEmptyPatch reports whether the rejection is the empty-patch case.
func (e *ValidationError) IsEmptyPatch() bool {
	for _, f := range e.Fields {
		if f.Reason == ReasonEmptyPatch {
			return true
		}
	}
	return false
}

// Has reports whether the rejection contains the given field/reason pair.
func (e *ValidationError) Has(field, reason string) bool {
	for _, f := range e.Fields {
		if f.Field == field && f.Reason == reason {
			return true
		}
	}
	return false
}

// NewValidationError builds a single-field rejection.
func NewValidationError(field, reason, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Reason: reason, Message: message}}}
}

// EmptyPatchError is the rejection for a patch that names no mutable field.
func EmptyPatchError() *ValidationError {
	return NewValidationError("", ReasonEmptyPatch, "At least one field (title or amount) must be provided")
}

// AsValidation unwraps a ValidationError from err.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// TransportError wraps an unavailable collaborator: storage, object storage
// or the network between client and server.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Transport wraps err as a TransportError. A nil err stays nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}
