package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"ricevute/internal/core"
	applog "ricevute/internal/log"
)

// Attachment is one file to attach to a record.
type Attachment struct {
	Filename    string
	ContentType string
	Body        io.Reader
	// Size is the body length in bytes, or -1 when unknown.
	Size int64
}

// BindError reports a bind that failed after the bytes were uploaded. The
// record is unchanged and the object is orphaned until RetryBind succeeds.
// Retrying is safe: binding the same key twice is a no-op.
type BindError struct {
	ID  int64
	Key string
	Err error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s to expense %d: %v", e.Key, e.ID, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// AsBindError extracts a *BindError from err.
func AsBindError(err error) (*BindError, bool) {
	var be *BindError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// Attach runs sign, PUT and bind in order. A failed sign skips the upload
// and a failed upload skips the bind; in both cases the record is left as
// it was. A failed bind is returned as *BindError.
func (c *Client) Attach(ctx context.Context, id int64, a Attachment) (core.Expense, error) {
	target, err := c.SignUpload(ctx, a.Filename, a.ContentType)
	if err != nil {
		return core.Expense{}, fmt.Errorf("sign upload: %w", err)
	}

	if err := c.Upload(ctx, target, a.Body, a.Size); err != nil {
		return core.Expense{}, fmt.Errorf("upload %s: %w", a.Filename, err)
	}

	e, err := c.Bind(ctx, id, target.Key)
	if err != nil {
		c.logger.WarnContext(ctx, "Bind failed after upload",
			applog.FieldExpenseID, id,
			applog.FieldAttachmentKey, target.Key,
			applog.FieldError, err)
		return core.Expense{}, &BindError{ID: id, Key: target.Key, Err: err}
	}
	return e, nil
}

// RetryBind repeats only the bind step of a failed Attach.
func (c *Client) RetryBind(ctx context.Context, be *BindError) (core.Expense, error) {
	if be == nil {
		return core.Expense{}, fmt.Errorf("nothing to retry")
	}
	e, err := c.Bind(ctx, be.ID, be.Key)
	if err != nil {
		return core.Expense{}, &BindError{ID: be.ID, Key: be.Key, Err: err}
	}
	return e, nil
}
