package core

import (
	"time"
)

const (
	MinTitleLength = 3
	MaxTitleLength = 100

	// MaxAmount keeps amounts exactly representable as JSON numbers in any client.
	MaxAmount int64 = 1<<53 - 1
)

type (
	// Expense is one stored record. AttachmentURL is derived on the way out
	// and never persisted.
	Expense struct {
		ID            int64     `json:"id"`
		Title         string    `json:"title"`
		Amount        int64     `json:"amount"`
		AttachmentKey *string   `json:"attachmentKey"`
		AttachmentURL *string   `json:"attachmentUrl"`
		CreatedAt     time.Time `json:"createdAt"`
		UpdatedAt     time.Time `json:"updatedAt"`
	}

	// ExpenseInput is a validated create or full-replace payload.
	ExpenseInput struct {
		Title  string `json:"title"`
		Amount int64  `json:"amount"`
	}

	// ExpensePatch carries only the fields to change. A nil field is left untouched.
	ExpensePatch struct {
		Title         *string `json:"title,omitempty"`
		Amount        *int64  `json:"amount,omitempty"`
		AttachmentKey *string `json:"fileKey,omitempty"`
	}

	// Identity is the caller as established by the auth collaborator.
	Identity struct {
		Subject string
		Email   string
	}

	// UploadTarget is the result of the sign step of the attachment handshake.
	UploadTarget struct {
		URL         string    `json:"uploadUrl"`
		Key         string    `json:"key"`
		ContentType string    `json:"contentType"`
		ExpiresAt   time.Time `json:"expiresAt"`
	}
)

// HasAttachment reports whether a key has been bound to the record.
func (e Expense) HasAttachment() bool {
	return e.AttachmentKey != nil && *e.AttachmentKey != ""
}

// Input returns the mutable fields of the record as a full payload.
func (e Expense) Input() ExpenseInput {
	return ExpenseInput{Title: e.Title, Amount: e.Amount}
}

// IsEmpty reports whether the patch changes nothing.
func (p ExpensePatch) IsEmpty() bool {
	return p.Title == nil && p.Amount == nil && p.AttachmentKey == nil
}

// IsBind reports whether the patch is an attachment bind.
func (p ExpensePatch) IsBind() bool {
	return p.AttachmentKey != nil
}

// IsAnonymous reports whether no subject was established.
func (id Identity) IsAnonymous() bool {
	return id.Subject == ""
}

type ChangeType string

const (
	ChangeCreated         ChangeType = "created"
	ChangeReplaced        ChangeType = "replaced"
	ChangePatched         ChangeType = "patched"
	ChangeDeleted         ChangeType = "deleted"
	ChangeAttachmentBound ChangeType = "attachment_bound"
)

// ChangeEvent describes one committed mutation. Expense holds the row as
// returned by the store (the deleted snapshot for ChangeDeleted).
type ChangeEvent struct {
	Type    ChangeType `json:"type"`
	ID      int64      `json:"id"`
	Expense Expense    `json:"expense"`
	Subject string     `json:"subject,omitempty"`
	At      time.Time  `json:"at"`
}

func StringPtr(s string) *string { return &s }

func Int64Ptr(n int64) *int64 { return &n }
