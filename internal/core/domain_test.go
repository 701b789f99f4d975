package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestPatchIsEmpty(t *testing.T) {
	if !(ExpensePatch{}).IsEmpty() {
		t.Fatalf("zero patch should be empty")
	}
	if (ExpensePatch{Amount: Int64Ptr(1)}).IsEmpty() {
		t.Fatalf("amount patch should not be empty")
	}
	if !(ExpensePatch{AttachmentKey: StringPtr("k")}).IsBind() {
		t.Fatalf("key patch should be a bind")
	}
}

func TestHasAttachment(t *testing.T) {
	var e Expense
	if e.HasAttachment() {
		t.Fatalf("new expense should have no attachment")
	}
	e.AttachmentKey = StringPtr("")
	if e.HasAttachment() {
		t.Fatalf("empty key is not an attachment")
	}
	e.AttachmentKey = StringPtr("receipts/a/b/c.pdf")
	if !e.HasAttachment() {
		t.Fatalf("expected attachment")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	empty := fmt.Errorf("patch: %w", EmptyPatchError())
	if !errors.Is(empty, ErrEmptyPatch) || !errors.Is(empty, ErrValidation) {
		t.Fatalf("empty patch should match ErrEmptyPatch and ErrValidation")
	}

	title := NewValidationError(FieldTitle, ReasonTooShort, "short")
	if errors.Is(title, ErrEmptyPatch) {
		t.Fatalf("field error should not match ErrEmptyPatch")
	}

	tr := Transport("storage.get", errors.New("database is locked"))
	if !errors.Is(tr, ErrTransport) {
		t.Fatalf("transport error should match ErrTransport")
	}
	if errors.Is(tr, ErrValidation) {
		t.Fatalf("transport error should not match ErrValidation")
	}
	if Transport("noop", nil) != nil {
		t.Fatalf("nil error should stay nil")
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Fields: []FieldError{
		{Field: FieldTitle, Reason: ReasonTooShort, Message: "Title must be at least 3 characters"},
		{Field: FieldAmount, Reason: ReasonNotPositive, Message: "Amount must be greater than 0"},
	}}
	want := "validation failed: title: Title must be at least 3 characters; amount: Amount must be greater than 0"
	if err.Error() != want {
		t.Fatalf("got %q", err.Error())
	}
}
