package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"ricevute/internal/core"
)

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	e, err := s.Insert(ctx, core.ExpenseInput{Title: "Coffee", Amount: 450})
	if err != nil || e.ID != 1 {
		t.Fatalf("unexpected insert: %+v err=%v", e, err)
	}

	got, found, err := s.Get(ctx, e.ID)
	if err != nil || !found || got.Title != "Coffee" || got.Amount != 450 {
		t.Fatalf("unexpected get: %+v found=%v err=%v", got, found, err)
	}

	patched, found, err := s.Patch(ctx, e.ID, core.ExpensePatch{Amount: core.Int64Ptr(500)})
	if err != nil || !found || patched.Amount != 500 || patched.Title != "Coffee" {
		t.Fatalf("unexpected patch: %+v", patched)
	}

	deleted, found, err := s.Delete(ctx, e.ID)
	if err != nil || !found || deleted.Amount != 500 {
		t.Fatalf("unexpected delete: %+v", deleted)
	}
	if _, found, _ := s.Get(ctx, e.ID); found {
		t.Fatalf("expected not found after delete")
	}

	next, _ := s.Insert(ctx, core.ExpenseInput{Title: "Lunch", Amount: 1200})
	if next.ID != 2 {
		t.Fatalf("ids must not be reused, got %d", next.ID)
	}
}

func TestStoreMissingIDs(t *testing.T) {
	ctx := context.Background()
	s := New()
	in := core.ExpenseInput{Title: "Coffee", Amount: 1}

	if _, found, err := s.Replace(ctx, 9, in); found || err != nil {
		t.Fatalf("replace missing: found=%v err=%v", found, err)
	}
	if _, found, err := s.Patch(ctx, 9, core.ExpensePatch{Title: core.StringPtr("Tea")}); found || err != nil {
		t.Fatalf("patch missing: found=%v err=%v", found, err)
	}
	if _, found, err := s.Delete(ctx, 9); found || err != nil {
		t.Fatalf("delete missing: found=%v err=%v", found, err)
	}
	if s.Len() != 0 {
		t.Fatalf("missing ids must not mutate the store")
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	e, _ := s.Insert(ctx, core.ExpenseInput{Title: "Coffee", Amount: 1})
	bound, _, _ := s.Patch(ctx, e.ID, core.ExpensePatch{AttachmentKey: core.StringPtr("receipts/a")})
	*bound.AttachmentKey = "changed"

	got, _, _ := s.Get(ctx, e.ID)
	if *got.AttachmentKey != "receipts/a" {
		t.Fatalf("store state leaked through returned pointer: %q", *got.AttachmentKey)
	}

	keys, _ := s.AttachmentKeys(ctx)
	if _, ok := keys["receipts/a"]; !ok || len(keys) != 1 {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestStoreFailure(t *testing.T) {
	s := New()
	s.Fail = errors.New("disk on fire")
	_, err := s.List(context.Background())
	if !errors.Is(err, core.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestNewFromFile(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFromFile(filepath.Join(dir, "missing.txt"))
	if err != nil || s.Len() != 0 {
		t.Fatalf("missing file should give empty store: len=%d err=%v", s.Len(), err)
	}

	path := filepath.Join(dir, "seed.txt")
	content := "# seed\nCoffee|450\n\n  Groceries | 3200 \n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err = NewFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	list, _ := s.List(context.Background())
	if len(list) != 2 || list[1].Title != "Groceries" || list[1].Amount != 3200 {
		t.Fatalf("unexpected seed result %+v", list)
	}

	if err := os.WriteFile(path, []byte("Co|1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFromFile(path); err == nil {
		t.Fatalf("expected invalid seed line to fail")
	}
}
