//go:build integration

package google

import (
	"context"
	"os"
	"testing"
	"time"

	"ricevute/internal/core"
)

// Integration tests require a real spreadsheet the credentials can edit.
// Run with: go test -tags=integration ./internal/sheets/google

func TestIntegration_MirrorRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	spreadsheetID := os.Getenv("GOOGLE_SPREADSHEET_ID")
	if spreadsheetID == "" {
		t.Skip("GOOGLE_SPREADSHEET_ID not set, skipping integration test")
	}

	ctx := context.Background()
	client, err := New(ctx, Config{
		SpreadsheetID:   spreadsheetID,
		SheetName:       os.Getenv("GOOGLE_SHEET_NAME"),
		CredentialsFile: os.Getenv("GOOGLE_CREDENTIALS_FILE"),
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	id := time.Now().Unix()
	e := core.Expense{ID: id, Title: "Integration Test Expense", Amount: 1234, CreatedAt: time.Now(), UpdatedAt: time.Now()}

	if err := client.Upsert(ctx, e); err != nil {
		t.Fatalf("Failed to append row: %v", err)
	}

	e.Title = "Integration Test Expense (edited)"
	if err := client.Upsert(ctx, e); err != nil {
		t.Fatalf("Failed to update row: %v", err)
	}

	ids, err := client.readIDs(ctx)
	if err != nil {
		t.Fatalf("Failed to read ids: %v", err)
	}
	count := 0
	for _, row := range ids {
		if r, ok := findRow([][]any{row}, id); ok && r == 1 {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one row for id %d, got %d", id, count)
	}

	if err := client.Remove(ctx, id); err != nil {
		t.Fatalf("Failed to remove row: %v", err)
	}
	if err := client.Remove(ctx, id); err != nil {
		t.Fatalf("Removing a missing row should succeed: %v", err)
	}
}
