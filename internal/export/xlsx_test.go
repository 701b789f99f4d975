package export

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"ricevute/internal/core"
	applog "ricevute/internal/log"
)

type staticLister struct {
	list []core.Expense
	err  error
}

func (s staticLister) List(context.Context, core.Identity) ([]core.Expense, error) {
	return s.list, s.err
}

func TestWriteXLSX(t *testing.T) {
	at := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
	list := []core.Expense{
		{ID: 1, Title: "Coffee", Amount: 450, CreatedAt: at, UpdatedAt: at},
		{ID: 2, Title: "Lunch", Amount: 1200, AttachmentKey: core.StringPtr("receipts/ab/2/lunch.pdf")},
	}

	var buf bytes.Buffer
	if err := WriteXLSX(&buf, list); err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	if sheets := f.GetSheetList(); len(sheets) != 1 || sheets[0] != SheetName {
		t.Fatalf("sheets = %v", sheets)
	}

	rows, err := f.GetRows(SheetName)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(headers, ",") {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][1] != "Coffee" || rows[1][2] != "450" || rows[1][4] != "2024-05-02T08:00:00Z" {
		t.Errorf("row 1 = %v", rows[1])
	}
	if rows[2][3] != "receipts/ab/2/lunch.pdf" {
		t.Errorf("row 2 attachment = %v", rows[2])
	}
}

func TestService_Export(t *testing.T) {
	svc := NewService(staticLister{list: []core.Expense{{ID: 1, Title: "Coffee", Amount: 450}}}, applog.Discard())

	var buf bytes.Buffer
	if err := svc.Export(context.Background(), core.Identity{Subject: "a"}, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected workbook bytes")
	}

	failing := NewService(staticLister{err: errors.New("db down")}, applog.Discard())
	if err := failing.Export(context.Background(), core.Identity{}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected list error")
	}
}

func TestFileName(t *testing.T) {
	at := time.Date(2024, 5, 2, 8, 3, 4, 0, time.UTC)
	if got := FileName(at); got != "expenses-20240502-080304.xlsx" {
		t.Errorf("FileName = %q", got)
	}
}
