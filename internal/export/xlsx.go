package export

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"ricevute/internal/core"
	applog "ricevute/internal/log"
)

const (
	SheetName   = "Expenses"
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var headers = []string{"ID", "Title", "Amount", "Attachment", "Created", "Updated"}

// Lister is the read side the export needs.
type Lister interface {
	List(ctx context.Context, who core.Identity) ([]core.Expense, error)
}

// Service produces XLSX workbooks of the whole collection.
type Service struct {
	lister Lister
	logger *applog.Logger
}

func NewService(lister Lister, logger *applog.Logger) *Service {
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	return &Service{lister: lister, logger: logger.WithComponent(applog.ComponentExport)}
}

// Export writes the caller's view of the collection to w.
func (s *Service) Export(ctx context.Context, who core.Identity, w io.Writer) error {
	start := time.Now()
	list, err := s.lister.List(ctx, who)
	if err != nil {
		return fmt.Errorf("list expenses: %w", err)
	}
	if err := WriteXLSX(w, list); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Export written",
		applog.FieldOperation, applog.OpExport,
		"rows", len(list),
		applog.FieldDuration, time.Since(start).Milliseconds())
	return nil
}

// FileName is the download name for an export taken at t.
func FileName(t time.Time) string {
	return "expenses-" + t.UTC().Format("20060102-150405") + ".xlsx"
}

// WriteXLSX renders list as a single-sheet workbook. Amounts are written as
// integers in the smallest currency unit.
func WriteXLSX(w io.Writer, list []core.Expense) error {
	f := excelize.NewFile()
	defer f.Close()

	// A new workbook starts with "Sheet1"; rename it rather than add a second one.
	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return fmt.Errorf("xlsx header: %w", err)
		}
	}

	for i, e := range list {
		row := i + 2
		key := ""
		if e.HasAttachment() {
			key = *e.AttachmentKey
		}
		values := []any{e.ID, e.Title, e.Amount, key, timeCell(e.CreatedAt), timeCell(e.UpdatedAt)}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(SheetName, cell, v); err != nil {
				return fmt.Errorf("xlsx row %d: %w", row, err)
			}
		}
	}

	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = f.SetRowStyle(SheetName, 1, 1, style)
	}
	_ = f.SetColWidth(SheetName, "A", "A", 8)
	_ = f.SetColWidth(SheetName, "B", "B", 40)
	_ = f.SetColWidth(SheetName, "C", "C", 14)
	_ = f.SetColWidth(SheetName, "D", "D", 60)
	_ = f.SetColWidth(SheetName, "E", "F", 20)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

func timeCell(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
