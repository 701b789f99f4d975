package google

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"ricevute/internal/core"
)

// header is written to row 1 of an empty sheet. Column A always holds the
// expense id.
var header = []any{"ID", "Title", "Amount", "Attachment", "Created", "Updated"}

const lastColumn = "F"

// expenseRow renders e as one sheet row matching header.
func expenseRow(e core.Expense) []any {
	key := ""
	if e.HasAttachment() {
		key = *e.AttachmentKey
	}
	return []any{
		e.ID,
		e.Title,
		e.Amount,
		key,
		formatTime(e.CreatedAt),
		formatTime(e.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// findRow returns the 1-based sheet row whose column A equals id. values is
// the A:A column as returned by the Values API.
func findRow(values [][]any, id int64) (int, bool) {
	for i, row := range values {
		if len(row) == 0 {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(fmt.Sprint(row[0])), 10, 64)
		if err != nil {
			continue
		}
		if n == id {
			return i + 1, true
		}
	}
	return 0, false
}

// hasHeader reports whether row 1 already carries the header.
func hasHeader(values [][]any) bool {
	if len(values) == 0 || len(values[0]) == 0 {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(fmt.Sprint(values[0][0])), "ID")
}

func rowRange(sheet string, row int) string {
	return fmt.Sprintf("%s!A%d:%s%d", quoteSheet(sheet), row, lastColumn, row)
}

func columnRange(sheet string) string {
	return quoteSheet(sheet) + "!A:A"
}

// quoteSheet quotes a sheet name for A1 notation.
func quoteSheet(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}
