package sheets

import (
	"context"

	"ricevute/internal/core"
)

// Mirror keeps a spreadsheet copy of the expense table. Rows are keyed by
// expense id, so replaying the same change is harmless.
type Mirror interface {
	Upsert(ctx context.Context, e core.Expense) error
	Remove(ctx context.Context, id int64) error
}
