package storage

import (
	"context"

	"ricevute/internal/core"
)

// Ports implemented by every storage engine. Operations that target a single
// record report a missing id through the found flag, never through err.
type (
	ExpenseReader interface {
		List(ctx context.Context) ([]core.Expense, error)
		Get(ctx context.Context, id int64) (e core.Expense, found bool, err error)
	}

	ExpenseWriter interface {
		Insert(ctx context.Context, in core.ExpenseInput) (core.Expense, error)
		Replace(ctx context.Context, id int64, in core.ExpenseInput) (e core.Expense, found bool, err error)
		// Patch applies only the non-nil fields of p in one statement.
		Patch(ctx context.Context, id int64, p core.ExpensePatch) (e core.Expense, found bool, err error)
		Delete(ctx context.Context, id int64) (deleted core.Expense, found bool, err error)
	}

	// AttachmentKeyLister feeds the orphan sweep.
	AttachmentKeyLister interface {
		AttachmentKeys(ctx context.Context) (map[string]struct{}, error)
	}

	ExpenseStore interface {
		ExpenseReader
		ExpenseWriter
		AttachmentKeyLister
		Ping(ctx context.Context) error
		Close() error
	}
)
