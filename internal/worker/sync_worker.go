package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"ricevute/internal/core"
	applog "ricevute/internal/log"
	"ricevute/internal/sheets"
	"ricevute/internal/storage"
)

// Consumer delivers change events until ctx is done.
type Consumer interface {
	ConsumeChanges(ctx context.Context, handler func(context.Context, core.ChangeEvent) error) error
}

// SyncWorker keeps the spreadsheet mirror in line with the expense store.
type SyncWorker struct {
	reader storage.ExpenseReader
	mirror sheets.Mirror
	logger *applog.Logger
}

// NewSyncWorker builds a worker. With a nil reader the worker trusts the
// row carried by each event instead of reading it back.
func NewSyncWorker(reader storage.ExpenseReader, mirror sheets.Mirror) *SyncWorker {
	return &SyncWorker{
		reader: reader,
		mirror: mirror,
		logger: applog.New(applog.DefaultConfig()).WithComponent(applog.ComponentWorker),
	}
}

// HandleChange applies one change event to the mirror. The current row is
// read back from storage so out-of-order deliveries still converge on the
// latest state.
func (w *SyncWorker) HandleChange(ctx context.Context, ev core.ChangeEvent) error {
	w.logger.DebugContext(ctx, "Processing change event",
		applog.FieldExpenseID, ev.ID,
		applog.FieldEventType, string(ev.Type))

	current, found := ev.Expense, ev.Type != core.ChangeDeleted
	if w.reader != nil {
		e, ok, err := w.reader.Get(ctx, ev.ID)
		if err != nil {
			return fmt.Errorf("get expense from storage: %w", err)
		}
		current, found = e, ok
	}

	if !found {
		if err := w.mirror.Remove(ctx, ev.ID); err != nil {
			return fmt.Errorf("remove mirrored expense: %w", err)
		}
		w.logger.InfoContext(ctx, "Removed mirrored expense", applog.FieldExpenseID, ev.ID)
		return nil
	}

	if err := w.mirror.Upsert(ctx, current); err != nil {
		return fmt.Errorf("mirror expense: %w", err)
	}
	w.logger.InfoContext(ctx, "Mirrored expense",
		applog.FieldExpenseID, current.ID,
		applog.FieldTitle, current.Title,
		applog.FieldAmount, current.Amount)
	return nil
}

// Reconcile upserts every stored expense. It recovers rows whose events were
// lost while the worker was down; rows for deleted expenses are left to the
// delete events.
func (w *SyncWorker) Reconcile(ctx context.Context) error {
	if w.reader == nil {
		return nil
	}
	list, err := w.reader.List(ctx)
	if err != nil {
		return fmt.Errorf("list expenses for reconcile: %w", err)
	}

	synced, failed := 0, 0
	for _, e := range list {
		if err := w.mirror.Upsert(ctx, e); err != nil {
			w.logger.ErrorContext(ctx, "Failed to mirror expense during reconcile",
				applog.FieldExpenseID, e.ID,
				applog.FieldError, err)
			failed++
			continue
		}
		synced++
	}

	w.logger.InfoContext(ctx, "Reconcile completed",
		applog.FieldOperation, applog.OpMirror,
		"total", len(list),
		"synced", synced,
		"errors", failed)
	return nil
}

// Run reconciles once, then consumes events and reconciles every interval
// until ctx is done or one of the loops fails. A zero interval disables the
// periodic pass.
func (w *SyncWorker) Run(ctx context.Context, consumer Consumer, interval time.Duration) error {
	if err := w.Reconcile(ctx); err != nil {
		w.logger.WarnContext(ctx, "Startup reconcile failed", applog.FieldError, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.ConsumeChanges(ctx, w.HandleChange)
	})
	if interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if err := w.Reconcile(ctx); err != nil {
						w.logger.ErrorContext(ctx, "Periodic reconcile failed", applog.FieldError, err)
					}
				}
			}
		})
	}
	return g.Wait()
}
