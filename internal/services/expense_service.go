package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"ricevute/internal/core"
	applog "ricevute/internal/log"
	"ricevute/internal/storage"
)

// Notifier receives every committed mutation. Failures are logged and never
// undo or fail the mutation.
type Notifier interface {
	Notify(ctx context.Context, ev core.ChangeEvent) error
}

// URLSigner derives a dereferenceable location for an attachment key.
type URLSigner interface {
	DownloadURL(key string) (string, error)
}

// ExpenseService validates input, runs exactly one store operation per call
// and fans out change events afterwards.
type ExpenseService struct {
	store     storage.ExpenseStore
	notifiers []Notifier
	urls      URLSigner
	logger    *applog.Logger
	audit     *applog.StructuredLogger
	now       func() time.Time
}

type ExpenseOption func(*ExpenseService)

func WithNotifier(n Notifier) ExpenseOption {
	return func(s *ExpenseService) {
		if n != nil {
			s.notifiers = append(s.notifiers, n)
		}
	}
}

func WithURLSigner(u URLSigner) ExpenseOption {
	return func(s *ExpenseService) { s.urls = u }
}

func WithLogger(l *applog.Logger) ExpenseOption {
	return func(s *ExpenseService) {
		if l != nil {
			s.logger = l.WithComponent(applog.ComponentExpense)
		}
	}
}

func NewExpenseService(store storage.ExpenseStore, opts ...ExpenseOption) *ExpenseService {
	s := &ExpenseService{
		store:  store,
		logger: applog.New(applog.DefaultConfig()).WithComponent(applog.ComponentExpense),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.audit = applog.NewStructuredLogger(s.logger)
	return s
}

func (s *ExpenseService) List(ctx context.Context, _ core.Identity) ([]core.Expense, error) {
	list, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	for i := range list {
		s.decorate(&list[i])
	}
	return list, nil
}

func (s *ExpenseService) Get(ctx context.Context, _ core.Identity, id int64) (core.Expense, bool, error) {
	e, found, err := s.store.Get(ctx, id)
	if err != nil {
		return core.Expense{}, false, fmt.Errorf("get expense: %w", err)
	}
	if found {
		s.decorate(&e)
	}
	return e, found, nil
}

func (s *ExpenseService) Create(ctx context.Context, who core.Identity, in core.ExpenseInput) (core.Expense, error) {
	if err := core.ValidateInput(in); err != nil {
		return core.Expense{}, err
	}
	e, err := s.store.Insert(ctx, in)
	if err != nil {
		return core.Expense{}, fmt.Errorf("create expense: %w", err)
	}
	s.committed(ctx, who, core.ChangeCreated, applog.OpCreate, e)
	s.decorate(&e)
	return e, nil
}

func (s *ExpenseService) Replace(ctx context.Context, who core.Identity, id int64, in core.ExpenseInput) (core.Expense, bool, error) {
	if err := core.ValidateInput(in); err != nil {
		return core.Expense{}, false, err
	}
	e, found, err := s.store.Replace(ctx, id, in)
	if err != nil {
		return core.Expense{}, false, fmt.Errorf("replace expense: %w", err)
	}
	if !found {
		return core.Expense{}, false, nil
	}
	s.committed(ctx, who, core.ChangeReplaced, applog.OpReplace, e)
	s.decorate(&e)
	return e, true, nil
}

// Patch updates title and/or amount. Attachment keys are rejected here;
// they are bound through BindAttachment.
func (s *ExpenseService) Patch(ctx context.Context, who core.Identity, id int64, p core.ExpensePatch) (core.Expense, bool, error) {
	if p.IsBind() {
		return core.Expense{}, false, core.NewValidationError(core.FieldFileKey, core.ReasonConflictingFields,
			"File key must be bound through the attachment handshake")
	}
	if err := core.ValidatePatch(p); err != nil {
		return core.Expense{}, false, err
	}
	e, found, err := s.store.Patch(ctx, id, p)
	if err != nil {
		return core.Expense{}, false, fmt.Errorf("patch expense: %w", err)
	}
	if !found {
		return core.Expense{}, false, nil
	}
	s.committed(ctx, who, core.ChangePatched, applog.OpPatch, e)
	s.decorate(&e)
	return e, true, nil
}

// BindAttachment sets the record's attachment key. Binding the key the
// record already carries returns the record without writing or notifying.
func (s *ExpenseService) BindAttachment(ctx context.Context, who core.Identity, id int64, key string) (core.Expense, bool, error) {
	if err := core.ValidateFileKey(key); err != nil {
		return core.Expense{}, false, err
	}

	current, found, err := s.store.Get(ctx, id)
	if err != nil {
		return core.Expense{}, false, fmt.Errorf("bind attachment: %w", err)
	}
	if !found {
		return core.Expense{}, false, nil
	}
	if current.HasAttachment() && *current.AttachmentKey == key {
		s.logger.DebugContext(ctx, "Attachment already bound",
			applog.FieldExpenseID, id,
			applog.FieldAttachmentKey, key)
		s.decorate(&current)
		return current, true, nil
	}

	e, found, err := s.store.Patch(ctx, id, core.ExpensePatch{AttachmentKey: &key})
	if err != nil {
		return core.Expense{}, false, fmt.Errorf("bind attachment: %w", err)
	}
	if !found {
		return core.Expense{}, false, nil
	}
	s.committed(ctx, who, core.ChangeAttachmentBound, applog.OpBind, e)
	s.decorate(&e)
	return e, true, nil
}

func (s *ExpenseService) Delete(ctx context.Context, who core.Identity, id int64) (core.Expense, bool, error) {
	e, found, err := s.store.Delete(ctx, id)
	if err != nil {
		return core.Expense{}, false, fmt.Errorf("delete expense: %w", err)
	}
	if !found {
		return core.Expense{}, false, nil
	}
	s.committed(ctx, who, core.ChangeDeleted, applog.OpDelete, e)
	s.decorate(&e)
	return e, true, nil
}

// Ping reports whether the storage engine is reachable.
func (s *ExpenseService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *ExpenseService) committed(ctx context.Context, who core.Identity, typ core.ChangeType, op string, e core.Expense) {
	s.audit.LogMutation(ctx, op, e.ID, e.Title, e.Amount, who.Subject)

	ev := core.ChangeEvent{
		Type:    typ,
		ID:      e.ID,
		Expense: e,
		Subject: who.Subject,
		At:      s.now().UTC(),
	}
	for _, n := range s.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			s.logger.ErrorContext(ctx, "Failed to publish change event",
				applog.FieldExpenseID, e.ID,
				applog.FieldEventType, string(typ),
				applog.FieldError, err)
		}
	}
}

func (s *ExpenseService) decorate(e *core.Expense) {
	e.AttachmentURL = nil
	if !e.HasAttachment() || s.urls == nil {
		return
	}
	u, err := s.urls.DownloadURL(*e.AttachmentKey)
	if err != nil {
		s.logger.Warn("Failed to sign attachment URL",
			applog.FieldExpenseID, e.ID,
			applog.FieldError, err)
		return
	}
	e.AttachmentURL = &u
}

// Close closes the store and every notifier that holds resources.
func (s *ExpenseService) Close() error {
	var errs []error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	for _, n := range s.notifiers {
		if c, ok := n.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("notifier: %w", err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close expense service: %w", errors.Join(errs...))
	}
	return nil
}
