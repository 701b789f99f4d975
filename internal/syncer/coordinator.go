// Package syncer keeps a client-side copy of the expense collection and
// applies create and delete optimistically, rolling back on failure.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ricevute/internal/core"
	applog "ricevute/internal/log"
)

var (
	// ErrMutationPending is returned when a mutation is started while another
	// one has not settled yet.
	ErrMutationPending = errors.New("another change is still pending")
	// ErrPlaceholderID is returned for operations on a record the server has
	// not confirmed yet.
	ErrPlaceholderID = errors.New("record is not saved yet")
	// ErrRefreshSuperseded is returned by a refresh whose result was dropped
	// because a mutation started or a newer refresh began.
	ErrRefreshSuperseded = errors.New("refresh superseded")
)

// Backend is the server side of the collection.
type Backend interface {
	List(ctx context.Context) ([]core.Expense, error)
	Create(ctx context.Context, in core.ExpenseInput) (core.Expense, error)
	Delete(ctx context.Context, id int64) (core.Expense, error)
}

// Scheduler runs a task later. Refetches after a settled mutation and after
// Invalidate go through it.
type Scheduler func(task func())

// GoScheduler runs each task on its own goroutine.
func GoScheduler(task func()) { go task() }

type State string

const (
	StateIdle       State = "idle"
	StatePending    State = "pending"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

type Kind string

const (
	KindCreate Kind = "create"
	KindDelete Kind = "delete"
)

// Mutation is the bookkeeping for one optimistic change.
type Mutation struct {
	ID    uuid.UUID
	Kind  Kind
	State State
	// Target is the record id for deletes and the placeholder id for creates.
	Target int64
	// Result is the record returned by the server once committed.
	Result *core.Expense
	Err    error
}

// Snapshot is a copy of the coordinator's view. Callers may keep it.
type Snapshot struct {
	Expenses []core.Expense
	Loaded   bool
	Stale    bool
	Pending  *Mutation
	Last     *Mutation
	Version  uint64
}

// State is the state of the pending mutation, or of the last settled one.
func (s Snapshot) State() State {
	switch {
	case s.Pending != nil:
		return StatePending
	case s.Last != nil:
		return s.Last.State
	default:
		return StateIdle
	}
}

type Option func(*Coordinator)

func WithScheduler(s Scheduler) Option {
	return func(c *Coordinator) { c.schedule = s }
}

func WithLogger(l *applog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator serializes optimistic mutations over a cached collection.
// Each mutation saves the collection under its id before the speculative
// change, so rollback replaces the collection with that copy.
type Coordinator struct {
	backend  Backend
	schedule Scheduler
	logger   *applog.Logger
	now      func() time.Time

	mu        sync.Mutex
	expenses  []core.Expense
	loaded    bool
	stale     bool
	version   uint64
	snapshots map[uuid.UUID][]core.Expense
	pending   *Mutation
	last      *Mutation

	nextPlaceholder int64
	refreshGen      uint64
	refreshCancel   context.CancelFunc

	subsMu  sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

func New(backend Backend, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:         backend,
		schedule:        GoScheduler,
		now:             time.Now,
		snapshots:       make(map[uuid.UUID][]core.Expense),
		nextPlaceholder: -1,
		subs:            make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = applog.New(applog.DefaultConfig())
	}
	c.logger = c.logger.WithComponent(applog.ComponentSync)
	return c
}

// IsPlaceholder reports whether id was assigned locally to an unconfirmed
// record. Placeholder ids are negative and never sent to the server.
func IsPlaceholder(id int64) bool { return id < 0 }

// Expenses returns the current view.
func (c *Coordinator) Expenses() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers fn to receive the view after every change. The
// returned func removes the subscription.
func (c *Coordinator) Subscribe(fn func(Snapshot)) func() {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

// Refresh fetches the collection and replaces the cache. The result is
// dropped when a mutation becomes pending or a newer refresh starts while
// it is in flight.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.pending != nil {
		c.stale = true
		c.mu.Unlock()
		return ErrMutationPending
	}
	c.cancelRefreshLocked()
	ctx, cancel := context.WithCancel(ctx)
	c.refreshCancel = cancel
	gen := c.refreshGen
	c.mu.Unlock()
	defer cancel()

	list, err := c.backend.List(ctx)

	c.mu.Lock()
	if gen != c.refreshGen || c.pending != nil {
		c.mu.Unlock()
		c.logger.DebugContext(ctx, "Dropping superseded refresh")
		return ErrRefreshSuperseded
	}
	c.refreshCancel = nil
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("refresh: %w", err)
	}
	c.expenses = cloneExpenses(list)
	if c.expenses == nil {
		c.expenses = []core.Expense{}
	}
	c.loaded = true
	c.stale = false
	c.version++
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(snap)
	return nil
}

// Invalidate marks the cache stale and schedules a refresh. While a
// mutation is pending the refresh is left to the mutation's settle step.
func (c *Coordinator) Invalidate() {
	c.mu.Lock()
	c.stale = true
	pending := c.pending != nil
	c.mu.Unlock()

	if pending {
		return
	}
	c.scheduleRefresh()
}

// Create appends a provisional record with a placeholder id, then asks the
// server. On failure the collection is restored to the saved copy. Either
// way a refresh is scheduled to reconcile with the server.
func (c *Coordinator) Create(ctx context.Context, in core.ExpenseInput) (core.Expense, error) {
	if err := core.ValidateInput(in); err != nil {
		return core.Expense{}, err
	}

	m, err := c.begin(KindCreate, func(m *Mutation, expenses []core.Expense) []core.Expense {
		m.Target = c.nextPlaceholder
		c.nextPlaceholder--
		at := c.now().UTC()
		return append(expenses, core.Expense{
			ID:        m.Target,
			Title:     in.Title,
			Amount:    in.Amount,
			CreatedAt: at,
			UpdatedAt: at,
		})
	})
	if err != nil {
		return core.Expense{}, err
	}

	created, err := c.backend.Create(ctx, in)
	if err != nil {
		c.rollback(ctx, m, err)
		return core.Expense{}, err
	}
	c.commit(ctx, m, created, func(expenses []core.Expense) []core.Expense {
		for i := range expenses {
			if expenses[i].ID == m.Target {
				expenses[i] = cloneExpense(created)
			}
		}
		return expenses
	})
	return created, nil
}

// Delete removes the record from the collection immediately, then asks the
// server. On failure the collection is restored to the saved copy.
func (c *Coordinator) Delete(ctx context.Context, id int64) (core.Expense, error) {
	if IsPlaceholder(id) {
		return core.Expense{}, ErrPlaceholderID
	}

	m, err := c.begin(KindDelete, func(m *Mutation, expenses []core.Expense) []core.Expense {
		m.Target = id
		out := expenses[:0]
		for _, e := range expenses {
			if e.ID != id {
				out = append(out, e)
			}
		}
		return out
	})
	if err != nil {
		return core.Expense{}, err
	}

	deleted, err := c.backend.Delete(ctx, id)
	if err != nil {
		c.rollback(ctx, m, err)
		return core.Expense{}, err
	}
	c.commit(ctx, m, deleted, nil)
	return deleted, nil
}

// begin moves a new mutation to pending: any in-flight refresh is
// cancelled, the collection is saved under the mutation id, and apply
// receives a private copy to change.
func (c *Coordinator) begin(kind Kind, apply func(*Mutation, []core.Expense) []core.Expense) (*Mutation, error) {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return nil, ErrMutationPending
	}
	c.cancelRefreshLocked()

	m := &Mutation{ID: uuid.New(), Kind: kind, State: StatePending}
	c.snapshots[m.ID] = c.expenses

	if c.loaded {
		c.expenses = apply(m, cloneExpenses(c.expenses))
	} else {
		apply(m, nil)
	}
	c.pending = m
	c.version++
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Debug("Mutation pending",
		applog.FieldMutationID, m.ID.String(),
		applog.FieldOperation, string(kind),
		applog.FieldExpenseID, m.Target)
	c.publish(snap)
	return m, nil
}

func (c *Coordinator) commit(ctx context.Context, m *Mutation, result core.Expense, apply func([]core.Expense) []core.Expense) {
	c.mu.Lock()
	delete(c.snapshots, m.ID)
	if apply != nil && c.loaded {
		c.expenses = apply(cloneExpenses(c.expenses))
	}
	m.State = StateCommitted
	m.Result = &result
	c.settleLocked(m)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "Mutation committed",
		applog.FieldMutationID, m.ID.String(),
		applog.FieldOperation, string(m.Kind),
		applog.FieldExpenseID, result.ID)
	c.publish(snap)
	c.scheduleRefresh()
}

func (c *Coordinator) rollback(ctx context.Context, m *Mutation, cause error) {
	c.mu.Lock()
	c.expenses = c.snapshots[m.ID]
	delete(c.snapshots, m.ID)
	m.State = StateRolledBack
	m.Err = cause
	c.settleLocked(m)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.WarnContext(ctx, "Mutation rolled back",
		applog.FieldMutationID, m.ID.String(),
		applog.FieldOperation, string(m.Kind),
		applog.FieldExpenseID, m.Target,
		applog.FieldError, cause)
	c.publish(snap)
	c.scheduleRefresh()
}

func (c *Coordinator) settleLocked(m *Mutation) {
	c.pending = nil
	c.last = m
	c.stale = true
	c.version++
}

func (c *Coordinator) cancelRefreshLocked() {
	c.refreshGen++
	if c.refreshCancel != nil {
		c.refreshCancel()
		c.refreshCancel = nil
	}
}

func (c *Coordinator) scheduleRefresh() {
	c.schedule(func() {
		if err := c.Refresh(context.Background()); err != nil &&
			!errors.Is(err, ErrRefreshSuperseded) && !errors.Is(err, ErrMutationPending) {
			c.logger.Warn("Scheduled refresh failed", applog.FieldError, err)
		}
	})
}

func (c *Coordinator) snapshotLocked() Snapshot {
	s := Snapshot{
		Expenses: cloneExpenses(c.expenses),
		Loaded:   c.loaded,
		Stale:    c.stale,
		Version:  c.version,
	}
	if c.pending != nil {
		p := *c.pending
		s.Pending = &p
	}
	if c.last != nil {
		l := *c.last
		s.Last = &l
	}
	return s
}

func (c *Coordinator) publish(s Snapshot) {
	c.subsMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subsMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func cloneExpenses(in []core.Expense) []core.Expense {
	if in == nil {
		return nil
	}
	out := make([]core.Expense, len(in))
	for i, e := range in {
		out[i] = cloneExpense(e)
	}
	return out
}

func cloneExpense(e core.Expense) core.Expense {
	if e.AttachmentKey != nil {
		e.AttachmentKey = core.StringPtr(*e.AttachmentKey)
	}
	if e.AttachmentURL != nil {
		e.AttachmentURL = core.StringPtr(*e.AttachmentURL)
	}
	return e
}
