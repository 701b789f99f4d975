package memory

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"ricevute/internal/core"
)

// Store keeps expenses in process. Ids come from a monotonic counter and are
// never reused, even after deletes.
type Store struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]core.Expense
	order  []int64
	now    func() time.Time

	// Fail, when set, is returned by every operation. Tests use it to
	// simulate an unavailable engine.
	Fail error
}

func New() *Store {
	return &Store{
		nextID: 1,
		items:  make(map[int64]core.Expense),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewFromFile seeds a store from a text file with one "title|amount" pair
// per line. Blank lines and lines starting with # are skipped. A missing
// file yields an empty store.
func NewFromFile(path string) (*Store, error) {
	s := New()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		title, amount, ok := strings.Cut(text, "|")
		if !ok {
			return nil, fmt.Errorf("seed line %d: expected title|amount", line)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(amount), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("seed line %d: %w", line, err)
		}
		in := core.ExpenseInput{Title: strings.TrimSpace(title), Amount: n}
		if err := core.ValidateInput(in); err != nil {
			return nil, fmt.Errorf("seed line %d: %w", line, err)
		}
		if _, err := s.Insert(context.Background(), in); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return s, nil
}

func (s *Store) List(_ context.Context) ([]core.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, core.Transport("list expenses", s.Fail)
	}
	out := make([]core.Expense, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, clone(s.items[id]))
	}
	return out, nil
}

func (s *Store) Get(_ context.Context, id int64) (core.Expense, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return core.Expense{}, false, core.Transport("get expense", s.Fail)
	}
	e, ok := s.items[id]
	return clone(e), ok, nil
}

func (s *Store) Insert(_ context.Context, in core.ExpenseInput) (core.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return core.Expense{}, core.Transport("create expense", s.Fail)
	}
	now := s.now()
	e := core.Expense{
		ID:        s.nextID,
		Title:     in.Title,
		Amount:    in.Amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.nextID++
	s.items[e.ID] = e
	s.order = append(s.order, e.ID)
	return clone(e), nil
}

func (s *Store) Replace(_ context.Context, id int64, in core.ExpenseInput) (core.Expense, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return core.Expense{}, false, core.Transport("replace expense", s.Fail)
	}
	e, ok := s.items[id]
	if !ok {
		return core.Expense{}, false, nil
	}
	e.Title = in.Title
	e.Amount = in.Amount
	e.UpdatedAt = s.now()
	s.items[id] = e
	return clone(e), true, nil
}

func (s *Store) Patch(_ context.Context, id int64, p core.ExpensePatch) (core.Expense, bool, error) {
	if p.IsEmpty() {
		return core.Expense{}, false, core.EmptyPatchError()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return core.Expense{}, false, core.Transport("patch expense", s.Fail)
	}
	e, ok := s.items[id]
	if !ok {
		return core.Expense{}, false, nil
	}
	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.Amount != nil {
		e.Amount = *p.Amount
	}
	if p.AttachmentKey != nil {
		key := *p.AttachmentKey
		e.AttachmentKey = &key
	}
	e.UpdatedAt = s.now()
	s.items[id] = e
	return clone(e), true, nil
}

func (s *Store) Delete(_ context.Context, id int64) (core.Expense, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return core.Expense{}, false, core.Transport("delete expense", s.Fail)
	}
	e, ok := s.items[id]
	if !ok {
		return core.Expense{}, false, nil
	}
	delete(s.items, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return clone(e), true, nil
}

func (s *Store) AttachmentKeys(_ context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, core.Transport("list attachment keys", s.Fail)
	}
	keys := make(map[string]struct{})
	for _, e := range s.items {
		if e.HasAttachment() {
			keys[*e.AttachmentKey] = struct{}{}
		}
	}
	return keys, nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return core.Transport("ping memory", s.Fail)
}

func (s *Store) Close() error { return nil }

// Len returns the number of stored expenses.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func clone(e core.Expense) core.Expense {
	if e.AttachmentKey != nil {
		key := *e.AttachmentKey
		e.AttachmentKey = &key
	}
	return e
}
