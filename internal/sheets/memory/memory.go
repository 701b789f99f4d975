package memory

import (
	"context"
	"sort"
	"sync"

	"ricevute/internal/core"
)

// Mirror is an in-process sheet. The worker uses it when no spreadsheet is
// configured, which keeps the consume path identical in development.
type Mirror struct {
	mu   sync.Mutex
	rows map[int64]core.Expense
}

func New() *Mirror {
	return &Mirror{rows: make(map[int64]core.Expense)}
}

// Upsert stores e under its id, replacing any previous row.
func (m *Mirror) Upsert(_ context.Context, e core.Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.AttachmentURL = nil
	m.rows[e.ID] = e
	return nil
}

// Remove drops the row for id. Missing rows are ignored.
func (m *Mirror) Remove(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

// Rows returns the mirrored rows ordered by id.
func (m *Mirror) Rows() []core.Expense {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Expense, 0, len(m.rows))
	for _, e := range m.rows {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
