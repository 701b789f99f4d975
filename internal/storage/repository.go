package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ricevute/internal/core"

	_ "modernc.org/sqlite"
)

const expenseColumns = "id, title, amount, attachment_key, created_at, updated_at"

type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer at a time keeps RETURNING statements from racing on the file lock.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db, now: time.Now}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return core.Transport("ping sqlite", r.db.PingContext(ctx))
}

func (r *SQLiteRepository) List(ctx context.Context) ([]core.Expense, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+expenseColumns+" FROM expenses ORDER BY id")
	if err != nil {
		return nil, core.Transport("list expenses", err)
	}
	defer rows.Close()

	expenses := []core.Expense{}
	for rows.Next() {
		e, err := scanSQLiteExpense(rows)
		if err != nil {
			return nil, core.Transport("scan expense", err)
		}
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Transport("list expenses", err)
	}
	return expenses, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id int64) (core.Expense, bool, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+expenseColumns+" FROM expenses WHERE id = ?", id)
	return r.one(row, "get expense")
}

func (r *SQLiteRepository) Insert(ctx context.Context, in core.ExpenseInput) (core.Expense, error) {
	now := r.now().UnixMilli()
	row := r.db.QueryRowContext(ctx,
		"INSERT INTO expenses (title, amount, created_at, updated_at) VALUES (?, ?, ?, ?) RETURNING "+expenseColumns,
		in.Title, in.Amount, now, now)
	e, err := scanSQLiteExpense(row)
	if err != nil {
		return core.Expense{}, core.Transport("create expense", err)
	}

	slog.InfoContext(ctx, "Expense saved to SQLite",
		"id", e.ID,
		"title", e.Title,
		"amount", e.Amount)
	return e, nil
}

func (r *SQLiteRepository) Replace(ctx context.Context, id int64, in core.ExpenseInput) (core.Expense, bool, error) {
	row := r.db.QueryRowContext(ctx,
		"UPDATE expenses SET title = ?, amount = ?, updated_at = ? WHERE id = ? RETURNING "+expenseColumns,
		in.Title, in.Amount, r.now().UnixMilli(), id)
	return r.one(row, "replace expense")
}

func (r *SQLiteRepository) Patch(ctx context.Context, id int64, p core.ExpensePatch) (core.Expense, bool, error) {
	if p.IsEmpty() {
		return core.Expense{}, false, core.EmptyPatchError()
	}
	row := r.db.QueryRowContext(ctx,
		`UPDATE expenses SET
			title = COALESCE(?, title),
			amount = COALESCE(?, amount),
			attachment_key = COALESCE(?, attachment_key),
			updated_at = ?
		WHERE id = ? RETURNING `+expenseColumns,
		p.Title, p.Amount, p.AttachmentKey, r.now().UnixMilli(), id)
	return r.one(row, "patch expense")
}

func (r *SQLiteRepository) Delete(ctx context.Context, id int64) (core.Expense, bool, error) {
	row := r.db.QueryRowContext(ctx, "DELETE FROM expenses WHERE id = ? RETURNING "+expenseColumns, id)
	e, found, err := r.one(row, "delete expense")
	if found {
		slog.InfoContext(ctx, "Expense deleted from SQLite", "id", e.ID)
	}
	return e, found, err
}

func (r *SQLiteRepository) AttachmentKeys(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT attachment_key FROM expenses WHERE attachment_key IS NOT NULL")
	if err != nil {
		return nil, core.Transport("list attachment keys", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, core.Transport("scan attachment key", err)
		}
		keys[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, core.Transport("list attachment keys", err)
	}
	return keys, nil
}

func (r *SQLiteRepository) one(row *sql.Row, op string) (core.Expense, bool, error) {
	e, err := scanSQLiteExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Expense{}, false, nil
	}
	if err != nil {
		return core.Expense{}, false, core.Transport(op, err)
	}
	return e, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteExpense(s rowScanner) (core.Expense, error) {
	var (
		e                core.Expense
		key              sql.NullString
		created, updated int64
	)
	if err := s.Scan(&e.ID, &e.Title, &e.Amount, &key, &created, &updated); err != nil {
		return core.Expense{}, err
	}
	if key.Valid {
		e.AttachmentKey = &key.String
	}
	e.CreatedAt = time.UnixMilli(created).UTC()
	e.UpdatedAt = time.UnixMilli(updated).UTC()
	return e, nil
}
