package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ricevute/internal/core"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// PostgresConfig holds pool settings for the PostgreSQL engine.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	// The migrator closes its handle, so it gets its own.
	if err := RunPostgresMigrations(stdlib.OpenDB(*pc.ConnConfig.Copy())); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	slog.InfoContext(ctx, "Connected to PostgreSQL",
		"max_conns", pc.MaxConns,
		"min_conns", pc.MinConns)
	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() error {
	if r.pool != nil {
		r.pool.Close()
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return core.Transport("ping postgres", r.pool.Ping(ctx))
}

func (r *PostgresRepository) List(ctx context.Context) ([]core.Expense, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+expenseColumns+" FROM expenses ORDER BY id")
	if err != nil {
		return nil, core.Transport("list expenses", err)
	}
	defer rows.Close()

	expenses := []core.Expense{}
	for rows.Next() {
		e, err := scanPostgresExpense(rows)
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

func (r *PostgresRepository) Get(ctx context.Context, id int64) (core.Expense, bool, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+expenseColumns+" FROM expenses WHERE id = $1", id)
	return onePostgres(row, "get expense")
}

func (r *PostgresRepository) Insert(ctx context.Context, in core.ExpenseInput) (core.Expense, error) {
	row := r.pool.QueryRow(ctx,
		"INSERT INTO expenses (title, amount) VALUES ($1, $2) RETURNING "+expenseColumns,
		in.Title, in.Amount)
	e, err := scanPostgresExpense(row)
	if err != nil {
		return core.Expense{}, core.Transport("create expense", err)
	}

	slog.InfoContext(ctx, "Expense saved to PostgreSQL",
		"id", e.ID,
		"title", e.Title,
		"amount", e.Amount)
	return e, nil
}

func (r *PostgresRepository) Replace(ctx context.Context, id int64, in core.ExpenseInput) (core.Expense, bool, error) {
	row := r.pool.QueryRow(ctx,
		"UPDATE expenses SET title = $1, amount = $2, updated_at = now() WHERE id = $3 RETURNING "+expenseColumns,
		in.Title, in.Amount, id)
	return onePostgres(row, "replace expense")
}

func (r *PostgresRepository) Patch(ctx context.Context, id int64, p core.ExpensePatch) (core.Expense, bool, error) {
	if p.IsEmpty() {
		return core.Expense{}, false, core.EmptyPatchError()
	}
	row := r.pool.QueryRow(ctx,
		`UPDATE expenses SET
			title = COALESCE($1::text, title),
			amount = COALESCE($2::bigint, amount),
			attachment_key = COALESCE($3::text, attachment_key),
			updated_at = now()
		WHERE id = $4 RETURNING `+expenseColumns,
		p.Title, p.Amount, p.AttachmentKey, id)
	return onePostgres(row, "patch expense")
}

func (r *PostgresRepository) Delete(ctx context.Context, id int64) (core.Expense, bool, error) {
	row := r.pool.QueryRow(ctx, "DELETE FROM expenses WHERE id = $1 RETURNING "+expenseColumns, id)
	e, found, err := onePostgres(row, "delete expense")
	if found {
		slog.InfoContext(ctx, "Expense deleted from PostgreSQL", "id", e.ID)
	}
	return e, found, err
}

func (r *PostgresRepository) AttachmentKeys(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.pool.Query(ctx, "SELECT attachment_key FROM expenses WHERE attachment_key IS NOT NULL")
	if err != nil {
		return nil, core.Transport("list attachment keys", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, core.Transport("list attachment keys", err)
	}

	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out, nil
}

func onePostgres(row pgx.Row, op string) (core.Expense, bool, error) {
	e, err := scanPostgresExpense(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Expense{}, false, nil
	}
	if err != nil {
		return core.Expense{}, false, core.Transport(op, err)
	}
	return e, true, nil
}

func scanPostgresExpense(s rowScanner) (core.Expense, error) {
	var e core.Expense
	if err := s.Scan(&e.ID, &e.Title, &e.Amount, &e.AttachmentKey, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return core.Expense{}, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}
