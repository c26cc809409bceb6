package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/veildata/veil/internal/model"
)

// GetBudget retrieves a user's budget.
func (db *DB) GetBudget(ctx context.Context, userID uuid.UUID) (model.Budget, error) {
	var b model.Budget
	err := db.pool.QueryRow(ctx,
		`SELECT user_id, review, release FROM budgets WHERE user_id = $1`, userID,
	).Scan(&b.UserID, &b.Review, &b.Release)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Budget{}, ErrNotFound
		}
		return model.Budget{}, fmt.Errorf("storage: get budget: %w", err)
	}
	return b, nil
}

// ListBudgets returns all budgets (data-steward view).
func (db *DB) ListBudgets(ctx context.Context) ([]model.Budget, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT user_id, review, release FROM budgets ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list budgets: %w", err)
	}
	defer rows.Close()

	var budgets []model.Budget
	for rows.Next() {
		var b model.Budget
		if err := rows.Scan(&b.UserID, &b.Review, &b.Release); err != nil {
			return nil, fmt.Errorf("storage: scan budget: %w", err)
		}
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

// DebitBudget atomically subtracts cost from one balance if and only if the
// balance covers it. The single conditional UPDATE is the enforcement point
// for the non-negative-balance invariant: two concurrent debits can never
// both succeed when their combined cost exceeds the balance.
//
// Returns the new balance on success, ErrInsufficientBudget when the balance
// is too low, and ErrNotFound when the user has no budget row.
func (db *DB) DebitBudget(ctx context.Context, userID uuid.UUID, kind model.BudgetKind, cost float64) (float64, error) {
	return debitBudget(ctx, db.pool, userID, kind, cost)
}

// DebitBudgetTx is DebitBudget running inside a caller-owned transaction.
func (db *DB) DebitBudgetTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, kind model.BudgetKind, cost float64) (float64, error) {
	return debitBudget(ctx, tx, userID, kind, cost)
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func debitBudget(ctx context.Context, q rowQuerier, userID uuid.UUID, kind model.BudgetKind, cost float64) (float64, error) {
	col, err := balanceColumn(kind)
	if err != nil {
		return 0, err
	}

	var newBalance float64
	err = q.QueryRow(ctx,
		// The column name is interpolated from a validated enum, never
		// from caller input.
		fmt.Sprintf(`UPDATE budgets SET %[1]s = %[1]s - $1 WHERE user_id = $2 AND %[1]s >= $1 RETURNING %[1]s`, col),
		cost, userID,
	).Scan(&newBalance)
	if err == nil {
		return newBalance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("storage: debit %s budget: %w", kind, err)
	}

	// Zero rows: either the balance is too low or the budget does not
	// exist. Distinguish so callers can surface the right condition.
	var exists bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM budgets WHERE user_id = $1)`, userID,
	).Scan(&exists); err != nil {
		return 0, fmt.Errorf("storage: debit %s budget: %w", kind, err)
	}
	if !exists {
		return 0, ErrNotFound
	}
	return 0, ErrInsufficientBudget
}

// SetBudget overwrites balances directly. This is the data-steward
// administrative override, distinct from the ledger debit path; nothing in
// the job/run/release pipeline calls it.
func (db *DB) SetBudget(ctx context.Context, userID uuid.UUID, patch model.BudgetPatch) (model.Budget, error) {
	var b model.Budget
	err := db.pool.QueryRow(ctx,
		`UPDATE budgets
		 SET review = COALESCE($1, review), release = COALESCE($2, release)
		 WHERE user_id = $3
		 RETURNING user_id, review, release`,
		patch.Review, patch.Release, userID,
	).Scan(&b.UserID, &b.Review, &b.Release)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Budget{}, ErrNotFound
		}
		return model.Budget{}, fmt.Errorf("storage: set budget: %w", err)
	}
	return b, nil
}

func balanceColumn(kind model.BudgetKind) (string, error) {
	switch kind {
	case model.BudgetReview:
		return "review", nil
	case model.BudgetRelease:
		return "release", nil
	default:
		return "", fmt.Errorf("storage: unknown budget kind %q", kind)
	}
}
