// Package ledger owns the two per-user privacy allowances (review and
// release) and their only mutation path, the atomic debit.
//
// Check followed by Debit is deliberately not a protocol: Check is advisory,
// for failing fast before expensive external calls. Debit re-validates the
// balance inside a single conditional UPDATE, so the invariant holds under
// concurrent requests no matter what the caller observed earlier.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/veildata/veil/internal/model"
	"github.com/veildata/veil/internal/storage"
)

// ErrInsufficientBudget is the business rejection of an otherwise valid
// debit: the balance does not cover the cost. It is recoverable, never
// retried internally, and surfaced to the caller verbatim.
var ErrInsufficientBudget = errors.New("ledger: insufficient budget")

// ErrNegativeCost rejects malformed costs before any storage interaction.
var ErrNegativeCost = errors.New("ledger: cost must be non-negative")

// Ledger prices and charges operations against budgets.
type Ledger struct {
	db     *storage.DB
	logger *slog.Logger
}

// New creates a Ledger over the given storage.
func New(db *storage.DB, logger *slog.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// Check reports whether the user's balance of the given kind covers cost.
// Read-only; reflects the latest committed value. A true result is advisory
// only; the authoritative re-check happens inside Debit.
func (l *Ledger) Check(ctx context.Context, userID uuid.UUID, kind model.BudgetKind, cost float64) (bool, error) {
	if cost < 0 {
		return false, ErrNegativeCost
	}
	b, err := l.db.GetBudget(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("ledger: check: %w", err)
	}
	return balance(b, kind) >= cost, nil
}

// Balance returns the current balance of the given kind.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID, kind model.BudgetKind) (float64, error) {
	b, err := l.db.GetBudget(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return balance(b, kind), nil
}

// Debit atomically verifies the balance covers cost and subtracts it,
// returning the new balance. A zero cost succeeds without changing anything
// observable. On ErrInsufficientBudget no state has changed.
func (l *Ledger) Debit(ctx context.Context, userID uuid.UUID, kind model.BudgetKind, cost float64) (float64, error) {
	if cost < 0 {
		return 0, ErrNegativeCost
	}
	newBalance, err := l.db.DebitBudget(ctx, userID, kind, cost)
	if err != nil {
		return 0, mapDebitErr(err)
	}
	l.logger.Info("budget debited",
		"user_id", userID, "kind", string(kind), "cost", cost, "balance", newBalance)
	return newBalance, nil
}

// DebitTx is Debit participating in a caller-owned transaction. Used by job
// creation so the entry cost commits or rolls back together with the job and
// first-run rows.
func (l *Ledger) DebitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, kind model.BudgetKind, cost float64) (float64, error) {
	if cost < 0 {
		return 0, ErrNegativeCost
	}
	newBalance, err := l.db.DebitBudgetTx(ctx, tx, userID, kind, cost)
	if err != nil {
		return 0, mapDebitErr(err)
	}
	return newBalance, nil
}

func mapDebitErr(err error) error {
	if errors.Is(err, storage.ErrInsufficientBudget) {
		return ErrInsufficientBudget
	}
	return fmt.Errorf("ledger: debit: %w", err)
}

func balance(b model.Budget, kind model.BudgetKind) float64 {
	if kind == model.BudgetRelease {
		return b.Release
	}
	return b.Review
}
