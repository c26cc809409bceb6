package model

import "github.com/google/uuid"

// Default allowances granted to a new user, in epsilon units.
const (
	DefaultReviewBudget  = 100.0
	DefaultReleaseBudget = 100.0
)

// EntryCost is the flat review-budget charge for a job's first run.
const EntryCost = 1.0

// BudgetKind selects which of the two allowances an operation draws from.
type BudgetKind string

const (
	// BudgetReview is consumed by computing and inspecting statistics
	// (refinements, the first-run entry cost).
	BudgetReview BudgetKind = "review"
	// BudgetRelease is consumed by publicly disclosing statistics.
	BudgetRelease BudgetKind = "release"
)

// Budget holds a user's two privacy allowances. Balances never go negative:
// the ledger rejects any debit that would overdraw.
type Budget struct {
	UserID  uuid.UUID `json:"user_id"`
	Review  float64   `json:"review"`
	Release float64   `json:"release"`
}

// BudgetPatch is the data-steward override payload for PATCH /v1/budgets/{user_id}.
// Nil fields are left unchanged.
type BudgetPatch struct {
	Review  *float64 `json:"review,omitempty"`
	Release *float64 `json:"release,omitempty"`
}

// Validate rejects negative balances in an override.
func (p BudgetPatch) Validate() error {
	if p.Review == nil && p.Release == nil {
		return errEmptyPatch
	}
	if p.Review != nil && *p.Review < 0 {
		return errNegativeBalance
	}
	if p.Release != nil && *p.Release < 0 {
		return errNegativeBalance
	}
	return nil
}
