package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrInsufficientBudget is returned when a conditional debit finds the
// balance below the requested cost. It is a business outcome, not a fault:
// the debit is rejected and no state changes.
var ErrInsufficientBudget = errors.New("storage: insufficient budget")
