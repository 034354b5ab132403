package resilience

import (
	"fmt"
	"sync/atomic"

	"github.com/rotisserie/eris"
)

// ErrBudgetExhausted is matched by errors.Is on every BudgetError.
var ErrBudgetExhausted = eris.New("resilience: error budget exhausted")

// ErrorBudget is a run-wide failure allowance shared by concurrent workers.
// A budget of max allows max failures; the next one exhausts it.
type ErrorBudget struct {
	max   int64
	spent atomic.Int64
}

// NewErrorBudget creates a budget that tolerates max failures.
func NewErrorBudget(max int) *ErrorBudget {
	if max < 0 {
		max = 0
	}
	return &ErrorBudget{max: int64(max)}
}

// Spend records one failure and reports whether the budget still holds.
func (b *ErrorBudget) Spend() bool {
	return b.spent.Add(1) <= b.max
}

// Spent returns the number of failures recorded so far.
func (b *ErrorBudget) Spent() int {
	return int(b.spent.Load())
}

// Exhausted reports whether failures exceeded the allowance.
func (b *ErrorBudget) Exhausted() bool {
	return b.spent.Load() > b.max
}

// BudgetError is returned once a failure overdraws the budget. Err is the
// failure that crossed the line.
type BudgetError struct {
	Err   error
	Spent int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("resilience: error budget exhausted after %d errors: %v", e.Spent, e.Err)
}

func (e *BudgetError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrBudgetExhausted) match.
func (e *BudgetError) Is(target error) bool { return target == ErrBudgetExhausted }
