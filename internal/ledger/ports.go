package ledger

import (
	"context"
	"time"

	"splitledger/internal/core"
)

// ExpenseRows is the expense log side of a store transaction.
type ExpenseRows interface {
	InsertExpense(ctx context.Context, e core.Expense) error
	UpdateExpense(ctx context.Context, e core.Expense) error
	// GetExpense returns deleted expenses too; it fails with core.ErrNotFound.
	GetExpense(ctx context.Context, id core.ExpenseID) (core.Expense, error)
	// ConversionHead returns the expense whose ConversionToID is id, if any.
	ConversionHead(ctx context.Context, id core.ExpenseID) (core.Expense, bool, error)
	// ListActiveExpenses returns non-deleted expenses of scope ordered by
	// expense date, creation time and id.
	ListActiveExpenses(ctx context.Context, scope core.Scope) ([]core.Expense, error)
	// ListScopes returns every scope that has at least one expense.
	ListScopes(ctx context.Context) ([]core.Scope, error)

	InsertShares(ctx context.Context, shares []core.Share) error
	DeleteShares(ctx context.Context, id core.ExpenseID) error
	ListShares(ctx context.Context, id core.ExpenseID) ([]core.Share, error)

	InsertRecurrence(ctx context.Context, jobID int64) (core.Recurrence, error)
	GetRecurrence(ctx context.Context, id core.RecurrenceID) (core.Recurrence, error)
	DeleteRecurrence(ctx context.Context, id core.RecurrenceID) error
	// CountActiveByRecurrence counts non-deleted expenses referencing id.
	CountActiveByRecurrence(ctx context.Context, id core.RecurrenceID) (int, error)
}

// BalanceRows is the projected balance side of a store transaction. Only the
// Projector writes through it.
type BalanceRows interface {
	// AddBalance adds delta to the row for key, creating it at delta if absent.
	AddBalance(ctx context.Context, key core.BalanceKey, delta int64, at time.Time) error
	InsertBalance(ctx context.Context, b core.Balance) error
	DeleteScopeBalances(ctx context.Context, scope core.Scope) (int, error)
	ListBalances(ctx context.Context, user core.UserID, f core.BalanceFilter) ([]core.Balance, error)
	// ListScopeBalances returns all rows of scope ordered by user, friend and currency.
	ListScopeBalances(ctx context.Context, scope core.Scope) ([]core.Balance, error)
}

// Tx is one all-or-nothing unit of work against the backing store.
type Tx interface {
	ExpenseRows
	BalanceRows
}

// Store runs transactions. WithinTx commits only if fn returns nil; any error
// rolls back every write made through the Tx. ReadTx must not be used for writes.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	ReadTx(ctx context.Context, fn func(tx Tx) error) error
}
