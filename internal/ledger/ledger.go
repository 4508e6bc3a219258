// Package ledger owns the expense log and the balances projected from it.
//
// Ledger is the expense entry log: it creates, edits and soft-deletes expenses
// together with their participant shares and drives the Projector inside the
// same store transaction. Linker builds currency-conversion pairs on top of it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"splitledger/internal/core"
	"splitledger/internal/log"
)

// maxScopeAttempts bounds how often a write re-reads its scopes after a
// concurrent edit moved the expense to a scope it had not locked.
const maxScopeAttempts = 3

var errScopeMoved = errors.New("expense moved to another scope")

// Draft is an expense with the shares it should be persisted with.
type Draft struct {
	Expense core.Expense
	Shares  []core.Share
}

// DeleteResult lists what a soft delete changed.
type DeleteResult struct {
	Deleted              []core.ExpenseID
	CancelledRecurrences []core.Recurrence
}

type Ledger struct {
	store     Store
	projector *Projector
	locks     *scopeLocks
	now       func() time.Time
	logger    *log.Logger
}

type Option func(*Ledger)

// WithClock overrides the time source used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithRecalcConcurrency bounds how many scopes RecalculateScopes rebuilds at once.
func WithRecalcConcurrency(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.projector.concurrency = n
		}
	}
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		locks:  newScopeLocks(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.Default(),
	}
	l.projector = &Projector{store: store, locks: l.locks, concurrency: 4}
	for _, opt := range opts {
		opt(l)
	}
	l.projector.now = l.now
	l.projector.logger = l.logger.WithComponent(log.ComponentProjector)
	l.logger = l.logger.WithComponent(log.ComponentLedger)
	return l
}

// Projector returns the balance projector fed by this ledger.
func (l *Ledger) Projector() *Projector {
	return l.projector
}

// BalancesFor returns the balances of user, optionally filtered.
func (l *Ledger) BalancesFor(ctx context.Context, user core.UserID, f core.BalanceFilter) ([]core.Balance, error) {
	return l.projector.BalancesFor(ctx, user, f)
}

// Recalculate rebuilds the balances of scope from the expense log.
func (l *Ledger) Recalculate(ctx context.Context, scope core.Scope) (int, error) {
	return l.projector.Recalculate(ctx, scope)
}

// Create persists d with its non-zero shares and the balance transfers they
// cause. An empty expense id is filled with a fresh one.
func (l *Ledger) Create(ctx context.Context, d Draft) (core.Expense, error) {
	e, shares, err := l.prepare(d)
	if err != nil {
		return core.Expense{}, err
	}

	err = l.write(ctx, staticScopes(e.Scope), func(tx Tx) error {
		return l.create(ctx, tx, e, shares)
	})
	if err != nil {
		return core.Expense{}, fmt.Errorf("create expense: %w", err)
	}

	l.logger.InfoContext(ctx, "Expense created",
		log.NewFields().
			WithExpense(string(e.ID), e.Scope.String(), e.Amount.Minor, e.Amount.Currency.String()).
			WithOperation(log.OpCreate).
			ToSlice()...)
	return e, nil
}

// prepare validates a draft for creation and stamps ids and timestamps.
func (l *Ledger) prepare(d Draft) (core.Expense, []core.Share, error) {
	e := d.Expense
	if e.ID == "" {
		e.ID = core.NewExpenseID()
	}
	now := l.now()
	e.CreatedAt, e.UpdatedAt = now, now
	e.UpdatedBy = 0
	e.DeletedAt, e.DeletedBy = time.Time{}, 0

	if err := e.Validate(); err != nil {
		return core.Expense{}, nil, err
	}
	shares := withExpenseID(core.NonZeroShares(d.Shares), e.ID)
	if err := e.ValidateShares(shares); err != nil {
		return core.Expense{}, nil, err
	}
	return e, shares, nil
}

func (l *Ledger) create(ctx context.Context, tx Tx, e core.Expense, shares []core.Share) error {
	if _, err := tx.GetExpense(ctx, e.ID); err == nil {
		return fmt.Errorf("%w: %s", core.ErrDuplicateExpense, e.ID)
	} else if !errors.Is(err, core.ErrNotFound) {
		return err
	}
	if e.RecurrenceID != 0 {
		if _, err := tx.GetRecurrence(ctx, e.RecurrenceID); err != nil {
			return fmt.Errorf("recurrence %d: %w", e.RecurrenceID, err)
		}
	}
	if e.HasConversion() {
		if err := l.checkLinkTarget(ctx, tx, e.ConversionToID); err != nil {
			return err
		}
	}

	if err := tx.InsertExpense(ctx, e); err != nil {
		return fmt.Errorf("insert expense: %w", err)
	}
	if err := tx.InsertShares(ctx, shares); err != nil {
		return fmt.Errorf("insert shares: %w", err)
	}
	return l.projector.applyShares(ctx, tx, e, shares, 1)
}

// checkLinkTarget ensures id can become the "to" side of a conversion pair.
func (l *Ledger) checkLinkTarget(ctx context.Context, tx Tx, id core.ExpenseID) error {
	target, err := activeExpense(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("conversion counterpart: %w", err)
	}
	if target.HasConversion() {
		return fmt.Errorf("%w: %s heads a pair", core.ErrAlreadyLinked, id)
	}
	if _, linked, err := tx.ConversionHead(ctx, id); err != nil {
		return err
	} else if linked {
		return fmt.Errorf("%w: %s", core.ErrAlreadyLinked, id)
	}
	return nil
}

// Edit reverses every share of expense id, replaces the share set with d's
// and reapplies it as Create would. A linked conversion counterpart is
// reversed and reapplied in the same transaction.
func (l *Ledger) Edit(ctx context.Context, id core.ExpenseID, d Draft, actor core.UserID) (core.Expense, error) {
	res, err := l.edit(ctx, id, d, nil, actor)
	if err != nil {
		return core.Expense{}, err
	}
	return res.expense, nil
}

type editResult struct {
	expense     core.Expense
	counterpart core.Expense
	linked      bool
}

func (l *Ledger) edit(ctx context.Context, id core.ExpenseID, d Draft, counterpart *Draft, actor core.UserID) (editResult, error) {
	var res editResult

	scopes := func(tx Tx) ([]core.Scope, error) {
		cur, err := activeExpense(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		out := []core.Scope{cur.Scope, d.Expense.Scope}
		partner, linked, err := l.partner(ctx, tx, cur)
		if err != nil {
			return nil, err
		}
		if linked {
			out = append(out, partner.Scope)
			if counterpart != nil {
				out = append(out, counterpart.Expense.Scope)
			}
		} else if counterpart != nil {
			return nil, fmt.Errorf("expense %s has no conversion counterpart: %w", id, core.ErrNotFound)
		}
		return out, nil
	}

	err := l.write(ctx, scopes, func(tx Tx) error {
		res = editResult{}
		cur, err := activeExpense(ctx, tx, id)
		if err != nil {
			return err
		}
		partner, linked, err := l.partner(ctx, tx, cur)
		if err != nil {
			return err
		}

		res.expense, err = l.revise(ctx, tx, cur, d, actor)
		if err != nil {
			return err
		}
		if !linked {
			return nil
		}

		next := counterpart
		if next == nil {
			shares, err := tx.ListShares(ctx, partner.ID)
			if err != nil {
				return fmt.Errorf("list counterpart shares: %w", err)
			}
			next = &Draft{Expense: partner, Shares: shares}
		}
		res.counterpart, err = l.revise(ctx, tx, partner, *next, actor)
		if err != nil {
			return fmt.Errorf("conversion counterpart %s: %w", partner.ID, err)
		}
		res.linked = true
		return nil
	})
	if err != nil {
		return editResult{}, fmt.Errorf("edit expense %s: %w", id, err)
	}

	fields := log.NewFields().
		WithExpense(string(id), res.expense.Scope.String(), res.expense.Amount.Minor, res.expense.Amount.Currency.String()).
		WithOperation(log.OpEdit)
	if res.linked {
		fields[log.FieldCounterpart] = string(res.counterpart.ID)
	}
	l.logger.InfoContext(ctx, "Expense edited", fields.ToSlice()...)
	return res, nil
}

// revise reverses the current shares of cur, applies d's fields and shares and
// stamps edit metadata. Identity, links and creation data are kept.
func (l *Ledger) revise(ctx context.Context, tx Tx, cur core.Expense, d Draft, actor core.UserID) (core.Expense, error) {
	old, err := tx.ListShares(ctx, cur.ID)
	if err != nil {
		return core.Expense{}, fmt.Errorf("list shares: %w", err)
	}
	if err := l.projector.applyShares(ctx, tx, cur, old, -1); err != nil {
		return core.Expense{}, fmt.Errorf("reverse shares: %w", err)
	}
	if err := tx.DeleteShares(ctx, cur.ID); err != nil {
		return core.Expense{}, fmt.Errorf("delete shares: %w", err)
	}

	next := cur
	n := d.Expense
	next.PaidBy = n.PaidBy
	next.Name = n.Name
	next.Category = n.Category
	next.Amount = n.Amount
	next.SplitType = n.SplitType
	next.Scope = n.Scope
	next.TransactionID = n.TransactionID
	next.FileKey = n.FileKey
	if !n.ExpenseDate.IsZero() {
		next.ExpenseDate = n.ExpenseDate
	}
	next.UpdatedBy = actor
	next.UpdatedAt = l.now()

	if err := next.Validate(); err != nil {
		return core.Expense{}, err
	}
	shares := withExpenseID(core.NonZeroShares(d.Shares), cur.ID)
	if err := next.ValidateShares(shares); err != nil {
		return core.Expense{}, err
	}

	if err := tx.UpdateExpense(ctx, next); err != nil {
		return core.Expense{}, fmt.Errorf("update expense: %w", err)
	}
	if err := tx.InsertShares(ctx, shares); err != nil {
		return core.Expense{}, fmt.Errorf("insert shares: %w", err)
	}
	if err := l.projector.applyShares(ctx, tx, next, shares, 1); err != nil {
		return core.Expense{}, fmt.Errorf("apply shares: %w", err)
	}
	return next, nil
}

// SoftDelete reverses the balance contribution of expense id and of its
// conversion counterpart, and marks both deleted. Deleting an already deleted
// expense is a no-op. A recurrence left without active expenses is removed
// and reported in the result.
func (l *Ledger) SoftDelete(ctx context.Context, id core.ExpenseID, actor core.UserID) (DeleteResult, error) {
	var res DeleteResult

	scopes := func(tx Tx) ([]core.Scope, error) {
		e, err := tx.GetExpense(ctx, id)
		if err != nil {
			return nil, err
		}
		out := []core.Scope{e.Scope}
		partner, linked, err := l.partner(ctx, tx, e)
		if err != nil {
			return nil, err
		}
		if linked {
			out = append(out, partner.Scope)
		}
		return out, nil
	}

	err := l.write(ctx, scopes, func(tx Tx) error {
		res = DeleteResult{}
		return l.softDelete(ctx, tx, id, actor, make(map[core.ExpenseID]bool), &res)
	})
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete expense %s: %w", id, err)
	}

	if len(res.Deleted) == 0 {
		l.logger.DebugContext(ctx, "Expense already deleted", log.FieldExpenseID, string(id))
		return res, nil
	}
	l.logger.InfoContext(ctx, "Expense deleted",
		log.FieldExpenseID, string(id),
		log.FieldOperation, log.OpDelete,
		log.FieldActor, int64(actor),
		"deleted", len(res.Deleted),
		"cancelled_recurrences", len(res.CancelledRecurrences))
	return res, nil
}

func (l *Ledger) softDelete(ctx context.Context, tx Tx, id core.ExpenseID, actor core.UserID, visited map[core.ExpenseID]bool, res *DeleteResult) error {
	if visited[id] {
		return nil
	}
	visited[id] = true

	e, err := tx.GetExpense(ctx, id)
	if err != nil {
		return err
	}
	if e.IsDeleted() {
		return nil
	}

	partner, linked, err := l.partner(ctx, tx, e)
	if err != nil {
		return err
	}
	if linked {
		if err := l.softDelete(ctx, tx, partner.ID, actor, visited, res); err != nil {
			return fmt.Errorf("conversion counterpart %s: %w", partner.ID, err)
		}
	}

	shares, err := tx.ListShares(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("list shares: %w", err)
	}
	if err := l.projector.applyShares(ctx, tx, e, shares, -1); err != nil {
		return fmt.Errorf("reverse shares: %w", err)
	}

	e.DeletedAt = l.now()
	e.DeletedBy = actor
	if err := tx.UpdateExpense(ctx, e); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	res.Deleted = append(res.Deleted, e.ID)

	if e.RecurrenceID == 0 {
		return nil
	}
	remaining, err := tx.CountActiveByRecurrence(ctx, e.RecurrenceID)
	if err != nil {
		return fmt.Errorf("count recurrence expenses: %w", err)
	}
	if remaining > 0 {
		return nil
	}
	r, err := tx.GetRecurrence(ctx, e.RecurrenceID)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := tx.DeleteRecurrence(ctx, r.ID); err != nil {
		return fmt.Errorf("delete recurrence %d: %w", r.ID, err)
	}
	res.CancelledRecurrences = append(res.CancelledRecurrences, r)
	return nil
}

// Get returns an expense, deleted or not, with its current shares.
func (l *Ledger) Get(ctx context.Context, id core.ExpenseID) (core.Expense, []core.Share, error) {
	var (
		e      core.Expense
		shares []core.Share
	)
	err := l.store.ReadTx(ctx, func(tx Tx) error {
		var err error
		if e, err = tx.GetExpense(ctx, id); err != nil {
			return err
		}
		shares, err = tx.ListShares(ctx, id)
		return err
	})
	if err != nil {
		return core.Expense{}, nil, fmt.Errorf("get expense %s: %w", id, err)
	}
	return e, shares, nil
}

// ListExpenses returns the non-deleted expenses of scope in replay order.
func (l *Ledger) ListExpenses(ctx context.Context, scope core.Scope) ([]core.Expense, error) {
	var out []core.Expense
	err := l.store.ReadTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListActiveExpenses(ctx, scope)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list expenses of %s: %w", scope, err)
	}
	return out, nil
}

// RegisterRecurrence records a scheduler job so that materialized expenses
// can reference it.
func (l *Ledger) RegisterRecurrence(ctx context.Context, jobID int64) (core.Recurrence, error) {
	var r core.Recurrence
	err := l.store.WithinTx(ctx, func(tx Tx) error {
		var err error
		r, err = tx.InsertRecurrence(ctx, jobID)
		return err
	})
	if err != nil {
		return core.Recurrence{}, fmt.Errorf("register recurrence for job %d: %w", jobID, err)
	}
	return r, nil
}

// partner returns the other leg of e's conversion pair, looking in both
// directions.
func (l *Ledger) partner(ctx context.Context, tx Tx, e core.Expense) (core.Expense, bool, error) {
	if e.HasConversion() {
		p, err := tx.GetExpense(ctx, e.ConversionToID)
		if err != nil {
			return core.Expense{}, false, fmt.Errorf("conversion counterpart %s: %w", e.ConversionToID, err)
		}
		return p, true, nil
	}
	return tx.ConversionHead(ctx, e.ID)
}

// write runs fn in one store transaction while holding shared locks on every
// scope it touches. scopes is evaluated once to pick the locks and again
// inside the transaction; if the expense moved in between the write retries.
func (l *Ledger) write(ctx context.Context, scopes func(tx Tx) ([]core.Scope, error), fn func(tx Tx) error) error {
	for attempt := 0; attempt < maxScopeAttempts; attempt++ {
		var held []core.Scope
		err := l.store.ReadTx(ctx, func(tx Tx) error {
			var err error
			held, err = scopes(tx)
			return err
		})
		if err != nil {
			return err
		}

		unlock := l.locks.shared(held...)
		err = l.store.WithinTx(ctx, func(tx Tx) error {
			need, err := scopes(tx)
			if err != nil {
				return err
			}
			if !coveredBy(need, held) {
				return errScopeMoved
			}
			return fn(tx)
		})
		unlock()

		if errors.Is(err, errScopeMoved) {
			l.logger.DebugContext(ctx, "Expense scope changed, retrying", log.FieldAttempt, attempt+1)
			continue
		}
		return err
	}
	return fmt.Errorf("scope changed concurrently: %w", core.ErrConcurrencyConflict)
}

func activeExpense(ctx context.Context, tx Tx, id core.ExpenseID) (core.Expense, error) {
	e, err := tx.GetExpense(ctx, id)
	if err != nil {
		return core.Expense{}, err
	}
	if e.IsDeleted() {
		return core.Expense{}, fmt.Errorf("expense %s is deleted: %w", id, core.ErrNotFound)
	}
	return e, nil
}

func staticScopes(scopes ...core.Scope) func(Tx) ([]core.Scope, error) {
	return func(Tx) ([]core.Scope, error) {
		return scopes, nil
	}
}

func withExpenseID(shares []core.Share, id core.ExpenseID) []core.Share {
	out := make([]core.Share, len(shares))
	for i, s := range shares {
		s.ExpenseID = id
		out[i] = s
	}
	return out
}
