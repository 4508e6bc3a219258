package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"splitledger/internal/core"
	"splitledger/internal/log"
)

// Transfer moves Amount of debt from Debtor towards Creditor within Scope. A
// negative Amount undoes an earlier transfer.
type Transfer struct {
	Debtor   core.UserID
	Creditor core.UserID
	Scope    core.Scope
	Amount   core.Amount
}

// transfers lists the balance movements that an expense and its shares cause:
// every participant other than the payer owes the payer their share.
func transfers(e core.Expense, shares []core.Share) []Transfer {
	out := make([]Transfer, 0, len(shares))
	for _, s := range shares {
		if s.UserID == e.PaidBy {
			continue
		}
		out = append(out, Transfer{
			Debtor:   s.UserID,
			Creditor: e.PaidBy,
			Scope:    e.Scope,
			Amount:   core.NewAmount(s.Amount.Minor, e.Amount.Currency),
		})
	}
	return out
}

// Projector is the only writer of balance rows. Every write goes through
// applyTransfer or a full rebuild so that balance(A,B) == -balance(B,A)
// holds after each transaction.
type Projector struct {
	store       Store
	locks       *scopeLocks
	now         func() time.Time
	logger      *log.Logger
	concurrency int
	flight      singleflight.Group
}

// ApplyTransfer records a single transfer in its own transaction. It is the
// entry point for pipelines that move balances without an expense record.
func (p *Projector) ApplyTransfer(ctx context.Context, t Transfer) error {
	unlock := p.locks.shared(t.Scope)
	defer unlock()

	return p.store.WithinTx(ctx, func(tx Tx) error {
		return p.applyTransfer(ctx, tx, t)
	})
}

// applyTransfer adds t to (debtor, creditor) and its negation to the mirror
// row. Rows that reach zero are kept.
func (p *Projector) applyTransfer(ctx context.Context, tx BalanceRows, t Transfer) error {
	if t.Debtor == t.Creditor {
		return fmt.Errorf("%w: transfer from user %d to itself", core.ErrInvalidSplit, t.Debtor)
	}
	if err := t.Amount.Currency.Validate(); err != nil {
		return err
	}
	if t.Amount.Minor == math.MinInt64 {
		return fmt.Errorf("%w: transfer of %d cannot be mirrored", core.ErrInvalidAmount, t.Amount.Minor)
	}
	key := core.BalanceKey{UserID: t.Debtor, FriendID: t.Creditor, Scope: t.Scope, Currency: t.Amount.Currency}
	now := p.now()
	if err := tx.AddBalance(ctx, key, t.Amount.Minor, now); err != nil {
		return fmt.Errorf("update balance %d->%d: %w", t.Debtor, t.Creditor, err)
	}
	if err := tx.AddBalance(ctx, key.Mirror(), -t.Amount.Minor, now); err != nil {
		return fmt.Errorf("update balance %d->%d: %w", t.Creditor, t.Debtor, err)
	}
	return nil
}

// applyShares applies (sign=1) or reverses (sign=-1) the transfers of e.
func (p *Projector) applyShares(ctx context.Context, tx BalanceRows, e core.Expense, shares []core.Share, sign int64) error {
	for _, t := range transfers(e, shares) {
		if sign < 0 {
			t.Amount = t.Amount.Neg()
		}
		if err := p.applyTransfer(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}

// BalancesFor returns the balance rows of user, zero rows included.
func (p *Projector) BalancesFor(ctx context.Context, user core.UserID, f core.BalanceFilter) ([]core.Balance, error) {
	var out []core.Balance
	err := p.store.ReadTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListBalances(ctx, user, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list balances for user %d: %w", user, err)
	}
	return out, nil
}

// ScopeBalances returns every balance row of scope.
func (p *Projector) ScopeBalances(ctx context.Context, scope core.Scope) ([]core.Balance, error) {
	var out []core.Balance
	err := p.store.ReadTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListScopeBalances(ctx, scope)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list balances of %s: %w", scope, err)
	}
	return out, nil
}

// Recalculate rebuilds every balance row of scope from the non-deleted
// expenses of that scope and returns the number of rows written. Rows whose
// sum is zero are not written. Concurrent calls for the same scope share one
// rebuild; expense writes to the scope wait until it finishes.
//
// The shared rebuild ignores the cancellation of whichever caller started it.
// A cancelled caller stops waiting and gets ctx.Err().
func (p *Projector) Recalculate(ctx context.Context, scope core.Scope) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	flightCtx := context.WithoutCancel(ctx)
	ch := p.flight.DoChan(scope.String(), func() (any, error) {
		unlock := p.locks.exclusive(scope)
		defer unlock()
		return p.rebuild(flightCtx, scope)
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		if res.Shared {
			p.logger.DebugContext(ctx, "Joined in-flight recalculation", log.FieldScope, scope.String())
		}
		return res.Val.(int), nil
	}
}

func (p *Projector) rebuild(ctx context.Context, scope core.Scope) (int, error) {
	var written, removed, replayed int
	err := p.store.WithinTx(ctx, func(tx Tx) error {
		var err error
		removed, err = tx.DeleteScopeBalances(ctx, scope)
		if err != nil {
			return fmt.Errorf("delete balances: %w", err)
		}

		expenses, err := tx.ListActiveExpenses(ctx, scope)
		if err != nil {
			return fmt.Errorf("list expenses: %w", err)
		}
		replayed = len(expenses)

		totals := make(map[core.BalanceKey]int64)
		for _, e := range expenses {
			shares, err := tx.ListShares(ctx, e.ID)
			if err != nil {
				return fmt.Errorf("list shares of %s: %w", e.ID, err)
			}
			for _, t := range transfers(e, shares) {
				key := core.BalanceKey{UserID: t.Debtor, FriendID: t.Creditor, Scope: t.Scope, Currency: t.Amount.Currency}
				if err := accumulate(totals, key, t.Amount.Minor); err != nil {
					return err
				}
			}
		}

		now := p.now()
		for _, key := range sortedKeys(totals) {
			amount := totals[key]
			if amount == 0 {
				continue
			}
			if err := tx.InsertBalance(ctx, core.Balance{BalanceKey: key, Amount: amount, UpdatedAt: now}); err != nil {
				return fmt.Errorf("insert balance: %w", err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recalculate %s: %w", scope, err)
	}

	p.logger.InfoContext(ctx, "Balances recalculated",
		log.FieldScope, scope.String(),
		log.FieldOperation, log.OpRecalculate,
		"expenses", replayed,
		log.FieldRemoved, removed,
		log.FieldEntries, written)
	return written, nil
}

// RecalculateScopes rebuilds several scopes with bounded parallelism and
// returns the rows written per scope.
func (p *Projector) RecalculateScopes(ctx context.Context, scopes []core.Scope) (map[core.Scope]int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	var mu sync.Mutex
	result := make(map[core.Scope]int, len(scopes))
	for _, scope := range uniqueScopes(scopes) {
		scope := scope
		g.Go(func() error {
			n, err := p.Recalculate(gctx, scope)
			if err != nil {
				return err
			}
			mu.Lock()
			result[scope] = n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

// Scopes lists every scope that has expenses.
func (p *Projector) Scopes(ctx context.Context) ([]core.Scope, error) {
	var scopes []core.Scope
	err := p.store.ReadTx(ctx, func(tx Tx) error {
		var err error
		scopes, err = tx.ListScopes(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	return scopes, nil
}

// RecalculateAll rebuilds every scope that has expenses.
func (p *Projector) RecalculateAll(ctx context.Context) (map[core.Scope]int, error) {
	scopes, err := p.Scopes(ctx)
	if err != nil {
		return nil, err
	}
	return p.RecalculateScopes(ctx, scopes)
}

// accumulate adds delta to key and its negation to the mirror key, failing
// with core.ErrInvalidAmount when either total leaves the int64 range.
func accumulate(totals map[core.BalanceKey]int64, key core.BalanceKey, delta int64) error {
	if delta == math.MinInt64 {
		return fmt.Errorf("%w: transfer of %d cannot be mirrored", core.ErrInvalidAmount, delta)
	}
	sum, ok := core.AddMinor(totals[key], delta)
	mirror, mok := core.AddMinor(totals[key.Mirror()], -delta)
	if !ok || !mok {
		return fmt.Errorf("%w: balance %d->%d overflows", core.ErrInvalidAmount, key.UserID, key.FriendID)
	}
	totals[key], totals[key.Mirror()] = sum, mirror
	return nil
}

func sortedKeys(m map[core.BalanceKey]int64) []core.BalanceKey {
	keys := make([]core.BalanceKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.FriendID != b.FriendID {
			return a.FriendID < b.FriendID
		}
		return a.Currency < b.Currency
	})
	return keys
}
