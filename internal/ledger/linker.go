package ledger

import (
	"context"
	"fmt"

	"splitledger/internal/core"
	"splitledger/internal/log"
)

// Pair is the two legs of a currency conversion. From is the head: its
// ConversionToID points at To.
type Pair struct {
	From core.Expense
	To   core.Expense
}

// Linker creates and edits currency-conversion pairs as one unit. It keeps no
// state of its own beyond the link stored on the head expense.
type Linker struct {
	ledger *Ledger
	logger *log.Logger
}

func NewLinker(l *Ledger) *Linker {
	return &Linker{ledger: l, logger: l.logger.WithComponent(log.ComponentLinker)}
}

// CreatePair creates the "to" leg and then the "from" leg linked to it, in one
// transaction. Each leg produces its own balance transfers. Both legs are
// recorded as added by actor.
func (k *Linker) CreatePair(ctx context.Context, from, to Draft, actor core.UserID) (Pair, error) {
	if from.Expense.Amount.Currency == to.Expense.Amount.Currency {
		return Pair{}, core.ErrSelfConversion
	}
	from.Expense.AddedBy, to.Expense.AddedBy = actor, actor

	toExp, toShares, err := k.ledger.prepare(to)
	if err != nil {
		return Pair{}, fmt.Errorf("conversion target: %w", err)
	}
	from.Expense.ConversionToID = toExp.ID
	fromExp, fromShares, err := k.ledger.prepare(from)
	if err != nil {
		return Pair{}, fmt.Errorf("conversion source: %w", err)
	}
	if fromExp.ID == toExp.ID {
		return Pair{}, fmt.Errorf("%w: both legs use id %s", core.ErrInvalidInput, toExp.ID)
	}

	err = k.ledger.write(ctx, staticScopes(fromExp.Scope, toExp.Scope), func(tx Tx) error {
		if err := k.ledger.create(ctx, tx, toExp, toShares); err != nil {
			return fmt.Errorf("conversion target: %w", err)
		}
		if err := k.ledger.create(ctx, tx, fromExp, fromShares); err != nil {
			return fmt.Errorf("conversion source: %w", err)
		}
		return nil
	})
	if err != nil {
		return Pair{}, fmt.Errorf("create conversion pair: %w", err)
	}

	k.logger.InfoContext(ctx, "Conversion pair created",
		log.FieldExpenseID, string(fromExp.ID),
		log.FieldCounterpart, string(toExp.ID),
		log.FieldOperation, log.OpCreate,
		log.FieldActor, int64(actor),
		"from", fromExp.Amount.String(),
		"to", toExp.Amount.String())
	return Pair{From: fromExp, To: toExp}, nil
}

// EditPair edits both legs of the pair identified by either leg's id.
func (k *Linker) EditPair(ctx context.Context, id core.ExpenseID, from, to Draft, actor core.UserID) (Pair, error) {
	if from.Expense.Amount.Currency == to.Expense.Amount.Currency {
		return Pair{}, core.ErrSelfConversion
	}

	head, err := k.head(ctx, id)
	if err != nil {
		return Pair{}, err
	}
	res, err := k.ledger.edit(ctx, head, from, &to, actor)
	if err != nil {
		return Pair{}, err
	}
	return Pair{From: res.expense, To: res.counterpart}, nil
}

// DeletePair soft-deletes both legs of the pair containing id.
func (k *Linker) DeletePair(ctx context.Context, id core.ExpenseID, actor core.UserID) (DeleteResult, error) {
	return k.ledger.SoftDelete(ctx, id, actor)
}

// Get returns the pair containing id.
func (k *Linker) Get(ctx context.Context, id core.ExpenseID) (Pair, error) {
	var p Pair
	err := k.ledger.store.ReadTx(ctx, func(tx Tx) error {
		e, err := tx.GetExpense(ctx, id)
		if err != nil {
			return err
		}
		other, linked, err := k.ledger.partner(ctx, tx, e)
		if err != nil {
			return err
		}
		if !linked {
			return fmt.Errorf("expense %s is not part of a conversion pair: %w", id, core.ErrNotFound)
		}
		if e.HasConversion() {
			p = Pair{From: e, To: other}
		} else {
			p = Pair{From: other, To: e}
		}
		return nil
	})
	if err != nil {
		return Pair{}, fmt.Errorf("get conversion pair %s: %w", id, err)
	}
	return p, nil
}

func (k *Linker) head(ctx context.Context, id core.ExpenseID) (core.ExpenseID, error) {
	p, err := k.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return p.From.ID, nil
}
