package services

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"splitledger/internal/amqp"
	"splitledger/internal/core"
	"splitledger/internal/ledger"
	"splitledger/internal/log"
	"splitledger/internal/rates"
	"splitledger/internal/split"
)

// ConversionInput describes both legs of a currency conversion. When
// To.Amount.Minor is zero the "to" total is From.Amount converted at Rate,
// or at the oracle's rate for From.Date when Rate is zero. The "to" leg's
// participants then keep their proportions.
type ConversionInput struct {
	From ExpenseInput
	To   ExpenseInput
	Rate decimal.Decimal
}

// ConversionService creates and edits conversion pairs. Rate lookups happen
// before the ledger transaction starts.
type ConversionService struct {
	expenses *ExpenseService
	linker   *ledger.Linker
	oracle   rates.Oracle
	logger   *log.Logger
}

func NewConversionService(expenses *ExpenseService, oracle rates.Oracle) *ConversionService {
	return &ConversionService{
		expenses: expenses,
		linker:   ledger.NewLinker(expenses.ledger),
		oracle:   oracle,
		logger:   expenses.logger.WithComponent(log.ComponentLinker),
	}
}

// CreateConversion creates both legs of in as added by actor.
func (s *ConversionService) CreateConversion(ctx context.Context, in ConversionInput, actor core.UserID) (ledger.Pair, error) {
	from, to, err := s.drafts(ctx, in)
	if err != nil {
		return ledger.Pair{}, err
	}
	if from.Expense.ID == "" {
		from.Expense.ID = core.NewExpenseID()
	}
	if to.Expense.ID == "" {
		to.Expense.ID = core.NewExpenseID()
	}

	pair, err := retry(ctx, s.expenses.retry, s.logger, log.OpCreate, func() (ledger.Pair, error) {
		return s.linker.CreatePair(ctx, from, to, actor)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to create conversion", log.FieldError, err.Error())
		return ledger.Pair{}, err
	}

	s.expenses.publish(ctx, amqp.NewLedgerEvent(amqp.EventConversionCreated,
		int64(pair.From.Scope.GroupID), int64(actor), string(pair.From.ID), string(pair.To.ID)))
	return pair, nil
}

// EditConversion edits both legs of the pair containing id.
func (s *ConversionService) EditConversion(ctx context.Context, id core.ExpenseID, in ConversionInput, actor core.UserID) (ledger.Pair, error) {
	from, to, err := s.drafts(ctx, in)
	if err != nil {
		return ledger.Pair{}, err
	}
	pair, err := retry(ctx, s.expenses.retry, s.logger, log.OpEdit, func() (ledger.Pair, error) {
		return s.linker.EditPair(ctx, id, from, to, actor)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to edit conversion", log.FieldExpenseID, string(id), log.FieldError, err.Error())
		return ledger.Pair{}, err
	}

	s.expenses.publish(ctx, amqp.NewLedgerEvent(amqp.EventExpenseEdited,
		int64(pair.From.Scope.GroupID), int64(actor), string(pair.From.ID), string(pair.To.ID)))
	return pair, nil
}

func (s *ConversionService) GetConversion(ctx context.Context, id core.ExpenseID) (ledger.Pair, error) {
	return s.linker.Get(ctx, id)
}

func (s *ConversionService) drafts(ctx context.Context, in ConversionInput) (ledger.Draft, ledger.Draft, error) {
	from, err := in.From.Draft()
	if err != nil {
		return ledger.Draft{}, ledger.Draft{}, fmt.Errorf("conversion source: %w", err)
	}

	toIn := in.To
	strategy := toIn.SplitType
	if toIn.Amount.Minor == 0 {
		rate := in.Rate
		if rate.IsZero() {
			if s.oracle == nil {
				return ledger.Draft{}, ledger.Draft{}, fmt.Errorf("%w: no rate given and no rate source configured", rates.ErrRateUnavailable)
			}
			rate, err = s.oracle.Rate(ctx, in.From.Amount.Currency, toIn.Amount.Currency, in.From.Date)
			if err != nil {
				return ledger.Draft{}, ledger.Draft{}, err
			}
		}
		converted, err := in.From.Amount.Convert(rate, toIn.Amount.Currency)
		if err != nil {
			return ledger.Draft{}, ledger.Draft{}, fmt.Errorf("convert %s: %w", in.From.Amount, err)
		}
		toIn.Amount = converted
		if fixedAmounts(toIn.SplitType) {
			toIn.Participants = asWeights(toIn.Participants)
			strategy = core.SplitShare
		}

		s.logger.DebugContext(ctx, "Conversion amount computed",
			"from", in.From.Amount.String(),
			"to", converted.String(),
			"rate", rate.String())
	}

	to, err := toIn.draftAs(strategy)
	if err != nil {
		return ledger.Draft{}, ledger.Draft{}, fmt.Errorf("conversion target: %w", err)
	}
	return from, to, nil
}

func fixedAmounts(t core.SplitType) bool {
	return t == core.SplitExact || t.PassThrough()
}

// asWeights turns participant amounts given in the source currency into share
// weights, so the converted total is split in the same proportions.
func asWeights(ps []split.Participant) []split.Participant {
	out := make([]split.Participant, len(ps))
	for i, p := range ps {
		out[i] = split.Participant{UserID: p.UserID, Weight: decimal.NewFromInt(p.Amount)}
	}
	return out
}
