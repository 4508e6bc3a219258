package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"splitledger/internal/amqp"
	"splitledger/internal/core"
	"splitledger/internal/log"
)

// importNamespace derives stable expense ids from bank transaction ids so
// that importing the same statement twice creates nothing new.
var importNamespace = uuid.MustParse("6f1c2a8e-3b47-4d0e-9a55-2c7d8e41b913")

// ImportFailure records a record that could not be imported.
type ImportFailure struct {
	Index int
	Err   error
}

type ImportResult struct {
	Created      []core.ExpenseID
	Skipped      []core.ExpenseID
	Failed       []ImportFailure
	Recalculated map[core.Scope]int
}

// ImportService writes pre-parsed external records through the normal ledger
// create path and then rebuilds every touched scope once.
type ImportService struct {
	expenses *ExpenseService
	logger   *log.Logger
}

func NewImportService(expenses *ExpenseService) *ImportService {
	return &ImportService{
		expenses: expenses,
		logger:   expenses.logger.WithComponent(log.ComponentImport),
	}
}

// ImportID returns the expense id used for a record with bank transaction id
// txID.
func ImportID(txID string) core.ExpenseID {
	return core.ExpenseID(uuid.NewSHA1(importNamespace, []byte(txID)).String())
}

// Import creates one expense per record. A failing record does not stop the
// import; records whose id already exists are skipped.
func (s *ImportService) Import(ctx context.Context, records []ExpenseInput) (ImportResult, error) {
	res := ImportResult{}
	touched := make(map[core.Scope][]string)

	for i, in := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if in.ID == "" && in.TransactionID != "" {
			in.ID = ImportID(in.TransactionID)
		}

		d, err := in.Draft()
		if err == nil {
			if d.Expense.ID == "" {
				d.Expense.ID = core.NewExpenseID()
			}
			_, err = retry(ctx, s.expenses.retry, s.logger, log.OpImport, func() (core.Expense, error) {
				return s.expenses.ledger.Create(ctx, d)
			})
		}
		switch {
		case errors.Is(err, core.ErrDuplicateExpense):
			res.Skipped = append(res.Skipped, d.Expense.ID)
		case err != nil:
			s.logger.WarnContext(ctx, "Import record rejected",
				"index", i,
				log.FieldError, err.Error())
			res.Failed = append(res.Failed, ImportFailure{Index: i, Err: err})
		default:
			res.Created = append(res.Created, d.Expense.ID)
			touched[d.Expense.Scope] = append(touched[d.Expense.Scope], string(d.Expense.ID))
		}
	}

	scopes := make([]core.Scope, 0, len(touched))
	for scope := range touched {
		scopes = append(scopes, scope)
	}
	recalculated, err := s.expenses.ledger.Projector().RecalculateScopes(ctx, scopes)
	res.Recalculated = recalculated
	if err != nil {
		return res, fmt.Errorf("recalculate imported scopes: %w", err)
	}

	for scope, ids := range touched {
		s.expenses.publish(ctx, amqp.NewLedgerEvent(amqp.EventExpenseCreated, int64(scope.GroupID), 0, ids...))
	}

	s.logger.InfoContext(ctx, "Import finished",
		log.FieldOperation, log.OpImport,
		"created", len(res.Created),
		"skipped", len(res.Skipped),
		"failed", len(res.Failed),
		"scopes", len(scopes))
	return res, nil
}
