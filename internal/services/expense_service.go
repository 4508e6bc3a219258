package services

import (
	"context"
	"fmt"
	"time"

	"splitledger/internal/amqp"
	"splitledger/internal/core"
	"splitledger/internal/ledger"
	"splitledger/internal/log"
	"splitledger/internal/split"
)

// EventPublisher receives notifications after a ledger transaction commits.
// *amqp.Client implements it.
type EventPublisher interface {
	PublishLedgerEvent(ctx context.Context, ev *amqp.LedgerEvent) error
	PublishRecurrenceCancelled(ctx context.Context, msg *amqp.RecurrenceCancelled) error
}

// ExpenseInput is an expense as callers describe it: a total plus split
// parameters. Shares are computed by the split calculator.
type ExpenseInput struct {
	ID            core.ExpenseID
	GroupID       core.GroupID
	PaidBy        core.UserID
	AddedBy       core.UserID
	Name          string
	Category      string
	Amount        core.Amount
	SplitType     core.SplitType
	Date          time.Time
	TransactionID string
	FileKey       string
	RecurrenceID  core.RecurrenceID
	Participants  []split.Participant
}

// Draft computes the shares of in and returns the ledger draft.
func (in ExpenseInput) Draft() (ledger.Draft, error) {
	return in.draftAs(in.SplitType)
}

// draftAs computes shares with strategy t while keeping in's split type tag.
func (in ExpenseInput) draftAs(t core.SplitType) (ledger.Draft, error) {
	shares, err := split.Calculate(split.Request{
		Total:        in.Amount,
		Type:         t,
		Participants: in.Participants,
	})
	if err != nil {
		return ledger.Draft{}, err
	}
	return ledger.Draft{Expense: in.expense(), Shares: shares}, nil
}

func (in ExpenseInput) expense() core.Expense {
	return core.Expense{
		ID:            in.ID,
		Scope:         core.GroupScope(in.GroupID),
		PaidBy:        in.PaidBy,
		AddedBy:       in.AddedBy,
		Name:          in.Name,
		Category:      in.Category,
		Amount:        in.Amount,
		SplitType:     in.SplitType,
		ExpenseDate:   in.Date,
		TransactionID: in.TransactionID,
		FileKey:       in.FileKey,
		RecurrenceID:  in.RecurrenceID,
	}
}

// ExpenseService wraps the ledger with retries and post-commit notifications.
type ExpenseService struct {
	ledger    *ledger.Ledger
	publisher EventPublisher
	retry     RetryPolicy
	logger    *log.Logger
}

func NewExpenseService(l *ledger.Ledger, publisher EventPublisher, retry RetryPolicy, logger *log.Logger) *ExpenseService {
	if logger == nil {
		logger = log.Default()
	}
	return &ExpenseService{
		ledger:    l,
		publisher: publisher,
		retry:     retry,
		logger:    logger.WithComponent(log.ComponentService),
	}
}

// Ledger returns the underlying ledger.
func (s *ExpenseService) Ledger() *ledger.Ledger {
	return s.ledger
}

// CreateExpense creates the expense described by in. The expense id is fixed
// before the first attempt so that a retried create cannot insert twice.
func (s *ExpenseService) CreateExpense(ctx context.Context, in ExpenseInput) (core.Expense, error) {
	d, err := in.Draft()
	if err != nil {
		return core.Expense{}, err
	}
	return s.create(ctx, d)
}

func (s *ExpenseService) create(ctx context.Context, d ledger.Draft) (core.Expense, error) {
	if d.Expense.ID == "" {
		d.Expense.ID = core.NewExpenseID()
	}
	e, err := retry(ctx, s.retry, s.logger, log.OpCreate, func() (core.Expense, error) {
		return s.ledger.Create(ctx, d)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to create expense",
			log.FieldExpenseID, string(d.Expense.ID),
			log.FieldError, err.Error())
		return core.Expense{}, err
	}

	s.publish(ctx, amqp.NewLedgerEvent(amqp.EventExpenseCreated, int64(e.Scope.GroupID), int64(e.AddedBy), string(e.ID)))
	return e, nil
}

// EditExpense replaces expense id with in, recomputing its shares.
func (s *ExpenseService) EditExpense(ctx context.Context, id core.ExpenseID, in ExpenseInput, actor core.UserID) (core.Expense, error) {
	d, err := in.Draft()
	if err != nil {
		return core.Expense{}, err
	}
	e, err := retry(ctx, s.retry, s.logger, log.OpEdit, func() (core.Expense, error) {
		return s.ledger.Edit(ctx, id, d, actor)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to edit expense",
			log.FieldExpenseID, string(id),
			log.FieldError, err.Error())
		return core.Expense{}, err
	}

	s.publish(ctx, amqp.NewLedgerEvent(amqp.EventExpenseEdited, int64(e.Scope.GroupID), int64(actor), string(e.ID)))
	return e, nil
}

// DeleteExpense soft-deletes expense id and its conversion counterpart.
// Recurrences left without expenses are reported to the scheduler.
func (s *ExpenseService) DeleteExpense(ctx context.Context, id core.ExpenseID, actor core.UserID) (ledger.DeleteResult, error) {
	res, err := retry(ctx, s.retry, s.logger, log.OpDelete, func() (ledger.DeleteResult, error) {
		return s.ledger.SoftDelete(ctx, id, actor)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to delete expense",
			log.FieldExpenseID, string(id),
			log.FieldError, err.Error())
		return ledger.DeleteResult{}, err
	}
	if len(res.Deleted) == 0 {
		return res, nil
	}

	ids := make([]string, len(res.Deleted))
	for i, d := range res.Deleted {
		ids[i] = string(d)
	}
	e, _, err := s.ledger.Get(ctx, id)
	if err != nil {
		s.logger.WarnContext(ctx, "Deleted expense not readable", log.FieldExpenseID, string(id), log.FieldError, err.Error())
	}
	s.publish(ctx, amqp.NewLedgerEvent(amqp.EventExpenseDeleted, int64(e.Scope.GroupID), int64(actor), ids...))

	for _, r := range res.CancelledRecurrences {
		if s.publisher == nil {
			break
		}
		msg := amqp.NewRecurrenceCancelled(int64(r.ID), r.JobID, string(id))
		if err := s.publisher.PublishRecurrenceCancelled(ctx, msg); err != nil {
			s.logger.ErrorContext(ctx, "Failed to publish recurrence cancellation",
				log.FieldRecurrenceID, int64(r.ID),
				log.FieldError, err.Error())
		}
	}
	return res, nil
}

func (s *ExpenseService) GetExpense(ctx context.Context, id core.ExpenseID) (core.Expense, []core.Share, error) {
	return s.ledger.Get(ctx, id)
}

func (s *ExpenseService) ListExpenses(ctx context.Context, scope core.Scope) ([]core.Expense, error) {
	return s.ledger.ListExpenses(ctx, scope)
}

func (s *ExpenseService) Balances(ctx context.Context, user core.UserID, f core.BalanceFilter) ([]core.Balance, error) {
	return s.ledger.BalancesFor(ctx, user, f)
}

// ScopeBalances returns every balance row of scope, zero rows included.
func (s *ExpenseService) ScopeBalances(ctx context.Context, scope core.Scope) ([]core.Balance, error) {
	return s.ledger.Projector().ScopeBalances(ctx, scope)
}

// Scopes lists every scope that has expenses.
func (s *ExpenseService) Scopes(ctx context.Context) ([]core.Scope, error) {
	return s.ledger.Projector().Scopes(ctx)
}

// Recalculate rebuilds the balances of scope.
func (s *ExpenseService) Recalculate(ctx context.Context, scope core.Scope) (int, error) {
	return retry(ctx, s.retry, s.logger, log.OpRecalculate, func() (int, error) {
		return s.ledger.Recalculate(ctx, scope)
	})
}

// RecalculateAll rebuilds every scope that has expenses.
func (s *ExpenseService) RecalculateAll(ctx context.Context) (map[core.Scope]int, error) {
	return retry(ctx, s.retry, s.logger, log.OpRecalculate, func() (map[core.Scope]int, error) {
		return s.ledger.Projector().RecalculateAll(ctx)
	})
}

// RegisterRecurrence records a scheduler job that will materialize expenses.
func (s *ExpenseService) RegisterRecurrence(ctx context.Context, jobID int64) (core.Recurrence, error) {
	r, err := s.ledger.RegisterRecurrence(ctx, jobID)
	if err != nil {
		return core.Recurrence{}, fmt.Errorf("register recurrence: %w", err)
	}
	return r, nil
}

// publish sends ev if a publisher is configured. Failures are logged only;
// the ledger change is already committed.
func (s *ExpenseService) publish(ctx context.Context, ev *amqp.LedgerEvent) {
	if s.publisher == nil {
		s.logger.DebugContext(ctx, "No event publisher configured, skipping event", "type", ev.Type)
		return
	}
	if err := s.publisher.PublishLedgerEvent(ctx, ev); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish ledger event",
			"type", ev.Type,
			log.FieldError, err.Error())
	}
}
