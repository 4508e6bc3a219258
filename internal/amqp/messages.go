package amqp

import (
	"encoding/json"
	"time"
)

// Routing keys on the ledger exchange.
const (
	EventExpenseCreated      = "expense.created"
	EventExpenseEdited       = "expense.edited"
	EventExpenseDeleted      = "expense.deleted"
	EventConversionCreated   = "conversion.created"
	EventRecurrenceCancelled = "recurrence.cancelled"
	RoutingRecalculate       = "ledger.recalculate"
)

// LedgerEvent tells read-only collaborators that committed expenses changed.
// It carries ids only; consumers read the current state from the ledger.
type LedgerEvent struct {
	Type       string    `json:"type"`
	ExpenseIDs []string  `json:"expense_ids"`
	GroupID    int64     `json:"group_id"`
	Actor      int64     `json:"actor,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewLedgerEvent(eventType string, groupID, actor int64, ids ...string) *LedgerEvent {
	return &LedgerEvent{
		Type:       eventType,
		ExpenseIDs: ids,
		GroupID:    groupID,
		Actor:      actor,
		Timestamp:  time.Now().UTC(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *LedgerEvent) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func LedgerEventFromJSON(data []byte) (*LedgerEvent, error) {
	var msg LedgerEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// RecurrenceCancelled asks the recurrence scheduler to stop firing JobID
// because no active expense references the recurrence any more.
type RecurrenceCancelled struct {
	RecurrenceID int64     `json:"recurrence_id"`
	JobID        int64     `json:"job_id"`
	ExpenseID    string    `json:"expense_id"`
	Timestamp    time.Time `json:"timestamp"`
}

func NewRecurrenceCancelled(recurrenceID, jobID int64, expenseID string) *RecurrenceCancelled {
	return &RecurrenceCancelled{
		RecurrenceID: recurrenceID,
		JobID:        jobID,
		ExpenseID:    expenseID,
		Timestamp:    time.Now().UTC(),
	}
}

func (m *RecurrenceCancelled) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func RecurrenceCancelledFromJSON(data []byte) (*RecurrenceCancelled, error) {
	var msg RecurrenceCancelled
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// RecalculateRequest asks the worker to rebuild balances. All overrides GroupID.
type RecalculateRequest struct {
	GroupID     int64     `json:"group_id"`
	All         bool      `json:"all,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewRecalculateRequest(groupID int64, requestedBy string) *RecalculateRequest {
	return &RecalculateRequest{
		GroupID:     groupID,
		RequestedBy: requestedBy,
		Timestamp:   time.Now().UTC(),
	}
}

func (m *RecalculateRequest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func RecalculateRequestFromJSON(data []byte) (*RecalculateRequest, error) {
	var msg RecalculateRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
