package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"splitledger/internal/core"
	"splitledger/internal/ledger"
	"splitledger/internal/log"
	"splitledger/internal/rates"
)

type errorResponse struct {
	Error string `json:"error"`
}

type shareResponse struct {
	UserID      int64  `json:"user_id"`
	Amount      string `json:"amount"`
	AmountMinor int64  `json:"amount_minor"`
}

type expenseResponse struct {
	ID             string          `json:"id"`
	GroupID        int64           `json:"group_id"`
	PaidBy         int64           `json:"paid_by"`
	AddedBy        int64           `json:"added_by"`
	Name           string          `json:"name"`
	Category       string          `json:"category,omitempty"`
	Amount         string          `json:"amount"`
	AmountMinor    int64           `json:"amount_minor"`
	Currency       string          `json:"currency"`
	SplitType      string          `json:"split_type"`
	Date           string          `json:"date"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	FileKey        string          `json:"file_key,omitempty"`
	ConversionToID string          `json:"conversion_to_id,omitempty"`
	RecurrenceID   int64           `json:"recurrence_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
	Shares         []shareResponse `json:"shares,omitempty"`
}

type balanceResponse struct {
	FriendID    int64  `json:"friend_id"`
	GroupID     int64  `json:"group_id"`
	Currency    string `json:"currency"`
	Amount      string `json:"amount"`
	AmountMinor int64  `json:"amount_minor"`
}

type conversionResponse struct {
	From expenseResponse `json:"from"`
	To   expenseResponse `json:"to"`
}

type deleteResponse struct {
	Deleted              []string `json:"deleted"`
	CancelledRecurrences []int64  `json:"cancelled_recurrences,omitempty"`
}

type recalculateResponse struct {
	Scopes map[string]int `json:"scopes"`
}

func newExpenseResponse(e core.Expense, shares []core.Share) expenseResponse {
	resp := expenseResponse{
		ID:             string(e.ID),
		GroupID:        int64(e.Scope.GroupID),
		PaidBy:         int64(e.PaidBy),
		AddedBy:        int64(e.AddedBy),
		Name:           e.Name,
		Category:       e.Category,
		Amount:         e.Amount.Decimal().StringFixed(e.Amount.Currency.Exponent()),
		AmountMinor:    e.Amount.Minor,
		Currency:       string(e.Amount.Currency),
		SplitType:      string(e.SplitType),
		Date:           e.ExpenseDate.Format(time.DateOnly),
		TransactionID:  e.TransactionID,
		FileKey:        e.FileKey,
		ConversionToID: string(e.ConversionToID),
		RecurrenceID:   int64(e.RecurrenceID),
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
	if e.IsDeleted() {
		deleted := e.DeletedAt
		resp.DeletedAt = &deleted
	}
	for _, s := range shares {
		resp.Shares = append(resp.Shares, shareResponse{
			UserID:      int64(s.UserID),
			Amount:      s.Amount.Decimal().StringFixed(s.Amount.Currency.Exponent()),
			AmountMinor: s.Amount.Minor,
		})
	}
	return resp
}

func newConversionResponse(p ledger.Pair) conversionResponse {
	return conversionResponse{From: newExpenseResponse(p.From, nil), To: newExpenseResponse(p.To, nil)}
}

func newBalanceResponses(rows []core.Balance) []balanceResponse {
	out := make([]balanceResponse, 0, len(rows))
	for _, b := range rows {
		if b.Amount == 0 {
			continue
		}
		out = append(out, balanceResponse{
			FriendID:    int64(b.FriendID),
			GroupID:     int64(b.Scope.GroupID),
			Currency:    string(b.Currency),
			Amount:      b.Money().Decimal().StringFixed(b.Currency.Exponent()),
			AmountMinor: b.Amount,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps ledger errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, rates.ErrRateUnavailable):
		return http.StatusUnprocessableEntity
	case core.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and writes it as a JSON error body. Server errors are
// not echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	logger := log.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "Request failed", log.FieldError, msg, log.FieldStatusCode, status)
		msg = http.StatusText(status)
	} else {
		logger.DebugContext(r.Context(), "Request rejected", log.FieldError, msg, log.FieldStatusCode, status)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}
