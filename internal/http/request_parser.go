package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"splitledger/internal/core"
	"splitledger/internal/services"
	"splitledger/internal/split"
)

const maxBodyBytes = 1 << 20

// errBadRequest marks malformed requests that never reached the ledger.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// participantRequest carries one user's split parameter. Weight is a
// percentage or share count; Amount is a decimal in the expense currency.
type participantRequest struct {
	UserID int64  `json:"user_id"`
	Weight string `json:"weight,omitempty"`
	Amount string `json:"amount,omitempty"`
}

type expenseRequest struct {
	ID            string               `json:"id,omitempty"`
	GroupID       int64                `json:"group_id"`
	PaidBy        int64                `json:"paid_by"`
	AddedBy       int64                `json:"added_by"`
	Name          string               `json:"name"`
	Category      string               `json:"category,omitempty"`
	Amount        string               `json:"amount"`
	Currency      string               `json:"currency"`
	SplitType     string               `json:"split_type"`
	Date          string               `json:"date"`
	TransactionID string               `json:"transaction_id,omitempty"`
	FileKey       string               `json:"file_key,omitempty"`
	RecurrenceID  int64                `json:"recurrence_id,omitempty"`
	Participants  []participantRequest `json:"participants"`
}

type conversionRequest struct {
	From expenseRequest `json:"from"`
	To   expenseRequest `json:"to"`
	// Rate is used when To.Amount is empty.
	Rate string `json:"rate,omitempty"`
}

// decodeJSON reads a single JSON object from the request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	if dec.More() {
		return badRequest("body must contain a single JSON object")
	}
	return nil
}

// input converts the request into a service input. An empty amount is allowed
// only when allowEmptyAmount is set and yields a zero amount.
func (req expenseRequest) input(allowEmptyAmount bool) (services.ExpenseInput, error) {
	currency, err := core.ParseCurrency(req.Currency)
	if err != nil {
		return services.ExpenseInput{}, err
	}

	amount := core.NewAmount(0, currency)
	if strings.TrimSpace(req.Amount) != "" || !allowEmptyAmount {
		amount, err = core.ParseAmount(req.Amount, currency)
		if err != nil {
			return services.ExpenseInput{}, fmt.Errorf("amount %q: %w", req.Amount, err)
		}
	}

	date, err := parseDate(req.Date)
	if err != nil {
		return services.ExpenseInput{}, err
	}

	in := services.ExpenseInput{
		GroupID:       core.GroupID(req.GroupID),
		PaidBy:        core.UserID(req.PaidBy),
		AddedBy:       core.UserID(req.AddedBy),
		Name:          sanitizeInput(req.Name),
		Category:      sanitizeInput(req.Category),
		Amount:        amount,
		SplitType:     core.SplitType(strings.ToUpper(strings.TrimSpace(req.SplitType))),
		Date:          date,
		TransactionID: strings.TrimSpace(req.TransactionID),
		FileKey:       strings.TrimSpace(req.FileKey),
		RecurrenceID:  core.RecurrenceID(req.RecurrenceID),
	}
	if req.ID != "" {
		if in.ID, err = core.ParseExpenseID(req.ID); err != nil {
			return services.ExpenseInput{}, err
		}
	}

	for _, p := range req.Participants {
		sp := split.Participant{UserID: core.UserID(p.UserID)}
		if w := strings.TrimSpace(p.Weight); w != "" {
			if sp.Weight, err = decimal.NewFromString(w); err != nil {
				return services.ExpenseInput{}, fmt.Errorf("%w: weight %q for user %d", core.ErrInvalidSplit, p.Weight, p.UserID)
			}
		}
		if a := strings.TrimSpace(p.Amount); a != "" {
			share, err := core.ParseAmount(a, currency)
			if err != nil {
				return services.ExpenseInput{}, fmt.Errorf("amount %q for user %d: %w", p.Amount, p.UserID, err)
			}
			sp.Amount = share.Minor
		}
		in.Participants = append(in.Participants, sp)
	}
	return in, nil
}

func (req conversionRequest) input() (services.ConversionInput, error) {
	from, err := req.From.input(false)
	if err != nil {
		return services.ConversionInput{}, fmt.Errorf("from: %w", err)
	}
	to, err := req.To.input(true)
	if err != nil {
		return services.ConversionInput{}, fmt.Errorf("to: %w", err)
	}
	in := services.ConversionInput{From: from, To: to}
	if r := strings.TrimSpace(req.Rate); r != "" {
		if in.Rate, err = decimal.NewFromString(r); err != nil || !in.Rate.IsPositive() {
			return services.ConversionInput{}, core.ErrInvalidRate
		}
	}
	return in, nil
}

// parseDate parses a date in YYYY-MM-DD or RFC 3339 format.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", core.ErrInvalidDate, s)
}

func expenseIDParam(r *http.Request) (core.ExpenseID, error) {
	return core.ParseExpenseID(chi.URLParam(r, "id"))
}

func userIDParam(r *http.Request) (core.UserID, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid user id %q", chi.URLParam(r, "id"))
	}
	return core.UserID(id), nil
}

// scopeParam parses the optional group query parameter. "direct" and "0"
// select the direct scope; an absent parameter returns nil.
func scopeParam(r *http.Request) (*core.Scope, error) {
	v := strings.TrimSpace(r.URL.Query().Get("group"))
	if v == "" {
		return nil, nil
	}
	if v == "direct" {
		scope := core.DirectScope
		return &scope, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 {
		return nil, badRequest("invalid group %q", v)
	}
	scope := core.GroupScope(core.GroupID(id))
	return &scope, nil
}

// actorFrom returns the acting user from the X-User-ID header, or fallback.
func actorFrom(r *http.Request, fallback core.UserID) (core.UserID, error) {
	v := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if v == "" {
		if fallback <= 0 {
			return 0, badRequest("missing X-User-ID header")
		}
		return fallback, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid X-User-ID %q", v)
	}
	return core.UserID(id), nil
}
