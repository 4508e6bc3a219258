// Package sheets exports projected balances to a Google Sheets tab.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"splitledger/internal/core"
	"splitledger/internal/log"
)

// Header is the first row of every export.
var Header = []any{"Debtor", "Creditor", "Scope", "Currency", "Amount", "Exported At"}

type Exporter struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
	logger        *log.Logger
	now           func() time.Time
}

// New creates an exporter authenticated with service account credentials.
func New(ctx context.Context, spreadsheetID, sheetName string, credentialsJSON []byte, logger *log.Logger) (*Exporter, error) {
	if len(credentialsJSON) == 0 {
		return nil, errors.New("missing service account credentials")
	}
	svc, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return NewWithService(svc, spreadsheetID, sheetName, logger)
}

// NewWithService wraps an already configured Sheets service.
func NewWithService(svc *gsheet.Service, spreadsheetID, sheetName string, logger *log.Logger) (*Exporter, error) {
	spreadsheetID = strings.TrimSpace(spreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	if strings.TrimSpace(sheetName) == "" {
		sheetName = "Balances"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Exporter{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		logger:        logger.WithComponent(log.ComponentExport),
		now:           time.Now,
	}, nil
}

// Rows renders balances as sheet rows after the header. Only positive rows
// are listed, so every debt appears once as debtor -> creditor. Rows are
// ordered by scope, currency, debtor and creditor.
func Rows(balances []core.Balance, at time.Time) [][]any {
	debts := make([]core.Balance, 0, len(balances)/2)
	for _, b := range balances {
		if b.Amount > 0 {
			debts = append(debts, b)
		}
	}
	sort.Slice(debts, func(i, j int) bool {
		a, b := debts[i], debts[j]
		if a.Scope.GroupID != b.Scope.GroupID {
			return a.Scope.GroupID < b.Scope.GroupID
		}
		if a.Currency != b.Currency {
			return a.Currency < b.Currency
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.FriendID < b.FriendID
	})

	stamp := at.UTC().Format(time.RFC3339)
	rows := make([][]any, 0, len(debts)+1)
	rows = append(rows, Header)
	for _, b := range debts {
		rows = append(rows, []any{
			int64(b.UserID),
			int64(b.FriendID),
			b.Scope.String(),
			string(b.Currency),
			b.Money().Decimal().StringFixed(b.Currency.Exponent()),
			stamp,
		})
	}
	return rows
}

// ExportBalances replaces the contents of the export tab with balances and
// returns the number of debt rows written.
func (e *Exporter) ExportBalances(ctx context.Context, balances []core.Balance) (int, error) {
	rows := Rows(balances, e.now())

	clearRange := fmt.Sprintf("%s!A:F", e.sheetName)
	if _, err := e.svc.Spreadsheets.Values.Clear(e.spreadsheetID, clearRange, &gsheet.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return 0, fmt.Errorf("clear %s: %w", clearRange, err)
	}

	rng := fmt.Sprintf("%s!A1:F%d", e.sheetName, len(rows))
	vr := &gsheet.ValueRange{Values: rows}
	if _, err := e.svc.Spreadsheets.Values.Update(e.spreadsheetID, rng, vr).
		ValueInputOption("RAW").Context(ctx).Do(); err != nil {
		return 0, fmt.Errorf("update %s: %w", rng, err)
	}

	e.logger.InfoContext(ctx, "Balances exported",
		log.FieldOperation, log.OpExport,
		"spreadsheet_id", e.spreadsheetID,
		"range", rng,
		log.FieldEntries, len(rows)-1)
	return len(rows) - 1, nil
}
