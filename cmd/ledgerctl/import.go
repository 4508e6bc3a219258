package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"splitledger/internal/core"
	"splitledger/internal/services"
	"splitledger/internal/split"
)

// Columns of an import file. The header row is required.
var importColumns = []string{
	"transaction_id", "date", "group_id", "paid_by", "name", "category",
	"amount", "currency", "split_type", "participants",
}

var (
	importDelimiter string
	importAddedBy   int64
)

var importCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import bank transactions as expenses",
	Long: "Import expenses from a CSV file with the columns\n  " + strings.Join(importColumns, ",") + "\n\n" +
		"participants is a ';' separated list of user[:value]. The value is a\n" +
		"weight for PERCENTAGE and SHARE splits and an amount for EXACT,\n" +
		"ADJUSTMENT, SETTLEMENT and CURRENCY_CONVERSION. Rows already imported\n" +
		"under the same transaction_id are skipped.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		records, err := readImport(f, importDelimiter, core.UserID(importAddedBy))
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}

		svc, closeFn, err := openServices()
		if err != nil {
			return err
		}
		defer closeFn()

		res, err := svc.Imports.Import(cmd.Context(), records)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, failure := range res.Failed {
			// Data rows start on line 2.
			fmt.Fprintf(out, "line %d: %v\n", failure.Index+2, failure.Err)
		}
		fmt.Fprintf(out, "created %d, skipped %d, failed %d\n", len(res.Created), len(res.Skipped), len(res.Failed))
		if len(res.Failed) > 0 {
			return errors.New("some rows were not imported")
		}
		return nil
	},
}

// readImport parses an import file into expense inputs, one per data row.
func readImport(r io.Reader, delimiter string, addedBy core.UserID) ([]services.ExpenseInput, error) {
	cr := csv.NewReader(r)
	if delimiter != "" {
		cr.Comma = []rune(delimiter)[0]
	}
	cr.FieldsPerRecord = len(importColumns)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, col := range importColumns {
		if strings.ToLower(strings.TrimSpace(header[i])) != col {
			return nil, fmt.Errorf("column %d is %q, want %q", i+1, header[i], col)
		}
	}

	var records []services.ExpenseInput
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		in, err := importRecord(row, addedBy)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, in)
	}
}

func importRecord(row []string, addedBy core.UserID) (services.ExpenseInput, error) {
	field := func(i int) string { return strings.TrimSpace(row[i]) }

	if field(0) == "" {
		return services.ExpenseInput{}, errors.New("missing transaction_id")
	}
	date, err := time.Parse(time.DateOnly, field(1))
	if err != nil {
		return services.ExpenseInput{}, fmt.Errorf("%w: %q", core.ErrInvalidDate, field(1))
	}
	var group int64
	if field(2) != "" {
		if group, err = strconv.ParseInt(field(2), 10, 64); err != nil || group < 0 {
			return services.ExpenseInput{}, fmt.Errorf("invalid group_id %q", field(2))
		}
	}
	paidBy, err := strconv.ParseInt(field(3), 10, 64)
	if err != nil {
		return services.ExpenseInput{}, fmt.Errorf("%w: %q", core.ErrInvalidPayer, field(3))
	}
	currency, err := core.ParseCurrency(field(7))
	if err != nil {
		return services.ExpenseInput{}, err
	}
	amount, err := core.ParseAmount(field(6), currency)
	if err != nil {
		return services.ExpenseInput{}, fmt.Errorf("amount %q: %w", field(6), err)
	}
	splitType := core.SplitType(strings.ToUpper(field(8)))
	if err := splitType.Validate(); err != nil {
		return services.ExpenseInput{}, err
	}
	participants, err := parseParticipants(field(9), splitType, currency)
	if err != nil {
		return services.ExpenseInput{}, err
	}
	if addedBy <= 0 {
		addedBy = core.UserID(paidBy)
	}

	return services.ExpenseInput{
		GroupID:       core.GroupID(group),
		PaidBy:        core.UserID(paidBy),
		AddedBy:       addedBy,
		Name:          field(4),
		Category:      field(5),
		Amount:        amount,
		SplitType:     splitType,
		Date:          date,
		TransactionID: field(0),
		Participants:  participants,
	}, nil
}

func parseParticipants(s string, t core.SplitType, c core.Currency) ([]split.Participant, error) {
	var ps []split.Participant
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		userPart, value, hasValue := strings.Cut(item, ":")
		user, err := strconv.ParseInt(strings.TrimSpace(userPart), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", core.ErrInvalidParticipant, item)
		}
		p := split.Participant{UserID: core.UserID(user)}
		value = strings.TrimSpace(value)
		switch {
		case !hasValue || t == core.SplitEqual:
		case t == core.SplitPercentage || t == core.SplitShare:
			if p.Weight, err = decimal.NewFromString(value); err != nil {
				return nil, fmt.Errorf("%w: weight %q for user %d", core.ErrInvalidSplit, value, user)
			}
		default:
			share, err := core.ParseAmount(value, c)
			if err != nil {
				return nil, fmt.Errorf("amount %q for user %d: %w", value, user, err)
			}
			p.Amount = share.Minor
		}
		ps = append(ps, p)
	}
	if len(ps) == 0 {
		return nil, fmt.Errorf("%w: no participants", core.ErrInvalidSplit)
	}
	return ps, nil
}

func init() {
	importCmd.Flags().StringVar(&importDelimiter, "delimiter", ",", "Field delimiter.")
	importCmd.Flags().Int64Var(&importAddedBy, "added-by", 0, "User recorded as having added the expenses (default: the payer).")
	rootCmd.AddCommand(importCmd)
}
