package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SplitEqual              SplitType = "EQUAL"
	SplitPercentage         SplitType = "PERCENTAGE"
	SplitShare              SplitType = "SHARE"
	SplitExact              SplitType = "EXACT"
	SplitAdjustment         SplitType = "ADJUSTMENT"
	SplitSettlement         SplitType = "SETTLEMENT"
	SplitCurrencyConversion SplitType = "CURRENCY_CONVERSION"
)

const maxNameLength = 500

type (
	UserID       int64
	GroupID      int64
	ExpenseID    string
	RecurrenceID int64
	SplitType    string

	// Scope partitions balances. The zero value is the direct friend-to-friend
	// scope; a non-zero GroupID scopes to that group.
	Scope struct {
		GroupID GroupID
	}

	// Expense is one record of the authoritative expense log.
	Expense struct {
		ID             ExpenseID
		Scope          Scope
		PaidBy         UserID
		AddedBy        UserID
		Name           string
		Category       string
		Amount         Amount
		SplitType      SplitType
		ExpenseDate    time.Time
		TransactionID  string // bank transaction the expense was imported from
		FileKey        string // receipt object key
		ConversionToID ExpenseID
		RecurrenceID   RecurrenceID
		CreatedAt      time.Time
		UpdatedAt      time.Time
		UpdatedBy      UserID
		DeletedAt      time.Time
		DeletedBy      UserID
	}

	// Share is one participant's part of an expense, in the expense currency.
	Share struct {
		ExpenseID ExpenseID
		UserID    UserID
		Amount    Amount
	}

	// Recurrence links materialized expenses to a scheduler job.
	Recurrence struct {
		ID    RecurrenceID
		JobID int64
	}
)

// DirectScope is the scope of expenses outside any group.
var DirectScope = Scope{}

// GroupScope returns the scope of group id.
func GroupScope(id GroupID) Scope {
	return Scope{GroupID: id}
}

func (s Scope) IsGroup() bool {
	return s.GroupID != 0
}

func (s Scope) String() string {
	if !s.IsGroup() {
		return "direct"
	}
	return "group:" + strconv.FormatInt(int64(s.GroupID), 10)
}

// NewExpenseID returns a fresh random expense identifier.
func NewExpenseID() ExpenseID {
	return ExpenseID(uuid.NewString())
}

// ParseExpenseID validates that s is a well-formed expense identifier.
func ParseExpenseID(s string) (ExpenseID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: malformed expense id %q", ErrInvalidInput, s)
	}
	return ExpenseID(id.String()), nil
}

func (t SplitType) Validate() error {
	switch t {
	case SplitEqual, SplitPercentage, SplitShare, SplitExact,
		SplitAdjustment, SplitSettlement, SplitCurrencyConversion:
		return nil
	default:
		return ErrInvalidSplitType
	}
}

// PassThrough reports whether amounts of this split type are supplied exactly
// by the caller and only tag the record for later aggregation.
func (t SplitType) PassThrough() bool {
	return t == SplitAdjustment || t == SplitSettlement || t == SplitCurrencyConversion
}

func (e Expense) IsDeleted() bool {
	return !e.DeletedAt.IsZero()
}

// HasConversion reports whether e is the head of a currency-conversion pair.
func (e Expense) HasConversion() bool {
	return e.ConversionToID != ""
}

func (e Expense) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return ErrEmptyName
	}
	if len(e.Name) > maxNameLength {
		return ErrNameTooLong
	}
	if e.PaidBy <= 0 {
		return ErrInvalidPayer
	}
	if err := e.Amount.Validate(); err != nil {
		return err
	}
	if err := e.SplitType.Validate(); err != nil {
		return err
	}
	if e.ExpenseDate.IsZero() {
		return ErrInvalidDate
	}
	return nil
}

// NonZeroShares drops zero-amount shares; they are never persisted.
func NonZeroShares(shares []Share) []Share {
	out := make([]Share, 0, len(shares))
	for _, s := range shares {
		if !s.Amount.IsZero() {
			out = append(out, s)
		}
	}
	return out
}

// ValidateShares checks that shares belong to distinct users, carry the
// expense currency and sum exactly to the expense total. Zero shares must
// already have been removed.
func (e Expense) ValidateShares(shares []Share) error {
	if len(shares) == 0 {
		return fmt.Errorf("%w: expense needs at least one non-zero share", ErrInvalidSplit)
	}
	seen := make(map[UserID]bool, len(shares))
	var sum int64
	for _, s := range shares {
		if s.UserID <= 0 {
			return ErrInvalidParticipant
		}
		if seen[s.UserID] {
			return fmt.Errorf("%w: user %d appears twice", ErrInvalidSplit, s.UserID)
		}
		seen[s.UserID] = true
		if s.Amount.Currency != e.Amount.Currency {
			return fmt.Errorf("%w: share in %s for expense in %s", ErrInvalidSplit, s.Amount.Currency, e.Amount.Currency)
		}
		var ok bool
		if sum, ok = AddMinor(sum, s.Amount.Minor); !ok {
			return fmt.Errorf("%w: shares overflow the amount range", ErrInvalidSplit)
		}
	}
	if sum != e.Amount.Minor {
		return fmt.Errorf("%w: shares sum to %d, total is %d", ErrInvalidSplit, sum, e.Amount.Minor)
	}
	return nil
}
