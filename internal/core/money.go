// Package core provides the money model and domain types of the ledger.
//
// This file contains the fixed-point Amount type, currency handling and the
// parsing and conversion helpers. Amounts are integer counts of minor units;
// nothing in this package converts through floating point.
package core

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 style three letter code.
type Currency string

// Currencies whose minor unit is not the usual hundredth.
var minorUnitExponents = map[Currency]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0, "KRW": 0,
	"PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// ParseCurrency normalizes s to upper case and validates it.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if err := c.Validate(); err != nil {
		return "", err
	}
	return c, nil
}

func (c Currency) Validate() error {
	if len(c) != 3 {
		return ErrInvalidCurrency
	}
	for i := 0; i < len(c); i++ {
		if c[i] < 'A' || c[i] > 'Z' {
			return ErrInvalidCurrency
		}
	}
	return nil
}

// Exponent returns the number of decimal digits of the currency's minor unit.
func (c Currency) Exponent() int32 {
	if e, ok := minorUnitExponents[c]; ok {
		return e
	}
	return 2
}

func (c Currency) String() string {
	return string(c)
}

// Amount is a signed count of minor units tagged with its currency.
type Amount struct {
	Minor    int64
	Currency Currency
}

// NewAmount returns minor units of currency c.
func NewAmount(minor int64, c Currency) Amount {
	return Amount{Minor: minor, Currency: c}
}

func (a Amount) IsZero() bool {
	return a.Minor == 0
}

// Neg returns the exact negation of a.
func (a Amount) Neg() Amount {
	return Amount{Minor: -a.Minor, Currency: a.Currency}
}

// AddMinor returns a+b and false if the sum does not fit in an int64.
func AddMinor(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// Add returns a+b. Both amounts must carry the same currency.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, fmt.Errorf("add %s to %s: %w", b.Currency, a.Currency, ErrCurrencyMismatch)
	}
	sum, ok := AddMinor(a.Minor, b.Minor)
	if !ok {
		return Amount{}, fmt.Errorf("add %d to %d: %w", b.Minor, a.Minor, ErrInvalidAmount)
	}
	return Amount{Minor: sum, Currency: a.Currency}, nil
}

// Sub returns a-b. Both amounts must carry the same currency.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b.Minor == math.MinInt64 {
		return Amount{}, fmt.Errorf("subtract %d: %w", b.Minor, ErrInvalidAmount)
	}
	return a.Add(b.Neg())
}

// Decimal returns the amount in major units, e.g. 1234 EUR -> 12.34.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(a.Minor, -a.Currency.Exponent())
}

// String renders the amount with the currency's minor unit digits, e.g. "12.34 EUR".
func (a Amount) String() string {
	return a.Decimal().StringFixed(a.Currency.Exponent()) + " " + string(a.Currency)
}

// Validate checks the currency and that the amount is strictly positive.
func (a Amount) Validate() error {
	if err := a.Currency.Validate(); err != nil {
		return err
	}
	if a.Minor <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Convert applies an exchange rate and returns the result in currency to,
// rounded half away from zero to to's minor unit.
func (a Amount) Convert(rate decimal.Decimal, to Currency) (Amount, error) {
	if err := to.Validate(); err != nil {
		return Amount{}, err
	}
	if !rate.IsPositive() {
		return Amount{}, ErrInvalidRate
	}
	minor := a.Decimal().Mul(rate).Shift(to.Exponent()).Round(0)
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || minor.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return Amount{}, ErrInvalidAmount
	}
	return Amount{Minor: minor.IntPart(), Currency: to}, nil
}

// ParseAmount converts a decimal string to minor units of currency c.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and an
// optional leading sign. Digits beyond the currency's minor unit are rounded
// half-up on the first dropped digit.
//
// Examples:
//
//	ParseAmount("12.34", "EUR")  -> 1234
//	ParseAmount("12,345", "EUR") -> 1235
//	ParseAmount("1500", "JPY")   -> 1500
//	ParseAmount("1.2345", "KWD") -> 1235
func ParseAmount(s string, c Currency) (Amount, error) {
	if err := c.Validate(); err != nil {
		return Amount{}, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return Amount{}, ErrInvalidAmount
	}
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if intPart == "" && fracPart == "" {
		return Amount{}, ErrInvalidAmount
	}
	if intPart == "" {
		intPart = "0"
	}
	if !allDigits(intPart) || !allDigits(fracPart) {
		return Amount{}, ErrInvalidAmount
	}

	iv, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return Amount{}, ErrInvalidAmount
	}
	exp := int(c.Exponent())
	scale := int64(1)
	for i := 0; i < exp; i++ {
		scale *= 10
	}
	if iv > (math.MaxInt64-scale)/scale {
		return Amount{}, ErrInvalidAmount
	}

	var frac int64
	for i := 0; i < exp; i++ {
		frac *= 10
		if i < len(fracPart) {
			frac += int64(fracPart[i] - '0')
		}
	}
	if len(fracPart) > exp && fracPart[exp] >= '5' {
		frac++
	}

	minor := iv*scale + frac
	if neg {
		minor = -minor
	}
	return Amount{Minor: minor, Currency: c}, nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
