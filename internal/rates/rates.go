// Package rates supplies exchange rates to callers that build conversion
// shares. The ledger itself never looks rates up.
package rates

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/shopspring/decimal"

	"splitledger/internal/core"
)

// ErrRateUnavailable is returned when no rate is known for a currency pair.
var ErrRateUnavailable = errors.New("exchange rate unavailable")

// inverseDigits is the precision of rates derived by inverting a known rate.
const inverseDigits = 12

// Oracle returns how many units of to one unit of from buys on a given day.
type Oracle interface {
	Rate(ctx context.Context, from, to core.Currency, on time.Time) (decimal.Decimal, error)
}

type pair struct {
	from, to core.Currency
}

type datedRate struct {
	since time.Time
	rate  decimal.Decimal
}

// Static serves rates from a fixed table. For each pair the latest rate whose
// start date is not after the requested day applies.
type Static struct {
	rates map[pair][]datedRate
}

func NewStatic() *Static {
	return &Static{rates: make(map[pair][]datedRate)}
}

// Add records rate for from->to effective from since.
func (s *Static) Add(from, to core.Currency, since time.Time, rate decimal.Decimal) error {
	if err := from.Validate(); err != nil {
		return err
	}
	if err := to.Validate(); err != nil {
		return err
	}
	if !rate.IsPositive() {
		return core.ErrInvalidRate
	}
	p := pair{from, to}
	list := append(s.rates[p], datedRate{since: truncateDay(since), rate: rate})
	sort.SliceStable(list, func(i, j int) bool { return list[i].since.Before(list[j].since) })
	s.rates[p] = list
	return nil
}

func (s *Static) Rate(_ context.Context, from, to core.Currency, on time.Time) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if r, ok := s.lookup(pair{from, to}, on); ok {
		return r, nil
	}
	if r, ok := s.lookup(pair{to, from}, on); ok {
		return decimal.NewFromInt(1).DivRound(r, inverseDigits), nil
	}
	return decimal.Decimal{}, fmt.Errorf("%w: %s->%s on %s", ErrRateUnavailable, from, to, on.Format(time.DateOnly))
}

func (s *Static) lookup(p pair, on time.Time) (decimal.Decimal, bool) {
	list := s.rates[p]
	day := truncateDay(on)
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].since.After(day) {
			return list[i].rate, true
		}
	}
	return decimal.Decimal{}, false
}

type rateFile struct {
	Rates []rateEntry `toml:"rate"`
}

type rateEntry struct {
	From  string `toml:"from"`
	To    string `toml:"to"`
	Rate  string `toml:"rate"`
	Since string `toml:"since"`
}

// LoadStatic reads a rate table from a TOML file of [[rate]] tables:
//
//	[[rate]]
//	from = "EUR"
//	to = "USD"
//	rate = "1.0845"
//	since = "2025-01-01"
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rates file: %w", err)
	}
	return ParseStatic(data)
}

func ParseStatic(data []byte) (*Static, error) {
	var f rateFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rates: %w", err)
	}

	s := NewStatic()
	for i, e := range f.Rates {
		from, err := core.ParseCurrency(e.From)
		if err != nil {
			return nil, fmt.Errorf("rate %d: from: %w", i, err)
		}
		to, err := core.ParseCurrency(e.To)
		if err != nil {
			return nil, fmt.Errorf("rate %d: to: %w", i, err)
		}
		rate, err := decimal.NewFromString(e.Rate)
		if err != nil {
			return nil, fmt.Errorf("rate %d: %w: %q", i, core.ErrInvalidRate, e.Rate)
		}
		var since time.Time
		if e.Since != "" {
			if since, err = time.Parse(time.DateOnly, e.Since); err != nil {
				return nil, fmt.Errorf("rate %d: since: %w", i, err)
			}
		}
		if err := s.Add(from, to, since, rate); err != nil {
			return nil, fmt.Errorf("rate %d: %w", i, err)
		}
	}
	return s, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
