// Package split turns an expense total and a split strategy into per-participant
// shares that sum exactly to the total.
package split

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"splitledger/internal/core"
)

var (
	hundred = decimal.NewFromInt(100)
	// percentageTolerance is how far percentages may drift from 100 before
	// the request is rejected.
	percentageTolerance = decimal.RequireFromString("0.01")

	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

var errOverflow = fmt.Errorf("%w: shares overflow the amount range", core.ErrInvalidSplit)

// Participant carries the strategy parameter for one user. Weight holds the
// percentage (PERCENTAGE) or share units (SHARE); Amount holds minor units for
// EXACT and the pass-through types. EQUAL uses neither.
type Participant struct {
	UserID core.UserID
	Weight decimal.Decimal
	Amount int64
}

// Request describes one split. Participant order decides who absorbs rounding.
type Request struct {
	Total        core.Amount
	Type         core.SplitType
	Participants []Participant
}

// Calculate runs the strategy for req.Type and returns the non-zero shares in
// participant order. Participants whose computed amount is zero are dropped.
func Calculate(req Request) ([]core.Share, error) {
	if err := req.Total.Currency.Validate(); err != nil {
		return nil, err
	}
	if err := req.Type.Validate(); err != nil {
		return nil, err
	}
	n := len(req.Participants)
	if n == 0 {
		return nil, fmt.Errorf("%w: no participants", core.ErrInvalidSplit)
	}
	seen := make(map[core.UserID]bool, n)
	for _, p := range req.Participants {
		if p.UserID <= 0 {
			return nil, core.ErrInvalidParticipant
		}
		if seen[p.UserID] {
			return nil, fmt.Errorf("%w: user %d appears twice", core.ErrInvalidSplit, p.UserID)
		}
		seen[p.UserID] = true
	}

	var (
		amounts []core.Amount
		err     error
	)
	switch req.Type {
	case core.SplitEqual:
		amounts, err = Equal(req.Total, n)
	case core.SplitPercentage:
		amounts, err = Percentage(req.Total, weights(req.Participants))
	case core.SplitShare:
		amounts, err = Ratio(req.Total, weights(req.Participants))
	default:
		// EXACT and the pass-through categories carry caller supplied amounts.
		exact := make([]int64, n)
		for i, p := range req.Participants {
			exact[i] = p.Amount
		}
		amounts, err = Exact(req.Total, exact)
	}
	if err != nil {
		return nil, err
	}

	shares := make([]core.Share, 0, n)
	for i, a := range amounts {
		if a.IsZero() {
			continue
		}
		shares = append(shares, core.Share{UserID: req.Participants[i].UserID, Amount: a})
	}
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: every share is zero", core.ErrInvalidSplit)
	}
	return shares, nil
}

// Equal divides total into n parts. The first total mod n participants receive
// one extra minor unit.
func Equal(total core.Amount, n int) ([]core.Amount, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: equal split needs at least one participant", core.ErrInvalidSplit)
	}
	count := int64(n)
	base := total.Minor / count
	rem := total.Minor % count
	step := int64(1)
	if rem < 0 {
		rem, step = -rem, -1
	}

	out := make([]core.Amount, n)
	for i := range out {
		share := base
		if int64(i) < rem {
			share += step
		}
		out[i] = core.NewAmount(share, total.Currency)
	}
	return out, nil
}

// Percentage assigns round(total * pct / 100) to every participant but the
// last, who absorbs the rounding error. Percentages must sum to 100 within
// 0.01.
func Percentage(total core.Amount, pcts []decimal.Decimal) ([]core.Amount, error) {
	if len(pcts) == 0 {
		return nil, fmt.Errorf("%w: percentage split needs at least one participant", core.ErrInvalidSplit)
	}
	sum := decimal.Zero
	for _, p := range pcts {
		if p.IsNegative() {
			return nil, fmt.Errorf("%w: negative percentage %s", core.ErrInvalidSplit, p)
		}
		sum = sum.Add(p)
	}
	if sum.Sub(hundred).Abs().GreaterThan(percentageTolerance) {
		return nil, fmt.Errorf("%w: percentages sum to %s", core.ErrInvalidSplit, sum)
	}
	return proportional(total, pcts, hundred)
}

// Ratio assigns round(total * share / totalShares) to every participant but
// the last, who absorbs the remainder.
func Ratio(total core.Amount, shares []decimal.Decimal) ([]core.Amount, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: share split needs at least one participant", core.ErrInvalidSplit)
	}
	sum := decimal.Zero
	for _, s := range shares {
		if s.IsNegative() {
			return nil, fmt.Errorf("%w: negative share %s", core.ErrInvalidSplit, s)
		}
		sum = sum.Add(s)
	}
	if sum.IsZero() {
		return nil, fmt.Errorf("%w: total shares is zero", core.ErrInvalidSplit)
	}
	return proportional(total, shares, sum)
}

// Exact only checks that the supplied amounts add up to total.
func Exact(total core.Amount, amounts []int64) ([]core.Amount, error) {
	var sum int64
	out := make([]core.Amount, len(amounts))
	for i, a := range amounts {
		var ok bool
		if sum, ok = core.AddMinor(sum, a); !ok {
			return nil, errOverflow
		}
		out[i] = core.NewAmount(a, total.Currency)
	}
	if sum != total.Minor {
		return nil, fmt.Errorf("%w: amounts sum to %d, total is %d", core.ErrInvalidSplit, sum, total.Minor)
	}
	return out, nil
}

func proportional(total core.Amount, weights []decimal.Decimal, denom decimal.Decimal) ([]core.Amount, error) {
	t := decimal.NewFromInt(total.Minor)
	out := make([]core.Amount, len(weights))
	var allocated int64
	last := len(weights) - 1
	for i := 0; i < last; i++ {
		d := t.Mul(weights[i]).Div(denom).Round(0)
		if d.GreaterThan(maxMinor) || d.LessThan(minMinor) {
			return nil, errOverflow
		}
		v := d.IntPart()
		var ok bool
		if allocated, ok = core.AddMinor(allocated, v); !ok {
			return nil, errOverflow
		}
		out[i] = core.NewAmount(v, total.Currency)
	}
	if allocated == math.MinInt64 {
		return nil, errOverflow
	}
	rest, ok := core.AddMinor(total.Minor, -allocated)
	if !ok {
		return nil, errOverflow
	}
	out[last] = core.NewAmount(rest, total.Currency)
	return out, nil
}

func weights(ps []Participant) []decimal.Decimal {
	out := make([]decimal.Decimal, len(ps))
	for i, p := range ps {
		out[i] = p.Weight
	}
	return out
}
