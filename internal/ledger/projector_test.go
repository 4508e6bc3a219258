package ledger_test

import (
	"context"
	"errors"
	"testing"

	"splitledger/internal/core"
	"splitledger/internal/ledger"
)

func TestApplyTransfer(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)
	p := l.Projector()

	if err := p.ApplyTransfer(ctx, ledger.Transfer{Debtor: 1, Creditor: 2, Scope: group, Amount: core.NewAmount(250, eur)}); err != nil {
		t.Fatalf("ApplyTransfer() error: %v", err)
	}
	if err := p.ApplyTransfer(ctx, ledger.Transfer{Debtor: 1, Creditor: 2, Scope: group, Amount: core.NewAmount(-250, eur)}); err != nil {
		t.Fatalf("ApplyTransfer(reversal) error: %v", err)
	}
	rows, err := p.ScopeBalances(ctx, group)
	if err != nil {
		t.Fatalf("ScopeBalances() error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2 zero rows", len(rows))
	}
	for _, b := range rows {
		if b.Amount != 0 {
			t.Fatalf("row %d->%d = %d, want 0", b.UserID, b.FriendID, b.Amount)
		}
	}

	err = p.ApplyTransfer(ctx, ledger.Transfer{Debtor: 3, Creditor: 3, Scope: group, Amount: core.NewAmount(1, eur)})
	if !errors.Is(err, core.ErrInvalidSplit) {
		t.Fatalf("ApplyTransfer(self) error = %v, want ErrInvalidSplit", err)
	}
	err = p.ApplyTransfer(ctx, ledger.Transfer{Debtor: 1, Creditor: 3, Scope: group, Amount: core.NewAmount(1, "eu")})
	if !errors.Is(err, core.ErrInvalidCurrency) {
		t.Fatalf("ApplyTransfer(bad currency) error = %v, want ErrInvalidCurrency", err)
	}
}

func TestBalancesForFilters(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	for _, d := range []ledger.Draft{
		draft(group, 1, eur, 2, 100),
		draft(group, 1, usd, 2, 200),
		draft(core.DirectScope, 2, eur, 1, 300),
	} {
		if _, err := l.Create(ctx, d); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	direct := core.DirectScope
	tests := []struct {
		name   string
		filter core.BalanceFilter
		want   int
	}{
		{"all", core.BalanceFilter{}, 3},
		{"group", core.BalanceFilter{Scope: &group}, 2},
		{"direct", core.BalanceFilter{Scope: &direct}, 1},
		{"currency", core.BalanceFilter{Currency: eur}, 2},
		{"group and currency", core.BalanceFilter{Scope: &group, Currency: usd}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := l.BalancesFor(ctx, 2, tt.filter)
			if err != nil {
				t.Fatalf("BalancesFor() error: %v", err)
			}
			if len(rows) != tt.want {
				t.Fatalf("BalancesFor() returned %d rows, want %d", len(rows), tt.want)
			}
			for _, b := range rows {
				if b.UserID != 2 {
					t.Fatalf("row for user %d in user 2's balances", b.UserID)
				}
			}
		})
	}
}
