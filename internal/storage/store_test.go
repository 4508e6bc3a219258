package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"splitledger/internal/core"
	"splitledger/internal/ledger"
	"splitledger/internal/log"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := NewSQLiteStore(path, log.Discard())
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func testExpense(scope core.Scope, total int64) core.Expense {
	at := time.Date(2025, 5, 2, 10, 30, 0, 123456789, time.UTC)
	return core.Expense{
		ID:          core.NewExpenseID(),
		Scope:       scope,
		PaidBy:      1,
		AddedBy:     1,
		Name:        "train tickets",
		Category:    "travel",
		Amount:      core.NewAmount(total, "EUR"),
		SplitType:   core.SplitEqual,
		ExpenseDate: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func TestSQLiteStore_ExpenseRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	to := testExpense(core.GroupScope(3), 1100)
	to.Amount.Currency = "USD"
	from := testExpense(core.GroupScope(3), 1000)
	from.ConversionToID = to.ID
	from.TransactionID = "txn-42"
	from.FileKey = "receipts/42.jpg"

	err := s.WithinTx(ctx, func(tx ledger.Tx) error {
		r, err := tx.InsertRecurrence(ctx, 900)
		if err != nil {
			return err
		}
		from.RecurrenceID = r.ID
		if err := tx.InsertExpense(ctx, to); err != nil {
			return err
		}
		if err := tx.InsertExpense(ctx, from); err != nil {
			return err
		}
		return tx.InsertShares(ctx, []core.Share{
			{ExpenseID: from.ID, UserID: 1, Amount: core.NewAmount(500, "EUR")},
			{ExpenseID: from.ID, UserID: 2, Amount: core.NewAmount(500, "EUR")},
		})
	})
	if err != nil {
		t.Fatalf("WithinTx() error: %v", err)
	}

	err = s.ReadTx(ctx, func(tx ledger.Tx) error {
		got, err := tx.GetExpense(ctx, from.ID)
		if err != nil {
			return err
		}
		if got != from {
			t.Fatalf("GetExpense() = %+v\nwant %+v", got, from)
		}

		head, ok, err := tx.ConversionHead(ctx, to.ID)
		if err != nil || !ok || head.ID != from.ID {
			t.Fatalf("ConversionHead() = %s, %v, %v", head.ID, ok, err)
		}
		if _, ok, _ := tx.ConversionHead(ctx, from.ID); ok {
			t.Fatalf("ConversionHead(from) found a head")
		}

		shares, err := tx.ListShares(ctx, from.ID)
		if err != nil {
			return err
		}
		if len(shares) != 2 || shares[0].UserID != 1 || shares[1].Amount.Minor != 500 {
			t.Fatalf("ListShares() = %+v", shares)
		}

		n, err := tx.CountActiveByRecurrence(ctx, from.RecurrenceID)
		if err != nil || n != 1 {
			t.Fatalf("CountActiveByRecurrence() = %d, %v", n, err)
		}
		scopes, err := tx.ListScopes(ctx)
		if err != nil || len(scopes) != 1 || scopes[0] != core.GroupScope(3) {
			t.Fatalf("ListScopes() = %v, %v", scopes, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadTx() error: %v", err)
	}
}

func TestSQLiteStore_Errors(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	e := testExpense(core.DirectScope, 100)
	if err := s.WithinTx(ctx, func(tx ledger.Tx) error { return tx.InsertExpense(ctx, e) }); err != nil {
		t.Fatalf("InsertExpense() error: %v", err)
	}

	tests := []struct {
		name string
		fn   func(tx ledger.Tx) error
		want error
	}{
		{"missing expense", func(tx ledger.Tx) error {
			_, err := tx.GetExpense(ctx, core.NewExpenseID())
			return err
		}, core.ErrNotFound},
		{"update missing expense", func(tx ledger.Tx) error {
			return tx.UpdateExpense(ctx, testExpense(core.DirectScope, 5))
		}, core.ErrNotFound},
		{"duplicate id", func(tx ledger.Tx) error {
			return tx.InsertExpense(ctx, e)
		}, core.ErrDuplicateExpense},
		{"missing recurrence", func(tx ledger.Tx) error {
			_, err := tx.GetRecurrence(ctx, 404)
			return err
		}, core.ErrNotFound},
		{"self balance row", func(tx ledger.Tx) error {
			return tx.AddBalance(ctx, core.BalanceKey{UserID: 1, FriendID: 1, Currency: "EUR"}, 5, time.Now())
		}, core.ErrStorageFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.WithinTx(ctx, tt.fn)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSQLiteStore_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	e := testExpense(core.DirectScope, 100)
	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertExpense(ctx, e); err != nil {
			return err
		}
		if err := tx.AddBalance(ctx, core.BalanceKey{UserID: 2, FriendID: 1, Currency: "EUR"}, 100, time.Now()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithinTx() error = %v, want boom", err)
	}

	err = s.ReadTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.GetExpense(ctx, e.ID); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("GetExpense() after rollback error = %v, want ErrNotFound", err)
		}
		rows, err := tx.ListScopeBalances(ctx, core.DirectScope)
		if err != nil {
			return err
		}
		if len(rows) != 0 {
			t.Fatalf("balances after rollback = %v", rows)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadTx() error: %v", err)
	}
}

func TestSQLiteStore_ReadTxRejectsWrites(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	err := s.ReadTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertExpense(ctx, testExpense(core.DirectScope, 1))
	})
	if !errors.Is(err, core.ErrStorageFailure) {
		t.Fatalf("write in ReadTx error = %v, want ErrStorageFailure", err)
	}
}

func TestSQLiteStore_Balances(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g := core.GroupScope(9)
	k := core.BalanceKey{UserID: 2, FriendID: 1, Scope: g, Currency: "EUR"}

	err := s.WithinTx(ctx, func(tx ledger.Tx) error {
		for _, delta := range []int64{300, -100} {
			if err := tx.AddBalance(ctx, k, delta, at); err != nil {
				return err
			}
			if err := tx.AddBalance(ctx, k.Mirror(), -delta, at); err != nil {
				return err
			}
		}
		return tx.InsertBalance(ctx, core.Balance{
			BalanceKey: core.BalanceKey{UserID: 2, FriendID: 3, Currency: "USD"},
			Amount:     7,
			UpdatedAt:  at,
		})
	})
	if err != nil {
		t.Fatalf("WithinTx() error: %v", err)
	}

	err = s.ReadTx(ctx, func(tx ledger.Tx) error {
		all, err := tx.ListBalances(ctx, 2, core.BalanceFilter{})
		if err != nil {
			return err
		}
		if len(all) != 2 {
			t.Fatalf("ListBalances(all) = %v", all)
		}
		scoped, err := tx.ListBalances(ctx, 2, core.BalanceFilter{Scope: &g, Currency: "EUR"})
		if err != nil {
			return err
		}
		if len(scoped) != 1 || scoped[0].Amount != 200 || !scoped[0].UpdatedAt.Equal(at) {
			t.Fatalf("ListBalances(scoped) = %+v", scoped)
		}
		mirror, err := tx.ListBalances(ctx, 1, core.BalanceFilter{})
		if err != nil {
			return err
		}
		if len(mirror) != 1 || mirror[0].Amount != -200 {
			t.Fatalf("ListBalances(mirror) = %+v", mirror)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadTx() error: %v", err)
	}

	err = s.WithinTx(ctx, func(tx ledger.Tx) error {
		n, err := tx.DeleteScopeBalances(ctx, g)
		if err != nil {
			return err
		}
		if n != 2 {
			t.Fatalf("DeleteScopeBalances() = %d, want 2", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx() error: %v", err)
	}
}

func TestSQLiteStore_LedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	l := ledger.New(s, ledger.WithLogger(log.Discard()))
	g := core.GroupScope(4)

	d := ledger.Draft{
		Expense: testExpense(g, 900),
		Shares: []core.Share{
			{UserID: 1, Amount: core.NewAmount(300, "EUR")},
			{UserID: 2, Amount: core.NewAmount(300, "EUR")},
			{UserID: 3, Amount: core.NewAmount(300, "EUR")},
		},
	}
	d.Expense.ID = ""
	e, err := l.Create(ctx, d)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	d.Shares = d.Shares[:2]
	d.Shares[1].Amount.Minor = 600
	if _, err := l.Edit(ctx, e.ID, d, 2); err != nil {
		t.Fatalf("Edit() error: %v", err)
	}
	rows, err := l.BalancesFor(ctx, 2, core.BalanceFilter{})
	if err != nil {
		t.Fatalf("BalancesFor() error: %v", err)
	}
	if len(rows) != 1 || rows[0].Amount != 600 {
		t.Fatalf("BalancesFor(2) = %+v, want one row of 600", rows)
	}

	if _, err := l.SoftDelete(ctx, e.ID, 2); err != nil {
		t.Fatalf("SoftDelete() error: %v", err)
	}
	n, err := l.Recalculate(ctx, g)
	if err != nil {
		t.Fatalf("Recalculate() error: %v", err)
	}
	if n != 0 {
		t.Fatalf("Recalculate() wrote %d rows, want 0", n)
	}
	all, err := l.Projector().ScopeBalances(ctx, g)
	if err != nil {
		t.Fatalf("ScopeBalances() error: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("rows after recalculation = %+v, want none", all)
	}
}

func TestMigrations(t *testing.T) {
	s, path := newTestStore(t)
	s.Close()

	version, dirty, err := MigrationVersion(path)
	if err != nil {
		t.Fatalf("MigrationVersion() error: %v", err)
	}
	if version != 1 || dirty {
		t.Fatalf("MigrationVersion() = %d, dirty=%v, want 1, false", version, dirty)
	}
	if err := RunMigrations(path); err != nil {
		t.Fatalf("second RunMigrations() error: %v", err)
	}
	if err := RollbackMigrations(path, 1); err != nil {
		t.Fatalf("RollbackMigrations() error: %v", err)
	}
	if version, _, err = MigrationVersion(path); err != nil || version != 0 {
		t.Fatalf("MigrationVersion() after rollback = %d, %v", version, err)
	}
	if err := RollbackMigrations(path, 0); err == nil {
		t.Fatalf("RollbackMigrations(0) returned nil error")
	}
}

func TestClassify(t *testing.T) {
	if err := classify(nil); err != nil {
		t.Fatalf("classify(nil) = %v", err)
	}
	if err := classify(sql.ErrNoRows); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("classify(ErrNoRows) = %v, want ErrNotFound", err)
	}
	if err := classify(errors.New("disk I/O error")); !errors.Is(err, core.ErrStorageFailure) {
		t.Fatalf("classify(generic) = %v, want ErrStorageFailure", err)
	}
}
