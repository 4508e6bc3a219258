package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"splitledger/internal/core"
	"splitledger/internal/ledger"
	"splitledger/internal/log"
	"splitledger/internal/storage"
	"splitledger/internal/storage/memory"
)

const eur = core.Currency("EUR")

var (
	group = core.GroupScope(7)
	day   = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
)

func newLedger(t *testing.T, store ledger.Store) *ledger.Ledger {
	t.Helper()
	if store == nil {
		store = memory.New()
	}
	tick := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	}
	return ledger.New(store, ledger.WithClock(clock), ledger.WithLogger(log.Discard()))
}

// draft builds an expense paid by payer with the given user->amount shares.
func draft(scope core.Scope, payer core.UserID, c core.Currency, shares ...int64) ledger.Draft {
	var total int64
	d := ledger.Draft{}
	for i := 0; i+1 < len(shares); i += 2 {
		d.Shares = append(d.Shares, core.Share{
			UserID: core.UserID(shares[i]),
			Amount: core.NewAmount(shares[i+1], c),
		})
		total += shares[i+1]
	}
	d.Expense = core.Expense{
		Scope:       scope,
		PaidBy:      payer,
		AddedBy:     payer,
		Name:        "dinner",
		Amount:      core.NewAmount(total, c),
		SplitType:   core.SplitExact,
		ExpenseDate: day,
	}
	return d
}

func nonZero(t *testing.T, l *ledger.Ledger, scope core.Scope) map[core.BalanceKey]int64 {
	t.Helper()
	rows, err := l.Projector().ScopeBalances(context.Background(), scope)
	if err != nil {
		t.Fatalf("ScopeBalances(%s) error: %v", scope, err)
	}
	out := make(map[core.BalanceKey]int64)
	for _, b := range rows {
		if b.Amount != 0 {
			out[b.BalanceKey] = b.Amount
		}
	}
	return out
}

func assertMirrored(t *testing.T, l *ledger.Ledger, scope core.Scope) {
	t.Helper()
	rows, err := l.Projector().ScopeBalances(context.Background(), scope)
	if err != nil {
		t.Fatalf("ScopeBalances(%s) error: %v", scope, err)
	}
	byKey := make(map[core.BalanceKey]int64, len(rows))
	for _, b := range rows {
		if b.UserID == b.FriendID {
			t.Fatalf("self balance row for user %d", b.UserID)
		}
		byKey[b.BalanceKey] = b.Amount
	}
	for k, v := range byKey {
		m, ok := byKey[k.Mirror()]
		if !ok {
			t.Fatalf("balance %d->%d has no mirror row", k.UserID, k.FriendID)
		}
		if m != -v {
			t.Fatalf("balance %d->%d = %d, mirror = %d", k.UserID, k.FriendID, v, m)
		}
	}
}

func sameBalances(t *testing.T, got, want map[core.BalanceKey]int64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d non-zero balances, want %d\ngot:  %v\nwant: %v", len(got), len(want), got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("balance %d->%d %s = %d, want %d", k.UserID, k.FriendID, k.Currency, got[k], v)
		}
	}
}

func key(user, friend core.UserID, scope core.Scope, c core.Currency) core.BalanceKey {
	return core.BalanceKey{UserID: user, FriendID: friend, Scope: scope, Currency: c}
}

func TestCreateAppliesTransfersToPayer(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	e, err := l.Create(ctx, draft(group, 1, eur, 1, 300, 2, 300, 3, 300))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if e.ID == "" {
		t.Fatalf("Create() returned empty id")
	}

	sameBalances(t, nonZero(t, l, group), map[core.BalanceKey]int64{
		key(2, 1, group, eur): 300,
		key(1, 2, group, eur): -300,
		key(3, 1, group, eur): 300,
		key(1, 3, group, eur): -300,
	})
	if got := nonZero(t, l, core.DirectScope); len(got) != 0 {
		t.Fatalf("direct scope has balances %v, want none", got)
	}
	assertMirrored(t, l, group)

	_, shares, err := l.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if len(shares) != 3 {
		t.Fatalf("Get() returned %d shares, want 3", len(shares))
	}
}

func TestCreateRejectsInvalidExpenses(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	bad := draft(group, 1, eur, 1, 300, 2, 300)
	bad.Expense.Amount = core.NewAmount(500, eur)

	dup := draft(group, 1, eur, 1, 100, 2, 100)
	first, err := l.Create(ctx, dup)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	dup.Expense.ID = first.ID

	allZero := draft(group, 1, eur, 1, 0, 2, 0)
	allZero.Expense.Amount = core.NewAmount(100, eur)

	missingTarget := draft(group, 1, eur, 2, 100)
	missingTarget.Expense.ConversionToID = core.NewExpenseID()

	tests := []struct {
		name string
		d    ledger.Draft
		want error
	}{
		{"shares do not sum", bad, core.ErrInvalidSplit},
		{"duplicate id", dup, core.ErrDuplicateExpense},
		{"only zero shares", allZero, core.ErrInvalidSplit},
		{"missing conversion target", missingTarget, core.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := nonZero(t, l, group)
			_, err := l.Create(ctx, tt.d)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Create() error = %v, want %v", err, tt.want)
			}
			sameBalances(t, nonZero(t, l, group), before)
		})
	}
}

func TestZeroSharesAreNotPersisted(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	e, err := l.Create(ctx, draft(group, 1, eur, 1, 500, 2, 500, 3, 0))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	_, shares, err := l.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	for _, s := range shares {
		if s.UserID == 3 {
			t.Fatalf("zero share for user 3 was persisted")
		}
	}
	rows, err := l.BalancesFor(ctx, 3, core.BalanceFilter{})
	if err != nil {
		t.Fatalf("BalancesFor() error: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("user 3 has balance rows %v, want none", rows)
	}
}

func TestSoftDeleteRecreateParity(t *testing.T) {
	ctx := context.Background()

	base := newLedger(t, nil)
	if _, err := base.Create(ctx, draft(group, 1, eur, 1, 250, 2, 250, 3, 500)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	want := nonZero(t, base, group)

	l := newLedger(t, nil)
	e, err := l.Create(ctx, draft(group, 1, eur, 1, 250, 2, 250, 3, 500))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	res, err := l.SoftDelete(ctx, e.ID, 1)
	if err != nil {
		t.Fatalf("SoftDelete() error: %v", err)
	}
	if len(res.Deleted) != 1 || res.Deleted[0] != e.ID {
		t.Fatalf("SoftDelete() deleted %v, want [%s]", res.Deleted, e.ID)
	}
	if got := nonZero(t, l, group); len(got) != 0 {
		t.Fatalf("balances after delete = %v, want all zero", got)
	}
	// zero rows survive incremental updates
	rows, _ := l.Projector().ScopeBalances(ctx, group)
	if len(rows) != 4 {
		t.Fatalf("got %d balance rows after delete, want 4 zero rows", len(rows))
	}

	if _, err := l.Create(ctx, draft(group, 1, eur, 1, 250, 2, 250, 3, 500)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	sameBalances(t, nonZero(t, l, group), want)
	assertMirrored(t, l, group)
}

func TestSoftDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	e, err := l.Create(ctx, draft(group, 1, eur, 2, 400))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := l.SoftDelete(ctx, e.ID, 2); err != nil {
		t.Fatalf("SoftDelete() error: %v", err)
	}
	res, err := l.SoftDelete(ctx, e.ID, 2)
	if err != nil {
		t.Fatalf("second SoftDelete() error: %v", err)
	}
	if len(res.Deleted) != 0 {
		t.Fatalf("second SoftDelete() deleted %v, want nothing", res.Deleted)
	}
	if got := nonZero(t, l, group); len(got) != 0 {
		t.Fatalf("balances = %v, want all zero", got)
	}

	got, _, err := l.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !got.IsDeleted() || got.DeletedBy != 2 {
		t.Fatalf("expense deleted=%v by %d, want deleted by 2", got.IsDeleted(), got.DeletedBy)
	}

	if _, err := l.SoftDelete(ctx, core.NewExpenseID(), 1); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("SoftDelete(missing) error = %v, want ErrNotFound", err)
	}
}

func TestEditMatchesDeleteAndCreate(t *testing.T) {
	ctx := context.Background()

	edited := newLedger(t, nil)
	e, err := edited.Create(ctx, draft(group, 1, eur, 1, 300, 2, 300, 3, 300))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	next := draft(group, 2, eur, 1, 700, 3, 100)
	next.Expense.Name = "groceries"
	got, err := edited.Edit(ctx, e.ID, next, 3)
	if err != nil {
		t.Fatalf("Edit() error: %v", err)
	}
	if got.ID != e.ID || got.Name != "groceries" || got.UpdatedBy != 3 || got.PaidBy != 2 {
		t.Fatalf("Edit() = %+v", got)
	}
	if !got.CreatedAt.Equal(e.CreatedAt) || !got.UpdatedAt.After(e.UpdatedAt) {
		t.Fatalf("Edit() timestamps created=%v updated=%v", got.CreatedAt, got.UpdatedAt)
	}

	recreated := newLedger(t, nil)
	e2, err := recreated.Create(ctx, draft(group, 1, eur, 1, 300, 2, 300, 3, 300))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := recreated.SoftDelete(ctx, e2.ID, 3); err != nil {
		t.Fatalf("SoftDelete() error: %v", err)
	}
	if _, err := recreated.Create(ctx, draft(group, 2, eur, 1, 700, 3, 100)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	sameBalances(t, nonZero(t, edited, group), nonZero(t, recreated, group))
	assertMirrored(t, edited, group)
}

func TestEditMovesExpenseBetweenScopes(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	e, err := l.Create(ctx, draft(core.DirectScope, 1, eur, 2, 100))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := l.Edit(ctx, e.ID, draft(group, 1, eur, 2, 100), 1); err != nil {
		t.Fatalf("Edit() error: %v", err)
	}
	if got := nonZero(t, l, core.DirectScope); len(got) != 0 {
		t.Fatalf("direct balances = %v, want none", got)
	}
	sameBalances(t, nonZero(t, l, group), map[core.BalanceKey]int64{
		key(2, 1, group, eur): 100,
		key(1, 2, group, eur): -100,
	})
}

func TestEditErrors(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	e, err := l.Create(ctx, draft(group, 1, eur, 2, 100))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	before := nonZero(t, l, group)

	bad := draft(group, 1, eur, 2, 100)
	bad.Expense.Amount = core.NewAmount(90, eur)
	if _, err := l.Edit(ctx, e.ID, bad, 1); !errors.Is(err, core.ErrInvalidSplit) {
		t.Fatalf("Edit(bad split) error = %v, want ErrInvalidSplit", err)
	}
	sameBalances(t, nonZero(t, l, group), before)

	if _, err := l.Edit(ctx, core.NewExpenseID(), draft(group, 1, eur, 2, 100), 1); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Edit(missing) error = %v, want ErrNotFound", err)
	}

	if _, err := l.SoftDelete(ctx, e.ID, 1); err != nil {
		t.Fatalf("SoftDelete() error: %v", err)
	}
	if _, err := l.Edit(ctx, e.ID, draft(group, 1, eur, 2, 100), 1); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Edit(deleted) error = %v, want ErrNotFound", err)
	}
}

func TestRecalculate(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	a, err := l.Create(ctx, draft(group, 1, eur, 1, 100, 2, 100))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := l.Create(ctx, draft(group, 2, eur, 1, 100)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := l.Create(ctx, draft(group, 3, eur, 1, 40, 3, 60)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := l.SoftDelete(ctx, a.ID, 1); err != nil {
		t.Fatalf("SoftDelete() error: %v", err)
	}
	want := nonZero(t, l, group)

	// drift: a transfer with no expense behind it
	err = l.Projector().ApplyTransfer(ctx, ledger.Transfer{Debtor: 3, Creditor: 2, Scope: group, Amount: core.NewAmount(999, eur)})
	if err != nil {
		t.Fatalf("ApplyTransfer() error: %v", err)
	}

	n, err := l.Recalculate(ctx, group)
	if err != nil {
		t.Fatalf("Recalculate() error: %v", err)
	}
	if n != len(want) {
		t.Fatalf("Recalculate() wrote %d rows, want %d", n, len(want))
	}
	first, _ := l.Projector().ScopeBalances(ctx, group)
	for _, b := range first {
		if b.Amount == 0 {
			t.Fatalf("zero row %d->%d survived recalculation", b.UserID, b.FriendID)
		}
	}
	sameBalances(t, nonZero(t, l, group), want)

	if _, err := l.Recalculate(ctx, group); err != nil {
		t.Fatalf("second Recalculate() error: %v", err)
	}
	second, _ := l.Projector().ScopeBalances(ctx, group)
	if len(first) != len(second) {
		t.Fatalf("second recalculation changed row count %d -> %d", len(first), len(second))
	}
	for i := range first {
		if first[i].BalanceKey != second[i].BalanceKey || first[i].Amount != second[i].Amount {
			t.Fatalf("second recalculation changed row %d: %+v -> %+v", i, first[i], second[i])
		}
	}
	assertMirrored(t, l, group)
}

func TestRecalculateAllLeavesOtherScopes(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	other := core.GroupScope(8)
	if _, err := l.Create(ctx, draft(group, 1, eur, 2, 100)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := l.Create(ctx, draft(other, 1, eur, 2, 50)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	wantGroup, wantOther := nonZero(t, l, group), nonZero(t, l, other)

	got, err := l.Projector().RecalculateAll(ctx)
	if err != nil {
		t.Fatalf("RecalculateAll() error: %v", err)
	}
	if got[group] != 2 || got[other] != 2 {
		t.Fatalf("RecalculateAll() = %v, want 2 rows per scope", got)
	}
	sameBalances(t, nonZero(t, l, group), wantGroup)
	sameBalances(t, nonZero(t, l, other), wantOther)
}

func TestRandomOperationsKeepInvariant(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)
	rng := rand.New(rand.NewSource(42))
	currencies := []core.Currency{"EUR", "USD", "JPY"}

	var live []core.ExpenseID
	randomDraft := func() ledger.Draft {
		c := currencies[rng.Intn(len(currencies))]
		var shares []int64
		for u := int64(1); u <= 4; u++ {
			if rng.Intn(3) > 0 {
				shares = append(shares, u, int64(rng.Intn(1000)+1))
			}
		}
		if len(shares) == 0 {
			shares = []int64{2, 10}
		}
		return draft(group, core.UserID(rng.Intn(4)+1), c, shares...)
	}

	for i := 0; i < 200; i++ {
		switch op := rng.Intn(3); {
		case op == 0 || len(live) == 0:
			e, err := l.Create(ctx, randomDraft())
			if err != nil {
				t.Fatalf("step %d Create() error: %v", i, err)
			}
			live = append(live, e.ID)
		case op == 1:
			id := live[rng.Intn(len(live))]
			if _, err := l.Edit(ctx, id, randomDraft(), 1); err != nil {
				t.Fatalf("step %d Edit() error: %v", i, err)
			}
		default:
			j := rng.Intn(len(live))
			if _, err := l.SoftDelete(ctx, live[j], 1); err != nil {
				t.Fatalf("step %d SoftDelete() error: %v", i, err)
			}
			live = append(live[:j], live[j+1:]...)
		}
		assertMirrored(t, l, group)
	}

	incremental := nonZero(t, l, group)
	if _, err := l.Recalculate(ctx, group); err != nil {
		t.Fatalf("Recalculate() error: %v", err)
	}
	sameBalances(t, nonZero(t, l, group), incremental)
}

func TestConcurrentWritesAndRecalculation(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	const writers = 16
	const perWriter = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers+1)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := l.Create(ctx, draft(group, 1, eur, 2, 10)); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			if _, err := l.Recalculate(ctx, group); err != nil {
				errs <- err
				return
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent operation error: %v", err)
	}

	sameBalances(t, nonZero(t, l, group), map[core.BalanceKey]int64{
		key(2, 1, group, eur): writers * perWriter * 10,
		key(1, 2, group, eur): -writers * perWriter * 10,
	})
}

func TestSoftDeleteRemovesOrphanedRecurrence(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	r, err := l.RegisterRecurrence(ctx, 77)
	if err != nil {
		t.Fatalf("RegisterRecurrence() error: %v", err)
	}
	var ids []core.ExpenseID
	for i := 0; i < 2; i++ {
		d := draft(group, 1, eur, 2, 100)
		d.Expense.RecurrenceID = r.ID
		e, err := l.Create(ctx, d)
		if err != nil {
			t.Fatalf("Create() error: %v", err)
		}
		ids = append(ids, e.ID)
	}

	res, err := l.SoftDelete(ctx, ids[0], 1)
	if err != nil {
		t.Fatalf("SoftDelete() error: %v", err)
	}
	if len(res.CancelledRecurrences) != 0 {
		t.Fatalf("recurrence cancelled while still referenced: %v", res.CancelledRecurrences)
	}

	res, err = l.SoftDelete(ctx, ids[1], 1)
	if err != nil {
		t.Fatalf("SoftDelete() error: %v", err)
	}
	if len(res.CancelledRecurrences) != 1 || res.CancelledRecurrences[0] != r {
		t.Fatalf("CancelledRecurrences = %v, want [%v]", res.CancelledRecurrences, r)
	}

	d := draft(group, 1, eur, 2, 100)
	d.Expense.RecurrenceID = r.ID
	if _, err := l.Create(ctx, d); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Create() with removed recurrence error = %v, want ErrNotFound", err)
	}
}

// failingStore fails the n-th balance write of every write transaction.
type failingStore struct {
	*memory.Store
	n int
}

type failingTx struct {
	ledger.Tx
	left *int
}

func (t failingTx) AddBalance(ctx context.Context, k core.BalanceKey, delta int64, at time.Time) error {
	*t.left--
	if *t.left == 0 {
		return fmt.Errorf("%w: disk full", core.ErrStorageFailure)
	}
	return t.Tx.AddBalance(ctx, k, delta, at)
}

func (s *failingStore) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.Store.WithinTx(ctx, func(tx ledger.Tx) error {
		left := s.n
		return fn(failingTx{Tx: tx, left: &left})
	})
}

func TestFailedBalanceWriteRollsBack(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	seed := newLedger(t, inner)
	e, err := seed.Create(ctx, draft(group, 1, eur, 2, 100, 3, 100))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	want := nonZero(t, seed, group)

	l := newLedger(t, &failingStore{Store: inner, n: 3})

	if _, err := l.Create(ctx, draft(group, 1, eur, 2, 50, 3, 50)); !errors.Is(err, core.ErrStorageFailure) {
		t.Fatalf("Create() error = %v, want ErrStorageFailure", err)
	}
	if _, err := l.Edit(ctx, e.ID, draft(group, 1, eur, 2, 150, 3, 50), 1); !errors.Is(err, core.ErrStorageFailure) {
		t.Fatalf("Edit() error = %v, want ErrStorageFailure", err)
	}
	if _, err := l.SoftDelete(ctx, e.ID, 1); !errors.Is(err, core.ErrStorageFailure) {
		t.Fatalf("SoftDelete() error = %v, want ErrStorageFailure", err)
	}

	sameBalances(t, nonZero(t, seed, group), want)
	got, shares, err := seed.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.IsDeleted() || len(shares) != 2 || got.Amount.Minor != 200 {
		t.Fatalf("expense changed by failed writes: %+v shares=%v", got, shares)
	}
	expenses, err := seed.ListExpenses(ctx, group)
	if err != nil {
		t.Fatalf("ListExpenses() error: %v", err)
	}
	if len(expenses) != 1 {
		t.Fatalf("ListExpenses() returned %d expenses, want 1", len(expenses))
	}
}

func TestCreateRejectsWrappingShares(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	// The draft total wraps to 1, matching the wrapped share sum.
	d := draft(group, 1, eur, 1, 3, 2, math.MaxInt64, 3, math.MaxInt64)
	if d.Expense.Amount.Minor != 1 {
		t.Fatalf("draft total = %d, want 1", d.Expense.Amount.Minor)
	}
	if _, err := l.Create(ctx, d); !errors.Is(err, core.ErrInvalidSplit) {
		t.Fatalf("Create() error = %v, want ErrInvalidSplit", err)
	}
	sameBalances(t, nonZero(t, l, group), map[core.BalanceKey]int64{})
}

func TestBalanceOverflowAbortsTransaction(t *testing.T) {
	stores := map[string]func(t *testing.T) ledger.Store{
		"memory": func(t *testing.T) ledger.Store { return memory.New() },
		"sqlite": func(t *testing.T) ledger.Store {
			s, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), log.Discard())
			if err != nil {
				t.Fatalf("NewSQLiteStore() error: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(t, open(t))

			if _, err := l.Create(ctx, draft(group, 1, eur, 2, math.MaxInt64)); err != nil {
				t.Fatalf("Create() error: %v", err)
			}
			want := map[core.BalanceKey]int64{
				key(2, 1, group, eur): math.MaxInt64,
				key(1, 2, group, eur): -math.MaxInt64,
			}
			sameBalances(t, nonZero(t, l, group), want)

			if _, err := l.Create(ctx, draft(group, 1, eur, 2, 1)); !errors.Is(err, core.ErrInvalidAmount) {
				t.Fatalf("Create() past the range error = %v, want ErrInvalidAmount", err)
			}
			sameBalances(t, nonZero(t, l, group), want)

			expenses, err := l.ListExpenses(ctx, group)
			if err != nil {
				t.Fatalf("ListExpenses() error: %v", err)
			}
			if len(expenses) != 1 {
				t.Fatalf("ListExpenses() returned %d expenses, want 1", len(expenses))
			}
		})
	}
}

func TestRecalculateOverflowKeepsBalances(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	l := newLedger(t, inner)

	if _, err := l.Create(ctx, draft(group, 1, eur, 2, math.MaxInt64)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	want := nonZero(t, l, group)

	// An expense written without its transfers, as drift from outside the ledger.
	extra := draft(group, 1, eur, 2, 1)
	extra.Expense.ID = core.NewExpenseID()
	extra.Expense.CreatedAt, extra.Expense.UpdatedAt = day, day
	extra.Shares[0].ExpenseID = extra.Expense.ID
	err := inner.WithinTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertExpense(ctx, extra.Expense); err != nil {
			return err
		}
		return tx.InsertShares(ctx, extra.Shares)
	})
	if err != nil {
		t.Fatalf("seed drift: %v", err)
	}

	if _, err := l.Recalculate(ctx, group); !errors.Is(err, core.ErrInvalidAmount) {
		t.Fatalf("Recalculate() error = %v, want ErrInvalidAmount", err)
	}
	sameBalances(t, nonZero(t, l, group), want)
}

// gatedStore holds the next write transaction until release is closed.
type gatedStore struct {
	*memory.Store
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Store.WithinTx(ctx, fn)
}

func TestRecalculateOutlivesCancelledCaller(t *testing.T) {
	ctx := context.Background()
	g := &gatedStore{Store: memory.New(), entered: make(chan struct{}), release: make(chan struct{})}
	l := newLedger(t, g)

	if _, err := l.Create(ctx, draft(group, 1, eur, 2, 500, 3, 300)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	want := nonZero(t, l, group)

	g.armed.Store(true)
	first, cancel := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := l.Recalculate(first, group)
		firstErr <- err
	}()
	<-g.entered

	second := make(chan error, 1)
	go func() {
		_, err := l.Recalculate(ctx, group)
		second <- err
	}()

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Recalculate() error = %v, want context.Canceled", err)
	}
	close(g.release)

	if err := <-second; err != nil {
		t.Fatalf("concurrent Recalculate() error: %v", err)
	}
	sameBalances(t, nonZero(t, l, group), want)

	cancelled, stop := context.WithCancel(ctx)
	stop()
	if _, err := l.Recalculate(cancelled, group); !errors.Is(err, context.Canceled) {
		t.Fatalf("Recalculate() with a done context error = %v, want context.Canceled", err)
	}
}
