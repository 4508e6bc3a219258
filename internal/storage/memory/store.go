// Package memory is an in-process ledger store. Transactions work on a copy
// of the state that replaces the committed state only when fn succeeds.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"splitledger/internal/core"
	"splitledger/internal/ledger"
)

var errReadOnly = errors.New("write in read-only transaction")

type state struct {
	expenses       map[core.ExpenseID]core.Expense
	shares         map[core.ExpenseID][]core.Share
	recurrences    map[core.RecurrenceID]core.Recurrence
	balances       map[core.BalanceKey]core.Balance
	nextRecurrence core.RecurrenceID
}

func newState() *state {
	return &state{
		expenses:    make(map[core.ExpenseID]core.Expense),
		shares:      make(map[core.ExpenseID][]core.Share),
		recurrences: make(map[core.RecurrenceID]core.Recurrence),
		balances:    make(map[core.BalanceKey]core.Balance),
	}
}

func (s *state) clone() *state {
	c := &state{
		expenses:       maps.Clone(s.expenses),
		shares:         make(map[core.ExpenseID][]core.Share, len(s.shares)),
		recurrences:    maps.Clone(s.recurrences),
		balances:       maps.Clone(s.balances),
		nextRecurrence: s.nextRecurrence,
	}
	for id, sh := range s.shares {
		c.shares[id] = append([]core.Share(nil), sh...)
	}
	return c
}

// Store implements ledger.Store. Write transactions are serialized.
type Store struct {
	mu    sync.RWMutex
	state *state
}

func New() *Store {
	return &Store{state: newState()}
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStorageFailure, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&tx{state: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) ReadTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStorageFailure, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&tx{state: s.state, readOnly: true})
}

// Close is a no-op so the store can stand in for the SQLite one.
func (s *Store) Close() error {
	return nil
}

type tx struct {
	state    *state
	readOnly bool
}

func (t *tx) writable() error {
	if t.readOnly {
		return fmt.Errorf("%w: %v", core.ErrStorageFailure, errReadOnly)
	}
	return nil
}

func (t *tx) InsertExpense(_ context.Context, e core.Expense) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.expenses[e.ID]; ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicateExpense, e.ID)
	}
	t.state.expenses[e.ID] = e
	return nil
}

func (t *tx) UpdateExpense(_ context.Context, e core.Expense) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.expenses[e.ID]; !ok {
		return fmt.Errorf("expense %s: %w", e.ID, core.ErrNotFound)
	}
	t.state.expenses[e.ID] = e
	return nil
}

func (t *tx) GetExpense(_ context.Context, id core.ExpenseID) (core.Expense, error) {
	e, ok := t.state.expenses[id]
	if !ok {
		return core.Expense{}, fmt.Errorf("expense %s: %w", id, core.ErrNotFound)
	}
	return e, nil
}

func (t *tx) ConversionHead(_ context.Context, id core.ExpenseID) (core.Expense, bool, error) {
	for _, e := range t.state.expenses {
		if e.ConversionToID == id {
			return e, true, nil
		}
	}
	return core.Expense{}, false, nil
}

func (t *tx) ListActiveExpenses(_ context.Context, scope core.Scope) ([]core.Expense, error) {
	var out []core.Expense
	for _, e := range t.state.expenses {
		if e.Scope == scope && !e.IsDeleted() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ExpenseDate.Equal(b.ExpenseDate) {
			return a.ExpenseDate.Before(b.ExpenseDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (t *tx) ListScopes(_ context.Context) ([]core.Scope, error) {
	seen := make(map[core.Scope]bool)
	var out []core.Scope
	for _, e := range t.state.expenses {
		if !seen[e.Scope] {
			seen[e.Scope] = true
			out = append(out, e.Scope)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

func (t *tx) InsertShares(_ context.Context, shares []core.Share) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, s := range shares {
		if _, ok := t.state.expenses[s.ExpenseID]; !ok {
			return fmt.Errorf("%w: share for unknown expense %s", core.ErrStorageFailure, s.ExpenseID)
		}
		t.state.shares[s.ExpenseID] = append(t.state.shares[s.ExpenseID], s)
	}
	return nil
}

func (t *tx) DeleteShares(_ context.Context, id core.ExpenseID) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.state.shares, id)
	return nil
}

func (t *tx) ListShares(_ context.Context, id core.ExpenseID) ([]core.Share, error) {
	return append([]core.Share(nil), t.state.shares[id]...), nil
}

func (t *tx) InsertRecurrence(_ context.Context, jobID int64) (core.Recurrence, error) {
	if err := t.writable(); err != nil {
		return core.Recurrence{}, err
	}
	t.state.nextRecurrence++
	r := core.Recurrence{ID: t.state.nextRecurrence, JobID: jobID}
	t.state.recurrences[r.ID] = r
	return r, nil
}

func (t *tx) GetRecurrence(_ context.Context, id core.RecurrenceID) (core.Recurrence, error) {
	r, ok := t.state.recurrences[id]
	if !ok {
		return core.Recurrence{}, fmt.Errorf("recurrence %d: %w", id, core.ErrNotFound)
	}
	return r, nil
}

func (t *tx) DeleteRecurrence(_ context.Context, id core.RecurrenceID) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.state.recurrences, id)
	return nil
}

func (t *tx) CountActiveByRecurrence(_ context.Context, id core.RecurrenceID) (int, error) {
	n := 0
	for _, e := range t.state.expenses {
		if e.RecurrenceID == id && !e.IsDeleted() {
			n++
		}
	}
	return n, nil
}

func (t *tx) AddBalance(_ context.Context, key core.BalanceKey, delta int64, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	b, ok := t.state.balances[key]
	if !ok {
		b = core.Balance{BalanceKey: key}
	}
	sum, ok := core.AddMinor(b.Amount, delta)
	if !ok {
		return fmt.Errorf("%w: balance %d->%d overflows", core.ErrInvalidAmount, key.UserID, key.FriendID)
	}
	b.Amount = sum
	b.UpdatedAt = at
	t.state.balances[key] = b
	return nil
}

func (t *tx) InsertBalance(_ context.Context, b core.Balance) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.balances[b.BalanceKey]; ok {
		return fmt.Errorf("%w: balance row %d->%d already exists", core.ErrStorageFailure, b.UserID, b.FriendID)
	}
	t.state.balances[b.BalanceKey] = b
	return nil
}

func (t *tx) DeleteScopeBalances(_ context.Context, scope core.Scope) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	n := 0
	for k := range t.state.balances {
		if k.Scope == scope {
			delete(t.state.balances, k)
			n++
		}
	}
	return n, nil
}

func (t *tx) ListBalances(_ context.Context, user core.UserID, f core.BalanceFilter) ([]core.Balance, error) {
	var out []core.Balance
	for k, b := range t.state.balances {
		if k.UserID == user && f.Match(k) {
			out = append(out, b)
		}
	}
	sortBalances(out)
	return out, nil
}

func (t *tx) ListScopeBalances(_ context.Context, scope core.Scope) ([]core.Balance, error) {
	var out []core.Balance
	for k, b := range t.state.balances {
		if k.Scope == scope {
			out = append(out, b)
		}
	}
	sortBalances(out)
	return out, nil
}

func sortBalances(bs []core.Balance) {
	sort.Slice(bs, func(i, j int) bool {
		a, b := bs[i], bs[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.FriendID != b.FriendID {
			return a.FriendID < b.FriendID
		}
		if a.Scope.GroupID != b.Scope.GroupID {
			return a.Scope.GroupID < b.Scope.GroupID
		}
		return a.Currency < b.Currency
	})
}
