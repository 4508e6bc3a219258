package ledger

import (
	"sort"
	"sync"

	"splitledger/internal/core"
)

// scopeLocks hands out one RWMutex per scope. Expense writes hold the read
// side of every scope they touch; recalculation holds the write side of the
// scope it rebuilds.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[core.Scope]*scopeLock
}

type scopeLock struct {
	sync.RWMutex
	refs int
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{locks: make(map[core.Scope]*scopeLock)}
}

func (s *scopeLocks) acquire(scope core.Scope) *scopeLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[scope]
	if !ok {
		l = &scopeLock{}
		s.locks[scope] = l
	}
	l.refs++
	return l
}

func (s *scopeLocks) release(scope core.Scope, l *scopeLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, scope)
	}
}

// shared read-locks scopes in ascending group order so that writers touching
// several scopes never deadlock each other.
func (s *scopeLocks) shared(scopes ...core.Scope) (unlock func()) {
	ordered := uniqueScopes(scopes)
	held := make([]*scopeLock, len(ordered))
	for i, scope := range ordered {
		l := s.acquire(scope)
		l.RLock()
		held[i] = l
	}
	return func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			held[i].RUnlock()
			s.release(ordered[i], held[i])
		}
	}
}

func (s *scopeLocks) exclusive(scope core.Scope) (unlock func()) {
	l := s.acquire(scope)
	l.Lock()
	return func() {
		l.Unlock()
		s.release(scope, l)
	}
}

func uniqueScopes(scopes []core.Scope) []core.Scope {
	seen := make(map[core.Scope]bool, len(scopes))
	out := make([]core.Scope, 0, len(scopes))
	for _, s := range scopes {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

func coveredBy(need, held []core.Scope) bool {
	set := make(map[core.Scope]bool, len(held))
	for _, s := range held {
		set[s] = true
	}
	for _, s := range need {
		if !set[s] {
			return false
		}
	}
	return true
}
