package core

import "time"

// BalanceKey identifies one directed balance row. A positive amount on
// (UserID, FriendID) means UserID owes FriendID.
type BalanceKey struct {
	UserID   UserID
	FriendID UserID
	Scope    Scope
	Currency Currency
}

// Mirror returns the key of the opposite entry.
func (k BalanceKey) Mirror() BalanceKey {
	return BalanceKey{UserID: k.FriendID, FriendID: k.UserID, Scope: k.Scope, Currency: k.Currency}
}

// Balance is a projected pairwise balance row.
type Balance struct {
	BalanceKey
	Amount    int64
	UpdatedAt time.Time
}

// Money returns the balance as an Amount.
func (b Balance) Money() Amount {
	return Amount{Minor: b.Amount, Currency: b.Currency}
}

// BalanceFilter narrows a balance query. Nil scope and empty currency match all.
type BalanceFilter struct {
	Scope    *Scope
	Currency Currency
}

func (f BalanceFilter) Match(k BalanceKey) bool {
	if f.Scope != nil && *f.Scope != k.Scope {
		return false
	}
	if f.Currency != "" && f.Currency != k.Currency {
		return false
	}
	return true
}
