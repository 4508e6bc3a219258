package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"splitledger/internal/core"
)

type sqlTx struct {
	tx *sql.Tx
}

const expenseColumns = `id, group_id, paid_by, added_by, name, category, amount_minor, currency,
	split_type, expense_date, transaction_id, file_key, conversion_to_id, recurrence_id,
	created_at, updated_at, updated_by, deleted_at, deleted_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExpense(row rowScanner) (core.Expense, error) {
	var (
		e                             core.Expense
		id, currency, splitType       string
		expenseDate, created, updated string
		groupID, paidBy, addedBy      int64
		updatedBy, deletedBy          int64
		conversionTo, deleted         sql.NullString
		recurrence                    sql.NullInt64
	)
	err := row.Scan(&id, &groupID, &paidBy, &addedBy, &e.Name, &e.Category, &e.Amount.Minor, &currency,
		&splitType, &expenseDate, &e.TransactionID, &e.FileKey, &conversionTo, &recurrence,
		&created, &updated, &updatedBy, &deleted, &deletedBy)
	if err != nil {
		return core.Expense{}, err
	}

	e.ID = core.ExpenseID(id)
	e.Scope = core.GroupScope(core.GroupID(groupID))
	e.PaidBy = core.UserID(paidBy)
	e.AddedBy = core.UserID(addedBy)
	e.Amount.Currency = core.Currency(currency)
	e.SplitType = core.SplitType(splitType)
	e.ConversionToID = core.ExpenseID(conversionTo.String)
	e.RecurrenceID = core.RecurrenceID(recurrence.Int64)
	e.UpdatedBy = core.UserID(updatedBy)
	e.DeletedBy = core.UserID(deletedBy)

	if e.ExpenseDate, err = parseTime(expenseDate); err != nil {
		return core.Expense{}, err
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return core.Expense{}, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return core.Expense{}, err
	}
	if deleted.Valid {
		if e.DeletedAt, err = parseTime(deleted.String); err != nil {
			return core.Expense{}, err
		}
	}
	return e, nil
}

func (t *sqlTx) InsertExpense(ctx context.Context, e core.Expense) error {
	query := `INSERT INTO expenses (` + expenseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := t.tx.ExecContext(ctx, query,
		string(e.ID), int64(e.Scope.GroupID), int64(e.PaidBy), int64(e.AddedBy), e.Name, e.Category,
		e.Amount.Minor, string(e.Amount.Currency), string(e.SplitType), formatTime(e.ExpenseDate),
		e.TransactionID, e.FileKey, nullString(string(e.ConversionToID)), nullInt(int64(e.RecurrenceID)),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt), int64(e.UpdatedBy), nullTime(e.DeletedAt), int64(e.DeletedBy))
	if err != nil {
		if isConstraint(err) && strings.Contains(err.Error(), "expenses.id") {
			return fmt.Errorf("%w: %s: %v", core.ErrDuplicateExpense, e.ID, err)
		}
		return classify(err)
	}
	return nil
}

func (t *sqlTx) UpdateExpense(ctx context.Context, e core.Expense) error {
	query := `UPDATE expenses SET
		group_id = ?, paid_by = ?, name = ?, category = ?, amount_minor = ?, currency = ?,
		split_type = ?, expense_date = ?, transaction_id = ?, file_key = ?, conversion_to_id = ?,
		recurrence_id = ?, updated_at = ?, updated_by = ?, deleted_at = ?, deleted_by = ?
		WHERE id = ?`
	res, err := t.tx.ExecContext(ctx, query,
		int64(e.Scope.GroupID), int64(e.PaidBy), e.Name, e.Category, e.Amount.Minor, string(e.Amount.Currency),
		string(e.SplitType), formatTime(e.ExpenseDate), e.TransactionID, e.FileKey,
		nullString(string(e.ConversionToID)), nullInt(int64(e.RecurrenceID)),
		formatTime(e.UpdatedAt), int64(e.UpdatedBy), nullTime(e.DeletedAt), int64(e.DeletedBy),
		string(e.ID))
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return fmt.Errorf("expense %s: %w", e.ID, core.ErrNotFound)
	}
	return nil
}

func (t *sqlTx) GetExpense(ctx context.Context, id core.ExpenseID) (core.Expense, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id = ?`, string(id))
	e, err := scanExpense(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Expense{}, fmt.Errorf("expense %s: %w", id, core.ErrNotFound)
		}
		return core.Expense{}, classify(err)
	}
	return e, nil
}

func (t *sqlTx) ConversionHead(ctx context.Context, id core.ExpenseID) (core.Expense, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE conversion_to_id = ?`, string(id))
	e, err := scanExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Expense{}, false, nil
	}
	if err != nil {
		return core.Expense{}, false, classify(err)
	}
	return e, true, nil
}

func (t *sqlTx) ListActiveExpenses(ctx context.Context, scope core.Scope) ([]core.Expense, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+expenseColumns+` FROM expenses
		WHERE group_id = ? AND deleted_at IS NULL
		ORDER BY expense_date, created_at, id`, int64(scope.GroupID))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []core.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

func (t *sqlTx) ListScopes(ctx context.Context) ([]core.Scope, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT DISTINCT group_id FROM expenses ORDER BY group_id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []core.Scope
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		out = append(out, core.GroupScope(core.GroupID(id)))
	}
	return out, classify(rows.Err())
}

func (t *sqlTx) InsertShares(ctx context.Context, shares []core.Share) error {
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO expense_shares (expense_id, user_id, amount_minor, currency) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return classify(err)
	}
	defer stmt.Close()

	for _, s := range shares {
		if _, err := stmt.ExecContext(ctx, string(s.ExpenseID), int64(s.UserID), s.Amount.Minor, string(s.Amount.Currency)); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (t *sqlTx) DeleteShares(ctx context.Context, id core.ExpenseID) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM expense_shares WHERE expense_id = ?`, string(id))
	return classify(err)
}

func (t *sqlTx) ListShares(ctx context.Context, id core.ExpenseID) ([]core.Share, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT user_id, amount_minor, currency FROM expense_shares WHERE expense_id = ? ORDER BY user_id`, string(id))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []core.Share
	for rows.Next() {
		var (
			user     int64
			currency string
			s        = core.Share{ExpenseID: id}
		)
		if err := rows.Scan(&user, &s.Amount.Minor, &currency); err != nil {
			return nil, classify(err)
		}
		s.UserID = core.UserID(user)
		s.Amount.Currency = core.Currency(currency)
		out = append(out, s)
	}
	return out, classify(rows.Err())
}

func (t *sqlTx) InsertRecurrence(ctx context.Context, jobID int64) (core.Recurrence, error) {
	res, err := t.tx.ExecContext(ctx, `INSERT INTO recurrences (job_id) VALUES (?)`, jobID)
	if err != nil {
		return core.Recurrence{}, classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return core.Recurrence{}, classify(err)
	}
	return core.Recurrence{ID: core.RecurrenceID(id), JobID: jobID}, nil
}

func (t *sqlTx) GetRecurrence(ctx context.Context, id core.RecurrenceID) (core.Recurrence, error) {
	r := core.Recurrence{ID: id}
	err := t.tx.QueryRowContext(ctx, `SELECT job_id FROM recurrences WHERE id = ?`, int64(id)).Scan(&r.JobID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Recurrence{}, fmt.Errorf("recurrence %d: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Recurrence{}, classify(err)
	}
	return r, nil
}

func (t *sqlTx) DeleteRecurrence(ctx context.Context, id core.RecurrenceID) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM recurrences WHERE id = ?`, int64(id))
	return classify(err)
}

func (t *sqlTx) CountActiveByRecurrence(ctx context.Context, id core.RecurrenceID) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM expenses WHERE recurrence_id = ? AND deleted_at IS NULL`, int64(id)).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// AddBalance reads the row inside the write transaction and stores the
// checked sum, so an overflow fails instead of turning the column into a REAL.
func (t *sqlTx) AddBalance(ctx context.Context, key core.BalanceKey, delta int64, at time.Time) error {
	var current int64
	err := t.tx.QueryRowContext(ctx, `SELECT amount_minor FROM balances
		WHERE user_id = ? AND friend_id = ? AND group_id = ? AND currency = ?`,
		int64(key.UserID), int64(key.FriendID), int64(key.Scope.GroupID), string(key.Currency)).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return classify(err)
	}
	sum, ok := core.AddMinor(current, delta)
	if !ok {
		return fmt.Errorf("%w: balance %d->%d overflows", core.ErrInvalidAmount, key.UserID, key.FriendID)
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO balances (user_id, friend_id, group_id, currency, amount_minor, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, friend_id, group_id, currency)
		DO UPDATE SET amount_minor = excluded.amount_minor, updated_at = excluded.updated_at`,
		int64(key.UserID), int64(key.FriendID), int64(key.Scope.GroupID), string(key.Currency), sum, formatTime(at))
	return classify(err)
}

func (t *sqlTx) InsertBalance(ctx context.Context, b core.Balance) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO balances (user_id, friend_id, group_id, currency, amount_minor, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		int64(b.UserID), int64(b.FriendID), int64(b.Scope.GroupID), string(b.Currency), b.Amount, formatTime(b.UpdatedAt))
	return classify(err)
}

func (t *sqlTx) DeleteScopeBalances(ctx context.Context, scope core.Scope) (int, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM balances WHERE group_id = ?`, int64(scope.GroupID))
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return int(n), nil
}

func (t *sqlTx) ListBalances(ctx context.Context, user core.UserID, f core.BalanceFilter) ([]core.Balance, error) {
	where := []string{"user_id = ?"}
	args := []any{int64(user)}
	if f.Scope != nil {
		where = append(where, "group_id = ?")
		args = append(args, int64(f.Scope.GroupID))
	}
	if f.Currency != "" {
		where = append(where, "currency = ?")
		args = append(args, string(f.Currency))
	}
	return t.queryBalances(ctx, strings.Join(where, " AND "), args...)
}

func (t *sqlTx) ListScopeBalances(ctx context.Context, scope core.Scope) ([]core.Balance, error) {
	return t.queryBalances(ctx, "group_id = ?", int64(scope.GroupID))
}

func (t *sqlTx) queryBalances(ctx context.Context, where string, args ...any) ([]core.Balance, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT user_id, friend_id, group_id, currency, amount_minor, updated_at
		FROM balances WHERE `+where+`
		ORDER BY user_id, friend_id, group_id, currency`, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []core.Balance
	for rows.Next() {
		var (
			b                     core.Balance
			user, friend, groupID int64
			currency, updated     string
		)
		if err := rows.Scan(&user, &friend, &groupID, &currency, &b.Amount, &updated); err != nil {
			return nil, classify(err)
		}
		b.UserID = core.UserID(user)
		b.FriendID = core.UserID(friend)
		b.Scope = core.GroupScope(core.GroupID(groupID))
		b.Currency = core.Currency(currency)
		if b.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, classify(rows.Err())
}
