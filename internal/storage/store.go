// Package storage persists the expense log and projected balances in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"splitledger/internal/core"
	"splitledger/internal/ledger"
	"splitledger/internal/log"
)

// timeLayout is fixed width so that TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements ledger.Store. Writes go through a single connection
// that opens transactions with BEGIN IMMEDIATE, so balance read-modify-write
// pairs never interleave; reads use a separate pool.
type SQLiteStore struct {
	db     *sql.DB
	reader *sql.DB
	logger *log.Logger
}

func NewSQLiteStore(dbPath string, logger *log.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Run migrations before opening the pools
	if err := RunMigrations(dbPath); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("sqlite", writerDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite", readerDSN(dbPath))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}

	for _, pool := range []*sql.DB{db, reader} {
		if err := pool.Ping(); err != nil {
			db.Close()
			reader.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
	}

	logger = logger.WithComponent(log.ComponentStorage)
	logger.Info("SQLite store opened", "path", dbPath)
	return &SQLiteStore{db: db, reader: reader, logger: logger}, nil
}

func writerDSN(path string) string {
	return "file:" + path + "?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
}

func readerDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=query_only(1)"
}

func (s *SQLiteStore) Close() error {
	werr := s.db.Close()
	rerr := s.reader.Close()
	return errors.Join(werr, rerr)
}

// Ping checks that both pools can reach the database file.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return classify(s.reader.PingContext(ctx))
}

func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.run(ctx, s.db, nil, fn)
}

func (s *SQLiteStore) ReadTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.run(ctx, s.reader, &sql.TxOptions{ReadOnly: true}, fn)
}

func (s *SQLiteStore) run(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(tx ledger.Tx) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		s.logger.WarnContext(ctx, "Commit failed", log.FieldError, err.Error())
		return fmt.Errorf("commit transaction: %w", classify(err))
	}
	return nil
}

// classify maps driver errors onto the ledger error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", core.ErrConcurrencyConflict, err)
		}
	}
	return fmt.Errorf("%w: %v", core.ErrStorageFailure, err)
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", core.ErrStorageFailure, s)
	}
	return t, nil
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
