package core

import (
	"errors"
	"fmt"
)

// Ledger error taxonomy. Callers classify failures with errors.Is.
var (
	// ErrInvalidSplit reports participant amounts that do not reconcile to the
	// expense total, or malformed strategy parameters. Never retried.
	ErrInvalidSplit = errors.New("invalid split")
	// ErrNotFound reports a missing expense, conversion counterpart or recurrence.
	ErrNotFound = errors.New("not found")
	// ErrConcurrencyConflict reports a lost update on a balance row. The whole
	// operation may be retried.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrStorageFailure reports an unreachable store or aborted transaction.
	// No partial change was made and the operation may be retried verbatim.
	ErrStorageFailure = errors.New("storage failure")
	// ErrInvalidInput is the parent of every field validation error.
	ErrInvalidInput = errors.New("invalid input")
)

var (
	ErrInvalidAmount      = fmt.Errorf("%w: invalid amount", ErrInvalidInput)
	ErrInvalidCurrency    = fmt.Errorf("%w: invalid currency", ErrInvalidInput)
	ErrCurrencyMismatch   = fmt.Errorf("%w: currency mismatch", ErrInvalidInput)
	ErrInvalidSplitType   = fmt.Errorf("%w: invalid split type", ErrInvalidInput)
	ErrEmptyName          = fmt.Errorf("%w: empty name", ErrInvalidInput)
	ErrNameTooLong        = fmt.Errorf("%w: name too long (max 500 characters)", ErrInvalidInput)
	ErrInvalidPayer       = fmt.Errorf("%w: invalid payer", ErrInvalidInput)
	ErrInvalidDate        = fmt.Errorf("%w: invalid expense date", ErrInvalidInput)
	ErrInvalidRate        = fmt.Errorf("%w: exchange rate must be positive", ErrInvalidInput)
	ErrSelfConversion     = fmt.Errorf("%w: conversion legs must use different currencies", ErrInvalidInput)
	ErrInvalidParticipant = fmt.Errorf("%w: invalid participant", ErrInvalidInput)
	ErrDuplicateExpense   = fmt.Errorf("%w: expense already exists", ErrInvalidInput)
	ErrAlreadyLinked      = fmt.Errorf("%w: expense already belongs to a conversion pair", ErrInvalidInput)
)

// IsRetryable reports whether err is a transient failure that callers should
// retry a bounded number of times.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStorageFailure)
}

// IsClientError reports whether err is deterministic bad input that is safe to
// show to end users.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidSplit) || errors.Is(err, ErrInvalidInput)
}
