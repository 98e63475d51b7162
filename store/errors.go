package store

import (
	"errors"
	"fmt"
)

// ConflictKind classifies the outcome of a failed write so callers can pick a
// recovery path without inspecting driver errors themselves.
type ConflictKind int

const (
	// ConflictNone means the write succeeded.
	ConflictNone ConflictKind = iota
	// ConflictUnique is a duplicate phone or national ID.
	ConflictUnique
	// ConflictUnauthorized is a write refused by the store's business rules.
	ConflictUnauthorized
	// ConflictInvalid is a record-level failure (bad data, check constraint, missing row).
	// The transaction is still usable once rolled back to the last savepoint.
	ConflictInvalid
	// ConflictFatal is a transaction-level failure (deadlock, lost connection, busy database).
	ConflictFatal
)

func (k ConflictKind) String() string {
	switch k {
	case ConflictNone:
		return "none"
	case ConflictUnique:
		return "unique_violation"
	case ConflictUnauthorized:
		return "unauthorized"
	case ConflictInvalid:
		return "invalid"
	case ConflictFatal:
		return "fatal"
	default:
		return fmt.Sprintf("ConflictKind(%d)", int(k))
	}
}

// ErrNotFound is returned when a write targets a caller that no longer exists.
var ErrNotFound = errors.New("caller not found")

// WriteError is the error type returned by every Tx write.
type WriteError struct {
	Op   string
	Kind ConflictKind
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// KindOf reports the conflict kind carried by err.
// Errors that did not come from a Tx write are treated as fatal.
func KindOf(err error) ConflictKind {
	if err == nil {
		return ConflictNone
	}
	var we *WriteError
	if errors.As(err, &we) {
		return we.Kind
	}
	return ConflictFatal
}

func wrapWrite(op string, classify func(error) ConflictKind, err error) error {
	if err == nil {
		return nil
	}
	return &WriteError{Op: op, Kind: classify(err), Err: err}
}
