package importer

import (
	"fmt"
	"strings"
	"time"
)

// ErrorKind buckets everything the report counts that is not a plain insert or update.
type ErrorKind string

const (
	KindSchema               ErrorKind = "schema_error"
	KindRowSkip              ErrorKind = "row_skip"
	KindConflictResolved     ErrorKind = "conflict_resolved"
	KindWriteFailure         ErrorKind = "write_failure"
	KindTransactionFailure   ErrorKind = "transaction_failure"
	KindAuthorizationFailure ErrorKind = "authorization_failure"
)

// SchemaError means the header row lacks a required canonical field.
// It is the only error that aborts an import, and it is raised before any write.
type SchemaError struct {
	Missing []Field
	Headers []string
}

func (e *SchemaError) Error() string {
	names := make([]string, len(e.Missing))
	for i, f := range e.Missing {
		names[i] = string(f)
	}
	return fmt.Sprintf("missing required columns: %s (found: %s)",
		strings.Join(names, ", "), strings.Join(e.Headers, ", "))
}

// TransactionError is a page-level failure: nothing from the page was committed.
type TransactionError struct {
	Stage string
	Err   error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("page transaction failed at %s: %v", e.Stage, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// SkipKind says why the mapper rejected a row.
type SkipKind string

const (
	SkipMissingField SkipKind = "MISSING_FIELD"
	SkipFieldTooLong SkipKind = "FIELD_TOO_LONG"
	SkipMalformedRow SkipKind = "MALFORMED_ROW"
)

// SkipReason explains a RowSkip.
type SkipReason struct {
	Kind   SkipKind
	Field  Field
	Detail string
}

func (s *SkipReason) Error() string {
	switch s.Kind {
	case SkipMissingField:
		return fmt.Sprintf("missing required field %s", s.Field)
	case SkipFieldTooLong:
		return fmt.Sprintf("field %s too long: %s", s.Field, s.Detail)
	default:
		return fmt.Sprintf("malformed row: %s", s.Detail)
	}
}

// ImportError is a structured per-record failure.
type ImportError struct {
	Code      string
	Message   string
	Timestamp time.Time
	Context   map[string]string
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// RecordError is one entry of the report's failure list.
type RecordError struct {
	Row    int       `json:"row"`
	Kind   ErrorKind `json:"kind"`
	Code   string    `json:"code"`
	Phone  string    `json:"phone,omitempty"`
	Reason string    `json:"reason"`
	Raw    Row       `json:"-"`
}

func (e RecordError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
}
