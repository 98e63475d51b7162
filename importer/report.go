package importer

import (
	"time"

	"github.com/google/uuid"
)

// ImportReport is the result of one import run.
type ImportReport struct {
	RunID      string    `json:"run_id"`
	Source     string    `json:"source"`
	DryRun     bool      `json:"dry_run"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Processed int `json:"processed"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Conflicts int `json:"conflicts"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`

	Pages       int `json:"pages"`
	PagesFailed int `json:"pages_failed"`

	ByKind        map[ErrorKind]int `json:"by_kind"`
	Errors        []RecordError     `json:"errors"`
	ErrorsDropped int               `json:"errors_dropped"`
	Warnings      []string          `json:"warnings,omitempty"`

	// Partial means the input stream failed mid-file; committed pages were kept.
	Partial   bool   `json:"partial"`
	ReadError string `json:"read_error,omitempty"`
	Cancelled bool   `json:"cancelled"`

	maxErrors int
}

func newReport(source string, dryRun bool, started time.Time, maxErrors int) *ImportReport {
	return &ImportReport{
		RunID:     uuid.NewString(),
		Source:    source,
		DryRun:    dryRun,
		StartedAt: started,
		ByKind:    make(map[ErrorKind]int),
		maxErrors: maxErrors,
	}
}

// Duration is the wall time of the run.
func (r *ImportReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether every processed row was written or resolved.
func (r *ImportReport) Succeeded() bool {
	return r.Skipped == 0 && r.Failed == 0 && !r.Partial && !r.Cancelled
}

func (r *ImportReport) addError(e RecordError) {
	r.ByKind[e.Kind]++
	if len(r.Errors) >= r.maxErrors {
		r.ErrorsDropped++
		return
	}
	r.Errors = append(r.Errors, e)
}

func (r *ImportReport) skip(row int, raw Row, reason *SkipReason, phone string) RecordError {
	r.Skipped++
	e := RecordError{
		Row:    row,
		Kind:   KindRowSkip,
		Code:   string(reason.Kind),
		Phone:  phone,
		Reason: reason.Error(),
		Raw:    raw,
	}
	r.addError(e)
	return e
}

// addPage folds the outcomes of a committed (or simulated) page into the totals.
// It returns the record errors produced by the page.
func (r *ImportReport) addPage(page []*PendingRecord, res PageResult) []RecordError {
	r.Pages++
	r.Inserted += res.Inserted
	r.Updated += res.Updated
	r.Conflicts += res.Conflicts
	r.Failed += res.Failed
	r.ByKind[KindConflictResolved] += res.Conflicts

	var failed []RecordError
	for _, p := range page {
		if p.Outcome != OutcomeFailed {
			continue
		}
		e := RecordError{
			Row:    p.Row,
			Kind:   p.Kind,
			Code:   p.Err.Code,
			Phone:  p.Record.Phone,
			Reason: p.Err.Message,
			Raw:    p.Raw,
		}
		r.addError(e)
		failed = append(failed, e)
	}
	return failed
}

// failPage marks every record of a page that could not be committed.
func (r *ImportReport) failPage(page []*PendingRecord, err error) []RecordError {
	r.Pages++
	r.PagesFailed++

	failed := make([]RecordError, 0, len(page))
	for _, p := range page {
		r.Failed++
		e := RecordError{
			Row:    p.Row,
			Kind:   KindTransactionFailure,
			Code:   "TRANSACTION_FAILED",
			Phone:  p.Record.Phone,
			Reason: err.Error(),
			Raw:    p.Raw,
		}
		r.addError(e)
		failed = append(failed, e)
	}
	return failed
}
