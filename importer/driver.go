package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nonsonwune/callers_db/store"
)

const (
	DefaultBatchSize         = 500
	MaxBatchSize             = 5000
	DefaultMaxRetries        = 3
	DefaultRetryBackoff      = 100 * time.Millisecond
	DefaultMaxReportedErrors = 100
)

// Progress is a snapshot sent after every page.
type Progress struct {
	Rows      int
	Pages     int
	Inserted  int
	Updated   int
	Conflicts int
	Skipped   int
	Failed    int
}

// Options configures an import run.
type Options struct {
	BatchSize           int
	Truncate            bool
	BypassAuthorization bool
	RequireNationalID   bool
	ReplaceHits         bool

	// MaxRetries is how many times a failed page transaction is retried.
	MaxRetries   int
	RetryBackoff time.Duration
	// AbortOnPageFailure stops the run when a page still fails after its retries.
	// Otherwise the page's rows are reported as failed and the run continues.
	AbortOnPageFailure bool

	MaxReportedErrors int
	// DryRun maps and resolves every row without writing.
	DryRun bool

	// Progress, when set, receives non-blocking updates.
	Progress   chan<- Progress
	FailedSink FailedSink
	Logger     *slog.Logger
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	switch {
	case o.BatchSize <= 0:
		o.BatchSize = DefaultBatchSize
	case o.BatchSize > MaxBatchSize:
		o.BatchSize = MaxBatchSize
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff < 0 {
		o.RetryBackoff = 0
	}
	if o.MaxReportedErrors <= 0 {
		o.MaxReportedErrors = DefaultMaxReportedErrors
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Driver runs the import pipeline for one file at a time.
type Driver struct {
	st     store.Store
	opts   Options
	log    *slog.Logger
	mapper *Mapper

	rec    *Reconciler
	report *ImportReport
}

// NewDriver builds a driver over st. st may be nil for dry runs.
func NewDriver(st store.Store, opts Options) *Driver {
	opts = opts.withDefaults()
	return &Driver{
		st:   st,
		opts: opts,
		log:  opts.Logger,
		mapper: NewMapper(MapperOptions{
			RequireNationalID: opts.RequireNationalID,
			Now:               opts.Now,
			Logger:            opts.Logger,
		}),
	}
}

// Options returns the effective options after defaults and clamping.
func (d *Driver) Options() Options {
	return d.opts
}

// Run imports every row of src. The report is returned even when err is non-nil.
// Only a *SchemaError or a setup failure prevents writes; page failures are
// retried and then reported unless AbortOnPageFailure is set.
func (d *Driver) Run(ctx context.Context, src Source) (*ImportReport, error) {
	if d.st == nil && !d.opts.DryRun {
		return nil, errors.New("importer: no store configured")
	}
	d.report = newReport(src.Name(), d.opts.DryRun, d.opts.Now().UTC(), d.opts.MaxReportedErrors)
	defer func() { d.report.FinishedAt = d.opts.Now().UTC() }()

	hm := Normalize(src.Header())
	for _, w := range hm.Warnings {
		d.log.Warn("header", "warning", w)
	}
	d.report.Warnings = append(d.report.Warnings, hm.Warnings...)

	if err := hm.Require(d.mapper.RequiredFields()...); err != nil {
		d.report.ByKind[KindSchema]++
		return d.report, err
	}

	if d.opts.Truncate && !d.opts.DryRun {
		if err := d.st.Truncate(ctx); err != nil {
			return d.report, fmt.Errorf("error truncating callers: %w", err)
		}
		d.log.Info("existing callers removed")
	}

	idx := NewIdentityIndex()
	if d.st != nil && !(d.opts.DryRun && d.opts.Truncate) {
		var err error
		if idx, err = LoadIdentityIndex(ctx, d.st); err != nil {
			return d.report, err
		}
	}
	d.log.Debug("identity index loaded", "callers", idx.Len())

	d.rec = NewReconciler(d.st, idx, ReconcilerOptions{
		BypassAuthorization: d.opts.BypassAuthorization,
		ReplaceHits:         d.opts.ReplaceHits,
		Now:                 d.opts.Now,
		Logger:              d.log,
	})

	pg := newPage(d.opts.BatchSize)
	for {
		if ctx.Err() != nil {
			d.report.Cancelled = true
			d.log.Warn("import cancelled, finishing current page", "row", pg.lastRow())
			break
		}

		raw, rowNum, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				d.report.Processed++
				d.skip(rowNum, nil, &SkipReason{Kind: SkipMalformedRow, Detail: parseErr.Err.Error()}, "")
				continue
			}
			d.report.Partial = true
			d.report.ReadError = err.Error()
			d.log.Error("error reading record, keeping committed pages", "row", rowNum, "error", err)
			break
		}
		d.report.Processed++

		rec, reason := d.mapper.MapRow(raw, hm)
		if reason != nil {
			d.skip(rowNum, raw, reason, rawPhone(raw, hm))
			continue
		}

		// A row repeating a key of an uncommitted row must see that row as stored.
		if pg.collides(rec) {
			if err := d.flush(ctx, pg); err != nil {
				return d.report, err
			}
		}
		pg.add(&PendingRecord{Row: rowNum, Raw: raw, Record: rec})

		if pg.full() {
			if err := d.flush(ctx, pg); err != nil {
				return d.report, err
			}
		}
	}

	if err := d.flush(ctx, pg); err != nil {
		return d.report, err
	}
	d.sendProgress()
	return d.report, nil
}

func (d *Driver) skip(row int, raw Row, reason *SkipReason, phone string) {
	e := d.report.skip(row, raw, reason, phone)
	d.log.Debug("row skipped", "row", row, "reason", reason.Error())
	d.writeFailed(e)
}

func rawPhone(raw Row, hm HeaderMap) string {
	col, ok := hm.Column(FieldPhone)
	if !ok {
		return ""
	}
	return strings.TrimSpace(raw[col])
}

// flush writes the page, retrying transaction failures, then empties it.
func (d *Driver) flush(ctx context.Context, pg *page) error {
	if pg.len() == 0 {
		return nil
	}
	defer pg.reset()

	if d.opts.DryRun {
		res := d.rec.Simulate(pg.records)
		d.record(pg, res)
		return nil
	}

	// Pages are never cut short by cancellation once started.
	pageCtx := context.WithoutCancel(ctx)

	var (
		res PageResult
		err error
	)
	for attempt := 0; attempt <= d.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			d.log.Warn("retrying page", "attempt", attempt, "first_row", pg.firstRow(), "error", err)
			time.Sleep(time.Duration(attempt) * d.opts.RetryBackoff)
		}
		res, err = d.rec.Reconcile(pageCtx, pg.records)
		if err == nil {
			break
		}
	}

	if err != nil {
		d.log.Error("page failed", "first_row", pg.firstRow(), "last_row", pg.lastRow(), "error", err)
		for _, e := range d.report.failPage(pg.records, err) {
			d.writeFailed(e)
		}
		d.sendProgress()
		if d.opts.AbortOnPageFailure {
			return fmt.Errorf("import aborted at row %d: %w", pg.firstRow(), err)
		}
		return nil
	}

	d.record(pg, res)
	return nil
}

func (d *Driver) record(pg *page, res PageResult) {
	for _, e := range d.report.addPage(pg.records, res) {
		d.log.Debug("record failed", "row", e.Row, "kind", e.Kind, "reason", e.Reason)
		d.writeFailed(e)
	}
	d.log.Debug("page committed",
		"first_row", pg.firstRow(),
		"inserted", res.Inserted,
		"updated", res.Updated,
		"conflicts", res.Conflicts,
		"failed", res.Failed,
		"dry_run", d.opts.DryRun,
	)
	d.sendProgress()
}

func (d *Driver) writeFailed(e RecordError) {
	if d.opts.FailedSink == nil {
		return
	}
	if err := d.opts.FailedSink.Write(e); err != nil {
		d.log.Warn("could not save failed row", "row", e.Row, "error", err)
	}
}

func (d *Driver) sendProgress() {
	if d.opts.Progress == nil {
		return
	}
	r := d.report
	select {
	case d.opts.Progress <- Progress{
		Rows:      r.Processed,
		Pages:     r.Pages,
		Inserted:  r.Inserted,
		Updated:   r.Updated,
		Conflicts: r.Conflicts,
		Skipped:   r.Skipped,
		Failed:    r.Failed,
	}:
	default:
	}
}

// page accumulates records and the keys they carry.
type page struct {
	size    int
	records []*PendingRecord
	phones  map[string]struct{}
	cprs    map[string]struct{}
}

func newPage(size int) *page {
	p := &page{size: size}
	p.reset()
	return p
}

func (p *page) reset() {
	p.records = make([]*PendingRecord, 0, p.size)
	p.phones = make(map[string]struct{}, p.size)
	p.cprs = make(map[string]struct{}, p.size)
}

func (p *page) collides(rec CanonicalRecord) bool {
	if _, ok := p.phones[rec.Phone]; ok {
		return true
	}
	if rec.NationalID == "" {
		return false
	}
	_, ok := p.cprs[rec.NationalID]
	return ok
}

func (p *page) add(r *PendingRecord) {
	p.records = append(p.records, r)
	p.phones[r.Record.Phone] = struct{}{}
	if r.Record.NationalID != "" {
		p.cprs[r.Record.NationalID] = struct{}{}
	}
}

func (p *page) len() int { return len(p.records) }

func (p *page) full() bool { return len(p.records) >= p.size }

func (p *page) firstRow() int {
	if len(p.records) == 0 {
		return 0
	}
	return p.records[0].Row
}

func (p *page) lastRow() int {
	if len(p.records) == 0 {
		return 0
	}
	return p.records[len(p.records)-1].Row
}
