package importer

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nonsonwune/callers_db/migrations"
	"github.com/nonsonwune/callers_db/store"
)

func openTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	st, err := store.Open(store.Config{
		Driver: migrations.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "callers.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func csvSource(t *testing.T, content string) *CSVSource {
	t.Helper()
	src, err := NewCSVSource("test.csv", strings.NewReader(content))
	require.NoError(t, err)
	return src
}

func runImport(t *testing.T, st store.Store, content string, opts Options) *ImportReport {
	t.Helper()
	opts.Now = func() time.Time { return fixedNow }
	report, err := NewDriver(st, opts).Run(context.Background(), csvSource(t, content))
	require.NoError(t, err)
	return report
}

type storedCaller struct {
	ID   int64
	Name string
	CPR  sql.NullString
	Hits int
}

func callerByPhone(t *testing.T, st *store.SQLStore, phone string) storedCaller {
	t.Helper()
	var c storedCaller
	err := st.DB().QueryRow(`SELECT id, name, cpr, hits FROM callers WHERE phone = ?`, phone).
		Scan(&c.ID, &c.Name, &c.CPR, &c.Hits)
	require.NoError(t, err)
	return c
}

func countCallers(t *testing.T, st *store.SQLStore) int {
	t.Helper()
	var n int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM callers`).Scan(&n))
	return n
}

func TestRun_SamePhoneInOneFileMergesIntoOneRow(t *testing.T) {
	st := openTestStore(t)

	report := runImport(t, st, "name,phone,cpr\nAli,3900,\nAli,3900,110\n", Options{})

	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 0, report.Conflicts)
	assert.Equal(t, 1, countCallers(t, st))

	got := callerByPhone(t, st, "3900")
	assert.Equal(t, "110", got.CPR.String)
	assert.Equal(t, 0, got.Hits)
}

func TestRun_NationalIDUnderNewPhoneCountsOneHit(t *testing.T) {
	st := openTestStore(t)
	runImport(t, st, "name,phone,cpr,hits\nAli,3900,110,4\n", Options{})
	require.Equal(t, 1, countCallers(t, st))

	report := runImport(t, st, "name,phone,cpr\nAli,3999,110\n", Options{})

	assert.Equal(t, 1, report.Conflicts)
	assert.Equal(t, 1, report.ByKind[KindConflictResolved])
	assert.Equal(t, 1, countCallers(t, st))
	assert.Equal(t, 5, callerByPhone(t, st, "3900").Hits)
}

func TestRun_PhoneTakesPrecedenceOverNationalID(t *testing.T) {
	st := openTestStore(t)
	runImport(t, st, "name,phone,cpr\nAli,3900,110\nSara,3901,220\n", Options{})

	report := runImport(t, st, "name,phone,cpr\nAli Updated,3900,220\n", Options{})

	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 0, report.Inserted)
	assert.Equal(t, 2, countCallers(t, st))

	ali := callerByPhone(t, st, "3900")
	assert.Equal(t, "Ali Updated", ali.Name)
	assert.Equal(t, "110", ali.CPR.String)
	assert.Equal(t, "220", callerByPhone(t, st, "3901").CPR.String)
}

func TestRun_ReimportPinsIncrements(t *testing.T) {
	st := openTestStore(t)
	content := "name,phone,cpr,hits\nAli,3900,110,3\nMona,3311,,1\nAli,3999,110,\n"

	first := runImport(t, st, content, Options{})
	assert.Equal(t, 2, first.Inserted)
	assert.Equal(t, 1, first.Conflicts)
	assert.Equal(t, 4, callerByPhone(t, st, "3900").Hits)

	second := runImport(t, st, content, Options{})
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 2, second.Updated)
	// The repeated CPR under another phone is counted again on every run.
	assert.Equal(t, 1, second.Conflicts)
	assert.Equal(t, 2, countCallers(t, st))
	assert.Equal(t, 5, callerByPhone(t, st, "3900").Hits)
	assert.Equal(t, 1, callerByPhone(t, st, "3311").Hits)
}

func TestRun_MissingPhoneIsSkipped(t *testing.T) {
	st := openTestStore(t)

	report := runImport(t, st, "name,phone\nAli,3900\nNo Phone,\nSara,3901\n", Options{})

	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.ByKind[KindRowSkip])
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 3, report.Errors[0].Row)
	assert.Equal(t, string(SkipMissingField), report.Errors[0].Code)
	assert.Equal(t, 2, countCallers(t, st))
}

func TestRun_SchemaErrorBeforeAnyWrite(t *testing.T) {
	st := openTestStore(t)
	runImport(t, st, "name,phone\nAli,3900\n", Options{})

	report, err := NewDriver(st, Options{Truncate: true}).Run(context.Background(),
		csvSource(t, "Full Name,Email\nAli,a@example.com\n"))

	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, []Field{FieldPhone}, schemaErr.Missing)
	require.NotNil(t, report)
	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, 1, countCallers(t, st), "truncate must not run when the header is invalid")
}

func TestRun_Truncate(t *testing.T) {
	st := openTestStore(t)
	runImport(t, st, "name,phone\nAli,3900\nSara,3901\n", Options{})

	report := runImport(t, st, "name,phone\nMona,3311\n", Options{Truncate: true})

	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 1, countCallers(t, st))
}

func TestRun_SmallPagesAndUnknownColumns(t *testing.T) {
	st := openTestStore(t)
	var b strings.Builder
	b.WriteString("Caller Name,Mobile,XYZ123\n")
	for i := 0; i < 25; i++ {
		b.WriteString("Caller,")
		b.WriteString(strings.Repeat("7", i+1))
		b.WriteString(",ignored\n")
	}

	progress := make(chan Progress, 100)
	report := runImport(t, st, b.String(), Options{BatchSize: 10, Progress: progress})

	assert.Equal(t, 25, report.Inserted)
	assert.Equal(t, 3, report.Pages)
	assert.Equal(t, 25, countCallers(t, st))
	assert.NotEmpty(t, progress)
}

func TestRun_BlockedCallerNeedsBypass(t *testing.T) {
	st := openTestStore(t)
	runImport(t, st, "name,phone,status\nAli,3900,blocked\n", Options{})

	report := runImport(t, st, "name,phone\nAli Renamed,3900\n", Options{})
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.ByKind[KindAuthorizationFailure])
	assert.Equal(t, "Ali", callerByPhone(t, st, "3900").Name)

	report = runImport(t, st, "name,phone\nAli Renamed,3900\n", Options{BypassAuthorization: true})
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, "Ali Renamed", callerByPhone(t, st, "3900").Name)
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	st := openTestStore(t)
	runImport(t, st, "name,phone\nAli,3900\n", Options{})

	report := runImport(t, st, "name,phone\nAli,3900\nMona,3311\nMona,3311\n,3312\n", Options{DryRun: true})

	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 2, report.Updated)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, countCallers(t, st))
}

func TestRun_DryRunWithoutStore(t *testing.T) {
	report := runImport(t, nil, "name,phone\nAli,3900\n", Options{DryRun: true})
	assert.Equal(t, 1, report.Inserted)

	_, err := NewDriver(nil, Options{}).Run(context.Background(), csvSource(t, "name,phone\n"))
	assert.Error(t, err)
}

func TestRun_PageRetriedAfterCommitFailure(t *testing.T) {
	st := newMemStore()
	st.failCommits = 2

	report := runImport(t, st, "name,phone\nAli,3900\nSara,3901\n", Options{MaxRetries: 3})

	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, 0, report.PagesFailed)
	assert.Equal(t, 3, st.begins)
	assert.Len(t, st.callers, 2)
}

func TestRun_PageFailureAfterRetries(t *testing.T) {
	content := "name,phone\nAli,3900\nAli,3900\n"

	t.Run("continue", func(t *testing.T) {
		st := newMemStore()
		st.failCommits = 2

		report := runImport(t, st, content, Options{MaxRetries: 1})

		// The first page fails twice; the second page commits.
		assert.Equal(t, 1, report.PagesFailed)
		assert.Equal(t, 1, report.Failed)
		assert.Equal(t, 1, report.ByKind[KindTransactionFailure])
		assert.Equal(t, 1, report.Inserted)
		assert.Len(t, st.callers, 1)
	})

	t.Run("abort", func(t *testing.T) {
		st := newMemStore()
		st.failCommits = 2

		report, err := NewDriver(st, Options{MaxRetries: 1, AbortOnPageFailure: true}).
			Run(context.Background(), csvSource(t, content))

		var txErr *TransactionError
		require.True(t, errors.As(err, &txErr))
		require.NotNil(t, report)
		assert.Equal(t, 1, report.PagesFailed)
		assert.Empty(t, st.callers)
	})
}

// scriptedSource replays fixed rows and errors.
type scriptedSource struct {
	steps  []scriptedStep
	n      int
	onNext func(n int)
}

type scriptedStep struct {
	row Row
	err error
}

func (s *scriptedSource) Name() string     { return "scripted.csv" }
func (s *scriptedSource) Header() []string { return []string{"name", "phone"} }

func (s *scriptedSource) Next() (Row, int, error) {
	if s.n >= len(s.steps) {
		return nil, s.n + 1, io.EOF
	}
	step := s.steps[s.n]
	s.n++
	if s.onNext != nil {
		s.onNext(s.n)
	}
	return step.row, s.n + 1, step.err
}

func TestRun_ReadFailureKeepsCommittedPages(t *testing.T) {
	st := openTestStore(t)
	src := &scriptedSource{steps: []scriptedStep{
		{row: Row{"name": "Ali", "phone": "3900"}},
		{row: Row{"name": "Sara", "phone": "3901"}},
		{row: Row{"name": "Mona", "phone": "3311"}},
		{err: io.ErrUnexpectedEOF},
		{row: Row{"name": "Never", "phone": "3312"}},
	}}

	report, err := NewDriver(st, Options{BatchSize: 2}).Run(context.Background(), src)
	require.NoError(t, err)

	assert.True(t, report.Partial)
	assert.Contains(t, report.ReadError, "unexpected EOF")
	assert.Equal(t, 3, report.Inserted)
	assert.Equal(t, 3, countCallers(t, st))
}

func TestRun_MalformedRowIsSkipped(t *testing.T) {
	st := openTestStore(t)
	src := &scriptedSource{steps: []scriptedStep{
		{row: Row{"name": "Ali", "phone": "3900"}},
		{err: &csv.ParseError{StartLine: 3, Line: 3, Column: 4, Err: csv.ErrQuote}},
		{row: Row{"name": "Mona", "phone": "3311"}},
	}}

	report, err := NewDriver(st, Options{}).Run(context.Background(), src)
	require.NoError(t, err)

	assert.False(t, report.Partial)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 3, report.Errors[0].Row)
	assert.Equal(t, string(SkipMalformedRow), report.Errors[0].Code)
}

func TestRun_CancelFinishesCurrentPage(t *testing.T) {
	st := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &scriptedSource{steps: []scriptedStep{
		{row: Row{"name": "Ali", "phone": "3900"}},
		{row: Row{"name": "Sara", "phone": "3901"}},
		{row: Row{"name": "Mona", "phone": "3311"}},
		{row: Row{"name": "Never", "phone": "3312"}},
	}}
	src.onNext = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	report, err := NewDriver(st, Options{BatchSize: 2}).Run(ctx, src)
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 3, report.Inserted)
	assert.Equal(t, 3, countCallers(t, st))
}

func TestRun_FailedRowsGoToSink(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	header := []string{"name", "phone"}
	sink := NewFailedRecordsWriter(dir, header)

	report := runImport(t, st, "name,phone\nAli,3900\nNo Phone,\n", Options{FailedSink: sink})
	require.NoError(t, sink.Close())

	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, sink.Count())
	assert.FileExists(t, sink.Path())
}

var _ store.Store = (*memStore)(nil)
