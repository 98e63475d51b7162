package importer

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FailedSink receives every row that was skipped or failed to write.
type FailedSink interface {
	Write(e RecordError) error
}

// FailedRecordsWriter saves failed rows to a CSV file next to the reason they failed.
// The file is only created when the first row arrives.
type FailedRecordsWriter struct {
	dir    string
	header []string
	now    func() time.Time

	path string
	file *os.File
	w    *csv.Writer
	n    int
}

// NewFailedRecordsWriter writes to dir using header as the column order.
func NewFailedRecordsWriter(dir string, header []string) *FailedRecordsWriter {
	return &FailedRecordsWriter{dir: dir, header: header, now: time.Now}
}

func (f *FailedRecordsWriter) open() error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("error creating %s directory: %w", f.dir, err)
	}

	timestamp := f.now().Format("20060102_150405")
	f.path = filepath.Join(f.dir, fmt.Sprintf("failed_callers_%s.csv", timestamp))
	file, err := os.Create(f.path)
	if err != nil {
		return fmt.Errorf("error creating failed records file: %w", err)
	}
	f.file = file
	f.w = csv.NewWriter(file)

	cols := append(append([]string{"row"}, f.header...), "error")
	if err := f.w.Write(cols); err != nil {
		return fmt.Errorf("error writing headers: %w", err)
	}
	return nil
}

func (f *FailedRecordsWriter) Write(e RecordError) error {
	if f.w == nil {
		if err := f.open(); err != nil {
			return err
		}
	}

	record := make([]string, 0, len(f.header)+2)
	record = append(record, fmt.Sprint(e.Row))
	for _, h := range f.header {
		record = append(record, e.Raw[h])
	}
	record = append(record, fmt.Sprintf("[%s] %s", e.Code, e.Reason))
	if err := f.w.Write(record); err != nil {
		return fmt.Errorf("error writing record: %w", err)
	}
	f.n++
	return nil
}

// Path returns the file written so far, or "" when nothing failed.
func (f *FailedRecordsWriter) Path() string {
	return f.path
}

// Count returns the number of rows written.
func (f *FailedRecordsWriter) Count() int {
	return f.n
}

func (f *FailedRecordsWriter) Close() error {
	if f.w == nil {
		return nil
	}
	f.w.Flush()
	if err := f.w.Error(); err != nil {
		f.file.Close()
		return fmt.Errorf("error flushing failed records: %w", err)
	}
	return f.file.Close()
}
