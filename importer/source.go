package importer

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrNoInput is returned when no CSV file can be found to import.
var ErrNoInput = errors.New("no csv file found")

// Source streams rows of one input file.
type Source interface {
	// Name identifies the input in reports.
	Name() string
	Header() []string
	// Next returns the next row and its 1-based row number (the header is row 1).
	// It returns io.EOF after the last row. A *csv.ParseError only affects that row.
	Next() (Row, int, error)
}

// CSVSource reads a CSV file row by row.
type CSVSource struct {
	name     string
	encoding string
	r        *csv.Reader
	closer   io.Closer
	header   []string
	row      int
}

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// sniffSize is how much of the input is inspected to pick a decoder.
const sniffSize = 64 * 1024

// NewCSVSource wraps r and reads the header row.
// UTF-8 and UTF-16 byte order marks are honoured; input that is not valid
// UTF-8 is decoded as Windows-1252.
func NewCSVSource(name string, r io.Reader) (*CSVSource, error) {
	br := bufio.NewReaderSize(r, sniffSize)
	head, err := br.Peek(sniffSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("error reading %s: %w", name, err)
	}

	enc, fallback := detectEncoding(head)
	decoded := transform.NewReader(br, unicode.BOMOverride(fallback.NewDecoder()))

	reader := csv.NewReader(decoded)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: empty file, no header row", name)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading headers: %w", err)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
	}

	return &CSVSource{
		name:     name,
		encoding: enc,
		r:        reader,
		header:   header,
		row:      1,
	}, nil
}

// OpenFile opens path as a CSVSource. The caller must Close it.
func OpenFile(path string) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}
	src, err := NewCSVSource(filepath.Base(path), f)
	if err != nil {
		f.Close()
		return nil, err
	}
	src.closer = f
	return src, nil
}

func (s *CSVSource) Name() string { return s.name }

func (s *CSVSource) Header() []string { return s.header }

// Encoding names the detected input encoding.
func (s *CSVSource) Encoding() string { return s.encoding }

func (s *CSVSource) Next() (Row, int, error) {
	record, err := s.r.Read()
	if errors.Is(err, io.EOF) {
		return nil, s.row, io.EOF
	}
	s.row++
	if err != nil {
		return nil, s.row, err
	}

	// Short rows are padded and long rows truncated to the header width.
	row := make(Row, len(s.header))
	for i, h := range s.header {
		if _, dup := row[h]; dup {
			continue
		}
		if i < len(record) {
			row[h] = record[i]
		} else {
			row[h] = ""
		}
	}
	return row, s.row, nil
}

func (s *CSVSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func detectEncoding(head []byte) (string, encoding.Encoding) {
	switch {
	case bytes.HasPrefix(head, bomUTF8):
		return "utf-8-bom", unicode.UTF8
	case bytes.HasPrefix(head, bomUTF16LE):
		return "utf-16le", unicode.UTF8
	case bytes.HasPrefix(head, bomUTF16BE):
		return "utf-16be", unicode.UTF8
	case looksUTF8(head):
		return "utf-8", unicode.UTF8
	default:
		return "windows-1252", charmap.Windows1252
	}
}

// looksUTF8 is utf8.Valid that tolerates a rune cut off at the end of the sample.
func looksUTF8(b []byte) bool {
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			return !utf8.FullRune(b)
		}
		b = b[size:]
	}
	return true
}

// Discover returns the most recently modified *.csv file in dir.
func Discover(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return "", fmt.Errorf("error scanning %s: %w", dir, err)
	}

	var newest string
	var newestInfo os.FileInfo
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if newestInfo == nil || info.ModTime().After(newestInfo.ModTime()) {
			newest, newestInfo = m, info
		}
	}
	if newest == "" {
		return "", fmt.Errorf("%w in %s", ErrNoInput, dir)
	}
	return newest, nil
}

// ResolveInput turns a file or directory argument into a CSV file path.
// An empty arg falls back to defaultDir.
func ResolveInput(arg, defaultDir string) (string, error) {
	if arg == "" {
		arg = defaultDir
	}
	if arg == "" {
		return "", ErrNoInput
	}
	info, err := os.Stat(arg)
	if err != nil {
		return "", fmt.Errorf("error reading input: %w", err)
	}
	if info.IsDir() {
		return Discover(arg)
	}
	return arg, nil
}
