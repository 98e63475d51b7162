package importer

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"
)

func readAll(t *testing.T, src Source) []Row {
	t.Helper()
	var rows []Row
	for {
		row, _, err := src.Next()
		if errors.Is(err, io.EOF) {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestCSVSource_PlainUTF8(t *testing.T) {
	src := csvSource(t, " name , phone \nAli,3900\nSara,3901\n")

	assert.Equal(t, "utf-8", src.Encoding())
	assert.Equal(t, []string{"name", "phone"}, src.Header())

	row, n, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, Row{"name": "Ali", "phone": "3900"}, row)

	_, n, err = src.Next()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, _, err = src.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCSVSource_UTF8BOM(t *testing.T) {
	src := csvSource(t, "\xEF\xBB\xBFname,phone\nAli,3900\n")

	assert.Equal(t, "utf-8-bom", src.Encoding())
	assert.Equal(t, []string{"name", "phone"}, src.Header())
}

func TestCSVSource_Windows1252Fallback(t *testing.T) {
	src := csvSource(t, "name,phone\nJos\xe9,3900\n")

	assert.Equal(t, "windows-1252", src.Encoding())
	rows := readAll(t, src)
	require.Len(t, rows, 1)
	assert.Equal(t, "José", rows[0]["name"])
}

func TestCSVSource_UTF16LE(t *testing.T) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
	content, err := enc.String("name,phone\nمحمد,3900\n")
	require.NoError(t, err)

	src := csvSource(t, content)

	assert.Equal(t, "utf-16le", src.Encoding())
	assert.Equal(t, []string{"name", "phone"}, src.Header())
	rows := readAll(t, src)
	require.Len(t, rows, 1)
	assert.Equal(t, "محمد", rows[0]["name"])
}

func TestCSVSource_RaggedRows(t *testing.T) {
	src := csvSource(t, "name,phone,notes\nAli,3900\nSara,3901,vip,extra\n")

	rows := readAll(t, src)
	require.Len(t, rows, 2)
	assert.Equal(t, Row{"name": "Ali", "phone": "3900", "notes": ""}, rows[0])
	assert.Equal(t, Row{"name": "Sara", "phone": "3901", "notes": "vip"}, rows[1])
}

func TestCSVSource_DuplicateHeaderKeepsFirstColumn(t *testing.T) {
	src := csvSource(t, "name,phone,phone\nAli,3900,3999\n")

	rows := readAll(t, src)
	require.Len(t, rows, 1)
	assert.Equal(t, "3900", rows[0]["phone"])
}

func TestCSVSource_EmptyFile(t *testing.T) {
	_, err := NewCSVSource("empty.csv", strings.NewReader(""))
	assert.Error(t, err)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callers.csv")
	require.NoError(t, os.WriteFile(path, []byte("name,phone\nAli,3900\n"), 0o644))

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, "callers.csv", src.Name())
	assert.Len(t, readAll(t, src), 1)

	_, err = OpenFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestDiscover_PicksNewestCSV(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.csv")
	recent := filepath.Join(dir, "recent.csv")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, recent, other} {
		require.NoError(t, os.WriteFile(p, []byte("name,phone\n"), 0o644))
	}
	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, base, base))
	require.NoError(t, os.Chtimes(recent, base.Add(time.Minute), base.Add(time.Minute)))
	require.NoError(t, os.Chtimes(other, base.Add(time.Hour), base.Add(time.Hour)))

	got, err := Discover(dir)
	require.NoError(t, err)
	assert.Equal(t, recent, got)
}

func TestDiscover_NoCSV(t *testing.T) {
	_, err := Discover(t.TempDir())
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestResolveInput(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "callers.csv")
	require.NoError(t, os.WriteFile(file, []byte("name,phone\n"), 0o644))

	got, err := ResolveInput(file, "")
	require.NoError(t, err)
	assert.Equal(t, file, got)

	got, err = ResolveInput("", dir)
	require.NoError(t, err)
	assert.Equal(t, file, got)

	_, err = ResolveInput("", "")
	assert.ErrorIs(t, err, ErrNoInput)

	_, err = ResolveInput(filepath.Join(dir, "nope"), "")
	assert.Error(t, err)
}
