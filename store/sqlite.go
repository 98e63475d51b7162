package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
)

var sqliteDialect = dialect{
	name:          "sqlite3",
	rebind:        func(query string) string { return query },
	classify:      classifySQLite,
	privilegedOn:  `UPDATE write_mode SET privileged = 1 WHERE id = 1`,
	privilegedOff: `UPDATE write_mode SET privileged = 0 WHERE id = 1`,
	truncate: []string{
		`DELETE FROM callers`,
		`DELETE FROM sqlite_sequence WHERE name = 'callers'`,
	},
	// 11 columns per row stays well below SQLITE_MAX_VARIABLE_NUMBER.
	maxBatchRows: 500,
}

func openSQLite(path string, readOnly bool) (*sql.DB, error) {
	dsn := path
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// mode=rw never creates the file; query_only refuses every write.
		dsn = "file:" + path + "?mode=rw"
		pragmas = append(pragmas, "PRAGMA query_only = ON")
	} else {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("ensure data dir: %w", err)
			}
		}
		pragmas = append([]string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
		}, pragmas...)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// classifySQLite maps sqlite result codes onto conflict kinds.
func classifySQLite(err error) ConflictKind {
	var sqErr sqlite3.Error
	if !errors.As(err, &sqErr) {
		return ConflictFatal
	}

	switch sqErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return ConflictUnique
	case sqlite3.ErrConstraintTrigger:
		return ConflictUnauthorized
	}

	switch sqErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrFull,
		sqlite3.ErrCorrupt, sqlite3.ErrNomem, sqlite3.ErrInterrupt, sqlite3.ErrCantOpen:
		return ConflictFatal
	}
	return ConflictInvalid
}
