package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

var postgresDialect = dialect{
	name:          "postgres",
	rebind:        rebindDollar,
	classify:      classifyPostgres,
	privilegedOn:  `SELECT set_config('callers.privileged_write', 'on', true)`,
	privilegedOff: `SELECT set_config('callers.privileged_write', 'off', true)`,
	truncate:      []string{`TRUNCATE TABLE callers RESTART IDENTITY`},
	maxBatchRows:  1000,
}

func openPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// classifyPostgres maps SQLSTATE codes onto conflict kinds.
func classifyPostgres(err error) ConflictKind {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return ConflictFatal
	}

	switch pqErr.Code {
	case "23505": // unique_violation
		return ConflictUnique
	case "42501": // insufficient_privilege, raised by callers_guard
		return ConflictUnauthorized
	case "40001", "40P01", "25P02", "57014": // serialization, deadlock, aborted tx, query canceled
		return ConflictFatal
	}

	switch pqErr.Code.Class() {
	case "08", "53", "57", "58", "XX": // connection, resources, operator intervention, system
		return ConflictFatal
	}
	return ConflictInvalid
}

// rebindDollar turns ? placeholders into $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
