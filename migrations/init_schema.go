package migrations

import (
	"database/sql"
	"fmt"
)

// Driver names understood by the schema helpers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// RequiredTables lists the tables the importer writes to.
var RequiredTables = []string{"callers"}

// postgresSchema keeps blocked callers read-only unless the transaction has
// set callers.privileged_write. Violations surface as SQLSTATE 42501.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS callers (
	id         BIGSERIAL PRIMARY KEY,
	name       VARCHAR(255) NOT NULL,
	phone      VARCHAR(255) NOT NULL,
	cpr        VARCHAR(50),
	hits       INTEGER NOT NULL DEFAULT 0 CHECK (hits >= 0),
	last_hit   TIMESTAMPTZ,
	status     VARCHAR(16) NOT NULL DEFAULT 'active'
	           CHECK (status IN ('active', 'inactive', 'pending', 'blocked')),
	notes      TEXT,
	is_winner  BOOLEAN NOT NULL DEFAULT FALSE,
	is_family  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT callers_phone_key UNIQUE (phone),
	CONSTRAINT callers_cpr_key UNIQUE (cpr)
);

CREATE INDEX IF NOT EXISTS idx_callers_hits ON callers (hits DESC);

CREATE OR REPLACE FUNCTION callers_guard() RETURNS trigger AS $$
BEGIN
	IF OLD.status = 'blocked'
	   AND COALESCE(current_setting('callers.privileged_write', true), 'off') <> 'on' THEN
		RAISE EXCEPTION 'caller % is blocked', OLD.id USING ERRCODE = 'insufficient_privilege';
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS callers_guard ON callers;
CREATE TRIGGER callers_guard BEFORE UPDATE ON callers
	FOR EACH ROW EXECUTE FUNCTION callers_guard();
`

// sqliteSchema mirrors postgresSchema. The guard reads the single-row
// write_mode table, which privileged writes flip inside their transaction.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS callers (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL CHECK (length(name) <= 255),
	phone      TEXT NOT NULL UNIQUE CHECK (length(phone) <= 255),
	cpr        TEXT UNIQUE CHECK (cpr IS NULL OR length(cpr) <= 50),
	hits       INTEGER NOT NULL DEFAULT 0 CHECK (hits >= 0),
	last_hit   TIMESTAMP,
	status     TEXT NOT NULL DEFAULT 'active'
	           CHECK (status IN ('active', 'inactive', 'pending', 'blocked')),
	notes      TEXT,
	is_winner  BOOLEAN NOT NULL DEFAULT 0,
	is_family  BOOLEAN NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_callers_hits ON callers (hits DESC);

CREATE TABLE IF NOT EXISTS write_mode (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	privileged INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO write_mode (id, privileged) VALUES (1, 0);

CREATE TRIGGER IF NOT EXISTS callers_guard BEFORE UPDATE ON callers
WHEN OLD.status = 'blocked' AND (SELECT privileged FROM write_mode WHERE id = 1) = 0
BEGIN
	SELECT RAISE(ABORT, 'caller is blocked');
END;
`

// InitSchema creates the callers schema for the given driver.
// It is safe to run against an existing database.
func InitSchema(db *sql.DB, driver string) error {
	var schema string
	switch driver {
	case DriverPostgres:
		schema = postgresSchema
	case DriverSQLite:
		schema = sqliteSchema
	default:
		return fmt.Errorf("unsupported driver %q", driver)
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply %s schema: %w", driver, err)
	}
	return VerifySchema(db, driver)
}

// VerifySchema checks that all required tables exist.
func VerifySchema(db *sql.DB, driver string) error {
	for _, table := range RequiredTables {
		var exists bool
		var err error
		switch driver {
		case DriverPostgres:
			err = db.QueryRow(`
				SELECT EXISTS (
					SELECT FROM information_schema.tables
					WHERE table_schema = 'public'
					AND table_name = $1
				)`, table).Scan(&exists)
		case DriverSQLite:
			var count int
			err = db.QueryRow(
				`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
			).Scan(&count)
			exists = count > 0
		default:
			return fmt.Errorf("unsupported driver %q", driver)
		}
		if err != nil {
			return err
		}

		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}

	return nil
}
