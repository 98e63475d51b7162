package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nonsonwune/callers_db/migrations"
	"github.com/nonsonwune/callers_db/models"
)

// Config selects and locates the database.
type Config struct {
	Driver string // "postgres" or "sqlite3"
	DSN    string // connection string, or file path for sqlite3
	// VerifyOnly opens an existing database without applying the schema.
	// SQLite files are opened read-only and are never created.
	VerifyOnly bool
}

// dialect captures everything that differs between the supported databases.
type dialect struct {
	name          string
	rebind        func(query string) string
	classify      func(err error) ConflictKind
	privilegedOn  string
	privilegedOff string
	truncate      []string
	// maxBatchRows keeps multi-row inserts under the driver's bind-variable limit.
	maxBatchRows int
}

// SQLStore implements Store and Reporter on database/sql.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

var _ Store = (*SQLStore)(nil)
var _ Reporter = (*SQLStore)(nil)

// Open connects to the configured database and ensures the schema exists,
// or only checks for it when cfg.VerifyOnly is set.
func Open(cfg Config) (*SQLStore, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch cfg.Driver {
	case migrations.DriverPostgres:
		db, err = openPostgres(cfg.DSN)
		d = postgresDialect
	case migrations.DriverSQLite:
		db, err = openSQLite(cfg.DSN, cfg.VerifyOnly)
		d = sqliteDialect
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.VerifyOnly {
		if err := migrations.VerifySchema(db, cfg.Driver); err != nil {
			db.Close()
			return nil, fmt.Errorf("schema check failed: %w", err)
		}
	} else if err := migrations.InitSchema(db, cfg.Driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLStore{db: db, d: d}, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying connection pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Driver returns the dialect name.
func (s *SQLStore) Driver() string {
	return s.d.name
}

func (s *SQLStore) LoadIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, phone, cpr, status FROM callers`)
	if err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var ident Identity
		var cpr sql.NullString
		var status string
		if err := rows.Scan(&ident.ID, &ident.Phone, &cpr, &status); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		ident.NationalID = cpr.String
		ident.Blocked = models.Status(status) == models.StatusBlocked
		out = append(out, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Truncate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("truncate: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range s.d.truncate {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &WriteError{Op: "begin", Kind: ConflictFatal, Err: err}
	}
	return &sqlTx{tx: tx, d: s.d}, nil
}

func (s *SQLStore) TopCallers(ctx context.Context, limit int) ([]models.Caller, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT id, name, phone, cpr, hits, last_hit, status, is_winner, is_family
		FROM callers
		ORDER BY hits DESC, id
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("top callers: %w", err)
	}
	defer rows.Close()

	var out []models.Caller
	for rows.Next() {
		var c models.Caller
		var cpr sql.NullString
		var lastHit sql.NullTime
		var status string
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &cpr, &c.Hits, &lastHit, &status, &c.IsWinner, &c.IsFamily); err != nil {
			return nil, fmt.Errorf("scan caller: %w", err)
		}
		c.NationalID = cpr.String
		c.Status = models.Status(status)
		if lastHit.Valid {
			t := lastHit.Time
			c.LastHitAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) StatusCounts(ctx context.Context) ([]models.CallerStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) AS count
		FROM callers
		GROUP BY status
		ORDER BY count DESC, status`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	var out []models.CallerStat
	for rows.Next() {
		var st models.CallerStat
		if err := rows.Scan(&st.Label, &st.Count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLStore) FlagCounts(ctx context.Context) ([]models.CallerStat, error) {
	var total, winners, family int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN is_winner THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN is_family THEN 1 ELSE 0 END), 0)
		FROM callers`).Scan(&total, &winners, &family)
	if err != nil {
		return nil, fmt.Errorf("flag counts: %w", err)
	}
	return []models.CallerStat{
		{Label: "total", Count: total},
		{Label: "winners", Count: winners},
		{Label: "family", Count: family},
	}, nil
}

// insertColumns is the column order used by every insert.
var insertColumns = []string{
	"name", "phone", "cpr", "hits", "last_hit", "status",
	"notes", "is_winner", "is_family", "created_at", "updated_at",
}

var rowPlaceholders = "(" + strings.TrimSuffix(strings.Repeat("?, ", len(insertColumns)), ", ") + ")"

func insertArgs(c models.Caller) []any {
	status := c.Status
	if status == "" {
		status = models.StatusActive
	}
	return []any{
		c.Name,
		c.Phone,
		nullString(c.NationalID),
		c.Hits,
		nullTime(c.LastHitAt),
		string(status),
		nullString(c.Notes),
		c.IsWinner,
		c.IsFamily,
		c.CreatedAt.UTC(),
		c.UpdatedAt.UTC(),
	}
}

type sqlTx struct {
	tx *sql.Tx
	d  dialect
}

func (t *sqlTx) Savepoint(ctx context.Context, name string) error {
	return t.control(ctx, "savepoint", "SAVEPOINT "+name)
}

func (t *sqlTx) RollbackTo(ctx context.Context, name string) error {
	return t.control(ctx, "rollback to savepoint", "ROLLBACK TO SAVEPOINT "+name)
}

func (t *sqlTx) Release(ctx context.Context, name string) error {
	return t.control(ctx, "release savepoint", "RELEASE SAVEPOINT "+name)
}

// control runs transaction bookkeeping; any failure there poisons the page.
func (t *sqlTx) control(ctx context.Context, op, stmt string) error {
	if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
		return &WriteError{Op: op, Kind: ConflictFatal, Err: err}
	}
	return nil
}

func (t *sqlTx) InsertBatch(ctx context.Context, callers []models.Caller) ([]int64, error) {
	ids := make([]int64, 0, len(callers))
	for start := 0; start < len(callers); start += t.d.maxBatchRows {
		end := start + t.d.maxBatchRows
		if end > len(callers) {
			end = len(callers)
		}
		chunk, err := t.insertChunk(ctx, callers[start:end])
		if err != nil {
			return nil, wrapWrite("insert batch", t.d.classify, err)
		}
		ids = append(ids, chunk...)
	}
	return ids, nil
}

func (t *sqlTx) insertChunk(ctx context.Context, chunk []models.Caller) ([]int64, error) {
	var b strings.Builder
	args := make([]any, 0, len(chunk)*len(insertColumns))

	b.WriteString("INSERT INTO callers (")
	b.WriteString(strings.Join(insertColumns, ", "))
	b.WriteString(") VALUES ")
	for i, c := range chunk {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(rowPlaceholders)
		args = append(args, insertArgs(c)...)
	}
	b.WriteString(" RETURNING id, phone")

	rows, err := t.tx.QueryContext(ctx, t.d.rebind(b.String()), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byPhone := make(map[string]int64, len(chunk))
	for rows.Next() {
		var id int64
		var phone string
		if err := rows.Scan(&id, &phone); err != nil {
			return nil, err
		}
		byPhone[phone] = id
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	ids := make([]int64, len(chunk))
	for i, c := range chunk {
		id, ok := byPhone[c.Phone]
		if !ok {
			return nil, fmt.Errorf("no id returned for phone %s", c.Phone)
		}
		ids[i] = id
	}
	return ids, nil
}

func (t *sqlTx) Insert(ctx context.Context, c models.Caller) (int64, error) {
	query := "INSERT INTO callers (" + strings.Join(insertColumns, ", ") + ") VALUES " +
		rowPlaceholders + " RETURNING id"

	var id int64
	if err := t.tx.QueryRowContext(ctx, t.d.rebind(query), insertArgs(c)...).Scan(&id); err != nil {
		return 0, wrapWrite("insert", t.d.classify, err)
	}
	return id, nil
}

func (t *sqlTx) Update(ctx context.Context, id int64, u CallerUpdate, mode WriteMode) error {
	sets := []string{"name = ?"}
	args := []any{u.Name}

	if u.NationalID != nil {
		sets = append(sets, "cpr = ?")
		args = append(args, nullString(*u.NationalID))
	}
	if u.Hits != nil {
		if u.ReplaceHits {
			sets = append(sets, "hits = ?")
			args = append(args, *u.Hits)
		} else {
			sets = append(sets, "hits = CASE WHEN hits < ? THEN ? ELSE hits END")
			args = append(args, *u.Hits, *u.Hits)
		}
	}
	if u.LastHitAt != nil {
		sets = append(sets, "last_hit = ?")
		args = append(args, u.LastHitAt.UTC())
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, nullString(*u.Notes))
	}
	if u.IsWinner != nil {
		sets = append(sets, "is_winner = ?")
		args = append(args, *u.IsWinner)
	}
	if u.IsFamily != nil {
		sets = append(sets, "is_family = ?")
		args = append(args, *u.IsFamily)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, u.UpdatedAt.UTC(), id)

	query := "UPDATE callers SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	return t.exec(ctx, "update", mode, query, args...)
}

func (t *sqlTx) IncrementHits(ctx context.Context, id int64, at time.Time, mode WriteMode) error {
	return t.exec(ctx, "increment hits", mode,
		`UPDATE callers SET hits = hits + 1, last_hit = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), at.UTC(), id)
}

// exec runs a single-row update through the requested write path.
func (t *sqlTx) exec(ctx context.Context, op string, mode WriteMode, query string, args ...any) error {
	if mode == PrivilegedWrite {
		if _, err := t.tx.ExecContext(ctx, t.d.privilegedOn); err != nil {
			return wrapWrite(op, t.d.classify, err)
		}
	}

	res, err := t.tx.ExecContext(ctx, t.d.rebind(query), args...)

	if mode == PrivilegedWrite && err == nil {
		if _, offErr := t.tx.ExecContext(ctx, t.d.privilegedOff); offErr != nil {
			return &WriteError{Op: op, Kind: ConflictFatal, Err: offErr}
		}
	}
	if err != nil {
		return wrapWrite(op, t.d.classify, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return wrapWrite(op, t.d.classify, err)
	}
	if n == 0 {
		return &WriteError{Op: op, Kind: ConflictInvalid, Err: fmt.Errorf("%w: id %d", ErrNotFound, targetID(args))}
	}
	return nil
}

func (t *sqlTx) FindByPhone(ctx context.Context, phone string) (int64, bool, error) {
	return t.findOne(ctx, "find by phone", `SELECT id FROM callers WHERE phone = ?`, phone)
}

func (t *sqlTx) FindByNationalID(ctx context.Context, cpr string) (int64, bool, error) {
	if cpr == "" {
		return 0, false, nil
	}
	return t.findOne(ctx, "find by cpr", `SELECT id FROM callers WHERE cpr = ?`, cpr)
}

func (t *sqlTx) findOne(ctx context.Context, op, query, key string) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, t.d.rebind(query), key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapWrite(op, t.d.classify, err)
	}
	return id, true, nil
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return &WriteError{Op: "commit", Kind: ConflictFatal, Err: err}
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// targetID extracts the trailing WHERE id argument for error messages.
func targetID(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[len(args)-1]
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
