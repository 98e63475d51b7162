package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nonsonwune/callers_db/models"
	"github.com/nonsonwune/callers_db/store"
)

// Outcome is the terminal state of a record within a page.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeInserted
	OutcomeUpdated
	OutcomeConflictResolved
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeConflictResolved:
		return "conflict_resolved"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

const (
	bulkSavepoint   = "callers_bulk"
	recordSavepoint = "callers_record"
)

// PendingRecord is a mapped row travelling through one page.
type PendingRecord struct {
	Row      int
	Raw      Row
	Record   CanonicalRecord
	Identity Identity

	Outcome  Outcome
	StoredID int64
	Kind     ErrorKind
	Err      *ImportError

	// keys to add to the index once the page commits
	learnedPhone string
	learnedCpr   string
}

func (p *PendingRecord) reset() {
	p.Identity = Identity{}
	p.Outcome = OutcomePending
	p.StoredID = 0
	p.Kind = ""
	p.Err = nil
	p.learnedPhone = ""
	p.learnedCpr = ""
}

func (p *PendingRecord) fail(kind ErrorKind, code string, err error) {
	p.Outcome = OutcomeFailed
	p.Kind = kind
	p.Err = &ImportError{
		Code:      code,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		Context: map[string]string{
			"phone": p.Record.Phone,
			"row":   fmt.Sprint(p.Row),
		},
	}
}

// PageResult tallies the outcomes of one page.
type PageResult struct {
	Inserted  int
	Updated   int
	Conflicts int
	Failed    int
}

func tally(page []*PendingRecord) PageResult {
	var r PageResult
	for _, p := range page {
		switch p.Outcome {
		case OutcomeInserted:
			r.Inserted++
		case OutcomeUpdated:
			r.Updated++
		case OutcomeConflictResolved:
			r.Conflicts++
		case OutcomeFailed:
			r.Failed++
		}
	}
	return r
}

// ReconcilerOptions configures how pages are merged into the store.
type ReconcilerOptions struct {
	// BypassAuthorization retries guard-rejected writes through the privileged path.
	BypassAuthorization bool
	// ReplaceHits overwrites stored hit counters instead of keeping the larger value.
	ReplaceHits bool
	Now         func() time.Time
	Logger      *slog.Logger
}

// Reconciler writes pages of records to the store, one transaction per page.
type Reconciler struct {
	st     store.Store
	idx    *IdentityIndex
	opts   ReconcilerOptions
	log    *slog.Logger
	fakeID int64
}

func NewReconciler(st store.Store, idx *IdentityIndex, opts ReconcilerOptions) *Reconciler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{st: st, idx: idx, opts: opts, log: opts.Logger}
}

func (r *Reconciler) now() time.Time {
	return r.opts.Now().UTC()
}

// Reconcile writes page in a single transaction.
// Record-level failures are recorded on the records; a returned error is always a
// *TransactionError and means nothing from the page was committed.
func (r *Reconciler) Reconcile(ctx context.Context, page []*PendingRecord) (PageResult, error) {
	for _, p := range page {
		p.reset()
		p.Identity = Resolve(p.Record, r.idx)
	}

	tx, err := r.st.Begin(ctx)
	if err != nil {
		return PageResult{}, &TransactionError{Stage: "begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil {
				r.log.Warn("rollback failed", "error", rbErr)
			}
		}
	}()

	var inserts []*PendingRecord
	for _, p := range page {
		if p.Identity.Kind == IdentityNew {
			inserts = append(inserts, p)
		}
	}
	if len(inserts) > 0 {
		if err := r.insertNew(ctx, tx, inserts); err != nil {
			return PageResult{}, err
		}
	}

	for _, p := range page {
		var err error
		switch p.Identity.Kind {
		case IdentityExistingByPhone:
			err = r.merge(ctx, tx, p)
		case IdentityExistingByNationalID:
			// Same person under a different number: count the extra participation only.
			err = r.increment(ctx, tx, p, p.Identity.ID, "", p.Record.NationalID)
		}
		if err != nil {
			return PageResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return PageResult{}, &TransactionError{Stage: "commit", Err: err}
	}
	committed = true

	for _, p := range page {
		switch p.Outcome {
		case OutcomeInserted, OutcomeUpdated, OutcomeConflictResolved:
			r.idx.Add(p.StoredID, p.learnedPhone, p.learnedCpr)
			r.learnStatus(p)
		}
	}
	return tally(page), nil
}

// learnStatus keeps the index's view of blocked callers current.
func (r *Reconciler) learnStatus(p *PendingRecord) {
	switch p.Outcome {
	case OutcomeInserted:
		r.idx.SetBlocked(p.StoredID, p.Record.Status == models.StatusBlocked)
	case OutcomeUpdated:
		if p.Record.Provided(FieldStatus) {
			r.idx.SetBlocked(p.StoredID, p.Record.Status == models.StatusBlocked)
		}
	}
}

// refused reports whether a real write to caller id would be turned away by the
// blocked-caller guard.
func (r *Reconciler) refused(id int64) bool {
	return r.idx.Blocked(id) && !r.opts.BypassAuthorization
}

// Simulate resolves page against the index without touching the store.
// New records get provisional negative IDs so later rows see them.
func (r *Reconciler) Simulate(page []*PendingRecord) PageResult {
	for _, p := range page {
		p.reset()
		p.Identity = Resolve(p.Record, r.idx)
		switch p.Identity.Kind {
		case IdentityNew:
			r.fakeID--
			p.Outcome = OutcomeInserted
			p.StoredID = r.fakeID
			r.idx.Add(p.StoredID, p.Record.Phone, p.Record.NationalID)
		case IdentityExistingByPhone:
			if r.refused(p.Identity.ID) {
				p.fail(KindAuthorizationFailure, "UNAUTHORIZED", fmt.Errorf("caller %d is blocked", p.Identity.ID))
				continue
			}
			p.Outcome = OutcomeUpdated
			p.StoredID = p.Identity.ID
			if cpr := p.Record.NationalID; cpr != "" {
				if owner, ok := r.idx.ByNationalID(cpr); !ok || owner == p.StoredID {
					r.idx.Add(p.StoredID, "", cpr)
				}
			}
		case IdentityExistingByNationalID:
			if r.refused(p.Identity.ID) {
				p.fail(KindAuthorizationFailure, "UNAUTHORIZED", fmt.Errorf("caller %d is blocked", p.Identity.ID))
				continue
			}
			p.Outcome = OutcomeConflictResolved
			p.StoredID = p.Identity.ID
		}
		r.learnStatus(p)
	}
	return tally(page)
}

// insertNew tries one multi-row insert and falls back to per-record inserts.
func (r *Reconciler) insertNew(ctx context.Context, tx store.Tx, recs []*PendingRecord) error {
	if err := tx.Savepoint(ctx, bulkSavepoint); err != nil {
		return &TransactionError{Stage: "savepoint", Err: err}
	}

	callers := make([]models.Caller, len(recs))
	for i, p := range recs {
		callers[i] = p.Record.Caller
	}

	ids, err := tx.InsertBatch(ctx, callers)
	if err == nil {
		if err := tx.Release(ctx, bulkSavepoint); err != nil {
			return &TransactionError{Stage: "release", Err: err}
		}
		for i, p := range recs {
			p.Outcome = OutcomeInserted
			p.StoredID = ids[i]
			p.learnedPhone = p.Record.Phone
			p.learnedCpr = p.Record.NationalID
		}
		return nil
	}

	if store.KindOf(err) == store.ConflictFatal {
		return &TransactionError{Stage: "insert batch", Err: err}
	}
	r.log.Debug("bulk insert rejected, inserting one by one", "records", len(recs), "error", err)

	if err := tx.RollbackTo(ctx, bulkSavepoint); err != nil {
		return &TransactionError{Stage: "rollback to savepoint", Err: err}
	}
	if err := tx.Release(ctx, bulkSavepoint); err != nil {
		return &TransactionError{Stage: "release", Err: err}
	}

	for _, p := range recs {
		if err := r.insertOne(ctx, tx, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) insertOne(ctx context.Context, tx store.Tx, p *PendingRecord) error {
	var id int64
	kind, err := r.guarded(ctx, tx, func() error {
		var err error
		id, err = tx.Insert(ctx, p.Record.Caller)
		return err
	})

	switch kind {
	case store.ConflictNone:
		p.Outcome = OutcomeInserted
		p.StoredID = id
		p.learnedPhone = p.Record.Phone
		p.learnedCpr = p.Record.NationalID
		return nil
	case store.ConflictUnique:
		return r.resolveInsertConflict(ctx, tx, p)
	case store.ConflictFatal:
		return &TransactionError{Stage: "insert", Err: err}
	default:
		r.log.Debug("insert failed", "row", p.Row, "phone", p.Record.Phone, "error", err)
		p.fail(KindWriteFailure, "INSERT_FAILED", err)
		return nil
	}
}

// resolveInsertConflict finds the caller that owns the colliding key and counts a hit on it.
func (r *Reconciler) resolveInsertConflict(ctx context.Context, tx store.Tx, p *PendingRecord) error {
	id, found, err := tx.FindByPhone(ctx, p.Record.Phone)
	if err != nil {
		return r.lookupFailed(p, err)
	}
	if found {
		return r.increment(ctx, tx, p, id, p.Record.Phone, "")
	}

	id, found, err = tx.FindByNationalID(ctx, p.Record.NationalID)
	if err != nil {
		return r.lookupFailed(p, err)
	}
	if found {
		return r.increment(ctx, tx, p, id, "", p.Record.NationalID)
	}

	p.fail(KindWriteFailure, "CONFLICT_UNRESOLVED",
		errors.New("unique constraint violated but no conflicting caller found"))
	return nil
}

func (r *Reconciler) lookupFailed(p *PendingRecord, err error) error {
	if store.KindOf(err) == store.ConflictFatal {
		return &TransactionError{Stage: "lookup", Err: err}
	}
	p.fail(KindWriteFailure, "LOOKUP_FAILED", err)
	return nil
}

// merge applies the provided fields of p onto the caller with the same phone.
func (r *Reconciler) merge(ctx context.Context, tx store.Tx, p *PendingRecord) error {
	target := p.Identity.ID
	u := r.buildUpdate(p, target)
	update := func(u store.CallerUpdate) (store.ConflictKind, error) {
		return r.write(ctx, tx, p, func(mode store.WriteMode) error {
			return tx.Update(ctx, target, u, mode)
		})
	}

	kind, err := update(u)
	if kind == store.ConflictUnique && u.NationalID != nil {
		// The national ID is held by a caller the index has not seen: keep the stored one.
		r.log.Debug("national id taken by another caller, updating without it",
			"row", p.Row, "phone", p.Record.Phone, "error", err)
		u.NationalID = nil
		kind, err = update(u)
	}

	switch kind {
	case store.ConflictNone:
		p.Outcome = OutcomeUpdated
		p.StoredID = target
		p.learnedPhone = p.Record.Phone
		if u.NationalID != nil {
			p.learnedCpr = *u.NationalID
		}
		return nil
	case store.ConflictUnique:
		r.log.Debug("update collided with another caller, counting a hit instead",
			"row", p.Row, "phone", p.Record.Phone, "error", err)
		return r.increment(ctx, tx, p, target, p.Record.Phone, "")
	case store.ConflictUnauthorized:
		p.fail(KindAuthorizationFailure, "UNAUTHORIZED", err)
		return nil
	case store.ConflictFatal:
		return &TransactionError{Stage: "update", Err: err}
	default:
		p.fail(KindWriteFailure, "UPDATE_FAILED", err)
		return nil
	}
}

// increment adds one hit to caller id and marks p as a resolved conflict.
func (r *Reconciler) increment(ctx context.Context, tx store.Tx, p *PendingRecord, id int64, phone, cpr string) error {
	at := r.now()
	kind, err := r.write(ctx, tx, p, func(mode store.WriteMode) error {
		return tx.IncrementHits(ctx, id, at, mode)
	})

	switch kind {
	case store.ConflictNone:
		p.Outcome = OutcomeConflictResolved
		p.StoredID = id
		p.learnedPhone = phone
		p.learnedCpr = cpr
		return nil
	case store.ConflictUnauthorized:
		p.fail(KindAuthorizationFailure, "UNAUTHORIZED", err)
		return nil
	case store.ConflictFatal:
		return &TransactionError{Stage: "increment hits", Err: err}
	default:
		p.fail(KindWriteFailure, "INCREMENT_FAILED", err)
		return nil
	}
}

// write runs an update through the standard path and, when allowed,
// repeats it through the privileged path after a guard refusal.
func (r *Reconciler) write(ctx context.Context, tx store.Tx, p *PendingRecord, fn func(store.WriteMode) error) (store.ConflictKind, error) {
	kind, err := r.guarded(ctx, tx, func() error { return fn(store.StandardWrite) })
	if kind != store.ConflictUnauthorized {
		return kind, err
	}
	if !r.opts.BypassAuthorization {
		r.log.Warn("write refused by store guard", "row", p.Row, "phone", p.Record.Phone)
		return kind, err
	}

	r.log.Warn("write refused by store guard, using privileged path", "row", p.Row, "phone", p.Record.Phone)
	return r.guarded(ctx, tx, func() error { return fn(store.PrivilegedWrite) })
}

// guarded isolates a single write in a savepoint so that a failed statement
// leaves the rest of the page intact.
func (r *Reconciler) guarded(ctx context.Context, tx store.Tx, fn func() error) (store.ConflictKind, error) {
	if err := tx.Savepoint(ctx, recordSavepoint); err != nil {
		return store.ConflictFatal, err
	}

	werr := fn()
	kind := store.KindOf(werr)
	switch kind {
	case store.ConflictNone:
		if err := tx.Release(ctx, recordSavepoint); err != nil {
			return store.ConflictFatal, err
		}
		return kind, nil
	case store.ConflictFatal:
		return kind, werr
	}

	if err := tx.RollbackTo(ctx, recordSavepoint); err != nil {
		return store.ConflictFatal, err
	}
	if err := tx.Release(ctx, recordSavepoint); err != nil {
		return store.ConflictFatal, err
	}
	return kind, werr
}

func (r *Reconciler) buildUpdate(p *PendingRecord, target int64) store.CallerUpdate {
	rec := p.Record
	u := store.CallerUpdate{
		Name:        rec.Name,
		ReplaceHits: r.opts.ReplaceHits,
		UpdatedAt:   r.now(),
	}

	if rec.Provided(FieldNationalID) {
		owner, taken := r.idx.ByNationalID(rec.NationalID)
		if !taken || owner == target {
			cpr := rec.NationalID
			u.NationalID = &cpr
		} else {
			r.log.Debug("national id belongs to another caller, keeping stored value",
				"row", p.Row, "phone", rec.Phone, "owner", owner)
		}
	}
	if rec.Provided(FieldHits) {
		hits := rec.Hits
		u.Hits = &hits
	}
	if rec.Provided(FieldLastHit) && rec.LastHitAt != nil {
		t := *rec.LastHitAt
		u.LastHitAt = &t
	}
	if rec.Provided(FieldStatus) {
		status := rec.Status
		u.Status = &status
	}
	if rec.Provided(FieldNotes) {
		notes := rec.Notes
		u.Notes = &notes
	}
	if rec.Provided(FieldIsWinner) {
		winner := rec.IsWinner
		u.IsWinner = &winner
	}
	if rec.Provided(FieldIsFamily) {
		family := rec.IsFamily
		u.IsFamily = &family
	}
	if rec.Provided(FieldUpdatedAt) {
		u.UpdatedAt = rec.UpdatedAt
	}
	return u
}
