package store

import (
	"context"
	"time"

	"github.com/nonsonwune/callers_db/models"
)

// Identity is the natural-key projection of a stored caller.
type Identity struct {
	ID         int64
	Phone      string
	NationalID string
	// Blocked callers refuse standard writes.
	Blocked bool
}

// WriteMode selects the write path used for updates.
type WriteMode int

const (
	// StandardWrite goes through the store's business rules.
	StandardWrite WriteMode = iota
	// PrivilegedWrite bypasses the blocked-caller guard.
	PrivilegedWrite
)

func (m WriteMode) String() string {
	if m == PrivilegedWrite {
		return "privileged"
	}
	return "standard"
}

// CallerUpdate describes a merge into an existing caller.
// Nil fields keep the stored value.
type CallerUpdate struct {
	Name       string
	NationalID *string
	Hits       *int
	// ReplaceHits overwrites the stored counter with Hits instead of keeping the larger value.
	ReplaceHits bool
	LastHitAt   *time.Time
	Status      *models.Status
	Notes       *string
	IsWinner    *bool
	IsFamily    *bool
	UpdatedAt   time.Time
}

// Store is the persistence boundary used by the importer.
type Store interface {
	// LoadIdentities returns the natural keys of every stored caller.
	LoadIdentities(ctx context.Context) ([]Identity, error)
	Begin(ctx context.Context) (Tx, error)
	// Truncate removes every caller.
	Truncate(ctx context.Context) error
	Close() error
}

// Tx is one page transaction. Writes return *WriteError on failure.
type Tx interface {
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error

	// InsertBatch inserts callers and returns their IDs in input order.
	InsertBatch(ctx context.Context, callers []models.Caller) ([]int64, error)
	Insert(ctx context.Context, c models.Caller) (int64, error)
	Update(ctx context.Context, id int64, u CallerUpdate, mode WriteMode) error
	// IncrementHits adds exactly one hit and stamps last_hit and updated_at with at.
	IncrementHits(ctx context.Context, id int64, at time.Time, mode WriteMode) error

	FindByPhone(ctx context.Context, phone string) (int64, bool, error)
	FindByNationalID(ctx context.Context, cpr string) (int64, bool, error)

	Commit() error
	Rollback() error
}

// Reporter exposes the read-only aggregates used by the stats command.
type Reporter interface {
	TopCallers(ctx context.Context, limit int) ([]models.Caller, error)
	StatusCounts(ctx context.Context) ([]models.CallerStat, error)
	FlagCounts(ctx context.Context) ([]models.CallerStat, error)
}
