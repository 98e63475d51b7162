package importer

import (
	"context"
	"fmt"

	"github.com/nonsonwune/callers_db/store"
)

// IdentityKind is the outcome of resolving a record against the index.
type IdentityKind int

const (
	IdentityNew IdentityKind = iota
	IdentityExistingByPhone
	IdentityExistingByNationalID
)

func (k IdentityKind) String() string {
	switch k {
	case IdentityExistingByPhone:
		return "existing_by_phone"
	case IdentityExistingByNationalID:
		return "existing_by_cpr"
	default:
		return "new"
	}
}

// Identity names the stored caller a record refers to, if any.
type Identity struct {
	Kind IdentityKind
	ID   int64
}

// IdentityIndex maps natural keys of stored callers to their IDs.
// It lives for one import run and is updated after every committed page.
type IdentityIndex struct {
	phones  map[string]int64
	cprs    map[string]int64
	cprOf   map[int64]string
	blocked map[int64]bool
}

func NewIdentityIndex() *IdentityIndex {
	return &IdentityIndex{
		phones:  make(map[string]int64),
		cprs:    make(map[string]int64),
		cprOf:   make(map[int64]string),
		blocked: make(map[int64]bool),
	}
}

// LoadIdentityIndex seeds an index from every caller in st.
func LoadIdentityIndex(ctx context.Context, st store.Store) (*IdentityIndex, error) {
	idents, err := st.LoadIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to seed identity index: %w", err)
	}
	idx := NewIdentityIndex()
	for _, ident := range idents {
		idx.Add(ident.ID, ident.Phone, ident.NationalID)
		idx.SetBlocked(ident.ID, ident.Blocked)
	}
	return idx, nil
}

// Add records the stored keys of caller id. Empty keys are ignored.
// A new national ID for id replaces the one previously indexed for it.
func (x *IdentityIndex) Add(id int64, phone, cpr string) {
	if phone != "" {
		x.phones[phone] = id
	}
	if cpr == "" {
		return
	}
	if old, ok := x.cprOf[id]; ok && old != cpr && x.cprs[old] == id {
		delete(x.cprs, old)
	}
	x.cprs[cpr] = id
	x.cprOf[id] = cpr
}

// SetBlocked records whether caller id is blocked.
func (x *IdentityIndex) SetBlocked(id int64, blocked bool) {
	if blocked {
		x.blocked[id] = true
		return
	}
	delete(x.blocked, id)
}

// Blocked reports whether caller id was last seen blocked.
func (x *IdentityIndex) Blocked(id int64) bool {
	return x.blocked[id]
}

// ByPhone returns the caller stored under phone.
func (x *IdentityIndex) ByPhone(phone string) (int64, bool) {
	id, ok := x.phones[phone]
	return id, ok
}

// ByNationalID returns the caller stored under cpr.
func (x *IdentityIndex) ByNationalID(cpr string) (int64, bool) {
	if cpr == "" {
		return 0, false
	}
	id, ok := x.cprs[cpr]
	return id, ok
}

// Len returns the number of phones indexed.
func (x *IdentityIndex) Len() int {
	return len(x.phones)
}

// Resolve looks rec up by phone first, then by national ID.
// Phone is the primary key; cpr alone never overrides a phone match.
func Resolve(rec CanonicalRecord, idx *IdentityIndex) Identity {
	if id, ok := idx.ByPhone(rec.Phone); ok {
		return Identity{Kind: IdentityExistingByPhone, ID: id}
	}
	if id, ok := idx.ByNationalID(rec.NationalID); ok {
		return Identity{Kind: IdentityExistingByNationalID, ID: id}
	}
	return Identity{Kind: IdentityNew}
}
