package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nonsonwune/callers_db/models"
	"github.com/nonsonwune/callers_db/store"
)

// memStore is an in-memory store.Store with fault injection for reconciler tests.
type memStore struct {
	callers map[int64]models.Caller
	nextID  int64

	// failCommits makes the next n commits fail with a fatal error.
	failCommits int
	// failPhones makes any insert carrying the phone fail with the given kind.
	failPhones map[string]store.ConflictKind

	begins  int
	commits int
}

func newMemStore(seed ...models.Caller) *memStore {
	m := &memStore{
		callers:    make(map[int64]models.Caller),
		failPhones: make(map[string]store.ConflictKind),
	}
	for _, c := range seed {
		m.nextID++
		c.ID = m.nextID
		if c.Status == "" {
			c.Status = models.StatusActive
		}
		m.callers[c.ID] = c
	}
	return m
}

func (m *memStore) LoadIdentities(ctx context.Context) ([]store.Identity, error) {
	out := make([]store.Identity, 0, len(m.callers))
	for _, c := range m.callers {
		out = append(out, store.Identity{
			ID:         c.ID,
			Phone:      c.Phone,
			NationalID: c.NationalID,
			Blocked:    c.Status == models.StatusBlocked,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Begin(ctx context.Context) (store.Tx, error) {
	m.begins++
	return &memTx{m: m, state: copyCallers(m.callers), nextID: m.nextID}, nil
}

func (m *memStore) Truncate(ctx context.Context) error {
	m.callers = make(map[int64]models.Caller)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) byPhone(phone string) (models.Caller, bool) {
	for _, c := range m.callers {
		if c.Phone == phone {
			return c, true
		}
	}
	return models.Caller{}, false
}

func copyCallers(src map[int64]models.Caller) map[int64]models.Caller {
	dst := make(map[int64]models.Caller, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

type memSavepoint struct {
	name   string
	state  map[int64]models.Caller
	nextID int64
}

type memTx struct {
	m          *memStore
	state      map[int64]models.Caller
	nextID     int64
	savepoints []memSavepoint
	done       bool
}

func (t *memTx) Savepoint(ctx context.Context, name string) error {
	t.savepoints = append(t.savepoints, memSavepoint{name: name, state: copyCallers(t.state), nextID: t.nextID})
	return nil
}

func (t *memTx) find(name string) (int, error) {
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].name == name {
			return i, nil
		}
	}
	return 0, &store.WriteError{Op: "savepoint", Kind: store.ConflictFatal, Err: fmt.Errorf("no savepoint %s", name)}
}

func (t *memTx) RollbackTo(ctx context.Context, name string) error {
	i, err := t.find(name)
	if err != nil {
		return err
	}
	sp := t.savepoints[i]
	t.state = copyCallers(sp.state)
	t.nextID = sp.nextID
	t.savepoints = t.savepoints[:i+1]
	return nil
}

func (t *memTx) Release(ctx context.Context, name string) error {
	i, err := t.find(name)
	if err != nil {
		return err
	}
	t.savepoints = t.savepoints[:i]
	return nil
}

func (t *memTx) unique(id int64, phone, cpr string) error {
	for _, c := range t.state {
		if c.ID == id {
			continue
		}
		if c.Phone == phone || (cpr != "" && c.NationalID == cpr) {
			return &store.WriteError{Op: "write", Kind: store.ConflictUnique, Err: errors.New("duplicate key")}
		}
	}
	return nil
}

func (t *memTx) InsertBatch(ctx context.Context, callers []models.Caller) ([]int64, error) {
	ids := make([]int64, 0, len(callers))
	for _, c := range callers {
		id, err := t.Insert(ctx, c)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *memTx) Insert(ctx context.Context, c models.Caller) (int64, error) {
	if kind, ok := t.m.failPhones[c.Phone]; ok {
		return 0, &store.WriteError{Op: "insert", Kind: kind, Err: errors.New("injected failure")}
	}
	if err := t.unique(0, c.Phone, c.NationalID); err != nil {
		return 0, err
	}
	t.nextID++
	c.ID = t.nextID
	t.state[c.ID] = c
	return c.ID, nil
}

func (t *memTx) guard(id int64, mode store.WriteMode) (models.Caller, error) {
	c, ok := t.state[id]
	if !ok {
		return c, &store.WriteError{Op: "update", Kind: store.ConflictInvalid, Err: store.ErrNotFound}
	}
	if c.Status == models.StatusBlocked && mode != store.PrivilegedWrite {
		return c, &store.WriteError{Op: "update", Kind: store.ConflictUnauthorized, Err: errors.New("caller is blocked")}
	}
	return c, nil
}

func (t *memTx) Update(ctx context.Context, id int64, u store.CallerUpdate, mode store.WriteMode) error {
	c, err := t.guard(id, mode)
	if err != nil {
		return err
	}
	c.Name = u.Name
	if u.NationalID != nil {
		if err := t.unique(id, c.Phone, *u.NationalID); err != nil {
			return err
		}
		c.NationalID = *u.NationalID
	}
	if u.Hits != nil && (u.ReplaceHits || *u.Hits > c.Hits) {
		c.Hits = *u.Hits
	}
	if u.LastHitAt != nil {
		c.LastHitAt = u.LastHitAt
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.Notes != nil {
		c.Notes = *u.Notes
	}
	if u.IsWinner != nil {
		c.IsWinner = *u.IsWinner
	}
	if u.IsFamily != nil {
		c.IsFamily = *u.IsFamily
	}
	c.UpdatedAt = u.UpdatedAt
	t.state[id] = c
	return nil
}

func (t *memTx) IncrementHits(ctx context.Context, id int64, at time.Time, mode store.WriteMode) error {
	c, err := t.guard(id, mode)
	if err != nil {
		return err
	}
	c.Hits++
	c.LastHitAt = &at
	c.UpdatedAt = at
	t.state[id] = c
	return nil
}

func (t *memTx) FindByPhone(ctx context.Context, phone string) (int64, bool, error) {
	for _, c := range t.state {
		if c.Phone == phone {
			return c.ID, true, nil
		}
	}
	return 0, false, nil
}

func (t *memTx) FindByNationalID(ctx context.Context, cpr string) (int64, bool, error) {
	if cpr == "" {
		return 0, false, nil
	}
	for _, c := range t.state {
		if c.NationalID == cpr {
			return c.ID, true, nil
		}
	}
	return 0, false, nil
}

func (t *memTx) Commit() error {
	if t.done {
		return &store.WriteError{Op: "commit", Kind: store.ConflictFatal, Err: errors.New("transaction done")}
	}
	t.done = true
	if t.m.failCommits > 0 {
		t.m.failCommits--
		return &store.WriteError{Op: "commit", Kind: store.ConflictFatal, Err: errors.New("deadlock detected")}
	}
	t.m.callers = t.state
	t.m.nextID = t.nextID
	t.m.commits++
	return nil
}

func (t *memTx) Rollback() error {
	t.done = true
	return nil
}
