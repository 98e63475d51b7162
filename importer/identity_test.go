package importer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nonsonwune/callers_db/models"
)

func TestResolve(t *testing.T) {
	idx := NewIdentityIndex()
	idx.Add(1, "3900", "110")
	idx.Add(2, "3901", "220")

	rec := func(phone, cpr string) CanonicalRecord {
		return CanonicalRecord{Caller: models.Caller{Phone: phone, NationalID: cpr}}
	}

	tests := []struct {
		name  string
		phone string
		cpr   string
		want  Identity
	}{
		{"phone match", "3900", "", Identity{Kind: IdentityExistingByPhone, ID: 1}},
		{"phone wins over cpr", "3900", "220", Identity{Kind: IdentityExistingByPhone, ID: 1}},
		{"cpr only", "3999", "220", Identity{Kind: IdentityExistingByNationalID, ID: 2}},
		{"new", "3999", "330", Identity{Kind: IdentityNew}},
		{"empty cpr never matches", "3999", "", Identity{Kind: IdentityNew}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(rec(tt.phone, tt.cpr), idx))
		})
	}
}

func TestIdentityIndex_AddReplacesNationalID(t *testing.T) {
	idx := NewIdentityIndex()
	idx.Add(1, "3900", "110")
	idx.Add(1, "3900", "111")

	_, ok := idx.ByNationalID("110")
	assert.False(t, ok)
	id, ok := idx.ByNationalID("111")
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, 1, idx.Len())

	// A key is not removed when it has since moved to another caller.
	idx.Add(2, "3901", "111")
	idx.Add(1, "3900", "112")
	id, ok = idx.ByNationalID("111")
	require.True(t, ok)
	assert.Equal(t, int64(2), id)
}

func TestLoadIdentityIndex(t *testing.T) {
	st := newMemStore(
		models.Caller{Phone: "3900", NationalID: "110"},
		models.Caller{Phone: "3901"},
	)

	idx, err := LoadIdentityIndex(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, 2, idx.Len())
	id, ok := idx.ByNationalID("110")
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
	_, ok = idx.ByNationalID("")
	assert.False(t, ok)
}

func TestIdentityKind_String(t *testing.T) {
	assert.Equal(t, "new", IdentityNew.String())
	assert.Equal(t, "existing_by_phone", IdentityExistingByPhone.String())
	assert.Equal(t, "existing_by_cpr", IdentityExistingByNationalID.String())
}

func TestIdentityIndex_Blocked(t *testing.T) {
	st := newMemStore(
		models.Caller{Phone: "3900", Status: models.StatusBlocked},
		models.Caller{Phone: "3901"},
	)
	idx, err := LoadIdentityIndex(context.Background(), st)
	require.NoError(t, err)

	assert.True(t, idx.Blocked(1))
	assert.False(t, idx.Blocked(2))

	idx.SetBlocked(1, false)
	assert.False(t, idx.Blocked(1))
}
