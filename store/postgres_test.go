package store

import (
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestRebindDollar(t *testing.T) {
	assert.Equal(t,
		"UPDATE callers SET name = $1, hits = $2 WHERE id = $3",
		rebindDollar("UPDATE callers SET name = ?, hits = ? WHERE id = ?"))
	assert.Equal(t, "SELECT 1", rebindDollar("SELECT 1"))
}

func TestClassifyPostgres(t *testing.T) {
	tests := []struct {
		code pq.ErrorCode
		want ConflictKind
	}{
		{"23505", ConflictUnique},
		{"42501", ConflictUnauthorized},
		{"23514", ConflictInvalid},
		{"22001", ConflictInvalid},
		{"40P01", ConflictFatal},
		{"25P02", ConflictFatal},
		{"08006", ConflictFatal},
		{"53300", ConflictFatal},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, classifyPostgres(&pq.Error{Code: tt.code}))
		})
	}

	assert.Equal(t, ConflictFatal, classifyPostgres(errors.New("connection reset")))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ConflictNone, KindOf(nil))
	assert.Equal(t, ConflictFatal, KindOf(errors.New("boom")))

	err := wrapWrite("insert", classifyPostgres, &pq.Error{Code: "23505"})
	assert.Equal(t, ConflictUnique, KindOf(err))
	assert.Contains(t, err.Error(), "unique_violation")
	assert.Nil(t, wrapWrite("insert", classifyPostgres, nil))
}
