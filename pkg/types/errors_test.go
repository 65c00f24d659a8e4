package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIs(t *testing.T) {
	cause := errors.New("E11000 duplicate key")
	err := error(NewError(KindDatabase, BackendMongoDB, "create", "", cause))

	assert.True(t, errors.Is(err, ErrDatabase))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Same(t, cause, errors.Unwrap(err))
	assert.Equal(t, KindDatabase, KindOf(fmt.Errorf("wrapped: %w", err)))
	assert.Contains(t, err.Error(), "E11000")
	assert.Contains(t, err.Error(), "mongodb")
}

func TestUnsupportedOperator(t *testing.T) {
	err := UnsupportedOperator(BackendCassandra, OpRegex)
	assert.ErrorIs(t, err, ErrUnsupportedOperator)
	assert.Equal(t, OpRegex, err.Operator)
	assert.Contains(t, err.Error(), "$regex")
	assert.Contains(t, err.Error(), "cassandra")
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(KindDatabase, BackendRedis, "find", nil))

	err := Wrap(KindDatabase, BackendRedis, "find", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrDatabase)
	assert.True(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "timed out")

	inner := InvalidSchema("age", "bad")
	err = Wrap(KindDatabase, BackendSQLite, "define", inner)
	assert.Equal(t, KindInvalidSchema, KindOf(err))
	assert.ErrorIs(t, err, ErrInvalidSchema)
	var got *Error
	require.ErrorAs(t, err, &got)
	assert.Equal(t, BackendSQLite, got.Backend)
	assert.Equal(t, "define", got.Op)
	assert.Equal(t, Backend(""), inner.Backend, "wrapped error left untouched")
	assert.Empty(t, inner.Op)

	// A value shared between calls keeps no trace of either.
	shared := NewError(KindNotFound, "", "", "gone", nil)
	first := Wrap(KindDatabase, BackendRedis, "find", shared)
	second := Wrap(KindDatabase, BackendMongoDB, "update", shared)
	require.ErrorAs(t, first, &got)
	assert.Equal(t, BackendRedis, got.Backend)
	require.ErrorAs(t, second, &got)
	assert.Equal(t, BackendMongoDB, got.Backend)
	assert.Equal(t, "update", got.Op)
}

func TestOperatorVocabulary(t *testing.T) {
	for _, op := range QueryOperators {
		assert.True(t, IsQueryOperator(op))
		assert.False(t, IsUpdateOperator(op))
	}
	for _, op := range UpdateOperators {
		assert.True(t, IsUpdateOperator(op))
	}
	assert.False(t, IsQueryOperator("$like"))
	assert.Equal(t, 0, OpEq.Rank())
	assert.Equal(t, -1, Operator("$like").Rank())
}

func TestBackendVariant(t *testing.T) {
	assert.Equal(t, VariantDocument, BackendMongoDB.Variant())
	assert.Equal(t, VariantTimeSeries, BackendTimescale.Variant())
	assert.Equal(t, Variant(""), Backend("couchdb").Variant())
}
