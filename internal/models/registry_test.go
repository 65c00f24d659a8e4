package models

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"users", "_x", "Order_Items2"} {
		assert.NoError(t, ValidateName(ok), ok)
	}
	for _, bad := range []string{"", "1abc", "a-b", "a b", "a.b", "users;drop"} {
		assert.ErrorIs(t, ValidateName(bad), types.ErrInvalidSchema, bad)
	}
}

func TestGetOrCreateFirstWriterWins(t *testing.T) {
	r := NewRegistry[int]()
	var builds atomic.Int32

	var wg sync.WaitGroup
	results := make([]int, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := r.GetOrCreate("users", func() (int, error) {
				return int(builds.Add(1)), nil
			})
			assert.NoError(t, err)
			results[i] = m
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, m := range results {
		assert.Equal(t, 1, m)
	}
}

func TestGetOrCreateFailedBuildRetries(t *testing.T) {
	r := NewRegistry[string]()
	_, err := r.GetOrCreate("users", func() (string, error) { return "", errors.New("boom") })
	require.Error(t, err)
	_, ok := r.Get("users")
	assert.False(t, ok)

	m, err := r.GetOrCreate("users", func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", m)
}

func TestDefineRejectsRedefinition(t *testing.T) {
	r := NewRegistry[string]()
	_, err := r.Define("users", func() (string, error) { return "v1", nil })
	require.NoError(t, err)
	assert.True(t, r.Defined("users"))

	_, err = r.Define("users", func() (string, error) { return "v2", nil })
	assert.ErrorIs(t, err, types.ErrInvalidSchema)

	m, err := r.GetOrCreate("users", func() (string, error) { return "lazy", nil })
	require.NoError(t, err)
	assert.Equal(t, "v1", m)

	_, err = r.GetOrCreate("posts", func() (string, error) { return "lazy", nil })
	require.NoError(t, err)
	_, err = r.Define("posts", func() (string, error) { return "v1", nil })
	assert.ErrorIs(t, err, types.ErrInvalidSchema)
	assert.False(t, r.Defined("posts"))

	assert.Equal(t, []string{"posts", "users"}, r.Names())
}
