package kv

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "a", "1"))
	v, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", v)

	require.NoError(t, s.Set(ctx, "a", "2"))
	v, _, _ = s.Get(ctx, "a")
	assert.Equal(t, "2", v)

	require.NoError(t, s.Delete(ctx, "a"))
	_, ok, _ = s.Get(ctx, "a")
	assert.False(t, ok)

	// Deleting a missing key is not an error.
	require.NoError(t, s.Delete(ctx, "nope"))
}

func TestMemoryStoreConcurrentDistinctKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%26))
			require.NoError(t, s.Set(ctx, key, "v"))
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Len(), 26)
}
