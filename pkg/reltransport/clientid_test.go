package reltransport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/relay/pkg/kv"
)

func TestLoadOrCreateClientIDPersistsAcrossCalls(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	id1, err := loadOrCreateClientID(ctx, store)
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	id2, err := loadOrCreateClientID(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestNextNonceIsContiguousAndIncreasing(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	n1, err := nextNonce(ctx, store, "client-a")
	require.NoError(t, err)
	n2, err := nextNonce(ctx, store, "client-a")
	require.NoError(t, err)
	n3, err := nextNonce(ctx, store, "client-a")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), n1)
	assert.Equal(t, uint64(2), n2)
	assert.Equal(t, uint64(3), n3)
}

func TestNextNonceIsIndependentPerClient(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	a, err := nextNonce(ctx, store, "client-a")
	require.NoError(t, err)
	b, err := nextNonce(ctx, store, "client-b")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), a)
	assert.Equal(t, uint64(1), b)
}

func TestNextNonceRejectsOverflow(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	require.NoError(t, store.Set(ctx, nonceKey("client-a"), "9007199254740991"))

	_, err := nextNonce(ctx, store, "client-a")
	require.Error(t, err)
}
