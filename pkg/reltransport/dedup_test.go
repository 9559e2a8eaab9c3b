package reltransport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/relay/pkg/kv"
)

func TestDedupAcceptsIncreasingNoncesAndRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	d := newDedupTable(store, "self")

	accept, err := d.tryAccept(ctx, "session:1", "peer", 1)
	require.NoError(t, err)
	assert.True(t, accept)

	// Accepted but unconfirmed: an overlapping replay must not get it too.
	accept, err = d.tryAccept(ctx, "session:1", "peer", 1)
	require.NoError(t, err)
	assert.False(t, accept, "in-flight nonce must not be handed out twice")

	require.NoError(t, d.confirm(ctx, "session:1", "peer", 1))

	accept, err = d.tryAccept(ctx, "session:1", "peer", 1)
	require.NoError(t, err)
	assert.False(t, accept, "confirmed nonce must not be re-accepted")

	accept, err = d.tryAccept(ctx, "session:1", "peer", 2)
	require.NoError(t, err)
	assert.True(t, accept)
}

func TestDedupConfirmIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	d := newDedupTable(store, "self")

	require.NoError(t, d.confirm(ctx, "ch", "peer", 5))
	require.NoError(t, d.confirm(ctx, "ch", "peer", 5))
	require.NoError(t, d.confirm(ctx, "ch", "peer", 3)) // stale, must not regress

	table, err := d.load(ctx, "ch")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), table["peer"])
}

func TestDedupIsPerChannel(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	d := newDedupTable(store, "self")

	require.NoError(t, d.confirm(ctx, "ch-a", "peer", 10))

	accept, err := d.tryAccept(ctx, "ch-b", "peer", 1)
	require.NoError(t, err)
	assert.True(t, accept, "dedup state for one channel must not affect another")
}

func TestDedupClearRemovesPersistedState(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	d := newDedupTable(store, "self")

	require.NoError(t, d.confirm(ctx, "ch", "peer", 1))
	require.NoError(t, d.clear(ctx, "ch"))

	accept, err := d.tryAccept(ctx, "ch", "peer", 1)
	require.NoError(t, err)
	assert.True(t, accept, "clearing dedup state must forget prior confirmations")
}
