package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(50)

	pub := NewMemoryBroker(hub, "pub")
	sub := NewMemoryBroker(hub, "sub")
	require.NoError(t, pub.Connect(ctx))
	require.NoError(t, sub.Connect(ctx))

	require.NoError(t, sub.Subscribe(ctx, "session:1"))
	select {
	case ev := <-sub.Subscriptions():
		assert.Equal(t, "session:1", ev.Channel)
		assert.False(t, ev.Recovered)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}

	require.NoError(t, pub.Publish(ctx, "session:1", "hello"))
	select {
	case p := <-sub.Publications():
		assert.Equal(t, "hello", p.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publication")
	}
}

func TestMemoryBrokerHistoryIsBoundedAndOrdered(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(3)
	b := NewMemoryBroker(hub, "a")
	require.NoError(t, b.Connect(ctx))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "ch", string(rune('0'+i))))
	}

	hist, err := b.History(ctx, "ch", 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3", "4"}, hist)
}

func TestMemoryBrokerPublishFailsWhenDisconnected(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(10)
	b := NewMemoryBroker(hub, "a")

	err := b.Publish(ctx, "ch", "x")
	require.Error(t, err)
}

func TestMemoryBrokerPartitionBlocksDelivery(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(10)

	pub := NewMemoryBroker(hub, "pub")
	sub := NewMemoryBroker(hub, "sub")
	require.NoError(t, pub.Connect(ctx))
	require.NoError(t, sub.Connect(ctx))
	require.NoError(t, sub.Subscribe(ctx, "ch"))
	<-sub.Subscriptions()

	hub.Partition("sub")
	require.NoError(t, pub.Publish(ctx, "ch", "m1"))

	select {
	case <-sub.Publications():
		t.Fatal("partitioned subscriber should not receive live publication")
	case <-time.After(100 * time.Millisecond):
	}

	// History is retained and visible regardless of partition state.
	hist, err := sub.History(ctx, "ch", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, hist)

	hub.Heal("sub")
	require.NoError(t, pub.Publish(ctx, "ch", "m2"))
	select {
	case p := <-sub.Publications():
		assert.Equal(t, "m2", p.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publication after heal")
	}
}

func TestMemoryBrokerSubscribeIdempotent(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(10)
	b := NewMemoryBroker(hub, "a")
	require.NoError(t, b.Connect(ctx))

	require.NoError(t, b.Subscribe(ctx, "ch"))
	<-b.Subscriptions()
	require.NoError(t, b.Subscribe(ctx, "ch"))

	select {
	case <-b.Subscriptions():
		t.Fatal("second subscribe to the same channel should not re-emit")
	case <-time.After(100 * time.Millisecond):
	}
}
