package reltransport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/relay/pkg/broker"
	"github.com/sage-x-project/relay/pkg/kv"
)

func mustTransport(t *testing.T, hub *broker.Hub, peerID string, store kv.Store) *Transport {
	t.Helper()
	tr, err := New(context.Background(), broker.NewMemoryBroker(hub, peerID), store)
	require.NoError(t, err)
	return tr
}

func waitMessage(t *testing.T, tr *Transport) Message {
	t.Helper()
	select {
	case m := <-tr.Messages():
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestPublishAndReceiveHappyPath(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewHub(50)

	a := mustTransport(t, hub, "a", kv.NewMemoryStore())
	b := mustTransport(t, hub, "b", kv.NewMemoryStore())
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	require.NoError(t, b.Subscribe(ctx, "session:1"))

	ok, err := a.Publish(ctx, "session:1", "ping")
	require.NoError(t, err)
	assert.True(t, ok)

	msg := waitMessage(t, b)
	assert.Equal(t, "ping", msg.Data)
	assert.Equal(t, "session:1", msg.Channel)
	require.NoError(t, msg.ConfirmNonce(ctx))
}

func TestPublishFailsFalseWhenDisconnected(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewHub(50)
	a := mustTransport(t, hub, "a", kv.NewMemoryStore())

	ok, err := a.Publish(ctx, "session:1", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDedupDeliversEachEnvelopeExactlyOnce(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewHub(50)

	a := broker.NewMemoryBroker(hub, "a")
	b := mustTransport(t, hub, "b", kv.NewMemoryStore())
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	require.NoError(t, b.Subscribe(ctx, "ch"))

	raw, err := MarshalEnvelope(Envelope{ClientID: "a", Nonce: 1, Payload: "dup"})
	require.NoError(t, err)

	// Deliver the identical envelope twice, as a duplicated broker replay would.
	require.NoError(t, a.Publish(ctx, "ch", raw))
	require.NoError(t, a.Publish(ctx, "ch", raw))

	msg := waitMessage(t, b)
	assert.Equal(t, "dup", msg.Data)

	select {
	case <-b.Messages():
		t.Fatal("duplicate envelope must not be delivered twice")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestConnectSubscribeDisconnectAreIdempotent(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewHub(50)
	a := mustTransport(t, hub, "a", kv.NewMemoryStore())

	require.NoError(t, a.Connect(ctx))
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, a.Subscribe(ctx, "ch"))
	require.NoError(t, a.Subscribe(ctx, "ch"))
	require.NoError(t, a.Disconnect(ctx))
	require.NoError(t, a.Disconnect(ctx))
}

func TestRecoveryOnSubscribeReplaysUnconfirmedHistory(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewHub(50)
	store := kv.NewMemoryStore()

	publisher := mustTransport(t, hub, "pub", kv.NewMemoryStore())
	require.NoError(t, publisher.Connect(ctx))
	_, err := publisher.Publish(ctx, "session:1", "before-subscribe")
	require.NoError(t, err)

	sub := mustTransport(t, hub, "sub", store)
	require.NoError(t, sub.Connect(ctx))
	require.NoError(t, sub.Subscribe(ctx, "session:1"))

	msg := waitMessage(t, sub)
	assert.Equal(t, "before-subscribe", msg.Data)
}

func TestRecoverySkipsAlreadyConfirmedHistoryAcrossRestart(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewHub(50)
	sharedStore := kv.NewMemoryStore()

	publisher := mustTransport(t, hub, "pub", kv.NewMemoryStore())
	require.NoError(t, publisher.Connect(ctx))
	_, err := publisher.Publish(ctx, "session:1", "m1")
	require.NoError(t, err)

	first := mustTransport(t, hub, "sub", sharedStore)
	require.NoError(t, first.Connect(ctx))
	require.NoError(t, first.Subscribe(ctx, "session:1"))
	msg := waitMessage(t, first)
	require.NoError(t, msg.ConfirmNonce(ctx))
	require.NoError(t, first.Disconnect(ctx))

	// "Restart" with the same KVStore, a fresh transport/broker instance.
	second := mustTransport(t, hub, "sub", sharedStore)
	require.NoError(t, second.Connect(ctx))
	require.NoError(t, second.Subscribe(ctx, "session:1"))

	select {
	case <-second.Messages():
		t.Fatal("already-confirmed message must not be redelivered after restart")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReconnectReplaysMessagesMissedDuringPartition(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewHub(50)

	initiator := mustTransport(t, hub, "initiator", kv.NewMemoryStore())
	responder := mustTransport(t, hub, "responder", kv.NewMemoryStore())
	require.NoError(t, initiator.Connect(ctx))
	require.NoError(t, responder.Connect(ctx))
	require.NoError(t, responder.Subscribe(ctx, "session:1"))

	hub.Partition("responder")
	ok, err := initiator.Publish(ctx, "session:1", "M")
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case <-responder.Messages():
		t.Fatal("partitioned responder should not observe a live publication")
	case <-time.After(200 * time.Millisecond):
	}

	hub.Heal("responder")
	require.NoError(t, responder.Reconnect(ctx))

	msg := waitMessage(t, responder)
	assert.Equal(t, "M", msg.Data)

	select {
	case <-responder.Messages():
		t.Fatal("M must be delivered exactly once")
	case <-time.After(100 * time.Millisecond):
	}
}
