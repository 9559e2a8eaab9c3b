// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package reltransport

import (
	"context"
	"sync"
	"time"

	"github.com/sage-x-project/relay/internal/metrics"
	"github.com/sage-x-project/relay/pkg/broker"
	"github.com/sage-x-project/relay/pkg/kv"
	"github.com/sage-x-project/relay/pkg/relayerr"
)

const (
	maxRetry          = 5
	baseDelay         = 100 * time.Millisecond
	historyFetchLimit = 50
)

// State is the transport's connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Message is an accepted, deduplicated inbound delivery. ConfirmNonce must
// be called once the application has durably processed Data; until then the
// persisted dedup nonce is not advanced and a later history replay will
// redeliver the same message.
type Message struct {
	Channel      string
	Data         string
	ConfirmNonce func(ctx context.Context) error
}

type outboundItem struct {
	channel  string
	payload  string
	resultCh chan outboundResult
}

type outboundResult struct {
	ok  bool
	err error
}

// Transport is the envelope, dedup, retry and recovery layer riding on top
// of a broker.Broker. One Transport corresponds to one logical client
// identity (one clientID, one outbound nonce counter).
type Transport struct {
	broker broker.Broker
	store  kv.Store
	dedup  *dedupTable

	clientID string

	mu         sync.Mutex
	state      State
	subscribed map[string]bool
	cancel     context.CancelFunc

	nonceMu sync.Mutex

	queue    chan *outboundItem
	messages chan Message
	events   chan broker.Event
}

// New constructs a Transport over b, persisting transport identity and
// dedup state in store.
func New(ctx context.Context, b broker.Broker, store kv.Store) (*Transport, error) {
	clientID, err := loadOrCreateClientID(ctx, store)
	if err != nil {
		return nil, err
	}
	return &Transport{
		broker:     b,
		store:      store,
		dedup:      newDedupTable(store, clientID),
		clientID:   clientID,
		state:      StateDisconnected,
		subscribed: make(map[string]bool),
		queue:      make(chan *outboundItem, 256),
		messages:   make(chan Message, 256),
		events:     make(chan broker.Event, 16),
	}, nil
}

// ClientID returns this transport's stable identity.
func (t *Transport) ClientID() string { return t.clientID }

// Messages delivers accepted, deduplicated inbound envelopes.
func (t *Transport) Messages() <-chan Message { return t.messages }

// Events delivers connection-lifecycle notifications.
func (t *Transport) Events() <-chan broker.Event { return t.events }

func (t *Transport) currentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect transitions disconnected -> connecting -> connected. Idempotent.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	t.emit(broker.Event{Kind: broker.EventConnecting})

	// Drop broker events buffered after the previous event loop stopped
	// (such as the disconnected edge of an earlier Disconnect), so the fresh
	// loop does not apply them to the new connection.
	for drained := false; !drained; {
		select {
		case <-t.broker.Events():
		default:
			drained = true
		}
	}

	if err := t.broker.Connect(ctx); err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		wrapped := relayerr.Wrap(relayerr.TransportDisconnected, err, "connect")
		t.emit(broker.Event{Kind: broker.EventError, Err: wrapped})
		return wrapped
	}

	t.mu.Lock()
	t.state = StateConnected
	channels := make([]string, 0, len(t.subscribed))
	for ch := range t.subscribed {
		channels = append(channels, ch)
	}
	t.mu.Unlock()

	go t.eventLoop(runCtx)
	go t.drainLoop(runCtx)

	// Establish every subscription recorded before or between connects.
	for _, ch := range channels {
		if err := t.broker.Subscribe(ctx, ch); err != nil {
			wrapped := relayerr.Wrap(relayerr.TransportSubscribeFailed, err, "subscribe %s", ch)
			t.emit(broker.Event{Kind: broker.EventError, Err: wrapped})
		}
	}

	t.emit(broker.Event{Kind: broker.EventConnected})
	return nil
}

// Disconnect transitions to disconnected, cancelling the drain/event loops
// and resolving any still-queued publish calls with false. Idempotent.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.state = StateDisconnected
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if err := t.broker.Disconnect(ctx); err != nil {
		wrapped := relayerr.Wrap(relayerr.TransportDisconnected, err, "disconnect")
		t.emit(broker.Event{Kind: broker.EventError, Err: wrapped})
		return wrapped
	}
	t.emit(broker.Event{Kind: broker.EventDisconnected})
	return nil
}

// Subscribe subscribes to channel. Idempotent. A subscribe requested while
// not connected is recorded and established on the next connected edge.
func (t *Transport) Subscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	already := t.subscribed[channel]
	t.subscribed[channel] = true
	connected := t.state == StateConnected
	t.mu.Unlock()
	if already || !connected {
		return nil
	}
	if err := t.broker.Subscribe(ctx, channel); err != nil {
		return relayerr.Wrap(relayerr.TransportSubscribeFailed, err, "subscribe %s", channel)
	}
	return nil
}

// Clear unsubscribes from channel and deletes its persisted dedup state.
func (t *Transport) Clear(ctx context.Context, channel string) error {
	if err := t.broker.Clear(ctx, channel); err != nil {
		return relayerr.Wrap(relayerr.TransportDisconnected, err, "clear %s", channel)
	}
	t.mu.Lock()
	delete(t.subscribed, channel)
	t.mu.Unlock()
	return t.dedup.clear(ctx, channel)
}

// Publish wraps payload in an envelope with the next outbound nonce and
// enqueues it for serial publication. It resolves (true, nil) once the
// broker has acknowledged the publish, (false, nil) if the transport was
// disconnected before send, or an error of Kind TransportPublishFailed
// once the retry budget is exhausted. The nonce is assigned only when the
// item is actually enqueued, keeping outbound nonces contiguous.
func (t *Transport) Publish(ctx context.Context, channel, payload string) (bool, error) {
	if t.currentState() != StateConnected {
		return false, nil
	}

	t.nonceMu.Lock()
	nonce, err := nextNonce(ctx, t.store, t.clientID)
	t.nonceMu.Unlock()
	if err != nil {
		return false, err
	}

	raw, err := MarshalEnvelope(Envelope{ClientID: t.clientID, Nonce: nonce, Payload: payload})
	if err != nil {
		return false, err
	}

	item := &outboundItem{channel: channel, payload: raw, resultCh: make(chan outboundResult, 1)}
	select {
	case t.queue <- item:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case res := <-item.resultCh:
		return res.ok, res.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// drainLoop is the single FIFO draining task. It exits (and rejects any
// still-buffered items with false) when its context is cancelled by
// Disconnect, and is restarted fresh by every Connect call.
func (t *Transport) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.rejectRemaining()
			return
		case item := <-t.queue:
			t.processItem(ctx, item)
		}
	}
}

func (t *Transport) rejectRemaining() {
	for {
		select {
		case item := <-t.queue:
			item.resultCh <- outboundResult{ok: false}
		default:
			return
		}
	}
}

func (t *Transport) processItem(ctx context.Context, item *outboundItem) {
	for attempt := 0; attempt <= maxRetry; attempt++ {
		if t.currentState() != StateConnected {
			item.resultCh <- outboundResult{ok: false}
			return
		}

		err := t.broker.Publish(ctx, item.channel, item.payload)
		if err == nil {
			item.resultCh <- outboundResult{ok: true}
			return
		}

		if attempt == maxRetry {
			metrics.RetriesAttempted.WithLabelValues("exhausted").Inc()
			item.resultCh <- outboundResult{err: relayerr.Wrap(
				relayerr.TransportPublishFailed, err,
				"publish to %s failed after %d attempts", item.channel, maxRetry+1)}
			return
		}

		metrics.RetriesAttempted.WithLabelValues("retried").Inc()
		delay := baseDelay * time.Duration(uint64(1)<<uint(attempt))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			item.resultCh <- outboundResult{ok: false}
			return
		}
	}
}

// eventLoop forwards broker-level notifications, dedups and fans out
// inbound publications, and drives recovery-on-subscribe history replay.
func (t *Transport) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.broker.Events():
			if !ok {
				return
			}
			if ev.Kind == broker.EventDisconnected {
				t.mu.Lock()
				t.state = StateDisconnected
				t.mu.Unlock()
			}
			t.emit(ev)
		case pub, ok := <-t.broker.Publications():
			if !ok {
				return
			}
			t.handleInbound(ctx, pub.Channel, pub.Data)
		case sub, ok := <-t.broker.Subscriptions():
			if !ok {
				return
			}
			t.handleSubscribed(ctx, sub)
		}
	}
}

func (t *Transport) handleSubscribed(ctx context.Context, sub broker.SubscribedEvent) {
	if sub.Recovered {
		return
	}
	history, err := t.broker.History(ctx, sub.Channel, historyFetchLimit)
	if err != nil {
		if relayerr.HasKind(err, relayerr.TransportDisconnected) {
			return
		}
		wrapped := relayerr.Wrap(relayerr.TransportHistoryFailed, err, "recover history for %s", sub.Channel)
		t.emit(broker.Event{Kind: broker.EventError, Err: wrapped})
		return
	}
	for _, raw := range history {
		t.handleInbound(ctx, sub.Channel, raw)
	}
}

func (t *Transport) handleInbound(ctx context.Context, channel, raw string) {
	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.Observe(time.Since(start).Seconds())
	}()
	metrics.MessageSize.Observe(float64(len(raw)))

	env, err := ParseEnvelope(raw)
	if err != nil {
		t.emit(broker.Event{Kind: broker.EventError, Err: err})
		return
	}
	if env.ClientID == t.clientID {
		return
	}

	accept, err := t.dedup.tryAccept(ctx, channel, env.ClientID, env.Nonce)
	if err != nil {
		t.emit(broker.Event{Kind: broker.EventError, Err: err})
		return
	}
	if !accept {
		metrics.NonceValidations.WithLabelValues("duplicate").Inc()
		metrics.ReplayAttacksDetected.Inc()
		return
	}
	metrics.NonceValidations.WithLabelValues("accepted").Inc()

	msg := Message{
		Channel:      channel,
		Data:         env.Payload,
		ConfirmNonce: t.confirmFn(channel, env.ClientID, env.Nonce),
	}
	select {
	case t.messages <- msg:
	case <-ctx.Done():
	}
}

func (t *Transport) confirmFn(channel, senderID string, nonce uint64) func(ctx context.Context) error {
	var once sync.Once
	var confirmErr error
	return func(ctx context.Context) error {
		once.Do(func() {
			confirmErr = t.dedup.confirm(ctx, channel, senderID, nonce)
		})
		return confirmErr
	}
}

// Reconnect re-establishes the broker connection and replays history for
// every subscribed channel, feeding each publication through the same
// dedup path a live delivery takes.
func (t *Transport) Reconnect(ctx context.Context) error {
	if err := t.broker.Connect(ctx); err != nil {
		wrapped := relayerr.Wrap(relayerr.TransportReconnectFailed, err, "reconnect")
		t.emit(broker.Event{Kind: broker.EventError, Err: wrapped})
		return wrapped
	}

	t.mu.Lock()
	t.state = StateConnected
	if t.cancel == nil {
		// Loops died with an earlier Disconnect; restart them.
		runCtx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		go t.eventLoop(runCtx)
		go t.drainLoop(runCtx)
	}
	channels := make([]string, 0, len(t.subscribed))
	for ch := range t.subscribed {
		channels = append(channels, ch)
	}
	t.mu.Unlock()

	t.emit(broker.Event{Kind: broker.EventConnected})

	for _, ch := range channels {
		if err := t.broker.Subscribe(ctx, ch); err != nil {
			wrapped := relayerr.Wrap(relayerr.TransportSubscribeFailed, err, "subscribe %s", ch)
			t.emit(broker.Event{Kind: broker.EventError, Err: wrapped})
			continue
		}
		history, err := t.broker.History(ctx, ch, historyFetchLimit)
		if err != nil {
			if relayerr.HasKind(err, relayerr.TransportDisconnected) {
				continue
			}
			wrapped := relayerr.Wrap(relayerr.TransportHistoryFailed, err, "recover history for %s", ch)
			t.emit(broker.Event{Kind: broker.EventError, Err: wrapped})
			continue
		}
		for _, raw := range history {
			t.handleInbound(ctx, ch, raw)
		}
	}
	return nil
}

func (t *Transport) emit(ev broker.Event) {
	select {
	case t.events <- ev:
	default:
	}
}
