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

// Package relayclient owns the session and keys for one peer of the relay
// protocol: it decrypts inbound application traffic, encrypts outbound
// traffic, persists the session across connects, and runs whichever
// handshake.Handler its role needs. Client is embedded by the thin
// Initiator and Responder wrappers in this package.
package relayclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sage-x-project/relay/internal/logger"
	"github.com/sage-x-project/relay/internal/metrics"
	"github.com/sage-x-project/relay/pkg/cryptokeys"
	"github.com/sage-x-project/relay/pkg/handshake"
	"github.com/sage-x-project/relay/pkg/relayerr"
	"github.com/sage-x-project/relay/pkg/reltransport"
	"github.com/sage-x-project/relay/pkg/sessionstore"
)

// messageEnvelope is the inner, post-decryption shape carried on an
// established session channel: {"type":"message","payload":<any>}.
type messageEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const msgTypeApplication = "message"

// Client owns the transport, key manager, session store and current
// session for one peer. Inbound session envelopes go through decrypt then
// dispatch; outbound application payloads through encrypt then publish.
type Client struct {
	Transport  *reltransport.Transport
	Store      *sessionstore.Store
	KeyManager cryptokeys.KeyManager
	Events     Events
	Log        logger.Logger

	mu      sync.Mutex
	state   handshake.State
	session *sessionstore.Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a Client. log may be nil, in which case a package-default
// logger is used.
func New(transport *reltransport.Transport, store *sessionstore.Store, km cryptokeys.KeyManager, events Events, log logger.Logger) *Client {
	if events == nil {
		events = NoopEvents{}
	}
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	return &Client{
		Transport:  transport,
		Store:      store,
		KeyManager: km,
		Events:     events,
		Log:        log,
		state:      handshake.StateDisconnected,
	}
}

// CurrentSession returns the client's active session, or nil if none.
func (c *Client) CurrentSession() *sessionstore.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// State returns the client's current lifecycle state.
func (c *Client) State() handshake.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitRouteLoop blocks until the current (or most recently run) routing
// loop has exited, or ctx is cancelled first. Hosts can use it to observe
// that a Disconnect has fully quiesced inbound routing.
func (c *Client) WaitRouteLoop(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runHandshake drives handler to completion and, on success, installs its
// resulting session and starts the post-handshake inbound routing loop.
// Calling runHandshake while already CONNECTING or CONNECTED is an illegal
// transition that returns immediately without starting a second handshake.
func (c *Client) runHandshake(ctx context.Context, role string, handler handshake.Handler) (*sessionstore.Session, error) {
	c.mu.Lock()
	if c.state != handshake.StateDisconnected {
		sess := c.session
		c.mu.Unlock()
		return sess, nil
	}
	c.state = handshake.StateConnecting
	c.mu.Unlock()

	metrics.HandshakesInitiated.WithLabelValues(role).Inc()
	start := time.Now()

	hctx := &handshake.Context{
		Transport:  c.Transport,
		Store:      c.Store,
		KeyManager: c.KeyManager,
		Events:     c.Events,
	}

	sess, err := handler.Execute(ctx, hctx)
	metrics.HandshakeDuration.WithLabelValues("complete").Observe(time.Since(start).Seconds())
	if err != nil {
		c.mu.Lock()
		c.state = handshake.StateDisconnected
		c.mu.Unlock()
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		metrics.HandshakesFailed.WithLabelValues(string(relayerr.KindOf(err))).Inc()
		c.Log.Warn("handshake failed", logger.String("role", role), logger.Error(err))
		return nil, err
	}
	metrics.HandshakesCompleted.WithLabelValues("success").Inc()
	metrics.SessionsCreated.WithLabelValues("success").Inc()
	metrics.SessionsActive.Inc()
	c.Log.Info("handshake complete", logger.String("role", role), logger.String("session_id", sess.ID), logger.String("channel", sess.Channel))

	c.mu.Lock()
	c.session = sess
	c.state = handshake.StateConnected
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	go c.routeLoop(runCtx, done)
	return sess, nil
}

// Resume installs the previously persisted session id as current and
// re-establishes transport connectivity without repeating the handshake.
// Fails SessionNotFound if id is missing or has expired.
func (c *Client) Resume(ctx context.Context, id string) (*sessionstore.Session, error) {
	sess, ok, err := c.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, relayerr.New(relayerr.SessionNotFound, "no session %s", id)
	}

	c.mu.Lock()
	if prevCancel := c.cancel; prevCancel != nil {
		prevCancel()
	}
	prevDone := c.done
	c.mu.Unlock()
	if prevDone != nil {
		<-prevDone
	}

	if err := c.Transport.Connect(ctx); err != nil {
		return nil, err
	}
	if err := c.Transport.Subscribe(ctx, sess.Channel); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.session = sess
	c.state = handshake.StateConnected
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	metrics.SessionsActive.Inc()
	go c.routeLoop(runCtx, done)

	if err := c.Events.OnConnected(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// sendMessage encrypts payload for the current session's peer and
// publishes it on the session channel wrapped as {"type":"message",...}.
func (c *Client) sendMessage(ctx context.Context, payload json.RawMessage) (bool, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return false, relayerr.New(relayerr.SessionExpired, "no active session")
	}
	if sess.Expired(time.Now()) {
		return false, relayerr.New(relayerr.SessionExpired, "session %s expired", sess.ID)
	}

	raw, err := json.Marshal(messageEnvelope{Type: msgTypeApplication, Payload: payload})
	if err != nil {
		return false, relayerr.Wrap(relayerr.TransportParseFailed, err, "marshal outbound message")
	}

	start := time.Now()
	ciphertext, err := c.KeyManager.Encrypt(raw, sess.TheirPublicKey)
	metrics.CryptoOperationDuration.WithLabelValues("encrypt", "secp256k1-ecies").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("encrypt").Inc()
		return false, relayerr.Wrap(relayerr.DecryptionFailed, err, "encrypt outbound message")
	}
	metrics.CryptoOperations.WithLabelValues("encrypt", "secp256k1-ecies").Inc()
	metrics.SessionMessageSize.WithLabelValues("outbound").Observe(float64(len(raw)))

	return c.Transport.Publish(ctx, sess.Channel, ciphertext)
}

// Disconnect tears down the current session: clears the transport
// subscription, deletes the persisted session, zeroes in-memory key
// material, and emits OnDisconnected. It always completes, even if
// individual steps error.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	cancel := c.cancel
	c.session = nil
	c.cancel = nil
	c.state = handshake.StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if sess != nil {
		_ = c.Transport.Clear(ctx, sess.Channel)
		_ = c.Store.Delete(ctx, sess.ID)
		sess.Zero()
		metrics.SessionsActive.Dec()
		metrics.SessionsClosed.Inc()
		c.Log.Info("session disconnected", logger.String("session_id", sess.ID))
	}

	_ = c.Transport.Disconnect(ctx)
	return c.Events.OnDisconnected(ctx)
}

// routeLoop consumes Transport.Messages() for the lifetime of the session,
// decrypting and dispatching every accepted envelope. It is the sole
// consumer of that channel once the handshake completes.
func (c *Client) routeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.Transport.Messages():
			if !ok {
				return
			}
			c.handleInbound(ctx, msg)
		}
	}
}

func (c *Client) handleInbound(ctx context.Context, msg reltransport.Message) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return
	}

	if sess.Expired(time.Now()) {
		_ = c.Events.OnError(ctx, relayerr.New(relayerr.SessionExpired, "session %s expired", sess.ID))
		_ = c.Disconnect(ctx)
		metrics.SessionsExpired.Inc()
		return
	}

	start := time.Now()
	plaintext, err := c.KeyManager.Decrypt(msg.Data, sess.KeyPair.PrivateKey)
	metrics.CryptoOperationDuration.WithLabelValues("decrypt", "secp256k1-ecies").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		c.Log.Warn("decrypt failed", logger.String("session_id", sess.ID), logger.Error(err))
		_ = c.Events.OnError(ctx, relayerr.Wrap(relayerr.DecryptionFailed, err, "decrypt session message"))
		metrics.MessagesProcessed.WithLabelValues("session", "dropped").Inc()
		return // left unconfirmed
	}
	metrics.CryptoOperations.WithLabelValues("decrypt", "secp256k1-ecies").Inc()
	metrics.SessionMessageSize.WithLabelValues("inbound").Observe(float64(len(plaintext)))

	var env messageEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		_ = c.Events.OnError(ctx, relayerr.Wrap(relayerr.TransportParseFailed, err, "parse session message"))
		_ = msg.ConfirmNonce(ctx)
		metrics.MessagesProcessed.WithLabelValues("session", "dropped").Inc()
		return
	}

	if env.Type != msgTypeApplication {
		// A duplicate handshake-ack replayed from history, or any other
		// protocol message, is a no-op once CONNECTED.
		_ = msg.ConfirmNonce(ctx)
		metrics.MessagesProcessed.WithLabelValues("session", "duplicate").Inc()
		return
	}

	if err := c.Events.OnMessage(ctx, env.Payload); err != nil {
		_ = c.Events.OnError(ctx, err)
		return
	}
	_ = msg.ConfirmNonce(ctx)
	metrics.MessagesProcessed.WithLabelValues("session", "delivered").Inc()
}
