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

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sage-x-project/relay/pkg/relayerr"
)

// wireFrame is the WebSocket wire format for every broker operation and
// notification, multiplexed over a single connection by op.
type wireFrame struct {
	Op        string   `json:"op"`
	ReqID     string   `json:"reqId,omitempty"`
	Channel   string   `json:"channel,omitempty"`
	Payload   string   `json:"payload,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	History   []string `json:"history,omitempty"`
	Recovered bool     `json:"recovered,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// WebSocketBroker implements Broker over a single persistent WebSocket
// connection, multiplexing pub/sub frames by op:
// {"op":"subscribe"|"publish"|"history",...}. Unsolicited "publication" and
// "subscribed" frames are fanned out from the read loop.
type WebSocketBroker struct {
	url string

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	pendingHistory map[string]chan wireFrame
	pendingMu      sync.RWMutex

	events   chan Event
	pubs     chan Publication
	subEvent chan SubscribedEvent

	done chan struct{}
}

// NewWebSocketBroker creates a WebSocket-backed broker client targeting
// url (e.g. "wss://relay.example.com/ws").
func NewWebSocketBroker(url string) *WebSocketBroker {
	return &WebSocketBroker{
		url:            url,
		dialTimeout:    30 * time.Second,
		readTimeout:    60 * time.Second,
		writeTimeout:   30 * time.Second,
		pendingHistory: make(map[string]chan wireFrame),
		events:         make(chan Event, 16),
		pubs:           make(chan Publication, 256),
		subEvent:       make(chan SubscribedEvent, 16),
	}
}

// Connect implements Broker.
func (b *WebSocketBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return nil
	}

	b.emit(Event{Kind: EventConnecting})

	dialer := &websocket.Dialer{HandshakeTimeout: b.dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		detail := "dial failed"
		if resp != nil {
			detail = fmt.Sprintf("dial failed (HTTP %d)", resp.StatusCode)
		}
		wrapped := relayerr.Wrap(relayerr.TransportDisconnected, err, detail)
		b.emit(Event{Kind: EventError, Err: wrapped})
		return wrapped
	}

	b.conn = conn
	b.connected = true
	b.done = make(chan struct{})
	go b.readLoop(b.done)

	b.emit(Event{Kind: EventConnected})
	return nil
}

// Disconnect implements Broker.
func (b *WebSocketBroker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil
	}

	_ = b.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := b.conn.Close()
	b.conn = nil
	b.connected = false
	close(b.done)

	b.emit(Event{Kind: EventDisconnected})
	if err != nil {
		return relayerr.Wrap(relayerr.TransportDisconnected, err, "close connection")
	}
	return nil
}

// Subscribe implements Broker.
func (b *WebSocketBroker) Subscribe(_ context.Context, channel string) error {
	if err := b.writeFrame(wireFrame{Op: "subscribe", Channel: channel}); err != nil {
		return relayerr.Wrap(relayerr.TransportSubscribeFailed, err, "subscribe %s", channel)
	}
	return nil
}

// Publish implements Broker.
func (b *WebSocketBroker) Publish(_ context.Context, channel, payload string) error {
	if !b.isConnected() {
		return relayerr.New(relayerr.TransportDisconnected, "publish on %s while disconnected", channel)
	}
	if err := b.writeFrame(wireFrame{Op: "publish", Channel: channel, Payload: payload}); err != nil {
		return relayerr.Wrap(relayerr.TransportPublishFailed, err, "publish to %s", channel)
	}
	return nil
}

// History implements Broker, round-tripping a history request over the
// same connection and correlating the reply by ReqID.
func (b *WebSocketBroker) History(ctx context.Context, channel string, limit int) ([]string, error) {
	reqID := uuid.NewString()
	respCh := make(chan wireFrame, 1)

	b.pendingMu.Lock()
	b.pendingHistory[reqID] = respCh
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pendingHistory, reqID)
		b.pendingMu.Unlock()
	}()

	if err := b.writeFrame(wireFrame{Op: "history", ReqID: reqID, Channel: channel, Limit: limit}); err != nil {
		return nil, relayerr.Wrap(relayerr.TransportHistoryFailed, err, "request history for %s", channel)
	}

	select {
	case <-ctx.Done():
		return nil, relayerr.Wrap(relayerr.TransportHistoryFailed, ctx.Err(), "history request for %s", channel)
	case frame := <-respCh:
		if frame.Error != "" {
			return nil, relayerr.New(relayerr.TransportHistoryFailed, "%s", frame.Error)
		}
		return frame.History, nil
	case <-time.After(b.readTimeout):
		return nil, relayerr.New(relayerr.TransportHistoryFailed, "history request for %s timed out", channel)
	}
}

// Clear implements Broker.
func (b *WebSocketBroker) Clear(_ context.Context, channel string) error {
	return b.writeFrame(wireFrame{Op: "clear", Channel: channel})
}

// Events implements Broker.
func (b *WebSocketBroker) Events() <-chan Event { return b.events }

// Publications implements Broker.
func (b *WebSocketBroker) Publications() <-chan Publication { return b.pubs }

// Subscriptions implements Broker.
func (b *WebSocketBroker) Subscriptions() <-chan SubscribedEvent { return b.subEvent }

func (b *WebSocketBroker) writeFrame(frame wireFrame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return fmt.Errorf("not connected")
	}
	if err := b.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout)); err != nil {
		return err
	}
	if err := b.conn.WriteJSON(frame); err != nil {
		b.connected = false
		return err
	}
	return nil
}

func (b *WebSocketBroker) isConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// readLoop continuously reads frames, dispatching publication/subscribed
// notifications and resolving any pending history request.
func (b *WebSocketBroker) readLoop(done chan struct{}) {
	for {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(b.readTimeout)); err != nil {
			return
		}

		var frame wireFrame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-done:
				return
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wrapped := relayerr.Wrap(relayerr.TransportDisconnected, err, "read loop")
				b.emit(Event{Kind: EventError, Err: wrapped})
			}
			b.mu.Lock()
			b.connected = false
			b.mu.Unlock()
			b.emit(Event{Kind: EventDisconnected})
			return
		}

		switch frame.Op {
		case "publication":
			select {
			case b.pubs <- Publication{Channel: frame.Channel, Data: frame.Payload}:
			default:
			}
		case "subscribed":
			select {
			case b.subEvent <- SubscribedEvent{Channel: frame.Channel, Recovered: frame.Recovered}:
			default:
			}
		case "history":
			b.pendingMu.RLock()
			ch, ok := b.pendingHistory[frame.ReqID]
			b.pendingMu.RUnlock()
			if ok {
				select {
				case ch <- frame:
				default:
				}
			}
		}
	}
}

func (b *WebSocketBroker) emit(ev Event) {
	select {
	case b.events <- ev:
	default:
	}
}
