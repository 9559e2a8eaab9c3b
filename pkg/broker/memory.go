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
	"sync"

	"github.com/sage-x-project/relay/pkg/relayerr"
)

// Hub is an in-process stand-in for the broker service. Each channel keeps
// a bounded ring of retained history and a set of subscribed clients.
type Hub struct {
	mu          sync.Mutex
	historyCap  int
	channels    map[string]*channelState
	partitioned map[string]bool // clientID -> cut off from the Hub
}

type channelState struct {
	history   []string
	listeners map[string]chan Publication
}

// NewHub creates a Hub retaining up to historyCap publications per channel.
func NewHub(historyCap int) *Hub {
	return &Hub{
		historyCap:  historyCap,
		channels:    make(map[string]*channelState),
		partitioned: make(map[string]bool),
	}
}

func (h *Hub) channel(name string) *channelState {
	cs, ok := h.channels[name]
	if !ok {
		cs = &channelState{listeners: make(map[string]chan Publication)}
		h.channels[name] = cs
	}
	return cs
}

// Partition cuts clientID off from live delivery until Heal is called.
func (h *Hub) Partition(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partitioned[clientID] = true
}

// Heal restores delivery to clientID.
func (h *Hub) Heal(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.partitioned, clientID)
}

func (h *Hub) publish(channel, payload string) {
	h.mu.Lock()
	cs := h.channel(channel)
	cs.history = append(cs.history, payload)
	if len(cs.history) > h.historyCap {
		cs.history = cs.history[len(cs.history)-h.historyCap:]
	}
	listeners := make(map[string]chan Publication, len(cs.listeners))
	for id, ch := range cs.listeners {
		listeners[id] = ch
	}
	partitioned := h.partitioned
	h.mu.Unlock()

	for id, ch := range listeners {
		if partitioned[id] {
			continue
		}
		select {
		case ch <- Publication{Channel: channel, Data: payload}:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
}

func (h *Hub) history(channel string, limit int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	cs, ok := h.channels[channel]
	if !ok {
		return nil
	}
	if limit <= 0 || limit > len(cs.history) {
		limit = len(cs.history)
	}
	start := len(cs.history) - limit
	out := make([]string, limit)
	copy(out, cs.history[start:])
	return out
}

func (h *Hub) subscribe(clientID, channel string) chan Publication {
	h.mu.Lock()
	defer h.mu.Unlock()
	cs := h.channel(channel)
	if ch, ok := cs.listeners[clientID]; ok {
		return ch
	}
	ch := make(chan Publication, 64)
	cs.listeners[clientID] = ch
	return ch
}

func (h *Hub) unsubscribe(clientID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cs, ok := h.channels[channel]; ok {
		delete(cs.listeners, clientID)
	}
}

// MemoryBroker is an in-process Broker backed by a shared Hub. Subscribe
// never replays history itself; SubscribedEvent.Recovered is always false
// and callers fetch History explicitly.
type MemoryBroker struct {
	hub      *Hub
	clientID string

	mu          sync.Mutex
	connected   bool
	subscribed  map[string]bool
	cancelPumps map[string]context.CancelFunc

	events   chan Event
	pubs     chan Publication
	subEvent chan SubscribedEvent
}

// NewMemoryBroker creates a broker client identified by clientID against
// the shared hub.
func NewMemoryBroker(hub *Hub, clientID string) *MemoryBroker {
	return &MemoryBroker{
		hub:         hub,
		clientID:    clientID,
		subscribed:  make(map[string]bool),
		cancelPumps: make(map[string]context.CancelFunc),
		events:      make(chan Event, 16),
		pubs:        make(chan Publication, 256),
		subEvent:    make(chan SubscribedEvent, 16),
	}
}

// Connect implements Broker. Idempotent.
func (b *MemoryBroker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.emit(Event{Kind: EventConnecting})
	b.connected = true
	b.emit(Event{Kind: EventConnected})
	return nil
}

// Disconnect implements Broker. Idempotent.
func (b *MemoryBroker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	for ch, cancel := range b.cancelPumps {
		cancel()
		delete(b.cancelPumps, ch)
	}
	for ch := range b.subscribed {
		b.hub.unsubscribe(b.clientID, ch)
		delete(b.subscribed, ch)
	}
	b.connected = false
	b.emit(Event{Kind: EventDisconnected})
	return nil
}

// Subscribe implements Broker. Idempotent per channel.
func (b *MemoryBroker) Subscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	if b.subscribed[channel] {
		b.mu.Unlock()
		return nil
	}
	b.subscribed[channel] = true
	ch := b.hub.subscribe(b.clientID, channel)
	pumpCtx, cancel := context.WithCancel(context.Background())
	b.cancelPumps[channel] = cancel
	b.mu.Unlock()

	go b.pump(pumpCtx, ch)

	b.emit(Event{Kind: EventConnected})
	select {
	case b.subEvent <- SubscribedEvent{Channel: channel, Recovered: false}:
	default:
	}
	return nil
}

func (b *MemoryBroker) pump(ctx context.Context, ch chan Publication) {
	for {
		select {
		case <-ctx.Done():
			return
		case pub := <-ch:
			select {
			case b.pubs <- pub:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(_ context.Context, channel, payload string) error {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return relayerr.New(relayerr.TransportDisconnected, "publish on %s while disconnected", channel)
	}
	b.hub.publish(channel, payload)
	return nil
}

// History implements Broker.
func (b *MemoryBroker) History(_ context.Context, channel string, limit int) ([]string, error) {
	return b.hub.history(channel, limit), nil
}

// Clear implements Broker.
func (b *MemoryBroker) Clear(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.cancelPumps[channel]; ok {
		cancel()
		delete(b.cancelPumps, channel)
	}
	delete(b.subscribed, channel)
	b.hub.unsubscribe(b.clientID, channel)
	return nil
}

// Events implements Broker.
func (b *MemoryBroker) Events() <-chan Event { return b.events }

// Publications implements Broker.
func (b *MemoryBroker) Publications() <-chan Publication { return b.pubs }

// Subscriptions implements Broker.
func (b *MemoryBroker) Subscriptions() <-chan SubscribedEvent { return b.subEvent }

func (b *MemoryBroker) emit(ev Event) {
	select {
	case b.events <- ev:
	default:
	}
}
