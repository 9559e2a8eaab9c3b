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

// Package broker defines the untrusted channel pub/sub adapter the relay
// transport layer rides on top of. The broker is trusted for ordered
// delivery, bounded per-channel history, and at-least-once relay, never
// for confidentiality or integrity of payloads.
//
// Example usage:
//
//	b := broker.NewMemoryBroker(broker.NewHub(50), "client-a")
//	if err := b.Connect(ctx); err != nil { ... }
//	if err := b.Subscribe(ctx, "session:abc"); err != nil { ... }
//	for ev := range b.Subscriptions() {
//	    if !ev.Recovered {
//	        history, _ := b.History(ctx, ev.Channel, 50)
//	        // feed history through the dedup path
//	    }
//	}
package broker

import "context"

// EventKind enumerates the connection-lifecycle events a Broker emits.
type EventKind string

const (
	EventConnecting   EventKind = "connecting"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
)

// Event is a connection-lifecycle notification.
type Event struct {
	Kind EventKind
	Err  error // set when Kind == EventError
}

// Publication is a single delivered message on a subscribed channel.
type Publication struct {
	Channel string
	Data    string
}

// SubscribedEvent confirms a subscribe request completed.
//
// Recovered = true means the adapter itself replayed everything since the
// last-known position with no gap. Recovered = false means the caller MUST
// fetch History explicitly to catch up.
type SubscribedEvent struct {
	Channel   string
	Recovered bool
}

// Broker is the contract the relay core consumes. Implementations may be
// in-process (MemoryBroker, for tests and local development) or network
// clients (WebSocketBroker).
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Subscribe is idempotent: subscribing to an already-subscribed
	// channel is a no-op that does not re-emit SubscribedEvent.
	Subscribe(ctx context.Context, channel string) error

	// Publish returns once the broker has accepted the publication, or
	// fails with a broker error.
	Publish(ctx context.Context, channel, payload string) error

	// History returns up to limit most recent publications, oldest-first.
	History(ctx context.Context, channel string, limit int) ([]string, error)

	// Clear unsubscribes locally and drops any per-channel client state.
	Clear(ctx context.Context, channel string) error

	// Events delivers connecting/connected/disconnected/error notifications.
	Events() <-chan Event
	// Publications delivers inbound messages for every subscribed channel.
	Publications() <-chan Publication
	// Subscriptions delivers one SubscribedEvent per successful Subscribe.
	Subscriptions() <-chan SubscribedEvent
}
