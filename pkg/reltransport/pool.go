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

	"golang.org/x/sync/singleflight"

	"github.com/sage-x-project/relay/pkg/broker"
	"github.com/sage-x-project/relay/pkg/relayerr"
)

// BrokerPool shares one physical broker connection per URL across multiple
// Transport instances, reference-counting the connection. The pool is owned
// by whatever constructs client instances.
type BrokerPool struct {
	factory func(url string) broker.Broker

	mu         sync.Mutex
	entries    map[string]*poolEntry
	reconnects singleflight.Group
}

type poolEntry struct {
	broker   broker.Broker
	refCount int
}

// NewBrokerPool creates a pool that lazily builds one broker.Broker per URL
// via factory on first Acquire.
func NewBrokerPool(factory func(url string) broker.Broker) *BrokerPool {
	return &BrokerPool{
		factory: factory,
		entries: make(map[string]*poolEntry),
	}
}

// Acquire returns the shared broker for url, connecting it on first use,
// and increments its reference count. Callers must call the returned
// release func exactly once.
func (p *BrokerPool) Acquire(ctx context.Context, url string) (broker.Broker, func(context.Context) error, error) {
	p.mu.Lock()
	entry, ok := p.entries[url]
	if !ok {
		entry = &poolEntry{broker: p.factory(url)}
		p.entries[url] = entry
	}
	firstRef := entry.refCount == 0
	entry.refCount++
	p.mu.Unlock()

	if firstRef {
		if err := entry.broker.Connect(ctx); err != nil {
			p.mu.Lock()
			entry.refCount--
			if entry.refCount == 0 {
				delete(p.entries, url)
			}
			p.mu.Unlock()
			return nil, nil, relayerr.Wrap(relayerr.TransportDisconnected, err, "acquire broker for %s", url)
		}
	}

	release := func(releaseCtx context.Context) error {
		return p.release(releaseCtx, url)
	}
	return entry.broker, release, nil
}

func (p *BrokerPool) release(ctx context.Context, url string) error {
	p.mu.Lock()
	entry, ok := p.entries[url]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	entry.refCount--
	last := entry.refCount <= 0
	if last {
		delete(p.entries, url)
	}
	p.mu.Unlock()

	if last {
		if err := entry.broker.Disconnect(ctx); err != nil {
			return relayerr.Wrap(relayerr.TransportDisconnected, err, "release broker for %s", url)
		}
	}
	return nil
}

// Reconnect disconnects and reconnects the shared broker for url exactly
// once per cycle. Concurrent callers share the in-flight call and its
// result; a call after the previous cycle completes starts a fresh one.
func (p *BrokerPool) Reconnect(ctx context.Context, url string) error {
	p.mu.Lock()
	entry, ok := p.entries[url]
	p.mu.Unlock()
	if !ok {
		return relayerr.New(relayerr.TransportReconnectFailed, "no pooled broker for %s", url)
	}

	_, err, _ := p.reconnects.Do(url, func() (interface{}, error) {
		if err := entry.broker.Disconnect(ctx); err != nil {
			return nil, relayerr.Wrap(relayerr.TransportReconnectFailed, err, "reconnect %s", url)
		}
		if err := entry.broker.Connect(ctx); err != nil {
			return nil, relayerr.Wrap(relayerr.TransportReconnectFailed, err, "reconnect %s", url)
		}
		return nil, nil
	})
	return err
}

// RefCount reports the current reference count for url, for tests and
// diagnostics.
func (p *BrokerPool) RefCount(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[url]; ok {
		return entry.refCount
	}
	return 0
}
