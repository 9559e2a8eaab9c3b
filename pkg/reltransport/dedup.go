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
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sage-x-project/relay/pkg/kv"
	"github.com/sage-x-project/relay/pkg/relayerr"
)

// latestNoncesKey is the persisted per-channel dedup map key.
func latestNoncesKey(selfClientID, channel string) string {
	return fmt.Sprintf("latestNonces:%s:%s", selfClientID, channel)
}

// dedupTable serializes access to each channel's persisted dedup map
// through a per-channel lock.
type dedupTable struct {
	store         kv.Store
	selfClientID  string
	channelLocks  map[string]*sync.Mutex
	channelLockMu sync.Mutex

	// pending tracks envelopes accepted but not yet confirmed. A restart
	// clears it, and unconfirmed messages are then redelivered by replay.
	pendingMu sync.Mutex
	pending   map[string]struct{}
}

func newDedupTable(store kv.Store, selfClientID string) *dedupTable {
	return &dedupTable{
		store:        store,
		selfClientID: selfClientID,
		channelLocks: make(map[string]*sync.Mutex),
		pending:      make(map[string]struct{}),
	}
}

func pendingKey(channel, senderID string, nonce uint64) string {
	return fmt.Sprintf("%s|%s|%d", channel, senderID, nonce)
}

func (d *dedupTable) lockFor(channel string) *sync.Mutex {
	d.channelLockMu.Lock()
	defer d.channelLockMu.Unlock()
	l, ok := d.channelLocks[channel]
	if !ok {
		l = &sync.Mutex{}
		d.channelLocks[channel] = l
	}
	return l
}

func (d *dedupTable) load(ctx context.Context, channel string) (map[string]uint64, error) {
	raw, ok, err := d.store.Get(ctx, latestNoncesKey(d.selfClientID, channel))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.TransportDisconnected, err, "load dedup state for %s", channel)
	}
	table := make(map[string]uint64)
	if !ok || raw == "" {
		return table, nil
	}
	if err := json.Unmarshal([]byte(raw), &table); err != nil {
		return nil, relayerr.Wrap(relayerr.TransportParseFailed, err, "parse dedup state for %s", channel)
	}
	return table, nil
}

func (d *dedupTable) save(ctx context.Context, channel string, table map[string]uint64) error {
	b, err := json.Marshal(table)
	if err != nil {
		return relayerr.Wrap(relayerr.TransportParseFailed, err, "marshal dedup state for %s", channel)
	}
	if err := d.store.Set(ctx, latestNoncesKey(d.selfClientID, channel), string(b)); err != nil {
		return relayerr.Wrap(relayerr.TransportDisconnected, err, "persist dedup state for %s", channel)
	}
	return nil
}

// tryAccept reports whether the envelope from senderID with the given
// nonce on channel is new. The persisted nonce only advances in confirm.
func (d *dedupTable) tryAccept(ctx context.Context, channel, senderID string, nonce uint64) (bool, error) {
	lock := d.lockFor(channel)
	lock.Lock()
	defer lock.Unlock()

	table, err := d.load(ctx, channel)
	if err != nil {
		return false, err
	}
	if nonce <= table[senderID] {
		return false, nil
	}

	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	key := pendingKey(channel, senderID, nonce)
	if _, inflight := d.pending[key]; inflight {
		return false, nil
	}
	d.pending[key] = struct{}{}
	return true, nil
}

// confirm advances the persisted lastNonce for (channel, senderID).
// Repeated confirms for the same or an earlier nonce are no-ops.
func (d *dedupTable) confirm(ctx context.Context, channel, senderID string, nonce uint64) error {
	lock := d.lockFor(channel)
	lock.Lock()
	defer lock.Unlock()

	table, err := d.load(ctx, channel)
	if err != nil {
		return err
	}
	d.pendingMu.Lock()
	delete(d.pending, pendingKey(channel, senderID, nonce))
	d.pendingMu.Unlock()

	if nonce <= table[senderID] {
		return nil
	}
	table[senderID] = nonce
	return d.save(ctx, channel, table)
}

// clear deletes all persisted and in-flight dedup state for channel.
func (d *dedupTable) clear(ctx context.Context, channel string) error {
	lock := d.lockFor(channel)
	lock.Lock()
	defer lock.Unlock()

	d.pendingMu.Lock()
	for key := range d.pending {
		if strings.HasPrefix(key, channel+"|") {
			delete(d.pending, key)
		}
	}
	d.pendingMu.Unlock()

	if err := d.store.Delete(ctx, latestNoncesKey(d.selfClientID, channel)); err != nil {
		return relayerr.Wrap(relayerr.TransportDisconnected, err, "clear dedup state for %s", channel)
	}
	return nil
}
