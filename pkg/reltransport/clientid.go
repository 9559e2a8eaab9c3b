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
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/sage-x-project/relay/pkg/kv"
	"github.com/sage-x-project/relay/pkg/relayerr"
)

const clientIDKey = "websocket-transport-client-id"

// maxNonce bounds nonce assignment at the IEEE-754-safe integer ceiling.
// Anything beyond it is an overflow fault, not a silent wrap.
const maxNonce uint64 = 1<<53 - 1

// loadOrCreateClientID returns the stable per-installation UUID persisted in
// store, minting and persisting a fresh one on first use.
func loadOrCreateClientID(ctx context.Context, store kv.Store) (string, error) {
	existing, ok, err := store.Get(ctx, clientIDKey)
	if err != nil {
		return "", relayerr.Wrap(relayerr.TransportDisconnected, err, "load client id")
	}
	if ok && existing != "" {
		return existing, nil
	}

	id := uuid.NewString()
	if err := store.Set(ctx, clientIDKey, id); err != nil {
		return "", relayerr.Wrap(relayerr.TransportDisconnected, err, "persist client id")
	}
	return id, nil
}

// nonceKey is the persisted key holding the next nonce to assign.
func nonceKey(clientID string) string {
	return fmt.Sprintf("nonce:%s", clientID)
}

// nextNonce atomically reads, increments and persists the outbound nonce
// counter for clientID. Callers must serialize calls themselves; the
// Transport does so via its outbound mutex.
func nextNonce(ctx context.Context, store kv.Store, clientID string) (uint64, error) {
	key := nonceKey(clientID)
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return 0, relayerr.Wrap(relayerr.TransportDisconnected, err, "load nonce counter")
	}

	var current uint64
	if ok && raw != "" {
		current, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, relayerr.Wrap(relayerr.TransportParseFailed, err, "parse nonce counter")
		}
	}

	if current >= maxNonce {
		return 0, relayerr.New(relayerr.TransportPublishFailed, "nonce overflow for client %s", clientID)
	}

	next := current + 1
	if err := store.Set(ctx, key, strconv.FormatUint(next, 10)); err != nil {
		return 0, relayerr.Wrap(relayerr.TransportDisconnected, err, "persist nonce counter")
	}
	return next, nil
}
