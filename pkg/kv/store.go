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

// Package kv defines the async opaque key-value store the relay core
// relies on for client identity, nonce bookkeeping, dedup state and session
// persistence. Keys are opaque strings and there is no list primitive.
//
// Calls against distinct keys are independent; calls against the same key
// are linearizable.
package kv

import "context"

// Store is the capability the host supplies to the core.
type Store interface {
	// Get returns the value for key, or ("", false, nil) if the key does
	// not exist.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key, overwriting any existing value.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
