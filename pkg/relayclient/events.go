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

package relayclient

import (
	"context"
	"encoding/json"

	"github.com/sage-x-project/relay/pkg/handshake"
)

// Events extends the handshake package's host callbacks with the one event
// that only exists once a session is established: an application payload
// decrypted off the session channel.
type Events interface {
	handshake.Events
	// OnMessage fires once per accepted application payload, in nonce
	// order, after successful decryption. The payload's nonce is confirmed
	// only once OnMessage returns nil.
	OnMessage(ctx context.Context, payload json.RawMessage) error
}

// NoopEvents is a default Events implementation hosts can embed and
// selectively override.
type NoopEvents struct {
	handshake.NoopEvents
}

// OnMessage implements Events.
func (NoopEvents) OnMessage(context.Context, json.RawMessage) error { return nil }
