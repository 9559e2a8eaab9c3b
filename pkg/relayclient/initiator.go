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

	"github.com/sage-x-project/relay/internal/logger"
	"github.com/sage-x-project/relay/pkg/cryptokeys"
	"github.com/sage-x-project/relay/pkg/handshake"
	"github.com/sage-x-project/relay/pkg/reltransport"
	"github.com/sage-x-project/relay/pkg/sessionstore"
)

// InitiatorOptions configures an Initiator's Connect call.
type InitiatorOptions struct {
	// Mode selects trusted (no OTP) or untrusted (OTP-verified) handshake.
	// Defaults to untrusted.
	Mode handshake.Mode
	// InitialPayload, if non-nil, is wrapped and embedded into the emitted
	// SessionRequest.InitialMessage for the responder to deliver as the
	// first application message post-handshake.
	InitialPayload json.RawMessage
}

// Initiator is the dApp-side peer client: it mints a SessionRequest, waits
// for the responder's handshake-offer, and finalizes onto the session
// channel. It is a thin role wrapper over Client selecting which
// handshake.Handler to run.
type Initiator struct {
	*Client
}

// NewInitiator constructs an Initiator.
func NewInitiator(transport *reltransport.Transport, store *sessionstore.Store, km cryptokeys.KeyManager, events Events, log logger.Logger) *Initiator {
	return &Initiator{Client: New(transport, store, km, events, log)}
}

// Connect runs the initiator's handshake handler for opts.Mode, returning
// the finalized session once CONNECTED.
func (i *Initiator) Connect(ctx context.Context, opts InitiatorOptions) (*sessionstore.Session, error) {
	mode := opts.Mode
	if mode == "" {
		mode = handshake.ModeUntrusted
	}
	handler := handshake.NewInitiatorHandler(mode, opts.InitialPayload)
	return i.runHandshake(ctx, "initiator", handler)
}

// SendRequest sends payload as an application message on the session
// channel. It is the initiator-side name for Client.sendMessage.
func (i *Initiator) SendRequest(ctx context.Context, payload json.RawMessage) (bool, error) {
	return i.sendMessage(ctx, payload)
}
