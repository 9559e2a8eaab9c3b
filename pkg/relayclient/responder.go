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
	"time"

	"github.com/sage-x-project/relay/internal/logger"
	"github.com/sage-x-project/relay/pkg/cryptokeys"
	"github.com/sage-x-project/relay/pkg/handshake"
	"github.com/sage-x-project/relay/pkg/relayerr"
	"github.com/sage-x-project/relay/pkg/reltransport"
	"github.com/sage-x-project/relay/pkg/sessionstore"
)

// applicationPayload mirrors the unexported shape of the same name in
// pkg/handshake: the inner body of a SessionRequest.InitialMessage.
type applicationPayload struct {
	Payload json.RawMessage `json:"payload"`
}

// Responder is the wallet-side peer client: it receives a SessionRequest
// delivered out of band (QR scan, deep link), offers its public key (and,
// in untrusted mode, an OTP), and finalizes onto the session channel.
type Responder struct {
	*Client
}

// NewResponder constructs a Responder.
func NewResponder(transport *reltransport.Transport, store *sessionstore.Store, km cryptokeys.KeyManager, events Events, log logger.Logger) *Responder {
	return &Responder{Client: New(transport, store, km, events, log)}
}

// Connect runs the responder's handshake handler against req, failing
// RequestExpired immediately (before any broker I/O) if req is already
// stale. On success, if req carried an InitialMessage, it is synthesized
// as the first inbound application message to Events.OnMessage.
func (r *Responder) Connect(ctx context.Context, req handshake.SessionRequest) (*sessionstore.Session, error) {
	if req.Expired(time.Now()) {
		return nil, relayerr.New(relayerr.RequestExpired, "session request %s already expired", req.ID)
	}

	handler := handshake.NewResponderHandler(req)
	sess, err := r.runHandshake(ctx, "responder", handler)
	if err != nil {
		return nil, err
	}

	if len(req.InitialMessage) > 0 {
		var payload applicationPayload
		if perr := json.Unmarshal(req.InitialMessage, &payload); perr != nil {
			_ = r.Events.OnError(ctx, relayerr.Wrap(relayerr.TransportParseFailed, perr, "parse initial message"))
		} else if perr := r.Events.OnMessage(ctx, payload.Payload); perr != nil {
			_ = r.Events.OnError(ctx, perr)
		}
	}

	return sess, nil
}

// SendResponse sends payload as an application message on the session
// channel. It is the responder-side name for Client.sendMessage.
func (r *Responder) SendResponse(ctx context.Context, payload json.RawMessage) (bool, error) {
	return r.sendMessage(ctx, payload)
}
