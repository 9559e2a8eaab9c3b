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

package handshake

import (
	"context"
	"time"

	"github.com/sage-x-project/relay/pkg/cryptokeys"
	"github.com/sage-x-project/relay/pkg/relayerr"
	"github.com/sage-x-project/relay/pkg/reltransport"
	"github.com/sage-x-project/relay/pkg/sessionstore"
)

// Context is the capability handle a handshake Handler executes against:
// the transport, the session store, the key manager and the host's event
// sink.
type Context struct {
	Transport  *reltransport.Transport
	Store      *sessionstore.Store
	KeyManager cryptokeys.KeyManager
	Events     Events
}

// waitForMessage blocks until a message arrives on channel or deadline
// passes. Messages for other channels are skipped and left unconfirmed.
func (c *Context) waitForMessage(ctx context.Context, channel string, deadline time.Time) (*reltransport.Message, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-c.Transport.Messages():
			if !ok {
				return nil, relayerr.New(relayerr.TransportDisconnected, "transport closed while waiting on %s", channel)
			}
			if msg.Channel != channel {
				continue
			}
			return &msg, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, relayerr.New(relayerr.RequestExpired, "timed out waiting for a message on %s", channel)
		}
	}
}
