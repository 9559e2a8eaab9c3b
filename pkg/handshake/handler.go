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

	"github.com/sage-x-project/relay/pkg/sessionstore"
)

// Kind tags a ConnectionHandler's concrete variant.
type Kind string

const (
	KindInitiatorTrusted   Kind = "initiator_trusted"
	KindInitiatorUntrusted Kind = "initiator_untrusted"
	KindResponderTrusted   Kind = "responder_trusted"
	KindResponderUntrusted Kind = "responder_untrusted"
)

// Handler is the common shape of all four concrete handshake variants:
// Execute drives the handler's side of the protocol to completion,
// returning the finalized session or an error from the closed taxonomy.
type Handler interface {
	Kind() Kind
	Execute(ctx context.Context, hctx *Context) (*sessionstore.Session, error)
}
