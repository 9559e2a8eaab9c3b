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

// Package reltransport is the envelope, dedup, retry and recovery layer
// riding on top of a pkg/broker.Broker. It wraps messages into envelopes,
// guarantees per-(channel, clientId) exactly-once delivery into the
// application, retries transient publish failures, and replays missed
// history on fresh subscription.
package reltransport

import (
	"encoding/json"

	"github.com/sage-x-project/relay/pkg/relayerr"
)

// Envelope is the wire-level wrapper around every message this layer
// exchanges over the broker.
type Envelope struct {
	ClientID string `json:"clientId"`
	Nonce    uint64 `json:"nonce"`
	Payload  string `json:"payload"`
}

// MarshalEnvelope serializes e to the exact wire JSON shape.
func MarshalEnvelope(e Envelope) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", relayerr.Wrap(relayerr.TransportParseFailed, err, "marshal envelope")
	}
	return string(b), nil
}

// ParseEnvelope parses raw as an Envelope. Any shape mismatch is reported
// as relayerr.TransportParseFailed.
func ParseEnvelope(raw string) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Envelope{}, relayerr.Wrap(relayerr.TransportParseFailed, err, "parse envelope")
	}
	if e.ClientID == "" {
		return Envelope{}, relayerr.New(relayerr.TransportParseFailed, "envelope missing clientId")
	}
	return e, nil
}
