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

// Package handshake executes the trusted and untrusted session-establishment
// state machines from either the initiator or responder side, migrating from
// a public handshake channel to a derived private session channel.
package handshake

import (
	"encoding/json"
	"time"
)

// Mode selects whether a handshake requires out-of-band OTP confirmation.
type Mode string

const (
	ModeTrusted   Mode = "trusted"
	ModeUntrusted Mode = "untrusted"
)

// State is a handler's connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Recommended timing constants. Hosts may override them per handshake.
const (
	SessionRequestTTL = 60 * time.Second
	HandshakeTimeout  = 30 * time.Second
	OTPTTL            = 60 * time.Second
	OTPMaxAttempts    = 3
	SessionTTL        = 24 * time.Hour
)

// SessionRequest is produced by the initiator and carried to the responder
// out of band (QR code, deep link). Channel is the handshake channel;
// ExpiresAt is wall-clock milliseconds.
type SessionRequest struct {
	ID             string          `json:"id"`
	Mode           Mode            `json:"mode"`
	Channel        string          `json:"channel"`
	PublicKeyB64   string          `json:"publicKeyB64"`
	ExpiresAt      int64           `json:"expiresAt"`
	InitialMessage json.RawMessage `json:"initialMessage,omitempty"`
}

// ExpiresAtTime converts ExpiresAt to a time.Time for comparisons.
func (r SessionRequest) ExpiresAtTime() time.Time {
	return time.UnixMilli(r.ExpiresAt)
}

// Expired reports whether the request is expired as of now. A request whose
// ExpiresAt is exactly now is treated as expired.
func (r SessionRequest) Expired(now time.Time) bool {
	return !r.ExpiresAtTime().After(now)
}

// protocolMessage is the envelope-unwrapped wire shape carried on handshake
// and session channels: {"type": "...", "payload": {...}}.
type protocolMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	msgTypeHandshakeOffer = "handshake-offer"
	msgTypeHandshakeAck   = "handshake-ack"
	msgTypeApplication    = "message"
)

// offerPayload is HandshakeOffer.payload. otp and deadline are present iff
// the handshake is untrusted.
type offerPayload struct {
	ChannelID    string `json:"channelId"`
	PublicKeyB64 string `json:"publicKeyB64"`
	OTP          string `json:"otp,omitempty"`
	Deadline     int64  `json:"deadline,omitempty"`
}

func (o offerPayload) deadlineTime() time.Time {
	if o.Deadline == 0 {
		return time.Time{}
	}
	return time.UnixMilli(o.Deadline)
}

// applicationPayload is the inner shape of a {"type":"message",...} protocol
// message exchanged on an established session channel.
type applicationPayload struct {
	Payload json.RawMessage `json:"payload"`
}
