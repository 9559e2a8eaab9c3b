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

	"github.com/sage-x-project/relay/pkg/sessionstore"
)

// Events defines the callbacks a host supplies to observe and drive a
// handshake.
type Events interface {
	// OnSessionRequest fires once the initiator has minted a SessionRequest,
	// so the host can render it (QR code, deep link) for the responder.
	OnSessionRequest(ctx context.Context, req SessionRequest) error
	// OnDisplayOTP fires on the responder side once an OTP has been
	// generated, so the host can show it to the user.
	OnDisplayOTP(ctx context.Context, otp string, deadline time.Time) error
	// OnOTPRequired fires on the initiator side once a handshake-offer with
	// OTP details has arrived. The host calls challenge.Submit up to
	// OTPMaxAttempts times.
	OnOTPRequired(ctx context.Context, challenge *OTPChallenge) error
	// OnConnected fires once a handshake finalizes into an active session.
	OnConnected(ctx context.Context, sess *sessionstore.Session) error
	// OnDisconnected fires once the handler tears down.
	OnDisconnected(ctx context.Context) error
	// OnError surfaces a non-fatal error observed during the handshake.
	OnError(ctx context.Context, err error) error
}

// NoopEvents is a default no-op Events implementation hosts can embed and
// selectively override.
type NoopEvents struct{}

func (NoopEvents) OnSessionRequest(context.Context, SessionRequest) error { return nil }
func (NoopEvents) OnDisplayOTP(context.Context, string, time.Time) error  { return nil }
func (NoopEvents) OnOTPRequired(context.Context, *OTPChallenge) error     { return nil }
func (NoopEvents) OnConnected(context.Context, *sessionstore.Session) error {
	return nil
}
func (NoopEvents) OnDisconnected(context.Context) error { return nil }
func (NoopEvents) OnError(context.Context, error) error { return nil }
