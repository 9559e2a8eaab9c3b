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
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sage-x-project/relay/pkg/relayerr"
	"github.com/sage-x-project/relay/pkg/sessionstore"
)

// InitiatorHandler drives the initiator's side of a handshake: mint a
// SessionRequest, wait for the responder's handshake-offer, optionally
// verify an OTP, and finalize onto the session channel. Mode selects the
// trusted or untrusted variant.
type InitiatorHandler struct {
	Mode           Mode
	InitialPayload json.RawMessage
}

// NewInitiatorHandler constructs the initiator handler for mode, embedding
// initialPayload (if non-nil) into the emitted SessionRequest.
func NewInitiatorHandler(mode Mode, initialPayload json.RawMessage) *InitiatorHandler {
	if mode == "" {
		mode = ModeUntrusted
	}
	return &InitiatorHandler{Mode: mode, InitialPayload: initialPayload}
}

// Kind implements Handler.
func (h *InitiatorHandler) Kind() Kind {
	if h.Mode == ModeTrusted {
		return KindInitiatorTrusted
	}
	return KindInitiatorUntrusted
}

// Execute implements Handler.
func (h *InitiatorHandler) Execute(ctx context.Context, hctx *Context) (sess *sessionstore.Session, retErr error) {
	keyPair, err := hctx.KeyManager.GenerateKeyPair()
	if err != nil {
		return nil, relayerr.Wrap(relayerr.InvalidKey, err, "generate initiator keypair")
	}

	id := uuid.NewString()
	handshakeChannel := "handshake:" + uuid.NewString()
	expiresAt := time.Now().Add(SessionRequestTTL)

	var initialMessage json.RawMessage
	if h.InitialPayload != nil {
		wrapped, err := json.Marshal(applicationPayload{Payload: h.InitialPayload})
		if err != nil {
			return nil, relayerr.Wrap(relayerr.TransportParseFailed, err, "wrap initial message")
		}
		initialMessage = wrapped
	}

	req := SessionRequest{
		ID:             id,
		Mode:           h.Mode,
		Channel:        handshakeChannel,
		PublicKeyB64:   base64.StdEncoding.EncodeToString(keyPair.PublicKey),
		ExpiresAt:      expiresAt.UnixMilli(),
		InitialMessage: initialMessage,
	}
	if err := hctx.Events.OnSessionRequest(ctx, req); err != nil {
		return nil, err
	}

	if err := hctx.Transport.Connect(ctx); err != nil {
		return nil, err
	}
	if err := hctx.Transport.Subscribe(ctx, handshakeChannel); err != nil {
		return nil, err
	}
	defer func() {
		// An aborted handshake must not leave the handshake channel behind.
		if retErr != nil {
			_ = hctx.Transport.Clear(ctx, handshakeChannel)
		}
	}()

	waitDeadline := expiresAt
	if h.Mode == ModeTrusted {
		waitDeadline = expiresAt.Add(HandshakeTimeout)
	}

	offer, confirm, err := h.awaitOffer(ctx, hctx, handshakeChannel, waitDeadline)
	if err != nil {
		return nil, err
	}

	theirPub, err := base64.StdEncoding.DecodeString(offer.PublicKeyB64)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.InvalidKey, err, "decode responder public key")
	}
	if err := hctx.KeyManager.ValidatePeerKey(theirPub); err != nil {
		return nil, relayerr.Wrap(relayerr.InvalidKey, err, "validate responder public key")
	}

	if h.Mode == ModeUntrusted {
		if err := h.verifyOTP(ctx, hctx, offer); err != nil {
			return nil, err
		}
	}

	if confirm != nil {
		_ = confirm(ctx)
	}

	sessionChannel := "session:" + offer.ChannelID
	sess = &sessionstore.Session{
		ID:             id,
		Channel:        sessionChannel,
		KeyPair:        *keyPair,
		TheirPublicKey: theirPub,
		ExpiresAt:      time.Now().Add(SessionTTL),
	}
	if err := hctx.Store.Create(ctx, sess); err != nil {
		return nil, err
	}
	if err := hctx.Transport.Subscribe(ctx, sessionChannel); err != nil {
		return nil, err
	}

	if h.Mode == ModeUntrusted {
		ackRaw, err := json.Marshal(protocolMessage{Type: msgTypeHandshakeAck})
		if err != nil {
			return nil, relayerr.Wrap(relayerr.TransportParseFailed, err, "marshal handshake ack")
		}
		ackCiphertext, err := hctx.KeyManager.Encrypt(ackRaw, theirPub)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.DecryptionFailed, err, "encrypt handshake ack")
		}
		if _, err := hctx.Transport.Publish(ctx, sessionChannel, ackCiphertext); err != nil {
			return nil, err
		}
	}
	// Trusted mode sends no explicit ack; the first encrypted message on
	// the session channel is the implicit acknowledgement.

	if err := hctx.Transport.Clear(ctx, handshakeChannel); err != nil {
		return nil, err
	}

	if err := hctx.Events.OnConnected(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// awaitOffer waits for the responder's handshake-offer, skipping any stray
// traffic on the channel that isn't a recognized handshake-offer.
func (h *InitiatorHandler) awaitOffer(ctx context.Context, hctx *Context, channel string, deadline time.Time) (offerPayload, func(context.Context) error, error) {
	for {
		msg, err := hctx.waitForMessage(ctx, channel, deadline)
		if err != nil {
			return offerPayload{}, nil, err
		}

		var pm protocolMessage
		if err := json.Unmarshal([]byte(msg.Data), &pm); err != nil {
			_ = hctx.Events.OnError(ctx, relayerr.Wrap(relayerr.TransportParseFailed, err, "parse handshake channel message"))
			_ = msg.ConfirmNonce(ctx)
			continue
		}
		if pm.Type != msgTypeHandshakeOffer {
			_ = msg.ConfirmNonce(ctx)
			continue
		}

		var offer offerPayload
		if err := json.Unmarshal(pm.Payload, &offer); err != nil {
			return offerPayload{}, nil, relayerr.Wrap(relayerr.InvalidKey, err, "parse handshake offer")
		}
		return offer, msg.ConfirmNonce, nil
	}
}

// verifyOTP hands the host an OTP challenge and awaits its resolution.
func (h *InitiatorHandler) verifyOTP(ctx context.Context, hctx *Context, offer offerPayload) error {
	if offer.OTP == "" {
		return relayerr.New(relayerr.TransportParseFailed, "handshake offer missing otp details")
	}
	deadline := offer.deadlineTime()
	if !deadline.After(time.Now()) {
		return relayerr.New(relayerr.OTPEntryTimeout, "otp deadline already passed")
	}

	challenge := newOTPChallenge(offer.OTP, deadline, OTPMaxAttempts)
	if err := hctx.Events.OnOTPRequired(ctx, challenge); err != nil {
		return err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case sub := <-challenge.Result():
		switch sub.Kind {
		case SubmissionCorrect:
			return nil
		default:
			return sub.Err
		}
	case <-timer.C:
		return relayerr.New(relayerr.OTPEntryTimeout, "otp entry window closed")
	case <-ctx.Done():
		return relayerr.New(relayerr.RequestExpired, "handshake cancelled")
	}
}
