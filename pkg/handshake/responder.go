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

// ResponderHandler drives the responder's side of a handshake: receive a
// SessionRequest scanned or deep-linked in from the host, offer a public
// key (and, if untrusted, an OTP), and finalize onto the session channel.
type ResponderHandler struct {
	Mode    Mode
	Request SessionRequest
}

// NewResponderHandler constructs the responder handler for req, inferring
// its mode from req.Mode.
func NewResponderHandler(req SessionRequest) *ResponderHandler {
	mode := req.Mode
	if mode == "" {
		mode = ModeUntrusted
	}
	return &ResponderHandler{Mode: mode, Request: req}
}

// Kind implements Handler.
func (h *ResponderHandler) Kind() Kind {
	if h.Mode == ModeTrusted {
		return KindResponderTrusted
	}
	return KindResponderUntrusted
}

// Execute implements Handler.
func (h *ResponderHandler) Execute(ctx context.Context, hctx *Context) (result *sessionstore.Session, retErr error) {
	if h.Request.Expired(time.Now()) {
		return nil, relayerr.New(relayerr.RequestExpired, "session request %s already expired", h.Request.ID)
	}

	keyPair, err := hctx.KeyManager.GenerateKeyPair()
	if err != nil {
		return nil, relayerr.Wrap(relayerr.InvalidKey, err, "generate responder keypair")
	}

	channelID := uuid.NewString()
	sessionChannel := "session:" + channelID

	if err := hctx.Transport.Connect(ctx); err != nil {
		return nil, err
	}
	if err := hctx.Transport.Subscribe(ctx, h.Request.Channel); err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			_ = hctx.Transport.Clear(ctx, h.Request.Channel)
		}
	}()

	offer := offerPayload{
		ChannelID:    channelID,
		PublicKeyB64: base64.StdEncoding.EncodeToString(keyPair.PublicKey),
	}

	var otpDeadline time.Time
	if h.Mode == ModeUntrusted {
		otp, err := generateOTP()
		if err != nil {
			return nil, relayerr.Wrap(relayerr.Unknown, err, "generate otp")
		}
		otpDeadline = time.Now().Add(OTPTTL)
		offer.OTP = otp
		offer.Deadline = otpDeadline.UnixMilli()

		if err := hctx.Events.OnDisplayOTP(ctx, otp, otpDeadline); err != nil {
			return nil, err
		}
	}

	offerPayloadRaw, err := json.Marshal(offer)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.TransportParseFailed, err, "marshal handshake offer")
	}
	offerRaw, err := json.Marshal(protocolMessage{Type: msgTypeHandshakeOffer, Payload: offerPayloadRaw})
	if err != nil {
		return nil, relayerr.Wrap(relayerr.TransportParseFailed, err, "marshal handshake offer envelope")
	}
	if _, err := hctx.Transport.Publish(ctx, h.Request.Channel, string(offerRaw)); err != nil {
		return nil, err
	}

	if err := hctx.Transport.Subscribe(ctx, sessionChannel); err != nil {
		return nil, err
	}

	sess := &sessionstore.Session{
		ID:             h.Request.ID,
		Channel:        sessionChannel,
		KeyPair:        *keyPair,
		TheirPublicKey: nil, // filled in once the initiator's public key is confirmed below
		ExpiresAt:      time.Now().Add(SessionTTL),
	}

	theirPub, err := base64.StdEncoding.DecodeString(h.Request.PublicKeyB64)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.InvalidKey, err, "decode initiator public key")
	}
	if err := hctx.KeyManager.ValidatePeerKey(theirPub); err != nil {
		return nil, relayerr.Wrap(relayerr.InvalidKey, err, "validate initiator public key")
	}
	sess.TheirPublicKey = theirPub

	if h.Mode == ModeTrusted {
		// Optimistic finalize: commit before any ack is observed.
		if err := hctx.Store.Create(ctx, sess); err != nil {
			return nil, err
		}
		if err := hctx.Transport.Clear(ctx, h.Request.Channel); err != nil {
			return nil, err
		}
		if err := hctx.Events.OnConnected(ctx, sess); err != nil {
			return nil, err
		}
		return sess, nil
	}

	ackDeadline := otpDeadline.Add(HandshakeTimeout)
	if err := h.awaitAck(ctx, hctx, sessionChannel, ackDeadline, keyPair.PrivateKey); err != nil {
		return nil, err
	}

	if err := hctx.Store.Create(ctx, sess); err != nil {
		return nil, err
	}
	if err := hctx.Transport.Clear(ctx, h.Request.Channel); err != nil {
		return nil, err
	}
	if err := hctx.Events.OnConnected(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// awaitAck waits for the initiator's encrypted handshake-ack on the
// session channel.
func (h *ResponderHandler) awaitAck(ctx context.Context, hctx *Context, channel string, deadline time.Time, privateKey []byte) error {
	for {
		msg, err := hctx.waitForMessage(ctx, channel, deadline)
		if err != nil {
			return relayerr.New(relayerr.RequestExpired, "handshake-ack not received on %s", channel)
		}

		plaintext, err := hctx.KeyManager.Decrypt(msg.Data, privateKey)
		if err != nil {
			_ = hctx.Events.OnError(ctx, relayerr.Wrap(relayerr.DecryptionFailed, err, "decrypt session channel message"))
			continue // left unconfirmed
		}

		var pm protocolMessage
		if err := json.Unmarshal(plaintext, &pm); err != nil {
			_ = hctx.Events.OnError(ctx, relayerr.Wrap(relayerr.TransportParseFailed, err, "parse session channel message"))
			_ = msg.ConfirmNonce(ctx)
			continue
		}
		if pm.Type != msgTypeHandshakeAck {
			_ = msg.ConfirmNonce(ctx)
			continue
		}
		_ = msg.ConfirmNonce(ctx)
		return nil
	}
}
