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

// Package sessionstore persists handshake-completed sessions, enforces TTL
// expiry on every read, and garbage-collects expired entries on startup.
package sessionstore

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/sage-x-project/relay/pkg/cryptokeys"
	"github.com/sage-x-project/relay/pkg/relayerr"
)

// Session is a completed handshake's persisted state: the final session
// channel, this peer's keypair, the peer's public key, and expiry.
type Session struct {
	ID             string
	Channel        string
	KeyPair        cryptokeys.KeyPair
	TheirPublicKey []byte
	ExpiresAt      time.Time
}

// Expired reports whether the session has expired as of now. A session
// with ExpiresAt exactly equal to now is treated as expired.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Zero wipes the session's key material in place.
func (s *Session) Zero() {
	s.KeyPair.Zero()
}

// sessionRecord is the on-the-wire persisted shape: keys base64-encoded,
// expiry as wall-clock milliseconds.
type sessionRecord struct {
	ID             string `json:"id"`
	Channel        string `json:"channel"`
	PublicKey      string `json:"publicKey"`
	PrivateKey     string `json:"privateKey"`
	TheirPublicKey string `json:"theirPublicKey"`
	ExpiresAt      int64  `json:"expiresAt"`
}

func toRecord(s *Session) sessionRecord {
	return sessionRecord{
		ID:             s.ID,
		Channel:        s.Channel,
		PublicKey:      base64.StdEncoding.EncodeToString(s.KeyPair.PublicKey),
		PrivateKey:     base64.StdEncoding.EncodeToString(s.KeyPair.PrivateKey),
		TheirPublicKey: base64.StdEncoding.EncodeToString(s.TheirPublicKey),
		ExpiresAt:      s.ExpiresAt.UnixMilli(),
	}
}

func fromRecord(r sessionRecord) (*Session, error) {
	pub, err := base64.StdEncoding.DecodeString(r.PublicKey)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.SessionSaveFailed, err, "decode session public key")
	}
	priv, err := base64.StdEncoding.DecodeString(r.PrivateKey)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.SessionSaveFailed, err, "decode session private key")
	}
	theirs, err := base64.StdEncoding.DecodeString(r.TheirPublicKey)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.SessionSaveFailed, err, "decode peer public key")
	}
	return &Session{
		ID:             r.ID,
		Channel:        r.Channel,
		KeyPair:        cryptokeys.KeyPair{PublicKey: pub, PrivateKey: priv},
		TheirPublicKey: theirs,
		ExpiresAt:      time.UnixMilli(r.ExpiresAt),
	}, nil
}

func marshalSession(s *Session) (string, error) {
	b, err := json.Marshal(toRecord(s))
	if err != nil {
		return "", relayerr.Wrap(relayerr.SessionSaveFailed, err, "marshal session %s", s.ID)
	}
	return string(b), nil
}

func unmarshalSession(raw string) (*Session, error) {
	var r sessionRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, relayerr.Wrap(relayerr.SessionSaveFailed, err, "unmarshal session record")
	}
	return fromRecord(r)
}
