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

// Package relayerr defines the closed error taxonomy shared by every layer
// of the relay session protocol: transport, handshake, session store and
// client. Callers branch on Kind, not on sentinel identity, since a single
// operation can wrap many different underlying causes under the same kind.
package relayerr

import (
	"errors"
	"fmt"
)

// Kind is a closed enumeration of the error categories a host can observe,
// either as a rejected future/error return or as an error(kind, message)
// event.
type Kind string

const (
	SessionExpired           Kind = "SESSION_EXPIRED"
	SessionNotFound          Kind = "SESSION_NOT_FOUND"
	SessionInvalidState      Kind = "SESSION_INVALID_STATE"
	SessionSaveFailed        Kind = "SESSION_SAVE_FAILED"
	TransportDisconnected    Kind = "TRANSPORT_DISCONNECTED"
	TransportPublishFailed   Kind = "TRANSPORT_PUBLISH_FAILED"
	TransportSubscribeFailed Kind = "TRANSPORT_SUBSCRIBE_FAILED"
	TransportHistoryFailed   Kind = "TRANSPORT_HISTORY_FAILED"
	TransportParseFailed     Kind = "TRANSPORT_PARSE_FAILED"
	TransportReconnectFailed Kind = "TRANSPORT_RECONNECT_FAILED"
	DecryptionFailed         Kind = "DECRYPTION_FAILED"
	InvalidKey               Kind = "INVALID_KEY"
	RequestExpired           Kind = "REQUEST_EXPIRED"
	OTPIncorrect             Kind = "OTP_INCORRECT"
	OTPMaxAttemptsReached    Kind = "OTP_MAX_ATTEMPTS_REACHED"
	OTPEntryTimeout          Kind = "OTP_ENTRY_TIMEOUT"
	Unknown                  Kind = "UNKNOWN"
)

// Error is the single error type used throughout the core. It carries the
// taxonomy Kind, an optional human-readable detail, and an optional wrapped
// cause so errors.Is/errors.As keep working across layers.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

// New creates an Error of the given kind with a formatted detail message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping cause, with an optional
// detail message describing the operation that failed.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Detail != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a relayerr.Error (or kind) of the same Kind.
// This lets callers write errors.Is(err, relayerr.New(relayerr.SessionExpired, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf extracts the Kind from err. It returns the empty Kind if err is nil
// and Unknown if err is not (and does not wrap) a *Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// HasKind reports whether err is (or wraps) a *Error with the given Kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
