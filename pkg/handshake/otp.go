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
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sage-x-project/relay/pkg/relayerr"
)

// SubmissionKind is the closed outcome of an OTP submission.
type SubmissionKind int

const (
	// SubmissionCorrect: the OTP matched: the handshake proceeds to finalize.
	SubmissionCorrect SubmissionKind = iota
	// SubmissionRetry: the OTP was wrong but attempts remain; the handshake
	// keeps waiting for another submission.
	SubmissionRetry
	// SubmissionExhausted: the OTP was wrong and no attempts remain; the
	// handshake aborts with OTPMaxAttemptsReached.
	SubmissionExhausted
	// SubmissionCancelled: the host abandoned OTP entry; the handshake
	// aborts with RequestExpired.
	SubmissionCancelled
)

// Submission is the result of one OTPChallenge.Submit call. Err is set on
// the failure kinds.
type Submission struct {
	Kind SubmissionKind
	Err  error
}

// OTPChallenge is the live, host-facing handle on an in-progress OTP check.
// It is safe for concurrent use; submissions are serialized.
type OTPChallenge struct {
	code        string
	deadline    time.Time
	maxAttempts int

	mu       sync.Mutex
	attempts int
	resolved bool
	final    Submission
	result   chan Submission
}

func newOTPChallenge(code string, deadline time.Time, maxAttempts int) *OTPChallenge {
	return &OTPChallenge{
		code:        code,
		deadline:    deadline,
		maxAttempts: maxAttempts,
		result:      make(chan Submission, 1),
	}
}

// Deadline is the wall-clock time after which the challenge is no longer
// honored.
func (c *OTPChallenge) Deadline() time.Time { return c.deadline }

// Result delivers exactly one Submission once the challenge resolves.
func (c *OTPChallenge) Result() <-chan Submission { return c.result }

// Submit compares otp against the generated code using string equality
// (leading zeros are significant and legal, e.g. "000123"). Once the
// challenge has resolved, further submissions return the same outcome.
func (c *OTPChallenge) Submit(otp string) Submission {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolved {
		return c.final
	}
	if otp == c.code {
		return c.resolve(Submission{Kind: SubmissionCorrect})
	}

	c.attempts++
	if c.attempts >= c.maxAttempts {
		return c.resolve(Submission{Kind: SubmissionExhausted, Err: relayerr.New(relayerr.OTPMaxAttemptsReached, "otp rejected %d times", c.attempts)})
	}
	return Submission{Kind: SubmissionRetry, Err: relayerr.New(relayerr.OTPIncorrect, "otp did not match")}
}

// Cancel abandons the challenge on behalf of the host; the in-progress
// handshake aborts with RequestExpired. Cancelling a resolved challenge is
// a no-op.
func (c *OTPChallenge) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return
	}
	c.resolve(Submission{Kind: SubmissionCancelled, Err: relayerr.New(relayerr.RequestExpired, "otp entry cancelled")})
}

func (c *OTPChallenge) resolve(out Submission) Submission {
	c.resolved = true
	c.final = out
	c.result <- out
	return out
}

// generateOTP produces a uniformly random 6-digit decimal code, zero-padded.
func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
