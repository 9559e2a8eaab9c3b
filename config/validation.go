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

package config

import (
	"fmt"
	"net/url"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
	Level   string // "error", "warning", "info"
}

// ValidateConfiguration validates the entire configuration
func ValidateConfiguration(cfg *Config) []ValidationError {
	var errors []ValidationError

	if cfg.Broker != nil {
		errors = append(errors, validateBrokerConfig(cfg.Broker)...)
	}
	if cfg.Transport != nil {
		errors = append(errors, validateTransportConfig(cfg.Transport)...)
	}
	if cfg.Session != nil {
		errors = append(errors, validateSessionConfig(cfg.Session)...)
	}

	errors = append(errors, validateEnvironment(cfg.Environment)...)

	return errors
}

// validateBrokerConfig validates broker connection configuration
func validateBrokerConfig(cfg *BrokerConfig) []ValidationError {
	var errors []ValidationError

	if cfg.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "Broker.URL",
			Message: "broker URL is required",
			Level:   "error",
		})
		return errors
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		errors = append(errors, ValidationError{
			Field:   "Broker.URL",
			Message: fmt.Sprintf("invalid broker URL: %v", err),
			Level:   "error",
		})
		return errors
	}

	switch u.Scheme {
	case "ws", "wss", "mem":
	default:
		errors = append(errors, ValidationError{
			Field:   "Broker.URL",
			Message: fmt.Sprintf("unsupported broker scheme %q (expected ws, wss or mem)", u.Scheme),
			Level:   "warning",
		})
	}

	if u.Scheme == "ws" && IsProduction() {
		errors = append(errors, ValidationError{
			Field:   "Broker.URL",
			Message: "unencrypted ws:// broker URL in production",
			Level:   "warning",
		})
	}

	return errors
}

// validateTransportConfig validates envelope delivery configuration
func validateTransportConfig(cfg *TransportConfig) []ValidationError {
	var errors []ValidationError

	if cfg.MaxRetry < 0 {
		errors = append(errors, ValidationError{
			Field:   "Transport.MaxRetry",
			Message: "max_retry must not be negative",
			Level:   "error",
		})
	}
	if cfg.BaseDelay < 0 {
		errors = append(errors, ValidationError{
			Field:   "Transport.BaseDelay",
			Message: "base_delay must not be negative",
			Level:   "error",
		})
	}
	if cfg.HistoryFetchLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Transport.HistoryFetchLimit",
			Message: "history_fetch_limit should be positive (recommended: 50)",
			Level:   "warning",
		})
	}

	return errors
}

// validateSessionConfig validates session and handshake timing configuration
func validateSessionConfig(cfg *SessionConfig) []ValidationError {
	var errors []ValidationError

	if cfg.DefaultTTL < 0 {
		errors = append(errors, ValidationError{
			Field:   "Session.DefaultTTL",
			Message: "default_ttl must not be negative",
			Level:   "error",
		})
	}
	if cfg.OTPMaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "Session.OTPMaxAttempts",
			Message: "otp_max_attempts must be at least 1",
			Level:   "error",
		})
	}
	if cfg.SessionRequestTTL < cfg.HandshakeTimeout {
		errors = append(errors, ValidationError{
			Field:   "Session.SessionRequestTTL",
			Message: "session_request_ttl shorter than handshake_timeout leaves little room to complete a handshake",
			Level:   "warning",
		})
	}

	return errors
}

// validateEnvironment validates the environment setting
func validateEnvironment(env string) []ValidationError {
	var errors []ValidationError

	switch env {
	case "", "development", "local", "staging", "production":
	default:
		errors = append(errors, ValidationError{
			Field:   "Environment",
			Message: fmt.Sprintf("unknown environment %q (expected development, local, staging or production)", env),
			Level:   "warning",
		})
	}

	return errors
}
