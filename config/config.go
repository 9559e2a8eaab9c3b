// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure for a relay client.
type Config struct {
	Environment string          `yaml:"environment" json:"environment"`
	Broker      *BrokerConfig   `yaml:"broker" json:"broker"`
	Transport   *TransportConfig `yaml:"transport" json:"transport"`
	Session     *SessionConfig  `yaml:"session" json:"session"`
	KeyStore    *KeyStoreConfig `yaml:"keystore" json:"keystore"`
	Logging     *LoggingConfig  `yaml:"logging" json:"logging"`
	Metrics     *MetricsConfig  `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig   `yaml:"health" json:"health"`
}

// BrokerConfig configures the connection to the pub/sub broker.
type BrokerConfig struct {
	URL            string        `yaml:"url" json:"url"`
	DialTimeout    time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
}

// TransportConfig configures envelope delivery, retry and history recovery.
type TransportConfig struct {
	MaxRetry          int           `yaml:"max_retry" json:"max_retry"`
	BaseDelay         time.Duration `yaml:"base_delay" json:"base_delay"`
	HistoryFetchLimit int           `yaml:"history_fetch_limit" json:"history_fetch_limit"`
}

// SessionConfig configures session lifetime and handshake timing.
type SessionConfig struct {
	DefaultTTL          time.Duration `yaml:"default_ttl" json:"default_ttl"`
	SessionRequestTTL    time.Duration `yaml:"session_request_ttl" json:"session_request_ttl"`
	OTPTTL              time.Duration `yaml:"otp_ttl" json:"otp_ttl"`
	OTPMaxAttempts      int           `yaml:"otp_max_attempts" json:"otp_max_attempts"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	GCInterval          time.Duration `yaml:"gc_interval" json:"gc_interval"`
}

// KeyStoreConfig represents key storage configuration
type KeyStoreConfig struct {
	Type          string `yaml:"type" json:"type"`
	Directory     string `yaml:"directory" json:"directory"`
	PassphraseEnv string `yaml:"passphrase_env" json:"passphrase_env"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig represents health check configuration
type HealthConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Port    int      `yaml:"port" json:"port"`
	Path    string   `yaml:"path" json:"path"`
	Checks  []string `yaml:"checks" json:"checks"`
}

// LoadFromFile loads configuration from a file, trying YAML then JSON.
func LoadFromFile(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)

	return cfg, nil
}

// SaveToFile saves configuration to a file, choosing format by extension.
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if len(path) > 5 && path[len(path)-5:] == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := ioutil.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setDefaults fills unset fields with the protocol defaults.
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Broker != nil {
		if cfg.Broker.DialTimeout == 0 {
			cfg.Broker.DialTimeout = 10 * time.Second
		}
		if cfg.Broker.ReadTimeout == 0 {
			cfg.Broker.ReadTimeout = 60 * time.Second
		}
		if cfg.Broker.WriteTimeout == 0 {
			cfg.Broker.WriteTimeout = 10 * time.Second
		}
		if cfg.Broker.ReconnectDelay == 0 {
			cfg.Broker.ReconnectDelay = 1 * time.Second
		}
	}

	if cfg.Transport != nil {
		if cfg.Transport.MaxRetry == 0 {
			cfg.Transport.MaxRetry = 5
		}
		if cfg.Transport.BaseDelay == 0 {
			cfg.Transport.BaseDelay = 100 * time.Millisecond
		}
		if cfg.Transport.HistoryFetchLimit == 0 {
			cfg.Transport.HistoryFetchLimit = 50
		}
	}

	if cfg.Session != nil {
		if cfg.Session.DefaultTTL == 0 {
			cfg.Session.DefaultTTL = 30 * 24 * time.Hour
		}
		if cfg.Session.SessionRequestTTL == 0 {
			cfg.Session.SessionRequestTTL = 60 * time.Second
		}
		if cfg.Session.OTPTTL == 0 {
			cfg.Session.OTPTTL = 60 * time.Second
		}
		if cfg.Session.OTPMaxAttempts == 0 {
			cfg.Session.OTPMaxAttempts = 3
		}
		if cfg.Session.HandshakeTimeout == 0 {
			cfg.Session.HandshakeTimeout = 30 * time.Second
		}
		if cfg.Session.GCInterval == 0 {
			cfg.Session.GCInterval = 5 * time.Minute
		}
	}

	if cfg.KeyStore != nil {
		if cfg.KeyStore.Type == "" {
			cfg.KeyStore.Type = "encrypted-file"
		}
		if cfg.KeyStore.Directory == "" {
			cfg.KeyStore.Directory = ".relay/keys"
		}
	}

	if cfg.Logging != nil {
		if cfg.Logging.Level == "" {
			cfg.Logging.Level = "info"
		}
		if cfg.Logging.Format == "" {
			cfg.Logging.Format = "json"
		}
		if cfg.Logging.Output == "" {
			cfg.Logging.Output = "stdout"
		}
	}
}
