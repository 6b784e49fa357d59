// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"mt5session/internal/protocol"
	"mt5session/internal/registry"
	"mt5session/internal/session"
	"mt5session/internal/terminal"
	"mt5session/internal/transport"
	"mt5session/internal/watchdog"
)

const DefaultPath = "mt5session.yml"

const masked = "********"

// Config represents the session configuration structure
type Config struct {
	Terminal    TerminalConfig    `yaml:"terminal"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Watchdog    WatchdogConfig    `yaml:"watchdog"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Journal     JournalConfig     `yaml:"journal"`
	Auth        AuthConfig        `yaml:"auth"`
	Credentials CredentialsConfig `yaml:"credentials"`
}

// TerminalConfig says where the terminal is and how to reach it
type TerminalConfig struct {
	Mode         string `yaml:"mode"` // IPC, EA, EA_IPC or WEB
	ClientID     string `yaml:"client_id"`
	Host         string `yaml:"host"`
	RestPort     int    `yaml:"rest_port"`
	StreamPort   int    `yaml:"stream_port"`
	EnableStream bool   `yaml:"enable_stream"`
	Encoding     string `yaml:"encoding"`
	IPCRequest   string `yaml:"ipc_request_endpoint"` // e.g. tcp://127.0.0.1:15558
	IPCStream    string `yaml:"ipc_stream_endpoint"`
	IPCServerKey string `yaml:"ipc_server_key"` // Z85 CurveZMQ keys, empty for plain TCP
	IPCPublicKey string `yaml:"ipc_public_key"`
	IPCSecretKey string `yaml:"ipc_secret_key"`
	WebURL       string `yaml:"web_url"`
	Debug        bool   `yaml:"debug"`
}

// ConnectionConfig holds handshake, reconnect and request settings
type ConnectionConfig struct {
	HandshakeAttempts    int           `yaml:"handshake_attempts"`
	HandshakeInterval    time.Duration `yaml:"handshake_interval"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"` // 0 retries forever
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	TimeoutPolicy        string        `yaml:"timeout_policy"` // default or strict
}

type WatchdogConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Cooldown   time.Duration `yaml:"cooldown"`
	ProbeEvery int           `yaml:"probe_every"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the HTTP server
}

type JournalConfig struct {
	Path string `yaml:"path"` // empty disables the journal
}

// AuthConfig protects the status API; an empty secret leaves it open
type AuthConfig struct {
	Secret       string        `yaml:"secret"`
	PasswordHash string        `yaml:"password_hash"` // from "mt5session config hash-password"
	TokenExpiry  time.Duration `yaml:"token_expiry"`
}

// CredentialsConfig carries the broker login of the dockerized terminal
type CredentialsConfig struct {
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
	Server   string `yaml:"server"`
}

// NewDefaultConfig returns a configuration for an EA terminal on localhost
func NewDefaultConfig() *Config {
	return &Config{
		Terminal: TerminalConfig{
			Mode:         transport.ModeEA,
			ClientID:     uuid.New().String(),
			Host:         protocol.MT5_HOST,
			RestPort:     protocol.MT5_REST_PORT,
			StreamPort:   protocol.MT5_STREAM_PORT,
			EnableStream: true,
			Encoding:     protocol.MT5_ENCODING,
			IPCRequest:   "tcp://127.0.0.1:15558",
			IPCStream:    "tcp://127.0.0.1:15559",
		},
		Connection: ConnectionConfig{
			HandshakeAttempts: terminal.DefaultHandshakeAttempts,
			HandshakeInterval: terminal.DefaultHandshakeInterval,
			HandshakeTimeout:  terminal.DefaultHandshakeTimeout,
			ReconnectDelay:    terminal.DefaultReconnectDelay,
			RequestTimeout:    session.DefaultRequestTimeout,
			TimeoutPolicy:     registry.TimeoutDefault.String(),
		},
		Watchdog: WatchdogConfig{
			Interval:   watchdog.DefaultInterval,
			Cooldown:   watchdog.DefaultCooldown,
			ProbeEvery: 10,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9108",
		},
		Journal: JournalConfig{
			Path: "mt5session.db",
		},
		Auth: AuthConfig{
			TokenExpiry: time.Hour,
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of the defaults
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := NewDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	mode := strings.ToUpper(c.Terminal.Mode)
	switch mode {
	case transport.ModeEA, transport.ModeIPC, transport.ModeEAIPC, transport.ModeWeb:
	case "":
		return fmt.Errorf("terminal.mode is required")
	default:
		return fmt.Errorf("terminal.mode %q is not one of IPC, EA, EA_IPC, WEB", c.Terminal.Mode)
	}

	if c.Terminal.ClientID == "" {
		return fmt.Errorf("terminal.client_id is required")
	}

	if mode == transport.ModeEA || mode == transport.ModeEAIPC {
		if c.Terminal.Host == "" {
			return fmt.Errorf("terminal.host is required")
		}
		if err := validPort("terminal.rest_port", c.Terminal.RestPort); err != nil {
			return err
		}
		if c.Terminal.EnableStream || mode == transport.ModeEAIPC {
			if err := validPort("terminal.stream_port", c.Terminal.StreamPort); err != nil {
				return err
			}
		}
	}
	if mode == transport.ModeIPC || mode == transport.ModeEAIPC {
		if c.Terminal.IPCRequest == "" {
			return fmt.Errorf("terminal.ipc_request_endpoint is required")
		}
		if keys := c.curveKeys(); keys.Enabled() {
			if err := keys.Validate(); err != nil {
				return fmt.Errorf("terminal ipc keys: %w", err)
			}
		}
	}
	if mode == transport.ModeWeb && c.Terminal.WebURL == "" {
		return fmt.Errorf("terminal.web_url is required")
	}

	if c.Connection.HandshakeAttempts < 1 {
		return fmt.Errorf("connection.handshake_attempts must be at least 1")
	}
	if c.Connection.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("connection.reconnect_max_attempts must not be negative")
	}
	if c.Connection.RequestTimeout <= 0 {
		return fmt.Errorf("connection.request_timeout must be positive")
	}
	if _, err := registry.ParseTimeoutPolicy(c.Connection.TimeoutPolicy); err != nil {
		return fmt.Errorf("connection.timeout_policy: %w", err)
	}

	if c.Watchdog.Interval <= 0 {
		return fmt.Errorf("watchdog.interval must be positive")
	}
	if c.Watchdog.ProbeEvery < 0 {
		return fmt.Errorf("watchdog.probe_every must not be negative")
	}

	if c.Auth.Secret != "" && c.Auth.PasswordHash == "" {
		return fmt.Errorf("auth.password_hash is required when auth.secret is set")
	}

	return nil
}

func validPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535", name)
	}
	return nil
}

// Masked returns a copy safe to print: credentials are hidden
func (c *Config) Masked() *Config {
	out := *c
	if out.Credentials.Login != "" {
		out.Credentials.Login = masked
	}
	if out.Credentials.Password != "" {
		out.Credentials.Password = masked
	}
	if out.Auth.Secret != "" {
		out.Auth.Secret = masked
	}
	if out.Terminal.IPCSecretKey != "" {
		out.Terminal.IPCSecretKey = masked
	}
	return &out
}

// Save saves the configuration to a YAML file
func (c *Config) Save(filepath string) error {
	return SaveConfig(c, filepath)
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Identity returns the terminal identity sessions are keyed by
func (c *Config) Identity() session.Identity {
	port := c.Terminal.RestPort
	if strings.EqualFold(c.Terminal.Mode, transport.ModeIPC) {
		port = 0
	}
	return session.Identity{
		Host:     c.Terminal.Host,
		Port:     port,
		Mode:     strings.ToUpper(c.Terminal.Mode),
		ClientID: c.Terminal.ClientID,
	}
}

// TransportOptions maps the terminal section onto transport options
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		Mode:               strings.ToUpper(c.Terminal.Mode),
		Host:               c.Terminal.Host,
		RestPort:           c.Terminal.RestPort,
		StreamPort:         c.Terminal.StreamPort,
		EnableStream:       c.Terminal.EnableStream,
		IPCRequestEndpoint: c.Terminal.IPCRequest,
		IPCStreamEndpoint:  c.Terminal.IPCStream,
		IPCCurve:           c.curveKeys(),
		WebURL:             c.Terminal.WebURL,
		Identity:           c.Terminal.ClientID,
		Debug:              c.Terminal.Debug,
	}
}

func (c *Config) curveKeys() transport.CurveKeys {
	return transport.CurveKeys{
		ServerKey: c.Terminal.IPCServerKey,
		PublicKey: c.Terminal.IPCPublicKey,
		SecretKey: c.Terminal.IPCSecretKey,
	}
}

// TerminalConfig maps the connection section onto the manager settings
func (c *Config) TerminalConfig() terminal.Config {
	return terminal.Config{
		HandshakeAttempts: c.Connection.HandshakeAttempts,
		HandshakeInterval: c.Connection.HandshakeInterval,
		HandshakeTimeout:  c.Connection.HandshakeTimeout,
		Reconnect: terminal.ReconnectPolicy{
			Delay:       c.Connection.ReconnectDelay,
			MaxAttempts: c.Connection.ReconnectMaxAttempts,
		},
	}
}

// WatchdogConfig maps the watchdog section
func (c *Config) WatchdogConfig() watchdog.Config {
	return watchdog.Config{
		Interval:   c.Watchdog.Interval,
		Cooldown:   c.Watchdog.Cooldown,
		ProbeEvery: c.Watchdog.ProbeEvery,
	}
}

// SessionOptions builds the session options for t; metrics and journal are
// left for the caller to attach
func (c *Config) SessionOptions(t transport.Transport) (session.Options, error) {
	policy, err := registry.ParseTimeoutPolicy(c.Connection.TimeoutPolicy)
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		Identity:       c.Identity(),
		Transport:      t,
		Terminal:       c.TerminalConfig(),
		Watchdog:       c.WatchdogConfig(),
		RequestTimeout: c.Connection.RequestTimeout,
		TimeoutPolicy:  policy,
		Debug:          c.Terminal.Debug,
	}, nil
}
