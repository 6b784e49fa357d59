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

// Package terminal owns the connection state machine for one MetaTrader 5
// terminal: opening the transport, the version handshake, reconnects and the
// connection-closed drain of pending requests.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"mt5session/internal/logger"
	"mt5session/internal/registry"
	"mt5session/internal/transport"
)

var (
	ErrHandshakeTimeout   = errors.New("max retry attempts reached")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrInvalidVersion     = errors.New("terminal reported no version")
	ErrConnectionLost     = registry.ErrConnectionLost
)

const (
	DefaultHandshakeAttempts = 5
	DefaultHandshakeInterval = time.Second
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
)

// ReconnectPolicy controls Reconnect: a fixed delay between attempts and an
// optional attempt budget, 0 meaning retry forever
type ReconnectPolicy struct {
	Delay       time.Duration
	MaxAttempts int
}

// Config tunes a Manager
type Config struct {
	HandshakeAttempts int
	HandshakeInterval time.Duration
	// HandshakeTimeout bounds a single handshake exchange
	HandshakeTimeout time.Duration
	Reconnect        ReconnectPolicy
	// Clock stamps the connect time; time.Now when nil
	Clock func() time.Time
}

// DefaultConfig returns the stock handshake and reconnect settings
func DefaultConfig() Config {
	return Config{
		HandshakeAttempts: DefaultHandshakeAttempts,
		HandshakeInterval: DefaultHandshakeInterval,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		Reconnect:         ReconnectPolicy{Delay: DefaultReconnectDelay},
		Clock:             time.Now,
	}
}

func (c *Config) applyDefaults() {
	if c.HandshakeAttempts <= 0 {
		c.HandshakeAttempts = DefaultHandshakeAttempts
	}
	if c.HandshakeInterval <= 0 {
		c.HandshakeInterval = DefaultHandshakeInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Reconnect.Delay <= 0 {
		c.Reconnect.Delay = DefaultReconnectDelay
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Info describes the current connection
type Info struct {
	State       string            `json:"state"`
	Transport   string            `json:"transport"`
	Terminal    transport.Version `json:"terminal"`
	ConnectedAt time.Time         `json:"connected_at"`
	Epoch       uint64            `json:"epoch"`
	Attempts    int               `json:"attempts"`
}

// StateListener is told about every state transition
type StateListener func(from, to State)

// Manager drives one terminal connection through
// disconnected -> connecting -> connected and back
type Manager struct {
	transport transport.Transport
	requests  *registry.Requests
	config    Config

	state       State
	open        bool
	connected   atomic.Bool
	version     transport.Version
	connectedAt time.Time
	epoch       uint64
	closedEpoch uint64
	attempts    int
	listeners   []StateListener

	// serializes Connect, Disconnect and Reconnect
	connectMutex sync.Mutex
	mutex        sync.RWMutex
	logger       zerolog.Logger
}

// NewManager creates a manager owning t. Pending requests in requests are
// failed when the connection closes.
func NewManager(t transport.Transport, requests *registry.Requests, config Config) *Manager {
	config.applyDefaults()
	return &Manager{
		transport: t,
		requests:  requests,
		config:    config,
		state:     StateDisconnected,
		logger:    logger.GetLogger("terminal"),
	}
}

// Transport returns the owned transport
func (m *Manager) Transport() transport.Transport {
	return m.transport
}

// OnStateChange registers a listener for state transitions
func (m *Manager) OnStateChange(fn StateListener) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns the current state
func (m *Manager) State() State {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.state
}

// IsConnected reports whether the manager is connected and the transport
// still has a live link
func (m *Manager) IsConnected() bool {
	return m.connected.Load() && m.transport.IsConnected()
}

// Epoch returns the number of successful connects so far
func (m *Manager) Epoch() uint64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.epoch
}

// Info returns a snapshot of the connection
func (m *Manager) Info() Info {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return Info{
		State:       m.state.String(),
		Transport:   m.transport.Name(),
		Terminal:    m.version,
		ConnectedAt: m.connectedAt,
		Epoch:       m.epoch,
		Attempts:    m.attempts,
	}
}

// Send writes a frame on the current connection
func (m *Manager) Send(ctx context.Context, frame []byte) error {
	if !m.connected.Load() {
		return transport.ErrNotConnected
	}
	return m.transport.Send(ctx, frame)
}

// Connect opens the transport and performs the version handshake
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMutex.Lock()
	defer m.connectMutex.Unlock()
	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	if m.State() == StateConnected && m.connected.Load() {
		return nil
	}

	m.setState(StateConnecting)

	if err := m.transport.Open(ctx); err != nil {
		m.transport.Close()
		m.setState(StateDisconnected)
		return fmt.Errorf("failed to open %s transport: %w", m.transport.Name(), err)
	}
	m.mutex.Lock()
	m.open = true
	m.mutex.Unlock()

	version, err := m.handshake(ctx)
	if err != nil {
		m.closeTransport()
		m.setState(StateDisconnected)
		return err
	}

	m.mutex.Lock()
	m.version = version
	m.connectedAt = m.config.Clock()
	m.epoch++
	m.attempts = 0
	epoch := m.epoch
	m.mutex.Unlock()

	m.connected.Store(true)
	m.setState(StateConnected)

	m.logger.Info().
		Str("transport", m.transport.Name()).
		Int("version", version.Version).
		Int("build", version.Build).
		Str("release_date", version.ReleaseDate).
		Uint64("epoch", epoch).
		Msg("Connected to terminal")

	return nil
}

// handshake asks for the terminal version up to HandshakeAttempts times
func (m *Manager) handshake(ctx context.Context) (transport.Version, error) {
	attempt := 0
	operation := func() (transport.Version, error) {
		attempt++

		hctx, cancel := context.WithTimeout(ctx, m.config.HandshakeTimeout)
		version, err := m.transport.Handshake(hctx)
		cancel()

		if ctx.Err() != nil {
			return transport.Version{}, backoff.Permanent(ctx.Err())
		}
		if err == nil && !version.Valid() {
			err = ErrInvalidVersion
		}
		if err != nil {
			m.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", m.config.HandshakeAttempts).
				Msg("Terminal handshake failed")
			return transport.Version{}, err
		}
		return version, nil
	}

	version, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(m.config.HandshakeInterval)),
		backoff.WithMaxTries(uint(m.config.HandshakeAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		if ctx.Err() != nil {
			return transport.Version{}, ctx.Err()
		}
		return transport.Version{}, fmt.Errorf("%w: terminal handshake failed after %d attempts: %w",
			ErrHandshakeTimeout, attempt, err)
	}
	return version, nil
}

// Disconnect closes the transport and moves to disconnected; idempotent
func (m *Manager) Disconnect() error {
	m.connectMutex.Lock()
	defer m.connectMutex.Unlock()
	return m.disconnect()
}

func (m *Manager) disconnect() error {
	m.connected.Store(false)
	err := m.closeTransport()
	m.setState(StateDisconnected)
	return err
}

func (m *Manager) closeTransport() error {
	m.mutex.Lock()
	wasOpen := m.open
	m.open = false
	m.mutex.Unlock()

	if !wasOpen {
		return nil
	}
	if err := m.transport.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to close transport")
		return err
	}
	m.logger.Info().Str("transport", m.transport.Name()).Msg("Transport closed")
	return nil
}

// Reconnect disconnects and then connects again under the reconnect policy.
// The attempt counter keeps growing across failures and resets on success.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.connectMutex.Lock()
	defer m.connectMutex.Unlock()

	m.ConnectionClosed()
	m.disconnect()

	policy := m.config.Reconnect
	operation := func() (struct{}, error) {
		m.mutex.Lock()
		m.attempts++
		attempt := m.attempts
		m.mutex.Unlock()

		m.logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", policy.MaxAttempts).
			Msg("Reconnecting to terminal")

		err := m.connect(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		m.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", policy.Delay).
			Msg("Reconnect attempt failed")
		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(policy.Delay)),
		backoff.WithMaxElapsedTime(0),
	}
	if policy.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(policy.MaxAttempts)))
	}

	if _, err := backoff.Retry(ctx, operation, opts...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.mutex.RLock()
		attempts := m.attempts
		m.mutex.RUnlock()
		return fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempts, err)
	}
	return nil
}

// ConnectionClosed handles a closure of the current epoch: every unresolved
// request fails with ErrConnectionLost and the connected flag is cleared.
// Further signals for the same epoch are ignored. It returns the number of
// requests failed.
func (m *Manager) ConnectionClosed() int {
	m.mutex.Lock()
	if m.closedEpoch == m.epoch {
		m.mutex.Unlock()
		return 0
	}
	m.closedEpoch = m.epoch
	epoch := m.epoch
	m.mutex.Unlock()

	m.connected.Store(false)
	failed := 0
	if m.requests != nil {
		failed = m.requests.FailAll(ErrConnectionLost)
	}

	m.logger.Warn().
		Uint64("epoch", epoch).
		Int("failed_requests", failed).
		Msg("Terminal connection closed")

	m.setState(StateDisconnected)
	return failed
}

func (m *Manager) setState(state State) {
	m.mutex.Lock()
	from := m.state
	m.state = state
	listeners := append([]StateListener(nil), m.listeners...)
	m.mutex.Unlock()

	if from == state {
		return
	}

	m.logger.Debug().
		Str("from", from.String()).
		Str("to", state.String()).
		Msg("State changed")

	for _, fn := range listeners {
		fn(from, state)
	}
}
