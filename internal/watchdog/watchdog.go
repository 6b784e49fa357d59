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

// Package watchdog watches a terminal connection, drives the reconnect when
// it is lost and replays every active subscription afterwards.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"mt5session/internal/logger"
	"mt5session/internal/registry"
)

const (
	DefaultInterval = time.Second
	DefaultCooldown = time.Second
)

// ErrCheckSkipped is returned by a probe that could not run, e.g. because
// the same check is already in flight. The connection is left alone.
var ErrCheckSkipped = errors.New("liveness check skipped")

// Connection is the part of the connection manager the watchdog drives
type Connection interface {
	IsConnected() bool
	ConnectionClosed() int
	Reconnect(ctx context.Context) error
}

// Config tunes the watchdog
type Config struct {
	Interval time.Duration
	Cooldown time.Duration
	// ProbeEvery runs the liveness probe every n ticks, 0 disables it
	ProbeEvery int
}

// Stats counts watchdog activity
type Stats struct {
	Checks              int64 `json:"checks"`
	Losses              int64 `json:"losses"`
	Reconnects          int64 `json:"reconnects"`
	Resubscribed        int64 `json:"resubscribed"`
	ResubscribeFailures int64 `json:"resubscribe_failures"`
	ProbeFailures       int64 `json:"probe_failures"`
	ChecksSkipped       int64 `json:"checks_skipped"`
	Degraded            bool  `json:"degraded"`
}

// Option configures a Watchdog
type Option func(*Watchdog)

// WithProbe sets a liveness check run while connected, e.g. a terminal
// connection check
func WithProbe(probe func(ctx context.Context) error) Option {
	return func(w *Watchdog) {
		w.probe = probe
	}
}

// OnLost runs once the loss is detected, before the cooldown
func OnLost(fn func()) Option {
	return func(w *Watchdog) {
		w.onLost = fn
	}
}

// OnRestored runs after a successful reconnect, before subscriptions are replayed
func OnRestored(fn func()) Option {
	return func(w *Watchdog) {
		w.onRestored = fn
	}
}

// OnGiveUp runs when the reconnect budget is exhausted
func OnGiveUp(fn func(err error)) Option {
	return func(w *Watchdog) {
		w.onGiveUp = fn
	}
}

// Watchdog is the reconnection supervisor of one session
type Watchdog struct {
	conn   Connection
	subs   *registry.Subscriptions
	config Config

	probe      func(ctx context.Context) error
	onLost     func()
	onRestored func()
	onGiveUp   func(err error)

	kick     chan struct{}
	degraded atomic.Bool
	ticks    int

	stats  Stats
	mutex  sync.Mutex
	logger zerolog.Logger
}

// New creates a watchdog for conn replaying subs after reconnects
func New(conn Connection, subs *registry.Subscriptions, config Config, opts ...Option) *Watchdog {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Cooldown < 0 {
		config.Cooldown = 0
	}

	w := &Watchdog{
		conn:   conn,
		subs:   subs,
		config: config,
		kick:   make(chan struct{}, 1),
		logger: logger.GetLogger("watchdog"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// IsDegraded reports whether the connection is lost and not yet restored
func (w *Watchdog) IsDegraded() bool {
	return w.degraded.Load()
}

// Notify asks for a check ahead of the next tick, e.g. after a read error
func (w *Watchdog) Notify() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the counters
func (w *Watchdog) Stats() Stats {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	stats := w.stats
	stats.Degraded = w.degraded.Load()
	return stats
}

// Run checks the connection every interval until ctx ends or the reconnect
// budget runs out; the latter is returned as an error
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	w.logger.Info().
		Dur("interval", w.config.Interval).
		Dur("cooldown", w.config.Cooldown).
		Int("probe_every", w.config.ProbeEvery).
		Msg("Watchdog started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Watchdog stopped")
			return nil
		case <-ticker.C:
		case <-w.kick:
		}

		if err := w.Check(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watchdog giving up on terminal")
			if w.onGiveUp != nil {
				w.onGiveUp(err)
			}
			return err
		}
	}
}

// Check runs one watchdog pass: detect loss, recover, replay subscriptions
func (w *Watchdog) Check(ctx context.Context) error {
	w.mutex.Lock()
	w.stats.Checks++
	w.ticks++
	probeDue := w.probe != nil && w.config.ProbeEvery > 0 && w.ticks%w.config.ProbeEvery == 0
	w.mutex.Unlock()

	if w.conn.IsConnected() {
		if !probeDue {
			return nil
		}
		if err := w.runProbe(ctx); err == nil || errors.Is(err, ErrCheckSkipped) {
			return nil
		}
	}

	return w.recover(ctx)
}

func (w *Watchdog) runProbe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.config.Interval*time.Duration(max(w.config.ProbeEvery, 1)))
	defer cancel()

	err := w.probe(pctx)
	if errors.Is(err, ErrCheckSkipped) {
		w.mutex.Lock()
		w.stats.ChecksSkipped++
		w.mutex.Unlock()
		w.logger.Debug().Err(err).Msg("Terminal liveness check inconclusive")
		return err
	}
	if err != nil && ctx.Err() == nil {
		w.mutex.Lock()
		w.stats.ProbeFailures++
		w.mutex.Unlock()
		w.logger.Warn().Err(err).Msg("Terminal liveness probe failed")
	}
	return err
}

func (w *Watchdog) recover(ctx context.Context) error {
	w.degraded.Store(true)
	w.mutex.Lock()
	w.stats.Losses++
	w.mutex.Unlock()

	failed := w.conn.ConnectionClosed()
	w.logger.Warn().
		Int("failed_requests", failed).
		Int("subscriptions", w.subs.Len()).
		Msg("Terminal connection lost, session degraded")

	if w.onLost != nil {
		w.onLost()
	}

	if w.config.Cooldown > 0 {
		timer := time.NewTimer(w.config.Cooldown)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	if err := w.conn.Reconnect(ctx); err != nil {
		return fmt.Errorf("reconnect failed: %w", err)
	}

	w.mutex.Lock()
	w.stats.Reconnects++
	w.mutex.Unlock()

	if w.onRestored != nil {
		w.onRestored()
	}

	replayed, failures := w.Resubscribe(ctx)
	w.degraded.Store(false)

	w.logger.Info().
		Int("resubscribed", replayed).
		Int("failed", failures).
		Msg("Terminal connection restored")
	return nil
}

// Resubscribe re-issues every live subscription. A failing entry is logged
// and skipped.
func (w *Watchdog) Resubscribe(ctx context.Context) (int, int) {
	replayed, failures := 0, 0

	for _, sub := range w.subs.All() {
		if sub.Issue == nil {
			continue
		}
		w.subs.SetStatus(sub.ID, registry.StatusPendingStartup)

		if err := sub.Issue(ctx); err != nil {
			failures++
			w.logger.Error().
				Err(err).
				Uint64("request_id", sub.ID).
				Str("name", sub.Name).
				Msg("Failed to resubscribe")
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				break
			}
			continue
		}

		w.subs.SetStatus(sub.ID, registry.StatusRunning)
		replayed++
		w.logger.Debug().
			Uint64("request_id", sub.ID).
			Str("name", sub.Name).
			Msg("Resubscribed")
	}

	w.mutex.Lock()
	w.stats.Resubscribed += int64(replayed)
	w.stats.ResubscribeFailures += int64(failures)
	w.mutex.Unlock()

	return replayed, failures
}
