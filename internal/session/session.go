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

// Package session wires one terminal connection together: the connection
// manager, the correlation registries, a pipeline per connection epoch, the
// watchdog and the background task scope.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"mt5session/internal/events"
	"mt5session/internal/journal"
	"mt5session/internal/logger"
	"mt5session/internal/metrics"
	"mt5session/internal/pipeline"
	"mt5session/internal/protocol"
	"mt5session/internal/registry"
	"mt5session/internal/supervisor"
	"mt5session/internal/terminal"
	"mt5session/internal/transport"
	"mt5session/internal/watchdog"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	journalTimeout        = 5 * time.Second
)

var (
	ErrNotConnected = transport.ErrNotConnected
	ErrStopped      = errors.New("session stopped")
	ErrRouteTaken   = errors.New("route already used by another subscription")
	ErrNoTransport  = errors.New("transport is required")
)

// Options configures a Session
type Options struct {
	Identity       Identity
	Transport      transport.Transport
	Terminal       terminal.Config
	Watchdog       watchdog.Config
	RequestTimeout time.Duration
	TimeoutPolicy  registry.TimeoutPolicy
	Debug          bool
	// Metrics and Journal are optional
	Metrics *metrics.Collector
	Journal *journal.Journal
}

// Session is the composition root for one terminal
type Session struct {
	id       string
	options  Options
	manager  *terminal.Manager
	requests *registry.Requests
	subs     *registry.Subscriptions
	ids      *registry.IDGenerator
	bus      *events.Bus
	watchdog *watchdog.Watchdog
	tasks    *supervisor.Supervisor

	pipeline    *pipeline.Pipeline
	epochCancel context.CancelFunc
	lastStats   pipeline.Stats
	journalID   string

	// route key (COMMAND or COMMAND:FIELD0) -> subscription id
	routes      map[string]uint64
	completions map[uint64]func(protocol.Message) bool
	lanes       map[string]chan struct{}
	// command -> lane held for the reply of an abandoned request
	awaitingLate map[string]*lateReply

	started  bool
	stopOnce sync.Once
	done     chan struct{}
	err      error

	mutex  sync.Mutex
	logger zerolog.Logger
}

// New creates a session; nothing is dialed until Start
func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, ErrNoTransport
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	s := &Session{
		id:           uuid.New().String(),
		options:      opts,
		requests:     registry.NewRequests(),
		subs:         registry.NewSubscriptions(),
		ids:          registry.NewIDGenerator(),
		bus:          events.New(),
		routes:       make(map[string]uint64),
		completions:  make(map[uint64]func(protocol.Message) bool),
		lanes:        make(map[string]chan struct{}),
		awaitingLate: make(map[string]*lateReply),
		done:         make(chan struct{}),
	}
	s.logger = logger.GetLogger("session").With().
		Str("session_id", s.id).
		Str("terminal", opts.Identity.String()).
		Logger()

	s.manager = terminal.NewManager(opts.Transport, s.requests, opts.Terminal)
	s.manager.OnStateChange(func(from, to terminal.State) {
		s.options.Metrics.SetState(int(to))
	})

	wopts := []watchdog.Option{
		watchdog.OnLost(s.connectionLost),
		watchdog.OnRestored(s.connectionRestored),
		watchdog.OnGiveUp(s.giveUp),
	}
	if opts.Watchdog.ProbeEvery > 0 {
		wopts = append(wopts, watchdog.WithProbe(s.probe))
	}
	s.watchdog = watchdog.New(s.manager, s.subs, opts.Watchdog, wopts...)

	return s, nil
}

// ID returns the session instance id
func (s *Session) ID() string {
	return s.id
}

// Identity returns the terminal identity the session was created for
func (s *Session) Identity() Identity {
	return s.options.Identity
}

// Start connects to the terminal and launches the background tasks. A failed
// initial handshake is fatal.
func (s *Session) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	if s.started {
		return nil
	}

	if s.options.Journal != nil {
		jctx, cancel := context.WithTimeout(ctx, journalTimeout)
		if n, err := s.options.Journal.CloseDangling(jctx, s.options.Identity.String(), time.Now()); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close dangling journal epochs")
		} else if n > 0 {
			s.logger.Info().Int("epochs", n).Msg("Closed dangling journal epochs")
		}
		cancel()
	}

	if err := s.manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	s.tasks = supervisor.New(context.Background())
	s.startEpochLocked()
	s.tasks.Go("watchdog", s.watchdog.Run)
	s.started = true

	s.logger.Info().
		Str("transport", s.manager.Transport().Name()).
		Msg("Session started")
	return nil
}

// Stop ends the session: background tasks stop, every pending request fails
// with the connection-lost error and the transport is closed. Idempotent.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.mutex.Lock()
		tasks := s.tasks
		s.mutex.Unlock()

		if tasks != nil {
			if err := tasks.Stop(); err != nil {
				s.logger.Debug().Err(err).Msg("Background task ended with error")
			}
		}
		s.stopEpoch("stopped")

		failed := s.manager.ConnectionClosed()
		failed += s.requests.FailAll(terminal.ErrConnectionLost)
		if err := s.manager.Disconnect(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to disconnect")
		}
		s.bus.Close()
		s.options.Metrics.SetPending(0)

		close(s.done)
		s.logger.Info().Int("failed_requests", failed).Msg("Session stopped")
	})
	return s.Err()
}

// Done is closed once the session has stopped
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session stopped on its own, nil otherwise
func (s *Session) Err() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.err
}

// IsDegraded reports whether the connection is lost and being restored
func (s *Session) IsDegraded() bool {
	return s.watchdog.IsDegraded()
}

// IsConnected reports whether commands can be sent
func (s *Session) IsConnected() bool {
	return s.ready() == nil
}

// SubscribeEvent registers a handler for a named event such as
// "accountSummary-<login>". Handlers run one at a time on the handler queue,
// never on the dispatch goroutine, and must not subscribe to events
// themselves.
func (s *Session) SubscribeEvent(name string, handler events.Handler) error {
	return s.bus.SubscribeEvent(name, handler)
}

// UnsubscribeEvent removes every handler of name
func (s *Session) UnsubscribeEvent(name string) int {
	return s.bus.UnsubscribeEvent(name)
}

// SendCommand writes a command without waiting for any reply
func (s *Session) SendCommand(ctx context.Context, command, subCommand string, params ...string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.manager.Send(ctx, protocol.Frame(command, subCommand, params...))
}

func (s *Session) ready() error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	if s.watchdog.IsDegraded() || !s.manager.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// startEpochLocked starts the pipeline serving the current connection.
// Must be called with the mutex held.
func (s *Session) startEpochLocked() {
	epoch := s.manager.Epoch()
	ctx, cancel := context.WithCancel(s.tasks.Context())

	opts := []pipeline.Option{
		pipeline.WithEpoch(epoch),
		pipeline.WithDebug(s.options.Debug),
	}
	if s.options.Metrics != nil {
		opts = append(opts, pipeline.WithObserver(s.options.Metrics))
	}

	var p *pipeline.Pipeline
	p = pipeline.New(s.manager.Transport(), pipeline.RouterFunc(func(ctx context.Context, msg protocol.Message) error {
		return s.route(p, msg)
	}), opts...)
	p.Start(ctx)

	s.pipeline = p
	s.epochCancel = cancel
	s.journalID = s.recordEpoch(epoch)

	s.tasks.Go(fmt.Sprintf("epoch-%d", epoch), func(tctx context.Context) error {
		select {
		case err := <-p.Errors():
			s.logger.Warn().Err(err).Uint64("epoch", epoch).Msg("Terminal read failed")
			s.watchdog.Notify()
		case <-ctx.Done():
		}
		return nil
	})
}

func (s *Session) stopEpoch(reason string) {
	s.mutex.Lock()
	p, cancel, journalID := s.pipeline, s.epochCancel, s.journalID
	s.pipeline, s.epochCancel, s.journalID = nil, nil, ""
	s.mutex.Unlock()

	if p == nil {
		return
	}
	cancel()
	p.Stop()

	s.mutex.Lock()
	s.lastStats = p.Stats()
	s.mutex.Unlock()

	s.closeEpoch(journalID, reason)
}

func (s *Session) connectionLost() {
	s.options.Metrics.ConnectionLost()
	s.stopEpoch("connection lost")
	s.releaseLanes()
}

func (s *Session) connectionRestored() {
	s.options.Metrics.Reconnected()
	s.options.Metrics.SetDegraded(false)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.tasks == nil || s.tasks.Context().Err() != nil {
		return
	}
	s.startEpochLocked()
}

func (s *Session) giveUp(err error) {
	s.mutex.Lock()
	s.err = err
	s.mutex.Unlock()

	s.logger.Error().Err(err).Msg("Terminal unreachable, stopping session")
	go s.Stop()
}

// probe is the watchdog liveness check. A caller already holding the F000
// lane makes the check inconclusive rather than a loss.
func (s *Session) probe(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	release, ok := s.tryAcquire(protocol.CMD_CHECK_CONNECTION)
	if !ok {
		return watchdog.ErrCheckSkipped
	}
	_, err := s.request(ctx, Call{
		Command:    protocol.CMD_CHECK_CONNECTION,
		SubCommand: "1",
		Strict:     true,
	}, release)
	return err
}

func (s *Session) recordEpoch(epoch uint64) string {
	if s.options.Journal == nil {
		return ""
	}
	info := s.manager.Info()

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	e, err := s.options.Journal.RecordEpoch(ctx, journal.Epoch{
		Session:     s.options.Identity.String(),
		Number:      epoch,
		Transport:   info.Transport,
		Version:     info.Terminal.Version,
		Build:       info.Terminal.Build,
		ConnectedAt: info.ConnectedAt,
	})
	if err != nil {
		s.logger.Warn().Err(err).Uint64("epoch", epoch).Msg("Failed to journal epoch")
		return ""
	}
	return e.ID
}

func (s *Session) closeEpoch(id, reason string) {
	if s.options.Journal == nil || id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	if err := s.options.Journal.CloseEpoch(ctx, id, reason, time.Now()); err != nil {
		s.logger.Warn().Err(err).Str("epoch_id", id).Msg("Failed to close journal epoch")
	}
}
