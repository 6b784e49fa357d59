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

// Package pipeline moves inbound frames from a transport to their consumers
// in two stages: a reader that only queues raw frames, and a dispatcher that
// decodes and routes them in arrival order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"mt5session/internal/logger"
	"mt5session/internal/protocol"
	"mt5session/internal/registry"
)

// FrameReader is the inbound side of a transport
type FrameReader interface {
	ReadFrame(ctx context.Context) (protocol.Inbound, error)
}

// Router hands a decoded message to whoever is waiting for it
type Router interface {
	Route(ctx context.Context, msg protocol.Message) error
}

// RouterFunc adapts a function to Router
type RouterFunc func(ctx context.Context, msg protocol.Message) error

func (f RouterFunc) Route(ctx context.Context, msg protocol.Message) error {
	return f(ctx, msg)
}

// Stats counts what went through the pipeline
type Stats struct {
	Epoch           uint64 `json:"epoch"`
	Received        int64  `json:"received"`
	Dispatched      int64  `json:"dispatched"`
	Malformed       int64  `json:"malformed"`
	Unknown         int64  `json:"unknown"`
	Late            int64  `json:"late"`
	RouteFailures   int64  `json:"route_failures"`
	HandlerTasks    int64  `json:"handler_tasks"`
	HandlerFailures int64  `json:"handler_failures"`
	Queued          int    `json:"queued"`
}

// Observer is told about every frame outcome, e.g. to feed metrics
type Observer interface {
	FrameReceived()
	FrameDispatched(command string)
	FrameDropped(reason string)
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithEpoch tags the pipeline's logs with the connection epoch it serves
func WithEpoch(epoch uint64) Option {
	return func(p *Pipeline) {
		p.epoch = epoch
	}
}

// WithObserver reports frame outcomes to o
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// WithDebug logs every frame at debug level
func WithDebug(debug bool) Option {
	return func(p *Pipeline) {
		p.debug = debug
	}
}

// Pipeline serves one connection epoch
type Pipeline struct {
	reader   FrameReader
	router   Router
	frames   *queue[protocol.Inbound]
	tasks    *TaskQueue
	errs     chan error
	epoch    uint64
	debug    bool
	observer Observer

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	received      atomic.Int64
	dispatched    atomic.Int64
	malformed     atomic.Int64
	unknown       atomic.Int64
	late          atomic.Int64
	routeFailures atomic.Int64

	logger zerolog.Logger
}

// New creates a pipeline reading from reader and routing to router
func New(reader FrameReader, router Router, opts ...Option) *Pipeline {
	p := &Pipeline{
		reader: reader,
		router: router,
		frames: newQueue[protocol.Inbound](),
		tasks:  NewTaskQueue(),
		errs:   make(chan error, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logger.GetLogger("pipeline").With().Uint64("epoch", p.epoch).Logger()
	return p
}

// Start launches the reader and dispatcher goroutines; later calls are no-ops
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)

		p.wg.Add(2)
		go p.read(ctx)
		go p.dispatch(ctx)

		p.logger.Debug().Msg("Pipeline started")
	})
}

// Stop cancels both stages, waits for them and for queued handler tasks.
// Frames still queued are dropped and logged. Safe to call concurrently.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.frames.close()

		if left := p.frames.drain(); len(left) > 0 {
			p.logger.Warn().Int("frames", len(left)).Msg("Dropped queued frames on stop")
		}
		p.tasks.Close()

		p.logger.Debug().
			Int64("received", p.received.Load()).
			Int64("dispatched", p.dispatched.Load()).
			Msg("Pipeline stopped")
	})
}

// Errors delivers the read error that ended the reader stage, at most once
func (p *Pipeline) Errors() <-chan error {
	return p.errs
}

// Submit queues a handler task behind the ones already submitted
func (p *Pipeline) Submit(fn func()) bool {
	return p.tasks.Submit(fn)
}

// Stats returns a snapshot of the counters
func (p *Pipeline) Stats() Stats {
	return Stats{
		Epoch:           p.epoch,
		Received:        p.received.Load(),
		Dispatched:      p.dispatched.Load(),
		Malformed:       p.malformed.Load(),
		Unknown:         p.unknown.Load(),
		Late:            p.late.Load(),
		RouteFailures:   p.routeFailures.Load(),
		HandlerTasks:    p.tasks.executed.Load(),
		HandlerFailures: p.tasks.failed.Load(),
		Queued:          p.frames.len(),
	}
}

func (p *Pipeline) read(ctx context.Context) {
	defer p.wg.Done()

	for {
		frame, err := p.reader.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn().Err(err).Msg("Reader stopped")
			select {
			case p.errs <- err:
			default:
			}
			return
		}

		p.received.Add(1)
		if p.observer != nil {
			p.observer.FrameReceived()
		}
		if !p.frames.push(frame) {
			return
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context) {
	defer p.wg.Done()

	for {
		frame, ok := p.frames.pop(ctx)
		if !ok {
			return
		}
		p.handle(ctx, frame)
	}
}

func (p *Pipeline) handle(ctx context.Context, frame protocol.Inbound) {
	msg, err := protocol.Decode(frame.Data)
	if err != nil {
		p.malformed.Add(1)
		p.drop("malformed")
		p.logger.Warn().Err(err).Bytes("frame", frame.Data).Msg("Dropping malformed frame")
		return
	}
	msg.Origin = frame.Origin

	if p.debug {
		p.logger.Debug().Str("frame", msg.String()).Msg("Dispatching frame")
	}

	err = p.route(ctx, msg)
	p.dispatched.Add(1)

	switch {
	case err == nil:
		if p.observer != nil {
			p.observer.FrameDispatched(msg.Command)
		}
	case errors.Is(err, registry.ErrLateFrame):
		p.late.Add(1)
		p.drop("late")
		p.logger.Debug().Err(err).Str("command", msg.Command).Msg("Ignoring late frame")
	case errors.Is(err, registry.ErrUnknownCorrelation):
		p.unknown.Add(1)
		p.drop("unknown")
		p.logger.Warn().Err(err).Str("command", msg.Command).Msg("Dropping frame with no registered consumer")
	default:
		p.routeFailures.Add(1)
		p.drop("route_failure")
		p.logger.Error().Err(err).Str("command", msg.Command).Msg("Failed to route frame")
	}
}

func (p *Pipeline) route(ctx context.Context, msg protocol.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("router panic: %v", r)
		}
	}()
	return p.router.Route(ctx, msg)
}

func (p *Pipeline) drop(reason string) {
	if p.observer != nil {
		p.observer.FrameDropped(reason)
	}
}
