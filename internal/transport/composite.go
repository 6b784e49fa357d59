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

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"mt5session/internal/logger"
	"mt5session/internal/protocol"
)

// Composite routes requests over one transport and merges the frames of two,
// e.g. IPC for request/reply and the EA stream socket for pushes. Frames of
// the stream side are always pushes.
type Composite struct {
	requests Transport
	stream   Transport

	inbox  *inbox
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mutex  sync.RWMutex
	logger zerolog.Logger
}

// NewComposite creates a composite of a request transport and a stream transport
func NewComposite(requests, stream Transport) *Composite {
	return &Composite{
		requests: requests,
		stream:   stream,
		logger:   logger.GetLogger("transport.composite"),
	}
}

// Name returns the combined strategy name
func (c *Composite) Name() string {
	return c.requests.Name() + "+" + c.stream.Name()
}

// Open opens both transports and starts merging their frames
func (c *Composite) Open(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.inbox != nil {
		return nil
	}

	if err := c.requests.Open(ctx); err != nil {
		return fmt.Errorf("failed to open %s transport: %w", c.requests.Name(), err)
	}
	if err := c.stream.Open(ctx); err != nil {
		c.requests.Close()
		return fmt.Errorf("failed to open %s transport: %w", c.stream.Name(), err)
	}

	in := newInbox()
	fctx, cancel := context.WithCancel(context.Background())
	c.inbox = in
	c.cancel = cancel

	c.wg.Add(2)
	go c.forward(fctx, c.requests, false, in)
	go c.forward(fctx, c.stream, true, in)

	c.logger.Info().
		Str("requests", c.requests.Name()).
		Str("stream", c.stream.Name()).
		Msg("Composite transport opened")
	return nil
}

// Close closes both transports
func (c *Composite) Close() error {
	c.mutex.Lock()
	in, cancel := c.inbox, c.cancel
	c.inbox = nil
	c.cancel = nil
	c.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if in != nil {
		in.close()
	}

	err := errors.Join(c.requests.Close(), c.stream.Close())
	c.wg.Wait()
	return err
}

// IsConnected reports whether both sides are up
func (c *Composite) IsConnected() bool {
	return c.requests.IsConnected() && c.stream.IsConnected()
}

// Handshake runs on the request side
func (c *Composite) Handshake(ctx context.Context) (Version, error) {
	return handshake(ctx, c, c.logger)
}

// Send writes on the request side
func (c *Composite) Send(ctx context.Context, frame []byte) error {
	return c.requests.Send(ctx, frame)
}

// ReadFrame returns the next frame from either side
func (c *Composite) ReadFrame(ctx context.Context) (protocol.Inbound, error) {
	c.mutex.RLock()
	in := c.inbox
	c.mutex.RUnlock()

	if in == nil {
		return protocol.Inbound{}, ErrNotConnected
	}
	return in.read(ctx)
}

func (c *Composite) forward(ctx context.Context, t Transport, stream bool, in *inbox) {
	defer c.wg.Done()

	for {
		frame, err := t.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				in.fail(fmt.Errorf("%s: %w", t.Name(), err))
			}
			return
		}
		origin := frame.Origin
		if stream {
			origin = protocol.OriginStream
		}
		if !in.push(frame.Data, origin) {
			return
		}
	}
}
