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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
	"mt5session/internal/logger"
	"mt5session/internal/protocol"
)

const (
	ipcPollInterval = 50 * time.Millisecond
	ipcOutboxSize   = 256
)

// IPCTransport reaches the terminal through a ZeroMQ bridge process: a DEALER
// socket for request/reply and a SUB socket for pushed frames. zmq sockets
// are not goroutine safe, so a single loop owns both.
type IPCTransport struct {
	requestEndpoint string
	streamEndpoint  string
	identity        string
	curve           CurveKeys
	debug           bool

	outbox chan []byte
	inbox  *inbox
	stop   chan struct{}
	done   chan struct{}

	connected atomic.Bool
	mutex     sync.RWMutex
	logger    zerolog.Logger
}

// NewIPCTransport creates a ZeroMQ bridge transport
func NewIPCTransport(opts Options) *IPCTransport {
	identity := opts.Identity
	if identity == "" {
		identity = "mt5session"
	}
	return &IPCTransport{
		requestEndpoint: opts.IPCRequestEndpoint,
		streamEndpoint:  opts.IPCStreamEndpoint,
		identity:        identity,
		curve:           opts.IPCCurve,
		debug:           opts.Debug,
		logger:          logger.GetLogger("transport.ipc"),
	}
}

// Name returns the strategy name
func (z *IPCTransport) Name() string {
	return "ipc"
}

// Open creates and connects the sockets and starts the socket loop
func (z *IPCTransport) Open(ctx context.Context) error {
	z.mutex.Lock()
	defer z.mutex.Unlock()

	if z.connected.Load() {
		return nil
	}
	if z.requestEndpoint == "" {
		return fmt.Errorf("ipc request endpoint is required")
	}

	dealer, err := zmq4.NewSocket(zmq4.DEALER)
	if err != nil {
		return fmt.Errorf("failed to create DEALER socket: %w", err)
	}
	if err = dealer.SetIdentity(z.identity); err != nil {
		dealer.Close()
		return fmt.Errorf("failed to set socket identity: %w", err)
	}
	if err = dealer.SetLinger(0); err != nil {
		dealer.Close()
		return fmt.Errorf("failed to set linger: %w", err)
	}
	if err = z.curve.apply(dealer); err != nil {
		dealer.Close()
		return err
	}
	if err = dealer.Connect(z.requestEndpoint); err != nil {
		dealer.Close()
		return fmt.Errorf("failed to connect to bridge %s: %w", z.requestEndpoint, err)
	}

	var sub *zmq4.Socket
	if z.streamEndpoint != "" {
		sub, err = zmq4.NewSocket(zmq4.SUB)
		if err != nil {
			dealer.Close()
			return fmt.Errorf("failed to create SUB socket: %w", err)
		}
		if err = sub.SetLinger(0); err == nil {
			err = z.curve.apply(sub)
		}
		if err == nil {
			err = sub.SetSubscribe("")
		}
		if err == nil {
			err = sub.Connect(z.streamEndpoint)
		}
		if err != nil {
			sub.Close()
			dealer.Close()
			return fmt.Errorf("failed to connect to bridge stream %s: %w", z.streamEndpoint, err)
		}
	}

	z.outbox = make(chan []byte, ipcOutboxSize)
	z.inbox = newInbox()
	z.stop = make(chan struct{})
	z.done = make(chan struct{})
	z.connected.Store(true)

	go z.loop(dealer, sub, z.outbox, z.inbox, z.stop, z.done)

	z.logger.Info().
		Str("request_endpoint", z.requestEndpoint).
		Str("stream_endpoint", z.streamEndpoint).
		Str("identity", z.identity).
		Bool("curve", z.curve.Enabled()).
		Msg("Connected to terminal bridge")

	return nil
}

// Close stops the socket loop, which closes the sockets
func (z *IPCTransport) Close() error {
	z.mutex.Lock()
	stop, done, in := z.stop, z.done, z.inbox
	z.stop = nil
	z.connected.Store(false)
	z.mutex.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	in.close()
	<-done

	z.logger.Info().Msg("Disconnected from terminal bridge")
	return nil
}

// IsConnected reports whether the socket loop is running
func (z *IPCTransport) IsConnected() bool {
	return z.connected.Load()
}

// Handshake runs the F000/F012 version exchange over the bridge
func (z *IPCTransport) Handshake(ctx context.Context) (Version, error) {
	return handshake(ctx, z, z.logger)
}

// Send queues a frame for the socket loop
func (z *IPCTransport) Send(ctx context.Context, frame []byte) error {
	z.mutex.RLock()
	outbox, stop := z.outbox, z.stop
	z.mutex.RUnlock()

	if stop == nil || !z.connected.Load() {
		return ErrNotConnected
	}

	select {
	case outbox <- append([]byte{}, frame...):
		return nil
	case <-stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadFrame returns the next reply (DEALER) or pushed frame (SUB)
func (z *IPCTransport) ReadFrame(ctx context.Context) (protocol.Inbound, error) {
	z.mutex.RLock()
	in := z.inbox
	z.mutex.RUnlock()

	if in == nil {
		return protocol.Inbound{}, ErrNotConnected
	}
	return in.read(ctx)
}

func (z *IPCTransport) loop(dealer, sub *zmq4.Socket, outbox <-chan []byte, in *inbox, stop, done chan struct{}) {
	defer close(done)
	defer func() {
		dealer.Close()
		if sub != nil {
			sub.Close()
		}
	}()

	poller := zmq4.NewPoller()
	poller.Add(dealer, zmq4.POLLIN)
	if sub != nil {
		poller.Add(sub, zmq4.POLLIN)
	}

	for {
		select {
		case <-stop:
			return
		default:
		}

		// flush queued requests
	flush:
		for {
			select {
			case frame := <-outbox:
				if _, err := dealer.SendBytes(frame, zmq4.DONTWAIT); err != nil {
					z.logger.Error().Err(err).Msg("Failed to send frame to bridge")
					z.connected.Store(false)
					in.fail(fmt.Errorf("bridge send failed: %w", err))
					return
				}
				if z.debug {
					z.logger.Debug().Bytes("frame", frame).Msg("Sent frame")
				}
			default:
				break flush
			}
		}

		polled, err := poller.Poll(ipcPollInterval)
		if err != nil {
			z.logger.Error().Err(err).Msg("Bridge poll failed")
			z.connected.Store(false)
			in.fail(fmt.Errorf("bridge poll failed: %w", err))
			return
		}

		for _, item := range polled {
			parts, err := item.Socket.RecvMessageBytes(zmq4.DONTWAIT)
			if err != nil {
				z.logger.Warn().Err(err).Msg("Failed to receive from bridge")
				continue
			}
			if len(parts) == 0 {
				continue
			}
			// the payload is the last part, after any envelope frames
			frame := parts[len(parts)-1]
			if len(frame) == 0 {
				continue
			}
			if z.debug {
				z.logger.Debug().Bytes("frame", frame).Msg("Received frame")
			}
			origin := protocol.OriginReply
			if item.Socket == sub {
				origin = protocol.OriginStream
			}
			if !in.push(frame, origin) {
				return
			}
		}
	}
}
