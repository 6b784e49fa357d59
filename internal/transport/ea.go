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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"mt5session/internal/logger"
	"mt5session/internal/protocol"
)

const (
	eaDialTimeout  = 10 * time.Second
	eaWriteTimeout = 10 * time.Second
)

// EATransport talks to the socket server EA running inside the terminal:
// a request/reply connection on the REST port and a push connection on the
// stream port, both CRLF framed
type EATransport struct {
	host         string
	restPort     int
	streamPort   int
	enableStream bool
	debug        bool

	rest   net.Conn
	stream net.Conn
	inbox  *inbox
	wg     sync.WaitGroup

	connected  atomic.Bool
	mutex      sync.RWMutex
	writeMutex sync.Mutex
	logger     zerolog.Logger
}

// NewEATransport creates an EA socket transport
func NewEATransport(opts Options) *EATransport {
	host := opts.Host
	if host == "" {
		host = protocol.MT5_HOST
	}
	restPort := opts.RestPort
	if restPort == 0 {
		restPort = protocol.MT5_REST_PORT
	}
	streamPort := opts.StreamPort
	if streamPort == 0 {
		streamPort = protocol.MT5_STREAM_PORT
	}

	return &EATransport{
		host:         host,
		restPort:     restPort,
		streamPort:   streamPort,
		enableStream: opts.EnableStream,
		debug:        opts.Debug,
		logger:       logger.GetLogger("transport.ea"),
	}
}

// Name returns the strategy name
func (e *EATransport) Name() string {
	return "ea"
}

// Open connects the REST socket and, when enabled, the stream socket
func (e *EATransport) Open(ctx context.Context) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: eaDialTimeout, KeepAlive: 30 * time.Second}

	restAddr := net.JoinHostPort(e.host, strconv.Itoa(e.restPort))
	rest, err := dialer.DialContext(ctx, "tcp", restAddr)
	if err != nil {
		return fmt.Errorf("failed to connect REST socket %s: %w", restAddr, err)
	}

	var stream net.Conn
	if e.enableStream {
		streamAddr := net.JoinHostPort(e.host, strconv.Itoa(e.streamPort))
		stream, err = dialer.DialContext(ctx, "tcp", streamAddr)
		if err != nil {
			rest.Close()
			return fmt.Errorf("failed to connect stream socket %s: %w", streamAddr, err)
		}
	}

	e.rest = rest
	e.stream = stream
	e.inbox = newInbox()
	e.connected.Store(true)

	e.wg.Add(1)
	go e.receive("rest", rest, protocol.OriginReply, e.inbox)
	if stream != nil {
		e.wg.Add(1)
		go e.receive("stream", stream, protocol.OriginStream, e.inbox)
	}

	e.logger.Info().
		Str("host", e.host).
		Int("rest_port", e.restPort).
		Int("stream_port", e.streamPort).
		Bool("stream", stream != nil).
		Msg("Connected to terminal EA")

	return nil
}

// Close shuts both sockets and waits for the receivers to exit
func (e *EATransport) Close() error {
	e.mutex.Lock()
	rest, stream, in := e.rest, e.stream, e.inbox
	e.rest, e.stream = nil, nil
	e.connected.Store(false)
	e.mutex.Unlock()

	if in != nil {
		in.close()
	}

	var lastErr error
	for _, conn := range []net.Conn{rest, stream} {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			lastErr = err
		}
	}
	e.wg.Wait()

	if rest != nil {
		e.logger.Info().Msg("Disconnected from terminal EA")
	}
	return lastErr
}

// IsConnected reports whether both sockets are still up
func (e *EATransport) IsConnected() bool {
	return e.connected.Load()
}

// Handshake runs the F000/F012 version exchange
func (e *EATransport) Handshake(ctx context.Context) (Version, error) {
	return handshake(ctx, e, e.logger)
}

// Send writes one frame on the REST socket
func (e *EATransport) Send(ctx context.Context, frame []byte) error {
	e.mutex.RLock()
	conn := e.rest
	e.mutex.RUnlock()

	if conn == nil || !e.connected.Load() {
		return ErrNotConnected
	}

	if !bytes.HasSuffix(frame, []byte(protocol.MT5_SUFFIX)) {
		frame = append(append([]byte{}, frame...), protocol.MT5_SUFFIX...)
	}

	deadline := time.Now().Add(eaWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	e.writeMutex.Lock()
	defer e.writeMutex.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		e.connected.Store(false)
		return fmt.Errorf("failed to write frame: %w", err)
	}

	if e.debug {
		e.logger.Debug().Bytes("frame", bytes.TrimRight(frame, "\r\n")).Msg("Sent frame")
	}
	return nil
}

// ReadFrame returns the next frame from either socket. REST frames are
// replies, stream frames are pushes.
func (e *EATransport) ReadFrame(ctx context.Context) (protocol.Inbound, error) {
	e.mutex.RLock()
	in := e.inbox
	e.mutex.RUnlock()

	if in == nil {
		return protocol.Inbound{}, ErrNotConnected
	}
	return in.read(ctx)
}

func (e *EATransport) receive(name string, conn net.Conn, origin protocol.Origin, in *inbox) {
	defer e.wg.Done()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			frame := bytes.TrimRight(line, "\r\n")
			if e.debug {
				e.logger.Debug().Str("socket", name).Bytes("frame", frame).Msg("Received frame")
			}
			if !in.push(frame, origin) {
				return
			}
		}
		if err != nil {
			select {
			case <-in.done:
				return
			default:
			}

			e.connected.Store(false)
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%s socket closed by terminal: %w", name, err)
			}
			e.logger.Warn().Err(err).Str("socket", name).Msg("Terminal socket failed")
			in.fail(err)
			return
		}
	}
}
