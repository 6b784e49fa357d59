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
	"strconv"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"mt5session/internal/protocol"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrClosed       = errors.New("transport closed")
)

// Connection modes
const (
	ModeIPC   = "IPC"
	ModeEA    = "EA"
	ModeEAIPC = "EA_IPC"
	ModeWeb   = "WEB"
)

// Version is what the terminal reports during the handshake
type Version struct {
	Version     int    `json:"version"`
	Build       int    `json:"build"`
	ReleaseDate string `json:"release_date"`
}

// Valid reports whether the terminal returned a usable version
func (v Version) Valid() bool {
	return v.Version > 0
}

// Transport is one way of reaching the terminal. All strategies carry the
// same ^-delimited frames.
type Transport interface {
	// Name returns the strategy name (e.g., "ea", "ipc", "web")
	Name() string

	// Open dials the terminal and starts receiving frames
	Open(ctx context.Context) error

	// Close releases the connection; safe to call more than once
	Close() error

	// IsConnected reports whether the transport still has a live link
	IsConnected() bool

	// Handshake asks the terminal for its version information
	Handshake(ctx context.Context) (Version, error)

	// Send writes one frame towards the terminal
	Send(ctx context.Context, frame []byte) error

	// ReadFrame blocks until the next inbound frame arrives, tagged with the
	// channel it came in on
	ReadFrame(ctx context.Context) (protocol.Inbound, error)
}

// Options selects and configures a transport strategy
type Options struct {
	Mode         string
	Host         string
	RestPort     int
	StreamPort   int
	EnableStream bool
	// IPC bridge endpoints, e.g. tcp://127.0.0.1:15558
	IPCRequestEndpoint string
	IPCStreamEndpoint  string
	IPCCurve           CurveKeys
	WebURL             string
	Identity           string
	Debug              bool
}

// New builds the transport for the configured mode
func New(opts Options) (Transport, error) {
	switch strings.ToUpper(opts.Mode) {
	case ModeEA:
		return NewEATransport(opts), nil
	case ModeIPC:
		return NewIPCTransport(opts), nil
	case ModeWeb:
		return NewWebTransport(opts), nil
	case ModeEAIPC:
		ea := opts
		ea.EnableStream = true
		return NewComposite(NewIPCTransport(opts), NewEATransport(ea)), nil
	default:
		return nil, fmt.Errorf("unknown connection mode %q", opts.Mode)
	}
}

// frameReadWriter is the part of a transport the handshake exchange needs
type frameReadWriter interface {
	Send(ctx context.Context, frame []byte) error
	ReadFrame(ctx context.Context) (protocol.Inbound, error)
}

// exchange sends a command and waits for the frame echoing it. Pushes and
// frames for other commands that arrive meanwhile are skipped.
func exchange(ctx context.Context, rw frameReadWriter, log zerolog.Logger, command, sub string, params ...string) (protocol.Message, error) {
	if err := rw.Send(ctx, protocol.Frame(command, sub, params...)); err != nil {
		return protocol.Message{}, err
	}

	for {
		raw, err := rw.ReadFrame(ctx)
		if err != nil {
			return protocol.Message{}, err
		}
		if raw.Origin == protocol.OriginStream {
			continue
		}
		msg, err := protocol.Decode(raw.Data)
		if err != nil {
			log.Debug().Err(err).Msg("Skipping malformed frame during exchange")
			continue
		}
		if msg.Command != command {
			log.Debug().
				Str("expected", command).
				Str("command", msg.Command).
				Msg("Skipping unrelated frame during exchange")
			continue
		}
		return msg, nil
	}
}

// handshake runs the version exchange shared by every strategy: a connection
// check followed by the terminal type query
func handshake(ctx context.Context, rw frameReadWriter, log zerolog.Logger) (Version, error) {
	check, err := exchange(ctx, rw, log, protocol.CMD_CHECK_CONNECTION, "1")
	if err != nil {
		return Version{}, fmt.Errorf("connection check failed: %w", err)
	}
	if err := check.Validate(protocol.CMD_CHECK_CONNECTION); err != nil {
		return Version{}, err
	}

	info, err := exchange(ctx, rw, log, protocol.CMD_TERMINAL_TYPE, "1")
	if err != nil {
		return Version{}, fmt.Errorf("terminal type query failed: %w", err)
	}
	return parseVersion(info), nil
}

// parseVersion reads the F012 reply: the terminal type ("1" for MT4, "MT5"
// or any other value for MT5), then build and release date when present
func parseVersion(msg protocol.Message) Version {
	var v Version

	switch kind := msg.Field(0); kind {
	case "":
	case "1":
		v.Version = 4
	default:
		digits := strings.TrimFunc(kind, func(r rune) bool { return !unicode.IsDigit(r) })
		if n, err := strconv.Atoi(digits); err == nil && (n == 4 || n == 5) {
			v.Version = n
		} else {
			v.Version = 5
		}
	}
	if n, err := strconv.Atoi(msg.Field(1)); err == nil {
		v.Build = n
	}
	v.ReleaseDate = msg.Field(2)
	return v
}
