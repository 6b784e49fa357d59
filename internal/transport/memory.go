package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"mt5session/internal/logger"
	"mt5session/internal/protocol"
)

// Reply builds the frames a Memory transport answers a command with
type Reply func(msg protocol.Message) [][]byte

// Memory is an in-process terminal used by tests and dry runs. It answers
// the handshake by itself; other commands are answered by registered replies.
type Memory struct {
	mutex     sync.Mutex
	connected bool
	inbox     *inbox
	version   Version
	openErr   error
	opens     int
	sent      []protocol.Message
	replies   map[string]Reply
	logger    zerolog.Logger
}

// NewMemory creates a memory terminal reporting MT5 build 4620
func NewMemory() *Memory {
	return &Memory{
		version: Version{Version: 5, Build: 4620, ReleaseDate: "2024.11.06"},
		replies: make(map[string]Reply),
		logger:  logger.GetLogger("transport.memory"),
	}
}

// Name returns the strategy name
func (m *Memory) Name() string {
	return "memory"
}

// Handle registers the reply for a command code
func (m *Memory) Handle(command string, reply Reply) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.replies[command] = reply
}

// SetVersion changes what the handshake reports; a zero version makes it invalid
func (m *Memory) SetVersion(v Version) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.version = v
}

// SetOpenError makes the following Open calls fail with err, nil clears it
func (m *Memory) SetOpenError(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.openErr = err
}

// Opens returns how many times Open succeeded
func (m *Memory) Opens() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.opens
}

// Open starts a new epoch
func (m *Memory) Open(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.openErr != nil {
		return m.openErr
	}
	if m.connected {
		return nil
	}
	m.inbox = newInbox()
	m.connected = true
	m.opens++
	return nil
}

// Close ends the epoch
func (m *Memory) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.inbox != nil {
		m.inbox.close()
	}
	m.connected = false
	return nil
}

// Drop simulates the terminal going away: reads fail and IsConnected is false
func (m *Memory) Drop() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.connected = false
	if m.inbox != nil {
		m.inbox.fail(fmt.Errorf("%w: terminal dropped", ErrClosed))
	}
}

// IsConnected reports whether the epoch is live
func (m *Memory) IsConnected() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.connected
}

// Handshake runs the shared version exchange against the built-in replies
func (m *Memory) Handshake(ctx context.Context) (Version, error) {
	return handshake(ctx, m, m.logger)
}

// Send records the frame and queues any reply for it
func (m *Memory) Send(ctx context.Context, frame []byte) error {
	msg, err := protocol.Decode(frame)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	if !m.connected {
		m.mutex.Unlock()
		return ErrNotConnected
	}
	m.sent = append(m.sent, msg)
	in := m.inbox
	reply := m.replyFor(msg)
	m.mutex.Unlock()

	for _, out := range reply {
		if !in.push(out, protocol.OriginReply) {
			return ErrClosed
		}
	}
	return nil
}

// Push delivers a frame as if the terminal had pushed it on its stream
func (m *Memory) Push(frame []byte) error {
	return m.deliver(frame, protocol.OriginStream)
}

// PushReply delivers a frame as if the terminal had answered a command,
// e.g. a reply arriving after its request gave up
func (m *Memory) PushReply(frame []byte) error {
	return m.deliver(frame, protocol.OriginReply)
}

func (m *Memory) deliver(frame []byte, origin protocol.Origin) error {
	m.mutex.Lock()
	in, connected := m.inbox, m.connected
	m.mutex.Unlock()

	if !connected {
		return ErrNotConnected
	}
	if !in.push(frame, origin) {
		return ErrClosed
	}
	return nil
}

// Sent returns every command written so far
func (m *Memory) Sent() []protocol.Message {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]protocol.Message(nil), m.sent...)
}

// SentCount returns how many times a command code was written
func (m *Memory) SentCount(command string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	n := 0
	for _, msg := range m.sent {
		if msg.Command == command {
			n++
		}
	}
	return n
}

// ReadFrame returns the next queued frame
func (m *Memory) ReadFrame(ctx context.Context) (protocol.Inbound, error) {
	m.mutex.Lock()
	in := m.inbox
	m.mutex.Unlock()

	if in == nil {
		return protocol.Inbound{}, ErrNotConnected
	}
	return in.read(ctx)
}

// replyFor must be called with the mutex held
func (m *Memory) replyFor(msg protocol.Message) [][]byte {
	switch msg.Command {
	case protocol.CMD_CHECK_CONNECTION:
		if _, ok := m.replies[msg.Command]; !ok {
			return [][]byte{protocol.Encode(protocol.CMD_CHECK_CONNECTION, "1", "OK")}
		}
	case protocol.CMD_TERMINAL_TYPE:
		if _, ok := m.replies[msg.Command]; !ok {
			if !m.version.Valid() {
				return [][]byte{protocol.Encode(protocol.CMD_TERMINAL_TYPE, "1")}
			}
			return [][]byte{protocol.Encode(protocol.CMD_TERMINAL_TYPE, "1",
				fmt.Sprintf("MT%d", m.version.Version), fmt.Sprint(m.version.Build), m.version.ReleaseDate)}
		}
	}

	if reply, ok := m.replies[msg.Command]; ok {
		return reply(msg)
	}
	return nil
}
