package transport

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mt5session/internal/protocol"
)

// fakeEA answers like the socket server EA on one REST connection
func fakeEA(t *testing.T, listener net.Listener, version string) {
	t.Helper()

	conn, err := listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		msg, err := protocol.Decode([]byte(line))
		if err != nil {
			continue
		}
		var reply []byte
		switch msg.Command {
		case protocol.CMD_CHECK_CONNECTION:
			reply = protocol.Frame(msg.Command, "1", "OK")
		case protocol.CMD_TERMINAL_TYPE:
			reply = protocol.Frame(msg.Command, "1", version, "4620", "2024.11.06")
		default:
			reply = protocol.Frame(msg.Command, msg.SubCommand, "echo")
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

func listenerPort(t *testing.T, listener net.Listener) int {
	t.Helper()
	return listener.Addr().(*net.TCPAddr).Port
}

func TestNew(t *testing.T) {
	tests := []struct {
		mode string
		name string
	}{
		{ModeEA, "ea"},
		{"ea", "ea"},
		{ModeIPC, "ipc"},
		{ModeWeb, "web"},
		{ModeEAIPC, "ipc+ea"},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			tr, err := New(Options{Mode: tt.mode})
			require.NoError(t, err)
			assert.Equal(t, tt.name, tr.Name())
			assert.False(t, tr.IsConnected())
		})
	}

	t.Run("unknown", func(t *testing.T) {
		_, err := New(Options{Mode: "FIX"})
		assert.Error(t, err)
	})
}

func TestParseVersion(t *testing.T) {
	msg, err := protocol.Decode([]byte("F012^1^MT5^4620^2024.11.06"))
	require.NoError(t, err)

	v := parseVersion(msg)
	assert.Equal(t, Version{Version: 5, Build: 4620, ReleaseDate: "2024.11.06"}, v)
	assert.True(t, v.Valid())

	msg, err = protocol.Decode([]byte("F012^1^1"))
	require.NoError(t, err)
	assert.Equal(t, 4, parseVersion(msg).Version)

	msg, err = protocol.Decode([]byte("F012^1^0"))
	require.NoError(t, err)
	assert.Equal(t, 5, parseVersion(msg).Version)

	msg, err = protocol.Decode([]byte("F012^1^"))
	require.NoError(t, err)
	assert.False(t, parseVersion(msg).Valid())
}

func TestEATransport(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go fakeEA(t, listener, "MT5")

	tr := NewEATransport(Options{Host: "127.0.0.1", RestPort: listenerPort(t, listener)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, tr.Open(ctx))
	defer tr.Close()
	assert.True(t, tr.IsConnected())

	v, err := tr.Handshake(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, v.Version)
	assert.Equal(t, 4620, v.Build)

	require.NoError(t, tr.Send(ctx, protocol.Encode(protocol.CMD_SERVER_TIME, "1")))
	frame, err := tr.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "F005^1^echo", string(frame.Data))
	assert.Equal(t, protocol.OriginReply, frame.Origin)

	require.NoError(t, tr.Close())
	assert.False(t, tr.IsConnected())
	assert.ErrorIs(t, tr.Send(ctx, protocol.Encode(protocol.CMD_SERVER_TIME, "1")), ErrNotConnected)
}

func TestEATransportStreamOrigin(t *testing.T) {
	rest, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer rest.Close()
	stream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer stream.Close()

	go fakeEA(t, rest, "MT5")
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := stream.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	tr := NewEATransport(Options{
		Host:         "127.0.0.1",
		RestPort:     listenerPort(t, rest),
		StreamPort:   listenerPort(t, stream),
		EnableStream: true,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Open(ctx))
	defer tr.Close()

	conn := <-accepted
	defer conn.Close()

	// a push with the code of the command in flight must not pass as its reply
	_, err = conn.Write([]byte("F005^1^pushed\r\n"))
	require.NoError(t, err)
	frame, err := tr.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "F005^1^pushed", string(frame.Data))
	assert.Equal(t, protocol.OriginStream, frame.Origin)

	require.NoError(t, tr.Send(ctx, protocol.Encode(protocol.CMD_SERVER_TIME, "1")))
	frame, err = tr.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "F005^1^echo", string(frame.Data))
	assert.Equal(t, protocol.OriginReply, frame.Origin)
}

func TestHandshakeSkipsPushes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := NewMemory()
	require.NoError(t, m.Open(ctx))
	require.NoError(t, m.Push([]byte("F000^1^pushed")))
	require.NoError(t, m.Push([]byte("F012^1^MT4")))

	v, err := m.Handshake(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, v.Version)
}

func TestEATransportPeerClose(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	tr := NewEATransport(Options{Host: "127.0.0.1", RestPort: listenerPort(t, listener)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Open(ctx))
	defer tr.Close()

	conn := <-accepted
	_, err = conn.Write([]byte("F020^2^EURUSD^1.1\r\n"))
	require.NoError(t, err)
	conn.Close()

	// the frame sent before the close is still delivered
	frame, err := tr.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "F020^2^EURUSD^1.1", string(frame.Data))

	_, err = tr.ReadFrame(ctx)
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return !tr.IsConnected() }, time.Second, 10*time.Millisecond)
}

func TestEATransportRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listenerPort(t, listener)
	listener.Close()

	tr := NewEATransport(Options{Host: "127.0.0.1", RestPort: port})
	err = tr.Open(context.Background())
	assert.Error(t, err)
	assert.False(t, tr.IsConnected())
}

func TestWebTransport(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			var reply []byte
			switch msg.Command {
			case protocol.CMD_CHECK_CONNECTION:
				reply = protocol.Encode(msg.Command, "1", "OK")
			case protocol.CMD_TERMINAL_TYPE:
				reply = protocol.Encode(msg.Command, "1", "MT5", "4620", "2024.11.06")
			default:
				reply = protocol.Encode(msg.Command, msg.SubCommand, "web")
			}
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	tr := NewWebTransport(Options{WebURL: url})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, tr.Open(ctx))
	defer tr.Close()

	v, err := tr.Handshake(ctx)
	require.NoError(t, err)
	assert.True(t, v.Valid())

	require.NoError(t, tr.Send(ctx, protocol.Encode(protocol.CMD_LAST_TICK, "1", "EURUSD")))
	frame, err := tr.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "F020^1^web", string(frame.Data))
	assert.Equal(t, protocol.OriginAny, frame.Origin)

	require.NoError(t, tr.Close())
	assert.False(t, tr.IsConnected())
}

func TestWebTransportRequiresURL(t *testing.T) {
	tr := NewWebTransport(Options{})
	assert.Error(t, tr.Open(context.Background()))
}

func TestMemory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("handshake", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Open(ctx))

		v, err := m.Handshake(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, v.Version)
		assert.Equal(t, 1, m.SentCount(protocol.CMD_CHECK_CONNECTION))
		assert.Equal(t, 1, m.SentCount(protocol.CMD_TERMINAL_TYPE))
	})

	t.Run("invalid version", func(t *testing.T) {
		m := NewMemory()
		m.SetVersion(Version{})
		require.NoError(t, m.Open(ctx))

		v, err := m.Handshake(ctx)
		require.NoError(t, err)
		assert.False(t, v.Valid())
	})

	t.Run("replies", func(t *testing.T) {
		m := NewMemory()
		m.Handle(protocol.CMD_SERVER_TIME, func(msg protocol.Message) [][]byte {
			return [][]byte{protocol.Encode(msg.Command, msg.SubCommand, "2025.01.02 10:00:00")}
		})
		require.NoError(t, m.Open(ctx))

		require.NoError(t, m.Send(ctx, protocol.Encode(protocol.CMD_SERVER_TIME, "1")))
		frame, err := m.ReadFrame(ctx)
		require.NoError(t, err)
		assert.Equal(t, "F005^1^2025.01.02 10:00:00", string(frame.Data))
		assert.Equal(t, protocol.OriginReply, frame.Origin)

		require.NoError(t, m.PushReply([]byte("F005^1^late")))
		frame, err = m.ReadFrame(ctx)
		require.NoError(t, err)
		assert.Equal(t, protocol.OriginReply, frame.Origin)
	})

	t.Run("drop", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Open(ctx))
		require.NoError(t, m.Push([]byte("F020^2^EURUSD")))

		m.Drop()
		assert.False(t, m.IsConnected())

		frame, err := m.ReadFrame(ctx)
		require.NoError(t, err)
		assert.Equal(t, "F020^2^EURUSD", string(frame.Data))
		assert.Equal(t, protocol.OriginStream, frame.Origin)

		_, err = m.ReadFrame(ctx)
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, m.Send(ctx, protocol.Encode(protocol.CMD_SERVER_TIME, "1")), ErrNotConnected)

		require.NoError(t, m.Open(ctx))
		assert.Equal(t, 2, m.Opens())
	})
}

func TestComposite(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	requests := NewMemory()
	stream := NewMemory()
	c := NewComposite(requests, stream)
	assert.Equal(t, "memory+memory", c.Name())

	require.NoError(t, c.Open(ctx))
	defer c.Close()
	assert.True(t, c.IsConnected())

	_, err := c.Handshake(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requests.SentCount(protocol.CMD_CHECK_CONNECTION))
	assert.Empty(t, stream.Sent())

	require.NoError(t, stream.Push([]byte("F020^2^EURUSD^1.1")))
	frame, err := c.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "F020^2^EURUSD^1.1", string(frame.Data))
	assert.Equal(t, protocol.OriginStream, frame.Origin)

	// anything read from the stream side is a push, even a reply-shaped frame
	require.NoError(t, stream.PushReply([]byte("F020^2^EURUSD^1.2")))
	frame, err = c.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.OriginStream, frame.Origin)

	requests.Handle(protocol.CMD_SERVER_TIME, func(msg protocol.Message) [][]byte {
		return [][]byte{protocol.Encode(msg.Command, msg.SubCommand, "1735800000")}
	})
	require.NoError(t, c.Send(ctx, protocol.Frame(protocol.CMD_SERVER_TIME, "1")))
	frame, err = c.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "F005^1^1735800000", string(frame.Data))
	assert.Equal(t, protocol.OriginReply, frame.Origin)

	stream.Drop()
	assert.False(t, c.IsConnected())
	_, err = c.ReadFrame(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
