package transport

import (
	"context"
	"testing"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mt5session/internal/protocol"
)

// fakeBridge answers like the IPC bridge: ROUTER for requests, PUB for pushes
type fakeBridge struct {
	router  *zmq4.Socket
	pub     *zmq4.Socket
	request string
	stream  string
	stop    chan struct{}
	done    chan struct{}
}

func newFakeBridge(t *testing.T, serverSecret string) *fakeBridge {
	t.Helper()

	router, err := zmq4.NewSocket(zmq4.ROUTER)
	require.NoError(t, err)
	pub, err := zmq4.NewSocket(zmq4.PUB)
	require.NoError(t, err)

	for _, s := range []*zmq4.Socket{router, pub} {
		require.NoError(t, s.SetLinger(0))
		if serverSecret != "" {
			require.NoError(t, s.ServerAuthCurve("*", serverSecret))
		}
		require.NoError(t, s.Bind("tcp://127.0.0.1:*"))
	}

	b := &fakeBridge{
		router: router,
		pub:    pub,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	b.request, err = router.GetLastEndpoint()
	require.NoError(t, err)
	b.stream, err = pub.GetLastEndpoint()
	require.NoError(t, err)

	go b.serve()
	t.Cleanup(b.close)
	return b
}

func (b *fakeBridge) serve() {
	defer close(b.done)

	poller := zmq4.NewPoller()
	poller.Add(b.router, zmq4.POLLIN)
	for {
		select {
		case <-b.stop:
			return
		default:
		}

		polled, err := poller.Poll(20 * time.Millisecond)
		if err != nil || len(polled) == 0 {
			continue
		}
		parts, err := b.router.RecvMessageBytes(zmq4.DONTWAIT)
		if err != nil || len(parts) < 2 {
			continue
		}
		msg, err := protocol.Decode(parts[len(parts)-1])
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
			reply = protocol.Encode(msg.Command, msg.SubCommand, "bridged")
		}
		b.router.SendMessage(parts[0], reply)
	}
}

func (b *fakeBridge) push(frame []byte) error {
	_, err := b.pub.SendBytes(frame, 0)
	return err
}

func (b *fakeBridge) close() {
	select {
	case <-b.stop:
		return
	default:
	}
	close(b.stop)
	<-b.done
	b.router.Close()
	b.pub.Close()
}

func exerciseBridge(t *testing.T, b *fakeBridge, tr *IPCTransport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, tr.Open(ctx))
	defer tr.Close()
	assert.True(t, tr.IsConnected())

	v, err := tr.Handshake(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, v.Version)
	assert.Equal(t, 4620, v.Build)

	require.NoError(t, tr.Send(ctx, protocol.Frame(protocol.CMD_SERVER_TIME, "1")))
	frame, err := tr.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "F005^1^bridged", string(frame.Data))
	assert.Equal(t, protocol.OriginReply, frame.Origin)

	// PUB drops frames until the subscription has propagated
	pushed := protocol.Encode(protocol.CMD_DYNAMIC_ACCOUNT_INFO, "1", "1000", "1000", "0", "0", "0", "1000")
	require.Eventually(t, func() bool {
		if err := b.push(pushed); err != nil {
			return false
		}
		readCtx, readCancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer readCancel()
		got, err := tr.ReadFrame(readCtx)
		return err == nil && string(got.Data) == string(pushed) && got.Origin == protocol.OriginStream
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Close())
	assert.False(t, tr.IsConnected())
	assert.ErrorIs(t, tr.Send(ctx, protocol.Frame(protocol.CMD_SERVER_TIME, "1")), ErrNotConnected)
}

func TestIPCTransport(t *testing.T) {
	b := newFakeBridge(t, "")
	tr := NewIPCTransport(Options{
		IPCRequestEndpoint: b.request,
		IPCStreamEndpoint:  b.stream,
		Identity:           "ipc-test",
	})
	assert.Equal(t, "ipc", tr.Name())
	exerciseBridge(t, b, tr)
}

func TestIPCTransportCurve(t *testing.T) {
	if !zmq4.HasCurve() {
		t.Skip("libzmq built without CURVE support")
	}

	serverPublic, serverSecret, err := zmq4.NewCurveKeypair()
	require.NoError(t, err)
	keys, err := GenerateCurveKeys()
	require.NoError(t, err)
	keys.ServerKey = serverPublic
	require.NoError(t, keys.Validate())
	assert.True(t, keys.Enabled())

	b := newFakeBridge(t, serverSecret)
	tr := NewIPCTransport(Options{
		IPCRequestEndpoint: b.request,
		IPCStreamEndpoint:  b.stream,
		IPCCurve:           keys,
	})
	exerciseBridge(t, b, tr)
}

func TestIPCTransportRequiresEndpoint(t *testing.T) {
	tr := NewIPCTransport(Options{})
	assert.Error(t, tr.Open(context.Background()))
	assert.ErrorIs(t, tr.Send(context.Background(), []byte("F000^1^")), ErrNotConnected)
}

func TestCurveKeysValidate(t *testing.T) {
	assert.False(t, CurveKeys{}.Enabled())
	assert.ErrorContains(t, CurveKeys{ServerKey: "short"}.Validate(), "server key")
}
