package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"mt5session/internal/logger"
	"mt5session/internal/protocol"
)

const (
	webWriteTimeout = 10 * time.Second
	webPongWait     = 60 * time.Second
	webPingPeriod   = (webPongWait * 9) / 10
)

// WebTransport carries the wire frames as websocket text messages, as served
// by a web terminal bridge
type WebTransport struct {
	url   string
	debug bool

	conn  *websocket.Conn
	inbox *inbox
	wg    sync.WaitGroup
	stop  chan struct{}

	connected  atomic.Bool
	mutex      sync.RWMutex
	writeMutex sync.Mutex
	logger     zerolog.Logger
}

// NewWebTransport creates a websocket transport
func NewWebTransport(opts Options) *WebTransport {
	return &WebTransport{
		url:    opts.WebURL,
		debug:  opts.Debug,
		logger: logger.GetLogger("transport.web"),
	}
}

// Name returns the strategy name
func (w *WebTransport) Name() string {
	return "web"
}

// Open dials the websocket and starts the read and ping loops
func (w *WebTransport) Open(ctx context.Context) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.connected.Load() {
		return nil
	}
	if w.url == "" {
		return fmt.Errorf("web url is required")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", w.url, err)
	}

	conn.SetReadDeadline(time.Now().Add(webPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(webPongWait))
	})

	w.conn = conn
	w.inbox = newInbox()
	w.stop = make(chan struct{})
	w.connected.Store(true)

	w.wg.Add(2)
	go w.readLoop(conn, w.inbox)
	go w.pingLoop(conn, w.stop)

	w.logger.Info().Str("url", w.url).Msg("Connected to web terminal")
	return nil
}

// Close sends a close frame and tears the connection down
func (w *WebTransport) Close() error {
	w.mutex.Lock()
	conn, in, stop := w.conn, w.inbox, w.stop
	w.conn = nil
	w.stop = nil
	w.connected.Store(false)
	w.mutex.Unlock()

	if conn == nil {
		return nil
	}

	close(stop)
	in.close()

	w.writeMutex.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMutex.Unlock()

	err := conn.Close()
	w.wg.Wait()

	w.logger.Info().Msg("Disconnected from web terminal")
	return err
}

// IsConnected reports whether the websocket is up
func (w *WebTransport) IsConnected() bool {
	return w.connected.Load()
}

// Handshake runs the F000/F012 version exchange over the websocket
func (w *WebTransport) Handshake(ctx context.Context) (Version, error) {
	return handshake(ctx, w, w.logger)
}

// Send writes one frame as a text message
func (w *WebTransport) Send(ctx context.Context, frame []byte) error {
	w.mutex.RLock()
	conn := w.conn
	w.mutex.RUnlock()

	if conn == nil || !w.connected.Load() {
		return ErrNotConnected
	}

	deadline := time.Now().Add(webWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	w.writeMutex.Lock()
	defer w.writeMutex.Unlock()

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		w.connected.Store(false)
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame returns the next text message. Replies and pushes share the
// socket, so frames carry no origin.
func (w *WebTransport) ReadFrame(ctx context.Context) (protocol.Inbound, error) {
	w.mutex.RLock()
	in := w.inbox
	w.mutex.RUnlock()

	if in == nil {
		return protocol.Inbound{}, ErrNotConnected
	}
	return in.read(ctx)
}

func (w *WebTransport) readLoop(conn *websocket.Conn, in *inbox) {
	defer w.wg.Done()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-in.done:
				return
			default:
			}
			w.connected.Store(false)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = errors.Join(ErrClosed, err)
			}
			w.logger.Warn().Err(err).Msg("Web terminal read failed")
			in.fail(err)
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if w.debug {
			w.logger.Debug().Bytes("frame", data).Msg("Received frame")
		}
		if !in.push(data, protocol.OriginAny) {
			return
		}
	}
}

func (w *WebTransport) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(webPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.writeMutex.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(webWriteTimeout))
			w.writeMutex.Unlock()
			if err != nil {
				w.logger.Warn().Err(err).Msg("Web terminal ping failed")
				return
			}
		case <-stop:
			return
		}
	}
}
