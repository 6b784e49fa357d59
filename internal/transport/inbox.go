package transport

import (
	"context"
	"sync"

	"mt5session/internal/protocol"
)

const inboxSize = 1024

// inbox merges the frames of one connection epoch from any number of
// receiving goroutines. Every frame keeps the origin of its receiver.
type inbox struct {
	frames chan protocol.Inbound
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func newInbox() *inbox {
	return &inbox{
		frames: make(chan protocol.Inbound, inboxSize),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// push hands a frame to the reader; it gives up once the epoch is closed
func (in *inbox) push(frame []byte, origin protocol.Origin) bool {
	select {
	case <-in.done:
		return false
	default:
	}

	select {
	case in.frames <- protocol.Inbound{Data: frame, Origin: origin}:
		return true
	case <-in.done:
		return false
	}
}

// fail records the first receive error of the epoch
func (in *inbox) fail(err error) {
	select {
	case in.errs <- err:
	default:
	}
}

func (in *inbox) close() {
	in.once.Do(func() { close(in.done) })
}

func (in *inbox) read(ctx context.Context) (protocol.Inbound, error) {
	// frames that already arrived win over a pending error
	select {
	case frame := <-in.frames:
		return frame, nil
	default:
	}

	select {
	case frame := <-in.frames:
		return frame, nil
	case err := <-in.errs:
		in.fail(err)
		return protocol.Inbound{}, err
	case <-in.done:
		return protocol.Inbound{}, ErrClosed
	case <-ctx.Done():
		return protocol.Inbound{}, ctx.Err()
	}
}
