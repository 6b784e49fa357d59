package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mt5session/internal/protocol"
)

func TestInbox(t *testing.T) {
	t.Run("frames before error", func(t *testing.T) {
		in := newInbox()
		require.True(t, in.push([]byte("a"), protocol.OriginStream))
		in.fail(errors.New("boom"))

		frame, err := in.read(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a", string(frame.Data))
		assert.Equal(t, protocol.OriginStream, frame.Origin)

		// the error stays until the epoch ends
		for i := 0; i < 2; i++ {
			_, err = in.read(context.Background())
			assert.EqualError(t, err, "boom")
		}
	})

	t.Run("closed", func(t *testing.T) {
		in := newInbox()
		in.close()
		in.close()

		assert.False(t, in.push([]byte("a"), protocol.OriginReply))
		_, err := in.read(context.Background())
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("context", func(t *testing.T) {
		in := newInbox()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := in.read(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
