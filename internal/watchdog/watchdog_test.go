package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mt5session/internal/registry"
)

type fakeConn struct {
	connected    atomic.Bool
	closed       atomic.Int32
	reconnects   atomic.Int32
	reconnectErr error
	beforeReturn func()
}

func (f *fakeConn) IsConnected() bool { return f.connected.Load() }

func (f *fakeConn) ConnectionClosed() int {
	f.closed.Add(1)
	f.connected.Store(false)
	return 0
}

func (f *fakeConn) Reconnect(ctx context.Context) error {
	f.reconnects.Add(1)
	if f.beforeReturn != nil {
		f.beforeReturn()
	}
	if f.reconnectErr != nil {
		return f.reconnectErr
	}
	f.connected.Store(true)
	return nil
}

// issuer records which subscriptions were issued
type issuer struct {
	mutex  sync.Mutex
	issued []string
}

func (i *issuer) action(name string, err error) registry.Action {
	return func(ctx context.Context) error {
		i.mutex.Lock()
		i.issued = append(i.issued, name)
		i.mutex.Unlock()
		return err
	}
}

func (i *issuer) names() []string {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return append([]string(nil), i.issued...)
}

func TestCheckConnected(t *testing.T) {
	conn := &fakeConn{}
	conn.connected.Store(true)
	w := New(conn, registry.NewSubscriptions(), Config{Interval: time.Millisecond})

	require.NoError(t, w.Check(context.Background()))
	assert.Equal(t, int32(0), conn.reconnects.Load())
	assert.False(t, w.IsDegraded())
	assert.Equal(t, int64(1), w.Stats().Checks)
}

func TestResubscribeReplaysActiveSet(t *testing.T) {
	subs := registry.NewSubscriptions()
	ids := registry.NewIDGenerator()
	rec := &issuer{}

	for _, name := range []string{"A", "B", "C"} {
		_, err := subs.Add(ids.Next(), name, rec.action(name, nil), nil)
		require.NoError(t, err)
	}

	conn := &fakeConn{}
	// B goes away just before the reconnect completes
	conn.beforeReturn = func() { subs.RemoveByName("B") }

	var lost, restored atomic.Int32
	w := New(conn, subs, Config{Interval: time.Millisecond},
		OnLost(func() { lost.Add(1) }),
		OnRestored(func() { restored.Add(1) }),
	)

	require.NoError(t, w.Check(context.Background()))

	assert.Equal(t, []string{"A", "C"}, rec.names())
	assert.Equal(t, int32(1), conn.closed.Load())
	assert.Equal(t, int32(1), lost.Load())
	assert.Equal(t, int32(1), restored.Load())
	assert.False(t, w.IsDegraded())

	for _, sub := range subs.All() {
		assert.Equal(t, registry.StatusRunning, sub.Status())
	}

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Losses)
	assert.Equal(t, int64(1), stats.Reconnects)
	assert.Equal(t, int64(2), stats.Resubscribed)
}

func TestResubscribeContinuesAfterFailure(t *testing.T) {
	subs := registry.NewSubscriptions()
	ids := registry.NewIDGenerator()
	rec := &issuer{}

	_, err := subs.Add(ids.Next(), "A", rec.action("A", errors.New("terminal busy")), nil)
	require.NoError(t, err)
	_, err = subs.Add(ids.Next(), "B", rec.action("B", nil), nil)
	require.NoError(t, err)

	w := New(&fakeConn{}, subs, Config{})
	replayed, failed := w.Resubscribe(context.Background())

	assert.Equal(t, 1, replayed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"A", "B"}, rec.names())

	a, ok := subs.GetByName("A")
	require.True(t, ok)
	assert.Equal(t, registry.StatusPendingStartup, a.Status())
}

func TestDegradedDuringCooldown(t *testing.T) {
	conn := &fakeConn{}
	w := New(conn, registry.NewSubscriptions(), Config{Interval: time.Millisecond, Cooldown: 30 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- w.Check(context.Background()) }()

	assert.Eventually(t, w.IsDegraded, time.Second, time.Millisecond)
	require.NoError(t, <-done)
	assert.False(t, w.IsDegraded())
}

func TestProbe(t *testing.T) {
	conn := &fakeConn{}
	conn.connected.Store(true)

	var probes atomic.Int32
	w := New(conn, registry.NewSubscriptions(), Config{Interval: time.Millisecond, ProbeEvery: 2},
		WithProbe(func(ctx context.Context) error {
			if probes.Add(1) == 2 {
				return errors.New("no answer")
			}
			return nil
		}),
	)

	ctx := context.Background()
	require.NoError(t, w.Check(ctx)) // tick 1, no probe
	require.NoError(t, w.Check(ctx)) // tick 2, probe ok
	assert.Equal(t, int32(0), conn.reconnects.Load())

	require.NoError(t, w.Check(ctx)) // tick 3, no probe
	require.NoError(t, w.Check(ctx)) // tick 4, probe fails
	assert.Equal(t, int32(1), conn.reconnects.Load())
	assert.Equal(t, int64(1), w.Stats().ProbeFailures)
}

func TestSkippedCheckKeepsConnection(t *testing.T) {
	conn := &fakeConn{}
	conn.connected.Store(true)

	w := New(conn, registry.NewSubscriptions(), Config{Interval: time.Millisecond, ProbeEvery: 1},
		WithProbe(func(ctx context.Context) error {
			return fmt.Errorf("check already in flight: %w", ErrCheckSkipped)
		}),
	)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Check(context.Background()))
	}
	assert.Equal(t, int32(0), conn.reconnects.Load())
	assert.False(t, w.IsDegraded())

	stats := w.Stats()
	assert.Equal(t, int64(3), stats.ChecksSkipped)
	assert.Equal(t, int64(0), stats.ProbeFailures)
	assert.Equal(t, int64(0), stats.Losses)
}

func TestRunGivesUp(t *testing.T) {
	exhausted := errors.New("reconnect attempts exhausted")
	conn := &fakeConn{reconnectErr: exhausted}

	var gaveUp atomic.Value
	w := New(conn, registry.NewSubscriptions(), Config{Interval: time.Millisecond},
		OnGiveUp(func(err error) { gaveUp.Store(err) }),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := w.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, exhausted)
	assert.ErrorIs(t, gaveUp.Load().(error), exhausted)
	assert.True(t, w.IsDegraded())
}

func TestRunStopsOnCancel(t *testing.T) {
	conn := &fakeConn{}
	conn.connected.Store(true)
	w := New(conn, registry.NewSubscriptions(), Config{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.Notify()
	assert.Eventually(t, func() bool { return w.Stats().Checks >= 2 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
