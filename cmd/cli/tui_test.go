package cli

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mt5session/internal/account"
	"mt5session/internal/session"
	"mt5session/internal/terminal"
)

type fakeSource struct {
	mutex  sync.Mutex
	status session.Status
	done   chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		status: session.Status{
			Terminal:   "desk@127.0.0.1:15556/EA",
			Connection: terminal.Info{State: "connected", Transport: "memory", Epoch: 1},
		},
		done: make(chan struct{}),
	}
}

func (f *fakeSource) Status() session.Status {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.status
}

func (f *fakeSource) Done() <-chan struct{} {
	return f.done
}

func (f *fakeSource) set(fn func(s *session.Status)) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	fn(&f.status)
}

func update(t *testing.T, m model, msg tea.Msg) (model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(model)
	require.True(t, ok)
	return out, cmd
}

func TestDashboardTracksConnection(t *testing.T) {
	src := newFakeSource()
	m := newModel(src, nil, 0)
	assert.Equal(t, time.Second, m.refresh)

	t.Run("steady state logs nothing", func(t *testing.T) {
		next, cmd := update(t, m, tickMsg(time.Now()))
		assert.Empty(t, next.history)
		assert.NotNil(t, cmd)
	})

	src.set(func(s *session.Status) {
		s.Degraded = true
		s.Connection.State = "disconnected"
		s.Watchdog.Losses = 1
	})
	m, _ = update(t, m, tickMsg(time.Now()))
	require.Len(t, m.history, 2)
	assert.Equal(t, "connected -> disconnected", m.history[0].Text)
	assert.Equal(t, "connection lost, reconnecting", m.history[1].Text)
	assert.Contains(t, m.View(), "disconnected (degraded)")

	src.set(func(s *session.Status) {
		s.Degraded = false
		s.Connection.State = "connected"
		s.Connection.Epoch = 2
		s.Watchdog.Resubscribed = 1
	})
	m, _ = update(t, m, tickMsg(time.Now()))
	require.Len(t, m.history, 5)
	assert.Equal(t, "restored, epoch 2", m.history[3].Text)
	assert.Equal(t, "replayed 1 subscription(s)", m.history[4].Text)
	assert.True(t, m.history[4].Success)
}

func TestDashboardHistoryIsBounded(t *testing.T) {
	m := newModel(newFakeSource(), nil, time.Second)
	for i := 0; i < maxHistory+3; i++ {
		m = m.record(time.Now(), "entry", true)
	}
	assert.Len(t, m.history, maxHistory)
}

func TestDashboardAccountSummary(t *testing.T) {
	src := newFakeSource()
	calls := 0
	summary := func(ctx context.Context) (*account.DynamicAccountInfo, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("request timed out")
		}
		return &account.DynamicAccountInfo{Balance: 1000, Equity: 1010.5, MarginFree: 900}, nil
	}
	m := newModel(src, summary, time.Second)
	assert.Contains(t, m.View(), "waiting for terminal")

	m, _ = update(t, m, m.fetchSummary()())
	assert.Contains(t, m.View(), "request timed out")

	var cmd tea.Cmd
	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	view := m.View()
	assert.Contains(t, view, "1010.50")
	assert.NoError(t, m.lastErr)
}

func TestDashboardStopsWithSession(t *testing.T) {
	src := newFakeSource()
	m := newModel(src, nil, time.Second)

	close(src.done)
	m, _ = update(t, m, m.waitStopped()())
	assert.True(t, m.stopped)
	assert.Equal(t, "session stopped", m.history[len(m.history)-1].Text)

	_, cmd := update(t, m, tickMsg(time.Now()))
	assert.Nil(t, cmd)

	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.True(t, m.quitting)
	assert.NotNil(t, cmd)
	assert.Contains(t, m.View(), "closed")
}
