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

package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"mt5session/internal/account"
	"mt5session/internal/session"
)

const maxHistory = 8

// Source is the session the dashboard watches
type Source interface {
	Status() session.Status
	Done() <-chan struct{}
}

// SummaryFunc fetches the account figures shown in the account panel
type SummaryFunc func(ctx context.Context) (*account.DynamicAccountInfo, error)

type tickMsg time.Time

type summaryMsg struct {
	info *account.DynamicAccountInfo
	err  error
}

type stoppedMsg struct{}

type model struct {
	source  Source
	summary SummaryFunc
	refresh time.Duration

	status   session.Status
	account  *account.DynamicAccountInfo
	lastErr  error
	history  []historyEntry
	width    int
	stopped  bool
	quitting bool
}

func newModel(source Source, summary SummaryFunc, refresh time.Duration) model {
	if refresh <= 0 {
		refresh = time.Second
	}
	return model{
		source:  source,
		summary: summary,
		refresh: refresh,
		status:  source.Status(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.tick(), m.fetchSummary(), m.waitStopped())
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) fetchSummary() tea.Cmd {
	if m.summary == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		info, err := m.summary(ctx)
		return summaryMsg{info: info, err: err}
	}
}

func (m model) waitStopped() tea.Cmd {
	return func() tea.Msg {
		<-m.source.Done()
		return stoppedMsg{}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetchSummary()
		}
		return m, nil

	case tickMsg:
		m = m.observe(m.source.Status(), time.Time(msg))
		if m.stopped {
			return m, nil
		}
		return m, m.tick()

	case summaryMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			m = m.record(time.Now(), "summary: "+msg.err.Error(), false)
			return m, nil
		}
		m.account = msg.info
		m.lastErr = nil
		return m, nil

	case stoppedMsg:
		m.stopped = true
		m.status = m.source.Status()
		return m.record(time.Now(), "session stopped", false), nil
	}

	return m, nil
}

// observe diffs a fresh snapshot against the last one and logs what changed
func (m model) observe(next session.Status, at time.Time) model {
	prev := m.status
	if next.Connection.State != prev.Connection.State {
		m = m.record(at, fmt.Sprintf("%s -> %s", prev.Connection.State, next.Connection.State),
			next.Connection.State == "connected")
	}
	if next.Degraded != prev.Degraded {
		if next.Degraded {
			m = m.record(at, "connection lost, reconnecting", false)
		} else {
			m = m.record(at, fmt.Sprintf("restored, epoch %d", next.Connection.Epoch), true)
		}
	}
	if n := next.Watchdog.Resubscribed - prev.Watchdog.Resubscribed; n > 0 {
		m = m.record(at, fmt.Sprintf("replayed %d subscription(s)", n), true)
	}
	if n := next.Requests.TimedOut - prev.Requests.TimedOut; n > 0 {
		m = m.record(at, fmt.Sprintf("%d request(s) timed out", n), false)
	}
	m.status = next
	return m
}

func (m model) record(at time.Time, text string, success bool) model {
	history := append([]historyEntry(nil), m.history...)
	history = append(history, historyEntry{Timestamp: at, Text: text, Success: success})
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	m.history = history
	return m
}

func (m model) View() string {
	if m.quitting {
		return successStyle.Render("Session dashboard closed.") + "\n"
	}

	s := m.status
	var b strings.Builder

	b.WriteString(titleStyle.Render("mt5session") + " " + subtitleStyle.Render(s.Terminal) + "\n\n")

	state := s.Connection.State
	if s.Degraded {
		state += " (degraded)"
	}
	connection := lipgloss.JoinVertical(lipgloss.Left,
		subtitleStyle.Render("Connection"),
		row("State", stateStyle(s.Connection.State, s.Degraded).Render(state)),
		row("Transport", s.Connection.Transport),
		row("Terminal", fmt.Sprintf("v%d build %d", s.Connection.Terminal.Version, s.Connection.Terminal.Build)),
		row("Epoch", fmt.Sprintf("%d", s.Connection.Epoch)),
		row("Reconnects", fmt.Sprintf("%d / %d lost", s.Watchdog.Reconnects, s.Watchdog.Losses)),
	)

	traffic := lipgloss.JoinVertical(lipgloss.Left,
		subtitleStyle.Render("Traffic"),
		row("Pending", fmt.Sprintf("%d", s.Requests.Pending)),
		row("Completed", fmt.Sprintf("%d", s.Requests.Completed)),
		row("Timed out", fmt.Sprintf("%d", s.Requests.TimedOut)),
		row("Frames", fmt.Sprintf("%d in / %d out", s.Pipeline.Received, s.Pipeline.Dispatched)),
		row("Dropped", fmt.Sprintf("%d late, %d unknown", s.Pipeline.Late, s.Pipeline.Unknown)),
	)

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		panelStyle.Render(connection), panelStyle.Render(traffic)) + "\n")

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		panelStyle.Render(m.accountView()), panelStyle.Render(m.subscriptionsView())) + "\n")

	b.WriteString(m.historyView())
	b.WriteString("\n" + helpStyle.Render("r: refresh account • q: quit") + "\n")
	return b.String()
}

func (m model) accountView() string {
	lines := []string{subtitleStyle.Render("Account")}
	switch {
	case m.account != nil:
		lines = append(lines,
			row("Balance", fmt.Sprintf("%.2f", m.account.Balance)),
			row("Equity", fmt.Sprintf("%.2f", m.account.Equity)),
			row("Profit", fmt.Sprintf("%.2f", m.account.Profit)),
			row("Free margin", fmt.Sprintf("%.2f", m.account.MarginFree)),
		)
	case m.lastErr != nil:
		lines = append(lines, errorStyle.Render(m.lastErr.Error()))
	default:
		lines = append(lines, helpStyle.Render("waiting for terminal..."))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m model) subscriptionsView() string {
	lines := []string{subtitleStyle.Render("Subscriptions")}
	if len(m.status.Subscriptions) == 0 {
		lines = append(lines, helpStyle.Render("none"))
	}
	for _, sub := range m.status.Subscriptions {
		style := helpStyle
		if sub.Status == "running" {
			style = successStyle
		}
		lines = append(lines, row(sub.Name, style.Render(sub.Status)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m model) historyView() string {
	lines := []string{helpStyle.Render("Events:")}
	if len(m.history) == 0 {
		lines = append(lines, helpStyle.Render("  none yet"))
	}
	for _, entry := range m.history {
		style := errorStyle
		if entry.Success {
			style = successStyle
		}
		lines = append(lines, fmt.Sprintf("  %s %s",
			helpStyle.Render(entry.Timestamp.Format("15:04:05")), style.Render(entry.Text)))
	}
	return strings.Join(lines, "\n") + "\n"
}

// StartDashboard renders source until the user quits or the session stops
func StartDashboard(source Source, summary SummaryFunc, refresh time.Duration) error {
	p := tea.NewProgram(
		newModel(source, summary, refresh),
		tea.WithAltScreen(),
	)

	// Ensure proper cleanup on panic or interrupt
	defer func() {
		if r := recover(); r != nil {
			p.Kill()
		}
	}()

	_, err := p.Run()
	return err
}
