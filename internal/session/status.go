package session

import (
	"time"

	"mt5session/internal/pipeline"
	"mt5session/internal/registry"
	"mt5session/internal/terminal"
	"mt5session/internal/watchdog"
)

// SubscriptionInfo describes one live subscription
type SubscriptionInfo struct {
	ID      uint64    `json:"id"`
	Name    string    `json:"name"`
	Event   string    `json:"event,omitempty"`
	Status  string    `json:"status"`
	Updated time.Time `json:"updated,omitempty"`
}

// Status is a point-in-time view of the session
type Status struct {
	ID            string                `json:"id"`
	Terminal      string                `json:"terminal"`
	Connection    terminal.Info         `json:"connection"`
	Degraded      bool                  `json:"degraded"`
	Requests      registry.RequestStats `json:"requests"`
	Subscriptions []SubscriptionInfo    `json:"subscriptions"`
	Pipeline      pipeline.Stats        `json:"pipeline"`
	Watchdog      watchdog.Stats        `json:"watchdog"`
	Tasks         []string              `json:"tasks"`
	Events        []string              `json:"events"`
}

// Status returns the current session status
func (s *Session) Status() Status {
	status := Status{
		ID:         s.id,
		Terminal:   s.options.Identity.String(),
		Connection: s.manager.Info(),
		Degraded:   s.watchdog.IsDegraded(),
		Requests:   s.requests.GetStats(),
		Watchdog:   s.watchdog.Stats(),
		Events:     s.bus.Events(),
	}

	for _, sub := range s.subs.All() {
		_, updated := sub.Last()
		status.Subscriptions = append(status.Subscriptions, SubscriptionInfo{
			ID:      sub.ID,
			Name:    sub.Name,
			Event:   sub.Event,
			Status:  sub.Status().String(),
			Updated: updated,
		})
	}

	s.mutex.Lock()
	if s.pipeline != nil {
		status.Pipeline = s.pipeline.Stats()
	} else {
		status.Pipeline = s.lastStats
	}
	tasks := s.tasks
	s.mutex.Unlock()

	if tasks != nil {
		status.Tasks = tasks.Running()
	}
	return status
}
