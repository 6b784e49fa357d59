package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"mt5session/internal/logger"
)

// SubscriptionStatus mirrors the terminal's subscription lifecycle
type SubscriptionStatus int

const (
	StatusUnsubscribed SubscriptionStatus = iota
	StatusPendingStartup
	StatusRunning
	StatusSubscribed
)

func (s SubscriptionStatus) String() string {
	switch s {
	case StatusUnsubscribed:
		return "unsubscribed"
	case StatusPendingStartup:
		return "pending_startup"
	case StatusRunning:
		return "running"
	case StatusSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// Handler receives every value pushed for a subscription
type Handler func(value any)

// Subscription is a long-lived stream that must be re-issued after every reconnect
type Subscription struct {
	ID      uint64
	Name    string
	Issue   Action
	Cancel  Action
	Handler Handler
	// Event is the bus name decoded pushes are published under
	Event string

	mutex   sync.RWMutex
	last    any
	updated time.Time
	status  SubscriptionStatus
}

func (s *Subscription) key() (uint64, string) { return s.ID, s.Name }

// Last returns the most recently pushed value
func (s *Subscription) Last() (any, time.Time) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.last, s.updated
}

// Status returns the subscription status
func (s *Subscription) Status() SubscriptionStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.status
}

func (s *Subscription) setStatus(status SubscriptionStatus) {
	s.mutex.Lock()
	s.status = status
	s.mutex.Unlock()
}

// Option configures a subscription at registration
type Option func(*Subscription)

// WithHandler sets the push handler
func WithHandler(h Handler) Option {
	return func(s *Subscription) {
		s.Handler = h
	}
}

// WithEvent sets the event name pushes are published under
func WithEvent(name string) Option {
	return func(s *Subscription) {
		s.Event = name
	}
}

// Subscriptions is the registry of live subscriptions
type Subscriptions struct {
	table  table[*Subscription]
	logger zerolog.Logger
	mutex  sync.RWMutex
}

// NewSubscriptions creates an empty subscription registry
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		table:  newTable[*Subscription](),
		logger: logger.GetLogger("registry.subscriptions"),
	}
}

// Add registers a subscription; it starts in PendingStartup
func (s *Subscriptions) Add(id uint64, name string, issue, cancel Action, opts ...Option) (*Subscription, error) {
	sub := &Subscription{
		ID:     id,
		Name:   name,
		Issue:  issue,
		Cancel: cancel,
		status: StatusPendingStartup,
	}
	for _, opt := range opts {
		opt(sub)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.table.add(sub); err != nil {
		return nil, err
	}

	s.logger.Debug().
		Uint64("request_id", id).
		Str("name", name).
		Msg("Subscription registered")

	return sub, nil
}

// Get returns the subscription with the given id
func (s *Subscriptions) Get(id uint64) (*Subscription, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.table.get(id)
}

// GetByName resolves name to an id and returns the subscription
func (s *Subscriptions) GetByName(name string) (*Subscription, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.table.getByName(name)
}

// Remove drops the subscription; no-op when absent
func (s *Subscriptions) Remove(id uint64) {
	s.mutex.Lock()
	sub, ok := s.table.remove(id)
	s.mutex.Unlock()

	if ok {
		sub.setStatus(StatusUnsubscribed)
	}
}

// RemoveByName drops the subscription registered under name; no-op when absent
func (s *Subscriptions) RemoveByName(name string) {
	s.mutex.Lock()
	var sub *Subscription
	if id, ok := s.table.idFor(name); ok {
		sub, _ = s.table.remove(id)
	}
	s.mutex.Unlock()

	if sub != nil {
		sub.setStatus(StatusUnsubscribed)
	}
}

// Len returns the number of live subscriptions
func (s *Subscriptions) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.table.entries)
}

// UpdateLast records the latest pushed value
func (s *Subscriptions) UpdateLast(id uint64, value any) error {
	sub, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("%w: subscription %d", ErrUnknownCorrelation, id)
	}

	sub.mutex.Lock()
	sub.last = value
	sub.updated = time.Now()
	sub.status = StatusSubscribed
	sub.mutex.Unlock()
	return nil
}

// Last returns the latest pushed value of a subscription; ok is false when
// the id is unknown or nothing was pushed yet
func (s *Subscriptions) Last(id uint64) (any, bool) {
	sub, ok := s.Get(id)
	if !ok {
		return nil, false
	}
	value, updated := sub.Last()
	return value, !updated.IsZero()
}

// SetStatus updates the lifecycle status of a subscription
func (s *Subscriptions) SetStatus(id uint64, status SubscriptionStatus) error {
	sub, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("%w: subscription %d", ErrUnknownCorrelation, id)
	}
	sub.setStatus(status)
	return nil
}

// All returns a snapshot of every live subscription in registration order
func (s *Subscriptions) All() []*Subscription {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.table.sorted()
}
