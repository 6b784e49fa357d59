// Package events publishes decoded terminal payloads under logical names such
// as "accountSummary-<login>"
package events

import (
	"fmt"
	"sort"
	"sync"

	evbus "github.com/asaskevich/EventBus"
	"github.com/rs/zerolog"
	"mt5session/internal/logger"
)

// Handler receives one decoded payload
type Handler func(payload any)

// Bus is a named-event bus. Handlers are tracked per name so a name can be
// dropped as a whole.
type Bus struct {
	bus      evbus.Bus
	handlers map[string][]Handler
	mutex    sync.Mutex
	logger   zerolog.Logger
}

// New creates an empty bus
func New() *Bus {
	return &Bus{
		bus:      evbus.New(),
		handlers: make(map[string][]Handler),
		logger:   logger.GetLogger("events"),
	}
}

// SubscribeEvent adds a handler for name
func (b *Bus) SubscribeEvent(name string, handler Handler) error {
	if name == "" {
		return fmt.Errorf("event name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err := b.bus.Subscribe(name, handler); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}
	b.handlers[name] = append(b.handlers[name], handler)

	b.logger.Debug().Str("event", name).Int("handlers", len(b.handlers[name])).Msg("Event handler added")
	return nil
}

// UnsubscribeEvent removes every handler of name and returns how many there were
func (b *Bus) UnsubscribeEvent(name string) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	handlers := b.handlers[name]
	for _, h := range handlers {
		if err := b.bus.Unsubscribe(name, h); err != nil {
			b.logger.Warn().Err(err).Str("event", name).Msg("Failed to remove event handler")
		}
	}
	delete(b.handlers, name)
	return len(handlers)
}

// Publish hands payload to every handler of name
func (b *Bus) Publish(name string, payload any) {
	if !b.bus.HasCallback(name) {
		return
	}
	b.bus.Publish(name, payload)
}

// HasSubscribers reports whether name has at least one handler
func (b *Bus) HasSubscribers(name string) bool {
	return b.bus.HasCallback(name)
}

// Events lists the names with handlers
func (b *Bus) Events() []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	names := make([]string, 0, len(b.handlers))
	for name := range b.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close drops every handler
func (b *Bus) Close() {
	b.bus.WaitAsync()
	for _, name := range b.Events() {
		b.UnsubscribeEvent(name)
	}
}
