package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"mt5session/internal/logger"
)

// Identity names one terminal endpoint; at most one session exists per identity
type Identity struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Mode     string `json:"mode" yaml:"mode"`
	ClientID string `json:"client_id" yaml:"client_id"`
}

func (i Identity) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", i.ClientID, i.Host, i.Port, strings.ToUpper(i.Mode))
}

// Factory builds the session for an identity
type Factory func(identity Identity) (*Session, error)

// Registry holds the live sessions of a process, keyed by identity
type Registry struct {
	sessions map[Identity]*Session
	mutex    sync.Mutex
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[Identity]*Session),
		logger:   logger.GetLogger("session.registry"),
	}
}

// Get returns the session for identity, building it with factory on first use
func (r *Registry) Get(identity Identity, factory Factory) (*Session, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if s, ok := r.sessions[identity]; ok {
		return s, nil
	}

	s, err := factory(identity)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", identity, err)
	}
	r.sessions[identity] = s

	r.logger.Info().
		Str("terminal", identity.String()).
		Str("session_id", s.ID()).
		Msg("Session registered")
	return s, nil
}

// Lookup returns the session for identity without creating one
func (r *Registry) Lookup(identity Identity) (*Session, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// Remove stops and forgets the session for identity
func (r *Registry) Remove(identity Identity) error {
	r.mutex.Lock()
	s, ok := r.sessions[identity]
	delete(r.sessions, identity)
	r.mutex.Unlock()

	if !ok {
		return nil
	}
	return s.Stop()
}

// StopAll stops every session and empties the registry
func (r *Registry) StopAll() error {
	r.mutex.Lock()
	sessions := r.sessions
	r.sessions = make(map[Identity]*Session)
	r.mutex.Unlock()

	keys := make([]Identity, 0, len(sessions))
	for identity := range sessions {
		keys = append(keys, identity)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var errs []error
	for _, identity := range keys {
		if err := sessions[identity].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", identity, err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.sessions)
}
