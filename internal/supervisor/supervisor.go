// Package supervisor runs the background tasks of a session with uniform
// completion logging
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"mt5session/internal/logger"
)

// Task is a long-running function that stops when ctx ends
type Task func(ctx context.Context) error

// Supervisor owns a scope of named tasks. The first task failing cancels
// the others.
type Supervisor struct {
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	running map[string]time.Time
	mutex   sync.Mutex
	logger  zerolog.Logger
}

// New creates a supervisor whose tasks stop when parent ends or Stop is called
func New(parent context.Context) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	return &Supervisor{
		ctx:     gctx,
		cancel:  cancel,
		group:   group,
		running: make(map[string]time.Time),
		logger:  logger.GetLogger("supervisor"),
	}
}

// Context returns the scope's context
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// Go starts fn as a named task
func (s *Supervisor) Go(name string, fn Task) {
	s.mutex.Lock()
	s.running[name] = time.Now()
	s.mutex.Unlock()

	s.group.Go(func() error {
		err := s.run(name, fn)

		s.mutex.Lock()
		started := s.running[name]
		delete(s.running, name)
		s.mutex.Unlock()

		s.logResult(name, time.Since(started), err)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}

// Running returns the names of live tasks
func (s *Supervisor) Running() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wait blocks until every task returned and reports the first failure
func (s *Supervisor) Wait() error {
	return s.group.Wait()
}

// Stop cancels every task and waits for them
func (s *Supervisor) Stop() error {
	s.cancel()
	return s.group.Wait()
}

func (s *Supervisor) run(name string, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", name, r)
			s.logger.Error().
				Str("task", name).
				Str("stack", string(debug.Stack())).
				Msg("Task panicked")
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) logResult(name string, elapsed time.Duration, err error) {
	switch {
	case err == nil:
		s.logger.Debug().Str("task", name).Dur("elapsed", elapsed).Msg("Task completed")
	case errors.Is(err, context.Canceled):
		s.logger.Debug().Str("task", name).Dur("elapsed", elapsed).Msg("Task cancelled")
	default:
		s.logger.Error().Err(err).Str("task", name).Dur("elapsed", elapsed).Msg("Task failed")
	}
}
