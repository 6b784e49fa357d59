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

package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"mt5session/internal/logger"
)

// TimeoutPolicy selects what a request resolves to when its wait expires
type TimeoutPolicy int

const (
	// TimeoutDefault resolves the request with the caller's default value
	TimeoutDefault TimeoutPolicy = iota
	// TimeoutStrict fails the request with ErrRequestTimeout
	TimeoutStrict
)

// ParseTimeoutPolicy maps the config spelling onto a policy
func ParseTimeoutPolicy(s string) (TimeoutPolicy, error) {
	switch s {
	case "", "default":
		return TimeoutDefault, nil
	case "strict":
		return TimeoutStrict, nil
	default:
		return TimeoutDefault, fmt.Errorf("unknown timeout policy %q", s)
	}
}

func (p TimeoutPolicy) String() string {
	if p == TimeoutStrict {
		return "strict"
	}
	return "default"
}

const (
	recentCapacity = 256
	cancelTimeout  = 5 * time.Second
)

// Request is a pending one-shot correlated request
type Request struct {
	ID      uint64
	Name    string
	Issue   Action
	Cancel  Action
	Created time.Time

	future    *Future
	mutex     sync.Mutex
	acc       []any
	abandoned bool
}

func (r *Request) key() (uint64, string) { return r.ID, r.Name }

// Future returns the completion slot of the request
func (r *Request) Future() *Future {
	return r.future
}

// Accumulated returns a copy of the partial results collected so far
func (r *Request) Accumulated() []any {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	out := make([]any, len(r.acc))
	copy(out, r.acc)
	return out
}

// Abandoned reports whether the wait ended by timeout or cancellation, so
// the terminal may still send the reply
func (r *Request) Abandoned() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.abandoned
}

func (r *Request) append(v any) {
	r.mutex.Lock()
	r.acc = append(r.acc, v)
	r.mutex.Unlock()
}

// RequestStats summarizes request outcomes
type RequestStats struct {
	Added     int `json:"added"`
	Completed int `json:"completed"`
	TimedOut  int `json:"timed_out"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// AwaitOptions controls how Await waits for a request
type AwaitOptions struct {
	Timeout time.Duration
	Policy  TimeoutPolicy
	// Default is the result handed back on timeout under TimeoutDefault
	Default []any
}

// Requests is the registry of one-shot requests
type Requests struct {
	table  table[*Request]
	recent *lru.Cache[string, uint64]
	stats  RequestStats
	logger zerolog.Logger
	mutex  sync.Mutex
}

// NewRequests creates an empty request registry
func NewRequests() *Requests {
	recent, _ := lru.New[string, uint64](recentCapacity)
	return &Requests{
		table:  newTable[*Request](),
		recent: recent,
		logger: logger.GetLogger("registry.requests"),
	}
}

// Add registers a new request with a fresh future and empty accumulator
func (r *Requests) Add(id uint64, name string, issue, cancel Action) (*Request, error) {
	req := &Request{
		ID:      id,
		Name:    name,
		Issue:   issue,
		Cancel:  cancel,
		Created: time.Now(),
		future:  newFuture(),
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if err := r.table.add(req); err != nil {
		return nil, err
	}
	r.stats.Added++
	r.recent.Remove(name)

	r.logger.Debug().
		Uint64("request_id", id).
		Str("name", name).
		Msg("Request registered")

	return req, nil
}

// Get returns the live request with the given id
func (r *Requests) Get(id uint64) (*Request, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.table.get(id)
}

// GetByName resolves name to an id and returns the live request
func (r *Requests) GetByName(name string) (*Request, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.table.getByName(name)
}

// Remove drops the request with the given id; no-op when absent
func (r *Requests) Remove(id uint64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.table.remove(id)
}

// RemoveByName drops the request registered under name; no-op when absent
func (r *Requests) RemoveByName(name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if id, ok := r.table.idFor(name); ok {
		r.table.remove(id)
	}
}

// Len returns the number of live requests
func (r *Requests) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.table.entries)
}

// Futures returns the futures of every live request that is not yet resolved
func (r *Requests) Futures() []*Future {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	futures := make([]*Future, 0, len(r.table.entries))
	for _, req := range r.table.sorted() {
		if !req.future.IsDone() {
			futures = append(futures, req.future)
		}
	}
	return futures
}

// Append adds a partial result to the request's accumulator
func (r *Requests) Append(id uint64, v any) error {
	req, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: request %d", ErrUnknownCorrelation, id)
	}
	req.append(v)
	return nil
}

// End resolves the request with its accumulated results and removes it.
// It reports false when the request is unknown or already resolved.
func (r *Requests) End(id uint64) bool {
	req, ok := r.take(id)
	if !ok {
		return false
	}
	if !req.future.resolve(req.Accumulated(), nil) {
		return false
	}

	r.mutex.Lock()
	r.stats.Completed++
	r.mutex.Unlock()

	r.logger.Debug().
		Uint64("request_id", id).
		Str("name", req.Name).
		Dur("elapsed", time.Since(req.Created)).
		Msg("Request completed")
	return true
}

// Fail resolves the request with err and removes it
func (r *Requests) Fail(id uint64, err error) bool {
	req, ok := r.take(id)
	if !ok {
		return false
	}
	if !req.future.resolve(nil, err) {
		return false
	}

	r.mutex.Lock()
	r.stats.Failed++
	r.mutex.Unlock()
	return true
}

// FailAll fails every unresolved request with err and empties the registry.
// It returns the number of futures it resolved.
func (r *Requests) FailAll(err error) int {
	r.mutex.Lock()
	pending := r.table.sorted()
	for _, req := range pending {
		r.table.remove(req.ID)
		r.recent.Add(req.Name, req.ID)
	}
	r.mutex.Unlock()

	failed := 0
	for _, req := range pending {
		if req.future.resolve(nil, err) {
			failed++
		}
	}

	r.mutex.Lock()
	r.stats.Failed += failed
	r.mutex.Unlock()

	if failed > 0 {
		r.logger.Warn().
			Err(err).
			Int("count", failed).
			Msg("Failed pending requests")
	}
	return failed
}

// Await waits for the request to complete under the given options.
// Exactly one outcome wins: end of stream, timeout, connection loss or the
// caller's context ending.
func (r *Requests) Await(ctx context.Context, req *Request, opts AwaitOptions) ([]any, error) {
	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-req.future.Done():
		return req.future.Wait(context.Background())

	case <-timeout:
		var err error
		var result []any
		if opts.Policy == TimeoutStrict {
			err = fmt.Errorf("%w: %s after %s", ErrRequestTimeout, req.Name, opts.Timeout)
		} else {
			result = opts.Default
		}
		if !r.abandon(req, result, err) {
			// a frame or a disconnect got there first
			return req.future.Wait(context.Background())
		}

		r.mutex.Lock()
		r.stats.TimedOut++
		r.mutex.Unlock()

		r.logger.Warn().
			Uint64("request_id", req.ID).
			Str("name", req.Name).
			Dur("timeout", opts.Timeout).
			Str("policy", opts.Policy.String()).
			Msg("Request timed out")

		r.cancel(ctx, req)
		return result, err

	case <-ctx.Done():
		if !r.abandon(req, nil, ctx.Err()) {
			return req.future.Wait(context.Background())
		}
		r.cancel(ctx, req)
		return nil, ctx.Err()
	}
}

// Resolved reports whether a request with this name was recently resolved,
// so a late frame for it can be told apart from an unknown one
func (r *Requests) Resolved(name string) (uint64, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.recent.Peek(name)
}

// GetStats returns a snapshot of request statistics
func (r *Requests) GetStats() RequestStats {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	stats := r.stats
	stats.Pending = len(r.table.entries)
	return stats
}

// abandon removes req and resolves it with the given outcome if still open
func (r *Requests) abandon(req *Request, result []any, err error) bool {
	r.mutex.Lock()
	if cur, ok := r.table.get(req.ID); ok && cur == req {
		r.table.remove(req.ID)
	}
	r.recent.Add(req.Name, req.ID)
	r.mutex.Unlock()

	if !req.future.resolve(result, err) {
		return false
	}
	req.mutex.Lock()
	req.abandoned = true
	req.mutex.Unlock()
	return true
}

func (r *Requests) take(id uint64) (*Request, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	req, ok := r.table.remove(id)
	if ok {
		r.recent.Add(req.Name, req.ID)
	}
	return req, ok
}

func (r *Requests) cancel(ctx context.Context, req *Request) {
	if req.Cancel == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()

	if err := req.Cancel(cctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn().
			Err(err).
			Uint64("request_id", req.ID).
			Str("name", req.Name).
			Msg("Failed to cancel request on terminal")
	}
}
