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

// Package registry keeps the correlation state between issued commands and
// the frames the terminal sends back: one-shot Requests and long-lived
// Subscriptions, each keyed by a numeric id and a logical name.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

// ReservedIDs is the top of the id range kept for fixed protocol ids
const ReservedIDs uint64 = 10000

var (
	ErrDuplicateID        = errors.New("duplicate correlation id")
	ErrDuplicateName      = errors.New("duplicate correlation name")
	ErrConnectionLost     = errors.New("terminal disconnected")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrUnknownCorrelation = errors.New("unknown correlation")
	ErrLateFrame          = errors.New("frame for an already resolved request")
)

// Action is a caller supplied bridge to the remote side, used to issue or
// cancel a request or subscription
type Action func(ctx context.Context) error

// IDGenerator hands out monotonically increasing correlation ids above ReservedIDs
type IDGenerator struct {
	last atomic.Uint64
}

// NewIDGenerator creates a generator whose first id is ReservedIDs+1
func NewIDGenerator() *IDGenerator {
	g := &IDGenerator{}
	g.last.Store(ReservedIDs)
	return g
}

// Next returns the next id
func (g *IDGenerator) Next() uint64 {
	return g.last.Add(1)
}

type keyed interface {
	key() (uint64, string)
}

// table is the id-keyed map shared by both registries. Names are resolved by
// scanning, n stays in the tens.
type table[T keyed] struct {
	entries map[uint64]T
}

func newTable[T keyed]() table[T] {
	return table[T]{entries: make(map[uint64]T)}
}

func (t *table[T]) add(v T) error {
	id, name := v.key()
	if _, exists := t.entries[id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	if _, exists := t.idFor(name); exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	t.entries[id] = v
	return nil
}

func (t *table[T]) idFor(name string) (uint64, bool) {
	for id, v := range t.entries {
		if _, n := v.key(); n == name {
			return id, true
		}
	}
	return 0, false
}

func (t *table[T]) get(id uint64) (T, bool) {
	v, ok := t.entries[id]
	return v, ok
}

func (t *table[T]) getByName(name string) (T, bool) {
	id, ok := t.idFor(name)
	if !ok {
		var zero T
		return zero, false
	}
	return t.get(id)
}

func (t *table[T]) remove(id uint64) (T, bool) {
	v, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return v, ok
}

// sorted returns the entries ordered by id, i.e. in registration order
func (t *table[T]) sorted() []T {
	ids := make([]uint64, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.entries[id])
	}
	return out
}
