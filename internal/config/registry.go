// Copyright Project Contour Authors
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

// Package config implements a wait-free configuration snapshot
// registry: slot-indexed, reference-counted, with deferred release
// after a grace window. Readers never block writers and vice versa.
package config

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxSlots is the default upper bound on concurrently
// registered config slots.
const DefaultMaxSlots = 100

// DefaultGraceWindow is the default config-release grace window.
const DefaultGraceWindow = 60 * time.Second

// object wraps a published config value with its own refcount and
// retirement bookkeeping. Exactly one *object per generation.
type object struct {
	value      any
	generation uint64
	refs       int64 // atomic
	retiredAt  atomic.Value // time.Time, zero until superseded
	current    atomic.Bool  // true while it is the slot's live occupant
}

// Slot holds one mapping's currently-published config object plus its
// deferred-free list of superseded generations.
type Slot struct {
	mu      sync.Mutex // serializes Set (CAS loop) on this slot
	current atomic.Pointer[object]

	grace time.Duration

	mu2     sync.Mutex // guards pending below
	pending []*object  // deferred-free list, oldest first
}

// Registry owns up to MaxSlots independent Slots.
type Registry struct {
	grace time.Duration
	mu    sync.RWMutex
	slots map[int]*Slot
	max   int
}

// New creates a Registry. grace is the release grace window applied
// to every slot.
func New(max int, grace time.Duration) *Registry {
	if max <= 0 {
		max = DefaultMaxSlots
	}
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Registry{grace: grace, slots: make(map[int]*Slot), max: max}
}

func (r *Registry) slotFor(id int) (*Slot, error) {
	if id < 0 || id >= r.max {
		return nil, fmt.Errorf("config: slot %d out of range [0,%d)", id, r.max)
	}
	r.mu.RLock()
	s, ok := r.slots[id]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[id]; ok {
		return s, nil
	}
	s = &Slot{grace: r.grace}
	r.slots[id] = s
	return s, nil
}

// Set atomically swaps the slot's current object, returning the new
// generation number. The old object (if any) is enqueued for release
// after its grace window. Set is serialised per slot via a CAS-style
// lock, so two concurrent Set calls on the same slot always observe a
// monotonically increasing generation.
func (r *Registry) Set(slotID int, value any) (uint64, error) {
	if value == nil {
		return 0, fmt.Errorf("config: nil object rejected for slot %d", slotID)
	}
	s, err := r.slotFor(slotID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	var gen uint64
	if prev != nil {
		gen = prev.generation + 1
	}

	obj := &object{value: value, generation: gen}
	obj.current.Store(true)
	s.current.Store(obj)

	if prev != nil {
		prev.current.Store(false)
		prev.retiredAt.Store(time.Now())
		s.mu2.Lock()
		s.pending = append(s.pending, prev)
		s.mu2.Unlock()
		s.reap()
	}

	return gen, nil
}

// Handle is an RAII-style acquired reference to one mapping's scoped
// config object. Release must be called exactly once.
type Handle struct {
	obj     *object
	slot    *Slot
	release sync.Once
}

// Value returns the handle's config object.
func (h *Handle) Value() any {
	return h.obj.value
}

// Generation returns the generation number this handle was acquired at.
func (h *Handle) Generation() uint64 {
	return h.obj.generation
}

// Release decrements the object's refcount. If the object is no
// longer its slot's current occupant and zero refs remain, and its
// grace window has elapsed, it becomes eligible for reclaim; if the
// grace window has not yet elapsed it simply stays on the deferred
// list until a subsequent Set or Release observes the window has
// passed.
func (h *Handle) Release() {
	h.release.Do(func() {
		atomic.AddInt64(&h.obj.refs, -1)
		h.slot.reap()
	})
}

// Acquire increments the reference count of slotID's current object
// and returns a Handle, or a nil Handle if the slot is empty — callers
// should treat a miss as "no policy configured". This is the fast
// path: the slot is found under the registry's read lock (a write
// lock only the first time a slot is used), then the object is taken
// with a single atomic load plus an atomic increment.
func (r *Registry) Acquire(slotID int) (*Handle, error) {
	s, err := r.slotFor(slotID)
	if err != nil {
		return nil, err
	}
	obj := s.current.Load()
	if obj == nil {
		return nil, nil
	}
	atomic.AddInt64(&obj.refs, 1)
	return &Handle{obj: obj, slot: s}, nil
}

// reap scans the slot's deferred-free list and drops any object whose
// refcount is zero, is no longer current, and whose grace window has
// elapsed.
func (s *Slot) reap() {
	s.mu2.Lock()
	defer s.mu2.Unlock()

	kept := s.pending[:0]
	for _, obj := range s.pending {
		if obj.current.Load() {
			kept = append(kept, obj)
			continue
		}
		if atomic.LoadInt64(&obj.refs) > 0 {
			kept = append(kept, obj)
			continue
		}
		retiredAt, _ := obj.retiredAt.Load().(time.Time)
		if retiredAt.IsZero() || time.Since(retiredAt) < s.grace {
			kept = append(kept, obj)
			continue
		}
		// eligible for reclaim: drop the reference, let GC do the rest.
	}
	s.pending = kept
}

// PendingCount reports how many superseded objects are still on
// slotID's deferred-free list, feeding the
// relay_config_objects_pending_release gauge.
func (r *Registry) PendingCount(slotID int) int {
	s, err := r.slotFor(slotID)
	if err != nil {
		return 0
	}
	s.mu2.Lock()
	defer s.mu2.Unlock()
	return len(s.pending)
}
