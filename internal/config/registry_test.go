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

package config

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAcquireRelease(t *testing.T) {
	r := New(10, 10*time.Millisecond)

	gen, err := r.Set(0, "v1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), gen)

	h, err := r.Acquire(0)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "v1", h.Value())
	h.Release()
}

func TestAcquireEmptySlotReturnsNilNoError(t *testing.T) {
	r := New(10, time.Second)
	h, err := r.Acquire(5)
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestOutOfRangeSlotErrors(t *testing.T) {
	r := New(10, time.Second)
	_, err := r.Set(99, "x")
	assert.Error(t, err)
	_, err = r.Acquire(-1)
	assert.Error(t, err)
}

func TestNilObjectRejected(t *testing.T) {
	r := New(10, time.Second)
	_, err := r.Set(0, nil)
	assert.Error(t, err)
}

func TestMonotonicGeneration(t *testing.T) {
	r := New(10, time.Millisecond)
	g1, _ := r.Set(0, "a")
	g2, _ := r.Set(0, "b")
	g3, _ := r.Set(0, "c")
	assert.Equal(t, uint64(0), g1)
	assert.Equal(t, uint64(1), g2)
	assert.Equal(t, uint64(2), g3)
}

// Invariant 5 — a handle acquired before a Set is valid until released,
// regardless of any number of intervening Set calls.
func TestHandleSurvivesConcurrentSets(t *testing.T) {
	r := New(10, time.Millisecond)
	r.Set(0, "v0")

	h, err := r.Acquire(0)
	require.NoError(t, err)
	require.Equal(t, "v0", h.Value())

	for i := 0; i < 5; i++ {
		r.Set(0, i)
	}

	// the handle still observes its own acquired value.
	assert.Equal(t, "v0", h.Value())
	h.Release()
}

func TestGraceWindowDelaysReclaim(t *testing.T) {
	r := New(10, 50*time.Millisecond)
	r.Set(0, "v0")
	r.Set(0, "v1") // retires v0

	assert.Equal(t, 1, r.PendingCount(0))

	time.Sleep(80 * time.Millisecond)
	r.Set(0, "v2") // triggers a reap pass

	assert.Equal(t, 1, r.PendingCount(0)) // v1 just retired, still within grace
}

func TestConcurrentAcquireRelease(t *testing.T) {
	r := New(10, time.Millisecond)
	r.Set(0, "v0")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := r.Acquire(0)
			require.NoError(t, err)
			if h != nil {
				h.Release()
			}
		}()
	}
	wg.Wait()
}
