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

// Package workgroup provides a mechanism for controlling the lifetime
// of a set of related goroutines: the acceptor set's listeners and
// the admin HTTP service all run as members of one Group so that any one exiting, or the Group's context being
// canceled, tears the rest down.
package workgroup

import (
	"context"
	"fmt"
	"sync"
)

// member is a single named unit of work registered with a Group.
type member struct {
	name string
	fn   func(<-chan struct{}) error
}

// A Group manages a set of goroutines with related lifetimes.
// The zero value for a Group is fully usable without initialisation.
type Group struct {
	members []member
	seq     int
}

// Add adds a function to the Group under an auto-generated name.
// The function will be executed in its own goroutine when Run is
// called, and is expected to return when its stop channel is closed.
// Add must be called before Run.
func (g *Group) Add(fn func(<-chan struct{}) error) {
	g.seq++
	g.members = append(g.members, member{name: fmt.Sprintf("member-%d", g.seq), fn: fn})
}

// AddNamed is Add with an explicit name, used in logs and panic
// messages to identify which member misbehaved.
func (g *Group) AddNamed(name string, fn func(<-chan struct{}) error) {
	g.members = append(g.members, member{name: name, fn: fn})
}

// AddContext adds a function taking a context.Context to the group.
// The context passed to fn is canceled as soon as the group starts
// shutting down, whatever the cause. AddContext must be called
// before Run.
func (g *Group) AddContext(fn func(context.Context) error) {
	g.seq++
	name := fmt.Sprintf("member-%d", g.seq)
	g.AddNamed(name, func(stop <-chan struct{}) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-stop
			cancel()
		}()
		return fn(ctx)
	})
}

// Run executes each registered member in its own goroutine and
// blocks until all of them have returned. The group starts shutting
// down as soon as either the first member returns, or ctx is
// canceled, whichever happens first: every other member's stop
// channel is closed so it can return promptly. Once every member has
// exited, Run returns the value returned by the first member to exit,
// except that if that value is nil and ctx has been canceled, Run
// returns ctx.Err().
//
// A member that panics is recovered and treated as if it had
// returned an error identifying itself and the panic value, so one
// runaway goroutine cannot take the whole process down silently.
func (g *Group) Run(ctx context.Context) error {
	if len(g.members) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(len(g.members))

	stop := make(chan struct{})
	var once sync.Once
	closeStop := func() { once.Do(func() { close(stop) }) }

	result := make(chan error, len(g.members))
	for _, m := range g.members {
		go func(m member) {
			defer wg.Done()
			result <- runMember(m, stop)
		}(m)
	}

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			closeStop()
		case <-watchDone:
		}
	}()

	first := <-result
	closeStop()
	close(watchDone)
	wg.Wait()

	if first == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return first
}

func runMember(m member, stop <-chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workgroup: member %q panicked: %v", m.name, r)
		}
	}()
	return m.fn(stop)
}
