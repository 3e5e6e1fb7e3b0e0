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

package acceptor

import (
	"context"
	"fmt"

	"github.com/relayproxy/core/internal/workgroup"
	"github.com/sirupsen/logrus"
)

// AcceptorSet builds and owns every configured Listener, registering
// each one's accept loop with a shared workgroup.Group so the whole
// set starts and shuts down together, one g.AddContext(...) call per
// listener, the same pattern cmd/.../serve.go uses for its other
// long-running services.
type AcceptorSet struct {
	listeners []*Listener
	log       logrus.FieldLogger
}

// NewAcceptorSet binds every cfg in cfgs, returning as soon as any one
// fails to bind (the others already bound are closed before
// returning, so a partially-constructed set never leaks listening
// sockets).
func NewAcceptorSet(log logrus.FieldLogger, cfgs ...ListenerConfig) (*AcceptorSet, error) {
	s := &AcceptorSet{log: log}
	for _, cfg := range cfgs {
		if cfg.Log == nil {
			cfg.Log = log
		}
		l, err := Listen(cfg)
		if err != nil {
			s.closeAll()
			return nil, fmt.Errorf("acceptor: building set: %w", err)
		}
		s.listeners = append(s.listeners, l)
	}
	return s, nil
}

func (s *AcceptorSet) closeAll() {
	for _, l := range s.listeners {
		l.ln.Close()
	}
}

// Register adds every listener's accept loop to g. Call this before
// g.Run(); each loop runs until g's shutdown channel/context fires.
func (s *AcceptorSet) Register(g *workgroup.Group) {
	for _, l := range s.listeners {
		l := l
		g.AddContext(func(ctx context.Context) error {
			return l.Serve(ctx)
		})
	}
}

// Listeners returns the bound listeners, mainly for tests that need
// to inspect bound addresses (e.g. when Address used port 0).
func (s *AcceptorSet) Listeners() []*Listener {
	return s.listeners
}
