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

package main

import (
	"context"
	"net"
)

// netResolver implements remap.Resolver over the stdlib resolver, the
// concrete collaborator tunnel-scheme forward rules need to turn a
// hostname into the addresses relayd should actually forward to.
type netResolver struct{}

func (netResolver) Resolve(host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(context.Background(), host)
}
