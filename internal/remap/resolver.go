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

package remap

// Resolver resolves a blind-tunnel forward rule's literal hostname to
// the concrete addresses a listener in tunnel mode should forward to.
// A caller with DNS access (e.g. backed by net.Resolver) wires one in
// through ParserConfig.Resolver; a nil Resolver (the default) skips
// tunnel pre-resolution entirely and the rule matches only by its
// literal host, same as before this hook existed.
type Resolver interface {
	Resolve(host string) ([]string, error)
}
