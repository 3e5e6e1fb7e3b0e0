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

package acl

import "strings"

// WellKnownMethods is the fixed set of HTTP method tokens that get a
// bitset slot. Anything else is nonstandard and goes through the
// per-rule string set instead.
var WellKnownMethods = []string{
	"GET", "HEAD", "POST", "PUT", "DELETE",
	"OPTIONS", "CONNECT", "TRACE", "PATCH", "PURGE",
}

const MethodsCount = len(WellKnownMethods)

var methodIndex = func() map[string]int {
	m := make(map[string]int, len(WellKnownMethods))
	for i, name := range WellKnownMethods {
		m[name] = i
	}
	return m
}()

// MethodIndex returns the well-known index for a method token, or -1
// if the token is nonstandard.
func MethodIndex(token string) int {
	if idx, ok := methodIndex[strings.ToUpper(token)]; ok {
		return idx
	}
	return -1
}

// AddMethod registers token as required on r, using the bitset slot
// when the token is well-known, else the nonstandard string set.
func (r *Rule) AddMethod(token string) {
	r.MethodRestrictionEnabled = true
	idx := MethodIndex(token)
	if idx >= 0 {
		r.MethodSet |= 1 << uint(idx)
		return
	}
	if r.NonstandardMethods == nil {
		r.NonstandardMethods = make(map[string]struct{})
	}
	r.NonstandardMethods[strings.ToUpper(token)] = struct{}{}
}

// methodMatches reports whether the request's method satisfies r's
// method restriction, if one is configured.
func (r *Rule) methodMatches(methodIdx int, methodToken string) bool {
	if !r.MethodRestrictionEnabled {
		return true
	}
	if methodIdx >= 0 && methodIdx < MethodsCount {
		return r.MethodSet&(1<<uint(methodIdx)) != 0
	}
	_, ok := r.NonstandardMethods[strings.ToUpper(methodToken)]
	return ok
}
