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

// Package slice provides small string-slice helpers, used by the
// remap parser to track which files are currently being `.include`d
// so it can detect cycles.
package slice

// RemoveString returns a new slice holding the elements of s with
// every occurrence of remove deleted.
func RemoveString(s []string, remove string) []string {
	var out []string
	for _, v := range s {
		if v == remove {
			continue
		}
		out = append(out, v)
	}
	return out
}

// ContainsString reports whether s contains needle.
func ContainsString(s []string, needle string) bool {
	for _, v := range s {
		if v == needle {
			return true
		}
	}
	return false
}
