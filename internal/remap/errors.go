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

import "fmt"

// ParseError carries the file and line a parse failure occurred at,
// so a caller (e.g. cmd/relayd validate) can report it without having
// to re-derive position from a wrapped generic error.
type ParseError struct {
	File   string
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("remap: line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("remap: %s:%d: %s", e.File, e.Line, e.Reason)
}

// LoadRejectedError reports that a file parsed line-by-line without
// error, but the resulting table fails a whole-config invariant (too
// few rules, or a rule of unknown kind).
type LoadRejectedError struct {
	Reason string
}

func (e *LoadRejectedError) Error() string {
	return fmt.Sprintf("remap: configuration rejected: %s", e.Reason)
}
