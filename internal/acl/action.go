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

import "fmt"

// ParseAction decodes an `@action=` token into {allow_flag, add_flag}.
// The bare "allow"/"deny" tokens are accepted under the Legacy policy
// only; Modern rejects them as a parse error.
func ParseAction(token string, policy Policy) (allowFlag, addFlag bool, err error) {
	switch token {
	case "allow":
		if policy != PolicyLegacy {
			return false, false, fmt.Errorf("acl: bare %q action is only valid under the legacy policy", token)
		}
		return true, true, nil
	case "deny":
		if policy != PolicyLegacy {
			return false, false, fmt.Errorf("acl: bare %q action is only valid under the legacy policy", token)
		}
		return false, true, nil
	case "add_allow":
		return true, true, nil
	case "add_deny":
		return false, true, nil
	case "set_allow":
		return true, false, nil
	case "set_deny":
		return false, false, nil
	default:
		return false, false, fmt.Errorf("acl: unknown action token %q", token)
	}
}
