// Copyright 2025 Kadir Pekel
//
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

package collab

import (
	"fmt"
	"regexp"
	"strings"
)

// agentIDPattern is the first validation layer: lowercase letters,
// digits, and hyphens, starting with a letter and ending with a letter
// or digit, never a bare hyphen run.
var agentIDPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]{2,}$`)

// agentRoleAllowlist is the second validation layer: the compile-time
// set of agent-role prefixes this engine recognizes. A normalized ID
// must start with one of these to be accepted, closing off IDs that
// happen to be regex-shaped but name no known role (e.g. a probe
// string smuggled in through a tool argument).
var agentRoleAllowlist = []string{
	"agent", "assistant", "planner", "executor", "researcher",
	"coder", "reviewer", "critic", "coordinator", "worker", "orchestrator",
}

// ErrInvalidAgentID is returned when an agent ID fails either
// validation layer (§7 security boundary at the handoff/collaboration
// edge).
var ErrInvalidAgentID = fmt.Errorf("collab: invalid agent id")

// NormalizeAgentID lowercases and trims an agent ID the way
// ValidateAgentID expects it.
func NormalizeAgentID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ValidateAgentID normalizes id and runs it through both validation
// layers, returning the normalized form on success. A failure at
// either layer is ErrInvalidAgentID, never silently coerced to a
// default agent.
func ValidateAgentID(id string) (string, error) {
	normalized := NormalizeAgentID(id)
	if normalized == "" || !agentIDPattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAgentID, id)
	}
	for _, prefix := range agentRoleAllowlist {
		if strings.HasPrefix(normalized, prefix) {
			return normalized, nil
		}
	}
	return "", fmt.Errorf("%w: %q is not a recognized agent role", ErrInvalidAgentID, id)
}
