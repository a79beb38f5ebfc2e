// Copyright 2025 Tom Barlow
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

package config

import (
	"fmt"
	"os"
)

// SupportedAgentTypes lists the canonical agentType values officially
// supported in this release; permissions.NormalizeAgentType accepts more
// spellings of these than Role.AgentType is expected to carry in practice.
var SupportedAgentTypes = []string{
	"claude-code",
}

// AllAgentTypes lists every canonical agentType this release can spawn a
// session for, including experimental ones.
var AllAgentTypes = []string{
	"claude-code",
	"codex",
	"gemini",
	"aider",
}

// IsSupportedAgentType returns true if agentType is officially supported.
func IsSupportedAgentType(agentType string) bool {
	for _, supported := range SupportedAgentTypes {
		if agentType == supported {
			return true
		}
	}
	return false
}

// AllAgentTypesEnabled checks whether TEAM_ALL_AGENT_TYPES is set to enable
// experimental agent types in role validation.
func AllAgentTypesEnabled() bool {
	return os.Getenv("TEAM_ALL_AGENT_TYPES") == "1"
}

// VisibleAgentTypes returns the agent types that should be offered when
// authoring an org pattern: all of them if TEAM_ALL_AGENT_TYPES=1, otherwise
// only officially supported ones.
func VisibleAgentTypes() []string {
	if AllAgentTypesEnabled() {
		return AllAgentTypes
	}
	return SupportedAgentTypes
}

// WarnUnsupportedAgentType writes a non-blocking warning to stderr if
// agentType is not officially supported.
func WarnUnsupportedAgentType(agentType string) {
	if !IsSupportedAgentType(agentType) {
		fmt.Fprintf(os.Stderr, "warning: agent type %q is not officially supported in this release. Use at your own risk.\n", agentType)
	}
}
