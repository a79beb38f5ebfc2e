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

package session

import (
	"fmt"
	"os/exec"
)

// agentBinaries lists the candidate executable names for each supported
// agent type, probed in order with exec.LookPath the way the teacher's
// claudecode provider probes "claude" then "claude-code".
var agentBinaries = map[string][]string{
	"claude-code": {"claude", "claude-code"},
	"codex":       {"codex"},
	"gemini":      {"gemini"},
	"aider":       {"aider"},
}

// Resolve returns the first executable on PATH for agentType.
func Resolve(agentType string) (string, error) {
	candidates, ok := agentBinaries[agentType]
	if !ok {
		return "", fmt.Errorf("session: unknown agent type %q", agentType)
	}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("session: no executable found on PATH for agent type %q (tried %v)", agentType, candidates)
}
