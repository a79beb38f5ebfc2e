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
	"context"
	"regexp"
	"strings"
)

// Heuristic line patterns a CLI coding agent's output tends to match.
// Without a real PTY/terminal-multiplexer library (see DESIGN.md) these
// are best-effort textual cues rather than a structured prompt protocol.
var (
	toolRunningPattern = regexp.MustCompile(`(?i)^(running|executing|calling tool|\$)\s`)
	loginPattern       = regexp.MustCompile(`(?i)(please log ?in|visit https?://\S+\.(anthropic|claude)\.(com|ai))`)
	permissionPattern  = regexp.MustCompile(`(?i)(do you want to (proceed|allow|trust)|\[y/n\]|\(y/n\))`)
	taskCompletePattern = regexp.MustCompile(`(?i)^(task complete|done\.?|finished\.?)\s*$`)
	urlPattern          = regexp.MustCompile(`https?://\S+`)
)

// classifyLine applies the heuristic patterns to a freshly appended output
// line and publishes the corresponding anomaly event, if any.
func (m *Manager) classifyLine(sess *session, line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	ctx := context.Background()
	switch {
	case loginPattern.MatchString(trimmed):
		url := urlPattern.FindString(trimmed)
		_ = m.bus.PublishTopic(ctx, EventLoginRequired, map[string]any{
			"sessionId": sess.id, "agentId": sess.agentID, "deploymentId": sess.deploymentID,
			"url": url,
		})
	case permissionPattern.MatchString(trimmed):
		_ = m.bus.PublishTopic(ctx, EventBlockingPrompt, map[string]any{
			"sessionId": sess.id, "agentId": sess.agentID, "deploymentId": sess.deploymentID,
			"promptInfo": map[string]any{"type": "permission", "prompt": trimmed},
		})
	case toolRunningPattern.MatchString(trimmed):
		_ = m.bus.PublishTopic(ctx, EventToolRunning, map[string]any{
			"sessionId": sess.id, "agentId": sess.agentID, "deploymentId": sess.deploymentID,
			"info": map[string]any{"toolName": "shell", "description": trimmed},
			"autoInterruptEnabled": false,
		})
	case taskCompletePattern.MatchString(trimmed):
		_ = m.bus.PublishTopic(ctx, EventTaskComplete, map[string]any{
			"sessionId": sess.id, "agentId": sess.agentID, "deploymentId": sess.deploymentID,
		})
	}
}
