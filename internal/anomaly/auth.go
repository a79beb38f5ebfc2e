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

package anomaly

import (
	"context"
	"regexp"
	"time"

	"github.com/agentmesh/teamrt/pkg/team"
)

// authPollInterval and authPollBudget are vars, not consts, so tests can
// shrink them instead of waiting out the real 5-minute login budget.
var (
	authPollInterval = 5 * time.Second
	authPollBudget   = 5 * time.Minute
)

const authURLScanBytes = 8 * 1024

var (
	loginSuccessPattern = regexp.MustCompile(`(?i)(login successful|logged in as)`)
	preferredURLHost    = regexp.MustCompile(`https?://\S*(claude\.ai|anthropic\.com)\S*`)
	anyURLPattern       = regexp.MustCompile(`https?://\S+`)
)

// handleLoginRequired drives the coordinated auth flow: exactly one agent
// per (deploymentId, agentType) owns login at a time.
func (c *Coordinator) handleLoginRequired(ctx context.Context, evt team.Event) error {
	sessionID := str(evt.Data, "sessionId")
	deploymentID := str(evt.Data, "deploymentId")
	agent, dep, err := c.resolveAgent(ctx, sessionID, deploymentID)
	if err != nil {
		return err
	}

	data := enrich(evt.Data, dep, agent)
	_ = c.bus.PublishTopic(ctx, TopicLoginRequired, data)

	key := deploymentID + "|" + agent.AgentType

	c.authMu.Lock()
	if _, exists := c.authFlows[key]; exists {
		c.authMu.Unlock()
		_ = c.sessions.Stop(sessionID)
		agent.Status = team.AgentError
		agent.LastRunSummary = "waiting for auth"
		agent.RuntimeSessionID = ""
		return c.store.UpdateAgent(ctx, agent)
	}
	c.authFlows[key] = &authFlow{deploymentID: deploymentID, agentType: agent.AgentType, leadAgentID: agent.ID}
	c.authMu.Unlock()

	go c.runAuthFlow(context.Background(), dep, agent, key)
	return nil
}

// runAuthFlow implements steps 2-4 of the coordinated auth flow: URL
// extraction, monitoring, auto-restart.
func (c *Coordinator) runAuthFlow(ctx context.Context, dep *team.Deployment, agent *team.Agent, flowKey string) {
	defer func() {
		c.authMu.Lock()
		delete(c.authFlows, flowKey)
		c.authMu.Unlock()
	}()

	authSessionID := agent.RuntimeSessionID
	if err := c.sessions.Send(authSessionID, "/login"); err != nil {
		spawned, serr := c.sessions.Spawn(ctx, interactiveCopy(agent), nil)
		if serr != nil {
			c.log.Warn("anomaly: auth flow could not revive a dead session", "agentId", agent.ID, "error", serr)
			return
		}
		authSessionID = spawned
		_ = c.sessions.Send(authSessionID, "/login")
	}
	_ = c.sessions.SendKeys(authSessionID, "enter")

	c.extractLoginURL(ctx, authSessionID, dep, agent)
	c.monitorLoginCompletion(ctx, authSessionID, dep)
}

// extractLoginURL scans the session's output tail for a login URL, preferring
// a claude.ai/anthropic.com host, and re-publishes it for the UI.
func (c *Coordinator) extractLoginURL(ctx context.Context, sessionID string, dep *team.Deployment, agent *team.Agent) {
	output, err := c.sessions.OutputBuffer(sessionID)
	if err != nil {
		return
	}
	output = tail(stripANSI(output), authURLScanBytes)

	url := preferredURLHost.FindString(output)
	if url == "" {
		url = anyURLPattern.FindString(output)
	}
	if url == "" {
		return
	}
	_ = c.bus.PublishTopic(ctx, TopicLoginRequired, map[string]any{
		"workspaceId": dep.WorkspaceID, "spaceId": dep.SpaceID, "deploymentId": dep.ID,
		"teamAgentId": agent.ID, "url": url,
	})
}

// monitorLoginCompletion polls for up to authPollBudget, sends a confirming
// enter twice on success, and stops the auth session either way.
func (c *Coordinator) monitorLoginCompletion(ctx context.Context, sessionID string, dep *team.Deployment) {
	deadline := time.Now().Add(authPollBudget)
	ticker := time.NewTicker(authPollInterval)
	defer ticker.Stop()

	success := false
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			_ = c.sessions.Stop(sessionID)
			return
		case <-ticker.C:
			output, err := c.sessions.OutputBuffer(sessionID)
			if err != nil {
				return
			}
			if loginSuccessPattern.MatchString(output) {
				success = true
			}
		}
		if success {
			break
		}
	}

	if success {
		_ = c.sessions.SendKeys(sessionID, "enter")
		time.Sleep(time.Second)
		_ = c.sessions.SendKeys(sessionID, "enter")
	}
	_ = c.sessions.Stop(sessionID)

	if success {
		c.completeAuth(ctx, dep)
	}
}

// completeAuth runs step 4: flip every error-state agent back to idle,
// resume a paused deployment, and emit team.auth_completed.
func (c *Coordinator) completeAuth(ctx context.Context, dep *team.Deployment) {
	agents, err := c.store.ListAgentsByDeployment(ctx, dep.ID)
	if err != nil {
		return
	}
	for _, a := range agents {
		if a.Status != team.AgentError {
			continue
		}
		a.Status = team.AgentIdle
		a.RuntimeSessionID = ""
		a.TerminalSessionID = ""
		_ = c.store.UpdateAgent(ctx, a)
	}

	if dep.Status == team.DeploymentPaused {
		_ = c.store.UpdateDeploymentStatus(ctx, dep.WorkspaceID, dep.ID, team.DeploymentActive)
	}

	_ = c.bus.PublishTopic(ctx, TopicAuthCompleted, map[string]any{
		"workspaceId": dep.WorkspaceID, "deploymentId": dep.ID,
	})
}

// interactiveCopy clones agent with an adapter config flagged interactive,
// so a temporary session spawned for login stays alive at a REPL instead
// of exiting once its initial task (none) finishes.
func interactiveCopy(agent *team.Agent) *team.Agent {
	clone := *agent
	if clone.Capabilities != nil {
		clone.Capabilities = append([]string(nil), agent.Capabilities...)
	}
	clone.SystemPrompt = "interactive=true\n" + clone.SystemPrompt
	return &clone
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
