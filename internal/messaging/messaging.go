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

// Package messaging routes inter-agent text messages, resolving a
// recipient by agent ID or role name, enforcing the reporting-chain (plus
// explicit RoutingRule) routing policy, and spawning a recipient's session
// on first contact the way a human lead pinging an idle teammate would.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/teamrt/internal/store"
	conductorerrors "github.com/agentmesh/teamrt/pkg/errors"
	"github.com/agentmesh/teamrt/pkg/team"
)

// backend is the slice of store.Backend plus the optional MessageStore
// capability this package needs; a caller constructs a Bus against its
// concrete store.Backend, which must also implement store.MessageStore
// (memorystore and sqlitestore both do).
type backend interface {
	store.DeploymentStore
	store.AgentStore
	store.MessageStore
}

// SessionSpawner is the subset of internal/session.Manager the bus needs to
// spawn a recipient's runtime session on first contact and push it a
// formatted message block.
type SessionSpawner interface {
	Spawn(ctx context.Context, agent *team.Agent, envCredentials map[string]string) (string, error)
	Send(sessionID, text string) error
}

// SendResult is sendMessage's return shape.
type SendResult struct {
	MessageID   string
	Delivered   bool
	AgentSpawned bool
	ToAgentID   string
	ToRole      string
}

// RosterEntry is one line of getTeamRoster's output.
type RosterEntry struct {
	AgentID          string
	Role             string
	InstanceNumber   int
	Status           team.AgentStatus
	CanMessage       bool
	ReportsToAgentID string
}

// Bus routes TeamMessages between agents of one deployment.
type Bus struct {
	store    backend
	sessions SessionSpawner
	eventBus *team.Bus
	log      *slog.Logger
}

// New constructs a Bus. sessions may be nil if SendMessage will never need
// to spawn a recipient (e.g. tests exercising only routing validation).
func New(backend backend, sessions SessionSpawner, eventBus *team.Bus, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{store: backend, sessions: sessions, eventBus: eventBus, log: log}
}

// TargetNotFoundError reports that `to` resolved to neither an agent ID nor
// a role present in the deployment.
type TargetNotFoundError struct {
	To string
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("messaging: target not found: %q", e.To)
}

// RoutingRejectedError reports that validateRouting refused an edge.
type RoutingRejectedError struct {
	FromAgentID, ToAgentID string
}

func (e *RoutingRejectedError) Error() string {
	return fmt.Sprintf("messaging: routing rejected from %q to %q", e.FromAgentID, e.ToAgentID)
}

// resolveTarget accepts an agent ID or a role name, resolving a role name
// to the agent with the lowest instanceNumber in that role.
func resolveTarget(to string, agents []*team.Agent) (*team.Agent, error) {
	for _, a := range agents {
		if a.ID == to {
			return a, nil
		}
	}
	var candidates []*team.Agent
	for _, a := range agents {
		if a.Role == to {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, &TargetNotFoundError{To: to}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].InstanceNumber < candidates[j].InstanceNumber })
	return candidates[0], nil
}

// validateRouting implements §4.5's rule: up-hierarchy, down-hierarchy, or
// an explicit RoutingRule mapping from.role -> to.role. "system" bypasses.
func validateRouting(fromAgentID string, from, to *team.Agent, routing []team.RoutingRule) bool {
	if fromAgentID == team.SystemSender {
		return true
	}
	if from == nil || to == nil {
		return false
	}
	if from.ReportsToAgentID == to.ID {
		return true
	}
	if to.ReportsToAgentID == from.ID {
		return true
	}
	for _, r := range routing {
		if r.From == from.Role && r.To == to.Role {
			return true
		}
	}
	return false
}

// SendMessage persists a message from fromAgentID (or team.SystemSender) to
// `to` (an agent ID or role name), enforcing routing and spawning the
// recipient's session on first contact.
func (b *Bus) SendMessage(ctx context.Context, workspaceID, deploymentID, fromAgentID, to, text string) (*SendResult, error) {
	dep, err := b.store.GetDeployment(ctx, workspaceID, deploymentID)
	if err != nil {
		return nil, err
	}
	agents, err := b.store.ListAgentsByDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	toAgent, err := resolveTarget(to, agents)
	if err != nil {
		return nil, err
	}

	var fromAgent *team.Agent
	fromRole := team.SystemSender
	if fromAgentID != team.SystemSender {
		for _, a := range agents {
			if a.ID == fromAgentID {
				fromAgent = a
				break
			}
		}
		if fromAgent == nil {
			return nil, &conductorerrors.NotFoundError{Resource: "agent", ID: fromAgentID}
		}
		fromRole = fromAgent.Role
	}

	if !validateRouting(fromAgentID, fromAgent, toAgent, dep.OrgPattern.Routing) {
		return nil, &RoutingRejectedError{FromAgentID: fromAgentID, ToAgentID: toAgent.ID}
	}

	msg := &team.TeamMessage{
		ID:           uuid.New().String(),
		DeploymentID: deploymentID,
		FromAgentID:  fromAgentID,
		FromRole:     fromRole,
		ToAgentID:    toAgent.ID,
		ToRole:       toAgent.Role,
		Message:      text,
		CreatedAt:    time.Now(),
	}
	if err := b.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	result := &SendResult{MessageID: msg.ID, ToAgentID: toAgent.ID, ToRole: toAgent.Role}

	if toAgent.Status == team.AgentIdle && toAgent.RuntimeSessionID == "" && b.sessions != nil {
		sessionID, err := b.sessions.Spawn(ctx, toAgent, nil)
		if err != nil {
			b.log.Warn("messaging: failed to spawn recipient session", "agentId", toAgent.ID, "error", err)
			return result, nil
		}
		toAgent.RuntimeSessionID = sessionID
		toAgent.Status = team.AgentRunning
		if err := b.store.UpdateAgent(ctx, toAgent); err != nil {
			return nil, err
		}

		delivered, err := b.deliverTo(ctx, deploymentID, toAgent)
		if err != nil {
			return nil, err
		}
		result.AgentSpawned = true
		result.Delivered = delivered > 0
	}

	_ = b.eventBus.PublishTopic(ctx, "team:message_sent", map[string]any{
		"deploymentId": deploymentID, "workspaceId": workspaceID,
		"messageId": msg.ID, "toAgentId": toAgent.ID, "toRole": toAgent.Role,
	})

	return result, nil
}

// deliverTo formats every undelivered message addressed to agent as one
// text block and sends it to its live session, marking the batch
// delivered and read.
func (b *Bus) deliverTo(ctx context.Context, deploymentID string, agent *team.Agent) (int, error) {
	if agent.RuntimeSessionID == "" || b.sessions == nil {
		return 0, nil
	}

	all, err := b.store.ListMessages(ctx, deploymentID)
	if err != nil {
		return 0, err
	}
	var pending []*team.TeamMessage
	for _, m := range all {
		if m.ToAgentID == agent.ID && !m.Delivered {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	var blocks []string
	ids := make([]string, 0, len(pending))
	for _, m := range pending {
		blocks = append(blocks, fmt.Sprintf("[Message from %s]: %s", m.FromRole, m.Message))
		ids = append(ids, m.ID)
	}

	if err := b.sessions.Send(agent.RuntimeSessionID, strings.Join(blocks, "\n\n")); err != nil {
		return 0, err
	}
	if err := b.store.MarkDelivered(ctx, ids); err != nil {
		return 0, err
	}
	if err := b.store.MarkRead(ctx, ids); err != nil {
		return 0, err
	}
	return len(pending), nil
}

// DeliverPendingMessages is the hook the anomaly coordinator calls on a
// blocking_prompt event: flush an agent's queued inbox into its live
// session right now rather than waiting for a readMessages call.
func (b *Bus) DeliverPendingMessages(ctx context.Context, workspaceID, deploymentID, agentID string) (int, error) {
	agent, err := b.findAgent(ctx, workspaceID, deploymentID, agentID)
	if err != nil {
		return 0, err
	}
	return b.deliverTo(ctx, deploymentID, agent)
}

// ReadMessages returns an agent's messages, optionally filtered to unread
// ones, and marks the returned set readByRecipient.
func (b *Bus) ReadMessages(ctx context.Context, deploymentID, agentID string, unreadOnly bool) ([]*team.TeamMessage, error) {
	all, err := b.store.ListMessages(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	var out []*team.TeamMessage
	var ids []string
	for _, m := range all {
		if m.ToAgentID != agentID {
			continue
		}
		if unreadOnly && m.ReadByRecipient {
			continue
		}
		out = append(out, m)
		ids = append(ids, m.ID)
	}
	if len(ids) > 0 {
		if err := b.store.MarkRead(ctx, ids); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetTeamRoster lists every agent in agentID's deployment, with canMessage
// computed from agentID's perspective as sender.
func (b *Bus) GetTeamRoster(ctx context.Context, workspaceID, deploymentID, agentID string) ([]RosterEntry, error) {
	dep, err := b.store.GetDeployment(ctx, workspaceID, deploymentID)
	if err != nil {
		return nil, err
	}
	agents, err := b.store.ListAgentsByDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	var self *team.Agent
	for _, a := range agents {
		if a.ID == agentID {
			self = a
			break
		}
	}

	roster := make([]RosterEntry, 0, len(agents))
	for _, a := range agents {
		canMessage := self != nil && validateRouting(agentID, self, a, dep.OrgPattern.Routing)
		roster = append(roster, RosterEntry{
			AgentID: a.ID, Role: a.Role, InstanceNumber: a.InstanceNumber,
			Status: a.Status, CanMessage: canMessage, ReportsToAgentID: a.ReportsToAgentID,
		})
	}
	return roster, nil
}

func (b *Bus) findAgent(ctx context.Context, workspaceID, deploymentID, agentID string) (*team.Agent, error) {
	agents, err := b.store.ListAgentsByDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if a.ID == agentID {
			return a, nil
		}
	}
	return nil, &conductorerrors.NotFoundError{Resource: "agent", ID: agentID}
}

// BuildKickoffPrompt composes the coordinator's initial task message:
// target, team roster, and instructions, used by triggerTeamRun.
func BuildKickoffPrompt(dep *team.Deployment, agents []*team.Agent) string {
	var b strings.Builder
	b.WriteString("You are the coordinator of this team deployment.\n\n")

	if taskID, ok := dep.Config["taskId"].(string); ok && taskID != "" {
		fmt.Fprintf(&b, "Target task: %s\n", taskID)
	}
	if expID, ok := dep.Config["experimentId"].(string); ok && expID != "" {
		fmt.Fprintf(&b, "Target experiment: %s\n", expID)
	}

	b.WriteString("\nTeam roster:\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s (role: %s, instance %d)\n", a.ID, a.Role, a.InstanceNumber)
	}

	b.WriteString("\nCoordinate the team to complete the target. Use sendMessage to assign work to teammates by role or agent ID.\n")
	return b.String()
}
