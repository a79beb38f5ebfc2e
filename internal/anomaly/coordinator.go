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

// Package anomaly subscribes to the Agent Session Manager's PTY lifecycle
// events and reacts: logging, re-publishing enriched UI events, driving the
// Workflow Executor forward on completion/failure, and running the
// coordinated authentication flow for login_required.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/teamrt/internal/llmclient"
	"github.com/agentmesh/teamrt/internal/session"
	"github.com/agentmesh/teamrt/internal/store"
	"github.com/agentmesh/teamrt/pkg/team"
)

// anomalyMetrics is the subset of internal/observability.Collector the
// coordinator counts PTY events against.
type anomalyMetrics interface {
	RecordAnomalyEvent(ctx context.Context, eventType string)
}

// Re-published UI-facing event topics, enriched with workspaceId/spaceId.
const (
	TopicToolRunning        = "team:agent_tool_running"
	TopicToolInterrupted    = "team:agent_tool_interrupted"
	TopicBlockingPrompt     = "team:agent_blocking_prompt"
	TopicLoginRequired      = "team:agent_login_required"
	TopicStallClassified    = "team:stall_classified"
	TopicEscalationSurfaced = "team:escalation_surfaced"
	TopicAuthCompleted      = "team.auth_completed"
)

// backend is the store capability this package needs.
type backend interface {
	store.DeploymentStore
	store.AgentStore
	store.RunLogStore
}

// sessions is the subset of internal/session.Manager the coordinator drives.
type sessions interface {
	Spawn(ctx context.Context, agent *team.Agent, envCredentials map[string]string) (string, error)
	Send(sessionID, text string) error
	SendKeys(sessionID, keyname string) error
	Stop(sessionID string) error
	OutputBuffer(sessionID string) (string, error)
}

// stepExecutor is the subset of internal/executor.Executor the coordinator
// drives on step completion/failure.
type stepExecutor interface {
	CompleteStep(ctx context.Context, workspaceID, deploymentID, stepID string, result map[string]any) error
	FailStep(ctx context.Context, workspaceID, deploymentID, stepID, errMsg string) error
}

// messageDeliverer is the subset of internal/messaging.Bus the
// blocking_prompt handler drives.
type messageDeliverer interface {
	DeliverPendingMessages(ctx context.Context, workspaceID, deploymentID, agentID string) (int, error)
}

// Coordinator wires PTY events to agent-state transitions and workflow
// advancement. Construct one per running daemon and call Subscribe once.
type Coordinator struct {
	store    backend
	sessions sessions
	exec     stepExecutor
	msgs     messageDeliverer
	llm      *llmclient.Client
	bus      *team.Bus
	log      *slog.Logger
	metrics  anomalyMetrics

	authMu    sync.Mutex
	authFlows map[string]*authFlow // key: deploymentId + "|" + agentType

	inFlightMu sync.Mutex
	inFlight   map[string]bool // runtimeSessionId currently being unblocked
}

type authFlow struct {
	deploymentID string
	agentType    string
	leadAgentID  string
}

// New constructs a Coordinator. msgs may be nil if login/blocking-prompt
// message delivery will never be exercised (e.g. focused unit tests).
func New(backend backend, sess sessions, exec stepExecutor, msgs messageDeliverer, llm *llmclient.Client, bus *team.Bus, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store: backend, sessions: sess, exec: exec, msgs: msgs, llm: llm, bus: bus, log: log,
		authFlows: make(map[string]*authFlow),
		inFlight:  make(map[string]bool),
	}
}

// SetMetrics wires the collector anomaly events are counted against; a nil
// collector (the default) makes every observation a no-op.
func (c *Coordinator) SetMetrics(metrics anomalyMetrics) {
	c.metrics = metrics
}

// Subscribe registers every PTY-event handler on bus. Call once at startup.
func (c *Coordinator) Subscribe() {
	c.bus.On(session.EventToolRunning, c.counted(session.EventToolRunning, c.handleToolRunning))
	c.bus.On(session.EventToolInterrupted, c.counted(session.EventToolInterrupted, c.handleToolInterrupted))
	c.bus.On(session.EventBlockingPrompt, c.counted(session.EventBlockingPrompt, c.handleBlockingPrompt))
	c.bus.On(session.EventStallClassified, c.counted(session.EventStallClassified, c.handleStallClassified))
	c.bus.On(session.EventTaskComplete, c.counted(session.EventTaskComplete, c.handleTaskComplete))
	c.bus.On(session.EventAgentStopped, c.counted(session.EventAgentStopped, c.handleAgentStopped))
	c.bus.On(session.EventAgentError, c.counted(session.EventAgentError, c.handleAgentError))
	c.bus.On(session.EventLoginRequired, c.counted(session.EventLoginRequired, c.handleLoginRequired))
}

// counted wraps a handler so every PTY event it processes, regardless of
// outcome, is reflected in the anomaly-events-by-type counter.
func (c *Coordinator) counted(eventType string, handler team.Listener) team.Listener {
	return func(ctx context.Context, evt team.Event) error {
		if c.metrics != nil {
			c.metrics.RecordAnomalyEvent(ctx, eventType)
		}
		return handler(ctx, evt)
	}
}

func str(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// resolveAgent looks an agent up by runtimeSessionId, bounded by the
// deployment's workspace per §4.6.
func (c *Coordinator) resolveAgent(ctx context.Context, sessionID, deploymentID string) (*team.Agent, *team.Deployment, error) {
	agents, err := c.store.ListAgentsByDeployment(ctx, deploymentID)
	if err != nil {
		return nil, nil, err
	}
	var agent *team.Agent
	for _, a := range agents {
		if a.RuntimeSessionID == sessionID {
			agent = a
			break
		}
	}
	if agent == nil {
		return nil, nil, fmt.Errorf("anomaly: no agent with runtime session %q in deployment %q", sessionID, deploymentID)
	}
	dep, err := c.store.GetDeployment(ctx, agent.WorkspaceID, deploymentID)
	if err != nil {
		return nil, nil, err
	}
	return agent, dep, nil
}

func (c *Coordinator) appendRunLog(ctx context.Context, agent *team.Agent, summary string, errs int) {
	_ = c.store.AppendRunLog(ctx, &team.RunLog{
		ID: uuid.New().String(), Timestamp: time.Now(),
		DeploymentID: agent.DeploymentID, TeamAgentID: agent.ID, Role: agent.Role,
		StepID: agent.CurrentStepID, Summary: summary, ErrorsEncountered: errs,
	})
}

func (c *Coordinator) handleToolRunning(ctx context.Context, evt team.Event) error {
	sessionID := str(evt.Data, "sessionId")
	deploymentID := str(evt.Data, "deploymentId")
	agent, dep, err := c.resolveAgent(ctx, sessionID, deploymentID)
	if err != nil {
		return err
	}
	c.appendRunLog(ctx, agent, "tool running", 0)
	return c.bus.PublishTopic(ctx, TopicToolRunning, enrich(evt.Data, dep, agent))
}

func (c *Coordinator) handleToolInterrupted(ctx context.Context, evt team.Event) error {
	sessionID := str(evt.Data, "sessionId")
	deploymentID := str(evt.Data, "deploymentId")
	agent, dep, err := c.resolveAgent(ctx, sessionID, deploymentID)
	if err != nil {
		return err
	}
	success, _ := evt.Data["success"].(bool)
	errs := 0
	if !success {
		agent.TotalErrors++
		errs = 1
		_ = c.store.UpdateAgent(ctx, agent)
	}
	c.appendRunLog(ctx, agent, "tool interrupted", errs)
	return c.bus.PublishTopic(ctx, TopicToolInterrupted, enrich(evt.Data, dep, agent))
}

// handleBlockingPrompt implements §4.6's three-branch rule.
func (c *Coordinator) handleBlockingPrompt(ctx context.Context, evt team.Event) error {
	sessionID := str(evt.Data, "sessionId")
	deploymentID := str(evt.Data, "deploymentId")
	agent, dep, err := c.resolveAgent(ctx, sessionID, deploymentID)
	if err != nil {
		return err
	}

	info, _ := evt.Data["promptInfo"].(map[string]any)
	promptType := str(info, "type")
	if (promptType == "config" || promptType == "permission" || promptType == "trust") && agent.CurrentStepID == "" {
		return nil
	}

	if c.msgs != nil {
		delivered, derr := c.msgs.DeliverPendingMessages(ctx, agent.WorkspaceID, deploymentID, agent.ID)
		if derr == nil && delivered > 0 {
			data := enrich(evt.Data, dep, agent)
			data["messagesDelivered"] = delivered
			return c.bus.PublishTopic(ctx, TopicBlockingPrompt, data)
		}
	}

	return c.bus.PublishTopic(ctx, TopicBlockingPrompt, enrich(evt.Data, dep, agent))
}

func (c *Coordinator) handleStallClassified(ctx context.Context, evt team.Event) error {
	sessionID := str(evt.Data, "sessionId")
	deploymentID := str(evt.Data, "deploymentId")
	agent, dep, err := c.resolveAgent(ctx, sessionID, deploymentID)
	if err != nil {
		return err
	}
	return c.bus.PublishTopic(ctx, TopicStallClassified, enrich(evt.Data, dep, agent))
}

func (c *Coordinator) handleTaskComplete(ctx context.Context, evt team.Event) error {
	sessionID := str(evt.Data, "sessionId")
	deploymentID := str(evt.Data, "deploymentId")
	agent, _, err := c.resolveAgent(ctx, sessionID, deploymentID)
	if err != nil {
		return err
	}
	if agent.CurrentStepID == "" {
		return nil
	}
	c.appendRunLog(ctx, agent, "task complete", 0)
	return c.exec.CompleteStep(ctx, agent.WorkspaceID, deploymentID, agent.CurrentStepID, map[string]any{"summary": "task complete"})
}

func (c *Coordinator) handleAgentStopped(ctx context.Context, evt team.Event) error {
	loginDetected, _ := evt.Data["loginDetected"].(bool)
	if loginDetected {
		return nil
	}
	sessionID := str(evt.Data, "sessionId")
	deploymentID := str(evt.Data, "deploymentId")
	agent, _, err := c.resolveAgent(ctx, sessionID, deploymentID)
	if err != nil {
		return err
	}

	stepID := agent.CurrentStepID
	agent.CurrentStepID = ""
	agent.RuntimeSessionID = ""
	agent.TerminalSessionID = ""
	agent.Status = team.AgentIdle
	if err := c.store.UpdateAgent(ctx, agent); err != nil {
		return err
	}
	c.appendRunLog(ctx, agent, "agent stopped: "+str(evt.Data, "reason"), 0)

	if stepID != "" {
		return c.exec.CompleteStep(ctx, agent.WorkspaceID, deploymentID, stepID, map[string]any{"summary": "agent process exited before completion"})
	}
	return nil
}

func (c *Coordinator) handleAgentError(ctx context.Context, evt team.Event) error {
	sessionID := str(evt.Data, "sessionId")
	deploymentID := str(evt.Data, "deploymentId")
	agent, dep, err := c.resolveAgent(ctx, sessionID, deploymentID)
	if err != nil {
		return err
	}

	stepID := agent.CurrentStepID
	agent.Status = team.AgentError
	agent.CurrentStepID = ""
	agent.TotalErrors++
	if err := c.store.UpdateAgent(ctx, agent); err != nil {
		return err
	}

	errMsg := str(evt.Data, "error")
	if stepID != "" {
		if err := c.exec.FailStep(ctx, agent.WorkspaceID, deploymentID, stepID, errMsg); err != nil {
			c.log.Warn("anomaly: failStep after agent_error failed", "error", err)
		}
	}

	return c.maybeAutoPause(ctx, dep)
}

// maybeAutoPause transitions the deployment to paused iff every agent is
// now error or paused.
func (c *Coordinator) maybeAutoPause(ctx context.Context, dep *team.Deployment) error {
	agents, err := c.store.ListAgentsByDeployment(ctx, dep.ID)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if a.Status != team.AgentError && a.Status != team.AgentPaused {
			return nil
		}
	}
	return c.store.UpdateDeploymentStatus(ctx, dep.WorkspaceID, dep.ID, team.DeploymentPaused)
}

// CoordinatorResponse loads the blocked agent's lead, composes an
// unblocking prompt from the org chart and recent output, and sends any
// non-empty, non-SKIP response back into the blocked session. Enforces
// at-most-one-in-flight per runtimeSessionId.
func (c *Coordinator) CoordinatorResponse(ctx context.Context, workspaceID, deploymentID, blockedAgentID string) error {
	blocked, err := c.store.GetAgent(ctx, blockedAgentID)
	if err != nil {
		return err
	}
	if blocked.RuntimeSessionID == "" {
		return nil
	}
	if !c.claimInFlight(blocked.RuntimeSessionID) {
		return fmt.Errorf("anomaly: already_handling")
	}

	agents, err := c.store.ListAgentsByDeployment(ctx, deploymentID)
	if err != nil {
		c.releaseInFlight(blocked.RuntimeSessionID)
		return err
	}
	var lead *team.Agent
	for _, a := range agents {
		if a.ID == blocked.ReportsToAgentID {
			lead = a
			break
		}
	}
	if lead == nil {
		c.releaseInFlight(blocked.RuntimeSessionID)
		return c.mainBrainEscalation(ctx, workspaceID, deploymentID, blocked)
	}

	output, _ := c.sessions.OutputBuffer(blocked.RuntimeSessionID)
	prompt := buildUnblockPrompt(lead, blocked, agents, tail(output, 500))
	response := c.llm.UnblockResponse(ctx, prompt)
	c.releaseInFlight(blocked.RuntimeSessionID)
	if response == "" {
		return c.mainBrainEscalation(ctx, workspaceID, deploymentID, blocked)
	}
	return c.sessions.Send(blocked.RuntimeSessionID, response)
}

// mainBrainEscalation repeats the unblock attempt at workspace authority
// (the lead itself) when CoordinatorResponse can't resolve a lead, or when
// the blocked agent already is the lead.
func (c *Coordinator) mainBrainEscalation(ctx context.Context, workspaceID, deploymentID string, blocked *team.Agent) error {
	if blocked.RuntimeSessionID == "" {
		return nil
	}
	if !c.claimInFlight(blocked.RuntimeSessionID) {
		return nil
	}
	defer c.releaseInFlight(blocked.RuntimeSessionID)

	output, _ := c.sessions.OutputBuffer(blocked.RuntimeSessionID)
	prompt := fmt.Sprintf("Team lead %s (role %s) appears stuck. Recent output:\n%s\nCompose a brief instruction to unblock it, or reply SKIP.",
		blocked.ID, blocked.Role, tail(output, 500))
	response := c.llm.UnblockResponse(ctx, prompt)
	if response == "" {
		return c.bus.PublishTopic(ctx, "team.escalation_surfaced_to_user", map[string]any{
			"workspaceId": workspaceID, "deploymentId": deploymentID, "agentId": blocked.ID,
		})
	}
	return c.sessions.Send(blocked.RuntimeSessionID, response)
}

func (c *Coordinator) claimInFlight(runtimeSessionID string) bool {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()
	if c.inFlight[runtimeSessionID] {
		return false
	}
	c.inFlight[runtimeSessionID] = true
	return true
}

func (c *Coordinator) releaseInFlight(runtimeSessionID string) {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()
	delete(c.inFlight, runtimeSessionID)
}

func buildUnblockPrompt(lead, blocked *team.Agent, roster []*team.Agent, recentOutput string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent %s (role %s) reports to lead %s (role %s) and appears blocked.\n", blocked.ID, blocked.Role, lead.ID, lead.Role)
	b.WriteString("Org chart:\n")
	for _, a := range roster {
		fmt.Fprintf(&b, "- %s: %s (reports to %s)\n", a.ID, a.Role, a.ReportsToAgentID)
	}
	fmt.Fprintf(&b, "\nRecent output from the blocked session:\n%s\n", recentOutput)
	b.WriteString("\nRespond with a short instruction to unblock the agent, or reply exactly SKIP if nothing useful can be said.")
	return b.String()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func enrich(data map[string]any, dep *team.Deployment, agent *team.Agent) map[string]any {
	out := make(map[string]any, len(data)+3)
	for k, v := range data {
		out[k] = v
	}
	out["workspaceId"] = dep.WorkspaceID
	out["spaceId"] = dep.SpaceID
	out["teamAgentId"] = agent.ID
	if agent.CurrentStepID != "" {
		out["stepId"] = agent.CurrentStepID
	}
	return out
}
