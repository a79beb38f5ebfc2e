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

// Package service implements the Deployment Service (§4.8): the public
// orchestration API a daemon's HTTP surface calls to deploy, run, pause,
// reset and tear down a team.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/teamrt/internal/executor"
	"github.com/agentmesh/teamrt/internal/messaging"
	"github.com/agentmesh/teamrt/internal/permissions"
	"github.com/agentmesh/teamrt/internal/session"
	"github.com/agentmesh/teamrt/internal/templates"
	conductorerrors "github.com/agentmesh/teamrt/pkg/errors"
	"github.com/agentmesh/teamrt/pkg/team"
)

type backend interface {
	CreateDeployment(ctx context.Context, d *team.Deployment) error
	GetDeployment(ctx context.Context, workspaceID, id string) (*team.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, workspaceID, id string, status team.DeploymentStatus) error
	UpdateDeploymentConfig(ctx context.Context, workspaceID, id string, patch map[string]any) error

	CreateAgent(ctx context.Context, a *team.Agent) error
	UpdateAgent(ctx context.Context, a *team.Agent) error
	GetAgent(ctx context.Context, id string) (*team.Agent, error)
	ListAgentsByDeployment(ctx context.Context, deploymentID string) ([]*team.Agent, error)

	GetWorkflowState(ctx context.Context, deploymentID string) (*team.WorkflowState, int64, error)
	UpdateWorkflowState(ctx context.Context, deploymentID string, expectedVersion int64, state *team.WorkflowState) (int64, error)
}

// templateLoader is the optional capability a backend may support.
type templateLoader interface {
	GetTemplate(ctx context.Context, workspaceID, id string) (*team.Template, error)
}

// sessionStopper is the subset of internal/session.Manager reset/teardown
// need to best-effort stop a runtime session.
type sessionStopper interface {
	Stop(sessionID string) error
}

// experimentStore is the subset of internal/store.ExperimentStore the
// service uses to atomically claim/release the experiment a deployment
// targets, and to validate assignTargetTask's experimentId argument.
type experimentStore interface {
	GetExperiment(ctx context.Context, workspaceID, id string) (*team.Experiment, error)
	ClaimExperiment(ctx context.Context, workspaceID, id, deploymentID string) error
	ReleaseExperiment(ctx context.Context, workspaceID, id, deploymentID string) error
}

// workflowAdvancer is the subset of internal/executor.Executor the service
// drives to start a workflow.
type workflowAdvancer interface {
	Advance(ctx context.Context, workspaceID, deploymentID string, trigger executor.Trigger) error
}

// messageSender is the subset of internal/messaging.Bus triggerTeamRun uses
// to compose and send the coordinator's kickoff message.
type messageSender interface {
	SendMessage(ctx context.Context, workspaceID, deploymentID, fromAgentID, to, text string) (*messaging.SendResult, error)
}

// DeployOptions customizes a deployment beyond its org pattern.
type DeployOptions struct {
	DeploymentName string
	Task           string
	ProjectID      string
}

// Service implements the Deployment Service.
type Service struct {
	store       backend
	templates   templateLoader
	experiments experimentStore
	sessions    sessionStopper
	exec        workflowAdvancer
	msgs        messageSender
	scratchBase string
	registry    *permissions.MethodRegistry
}

// New constructs a Service. experiments may be nil if the configured
// backend does not implement store.ExperimentStore, in which case
// experiment-targeted deployments are rejected.
func New(store backend, templateLoader templateLoader, experiments experimentStore, sessions sessionStopper, exec workflowAdvancer, msgs messageSender, scratchBase string) *Service {
	return &Service{
		store: store, templates: templateLoader, experiments: experiments, sessions: sessions, exec: exec, msgs: msgs,
		scratchBase: scratchBase, registry: permissions.DefaultMethodRegistry(),
	}
}

// DeployFromOrgPattern creates a deployment from an inline OrgPattern,
// instantiating minInstances agents per role with persistence-ensured
// capabilities and wiring the reporting graph.
func (s *Service) DeployFromOrgPattern(ctx context.Context, workspaceID, spaceID string, pattern *team.OrgPattern, user string, opts DeployOptions) (*team.Deployment, []*team.Agent, error) {
	return s.deploy(ctx, workspaceID, spaceID, pattern, user, opts, nil)
}

// DeployFromTemplateId loads a persisted template (built-in or custom) and
// deploys it.
func (s *Service) DeployFromTemplateId(ctx context.Context, workspaceID, spaceID, templateID string, user string, opts DeployOptions) (*team.Deployment, []*team.Agent, error) {
	if s.templates == nil {
		return nil, nil, fmt.Errorf("service: no template store configured")
	}
	tmpl, err := s.templates.GetTemplate(ctx, workspaceID, templateID)
	if err != nil {
		return nil, nil, err
	}
	pattern := tmpl.Pattern
	if opts.DeploymentName == "" {
		opts.DeploymentName = tmpl.Name
	}
	return s.deploy(ctx, workspaceID, spaceID, &pattern, user, opts, nil)
}

// identityFn resolves the pseudo-user to assign to (role, instanceNumber);
// an empty return means mint a fresh identity.
type identityFn func(role string, instance int) string

func (s *Service) deploy(ctx context.Context, workspaceID, spaceID string, pattern *team.OrgPattern, user string, opts DeployOptions, identity identityFn) (*team.Deployment, []*team.Agent, error) {
	if err := s.validatePattern(pattern); err != nil {
		return nil, nil, err
	}

	plan, err := team.Compile(pattern)
	if err != nil {
		return nil, nil, err
	}

	depID := uuid.New().String()
	dep := &team.Deployment{
		ID: depID, WorkspaceID: workspaceID, SpaceID: spaceID, ProjectID: opts.ProjectID,
		TemplateName: opts.DeploymentName, Config: map[string]any{},
		OrgPattern: *pattern, ExecutionPlan: *plan,
		Status:        team.DeploymentActive,
		WorkflowState: *team.NewWorkflowState(),
		CreatedAt:     time.Now(),
		DeployedBy:    user,
	}
	if opts.Task != "" {
		dep.Config["taskDescription"] = opts.Task
	}
	if err := s.store.CreateDeployment(ctx, dep); err != nil {
		return nil, nil, err
	}

	prefix := depID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}

	agentsByRole := make(map[string][]*team.Agent)
	var agents []*team.Agent
	for roleID, role := range pattern.Roles {
		for i := 1; i <= role.MinInstances; i++ {
			userID := ""
			if identity != nil {
				userID = identity(roleID, i)
			}
			if userID == "" {
				userID = fmt.Sprintf("team-%s-%s-%d@agents.internal", prefix, roleID, i)
			}
			agent := &team.Agent{
				ID: uuid.New().String(), DeploymentID: depID, WorkspaceID: workspaceID,
				UserID: userID, Role: roleID, InstanceNumber: i, AgentType: role.AgentType,
				Workdir: role.Workdir, Capabilities: permissions.EnsurePersistenceCapabilities(role.Capabilities),
				Status: team.AgentIdle,
			}
			if err := s.store.CreateAgent(ctx, agent); err != nil {
				return nil, nil, err
			}
			agents = append(agents, agent)
			agentsByRole[roleID] = append(agentsByRole[roleID], agent)
		}
	}

	for _, agent := range agents {
		role := pattern.Roles[agent.Role]
		if role.ReportsTo == "" {
			continue
		}
		targets := agentsByRole[role.ReportsTo]
		if len(targets) == 0 {
			continue
		}
		lead := targets[0]
		for _, t := range targets {
			if t.InstanceNumber == agent.InstanceNumber {
				lead = t
				break
			}
		}
		agent.ReportsToAgentID = lead.ID
		if err := s.store.UpdateAgent(ctx, agent); err != nil {
			return nil, nil, err
		}
	}

	return dep, agents, nil
}

// validatePattern enforces §6's capability-validation rule on every role's
// declared capabilities and agentType before a pattern is deployed.
func (s *Service) validatePattern(pattern *team.OrgPattern) error {
	for roleID, role := range pattern.Roles {
		if err := permissions.ValidateCapabilities(s.registry, role.Capabilities); err != nil {
			return fmt.Errorf("role %q: %w", roleID, err)
		}
		if _, err := permissions.NormalizeAgentType(role.AgentType); err != nil {
			return fmt.Errorf("role %q: %w", roleID, err)
		}
	}
	return nil
}

// RedeployDeployment creates a new deployment from the source's org
// pattern. memoryPolicy "carry_all" reuses the source's pseudo-user
// identities keyed by role#instanceNumber; "none" mints fresh ones.
func (s *Service) RedeployDeployment(ctx context.Context, workspaceID, sourceDeploymentID, user, memoryPolicy string, opts DeployOptions) (*team.Deployment, []*team.Agent, error) {
	source, err := s.store.GetDeployment(ctx, workspaceID, sourceDeploymentID)
	if err != nil {
		return nil, nil, err
	}

	var identity identityFn
	if memoryPolicy == "carry_all" {
		sourceAgents, err := s.store.ListAgentsByDeployment(ctx, sourceDeploymentID)
		if err != nil {
			return nil, nil, err
		}
		byKey := make(map[string]string, len(sourceAgents))
		for _, a := range sourceAgents {
			byKey[fmt.Sprintf("%s#%d", a.Role, a.InstanceNumber)] = a.UserID
		}
		identity = func(role string, instance int) string {
			return byKey[fmt.Sprintf("%s#%d", role, instance)]
		}
	}

	pattern := source.OrgPattern
	if opts.ProjectID == "" {
		opts.ProjectID = source.ProjectID
	}
	return s.deploy(ctx, workspaceID, source.SpaceID, &pattern, user, opts, identity)
}

// TriggerTeamRun requires a target already set in config (taskId or
// experimentId). If the target is an experiment, it is atomically claimed
// (marked running, with {activeTeamDeploymentId, lastTriggeredAt} recorded)
// before anything else runs, so two deployments racing to drive the same
// experiment cannot both succeed. It then resets the team, sends the
// coordinator's kickoff message as a system message (which spawns it via the
// standard delivery path), and starts the workflow.
func (s *Service) TriggerTeamRun(ctx context.Context, workspaceID, deploymentID string) error {
	dep, err := s.store.GetDeployment(ctx, workspaceID, deploymentID)
	if err != nil {
		return err
	}
	taskID, _ := dep.Config["taskId"].(string)
	experimentID, _ := dep.Config["experimentId"].(string)
	if taskID == "" && experimentID == "" {
		return &conductorerrors.ValidationError{Field: "config", Message: "deployment has no taskId or experimentId target"}
	}

	if experimentID != "" {
		if s.experiments == nil {
			return fmt.Errorf("service: no experiment store configured")
		}
		if err := s.experiments.ClaimExperiment(ctx, workspaceID, experimentID, deploymentID); err != nil {
			return err
		}
	}

	if err := s.ResetTeam(ctx, workspaceID, deploymentID); err != nil {
		return err
	}

	agents, err := s.store.ListAgentsByDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	lead := findLead(dep, agents)
	if lead == nil {
		return &conductorerrors.NotFoundError{Resource: "lead agent", ID: deploymentID}
	}

	prompt := messaging.BuildKickoffPrompt(dep, agents)
	if _, err := s.msgs.SendMessage(ctx, workspaceID, deploymentID, team.SystemSender, lead.ID, prompt); err != nil {
		return err
	}

	return s.exec.Advance(ctx, workspaceID, deploymentID, executor.Trigger{Reason: "team_run_triggered"})
}

// findLead returns the root of the reporting tree: an agent that reports to
// no other agent, preferring a singleton role.
func findLead(dep *team.Deployment, agents []*team.Agent) *team.Agent {
	reportedTo := make(map[string]bool, len(agents))
	for _, a := range agents {
		if a.ReportsToAgentID != "" {
			reportedTo[a.ReportsToAgentID] = false
		}
	}
	for _, a := range agents {
		if role, ok := dep.OrgPattern.Roles[a.Role]; ok && role.Singleton && a.ReportsToAgentID == "" {
			return a
		}
	}
	for _, a := range agents {
		if a.ReportsToAgentID == "" {
			return a
		}
	}
	if len(agents) > 0 {
		return agents[0]
	}
	return nil
}

// PauseDeployment flips a deployment to paused.
func (s *Service) PauseDeployment(ctx context.Context, workspaceID, deploymentID string) error {
	return s.store.UpdateDeploymentStatus(ctx, workspaceID, deploymentID, team.DeploymentPaused)
}

// ResumeDeployment flips a deployment back to active.
func (s *Service) ResumeDeployment(ctx context.Context, workspaceID, deploymentID string) error {
	return s.store.UpdateDeploymentStatus(ctx, workspaceID, deploymentID, team.DeploymentActive)
}

// ResetTeam stops every non-paused agent's runtime session, clears agent
// run state, resets the workflow to idle, and cleans scratch directories.
func (s *Service) ResetTeam(ctx context.Context, workspaceID, deploymentID string) error {
	dep, err := s.store.GetDeployment(ctx, workspaceID, deploymentID)
	if err != nil {
		return err
	}

	agents, err := s.store.ListAgentsByDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if a.Status == team.AgentPaused {
			continue
		}
		if a.RuntimeSessionID != "" {
			_ = s.sessions.Stop(a.RuntimeSessionID)
		}
		a.Status = team.AgentIdle
		a.CurrentStepID = ""
		a.RuntimeSessionID = ""
		a.TerminalSessionID = ""
		a.TotalActions = 0
		a.TotalErrors = 0
		if err := s.store.UpdateAgent(ctx, a); err != nil {
			return err
		}
	}

	if s.scratchBase != "" {
		_ = session.CleanDeploymentScratch(s.scratchBase, deploymentID)
	}

	if dep.Status == team.DeploymentPaused {
		if err := s.store.UpdateDeploymentStatus(ctx, workspaceID, deploymentID, team.DeploymentActive); err != nil {
			return err
		}
	}

	state, version, err := s.store.GetWorkflowState(ctx, deploymentID)
	if err != nil {
		return err
	}
	state.CurrentPhase = team.PhaseIdle
	state.CompletedAt = nil
	for _, ss := range state.StepStates {
		if ss.Status == team.StepRunning || ss.Status == team.StepWaiting || ss.Status == team.StepFailed {
			ss.Status = team.StepPending
			ss.Error = ""
			ss.StartedAt = nil
			ss.CompletedAt = nil
			ss.AssignedAgentID = ""
		}
	}
	_, err = s.store.UpdateWorkflowState(ctx, deploymentID, version, state)
	return err
}

// TeardownTeam stops every agent, marks the deployment torn down, cleans
// scratch, and — if the deployment was driving an experiment and its status
// is not already terminal — releases the experiment back to planned.
func (s *Service) TeardownTeam(ctx context.Context, workspaceID, deploymentID string) error {
	dep, err := s.store.GetDeployment(ctx, workspaceID, deploymentID)
	if err != nil {
		return err
	}

	agents, err := s.store.ListAgentsByDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if a.RuntimeSessionID != "" {
			_ = s.sessions.Stop(a.RuntimeSessionID)
		}
		a.Status = team.AgentIdle
		a.RuntimeSessionID = ""
		a.TerminalSessionID = ""
		if err := s.store.UpdateAgent(ctx, a); err != nil {
			return err
		}
	}

	if s.scratchBase != "" {
		_ = session.CleanDeploymentScratch(s.scratchBase, deploymentID)
	}

	if err := s.store.UpdateDeploymentStatus(ctx, workspaceID, deploymentID, team.DeploymentTornDown); err != nil {
		return err
	}

	if experimentID, _ := dep.Config["experimentId"].(string); experimentID != "" && s.experiments != nil {
		if err := s.experiments.ReleaseExperiment(ctx, workspaceID, experimentID, deploymentID); err != nil {
			return err
		}
	}

	state, version, err := s.store.GetWorkflowState(ctx, deploymentID)
	if err != nil {
		return err
	}
	state.CurrentPhase = team.PhaseTornDown
	_, err = s.store.UpdateWorkflowState(ctx, deploymentID, version, state)
	return err
}

// RenameDeployment partial-merges a new name into config.
func (s *Service) RenameDeployment(ctx context.Context, workspaceID, deploymentID, name string) error {
	return s.store.UpdateDeploymentConfig(ctx, workspaceID, deploymentID, map[string]any{"name": name})
}

// AssignTargetTask requires exactly one of taskID/experimentID. An
// experimentID is validated to exist in the deployment's space before it is
// assigned; taskId names an external resource this system does not model
// and so cannot validate.
func (s *Service) AssignTargetTask(ctx context.Context, workspaceID, deploymentID, taskID, experimentID string) error {
	if (taskID == "") == (experimentID == "") {
		return &conductorerrors.ValidationError{Field: "target", Message: "exactly one of taskId or experimentId is required"}
	}
	patch := map[string]any{}
	if taskID != "" {
		patch["taskId"] = taskID
	} else {
		if s.experiments == nil {
			return fmt.Errorf("service: no experiment store configured")
		}
		dep, err := s.store.GetDeployment(ctx, workspaceID, deploymentID)
		if err != nil {
			return err
		}
		experiment, err := s.experiments.GetExperiment(ctx, workspaceID, experimentID)
		if err != nil {
			return err
		}
		if experiment.SpaceID != dep.SpaceID {
			return &conductorerrors.ValidationError{Field: "experimentId", Message: "experiment is not in the deployment's space"}
		}
		patch["experimentId"] = experimentID
	}
	return s.store.UpdateDeploymentConfig(ctx, workspaceID, deploymentID, patch)
}

// DeployFromTemplate renders a built-in template by ID (not yet persisted
// as a Template row, e.g. at first-run seeding time) and deploys it.
func DeployFromTemplate(ctx context.Context, s *Service, workspaceID, spaceID, builtinID, deploymentName, task, user string) (*team.Deployment, []*team.Agent, error) {
	pattern, err := templates.Compile(builtinID, deploymentName, task)
	if err != nil {
		return nil, nil, err
	}
	return s.DeployFromOrgPattern(ctx, workspaceID, spaceID, pattern, user, DeployOptions{DeploymentName: deploymentName, Task: task})
}
