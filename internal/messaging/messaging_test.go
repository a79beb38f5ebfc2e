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

package messaging_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/teamrt/internal/messaging"
	"github.com/agentmesh/teamrt/internal/store/memorystore"
	"github.com/agentmesh/teamrt/pkg/team"
)

const (
	testWorkspace = "ws-1"
	testSpace     = "space-1"
)

// fakeSpawner records Spawn/Send calls instead of running real subprocesses.
type fakeSpawner struct {
	spawned map[string]bool
	sent    map[string][]string
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{spawned: map[string]bool{}, sent: map[string][]string{}}
}

func (f *fakeSpawner) Spawn(ctx context.Context, agent *team.Agent, envCredentials map[string]string) (string, error) {
	f.spawned[agent.ID] = true
	return "sess-" + agent.ID, nil
}

func (f *fakeSpawner) Send(sessionID, text string) error {
	f.sent[sessionID] = append(f.sent[sessionID], text)
	return nil
}

func seedDeployment(t *testing.T, st *memorystore.Store, routing []team.RoutingRule) *team.Deployment {
	t.Helper()
	pattern := &team.OrgPattern{
		Name:    "lead-and-worker",
		Version: 1,
		Roles: map[string]team.Role{
			"lead":   {ID: "lead", Name: "Lead", MinInstances: 1, MaxInstances: 1, Singleton: true, AgentType: "claude-code"},
			"worker": {ID: "worker", Name: "Worker", MinInstances: 1, MaxInstances: 2, AgentType: "claude-code"},
		},
		Routing: routing,
		Workflow: []*team.WorkflowStep{
			{Kind: team.StepAssign, Role: "lead", Task: "lead the team"},
		},
	}
	plan, err := team.Compile(pattern)
	require.NoError(t, err)

	dep := &team.Deployment{
		ID: "dep-1", WorkspaceID: testWorkspace, SpaceID: testSpace,
		OrgPattern: *pattern, ExecutionPlan: *plan,
		Status:        team.DeploymentActive,
		WorkflowState: *team.NewWorkflowState(),
		Config:        map[string]any{"taskId": "task-42"},
	}
	require.NoError(t, st.CreateDeployment(context.Background(), dep))

	lead := &team.Agent{
		ID: "agent-lead", DeploymentID: dep.ID, WorkspaceID: testWorkspace,
		UserID: "user-lead", Role: "lead", InstanceNumber: 1, AgentType: "claude-code",
		Status: team.AgentRunning, RuntimeSessionID: "sess-agent-lead",
	}
	require.NoError(t, st.CreateAgent(context.Background(), lead))

	worker := &team.Agent{
		ID: "agent-worker-1", DeploymentID: dep.ID, WorkspaceID: testWorkspace,
		UserID: "user-worker", Role: "worker", InstanceNumber: 1, AgentType: "claude-code",
		Status: team.AgentIdle, ReportsToAgentID: "agent-lead",
	}
	require.NoError(t, st.CreateAgent(context.Background(), worker))

	return dep
}

// S2: sending a message to an idle recipient with no live session spawns
// one and delivers the message as a single formatted block.
func TestBus_SendMessage_SpawnsAndDelivers(t *testing.T) {
	st := memorystore.New()
	seedDeployment(t, st, nil)
	spawner := newFakeSpawner()
	bus := messaging.New(st, spawner, team.NewBus(false), nil)
	ctx := context.Background()

	result, err := bus.SendMessage(ctx, testWorkspace, "dep-1", "agent-lead", "worker", "please pick up task-42")
	require.NoError(t, err)
	assert.True(t, result.AgentSpawned)
	assert.True(t, result.Delivered)
	assert.Equal(t, "agent-worker-1", result.ToAgentID)

	assert.True(t, spawner.spawned["agent-worker-1"])
	require.Len(t, spawner.sent["sess-agent-worker-1"], 1)
	assert.Contains(t, spawner.sent["sess-agent-worker-1"][0], "[Message from lead]: please pick up task-42")

	msgs, err := bus.ReadMessages(ctx, "dep-1", "agent-worker-1", false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].ReadByRecipient)
}

// S3: a message between two roles with no reporting-chain edge and no
// explicit RoutingRule is rejected.
func TestBus_SendMessage_RejectsUnroutedEdge(t *testing.T) {
	st := memorystore.New()
	seedDeployment(t, st, nil)
	bus := messaging.New(st, newFakeSpawner(), team.NewBus(false), nil)
	ctx := context.Background()

	// worker -> worker (a second worker instance) has no reporting edge and
	// no RoutingRule permits it.
	second := &team.Agent{
		ID: "agent-worker-2", DeploymentID: "dep-1", WorkspaceID: testWorkspace,
		UserID: "user-worker-2", Role: "worker", InstanceNumber: 2, AgentType: "claude-code",
		Status: team.AgentIdle,
	}
	require.NoError(t, st.CreateAgent(ctx, second))

	_, err := bus.SendMessage(ctx, testWorkspace, "dep-1", "agent-worker-1", "agent-worker-2", "hey")
	require.Error(t, err)
	var routingErr *messaging.RoutingRejectedError
	assert.ErrorAs(t, err, &routingErr)
}

// An explicit RoutingRule opens an edge the reporting chain doesn't grant.
func TestBus_SendMessage_ExplicitRoutingRuleAllowsEdge(t *testing.T) {
	st := memorystore.New()
	seedDeployment(t, st, []team.RoutingRule{{From: "worker", To: "worker"}})
	spawner := newFakeSpawner()
	bus := messaging.New(st, spawner, team.NewBus(false), nil)
	ctx := context.Background()

	second := &team.Agent{
		ID: "agent-worker-2", DeploymentID: "dep-1", WorkspaceID: testWorkspace,
		UserID: "user-worker-2", Role: "worker", InstanceNumber: 2, AgentType: "claude-code",
		Status: team.AgentIdle,
	}
	require.NoError(t, st.CreateAgent(ctx, second))

	result, err := bus.SendMessage(ctx, testWorkspace, "dep-1", "agent-worker-1", "agent-worker-2", "hey")
	require.NoError(t, err)
	assert.Equal(t, "agent-worker-2", result.ToAgentID)
}

// system messages bypass routing validation entirely.
func TestBus_SendMessage_SystemBypassesRouting(t *testing.T) {
	st := memorystore.New()
	seedDeployment(t, st, nil)
	bus := messaging.New(st, newFakeSpawner(), team.NewBus(false), nil)
	ctx := context.Background()

	_, err := bus.SendMessage(ctx, testWorkspace, "dep-1", team.SystemSender, "worker", "kickoff")
	require.NoError(t, err)
}

// Sending to a role name resolves to the lowest-instanceNumber agent.
func TestBus_SendMessage_ResolvesRoleToLowestInstance(t *testing.T) {
	st := memorystore.New()
	seedDeployment(t, st, nil)
	ctx := context.Background()

	second := &team.Agent{
		ID: "agent-worker-2", DeploymentID: "dep-1", WorkspaceID: testWorkspace,
		UserID: "user-worker-2", Role: "worker", InstanceNumber: 2, AgentType: "claude-code",
		Status: team.AgentIdle, ReportsToAgentID: "agent-lead",
	}
	require.NoError(t, st.CreateAgent(ctx, second))

	bus := messaging.New(st, newFakeSpawner(), team.NewBus(false), nil)
	result, err := bus.SendMessage(ctx, testWorkspace, "dep-1", "agent-lead", "worker", "go")
	require.NoError(t, err)
	assert.Equal(t, "agent-worker-1", result.ToAgentID)
}

// An unresolvable target returns TargetNotFoundError.
func TestBus_SendMessage_UnknownTarget(t *testing.T) {
	st := memorystore.New()
	seedDeployment(t, st, nil)
	bus := messaging.New(st, newFakeSpawner(), team.NewBus(false), nil)

	_, err := bus.SendMessage(context.Background(), testWorkspace, "dep-1", "agent-lead", "nonexistent", "hi")
	require.Error(t, err)
	var notFound *messaging.TargetNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestBus_GetTeamRoster(t *testing.T) {
	st := memorystore.New()
	seedDeployment(t, st, nil)
	bus := messaging.New(st, newFakeSpawner(), team.NewBus(false), nil)

	roster, err := bus.GetTeamRoster(context.Background(), testWorkspace, "dep-1", "agent-lead")
	require.NoError(t, err)
	require.Len(t, roster, 2)

	var worker messaging.RosterEntry
	for _, r := range roster {
		if r.AgentID == "agent-worker-1" {
			worker = r
		}
	}
	assert.True(t, worker.CanMessage)
}

func TestBuildKickoffPrompt_IncludesTargetAndRoster(t *testing.T) {
	st := memorystore.New()
	dep := seedDeployment(t, st, nil)
	agents, err := st.ListAgentsByDeployment(context.Background(), "dep-1")
	require.NoError(t, err)

	prompt := messaging.BuildKickoffPrompt(dep, agents)
	assert.Contains(t, prompt, "task-42")
	assert.Contains(t, prompt, "agent-lead")
	assert.Contains(t, prompt, "agent-worker-1")
}
