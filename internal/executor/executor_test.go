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

package executor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/teamrt/internal/executor"
	"github.com/agentmesh/teamrt/internal/llmclient"
	"github.com/agentmesh/teamrt/internal/queue"
	"github.com/agentmesh/teamrt/internal/store/memorystore"
	"github.com/agentmesh/teamrt/pkg/team"
)

const (
	testWorkspace = "ws-1"
	testSpace     = "space-1"
)

func newTestExecutor(t *testing.T) (*executor.Executor, *memorystore.Store, queue.Queue, *team.Bus) {
	t.Helper()
	st := memorystore.New()
	q := queue.New()
	llm := llmclient.New(&llmclient.OfflineBackend{})
	bus := team.NewBus(false)
	return executor.New(st, q, llm, bus, nil), st, q, bus
}

func linearPattern() *team.OrgPattern {
	return &team.OrgPattern{
		Name:    "linear",
		Version: 1,
		Roles: map[string]team.Role{
			"lead": {ID: "lead", Name: "Lead", Capabilities: []string{"task.create"}, MinInstances: 1, MaxInstances: 1, Singleton: true, AgentType: "claude-code"},
		},
		Escalation: team.EscalationConfig{MaxDepth: 1},
		Workflow: []*team.WorkflowStep{
			{Kind: team.StepAssign, Role: "lead", Task: "step one"},
			{Kind: team.StepAssign, Role: "lead", Task: "step two"},
			{Kind: team.StepAssign, Role: "lead", Task: "step three"},
		},
	}
}

func seedDeployment(t *testing.T, st *memorystore.Store, pattern *team.OrgPattern) (*team.Deployment, *team.Agent) {
	t.Helper()
	plan, err := team.Compile(pattern)
	require.NoError(t, err)

	dep := &team.Deployment{
		ID: "dep-1", WorkspaceID: testWorkspace, SpaceID: testSpace,
		OrgPattern: *pattern, ExecutionPlan: *plan,
		Status:        team.DeploymentActive,
		WorkflowState: *team.NewWorkflowState(),
		Config:        map[string]any{},
	}
	dep.WorkflowState.CurrentPhase = team.PhaseRunning
	require.NoError(t, st.CreateDeployment(context.Background(), dep))

	agent := &team.Agent{
		ID: "agent-lead", DeploymentID: dep.ID, WorkspaceID: testWorkspace,
		UserID: "user-lead", Role: "lead", InstanceNumber: 1, AgentType: "claude-code",
		Status: team.AgentIdle,
	}
	require.NoError(t, st.CreateAgent(context.Background(), agent))
	return dep, agent
}

// S1: linear sequential run — three sequential assign steps to the same
// role complete one at a time, driving the next, until the workflow phase
// is completed.
func TestExecutor_LinearSequentialRun(t *testing.T) {
	ex, st, q, _ := newTestExecutor(t)
	ctx := context.Background()
	_, agent := seedDeployment(t, st, linearPattern())

	require.NoError(t, ex.Advance(ctx, testWorkspace, "dep-1", executor.Trigger{Reason: "trigger"}))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "step_0", job.StepID)

	state, _, err := st.GetWorkflowState(ctx, "dep-1")
	require.NoError(t, err)
	require.Equal(t, team.StepRunning, state.StepStates["step_0"].Status)

	// step_0 is still running, so advancing again must not dispatch
	// step_1 yet.
	require.NoError(t, ex.Advance(ctx, testWorkspace, "dep-1", executor.Trigger{Reason: "noop"}))
	state, _, err = st.GetWorkflowState(ctx, "dep-1")
	require.NoError(t, err)
	_, step1Exists := state.StepStates["step_1"]
	require.False(t, step1Exists)

	// With the agent set back to idle, completing step_0 advances to step_1.
	agent.Status = team.AgentIdle
	agent.CurrentStepID = ""
	require.NoError(t, st.UpdateAgent(ctx, agent))
	require.NoError(t, ex.CompleteStep(ctx, testWorkspace, "dep-1", "step_0", map[string]any{"ok": true}))

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	state, _, err = st.GetWorkflowState(ctx, "dep-1")
	require.NoError(t, err)
	require.Equal(t, team.StepRunning, state.StepStates["step_1"].Status)

	agent.Status = team.AgentIdle
	agent.CurrentStepID = ""
	require.NoError(t, st.UpdateAgent(ctx, agent))
	require.NoError(t, ex.CompleteStep(ctx, testWorkspace, "dep-1", "step_1", nil))

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	agent.Status = team.AgentIdle
	agent.CurrentStepID = ""
	require.NoError(t, st.UpdateAgent(ctx, agent))
	require.NoError(t, ex.CompleteStep(ctx, testWorkspace, "dep-1", "step_2", nil))

	state, _, err = st.GetWorkflowState(ctx, "dep-1")
	require.NoError(t, err)
	require.Equal(t, team.PhaseCompleted, state.CurrentPhase)
}

// S4: retry then escalate — failStep called repeatedly on the same step
// retries twice, escalates once (maxDepth=1), then fails the workflow.
func TestExecutor_RetryThenEscalate(t *testing.T) {
	ex, st, _, _ := newTestExecutor(t)
	ctx := context.Background()
	seedDeployment(t, st, linearPattern())

	require.NoError(t, ex.Advance(ctx, testWorkspace, "dep-1", executor.Trigger{Reason: "trigger"}))

	require.NoError(t, ex.FailStep(ctx, testWorkspace, "dep-1", "step_0", "boom 1"))
	state, _, err := st.GetWorkflowState(ctx, "dep-1")
	require.NoError(t, err)
	require.Equal(t, team.StepPending, state.StepStates["step_0"].Status)
	require.Equal(t, 1, state.StepStates["step_0"].RetryCount)

	require.NoError(t, ex.FailStep(ctx, testWorkspace, "dep-1", "step_0", "boom 2"))
	state, _, err = st.GetWorkflowState(ctx, "dep-1")
	require.NoError(t, err)
	require.Equal(t, team.StepPending, state.StepStates["step_0"].Status)
	require.Equal(t, 2, state.StepStates["step_0"].RetryCount)

	// Third failure: retryCount > 2, escalates once (maxDepth=1).
	require.NoError(t, ex.FailStep(ctx, testWorkspace, "dep-1", "step_0", "boom 3"))
	state, _, err = st.GetWorkflowState(ctx, "dep-1")
	require.NoError(t, err)
	require.Equal(t, team.StepPending, state.StepStates["step_0"].Status)
	require.Equal(t, 1, state.StepStates["step_0"].EscalationCount)

	// Fourth failure: escalation budget exhausted, step and phase fail.
	require.NoError(t, ex.FailStep(ctx, testWorkspace, "dep-1", "step_0", "boom 4"))
	state, _, err = st.GetWorkflowState(ctx, "dep-1")
	require.NoError(t, err)
	require.Equal(t, team.StepFailed, state.StepStates["step_0"].Status)
	require.Equal(t, team.PhaseFailed, state.CurrentPhase)
}
