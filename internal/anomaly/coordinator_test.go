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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/teamrt/internal/llmclient"
	"github.com/agentmesh/teamrt/internal/session"
	"github.com/agentmesh/teamrt/internal/store/memorystore"
	"github.com/agentmesh/teamrt/pkg/team"
)

const testWorkspace = "ws-1"

type fakeSessions struct {
	sent     map[string][]string
	keys     map[string][]string
	stopped  map[string]bool
	buffers  map[string]string
	spawnIDs int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sent: map[string][]string{}, keys: map[string][]string{}, stopped: map[string]bool{}, buffers: map[string]string{}}
}

func (f *fakeSessions) Spawn(ctx context.Context, agent *team.Agent, envCredentials map[string]string) (string, error) {
	f.spawnIDs++
	return "auth-sess", nil
}
func (f *fakeSessions) Send(sessionID, text string) error {
	f.sent[sessionID] = append(f.sent[sessionID], text)
	return nil
}
func (f *fakeSessions) SendKeys(sessionID, keyname string) error {
	f.keys[sessionID] = append(f.keys[sessionID], keyname)
	return nil
}
func (f *fakeSessions) Stop(sessionID string) error {
	f.stopped[sessionID] = true
	return nil
}
func (f *fakeSessions) OutputBuffer(sessionID string) (string, error) {
	return f.buffers[sessionID], nil
}

type fakeExecutor struct {
	completed []string
	failed    []string
}

func (f *fakeExecutor) CompleteStep(ctx context.Context, workspaceID, deploymentID, stepID string, result map[string]any) error {
	f.completed = append(f.completed, stepID)
	return nil
}
func (f *fakeExecutor) FailStep(ctx context.Context, workspaceID, deploymentID, stepID, errMsg string) error {
	f.failed = append(f.failed, stepID)
	return nil
}

type fakeMessages struct{ delivered int }

func (f *fakeMessages) DeliverPendingMessages(ctx context.Context, workspaceID, deploymentID, agentID string) (int, error) {
	return f.delivered, nil
}

func seedAgent(t *testing.T, st *memorystore.Store, id, sessionID string, status team.AgentStatus, stepID string) *team.Agent {
	t.Helper()
	a := &team.Agent{
		ID: id, DeploymentID: "dep-1", WorkspaceID: testWorkspace, UserID: "u-1",
		Role: "worker", InstanceNumber: 1, AgentType: "claude-code",
		Status: status, RuntimeSessionID: sessionID, CurrentStepID: stepID,
	}
	require.NoError(t, st.CreateAgent(context.Background(), a))
	return a
}

func seedDeployment(t *testing.T, st *memorystore.Store) {
	t.Helper()
	pattern := &team.OrgPattern{
		Name: "pair", Version: 1,
		Roles: map[string]team.Role{
			"worker": {ID: "worker", Name: "Worker", MinInstances: 1, MaxInstances: 1, AgentType: "claude-code"},
		},
		Workflow: []*team.WorkflowStep{{Kind: team.StepAssign, Role: "worker", Task: "go"}},
	}
	plan, err := team.Compile(pattern)
	require.NoError(t, err)
	dep := &team.Deployment{
		ID: "dep-1", WorkspaceID: testWorkspace, SpaceID: "space-1",
		OrgPattern: *pattern, ExecutionPlan: *plan,
		Status: team.DeploymentActive, WorkflowState: *team.NewWorkflowState(),
		Config: map[string]any{},
	}
	require.NoError(t, st.CreateDeployment(context.Background(), dep))
}

func newTestCoordinator(t *testing.T) (*Coordinator, *memorystore.Store, *fakeSessions, *fakeExecutor, *team.Bus) {
	t.Helper()
	st := memorystore.New()
	seedDeployment(t, st)
	sess := newFakeSessions()
	ex := &fakeExecutor{}
	llm := llmclient.New(&llmclient.OfflineBackend{})
	bus := team.NewBus(false)
	c := New(st, sess, ex, &fakeMessages{}, llm, bus, nil)
	c.Subscribe()
	return c, st, sess, ex, bus
}

func TestCoordinator_ToolRunningRepublishesEnriched(t *testing.T) {
	_, st, _, _, bus := newTestCoordinator(t)
	seedAgent(t, st, "agent-1", "sess-1", team.AgentRunning, "step_0")

	var received map[string]any
	bus.On(TopicToolRunning, func(ctx context.Context, evt team.Event) error {
		received = evt.Data
		return nil
	})

	require.NoError(t, bus.PublishTopic(context.Background(), session.EventToolRunning, map[string]any{
		"sessionId": "sess-1", "agentId": "agent-1", "deploymentId": "dep-1",
	}))

	require.NotNil(t, received)
	assert.Equal(t, testWorkspace, received["workspaceId"])
	assert.Equal(t, "agent-1", received["teamAgentId"])
	assert.Equal(t, "step_0", received["stepId"])

	logs, err := st.ListRunLogs(context.Background(), "dep-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestCoordinator_TaskCompleteDrivesExecutor(t *testing.T) {
	_, st, _, ex, bus := newTestCoordinator(t)
	seedAgent(t, st, "agent-1", "sess-1", team.AgentRunning, "step_0")

	require.NoError(t, bus.PublishTopic(context.Background(), session.EventTaskComplete, map[string]any{
		"sessionId": "sess-1", "deploymentId": "dep-1",
	}))

	assert.Equal(t, []string{"step_0"}, ex.completed)
}

func TestCoordinator_TaskCompleteIgnoredWithoutCurrentStep(t *testing.T) {
	_, st, _, ex, bus := newTestCoordinator(t)
	seedAgent(t, st, "agent-1", "sess-1", team.AgentIdle, "")

	require.NoError(t, bus.PublishTopic(context.Background(), session.EventTaskComplete, map[string]any{
		"sessionId": "sess-1", "deploymentId": "dep-1",
	}))

	assert.Empty(t, ex.completed)
}

func TestCoordinator_AgentErrorFailsStepAndAutoPauses(t *testing.T) {
	_, st, _, ex, bus := newTestCoordinator(t)
	seedAgent(t, st, "agent-1", "sess-1", team.AgentRunning, "step_0")

	require.NoError(t, bus.PublishTopic(context.Background(), session.EventAgentError, map[string]any{
		"sessionId": "sess-1", "deploymentId": "dep-1", "error": "boom",
	}))

	assert.Equal(t, []string{"step_0"}, ex.failed)

	agent, err := st.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, team.AgentError, agent.Status)

	dep, err := st.GetDeployment(context.Background(), testWorkspace, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, team.DeploymentPaused, dep.Status)
}

func TestCoordinator_AgentStoppedCompletesStepAndClearsState(t *testing.T) {
	_, st, _, ex, bus := newTestCoordinator(t)
	seedAgent(t, st, "agent-1", "sess-1", team.AgentRunning, "step_0")

	require.NoError(t, bus.PublishTopic(context.Background(), session.EventAgentStopped, map[string]any{
		"sessionId": "sess-1", "deploymentId": "dep-1", "reason": "exited", "loginDetected": false,
	}))

	assert.Equal(t, []string{"step_0"}, ex.completed)

	agent, err := st.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, team.AgentIdle, agent.Status)
	assert.Empty(t, agent.RuntimeSessionID)
	assert.Empty(t, agent.CurrentStepID)
}

func TestCoordinator_AgentStoppedIgnoredWhenLoginDetected(t *testing.T) {
	_, st, _, ex, bus := newTestCoordinator(t)
	seedAgent(t, st, "agent-1", "sess-1", team.AgentRunning, "step_0")

	require.NoError(t, bus.PublishTopic(context.Background(), session.EventAgentStopped, map[string]any{
		"sessionId": "sess-1", "deploymentId": "dep-1", "loginDetected": true,
	}))

	assert.Empty(t, ex.completed)
	agent, err := st.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "step_0", agent.CurrentStepID)
}

func TestCoordinator_BlockingPromptIgnoredForStartupPromptWithNoStep(t *testing.T) {
	_, st, _, _, bus := newTestCoordinator(t)
	seedAgent(t, st, "agent-1", "sess-1", team.AgentRunning, "")

	fired := false
	bus.On(TopicBlockingPrompt, func(ctx context.Context, evt team.Event) error { fired = true; return nil })

	require.NoError(t, bus.PublishTopic(context.Background(), session.EventBlockingPrompt, map[string]any{
		"sessionId": "sess-1", "deploymentId": "dep-1",
		"promptInfo": map[string]any{"type": "permission"},
	}))

	assert.False(t, fired)
}

func TestCoordinator_BlockingPromptDeliversMessagesFirst(t *testing.T) {
	st := memorystore.New()
	seedDeployment(t, st)
	seedAgent(t, st, "agent-1", "sess-1", team.AgentRunning, "step_0")
	sess := newFakeSessions()
	bus := team.NewBus(false)
	llm := llmclient.New(&llmclient.OfflineBackend{})
	c := New(st, sess, &fakeExecutor{}, &fakeMessages{delivered: 2}, llm, bus, nil)
	c.Subscribe()

	var received map[string]any
	bus.On(TopicBlockingPrompt, func(ctx context.Context, evt team.Event) error { received = evt.Data; return nil })

	require.NoError(t, bus.PublishTopic(context.Background(), session.EventBlockingPrompt, map[string]any{
		"sessionId": "sess-1", "deploymentId": "dep-1",
		"promptInfo": map[string]any{"type": "other", "prompt": "continue?"},
	}))

	require.NotNil(t, received)
	assert.Equal(t, 2, received["messagesDelivered"])
}

// Second simultaneous login_required for the same (deployment, agentType)
// is queued: its session is stopped and its agent marked error.
func TestCoordinator_LoginRequired_SecondSimultaneousIsQueued(t *testing.T) {
	origInterval, origBudget := authPollInterval, authPollBudget
	authPollInterval, authPollBudget = 10*time.Millisecond, 30*time.Millisecond
	t.Cleanup(func() { authPollInterval, authPollBudget = origInterval, origBudget })

	st := memorystore.New()
	seedDeployment(t, st)
	a1 := seedAgent(t, st, "agent-1", "sess-1", team.AgentRunning, "")
	a1.AgentType = "claude-code"
	require.NoError(t, st.UpdateAgent(context.Background(), a1))
	a2 := seedAgent(t, st, "agent-2", "sess-2", team.AgentRunning, "")
	a2.AgentType = "claude-code"
	require.NoError(t, st.UpdateAgent(context.Background(), a2))

	sess := newFakeSessions()
	bus := team.NewBus(false)
	llm := llmclient.New(&llmclient.OfflineBackend{})
	c := New(st, sess, &fakeExecutor{}, &fakeMessages{}, llm, bus, nil)
	c.Subscribe()

	require.NoError(t, bus.PublishTopic(context.Background(), session.EventLoginRequired, map[string]any{
		"sessionId": "sess-1", "deploymentId": "dep-1",
	}))
	require.NoError(t, bus.PublishTopic(context.Background(), session.EventLoginRequired, map[string]any{
		"sessionId": "sess-2", "deploymentId": "dep-1",
	}))

	assert.True(t, sess.stopped["sess-2"])
	agent2, err := st.GetAgent(context.Background(), "agent-2")
	require.NoError(t, err)
	assert.Equal(t, team.AgentError, agent2.Status)
	assert.Equal(t, "waiting for auth", agent2.LastRunSummary)

	// let the background auth flow for agent-1 finish before the test exits.
	time.Sleep(100 * time.Millisecond)
}
