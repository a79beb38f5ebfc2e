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

// Package executor owns the workflow state machine: advancing a
// deployment's compiled ExecutionPlan one dispatch at a time, completing
// and failing steps, and driving parent-container completion and
// retry/escalation, the tagged-sum-type dispatch style pkg/team models
// step and operation kinds with.
package executor

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/agentmesh/teamrt/internal/llmclient"
	"github.com/agentmesh/teamrt/internal/observability"
	"github.com/agentmesh/teamrt/internal/queue"
	"github.com/agentmesh/teamrt/internal/store"
	"github.com/agentmesh/teamrt/pkg/team"
)

// metricsRecorder is the subset of internal/observability.Collector Advance
// and CompleteStep/FailStep need; narrowed so executor doesn't depend on the
// concrete Collector type for testing.
type metricsRecorder interface {
	RecordStepDuration(ctx context.Context, stepKind, status string, duration time.Duration)
}

// Event topics published on the Event Bus.
const (
	EventWorkflowUpdated    = "workflow.updated"
	EventWorkflowCompleted  = "workflow.completed"
	EventWorkflowFailed     = "workflow.failed"
	EventStepEscalated      = "step.escalated"
	EventAgentLoopStarted   = "agent_loop.started"
	EventAgentLoopCompleted = "agent_loop.completed"
	EventAgentLoopFailed    = "agent_loop.failed"
)

// maxOptimisticAttempts bounds the read-mutate-write retry loop that
// absorbs ErrOptimisticLock conflicts (spec §4.2/§5: "retries up to 3").
const maxOptimisticAttempts = 3

// Trigger names why advance was invoked and optionally carries the event
// context a waiting step's await_event is looking for.
type Trigger struct {
	Reason  string
	Context map[string]any
}

// normalizeEventName maps a trigger to the event name await_event patterns
// match against.
func (t Trigger) normalizeEventName() string {
	if t.Reason == "mcp_event" {
		if et, ok := t.Context["eventType"].(string); ok {
			return et
		}
	}
	if t.Reason == "coding_swarm_completed" {
		return "coding_swarm.completed"
	}
	return t.Reason
}

// Executor owns workflow-state advancement for every deployment.
type Executor struct {
	store   store.Backend
	queue   queue.Queue
	llm     *llmclient.Client
	bus     *team.Bus
	log     *slog.Logger
	tracer  trace.Tracer
	metrics metricsRecorder
}

// New constructs an Executor.
func New(backend store.Backend, q queue.Queue, llm *llmclient.Client, bus *team.Bus, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{store: backend, queue: q, llm: llm, bus: bus, log: log}
}

// SetTracer wires the tracer spans are started against; a nil tracer (the
// default) makes every span call a no-op.
func (e *Executor) SetTracer(tracer trace.Tracer) {
	e.tracer = tracer
}

// SetMetrics wires the collector step-duration observations are recorded
// against; a nil collector (the default) makes every observation a no-op.
func (e *Executor) SetMetrics(metrics metricsRecorder) {
	e.metrics = metrics
}

// withWorkflowState loads the deployment and its workflow state, lets fn
// mutate state in place, and writes it back with optimistic-lock retry.
// fn returns only an error; whether to call advance() again on the same
// deployment (completeStep/failStep's "call advance" steps) is decided by
// the outer methods after this returns, not recursively from inside the
// lock.
func (e *Executor) withWorkflowState(ctx context.Context, workspaceID, deploymentID string, fn func(dep *team.Deployment, state *team.WorkflowState) error) error {
	var lastErr error
	for attempt := 0; attempt < maxOptimisticAttempts; attempt++ {
		dep, err := e.store.GetDeployment(ctx, workspaceID, deploymentID)
		if err != nil {
			return err
		}
		state, version, err := e.store.GetWorkflowState(ctx, deploymentID)
		if err != nil {
			return err
		}
		dep.WorkflowState = *state

		if err := fn(dep, state); err != nil {
			return err
		}

		_, err = e.store.UpdateWorkflowState(ctx, deploymentID, version, state)
		if err == nil {
			return nil
		}
		if !goerrors.Is(err, store.ErrOptimisticLock) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// Advance runs the advance algorithm: trigger resolution for waiting
// steps, then a top-level sequential drive over dispatchIfReady.
func (e *Executor) Advance(ctx context.Context, workspaceID, deploymentID string, trigger Trigger) error {
	ctx, span := observability.StartSpan(ctx, e.tracer, "team.advance")
	observability.SetAttributes(span, map[string]any{"deploymentId": deploymentID, "trigger": trigger.Reason})
	defer observability.EndSpan(span)

	err := e.withWorkflowState(ctx, workspaceID, deploymentID, func(dep *team.Deployment, state *team.WorkflowState) error {
		if dep.Status != team.DeploymentActive {
			return nil
		}
		if state.CurrentPhase != team.PhaseRunning {
			return nil
		}

		plan := &dep.ExecutionPlan
		e.resolveWaitingSteps(plan, state, trigger)

		for _, step := range plan.Steps {
			ss := state.StepStates[step.StepID]
			if ss == nil || ss.Status != team.StepCompleted {
				if err := e.dispatchIfReady(ctx, dep, plan, state, step); err != nil {
					return err
				}
			}
			ss = state.StepStates[step.StepID]
			if ss == nil || ss.Status != team.StepCompleted {
				break
			}
		}

		now := time.Now()
		state.LastAdvancedAt = &now
		state.CoordinatorInvocations++

		e.publishWorkflowUpdated(dep, state)
		return nil
	})
	if err != nil {
		observability.RecordError(span, err)
	} else {
		observability.SetOK(span)
	}
	return err
}

// resolveWaitingSteps implements step 4 of the advance algorithm: the
// first waiting step (depth-first, including nested) whose await_event
// pattern matches the normalized trigger event name resolves to completed.
func (e *Executor) resolveWaitingSteps(plan *team.ExecutionPlan, state *team.WorkflowState, trigger Trigger) {
	eventName := trigger.normalizeEventName()
	if eventName == "" {
		return
	}

	var resolved *team.StepPlan
	plan.Walk(func(step, _ *team.StepPlan) {
		if resolved != nil {
			return
		}
		ss := state.StepStates[step.StepID]
		if ss == nil || ss.Status != team.StepWaiting {
			return
		}
		if patternMatches(step.Operation.Pattern, eventName) {
			resolved = step
		}
	})
	if resolved == nil {
		return
	}

	now := time.Now()
	state.StepStates[resolved.StepID] = &team.StepState{
		Status:      team.StepCompleted,
		CompletedAt: &now,
		Result:      map[string]any{"event": eventName, "context": trigger.Context},
	}
	e.runParentCompletion(plan, state, resolved.StepID)
}

// patternMatches implements the spec's "exact, wildcard *, or substring
// either way" matching rule for await_event patterns.
func patternMatches(pattern, eventName string) bool {
	if pattern == "" || pattern == "*" {
		return pattern == "*"
	}
	if pattern == eventName {
		return true
	}
	return strings.Contains(pattern, eventName) || strings.Contains(eventName, pattern)
}

// ensureStepState lazily initializes a step's state as pending.
func ensureStepState(state *team.WorkflowState, stepID string) *team.StepState {
	ss, ok := state.StepStates[stepID]
	if !ok {
		ss = &team.StepState{Status: team.StepPending}
		state.StepStates[stepID] = ss
	}
	return ss
}

// dispatchIfReady dispatches step if it is pending, branching on its
// compiled operation kind.
func (e *Executor) dispatchIfReady(ctx context.Context, dep *team.Deployment, plan *team.ExecutionPlan, state *team.WorkflowState, step *team.StepPlan) error {
	ss := ensureStepState(state, step.StepID)
	if ss.Status != team.StepPending {
		return nil
	}

	ctx, span := observability.StartSpan(ctx, e.tracer, "team.dispatch_step")
	observability.SetAttributes(span, map[string]any{
		"deploymentId": dep.ID, "stepId": step.StepID, "operationKind": string(step.Operation.Kind),
	})
	defer observability.EndSpan(span)

	if err := e.dispatch(ctx, dep, plan, state, step, ss); err != nil {
		observability.RecordError(span, err)
		return err
	}
	observability.SetOK(span)
	return nil
}

func (e *Executor) dispatch(ctx context.Context, dep *team.Deployment, plan *team.ExecutionPlan, state *team.WorkflowState, step *team.StepPlan, ss *team.StepState) error {
	switch step.Operation.Kind {
	case team.OpDispatchAgentLoop:
		return e.dispatchAgentLoop(ctx, dep, state, step, ss, step.Operation.Role, step.Operation.Task)

	case team.OpInvokeCoordinator:
		lead, err := e.findLeadAgent(ctx, dep.ID)
		if err != nil || lead == nil {
			e.failStepState(state, step.StepID, ss, "no lead agent available", dep)
			return nil
		}
		return e.dispatchToAgent(ctx, dep, state, step, ss, lead, queue.StepContext{Name: "coordinator", Task: step.Operation.Reason})

	case team.OpAwaitEvent:
		ss.Status = team.StepWaiting
		return nil

	case team.OpAggregateResults:
		return e.dispatchAggregate(ctx, dep, state, step, ss)

	case team.OpEvaluateCondition:
		return e.dispatchCondition(ctx, dep, plan, state, step, ss)

	case team.OpNoop:
		return e.dispatchContainer(ctx, dep, plan, state, step, ss)

	default:
		return fmt.Errorf("executor: unknown operation kind %q", step.Operation.Kind)
	}
}

func (e *Executor) dispatchAgentLoop(ctx context.Context, dep *team.Deployment, state *team.WorkflowState, step *team.StepPlan, ss *team.StepState, role, task string) error {
	agent, err := e.findIdleAgentByRole(ctx, dep.ID, role)
	if err != nil {
		return err
	}
	if agent == nil {
		e.failStepState(state, step.StepID, ss, fmt.Sprintf("no idle agent available for role %q", role), dep)
		return nil
	}
	return e.dispatchToAgent(ctx, dep, state, step, ss, agent, queue.StepContext{Name: step.StepID, Task: task})
}

// dispatchToAgent implements the persist-before-enqueue race guard: the
// step state and agent currentStepId are written to the store before the
// job reaches the queue, so a worker that completes instantly never races
// a completeStep call against stale pending state.
func (e *Executor) dispatchToAgent(ctx context.Context, dep *team.Deployment, state *team.WorkflowState, step *team.StepPlan, ss *team.StepState, agent *team.Agent, stepCtx queue.StepContext) error {
	now := time.Now()
	ss.Status = team.StepRunning
	ss.AssignedAgentID = agent.ID
	ss.StartedAt = &now

	agent.CurrentStepID = step.StepID
	agent.Status = team.AgentRunning
	if err := e.store.UpdateAgent(ctx, agent); err != nil {
		return err
	}

	job := queue.Job{
		Kind:         queue.AgentLoopJob,
		TeamAgentID:  agent.ID,
		DeploymentID: dep.ID,
		WorkspaceID:  dep.WorkspaceID,
		SpaceID:      dep.SpaceID,
		Role:         agent.Role,
		SystemPrompt: agent.SystemPrompt,
		Capabilities: agent.Capabilities,
		StepID:       step.StepID,
		StepContext:  stepCtx,
	}
	if taskID, ok := dep.Config["taskId"].(string); ok {
		job.TargetTaskID = taskID
	}
	if expID, ok := dep.Config["experimentId"].(string); ok {
		job.TargetExperimentID = expID
	}

	if err := e.queue.Enqueue(ctx, job); err != nil {
		return err
	}

	_ = e.bus.PublishTopic(ctx, EventAgentLoopStarted, map[string]any{
		"deploymentId": dep.ID, "teamAgentId": agent.ID, "stepId": step.StepID,
	})
	return nil
}

func (e *Executor) dispatchAggregate(ctx context.Context, dep *team.Deployment, state *team.WorkflowState, step *team.StepPlan, ss *team.StepState) error {
	sources := make(map[string]any, len(step.Operation.SourceStepIDs))
	for _, id := range step.Operation.SourceStepIDs {
		src := state.StepStates[id]
		if src == nil || src.Status != team.StepCompleted {
			return nil
		}
		sources[id] = src.Result
	}

	ss.Status = team.StepRunning
	result, err := e.llm.Aggregate(ctx, step.Operation.Method, sources)
	if err != nil {
		e.failStepState(state, step.StepID, ss, err.Error(), dep)
		return nil
	}

	now := time.Now()
	ss.Status = team.StepCompleted
	ss.CompletedAt = &now
	ss.Result = map[string]any{"aggregated": result.Aggregated, "summary": result.Summary}
	e.runParentCompletion(&dep.ExecutionPlan, state, step.StepID)
	return nil
}

func (e *Executor) dispatchCondition(ctx context.Context, dep *team.Deployment, plan *team.ExecutionPlan, state *team.WorkflowState, step *team.StepPlan, ss *team.StepState) error {
	ss.Status = team.StepRunning
	stateJSON, _ := json.Marshal(state.StepStates)
	verdict := e.llm.EvaluateCondition(ctx, step.Operation.Check, string(stateJSON))

	now := time.Now()
	ss.Status = team.StepCompleted
	ss.CompletedAt = &now
	branch := step.ElseBranch
	branchName := "else"
	if verdict {
		branch = step.ThenBranch
		branchName = "then"
	}
	ss.Result = map[string]any{"branch": branchName}
	e.runParentCompletion(plan, state, step.StepID)

	if branch == nil {
		return nil
	}
	return e.dispatchIfReady(ctx, dep, plan, state, branch)
}

func (e *Executor) dispatchContainer(ctx context.Context, dep *team.Deployment, plan *team.ExecutionPlan, state *team.WorkflowState, step *team.StepPlan, ss *team.StepState) error {
	ss.Status = team.StepRunning

	if len(step.Children) == 0 {
		now := time.Now()
		ss.Status = team.StepCompleted
		ss.CompletedAt = &now
		e.runParentCompletion(plan, state, step.StepID)
		return nil
	}

	switch step.Kind {
	case team.StepParallel:
		allDone := true
		for _, child := range step.Children {
			cs := state.StepStates[child.StepID]
			if cs == nil || cs.Status != team.StepCompleted {
				allDone = false
				if err := e.dispatchIfReady(ctx, dep, plan, state, child); err != nil {
					return err
				}
			}
		}
		if allDone {
			now := time.Now()
			ss.Status = team.StepCompleted
			ss.CompletedAt = &now
			e.runParentCompletion(plan, state, step.StepID)
		}
	case team.StepSequential:
		for _, child := range step.Children {
			cs := state.StepStates[child.StepID]
			if cs == nil || cs.Status != team.StepCompleted {
				if err := e.dispatchIfReady(ctx, dep, plan, state, child); err != nil {
					return err
				}
				return nil
			}
		}
		now := time.Now()
		ss.Status = team.StepCompleted
		ss.CompletedAt = &now
		e.runParentCompletion(plan, state, step.StepID)
	}
	return nil
}

// runParentCompletion implements the parent-completion rule shared by
// dispatchContainer and completeStep: a parallel parent completes once all
// children do, a sequential parent completes once its last child does.
func (e *Executor) runParentCompletion(plan *team.ExecutionPlan, state *team.WorkflowState, childID string) {
	parent := plan.ParentOf(childID)
	if parent == nil || !parent.IsContainer() {
		return
	}
	ps := state.StepStates[parent.StepID]
	if ps != nil && ps.Status == team.StepCompleted {
		return
	}

	var shouldComplete bool
	switch parent.Kind {
	case team.StepParallel:
		shouldComplete = true
		for _, c := range parent.Children {
			cs := state.StepStates[c.StepID]
			if cs == nil || cs.Status != team.StepCompleted {
				shouldComplete = false
				break
			}
		}
	case team.StepSequential:
		last := parent.Children[len(parent.Children)-1]
		cs := state.StepStates[last.StepID]
		shouldComplete = cs != nil && cs.Status == team.StepCompleted
	}

	if !shouldComplete {
		return
	}
	now := time.Now()
	if ps == nil {
		ps = &team.StepState{}
		state.StepStates[parent.StepID] = ps
	}
	ps.Status = team.StepCompleted
	ps.CompletedAt = &now
	e.runParentCompletion(plan, state, parent.StepID)
}

func (e *Executor) failStepState(state *team.WorkflowState, stepID string, ss *team.StepState, reason string, dep *team.Deployment) {
	ss.Status = team.StepFailed
	ss.Error = reason
	state.CurrentPhase = team.PhaseFailed
}

// recordStepDuration observes a completed or failed step's execution time,
// labeled by the step's compiled operation kind if it's still resolvable.
func (e *Executor) recordStepDuration(ctx context.Context, plan team.ExecutionPlan, stepID string, ss *team.StepState, status string) {
	if e.metrics == nil || ss.StartedAt == nil {
		return
	}
	kind := "unknown"
	if step, _ := plan.FindStep(stepID); step != nil {
		kind = string(step.Operation.Kind)
	}
	e.metrics.RecordStepDuration(ctx, kind, status, time.Since(*ss.StartedAt))
}

// CompleteStep marks a step completed, idempotently, runs parent
// completion, and either closes out the workflow or calls Advance again.
func (e *Executor) CompleteStep(ctx context.Context, workspaceID, deploymentID, stepID string, result map[string]any) error {
	var callAdvance bool
	err := e.withWorkflowState(ctx, workspaceID, deploymentID, func(dep *team.Deployment, state *team.WorkflowState) error {
		ss := state.StepStates[stepID]
		if ss != nil && ss.Status == team.StepCompleted {
			return nil
		}

		now := time.Now()
		if ss == nil {
			ss = &team.StepState{}
			state.StepStates[stepID] = ss
		}
		ss.Status = team.StepCompleted
		ss.CompletedAt = &now
		ss.Result = result
		e.recordStepDuration(ctx, dep.ExecutionPlan, stepID, ss, "completed")

		plan := &dep.ExecutionPlan
		e.runParentCompletion(plan, state, stepID)

		allDone := true
		for _, s := range plan.Steps {
			cs := state.StepStates[s.StepID]
			if cs == nil || cs.Status != team.StepCompleted {
				allDone = false
				break
			}
		}
		if allDone {
			state.CurrentPhase = team.PhaseCompleted
			state.CompletedAt = &now
			e.publishWorkflowCompleted(dep)
		} else {
			callAdvance = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if callAdvance {
		return e.Advance(ctx, workspaceID, deploymentID, Trigger{Reason: "step_completed"})
	}
	return nil
}

// FailStep implements the retry-then-escalate-then-fail ladder.
func (e *Executor) FailStep(ctx context.Context, workspaceID, deploymentID, stepID, errMsg string) error {
	var next string
	err := e.withWorkflowState(ctx, workspaceID, deploymentID, func(dep *team.Deployment, state *team.WorkflowState) error {
		ss := state.StepStates[stepID]
		if ss == nil {
			ss = &team.StepState{}
			state.StepStates[stepID] = ss
		}
		ss.RetryCount++
		ss.Error = errMsg

		if ss.RetryCount <= 2 {
			ss.Status = team.StepPending
			ss.AssignedAgentID = ""
			next = "retry"
			return nil
		}

		maxDepth := dep.ExecutionPlan.Escalation.MaxDepth
		if maxDepth == 0 {
			maxDepth = 3
		}
		if ss.EscalationCount < maxDepth {
			ss.EscalationCount++
			ss.Status = team.StepPending
			ss.AssignedAgentID = ""
			_ = e.bus.PublishTopic(ctx, EventStepEscalated, map[string]any{
				"deploymentId": dep.ID, "stepId": stepID, "escalationCount": ss.EscalationCount,
			})
			next = "retry"
			return nil
		}

		ss.Status = team.StepFailed
		state.CurrentPhase = team.PhaseFailed
		next = "failed"
		e.recordStepDuration(ctx, dep.ExecutionPlan, stepID, ss, "failed")
		return nil
	})
	if err != nil {
		return err
	}

	switch next {
	case "retry":
		return e.Advance(ctx, workspaceID, deploymentID, Trigger{Reason: "step_retry"})
	case "failed":
		dep, gerr := e.store.GetDeployment(ctx, workspaceID, deploymentID)
		if gerr == nil {
			e.publishWorkflowFailed(dep)
		}
	}
	return nil
}

func (e *Executor) findIdleAgentByRole(ctx context.Context, deploymentID, role string) (*team.Agent, error) {
	agents, err := e.store.ListAgentsByDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if a.Role == role && a.Status == team.AgentIdle && a.UserID != "" {
			return a, nil
		}
	}
	return nil, nil
}

func (e *Executor) findLeadAgent(ctx context.Context, deploymentID string) (*team.Agent, error) {
	agents, err := e.store.ListAgentsByDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if a.ReportsToAgentID == "" {
			return a, nil
		}
	}
	return nil, nil
}

func (e *Executor) publishWorkflowUpdated(dep *team.Deployment, state *team.WorkflowState) {
	_ = e.bus.PublishTopic(context.Background(), EventWorkflowUpdated, map[string]any{
		"deploymentId": dep.ID, "workspaceId": dep.WorkspaceID, "spaceId": dep.SpaceID,
	})
	for _, ss := range state.StepStates {
		if ss.Status == team.StepFailed {
			e.publishWorkflowFailed(dep)
			return
		}
	}
}

func (e *Executor) publishWorkflowCompleted(dep *team.Deployment) {
	_ = e.bus.PublishTopic(context.Background(), EventWorkflowCompleted, map[string]any{
		"deploymentId": dep.ID, "workspaceId": dep.WorkspaceID, "spaceId": dep.SpaceID,
	})
}

func (e *Executor) publishWorkflowFailed(dep *team.Deployment) {
	_ = e.bus.PublishTopic(context.Background(), EventWorkflowFailed, map[string]any{
		"deploymentId": dep.ID, "workspaceId": dep.WorkspaceID, "spaceId": dep.SpaceID,
	})
}
