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

// Package queue defines the job the Workflow Executor enqueues for a
// worker pool to dispatch an agent loop, and the Queue abstraction two
// backends implement (an in-memory queue for single-process deployments,
// a Redis-backed one for durable multi-worker deployments).
package queue

import "context"

// JobKind names the one job type this orchestrator enqueues today. It is
// still a named kind, not a bare struct, so a second job type can be added
// without breaking consumers that switch on Kind.
type JobKind string

// AgentLoopJob is the JobKind this orchestrator enqueues.
const AgentLoopJob JobKind = "team_agent_loop"

// StepContext names the step an agent loop job is servicing.
type StepContext struct {
	Name string `json:"name"`
	Task string `json:"task"`
}

// Job is one unit of dispatch work: spawn or resume an agent's runtime
// session and hand it a task.
type Job struct {
	Kind JobKind `json:"kind"`

	TeamAgentID  string `json:"teamAgentId"`
	DeploymentID string `json:"deploymentId"`
	WorkspaceID  string `json:"workspaceId"`
	SpaceID      string `json:"spaceId,omitempty"`
	Role         string `json:"role"`

	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Capabilities []string `json:"capabilities"`

	StepID      string      `json:"stepId"`
	StepContext StepContext `json:"stepContext"`

	TargetTaskID       string `json:"targetTaskId,omitempty"`
	TargetExperimentID string `json:"targetExperimentId,omitempty"`
}

// Queue is implemented by the in-memory and Redis-backed job queues.
// Enqueue must not block the caller beyond handing the job to the
// transport; Dequeue blocks until a job is available or ctx is cancelled.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
	Close() error
}
