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

// Package store defines the repository interfaces the runtime uses to
// persist deployments, agents, workflow state, messages, run logs, and
// templates.
//
// Interface hierarchy. DeploymentStore, AgentStore and WorkflowStateStore
// are the core, required capabilities; MessageStore, RunLogStore and
// TemplateStore are optional ones a Backend may or may not implement. A
// caller that needs an optional capability type-asserts for it:
//
//	if ts, ok := backend.(store.TemplateStore); ok { ... }
//
// This mirrors how the method set of a concrete Backend is discovered
// without forcing every implementation to stub out unsupported pieces.
package store

import (
	"context"
	"io"

	conductorerrors "github.com/agentmesh/teamrt/pkg/errors"
	"github.com/agentmesh/teamrt/pkg/team"
)

// ErrOptimisticLock is returned by UpdateWorkflowState (and any other
// compare-and-swap write) when the row's version no longer matches the
// version the caller read.
var ErrOptimisticLock = &conductorerrors.ConflictError{Resource: "workflow_state", Reason: "OPTIMISTIC_LOCK_FAILED"}

// ErrExperimentClaimed is returned by ClaimExperiment when the experiment is
// already being actively driven by a different deployment.
var ErrExperimentClaimed = &conductorerrors.ConflictError{Resource: "experiment", Reason: "ALREADY_CLAIMED"}

// DeploymentFilter narrows ListDeployments.
type DeploymentFilter struct {
	SpaceID string
	Status  team.DeploymentStatus
}

// DeploymentStore persists Deployment rows.
type DeploymentStore interface {
	CreateDeployment(ctx context.Context, d *team.Deployment) error
	GetDeployment(ctx context.Context, workspaceID, id string) (*team.Deployment, error)
	ListDeployments(ctx context.Context, workspaceID string, filter DeploymentFilter) ([]*team.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, workspaceID, id string, status team.DeploymentStatus) error
	UpdateDeploymentConfig(ctx context.Context, workspaceID, id string, patch map[string]any) error
}

// AgentStore persists Agent rows.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *team.Agent) error
	UpdateAgent(ctx context.Context, a *team.Agent) error
	GetAgent(ctx context.Context, id string) (*team.Agent, error)
	ListAgentsByDeployment(ctx context.Context, deploymentID string) ([]*team.Agent, error)
	// FindAgentBySession looks an agent up by its live runtimeSessionId,
	// bounded by workspaceId so a stale or forged session id from another
	// tenant can never resolve.
	FindAgentBySession(ctx context.Context, workspaceID, sessionID string) (*team.Agent, error)
}

// WorkflowStateStore persists a deployment's WorkflowState with optimistic
// concurrency.
type WorkflowStateStore interface {
	GetWorkflowState(ctx context.Context, deploymentID string) (*team.WorkflowState, int64, error)
	// UpdateWorkflowState performs a compare-and-swap write: it succeeds
	// only if the row's current version equals expectedVersion, returning
	// the new version on success or ErrOptimisticLock on mismatch.
	UpdateWorkflowState(ctx context.Context, deploymentID string, expectedVersion int64, state *team.WorkflowState) (newVersion int64, err error)
}

// MessageStore persists TeamMessage rows, trimmed to the last
// team.MaxMessagesPerDeployment entries per deployment.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *team.TeamMessage) error
	ListMessages(ctx context.Context, deploymentID string) ([]*team.TeamMessage, error)
	MarkDelivered(ctx context.Context, messageIDs []string) error
	MarkRead(ctx context.Context, messageIDs []string) error
}

// RunLogStore persists RunLog rows, bounded to the last
// team.MaxRunLogEntries entries per deployment.
type RunLogStore interface {
	AppendRunLog(ctx context.Context, l *team.RunLog) error
	ListRunLogs(ctx context.Context, deploymentID string) ([]*team.RunLog, error)
}

// TemplateStore persists Template rows.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, t *team.Template) error
	GetTemplate(ctx context.Context, workspaceID, id string) (*team.Template, error)
	ListTemplates(ctx context.Context, workspaceID string) ([]*team.Template, error)
	UpdateTemplate(ctx context.Context, t *team.Template) error
	DeleteTemplate(ctx context.Context, workspaceID, id string) error
}

// ExperimentStore persists Experiment rows and the atomic claim a
// deployment takes on one when it starts driving it — the "atomic task
// claim (update-where unassigned)" primitive §4.2's store contract
// requires.
type ExperimentStore interface {
	CreateExperiment(ctx context.Context, e *team.Experiment) error
	GetExperiment(ctx context.Context, workspaceID, id string) (*team.Experiment, error)
	// ClaimExperiment transitions an experiment to running under
	// deploymentID in one atomic update-where-unassigned: it succeeds if
	// the experiment is not currently running under a different
	// deployment (re-claiming by the same deployment is idempotent), and
	// fails with ErrExperimentClaimed otherwise.
	ClaimExperiment(ctx context.Context, workspaceID, id, deploymentID string) error
	// ReleaseExperiment returns the experiment to planned and records
	// tornDownAt, but only if deploymentID currently holds the claim and
	// the experiment is not already in a terminal status. It is a no-op
	// otherwise.
	ReleaseExperiment(ctx context.Context, workspaceID, id, deploymentID string) error
}

// Backend composes the required capabilities; optional capabilities are
// discovered via type assertion against the concrete value.
type Backend interface {
	DeploymentStore
	AgentStore
	WorkflowStateStore
	io.Closer
}

// FullBackend is the concrete capability set both memorystore and
// sqlitestore actually provide: Backend plus every optional capability.
// cmd/teamd constructs one FullBackend and hands it to whichever
// consumer needs which optional slice, rather than type-asserting a bare
// Backend at every call site.
type FullBackend interface {
	Backend
	MessageStore
	RunLogStore
	TemplateStore
	ExperimentStore
}
