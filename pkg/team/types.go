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

// Package team defines the data model for organizational patterns, compiled
// execution plans, and the deployments and agents that run them.
package team

import "time"

// DeploymentStatus is the lifecycle status of a Deployment.
type DeploymentStatus string

const (
	DeploymentActive    DeploymentStatus = "active"
	DeploymentPaused    DeploymentStatus = "paused"
	DeploymentTornDown  DeploymentStatus = "torn_down"
)

// AgentStatus is the runtime status of an Agent instance.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
	AgentPaused  AgentStatus = "paused"
	AgentError   AgentStatus = "error"
)

// WorkflowPhase is the overall phase of a deployment's WorkflowState.
type WorkflowPhase string

const (
	PhaseIdle      WorkflowPhase = "idle"
	PhaseRunning   WorkflowPhase = "running"
	PhasePaused    WorkflowPhase = "paused"
	PhaseCompleted WorkflowPhase = "completed"
	PhaseFailed    WorkflowPhase = "failed"
	PhaseTornDown  WorkflowPhase = "torn_down"
)

// StepStatus is the status of a single StepState within a WorkflowState.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepWaiting   StepStatus = "waiting"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepKind tags the variant of a WorkflowStep / StepPlan.
type StepKind string

const (
	StepAssign     StepKind = "assign"
	StepSelect     StepKind = "select"
	StepReview     StepKind = "review"
	StepApprove    StepKind = "approve"
	StepAggregate  StepKind = "aggregate"
	StepCondition  StepKind = "condition"
	StepWait       StepKind = "wait"
	StepParallel   StepKind = "parallel"
	StepSequential StepKind = "sequential"
)

// OperationKind tags the variant of a compiled StepPlan's Operation.
type OperationKind string

const (
	OpDispatchAgentLoop OperationKind = "dispatch_agent_loop"
	OpInvokeCoordinator OperationKind = "invoke_coordinator"
	OpAwaitEvent        OperationKind = "await_event"
	OpAggregateResults  OperationKind = "aggregate_results"
	OpEvaluateCondition OperationKind = "evaluate_condition"
	OpNoop              OperationKind = "noop"
)

// Role describes one position in an org pattern.
type Role struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	ReportsTo    string   `json:"reportsTo,omitempty" yaml:"reportsTo,omitempty"`
	MinInstances int      `json:"minInstances" yaml:"minInstances"`
	MaxInstances int      `json:"maxInstances" yaml:"maxInstances"`
	Singleton    bool     `json:"singleton" yaml:"singleton"`
	AgentType    string   `json:"agentType" yaml:"agentType"`
	Workdir      string   `json:"workdir,omitempty" yaml:"workdir,omitempty"`
}

// RoutingRule permits messages from one role to another beyond the implicit
// reporting-chain edges.
type RoutingRule struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// EscalationConfig bounds how many times a failed step may be escalated
// before the workflow gives up on it.
type EscalationConfig struct {
	MaxDepth int `json:"maxDepth" yaml:"maxDepth"`
}

// WorkflowStep is one node of the source workflow tree. Exactly the fields
// relevant to Kind are populated; Then/Else/Steps hold child nodes.
type WorkflowStep struct {
	Kind StepKind `json:"kind" yaml:"kind"`

	// assign / select / review / approve inputs
	Role      string `json:"role,omitempty" yaml:"role,omitempty"`
	Task      string `json:"task,omitempty" yaml:"task,omitempty"`
	Timeout   string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Criteria  string `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	Reviewer  string `json:"reviewer,omitempty" yaml:"reviewer,omitempty"`
	Subject   string `json:"subject,omitempty" yaml:"subject,omitempty"`
	Approver  string `json:"approver,omitempty" yaml:"approver,omitempty"`

	// aggregate
	Method  string   `json:"method,omitempty" yaml:"method,omitempty"`
	Sources []string `json:"sources,omitempty" yaml:"sources,omitempty"`

	// condition
	Check string        `json:"check,omitempty" yaml:"check,omitempty"`
	Then  *WorkflowStep  `json:"then,omitempty" yaml:"then,omitempty"`
	Else  *WorkflowStep  `json:"else,omitempty" yaml:"else,omitempty"`

	// wait
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// parallel / sequential containers
	Steps []*WorkflowStep `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// OrgPattern is the declarative shape of a team: its roles, routing rules,
// escalation policy, and workflow tree.
type OrgPattern struct {
	Name    string `json:"name" yaml:"name"`
	Version int    `json:"version" yaml:"version"`

	Roles      map[string]Role `json:"roles" yaml:"roles"`
	Routing    []RoutingRule   `json:"routing,omitempty" yaml:"routing,omitempty"`
	Escalation EscalationConfig `json:"escalation" yaml:"escalation"`

	Workflow []*WorkflowStep `json:"workflow" yaml:"workflow"`
}

// Operation is the compiled, dispatchable payload of a StepPlan. Exactly the
// fields relevant to Kind are populated.
type Operation struct {
	Kind OperationKind `json:"kind"`

	// dispatch_agent_loop / invoke_coordinator
	Role  string `json:"role,omitempty"`
	Task  string `json:"task,omitempty"`
	Input string `json:"input,omitempty"`
	Reason string `json:"reason,omitempty"`

	// await_event
	Pattern string `json:"pattern,omitempty"`
	Timeout string `json:"timeout,omitempty"`

	// aggregate_results
	Method        string   `json:"method,omitempty"`
	SourceStepIDs []string `json:"sourceStepIds,omitempty"`

	// evaluate_condition
	Check string `json:"check,omitempty"`
}

// StepPlan is one compiled, addressable node of an ExecutionPlan.
type StepPlan struct {
	StepID    string     `json:"stepId"`
	Kind      StepKind   `json:"kind"`
	Operation Operation  `json:"operation"`

	// condition branches, compiled recursively
	ThenBranch *StepPlan `json:"thenBranch,omitempty"`
	ElseBranch *StepPlan `json:"elseBranch,omitempty"`

	// parallel / sequential container children
	Children []*StepPlan `json:"children,omitempty"`
}

// ExecutionPlan is the compiled, addressable form of an OrgPattern's
// workflow, produced by Compile.
type ExecutionPlan struct {
	PatternName string           `json:"patternName"`
	Version     int              `json:"version"`
	Roles       map[string]Role  `json:"roles"`
	Routing     []RoutingRule    `json:"routing,omitempty"`
	Escalation  EscalationConfig `json:"escalation"`
	Steps       []*StepPlan      `json:"steps"`
}

// TemplateKind distinguishes shared, read-only templates from per-tenant
// mutable ones.
type TemplateKind string

const (
	TemplateSystem TemplateKind = "system"
	TemplateCustom TemplateKind = "custom"
)

// Template is a named, versioned OrgPattern plus CRUD metadata.
type Template struct {
	ID          string       `json:"id"`
	WorkspaceID string       `json:"workspaceId,omitempty"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Kind        TemplateKind `json:"kind"`
	Pattern     OrgPattern   `json:"pattern"`
	DeletedAt   *time.Time   `json:"deletedAt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// StepState is the runtime status of one compiled step within a
// deployment's WorkflowState.
type StepState struct {
	Status           StepStatus      `json:"status"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	AssignedAgentID  string          `json:"assignedAgentId,omitempty"`
	Result           map[string]any  `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	RetryCount       int             `json:"retryCount"`
	EscalationCount  int             `json:"escalationCount"`
}

// WorkflowState is the runtime advancement state of a deployment's
// execution plan.
type WorkflowState struct {
	CurrentPhase         WorkflowPhase         `json:"currentPhase"`
	StepStates           map[string]*StepState `json:"stepStates"`
	StartedAt            *time.Time            `json:"startedAt,omitempty"`
	CompletedAt          *time.Time            `json:"completedAt,omitempty"`
	LastAdvancedAt       *time.Time            `json:"lastAdvancedAt,omitempty"`
	CoordinatorInvocations int                 `json:"coordinatorInvocations"`
}

// NewWorkflowState returns an idle WorkflowState with no step states.
func NewWorkflowState() *WorkflowState {
	return &WorkflowState{
		CurrentPhase: PhaseIdle,
		StepStates:   make(map[string]*StepState),
	}
}

// Deployment binds a compiled org pattern to a workspace/space and tracks
// its lifecycle.
type Deployment struct {
	ID            string         `json:"id"`
	WorkspaceID   string         `json:"workspaceId"`
	SpaceID       string         `json:"spaceId"`
	ProjectID     string         `json:"projectId,omitempty"`
	TemplateName  string         `json:"templateName,omitempty"`
	Config        map[string]any `json:"config"`
	OrgPattern    OrgPattern     `json:"orgPattern"`
	ExecutionPlan ExecutionPlan  `json:"executionPlan"`
	Status        DeploymentStatus `json:"status"`
	WorkflowState WorkflowState  `json:"workflowState"`
	Version       int64          `json:"-"`
	CreatedAt     time.Time      `json:"createdAt"`
	TornDownAt    *time.Time     `json:"tornDownAt,omitempty"`
	DeployedBy    string         `json:"deployedBy"`
}

// ExperimentStatus is the lifecycle status of an Experiment a deployment
// can be pointed at via assignTargetTask.
type ExperimentStatus string

const (
	ExperimentPlanned  ExperimentStatus = "planned"
	ExperimentRunning  ExperimentStatus = "running"
	ExperimentComplete ExperimentStatus = "complete"
)

// Experiment is an external unit of work, scoped to a space, that a
// deployment can be assigned to drive. At most one deployment may actively
// drive a given experiment at a time: triggerTeamRun claims it, teardownTeam
// releases it.
type Experiment struct {
	ID                     string           `json:"id"`
	WorkspaceID            string           `json:"workspaceId"`
	SpaceID                string           `json:"spaceId"`
	Status                 ExperimentStatus `json:"status"`
	ActiveTeamDeploymentID string           `json:"activeTeamDeploymentId,omitempty"`
	LastTriggeredAt        *time.Time       `json:"lastTriggeredAt,omitempty"`
	TornDownAt             *time.Time       `json:"tornDownAt,omitempty"`
}

// Agent is one live instance of a Role within a Deployment.
type Agent struct {
	ID               string      `json:"id"`
	DeploymentID     string      `json:"deploymentId"`
	WorkspaceID      string      `json:"workspaceId"`
	UserID           string      `json:"userId"`
	Role             string      `json:"role"`
	InstanceNumber   int         `json:"instanceNumber"`
	AgentType        string      `json:"agentType"`
	Workdir          string      `json:"workdir"`
	SystemPrompt     string      `json:"systemPrompt"`
	Capabilities     []string    `json:"capabilities"`
	ReportsToAgentID string      `json:"reportsToAgentId,omitempty"`
	Status           AgentStatus `json:"status"`
	CurrentStepID    string      `json:"currentStepId,omitempty"`
	RuntimeSessionID string      `json:"runtimeSessionId,omitempty"`
	TerminalSessionID string     `json:"terminalSessionId,omitempty"`
	LastRunAt        *time.Time  `json:"lastRunAt,omitempty"`
	LastRunSummary   string      `json:"lastRunSummary,omitempty"`
	TotalActions     int         `json:"totalActions"`
	TotalErrors      int         `json:"totalErrors"`
}

// TeamMessage is one inter-agent message routed through the Messaging Bus.
type TeamMessage struct {
	ID               string     `json:"id"`
	DeploymentID     string     `json:"deploymentId"`
	FromAgentID      string     `json:"fromAgentId"`
	FromRole         string     `json:"fromRole"`
	ToAgentID        string     `json:"toAgentId"`
	ToRole           string     `json:"toRole"`
	Message          string     `json:"message"`
	Delivered        bool       `json:"delivered"`
	ReadByRecipient  bool       `json:"readByRecipient"`
	CreatedAt        time.Time  `json:"createdAt"`
	DeliveredAt      *time.Time `json:"deliveredAt,omitempty"`
}

// SystemSender is the pseudo-sender used for system-originated messages,
// which bypass routing validation.
const SystemSender = "system"

// RunLogAction records the outcome of one MCP-style method call made during
// a run-log entry's window.
type RunLogAction struct {
	Method string `json:"method"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RunLog is one append-only observation record of an agent's activity.
type RunLog struct {
	ID                string         `json:"id"`
	Timestamp         time.Time      `json:"timestamp"`
	DeploymentID      string         `json:"deploymentId"`
	TeamAgentID       string         `json:"teamAgentId"`
	Role              string         `json:"role"`
	StepID            string         `json:"stepId,omitempty"`
	Summary           string         `json:"summary"`
	ActionsExecuted   int            `json:"actionsExecuted"`
	ErrorsEncountered int            `json:"errorsEncountered"`
	Actions           []RunLogAction `json:"actions,omitempty"`
}

// MaxRunLogEntries is the number of RunLog entries retained per deployment.
const MaxRunLogEntries = 200

// MaxMessagesPerDeployment is the number of TeamMessage entries retained
// per deployment.
const MaxMessagesPerDeployment = 500
