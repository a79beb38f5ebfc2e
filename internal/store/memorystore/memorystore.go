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

// Package memorystore is an in-memory store.Backend, useful for tests and
// single-node development deployments.
package memorystore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	conductorerrors "github.com/agentmesh/teamrt/pkg/errors"
	"github.com/agentmesh/teamrt/pkg/team"
	"github.com/agentmesh/teamrt/internal/store"
)

var (
	_ store.Backend         = (*Store)(nil)
	_ store.MessageStore    = (*Store)(nil)
	_ store.RunLogStore     = (*Store)(nil)
	_ store.TemplateStore   = (*Store)(nil)
	_ store.ExperimentStore = (*Store)(nil)
)

// Store is a mutex-guarded in-memory implementation of every store
// interface.
type Store struct {
	mu sync.RWMutex

	deployments    map[string]*team.Deployment
	workflowVer    map[string]int64
	agents         map[string]*team.Agent
	agentsByDeploy map[string][]string
	sessionIndex   map[string]string // sessionID -> agentID
	messages       map[string][]*team.TeamMessage
	runLogs        map[string][]*team.RunLog
	templates      map[string]*team.Template
	experiments    map[string]*team.Experiment
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		deployments:    make(map[string]*team.Deployment),
		workflowVer:    make(map[string]int64),
		agents:         make(map[string]*team.Agent),
		agentsByDeploy: make(map[string][]string),
		sessionIndex:   make(map[string]string),
		messages:       make(map[string][]*team.TeamMessage),
		runLogs:        make(map[string][]*team.RunLog),
		templates:      make(map[string]*team.Template),
		experiments:    make(map[string]*team.Experiment),
	}
}

// Close releases resources. The in-memory store holds none.
func (s *Store) Close() error { return nil }

// deepCopy round-trips through JSON to hand callers a value with no
// aliasing into the store's internal mutable state.
func deepCopy[T any](v T) T {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func (s *Store) CreateDeployment(ctx context.Context, d *team.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deployments[d.ID]; exists {
		return &conductorerrors.ConflictError{Resource: "deployment", ID: d.ID, Reason: "already exists"}
	}
	s.deployments[d.ID] = deepCopy(d)
	s.workflowVer[d.ID] = 1
	return nil
}

func (s *Store) GetDeployment(ctx context.Context, workspaceID, id string) (*team.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[id]
	if !ok || d.WorkspaceID != workspaceID {
		return nil, &conductorerrors.NotFoundError{Resource: "deployment", ID: id}
	}
	return deepCopy(d), nil
}

func (s *Store) ListDeployments(ctx context.Context, workspaceID string, filter store.DeploymentFilter) ([]*team.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*team.Deployment
	for _, d := range s.deployments {
		if d.WorkspaceID != workspaceID {
			continue
		}
		if filter.SpaceID != "" && d.SpaceID != filter.SpaceID {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		out = append(out, deepCopy(d))
	}
	return out, nil
}

func (s *Store) UpdateDeploymentStatus(ctx context.Context, workspaceID, id string, status team.DeploymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok || d.WorkspaceID != workspaceID {
		return &conductorerrors.NotFoundError{Resource: "deployment", ID: id}
	}
	d.Status = status
	return nil
}

func (s *Store) UpdateDeploymentConfig(ctx context.Context, workspaceID, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok || d.WorkspaceID != workspaceID {
		return &conductorerrors.NotFoundError{Resource: "deployment", ID: id}
	}
	if d.Config == nil {
		d.Config = make(map[string]any)
	}
	for k, v := range patch {
		d.Config[k] = v
	}
	return nil
}

func (s *Store) CreateAgent(ctx context.Context, a *team.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[a.ID]; exists {
		return &conductorerrors.ConflictError{Resource: "agent", ID: a.ID, Reason: "already exists"}
	}
	s.agents[a.ID] = deepCopy(a)
	s.agentsByDeploy[a.DeploymentID] = append(s.agentsByDeploy[a.DeploymentID], a.ID)
	if a.RuntimeSessionID != "" {
		s.sessionIndex[a.RuntimeSessionID] = a.ID
	}
	return nil
}

func (s *Store) UpdateAgent(ctx context.Context, a *team.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.agents[a.ID]
	if !ok {
		return &conductorerrors.NotFoundError{Resource: "agent", ID: a.ID}
	}
	if existing.RuntimeSessionID != "" && existing.RuntimeSessionID != a.RuntimeSessionID {
		delete(s.sessionIndex, existing.RuntimeSessionID)
	}
	if a.RuntimeSessionID != "" {
		s.sessionIndex[a.RuntimeSessionID] = a.ID
	}
	s.agents[a.ID] = deepCopy(a)
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*team.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, &conductorerrors.NotFoundError{Resource: "agent", ID: id}
	}
	return deepCopy(a), nil
}

func (s *Store) ListAgentsByDeployment(ctx context.Context, deploymentID string) ([]*team.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.agentsByDeploy[deploymentID]
	out := make([]*team.Agent, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.agents[id]; ok {
			out = append(out, deepCopy(a))
		}
	}
	return out, nil
}

func (s *Store) FindAgentBySession(ctx context.Context, workspaceID, sessionID string) (*team.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agentID, ok := s.sessionIndex[sessionID]
	if !ok {
		return nil, &conductorerrors.NotFoundError{Resource: "agent", ID: sessionID}
	}
	a, ok := s.agents[agentID]
	if !ok || a.WorkspaceID != workspaceID {
		return nil, &conductorerrors.NotFoundError{Resource: "agent", ID: sessionID}
	}
	return deepCopy(a), nil
}

func (s *Store) GetWorkflowState(ctx context.Context, deploymentID string) (*team.WorkflowState, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return nil, 0, &conductorerrors.NotFoundError{Resource: "deployment", ID: deploymentID}
	}
	return deepCopy(&d.WorkflowState), s.workflowVer[deploymentID], nil
}

func (s *Store) UpdateWorkflowState(ctx context.Context, deploymentID string, expectedVersion int64, state *team.WorkflowState) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return 0, &conductorerrors.NotFoundError{Resource: "deployment", ID: deploymentID}
	}
	if s.workflowVer[deploymentID] != expectedVersion {
		return 0, store.ErrOptimisticLock
	}
	d.WorkflowState = *deepCopy(state)
	s.workflowVer[deploymentID]++
	return s.workflowVer[deploymentID], nil
}

func (s *Store) AppendMessage(ctx context.Context, m *team.TeamMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.messages[m.DeploymentID], deepCopy(m))
	if len(list) > team.MaxMessagesPerDeployment {
		list = list[len(list)-team.MaxMessagesPerDeployment:]
	}
	s.messages[m.DeploymentID] = list
	return nil
}

func (s *Store) ListMessages(ctx context.Context, deploymentID string) ([]*team.TeamMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*team.TeamMessage, len(s.messages[deploymentID]))
	copy(out, s.messages[deploymentID])
	return out, nil
}

func (s *Store) MarkDelivered(ctx context.Context, messageIDs []string) error {
	return s.markFlags(messageIDs, true, false)
}

func (s *Store) MarkRead(ctx context.Context, messageIDs []string) error {
	return s.markFlags(messageIDs, false, true)
}

func (s *Store) markFlags(ids []string, delivered, read bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, list := range s.messages {
		for _, m := range list {
			if !want[m.ID] {
				continue
			}
			if delivered {
				m.Delivered = true
				m.ReadByRecipient = true
			}
			if read {
				m.ReadByRecipient = true
			}
		}
	}
	return nil
}

func (s *Store) AppendRunLog(ctx context.Context, l *team.RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.runLogs[l.DeploymentID], deepCopy(l))
	if len(list) > team.MaxRunLogEntries {
		list = list[len(list)-team.MaxRunLogEntries:]
	}
	s.runLogs[l.DeploymentID] = list
	return nil
}

func (s *Store) ListRunLogs(ctx context.Context, deploymentID string) ([]*team.RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*team.RunLog, len(s.runLogs[deploymentID]))
	copy(out, s.runLogs[deploymentID])
	return out, nil
}

func (s *Store) CreateTemplate(ctx context.Context, t *team.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.templates[t.ID]; exists {
		return &conductorerrors.ConflictError{Resource: "template", ID: t.ID, Reason: "already exists"}
	}
	s.templates[t.ID] = deepCopy(t)
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, workspaceID, id string) (*team.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok || t.DeletedAt != nil {
		return nil, &conductorerrors.NotFoundError{Resource: "template", ID: id}
	}
	if t.Kind == team.TemplateCustom && t.WorkspaceID != workspaceID {
		return nil, &conductorerrors.NotFoundError{Resource: "template", ID: id}
	}
	return deepCopy(t), nil
}

func (s *Store) ListTemplates(ctx context.Context, workspaceID string) ([]*team.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*team.Template
	for _, t := range s.templates {
		if t.DeletedAt != nil {
			continue
		}
		if t.Kind == team.TemplateSystem || t.WorkspaceID == workspaceID {
			out = append(out, deepCopy(t))
		}
	}
	return out, nil
}

func (s *Store) UpdateTemplate(ctx context.Context, t *team.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[t.ID]; !ok {
		return &conductorerrors.NotFoundError{Resource: "template", ID: t.ID}
	}
	s.templates[t.ID] = deepCopy(t)
	return nil
}

func (s *Store) DeleteTemplate(ctx context.Context, workspaceID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok || t.WorkspaceID != workspaceID {
		return &conductorerrors.NotFoundError{Resource: "template", ID: id}
	}
	now := time.Now()
	t.DeletedAt = &now
	return nil
}

func (s *Store) CreateExperiment(ctx context.Context, e *team.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.experiments[e.ID]; exists {
		return &conductorerrors.ConflictError{Resource: "experiment", ID: e.ID, Reason: "already exists"}
	}
	s.experiments[e.ID] = deepCopy(e)
	return nil
}

func (s *Store) GetExperiment(ctx context.Context, workspaceID, id string) (*team.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.experiments[id]
	if !ok || e.WorkspaceID != workspaceID {
		return nil, &conductorerrors.NotFoundError{Resource: "experiment", ID: id}
	}
	return deepCopy(e), nil
}

func (s *Store) ClaimExperiment(ctx context.Context, workspaceID, id, deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experiments[id]
	if !ok || e.WorkspaceID != workspaceID {
		return &conductorerrors.NotFoundError{Resource: "experiment", ID: id}
	}
	if e.Status == team.ExperimentRunning && e.ActiveTeamDeploymentID != deploymentID {
		return store.ErrExperimentClaimed
	}
	now := time.Now()
	e.Status = team.ExperimentRunning
	e.ActiveTeamDeploymentID = deploymentID
	e.LastTriggeredAt = &now
	return nil
}

func (s *Store) ReleaseExperiment(ctx context.Context, workspaceID, id, deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experiments[id]
	if !ok || e.WorkspaceID != workspaceID {
		return &conductorerrors.NotFoundError{Resource: "experiment", ID: id}
	}
	if e.Status != team.ExperimentRunning || e.ActiveTeamDeploymentID != deploymentID {
		return nil
	}
	now := time.Now()
	e.Status = team.ExperimentPlanned
	e.ActiveTeamDeploymentID = ""
	e.TornDownAt = &now
	return nil
}
