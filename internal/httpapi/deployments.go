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

package httpapi

import (
	"net/http"

	"github.com/agentmesh/teamrt/internal/httpapi/auth"
	"github.com/agentmesh/teamrt/internal/service"
	"github.com/agentmesh/teamrt/internal/store"
	"github.com/agentmesh/teamrt/pkg/team"
)

type deployRequest struct {
	TemplateID     string `json:"templateId"`
	SpaceID        string `json:"spaceId"`
	DeploymentName string `json:"deploymentName"`
	Task           string `json:"task"`
	ProjectID      string `json:"projectId"`
}

func (h *handlers) deploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	dep, agents, err := h.cfg.Service.DeployFromTemplateId(ctx, auth.WorkspaceID(ctx), req.SpaceID, req.TemplateID, auth.UserID(ctx), service.DeployOptions{
		DeploymentName: req.DeploymentName,
		Task:           req.Task,
		ProjectID:      req.ProjectID,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployment": dep, "agents": agents})
}

type deployPatternRequest struct {
	Pattern        team.OrgPattern `json:"pattern"`
	SpaceID        string          `json:"spaceId"`
	DeploymentName string          `json:"deploymentName"`
	Task           string          `json:"task"`
	ProjectID      string          `json:"projectId"`
}

func (h *handlers) deployPattern(w http.ResponseWriter, r *http.Request) {
	var req deployPatternRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	dep, agents, err := h.cfg.Service.DeployFromOrgPattern(ctx, auth.WorkspaceID(ctx), req.SpaceID, &req.Pattern, auth.UserID(ctx), service.DeployOptions{
		DeploymentName: req.DeploymentName,
		Task:           req.Task,
		ProjectID:      req.ProjectID,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployment": dep, "agents": agents})
}

type listDeploymentsRequest struct {
	SpaceID string               `json:"spaceId"`
	Status  team.DeploymentStatus `json:"status"`
}

func (h *handlers) listDeployments(w http.ResponseWriter, r *http.Request) {
	var req listDeploymentsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	deployments, err := h.cfg.Deployments.ListDeployments(r.Context(), auth.WorkspaceID(r.Context()), store.DeploymentFilter{
		SpaceID: req.SpaceID,
		Status:  req.Status,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": deployments})
}

type deploymentIDRequest struct {
	DeploymentID string `json:"deploymentId"`
}

func (h *handlers) deploymentStatus(w http.ResponseWriter, r *http.Request) {
	var req deploymentIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	workspaceID := auth.WorkspaceID(ctx)
	dep, err := h.cfg.Deployments.GetDeployment(ctx, workspaceID, req.DeploymentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	agents, err := h.cfg.Deployments.ListAgentsByDeployment(ctx, req.DeploymentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployment": dep, "agents": agents})
}

type redeployRequest struct {
	DeploymentID   string `json:"deploymentId"`
	MemoryPolicy   string `json:"memoryPolicy"`
	DeploymentName string `json:"deploymentName"`
	Task           string `json:"task"`
	ProjectID      string `json:"projectId"`
}

func (h *handlers) redeploy(w http.ResponseWriter, r *http.Request) {
	var req redeployRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	dep, agents, err := h.cfg.Service.RedeployDeployment(ctx, auth.WorkspaceID(ctx), req.DeploymentID, auth.UserID(ctx), req.MemoryPolicy, service.DeployOptions{
		DeploymentName: req.DeploymentName,
		Task:           req.Task,
		ProjectID:      req.ProjectID,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployment": dep, "agents": agents})
}

type renameRequest struct {
	DeploymentID string `json:"deploymentId"`
	Name         string `json:"name"`
}

func (h *handlers) rename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.cfg.Service.RenameDeployment(r.Context(), auth.WorkspaceID(r.Context()), req.DeploymentID, req.Name); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

type assignTaskRequest struct {
	DeploymentID string `json:"deploymentId"`
	TaskID       string `json:"taskId"`
	ExperimentID string `json:"experimentId"`
}

func (h *handlers) assignTask(w http.ResponseWriter, r *http.Request) {
	var req assignTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.cfg.Service.AssignTargetTask(r.Context(), auth.WorkspaceID(r.Context()), req.DeploymentID, req.TaskID, req.ExperimentID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

func (h *handlers) trigger(w http.ResponseWriter, r *http.Request) {
	var req deploymentIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.cfg.Service.TriggerTeamRun(r.Context(), auth.WorkspaceID(r.Context()), req.DeploymentID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}

func (h *handlers) pause(w http.ResponseWriter, r *http.Request) {
	var req deploymentIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.cfg.Service.PauseDeployment(r.Context(), auth.WorkspaceID(r.Context()), req.DeploymentID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *handlers) resume(w http.ResponseWriter, r *http.Request) {
	var req deploymentIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.cfg.Service.ResumeDeployment(r.Context(), auth.WorkspaceID(r.Context()), req.DeploymentID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	var req deploymentIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.cfg.Service.ResetTeam(r.Context(), auth.WorkspaceID(r.Context()), req.DeploymentID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *handlers) teardown(w http.ResponseWriter, r *http.Request) {
	var req deploymentIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.cfg.Service.TeardownTeam(r.Context(), auth.WorkspaceID(r.Context()), req.DeploymentID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "torn_down"})
}
