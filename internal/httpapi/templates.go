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
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/teamrt/internal/httpapi/auth"
	"github.com/agentmesh/teamrt/internal/permissions"
	conductorerrors "github.com/agentmesh/teamrt/pkg/errors"
	"github.com/agentmesh/teamrt/pkg/team"
)

type handlers struct {
	cfg    Config
	broker *eventBroker
}

func (h *handlers) validatePattern(pattern *team.OrgPattern) error {
	for _, role := range pattern.Roles {
		if err := permissions.ValidateCapabilities(h.cfg.Registry, role.Capabilities); err != nil {
			return err
		}
		if _, err := permissions.NormalizeAgentType(role.AgentType); err != nil {
			return err
		}
	}
	return nil
}

func (h *handlers) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.cfg.Templates.ListTemplates(r.Context(), auth.WorkspaceID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

type getTemplateRequest struct {
	ID string `json:"id"`
}

func (h *handlers) getTemplate(w http.ResponseWriter, r *http.Request) {
	var req getTemplateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tmpl, err := h.cfg.Templates.GetTemplate(r.Context(), auth.WorkspaceID(r.Context()), req.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"template": tmpl})
}

type createTemplateRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Pattern     team.OrgPattern `json:"pattern"`
}

func (h *handlers) createTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeServiceError(w, &conductorerrors.ValidationError{Field: "name", Message: "name is required"})
		return
	}
	if err := h.validatePattern(&req.Pattern); err != nil {
		writeServiceError(w, err)
		return
	}

	now := time.Now()
	tmpl := &team.Template{
		ID:          uuid.New().String(),
		WorkspaceID: auth.WorkspaceID(r.Context()),
		Name:        req.Name,
		Description: req.Description,
		Kind:        team.TemplateCustom,
		Pattern:     req.Pattern,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.cfg.Templates.CreateTemplate(r.Context(), tmpl); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"template": tmpl})
}

type updateTemplateRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Pattern     team.OrgPattern `json:"pattern"`
}

func (h *handlers) updateTemplate(w http.ResponseWriter, r *http.Request) {
	var req updateTemplateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	workspaceID := auth.WorkspaceID(r.Context())
	tmpl, err := h.cfg.Templates.GetTemplate(r.Context(), workspaceID, req.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if tmpl.Kind == team.TemplateSystem {
		writeError(w, http.StatusForbidden, "system templates cannot be updated")
		return
	}
	if err := h.validatePattern(&req.Pattern); err != nil {
		writeServiceError(w, err)
		return
	}

	if req.Name != "" {
		tmpl.Name = req.Name
	}
	tmpl.Description = req.Description
	tmpl.Pattern = req.Pattern
	tmpl.UpdatedAt = time.Now()

	if err := h.cfg.Templates.UpdateTemplate(r.Context(), tmpl); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"template": tmpl})
}

type duplicateTemplateRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *handlers) duplicateTemplate(w http.ResponseWriter, r *http.Request) {
	var req duplicateTemplateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	workspaceID := auth.WorkspaceID(r.Context())
	source, err := h.cfg.Templates.GetTemplate(r.Context(), workspaceID, req.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	now := time.Now()
	name := req.Name
	if name == "" {
		name = source.Name + " (copy)"
	}
	clone := &team.Template{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Name:        name,
		Description: source.Description,
		Kind:        team.TemplateCustom,
		Pattern:     source.Pattern,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.cfg.Templates.CreateTemplate(r.Context(), clone); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"template": clone})
}

type deleteTemplateRequest struct {
	ID string `json:"id"`
}

func (h *handlers) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	var req deleteTemplateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	workspaceID := auth.WorkspaceID(r.Context())
	tmpl, err := h.cfg.Templates.GetTemplate(r.Context(), workspaceID, req.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if tmpl.Kind == team.TemplateSystem {
		writeError(w, http.StatusForbidden, "system templates cannot be deleted")
		return
	}
	if err := h.cfg.Templates.DeleteTemplate(r.Context(), workspaceID, req.ID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
