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

package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/teamrt/internal/executor"
	"github.com/agentmesh/teamrt/internal/httpapi"
	"github.com/agentmesh/teamrt/internal/httpapi/auth"
	"github.com/agentmesh/teamrt/internal/llmclient"
	"github.com/agentmesh/teamrt/internal/messaging"
	"github.com/agentmesh/teamrt/internal/service"
	"github.com/agentmesh/teamrt/internal/store/memorystore"
	"github.com/agentmesh/teamrt/pkg/team"
)

const testSecret = "test-signing-secret"

type fakeSessions struct{}

func (fakeSessions) Stop(sessionID string) error { return nil }

type fakeAdvancer struct{}

func (fakeAdvancer) Advance(ctx context.Context, workspaceID, deploymentID string, trigger executor.Trigger) error {
	return nil
}

type fakeMessages struct{}

func (fakeMessages) SendMessage(ctx context.Context, workspaceID, deploymentID, fromAgentID, to, text string) (*messaging.SendResult, error) {
	return &messaging.SendResult{MessageID: "msg-1", Delivered: true}, nil
}

func newTestRouter(t *testing.T) (http.Handler, string) {
	t.Helper()

	store := memorystore.New()
	svc := service.New(store, store, store, fakeSessions{}, fakeAdvancer{}, fakeMessages{}, "")
	bus := team.NewBus(false)

	r := httpapi.NewRouter(httpapi.Config{
		Service:     svc,
		Deployments: store,
		Templates:   store,
		Classifier:  llmclient.New(llmclient.OfflineBackend{}),
		Bus:         bus,
		JWT:         auth.Config{Secret: []byte(testSecret)},
	})

	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		UserID:           "user-1",
		WorkspaceID:      "ws-1",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	return r, signed
}

func doRequest(t *testing.T, r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Healthz_NoAuthRequired(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doRequest(t, r, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_TeamsRoutes_RejectMissingToken(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doRequest(t, r, http.MethodPost, "/teams/templates/list", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_TemplateCRUD(t *testing.T) {
	r, token := newTestRouter(t)

	pattern := team.OrgPattern{
		Name:    "pair",
		Version: 1,
		Roles: map[string]team.Role{
			"lead": {ID: "lead", Capabilities: []string{"deployment.trigger"}, AgentType: "claude", MinInstances: 1, MaxInstances: 1, Singleton: true},
		},
		Escalation: team.EscalationConfig{MaxDepth: 2},
	}

	createRec := doRequest(t, r, http.MethodPost, "/teams/templates/create", token, map[string]any{
		"name": "Pair Programming", "pattern": pattern,
	})
	require.Equal(t, http.StatusOK, createRec.Code)

	var created struct {
		Template team.Template `json:"template"`
	}
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	require.NotEmpty(t, created.Template.ID)
	assert.Equal(t, team.TemplateCustom, created.Template.Kind)

	listRec := doRequest(t, r, http.MethodPost, "/teams/templates/list", token, map[string]any{})
	require.Equal(t, http.StatusOK, listRec.Code)

	deleteRec := doRequest(t, r, http.MethodPost, "/teams/templates/delete", token, map[string]any{
		"id": created.Template.ID,
	})
	assert.Equal(t, http.StatusOK, deleteRec.Code)
}

func TestRouter_TemplateCreate_RejectsUnknownCapability(t *testing.T) {
	r, token := newTestRouter(t)

	pattern := team.OrgPattern{
		Name:    "bad",
		Version: 1,
		Roles: map[string]team.Role{
			"lead": {ID: "lead", Capabilities: []string{"nonsense.verb"}, AgentType: "claude", MinInstances: 1, MaxInstances: 1},
		},
	}
	rec := doRequest(t, r, http.MethodPost, "/teams/templates/create", token, map[string]any{
		"name": "bad", "pattern": pattern,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouter_DeployPatternAndLifecycle(t *testing.T) {
	r, token := newTestRouter(t)

	pattern := team.OrgPattern{
		Name:    "solo",
		Version: 1,
		Roles: map[string]team.Role{
			"lead": {ID: "lead", Capabilities: []string{"deployment.trigger"}, AgentType: "claude", MinInstances: 1, MaxInstances: 1, Singleton: true},
		},
		Escalation: team.EscalationConfig{MaxDepth: 2},
		Workflow:   []*team.WorkflowStep{{Kind: team.StepAssign, Role: "lead", Task: "ship it"}},
	}

	deployRec := doRequest(t, r, http.MethodPost, "/teams/deploy-pattern", token, map[string]any{
		"pattern": pattern, "spaceId": "space-1", "deploymentName": "solo-run",
	})
	require.Equal(t, http.StatusOK, deployRec.Code)

	var deployed struct {
		Deployment team.Deployment `json:"deployment"`
	}
	require.NoError(t, json.Unmarshal(deployRec.Body.Bytes(), &deployed))
	require.NotEmpty(t, deployed.Deployment.ID)

	statusRec := doRequest(t, r, http.MethodPost, "/teams/deployments/status", token, map[string]any{
		"deploymentId": deployed.Deployment.ID,
	})
	assert.Equal(t, http.StatusOK, statusRec.Code)

	pauseRec := doRequest(t, r, http.MethodPost, "/teams/deployments/pause", token, map[string]any{
		"deploymentId": deployed.Deployment.ID,
	})
	assert.Equal(t, http.StatusOK, pauseRec.Code)

	assignRec := doRequest(t, r, http.MethodPost, "/teams/deployments/assign-task", token, map[string]any{
		"deploymentId": deployed.Deployment.ID, "taskId": "", "experimentId": "",
	})
	assert.Equal(t, http.StatusBadRequest, assignRec.Code)
}

func TestRouter_ClassifyStall(t *testing.T) {
	r, token := newTestRouter(t)
	rec := doRequest(t, r, http.MethodPost, "/teams/classify-stall", token, map[string]any{
		"sessionId": "sess-1", "output": "still thinking...",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Label string `json:"label"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(llmclient.LabelStillWorking), resp.Label)
}
