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
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/agentmesh/teamrt/internal/httpapi/auth"
	"github.com/agentmesh/teamrt/internal/llmclient"
	"github.com/agentmesh/teamrt/internal/permissions"
	"github.com/agentmesh/teamrt/internal/service"
	"github.com/agentmesh/teamrt/internal/store"
	"github.com/agentmesh/teamrt/pkg/team"
)

// deploymentStore is the subset of store.Backend the HTTP surface reads
// directly for list/status views the Deployment Service itself has no
// reason to expose.
type deploymentStore interface {
	ListDeployments(ctx context.Context, workspaceID string, filter store.DeploymentFilter) ([]*team.Deployment, error)
	GetDeployment(ctx context.Context, workspaceID, id string) (*team.Deployment, error)
	ListAgentsByDeployment(ctx context.Context, deploymentID string) ([]*team.Agent, error)
}

// Config wires a Router's dependencies.
type Config struct {
	Service        *service.Service
	Deployments    deploymentStore
	Templates      store.TemplateStore
	Registry       *permissions.MethodRegistry
	Classifier     *llmclient.Client
	Bus            *team.Bus
	JWT            auth.Config
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// NewRouter builds the chi router for the full HTTP surface (§6):
// authenticated template CRUD, deployment lifecycle, and the stall
// classifier diagnostic.
func NewRouter(cfg Config) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = permissions.DefaultMethodRegistry()
	}

	h := &handlers{cfg: cfg}
	if cfg.Bus != nil {
		h.broker = newEventBroker(cfg.Bus)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requestLogger(cfg.Logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.handleHealthz)
	if cfg.MetricsHandler != nil {
		r.Get("/metrics", cfg.MetricsHandler.ServeHTTP)
	}

	r.Route("/teams", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.JWT))

		r.Route("/templates", func(r chi.Router) {
			r.Post("/list", h.listTemplates)
			r.Post("/get", h.getTemplate)
			r.Post("/create", h.createTemplate)
			r.Post("/update", h.updateTemplate)
			r.Post("/duplicate", h.duplicateTemplate)
			r.Post("/delete", h.deleteTemplate)
		})

		r.Post("/deploy", h.deploy)
		r.Post("/deploy-pattern", h.deployPattern)
		r.Post("/classify-stall", h.classifyStall)

		r.Route("/deployments", func(r chi.Router) {
			r.Post("/list", h.listDeployments)
			r.Post("/status", h.deploymentStatus)
			r.Post("/redeploy", h.redeploy)
			r.Post("/rename", h.rename)
			r.Post("/assign-task", h.assignTask)
			r.Post("/trigger", h.trigger)
			r.Post("/pause", h.pause)
			r.Post("/resume", h.resume)
			r.Post("/reset", h.reset)
			r.Post("/teardown", h.teardown)
			r.Route("/workflow", func(r chi.Router) {
				r.Post("/start", h.trigger)
			})
		})

		if cfg.Bus != nil {
			r.Get("/events/stream", h.streamEvents)
		}
	})

	return r
}

// requestLogger logs one line per completed request with its chi request
// id and duration, mirroring the correlation-id-keyed access log the
// daemon's own router writes for every request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("request completed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", ww.Status()),
					slog.Int64("duration_ms", time.Since(start).Milliseconds()),
					slog.String("request_id", chimiddleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
