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

// Package httpapi implements the HTTP surface (§6): template CRUD,
// deployment lifecycle, and the stall classifier diagnostic, mounted on a
// chi router behind JWT authentication.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	conductorerrors "github.com/agentmesh/teamrt/pkg/errors"
	"github.com/agentmesh/teamrt/internal/permissions"
	"github.com/agentmesh/teamrt/internal/store"
)

// writeJSON writes a JSON response with the given status code, logging any
// encoding failure rather than surfacing it to the client.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("httpapi: failed to write JSON response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads and unmarshals the request body into dst, writing a 400
// response and returning false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}

// writeServiceError maps a domain error to the HTTP status that best
// reflects it, following the taxonomy in pkg/errors.
func writeServiceError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var validationErr *conductorerrors.ValidationError
	var notFoundErr *conductorerrors.NotFoundError
	var conflictErr *conductorerrors.ConflictError
	var permErr *permissions.PermissionError

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFoundErr):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflictErr), errors.Is(err, store.ErrOptimisticLock):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &permErr):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
