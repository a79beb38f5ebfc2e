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

import "net/http"

type classifyStallRequest struct {
	SessionID string `json:"sessionId"`
	Output    string `json:"output"`
}

// classifyStall is a diagnostic wrapper around the stall classifier,
// letting an operator replay a captured output tail through the same
// 5s-bounded LLM call the session manager uses internally, without having
// to spawn a real session.
func (h *handlers) classifyStall(w http.ResponseWriter, r *http.Request) {
	var req classifyStallRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if h.cfg.Classifier == nil {
		writeError(w, http.StatusServiceUnavailable, "stall classifier not configured")
		return
	}
	label := h.cfg.Classifier.ClassifyStall(r.Context(), req.SessionID, req.Output)
	writeJSON(w, http.StatusOK, map[string]string{"label": string(label)})
}
