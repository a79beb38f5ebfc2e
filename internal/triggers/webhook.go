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

package triggers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"strings"
)

const (
	signatureHeader = "X-Team-Signature-256"
	maxBodyBytes    = 1 << 20 // 1 MiB, a webhook payload is a ping not a file upload
)

// WebhookHandler serves every registered webhook trigger at its Path,
// verifying the HMAC-SHA256 signature before calling TriggerTeamRun.
func (m *Manager) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		trigger, ok := m.lookupWebhook(r.URL.Path)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		if secret := resolveSecretRef(trigger.Secret); secret != "" {
			if !verifySignature(secret, body, r.Header.Get(signatureHeader)) {
				m.log.Warn("webhook signature mismatch", "path", trigger.Path, "deployment_id", trigger.DeploymentID)
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}
		}

		if err := m.runner.TriggerTeamRun(r.Context(), trigger.WorkspaceID, trigger.DeploymentID); err != nil {
			m.log.Error("webhook-triggered run failed", "path", trigger.Path, "deployment_id", trigger.DeploymentID, "error", err.Error())
			http.Error(w, "trigger failed", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})
}

// resolveSecretRef dereferences a ${VAR_NAME} secret reference from the
// process environment; triggers never carry a raw secret value on disk.
func resolveSecretRef(ref string) string {
	if ref == "" {
		return ""
	}
	name := strings.TrimSuffix(strings.TrimPrefix(ref, "${"), "}")
	return os.Getenv(name)
}

func verifySignature(secret string, body []byte, header string) bool {
	header = strings.TrimPrefix(header, "sha256=")
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}
