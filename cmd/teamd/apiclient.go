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

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// baseURL resolves the daemon's HTTP address a CLI subcommand talks to.
func baseURL() string {
	if v := os.Getenv("TEAM_CONTROLLER_URL"); v != "" {
		return v
	}
	return "http://localhost:8090"
}

// postJSON sends req as a JSON body to the daemon's /teams API and decodes
// the response into resp (if non-nil), grounded on the teacher's
// MakeAPIRequest/BuildAPIURL helpers.
func postJSON(path string, req, resp any) error {
	var body []byte
	var err error
	if req != nil {
		body, err = json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL()+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token := os.Getenv("TEAM_API_TOKEN"); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %d: %s", httpResp.StatusCode, string(respBody))
	}
	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
