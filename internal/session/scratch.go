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

package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ScratchDir resolves the scratch directory for an agent under base,
// enforcing the id grammar and a path-escape guard so a malformed
// deploymentId/agentId can never resolve outside base.
func ScratchDir(base, deploymentID, agentID string) (string, error) {
	if !idPattern.MatchString(deploymentID) {
		return "", fmt.Errorf("invalid deployment id: %q", deploymentID)
	}
	if !idPattern.MatchString(agentID) {
		return "", fmt.Errorf("invalid agent id: %q", agentID)
	}

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("resolve scratch base: %w", err)
	}
	dir := filepath.Join(absBase, deploymentID, agentID)

	if !strings.HasPrefix(dir, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("resolved scratch path escapes base: %q", dir)
	}
	return dir, nil
}

// EnsureScratchDir resolves and creates (if needed) the agent's scratch
// directory.
func EnsureScratchDir(base, deploymentID, agentID string) (string, error) {
	dir, err := ScratchDir(base, deploymentID, agentID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, nil
}

// CleanScratchDir removes an agent's scratch directory entirely, used on
// reset/teardown.
func CleanScratchDir(base, deploymentID, agentID string) error {
	dir, err := ScratchDir(base, deploymentID, agentID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// CleanDeploymentScratch removes every agent's scratch directory under a
// deployment in one pass, used on teardown.
func CleanDeploymentScratch(base, deploymentID string) error {
	if !idPattern.MatchString(deploymentID) {
		return fmt.Errorf("invalid deployment id: %q", deploymentID)
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return fmt.Errorf("resolve scratch base: %w", err)
	}
	dir := filepath.Join(absBase, deploymentID)
	if !strings.HasPrefix(dir, absBase+string(filepath.Separator)) {
		return fmt.Errorf("resolved scratch path escapes base: %q", dir)
	}
	return os.RemoveAll(dir)
}
