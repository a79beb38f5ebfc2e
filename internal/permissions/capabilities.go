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

// Package permissions validates the capability strings that gate what an
// agent role is allowed to do, and which agent executables a role may run.
package permissions

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// writeOperations is the set of operations that count as "able to persist
// findings" for capability augmentation purposes.
var writeOperations = map[string]bool{
	"create": true, "update": true, "complete": true, "assign": true,
	"delete": true, "move": true, "register": true, "restore": true,
	"approve": true, "teardown": true, "deploy": true, "trigger": true,
	"start": true,
}

// persistenceCapabilities is the minimum write set injected into a role
// whose declared capabilities contain no write operation.
var persistenceCapabilities = []string{"task.create", "page.create", "experiment.update"}

// contextQueryAlias always validates, independent of the method registry,
// since every agent may query its own context.
const contextQueryAlias = "context.query"

// MethodRegistry is the set of resource.operation pairs a capability string
// may reference, mirroring the MCP method surface exposed to agents.
type MethodRegistry struct {
	methods map[string]map[string]bool
}

// NewMethodRegistry builds a registry from a flat list of "resource.operation"
// strings.
func NewMethodRegistry(methods []string) (*MethodRegistry, error) {
	r := &MethodRegistry{methods: make(map[string]map[string]bool)}
	for _, m := range methods {
		resource, op, ok := strings.Cut(m, ".")
		if !ok || resource == "" || op == "" {
			return nil, fmt.Errorf("permissions: malformed method %q, want resource.operation", m)
		}
		if r.methods[resource] == nil {
			r.methods[resource] = make(map[string]bool)
		}
		r.methods[resource][op] = true
	}
	return r, nil
}

// HasMethod reports whether resource.operation is registered.
func (r *MethodRegistry) HasMethod(resource, operation string) bool {
	ops, ok := r.methods[resource]
	return ok && ops[operation]
}

// HasResource reports whether any operation is registered for resource.
func (r *MethodRegistry) HasResource(resource string) bool {
	ops, ok := r.methods[resource]
	return ok && len(ops) > 0
}

// DefaultMethodRegistry is the built-in method surface used when a
// deployment does not supply a custom registry: tasks, pages, experiments,
// deployments, workflows, and agents.
func DefaultMethodRegistry() *MethodRegistry {
	r, err := NewMethodRegistry([]string{
		"task.create", "task.update", "task.complete", "task.assign", "task.delete",
		"page.create", "page.update", "page.move", "page.delete",
		"experiment.update", "experiment.register", "experiment.restore", "experiment.approve",
		"deployment.deploy", "deployment.trigger", "deployment.pause", "deployment.resume",
		"deployment.reset", "deployment.teardown", "deployment.redeploy", "deployment.rename",
		"workflow.start", "workflow.update",
		"agent.assign",
	})
	if err != nil {
		panic(err)
	}
	return r
}

// ValidateCapability validates a single capability string against the
// registry. A capability must match "resource.operation", "resource.*", or
// the literal "*". "resource.operation" must be registered, or be the
// context.query alias; "resource.*" requires at least one matching method.
func ValidateCapability(registry *MethodRegistry, capability string) error {
	if capability == "*" || capability == contextQueryAlias {
		return nil
	}
	resource, op, ok := strings.Cut(capability, ".")
	if !ok || resource == "" || op == "" {
		return &PermissionError{Type: "capability.malformed", Resource: capability,
			Message: "capability must be resource.operation, resource.*, or *"}
	}
	if op == "*" {
		if !registry.HasResource(resource) {
			return &PermissionError{Type: "capability.unknown_resource", Resource: capability,
				Message: "no methods registered for resource"}
		}
		return nil
	}
	if !registry.HasMethod(resource, op) {
		return &PermissionError{Type: "capability.unknown_method", Resource: capability,
			Message: "method not found in registry"}
	}
	return nil
}

// ValidateCapabilities validates every capability in the set, returning the
// first error encountered.
func ValidateCapabilities(registry *MethodRegistry, capabilities []string) error {
	for _, c := range capabilities {
		if err := ValidateCapability(registry, c); err != nil {
			return err
		}
	}
	return nil
}

// MatchesCapability reports whether a granted capability set authorizes
// resource.operation, honoring "*" and "resource.*" wildcards.
func MatchesCapability(capabilities []string, resource, operation string) bool {
	target := resource + "." + operation
	for _, c := range capabilities {
		if c == "*" || c == target {
			return true
		}
		if ok, _ := doublestar.Match(c, target); ok {
			return true
		}
	}
	return false
}

// hasWriteCapability reports whether the capability set already grants at
// least one write operation, directly or through a wildcard.
func hasWriteCapability(capabilities []string) bool {
	for _, c := range capabilities {
		if c == "*" {
			return true
		}
		_, op, ok := strings.Cut(c, ".")
		if !ok {
			continue
		}
		if op == "*" || writeOperations[op] {
			return true
		}
	}
	return false
}

// EnsurePersistenceCapabilities augments capabilities with the minimum write
// set every agent needs to record its own results, if the set is currently
// entirely read-only.
func EnsurePersistenceCapabilities(capabilities []string) []string {
	if hasWriteCapability(capabilities) {
		return capabilities
	}
	out := make([]string, 0, len(capabilities)+len(persistenceCapabilities))
	out = append(out, capabilities...)
	seen := make(map[string]bool, len(out))
	for _, c := range out {
		seen[c] = true
	}
	for _, c := range persistenceCapabilities {
		if !seen[c] {
			out = append(out, c)
		}
	}
	return out
}

// normalizedAgentTypes maps every accepted spelling of an agent type to its
// canonical form.
var normalizedAgentTypes = map[string]string{
	"claude":       "claude",
	"claude-code":  "claude-code",
	"claude_code":  "claude-code",
	"claudecode":   "claude-code",
	"codex":        "codex",
	"gpt-codex":    "codex",
	"openai-codex": "codex",
	"gemini":       "gemini",
	"gemini-cli":   "gemini",
	"gemini_cli":   "gemini",
	"aider":        "aider",
}

// NormalizeAgentType canonicalizes an agent type string, returning an error
// if it does not match any accepted spelling.
func NormalizeAgentType(agentType string) (string, error) {
	canonical, ok := normalizedAgentTypes[strings.ToLower(strings.TrimSpace(agentType))]
	if !ok {
		return "", &PermissionError{Type: "agent_type.unknown", Resource: agentType,
			Message: "agent type is not one of the recognized executables"}
	}
	return canonical, nil
}
