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

// Package templates embeds the built-in org pattern templates a new
// deployment can be created from (§4.5 deployFromTemplateId), the way the
// teacher embedded its starter workflow YAML files into the binary for
// offline availability.
package templates

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentmesh/teamrt/internal/store"
	"github.com/agentmesh/teamrt/pkg/team"
)

//go:embed *.yaml
var embeddedFS embed.FS

// renderData fills the {{.Name}}/{{.Task}} placeholders embedded templates
// use in place of the teacher's {{.Name}}-only workflow placeholder.
type renderData struct {
	Name string
	Task string
}

// Descriptor is metadata about a built-in template, returned by List
// without paying the cost of compiling its OrgPattern.
type Descriptor struct {
	ID          string
	Description string
	Category    string
}

var descriptions = map[string]string{
	"solo-builder":    "A single builder agent works the task end to end.",
	"pair-review":     "A builder and an independent reviewer, with a lead approving the review.",
	"escalating-team": "A pool of workers reporting to a coordinator who triages failures.",
}

var categories = map[string]string{
	"solo-builder":    "Basic",
	"pair-review":     "Quality",
	"escalating-team": "Scale",
}

// List returns metadata for every built-in template.
func List() ([]Descriptor, error) {
	entries, err := embeddedFS.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded templates: %w", err)
	}

	var out []Descriptor
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".yaml")
		out = append(out, Descriptor{
			ID:          id,
			Description: getDescription(id),
			Category:    getCategory(id),
		})
	}
	return out, nil
}

// Exists reports whether id names a built-in template.
func Exists(id string) bool {
	if !validID(id) {
		return false
	}
	_, err := embeddedFS.ReadFile(id + ".yaml")
	return err == nil
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "./\\")
}

// Render renders a built-in template's org pattern with deploymentName and
// task substituted, returning the raw YAML bytes.
func Render(id, deploymentName, task string) ([]byte, error) {
	if !validID(id) {
		return nil, fmt.Errorf("invalid template id: %q", id)
	}
	content, err := embeddedFS.ReadFile(id + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("template %q not found: %w", id, err)
	}

	tmpl, err := template.New(id).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %q: %w", id, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, renderData{Name: deploymentName, Task: task}); err != nil {
		return nil, fmt.Errorf("failed to render template %q: %w", id, err)
	}
	return buf.Bytes(), nil
}

// Compile renders a built-in template and parses it into an OrgPattern,
// ready to hand to team.Compile.
func Compile(id, deploymentName, task string) (*team.OrgPattern, error) {
	rendered, err := Render(id, deploymentName, task)
	if err != nil {
		return nil, err
	}
	var pattern team.OrgPattern
	if err := yaml.Unmarshal(rendered, &pattern); err != nil {
		return nil, fmt.Errorf("template %q did not render valid YAML: %w", id, err)
	}
	return &pattern, nil
}

// Seed persists every built-in template into ts as a TemplateSystem row,
// scoped to workspaceID, skipping any template already present. It is
// called once at daemon startup so that workspaces always have the
// built-in catalog available alongside any custom templates they create.
func Seed(ctx context.Context, ts store.TemplateStore, workspaceID string) error {
	descs, err := List()
	if err != nil {
		return err
	}
	existing, err := ts.ListTemplates(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("list existing templates: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, t := range existing {
		if t.Kind == team.TemplateSystem {
			have[t.ID] = true
		}
	}

	for _, d := range descs {
		if have[d.ID] {
			continue
		}
		pattern, err := Compile(d.ID, d.ID, "")
		if err != nil {
			return fmt.Errorf("compile built-in template %q: %w", d.ID, err)
		}
		now := time.Now()
		t := &team.Template{
			ID:          d.ID,
			WorkspaceID: workspaceID,
			Name:        d.ID,
			Description: d.Description,
			Kind:        team.TemplateSystem,
			Pattern:     *pattern,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := ts.CreateTemplate(ctx, t); err != nil {
			return fmt.Errorf("seed built-in template %q: %w", d.ID, err)
		}
	}
	return nil
}

func getDescription(id string) string {
	if d, ok := descriptions[id]; ok {
		return d
	}
	return "Org pattern template"
}

func getCategory(id string) string {
	if c, ok := categories[id]; ok {
		return c
	}
	return "General"
}
