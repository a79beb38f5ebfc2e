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

package templates

import (
	"context"
	"strings"
	"testing"

	"github.com/agentmesh/teamrt/internal/store/memorystore"
	"github.com/agentmesh/teamrt/pkg/team"
)

var allIDs = []string{"solo-builder", "pair-review", "escalating-team"}

func TestList(t *testing.T) {
	descs, err := List()
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(descs) != len(allIDs) {
		t.Fatalf("List() returned %d templates, want %d", len(descs), len(allIDs))
	}
	for _, d := range descs {
		if d.Description == "" {
			t.Errorf("template %s has empty description", d.ID)
		}
		if d.Category == "" {
			t.Errorf("template %s has empty category", d.ID)
		}
	}
}

func TestExists(t *testing.T) {
	for _, id := range allIDs {
		if !Exists(id) {
			t.Errorf("Exists(%q) = false, want true", id)
		}
	}
	if Exists("nonexistent") {
		t.Error("Exists(nonexistent) = true, want false")
	}
	if Exists("../escape") {
		t.Error("Exists should reject path traversal attempts")
	}
}

func TestCompile(t *testing.T) {
	for _, id := range allIDs {
		t.Run(id, func(t *testing.T) {
			pattern, err := Compile(id, "my-deployment", "ship the feature")
			if err != nil {
				t.Fatalf("Compile(%q) failed: %v", id, err)
			}
			if pattern.Name != "my-deployment" {
				t.Errorf("pattern name = %q, want my-deployment", pattern.Name)
			}
			if _, err := team.Compile(pattern); err != nil {
				t.Errorf("built-in template %q does not compile to a valid plan: %v", id, err)
			}
		})
	}
}

func TestRender_SubstitutesTask(t *testing.T) {
	rendered, err := Render("solo-builder", "demo", "write the README")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(string(rendered), "write the README") {
		t.Error("rendered template does not contain the substituted task")
	}
	if strings.Contains(string(rendered), "{{.Task}}") {
		t.Error("rendered template still contains {{.Task}} placeholder")
	}
}

func TestCompile_UnknownTemplate(t *testing.T) {
	if _, err := Compile("nonexistent", "x", "y"); err == nil {
		t.Error("Compile(nonexistent) should return an error")
	}
}

func TestSeed(t *testing.T) {
	backend := memorystore.New()
	ctx := context.Background()

	if err := Seed(ctx, backend, "ws-1"); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	seeded, err := backend.ListTemplates(ctx, "ws-1")
	if err != nil {
		t.Fatalf("ListTemplates failed: %v", err)
	}
	if len(seeded) != len(allIDs) {
		t.Fatalf("Seed created %d templates, want %d", len(seeded), len(allIDs))
	}
	for _, tpl := range seeded {
		if tpl.Kind != team.TemplateSystem {
			t.Errorf("seeded template %s has kind %q, want system", tpl.ID, tpl.Kind)
		}
	}

	// Seeding twice must not duplicate rows.
	if err := Seed(ctx, backend, "ws-1"); err != nil {
		t.Fatalf("second Seed call failed: %v", err)
	}
	again, err := backend.ListTemplates(ctx, "ws-1")
	if err != nil {
		t.Fatalf("ListTemplates failed: %v", err)
	}
	if len(again) != len(allIDs) {
		t.Errorf("re-seeding changed template count to %d, want %d", len(again), len(allIDs))
	}
}
