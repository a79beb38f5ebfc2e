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

package team

// children returns a StepPlan's nested steps, spanning both container
// children and condition branches.
func (s *StepPlan) children() []*StepPlan {
	if len(s.Children) > 0 {
		return s.Children
	}
	var out []*StepPlan
	if s.ThenBranch != nil {
		out = append(out, s.ThenBranch)
	}
	if s.ElseBranch != nil {
		out = append(out, s.ElseBranch)
	}
	return out
}

// IsContainer reports whether a step is a parallel or sequential container.
func (s *StepPlan) IsContainer() bool {
	return s.Kind == StepParallel || s.Kind == StepSequential
}

// Walk visits every step of the plan, including nested container children
// and condition branches, depth-first.
func (p *ExecutionPlan) Walk(visit func(step *StepPlan, parent *StepPlan)) {
	var walk func(step, parent *StepPlan)
	walk = func(step, parent *StepPlan) {
		visit(step, parent)
		for _, c := range step.children() {
			walk(c, step)
		}
	}
	for _, s := range p.Steps {
		walk(s, nil)
	}
}

// FindStep returns the step with the given stepID, and its parent container
// (nil if top-level).
func (p *ExecutionPlan) FindStep(stepID string) (step *StepPlan, parent *StepPlan) {
	p.Walk(func(s, par *StepPlan) {
		if s.StepID == stepID {
			step, parent = s, par
		}
	})
	return
}

// ParentOf returns the container or condition step that owns childID as an
// immediate child, or nil if childID is top-level.
func (p *ExecutionPlan) ParentOf(childID string) *StepPlan {
	_, parent := p.FindStep(childID)
	return parent
}
