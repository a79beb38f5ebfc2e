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

import (
	"fmt"
)

// InvalidPatternError reports why Compile rejected an OrgPattern.
type InvalidPatternError struct {
	Reason string
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("invalid pattern: %s", e.Reason)
}

// Compile transforms an OrgPattern into a flat, addressable ExecutionPlan.
// It is a total function over well-formed Go values: it either returns a
// plan or an *InvalidPatternError, never panics.
//
// Compile is deterministic: identical patterns produce identical plans,
// since step IDs are assigned by a fixed depth-first walk. The plan's Roles
// field refers to the pattern's own role map rather than a copy.
func Compile(pattern *OrgPattern) (*ExecutionPlan, error) {
	if err := validateRoles(pattern.Roles); err != nil {
		return nil, err
	}

	plan := &ExecutionPlan{
		PatternName: pattern.Name,
		Version:     pattern.Version,
		Roles:       pattern.Roles,
		Routing:     pattern.Routing,
		Escalation:  pattern.Escalation,
	}

	steps := make([]*StepPlan, 0, len(pattern.Workflow))
	for i, src := range pattern.Workflow {
		compiled, err := compileStep(pattern, src, fmt.Sprintf("step_%d", i), steps)
		if err != nil {
			return nil, err
		}
		steps = append(steps, compiled)
	}
	plan.Steps = steps

	if err := validateAggregateSources(plan.Steps); err != nil {
		return nil, err
	}
	return plan, nil
}

// validateAggregateSources rejects plans where an aggregate step names the
// stepId of a zero-child parallel/sequential container as a source: such a
// container compiles to a single no-op and the aggregate it feeds could
// never see more than one completed predecessor. Checking this requires
// seeing the whole plan at once, which is why it runs as a pass over the
// fully compiled tree rather than inside compileStep.
func validateAggregateSources(steps []*StepPlan) error {
	emptyContainers := map[string]bool{}
	aggregates := map[string][]string{}
	collectPlanFacts(steps, emptyContainers, aggregates)

	for stepID, sources := range aggregates {
		for _, src := range sources {
			if emptyContainers[src] {
				return &InvalidPatternError{Reason: fmt.Sprintf(
					"aggregate step %q sources %q, which is an empty container and can never produce a result", stepID, src)}
			}
		}
	}
	return nil
}

// collectPlanFacts walks the compiled tree (including condition branches and
// container children) recording every zero-child container's stepId and
// every aggregate step's source list.
func collectPlanFacts(steps []*StepPlan, emptyContainers map[string]bool, aggregates map[string][]string) {
	for _, sp := range steps {
		if sp == nil {
			continue
		}
		switch sp.Kind {
		case StepParallel, StepSequential:
			if len(sp.Children) == 0 {
				emptyContainers[sp.StepID] = true
			}
			collectPlanFacts(sp.Children, emptyContainers, aggregates)
		case StepAggregate:
			aggregates[sp.StepID] = sp.Operation.SourceStepIDs
		case StepCondition:
			if sp.ThenBranch != nil {
				collectPlanFacts([]*StepPlan{sp.ThenBranch}, emptyContainers, aggregates)
			}
			if sp.ElseBranch != nil {
				collectPlanFacts([]*StepPlan{sp.ElseBranch}, emptyContainers, aggregates)
			}
		}
	}
}

// validateRoles checks reportsTo references, acyclicity, and instance
// bounds across the role table.
func validateRoles(roles map[string]Role) error {
	for id, r := range roles {
		if r.ReportsTo != "" {
			if _, ok := roles[r.ReportsTo]; !ok {
				return &InvalidPatternError{Reason: fmt.Sprintf("role %q reportsTo unknown role %q", id, r.ReportsTo)}
			}
		}
		if r.MinInstances < 1 {
			return &InvalidPatternError{Reason: fmt.Sprintf("role %q minInstances must be >= 1", id)}
		}
		if r.MaxInstances < r.MinInstances {
			return &InvalidPatternError{Reason: fmt.Sprintf("role %q maxInstances < minInstances", id)}
		}
	}

	// Cycle detection over the reportsTo graph via iterative ancestor walk.
	for id := range roles {
		visited := map[string]bool{id: true}
		cur := roles[id].ReportsTo
		for cur != "" {
			if visited[cur] {
				return &InvalidPatternError{Reason: fmt.Sprintf("reporting graph is cyclic at role %q", id)}
			}
			visited[cur] = true
			cur = roles[cur].ReportsTo
		}
	}
	return nil
}

// compileStep recursively compiles one source WorkflowStep, assigning
// stepId and mapping Kind to the matching Operation variant. siblings holds
// the already-compiled steps of the same container, used to default
// aggregate's sourceStepIds to "all preceding siblings".
func compileStep(pattern *OrgPattern, src *WorkflowStep, stepID string, siblings []*StepPlan) (*StepPlan, error) {
	if src.Role != "" {
		if _, ok := pattern.Roles[src.Role]; !ok {
			return nil, &InvalidPatternError{Reason: fmt.Sprintf("step %q references unknown role %q", stepID, src.Role)}
		}
	}

	sp := &StepPlan{StepID: stepID, Kind: src.Kind}

	switch src.Kind {
	case StepAssign, StepSelect:
		sp.Operation = Operation{Kind: OpDispatchAgentLoop, Role: src.Role, Task: src.Task}
	case StepReview:
		sp.Operation = Operation{Kind: OpDispatchAgentLoop, Role: src.Reviewer, Task: "review: " + src.Subject}
	case StepApprove:
		sp.Operation = Operation{Kind: OpDispatchAgentLoop, Role: src.Approver, Task: "approve: " + src.Subject}
	case StepAggregate:
		sources := src.Sources
		if len(sources) == 0 {
			for _, s := range siblings {
				sources = append(sources, s.StepID)
			}
		}
		sp.Operation = Operation{Kind: OpAggregateResults, Method: src.Method, SourceStepIDs: sources}
	case StepCondition:
		sp.Operation = Operation{Kind: OpEvaluateCondition, Check: src.Check}
		if src.Then != nil {
			thenPlan, err := compileStep(pattern, src.Then, stepID+"_then", nil)
			if err != nil {
				return nil, err
			}
			sp.ThenBranch = thenPlan
		}
		if src.Else != nil {
			elsePlan, err := compileStep(pattern, src.Else, stepID+"_else", nil)
			if err != nil {
				return nil, err
			}
			sp.ElseBranch = elsePlan
		}
	case StepWait:
		sp.Operation = Operation{Kind: OpAwaitEvent, Pattern: src.Condition, Timeout: src.Timeout}
	case StepParallel, StepSequential:
		if len(src.Steps) == 0 {
			// Empty containers compile to a no-op; validateAggregateSources
			// rejects the plan if an aggregate still sources this stepId.
			sp.Operation = Operation{Kind: OpNoop}
			sp.Children = nil
			return sp, nil
		}
		sp.Operation = Operation{Kind: OpNoop}
		children := make([]*StepPlan, 0, len(src.Steps))
		for i, child := range src.Steps {
			childID := fmt.Sprintf("%s_%d", stepID, i)
			compiledChild, err := compileStep(pattern, child, childID, children)
			if err != nil {
				return nil, err
			}
			children = append(children, compiledChild)
		}
		sp.Children = children
	default:
		return nil, &InvalidPatternError{Reason: fmt.Sprintf("step %q has unknown kind %q", stepID, src.Kind)}
	}

	return sp, nil
}

// invokeCoordinatorStep builds a standalone step carrying an
// invoke_coordinator operation, outside of pattern compilation. Nothing in
// the module calls it.
func invokeCoordinatorStep(stepID, reason string) *StepPlan {
	return &StepPlan{
		StepID:    stepID,
		Kind:      StepAssign,
		Operation: Operation{Kind: OpInvokeCoordinator, Reason: reason},
	}
}
