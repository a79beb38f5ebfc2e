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

package llmclient

import (
	"encoding/json"
	"fmt"
)

func buildStallPrompt(tail string) string {
	return fmt.Sprintf(
		"Classify whether the following terminal output tail indicates the process is still_working or stalled. Respond with exactly one of those two words.\n\n%s",
		tail,
	)
}

func buildConditionPrompt(check, stateJSON string) string {
	return fmt.Sprintf(
		"Given the workflow step states below, evaluate the condition and respond with exactly \"true\" or \"false\".\nCondition: %s\nStep states: %s",
		check, stateJSON,
	)
}

func buildAggregatePrompt(method string, sources map[string]any) string {
	raw, _ := json.Marshal(sources)
	return fmt.Sprintf(
		"Aggregate the following step results using method %q. Respond with JSON of the shape {\"aggregated\": ..., \"summary\": \"...\"}.\nSources: %s",
		method, string(raw),
	)
}

func parseAggregateResponse(text string) (*AggregateResult, error) {
	var out AggregateResult
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, err
	}
	return &out, nil
}
