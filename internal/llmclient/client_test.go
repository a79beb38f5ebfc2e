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

package llmclient_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/teamrt/internal/llmclient"
)

type stubBackend struct {
	classifyResp string
	classifyErr  error
	generateResp string
	generateErr  error
}

func (s *stubBackend) Classify(ctx context.Context, prompt string) (string, error) {
	return s.classifyResp, s.classifyErr
}

func (s *stubBackend) Generate(ctx context.Context, prompt string) (string, error) {
	return s.generateResp, s.generateErr
}

func TestClassifyStall_OfflineDefaultsToStillWorking(t *testing.T) {
	c := llmclient.New(llmclient.OfflineBackend{})
	label := c.ClassifyStall(context.Background(), "sess-1", "some terminal output")
	assert.Equal(t, llmclient.LabelStillWorking, label)
}

func TestClassifyStall_DedupsIdenticalTailWithinWindow(t *testing.T) {
	backend := &stubBackend{classifyResp: "stalled"}
	c := llmclient.New(backend)

	first := c.ClassifyStall(context.Background(), "sess-1", "frozen output")
	second := c.ClassifyStall(context.Background(), "sess-1", "frozen output")

	assert.Equal(t, llmclient.Label("stalled"), first)
	assert.Equal(t, first, second)
}

func TestEvaluateCondition_OfflineDefaultsToThen(t *testing.T) {
	c := llmclient.New(llmclient.OfflineBackend{})
	result := c.EvaluateCondition(context.Background(), "x == y", `{}`)
	assert.True(t, result, "offline backend should default the condition to then/true")
}

func TestEvaluateCondition_RespectsFalseVerdict(t *testing.T) {
	backend := &stubBackend{classifyResp: "false"}
	c := llmclient.New(backend)
	result := c.EvaluateCondition(context.Background(), "x == y", `{}`)
	assert.False(t, result)
}

func TestAggregate_OfflineReturnsRawSources(t *testing.T) {
	c := llmclient.New(llmclient.OfflineBackend{})
	sources := map[string]any{"step_0": "done"}

	result, err := c.Aggregate(context.Background(), "concat", sources)

	require.NoError(t, err)
	assert.Equal(t, sources, result.Aggregated)
}

func TestAggregate_ParsesWellFormedResponse(t *testing.T) {
	backend := &stubBackend{generateResp: `{"aggregated": "combined", "summary": "ok"}`}
	c := llmclient.New(backend)

	result, err := c.Aggregate(context.Background(), "concat", map[string]any{"a": 1})

	require.NoError(t, err)
	assert.Equal(t, "combined", result.Aggregated)
	assert.Equal(t, "ok", result.Summary)
}

func TestUnblockResponse_SkipBecomesEmpty(t *testing.T) {
	backend := &stubBackend{generateResp: "SKIP"}
	c := llmclient.New(backend)
	assert.Empty(t, c.UnblockResponse(context.Background(), "unblock me"))
}

func TestUnblockResponse_OfflineIsEmpty(t *testing.T) {
	c := llmclient.New(llmclient.OfflineBackend{})
	assert.Empty(t, c.UnblockResponse(context.Background(), "unblock me"))
}
